package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/repositories"
	"github.com/shopcore/api/internal/shipping"
)

const defaultRecipientName = "کاربر"

// ShipmentLabelServiceDeps wires label issuance.
type ShipmentLabelServiceDeps struct {
	Registry          repositories.Registry
	Carrier           Carrier
	Audit             OrderAuditSink
	DefaultItemWeight int
	MinShipmentWeight int
	Clock             func() time.Time
	Logger            EventLogger
}

type shipmentLabelService struct {
	registry      repositories.Registry
	carrier       Carrier
	audit         OrderAuditSink
	defaultWeight int
	minWeight     int
	now           func() time.Time
	logger        EventLogger
}

// NewShipmentLabelService constructs the label issuer.
func NewShipmentLabelService(deps ShipmentLabelServiceDeps) (ShipmentLabelService, error) {
	if deps.Registry == nil {
		return nil, errors.New("shipment label service: registry is required")
	}
	if deps.Carrier == nil {
		return nil, errors.New("shipment label service: carrier is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	audit := deps.Audit
	if audit == nil {
		audit = nopAuditSink{}
	}
	defaultWeight := deps.DefaultItemWeight
	if defaultWeight <= 0 {
		defaultWeight = defaultItemWeightGrams
	}
	minWeight := deps.MinShipmentWeight
	if minWeight <= 0 {
		minWeight = defaultMinShipmentWeightGrams
	}
	return &shipmentLabelService{
		registry:      deps.Registry,
		carrier:       deps.Carrier,
		audit:         audit,
		defaultWeight: defaultWeight,
		minWeight:     minWeight,
		now:           func() time.Time { return clock().UTC() },
		logger:        logger,
	}, nil
}

// IssueLabel registers the parcel with the carrier. An order that already carries a barcode is
// returned unchanged.
func (s *shipmentLabelService) IssueLabel(ctx context.Context, orderID int64) (ShipmentLabel, error) {
	order, err := s.registry.Orders().FindByID(ctx, orderID)
	if err != nil {
		return ShipmentLabel{}, AsCheckoutError(err)
	}
	if order.ShippingBarcode != "" {
		return ShipmentLabel{
			OrderID:   order.ID,
			Barcode:   order.ShippingBarcode,
			PostPrice: order.ShippingPostPrice,
			Tax:       order.ShippingTax,
			Existing:  true,
		}, nil
	}
	if order.Status != domain.OrderStatusStarted {
		return ShipmentLabel{}, newCheckoutError(KindInvalidStatus, string(order.Status))
	}
	if order.DeliveryAddressID == nil {
		return ShipmentLabel{}, newCheckoutError(KindAddressIncomplete, "order has no delivery address")
	}
	address, err := s.registry.Addresses().FindByID(ctx, *order.DeliveryAddressID)
	if err != nil {
		if isRepoNotFound(err) {
			return ShipmentLabel{}, newCheckoutError(KindAddressIncomplete, "delivery address not found")
		}
		return ShipmentLabel{}, wrapCheckoutError(KindUnavailable, "load address", err)
	}
	if strings.TrimSpace(address.ProvinceCode) == "" || strings.TrimSpace(address.CityName) == "" {
		return ShipmentLabel{}, newCheckoutError(KindAddressIncomplete, "missing province or city")
	}

	phone := address.Phone
	name := address.FullName
	if phone == "" || name == "" {
		if user, err := s.registry.Users().FindByID(ctx, order.UserID); err == nil {
			phone = firstNonEmpty(phone, user.Phone)
			name = firstNonEmpty(name, user.Phone)
		}
	}

	label, err := s.carrier.IssueLabel(ctx, shipping.LabelRequest{
		OrderID:      order.ID,
		ProvinceCode: address.ProvinceCode,
		ProvinceName: address.ProvinceName,
		CityName:     address.CityName,
		Name:         firstNonEmpty(name, defaultRecipientName),
		PostalCode:   address.PostalCode,
		Phone:        phone,
		Address:      address.FullAddress,
		Weight:       s.shipmentWeight(order),
		Amount:       itemsSubtotal(order.Items) + order.ShippingCost,
	})
	if err != nil {
		s.logger(ctx, "shipment_label.issue_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		return ShipmentLabel{}, wrapCheckoutError(KindCarrierError, fmt.Sprintf("order %d", order.ID), err)
	}

	order.ShippingBarcode = label.Barcode
	order.ShippingPostPrice = label.PostPrice
	order.ShippingTax = label.Tax
	if err := s.registry.Orders().Update(ctx, order); err != nil {
		return ShipmentLabel{}, wrapCheckoutError(KindUnavailable, "persist barcode", err)
	}

	s.audit.Record(ctx, OrderAuditRecord{
		OrderID:     order.ID,
		Action:      auditActionUpdate,
		Description: "Shipment label issued",
		Changes: map[string]any{
			"barcode":   label.Barcode,
			"postPrice": label.PostPrice,
			"tax":       label.Tax,
		},
		PerformedBy: auditActorSystem,
	})

	return ShipmentLabel{
		OrderID:   order.ID,
		Barcode:   label.Barcode,
		PostPrice: label.PostPrice,
		Tax:       label.Tax,
	}, nil
}

func (s *shipmentLabelService) shipmentWeight(order domain.Order) int {
	if order.ShipmentWeight > 0 {
		return order.ShipmentWeight
	}
	weight := 0
	for _, item := range order.Items {
		w := item.Weight
		if w <= 0 {
			w = s.defaultWeight
		}
		weight += w * item.Count
	}
	return max(weight, s.minWeight)
}

// labelTrigger issues labels automatically for orders shipped with the carrier-backed method.
type labelTrigger struct {
	labels   ShipmentLabelService
	methodID int64
	logger   EventLogger
}

func (t labelTrigger) fire(ctx context.Context, order domain.Order) {
	if t.labels == nil || t.methodID <= 0 || order.ShippingMethodID != t.methodID {
		return
	}
	if _, err := t.labels.IssueLabel(ctx, order.ID); err != nil {
		t.logger(ctx, "settlement.label_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
