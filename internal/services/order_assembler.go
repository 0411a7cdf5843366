package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/repositories"
)

const (
	defaultPickupShippingMethodID = 4
	defaultItemWeightGrams        = 100
	defaultMinShipmentWeightGrams = 100
	maxFreeTextLength             = 1000
)

type assemblerConfig struct {
	PickupShippingMethodID int64
	DefaultItemWeight      int
	MinShipmentWeight      int
}

type orderAssembler struct {
	registry  repositories.Registry
	contracts contractFactory
	discounts *discountResolver
	policy    *bluemonday.Policy
	cfg       assemblerConfig
	now       func() time.Time
}

func newOrderAssembler(registry repositories.Registry, cfg assemblerConfig, now func() time.Time) *orderAssembler {
	if cfg.PickupShippingMethodID <= 0 {
		cfg.PickupShippingMethodID = defaultPickupShippingMethodID
	}
	if cfg.DefaultItemWeight <= 0 {
		cfg.DefaultItemWeight = defaultItemWeightGrams
	}
	if cfg.MinShipmentWeight <= 0 {
		cfg.MinShipmentWeight = defaultMinShipmentWeightGrams
	}
	return &orderAssembler{
		registry:  registry,
		contracts: contractFactory{contracts: registry.Contracts()},
		discounts: newDiscountResolver(registry.Discounts(), now),
		policy:    bluemonday.StrictPolicy(),
		cfg:       cfg,
		now:       now,
	}
}

// Assemble writes the order header, its items and the contract in one transaction.
// The cart is left untouched.
func (a *orderAssembler) Assemble(ctx context.Context, userID int64, cart domain.Cart, ship ShippingData) (FinalizeResult, error) {
	if err := validateCartLines(cart.Items); err != nil {
		return FinalizeResult{}, err
	}
	if ship.ShippingMethodID == nil || *ship.ShippingMethodID <= 0 {
		return FinalizeResult{}, newCheckoutError(KindShippingMethodRequired, "")
	}

	var result FinalizeResult
	err := a.registry.RunInTx(ctx, func(ctx context.Context) error {
		method, err := a.registry.ShippingMethods().FindByID(ctx, *ship.ShippingMethodID)
		if err != nil {
			if isRepoNotFound(err) {
				return newCheckoutError(KindShippingMethodNotFound, fmt.Sprintf("shipping method %d", *ship.ShippingMethodID))
			}
			return wrapCheckoutError(KindUnavailable, "load shipping method", err)
		}
		shippingCost := a.shippingCost(method, ship)

		order, err := a.registry.Orders().Insert(ctx, domain.Order{
			UserID:            userID,
			Status:            domain.OrderStatusPaying,
			ShippingMethodID:  method.ID,
			ShippingCost:      shippingCost,
			Description:       a.sanitize(ship.Description),
			Note:              a.sanitize(ship.Note),
			DeliveryAddressID: ship.AddressID,
			CreatedAt:         a.now(),
		})
		if err != nil {
			return wrapCheckoutError(KindOrderCreationFailed, "", err)
		}

		var (
			subtotal int64
			weight   int
			lines    = make([]discountLine, 0, len(cart.Items))
			items    = make([]domain.OrderItem, 0, len(cart.Items))
		)
		for _, ci := range cart.Items {
			v := ci.Variation
			item, err := a.registry.Orders().InsertItem(ctx, domain.OrderItem{
				OrderID:      order.ID,
				VariationID:  v.ID,
				Count:        ci.Count,
				PerAmount:    v.EffectivePrice(),
				ProductTitle: v.Product.Title,
				ProductSKU:   v.SKU,
				ProductID:    v.Product.ID,
				Category:     v.Product.Category,
				Weight:       v.Product.Weight,
				Attributes:   v.Attributes,
			})
			if err != nil {
				return wrapCheckoutError(KindOrderItemCreationFailed, fmt.Sprintf("variation %d", v.ID), err)
			}
			items = append(items, item)
			subtotal += item.LineTotal()
			weight += a.itemWeight(item.Weight) * item.Count
			lines = append(lines, discountLine{ProductID: item.ProductID, LineTotal: item.LineTotal()})
		}
		weight = max(weight, a.cfg.MinShipmentWeight)

		discount, err := a.discounts.Resolve(ctx, discountInput{
			Code:             ship.DiscountCode,
			Subtotal:         subtotal,
			Lines:            lines,
			ShippingMethodID: &method.ID,
		})
		if err != nil {
			return err
		}

		summary := CalculateFinancialSummary(subtotal, discount.Amount, shippingCost)

		contract, err := a.contracts.Create(ctx, order.ID, summary.Total, 0)
		if err != nil {
			return err
		}

		order.ShipmentWeight = weight
		if discount.Source != domain.DiscountSourceNone && summary.Discount > 0 {
			order.Discount = &domain.AppliedDiscount{
				Code:              discount.Code,
				GeneralDiscountID: discount.GeneralDiscountID,
				Amount:            summary.Discount,
			}
		}
		if err := a.registry.Orders().Update(ctx, order); err != nil {
			return wrapCheckoutError(KindOrderCreationFailed, "persist order totals", err)
		}

		order.Items = items
		order.Contract = &contract
		result = FinalizeResult{
			Success:          true,
			Order:            order,
			Contract:         contract,
			FinancialSummary: summary,
			Discount:         discount,
		}
		return nil
	})
	if err != nil {
		return FinalizeResult{}, AsCheckoutError(err)
	}
	return result, nil
}

func (a *orderAssembler) shippingCost(method domain.ShippingMethod, ship ShippingData) int64 {
	switch {
	case method.ID == a.cfg.PickupShippingMethodID:
		return 0
	case ship.ShippingCost != nil && *ship.ShippingCost > 0:
		return *ship.ShippingCost
	default:
		return max(method.Price, 0)
	}
}

func (a *orderAssembler) itemWeight(w int) int {
	if w <= 0 {
		return a.cfg.DefaultItemWeight
	}
	return w
}

func (a *orderAssembler) sanitize(text string) string {
	clean := strings.TrimSpace(a.policy.Sanitize(text))
	if len([]rune(clean)) > maxFreeTextLength {
		clean = string([]rune(clean)[:maxFreeTextLength])
	}
	return clean
}

func validateCartLines(items []domain.CartItem) error {
	for _, item := range items {
		v := item.Variation
		switch {
		case v == nil || v.Product == nil || item.Count <= 0:
			return newCheckoutError(KindInvalidItem, fmt.Sprintf("cart item %d", item.ID))
		case strings.TrimSpace(v.Product.Title) == "":
			return newCheckoutError(KindMissingProductTitle, fmt.Sprintf("variation %d", v.ID))
		case strings.TrimSpace(v.SKU) == "":
			return newCheckoutError(KindMissingProductSKU, fmt.Sprintf("variation %d", v.ID))
		case v.EffectivePrice() <= 0:
			return newCheckoutError(KindInvalidPrice, fmt.Sprintf("variation %d", v.ID))
		}
	}
	return nil
}
