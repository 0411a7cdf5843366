package services

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/repositories"
)

const metricNamespace = "github.com/shopcore/api/internal/services"

// settlementMetrics counts settlement outcomes and wallet debits. Instruments that fail to
// register are left nil and skipped.
type settlementMetrics struct {
	settlements      metric.Int64Counter
	walletDeductions metric.Int64Counter
}

func newSettlementMetrics(meter metric.Meter) *settlementMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}
	m := &settlementMetrics{}
	if c, err := meter.Int64Counter("checkout.settlements",
		metric.WithDescription("Payment settlements by gateway and outcome")); err == nil {
		m.settlements = c
	}
	if c, err := meter.Int64Counter("checkout.wallet_deductions",
		metric.WithUnit("{IRR}"),
		metric.WithDescription("Provider-unit amount debited from customer wallets")); err == nil {
		m.walletDeductions = c
	}
	return m
}

func (m *settlementMetrics) settlement(ctx context.Context, gateway, outcome string) {
	if m == nil || m.settlements == nil {
		return
	}
	m.settlements.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gateway", gateway),
		attribute.String("outcome", outcome),
	))
}

func (m *settlementMetrics) walletDebit(ctx context.Context, amount int64) {
	if m == nil || m.walletDeductions == nil {
		return
	}
	m.walletDeductions.Add(ctx, amount)
}

// settlementEffects holds the post-payment mutations shared by every gateway.
type settlementEffects struct {
	registry repositories.Registry
	labels   labelTrigger
	audit    OrderAuditSink
	events   orderEvents
	metrics  *settlementMetrics
	logger   EventLogger
	now      func() time.Time
}

// commitStock decrements stock for every order line. Shortfalls are clamped at zero and logged;
// the customer has already paid so the order proceeds.
func (e *settlementEffects) commitStock(ctx context.Context, order domain.Order) error {
	for _, item := range order.Items {
		if item.Count <= 0 {
			continue
		}
		change, err := e.registry.Catalog().DecrementStock(ctx, item.VariationID, item.Count)
		if err != nil {
			if isRepoNotFound(err) {
				e.logger(ctx, "settlement.stock_missing", map[string]any{
					"orderId":     order.ID,
					"variationId": item.VariationID,
				})
				continue
			}
			return err
		}
		if change.Applied < change.Requested {
			e.logger(ctx, "settlement.stock_shortfall", map[string]any{
				"orderId":     order.ID,
				"variationId": item.VariationID,
				"requested":   change.Requested,
				"applied":     change.Applied,
			})
		}
	}
	return nil
}

// consumeDiscount bumps the coupon usage counter for a settled order.
func (e *settlementEffects) consumeDiscount(ctx context.Context, order domain.Order) error {
	if order.Discount == nil || strings.TrimSpace(order.Discount.Code) == "" {
		return nil
	}
	ok, err := e.registry.Discounts().IncrementUsage(ctx, order.Discount.Code)
	if err != nil {
		if isRepoNotFound(err) {
			return nil
		}
		return err
	}
	if !ok {
		e.logger(ctx, "settlement.discount_usage_exhausted", map[string]any{
			"orderId": order.ID,
			"code":    order.Discount.Code,
			"error":   errDiscountUsageExhausted.Error(),
		})
	}
	return nil
}

func (e *settlementEffects) clearCart(ctx context.Context, userID int64) error {
	if err := e.registry.Carts().Clear(ctx, userID); err != nil && !isRepoNotFound(err) {
		return err
	}
	return nil
}

// cancel moves the order and its contract to Cancelled and fails the pending ledger row.
func (e *settlementEffects) cancel(ctx context.Context, orderID, contractID int64, tx *domain.ContractTransaction) error {
	return e.registry.RunInTx(ctx, func(ctx context.Context) error {
		if err := e.registry.Orders().UpdateStatus(ctx, orderID, domain.OrderStatusCancelled); err != nil {
			return err
		}
		if contractID > 0 {
			if err := e.registry.Contracts().UpdateStatus(ctx, contractID, domain.ContractStatusCancelled); err != nil {
				return err
			}
		}
		if tx != nil && tx.ID > 0 && tx.Status == domain.ContractTransactionPending {
			failed := *tx
			failed.Status = domain.ContractTransactionFailed
			if err := e.registry.Contracts().UpdateTransaction(ctx, failed); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *settlementEffects) record(ctx context.Context, orderID int64, description, performedBy string, changes map[string]any) {
	e.audit.Record(ctx, OrderAuditRecord{
		OrderID:     orderID,
		Action:      auditActionUpdate,
		Description: description,
		Changes:     changes,
		PerformedBy: performedBy,
	})
}

func newSettlementEffects(
	registry repositories.Registry,
	labels ShipmentLabelService,
	labelMethodID int64,
	audit OrderAuditSink,
	publisher OrderEventPublisher,
	meter metric.Meter,
	logger EventLogger,
	now func() time.Time,
) *settlementEffects {
	if audit == nil {
		audit = nopAuditSink{}
	}
	if publisher == nil {
		publisher = nopEventPublisher{}
	}
	return &settlementEffects{
		registry: registry,
		labels:   labelTrigger{labels: labels, methodID: labelMethodID, logger: logger},
		audit:    audit,
		events:   orderEvents{publisher: publisher, logger: logger, now: now},
		metrics:  newSettlementMetrics(meter),
		logger:   logger,
		now:      now,
	}
}
