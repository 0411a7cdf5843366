package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/repositories"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
)

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Registry               repositories.Registry
	Reconciler             StockReconciler
	Dispatcher             PaymentDispatcher
	Audit                  OrderAuditSink
	Events                 OrderEventPublisher
	PickupShippingMethodID int64
	DefaultItemWeight      int
	MinShipmentWeight      int
	Clock                  func() time.Time
	Logger                 EventLogger
}

type checkoutService struct {
	registry   repositories.Registry
	reconciler StockReconciler
	dispatcher PaymentDispatcher
	assembler  *orderAssembler
	audit      OrderAuditSink
	events     orderEvents
	now        func() time.Time
	logger     EventLogger
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Registry == nil {
		return nil, errors.New("checkout service: registry is required")
	}
	if deps.Reconciler == nil {
		return nil, errors.New("checkout service: stock reconciler is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("checkout service: payment dispatcher is required")
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
	publisher := deps.Events
	if publisher == nil {
		publisher = nopEventPublisher{}
	}
	now := func() time.Time {
		return clock().UTC()
	}

	return &checkoutService{
		registry:   deps.Registry,
		reconciler: deps.Reconciler,
		dispatcher: deps.Dispatcher,
		assembler: newOrderAssembler(deps.Registry, assemblerConfig{
			PickupShippingMethodID: deps.PickupShippingMethodID,
			DefaultItemWeight:      deps.DefaultItemWeight,
			MinShipmentWeight:      deps.MinShipmentWeight,
		}, now),
		audit:  audit,
		events: orderEvents{publisher: publisher, logger: logger, now: now},
		now:    now,
		logger: logger,
	}, nil
}

// FinalizeCartToOrder re-validates stock and assembles an order in Paying. The cart stays intact
// until payment is confirmed.
func (s *checkoutService) FinalizeCartToOrder(ctx context.Context, cmd FinalizeCartCommand) (FinalizeResult, error) {
	if s == nil || s.registry == nil {
		return FinalizeResult{}, ErrCheckoutUnavailable
	}
	if cmd.UserID <= 0 {
		return FinalizeResult{}, newCheckoutError(KindInvalidInput, ErrCheckoutInvalidInput.Error())
	}

	stock, err := s.reconciler.ReconcileCartStock(ctx, cmd.UserID)
	if err != nil {
		return FinalizeResult{}, s.fail(ctx, cmd.UserID, err)
	}
	if stock.CartIsEmpty || len(stock.Cart.Items) == 0 {
		return FinalizeResult{}, newCheckoutError(KindCartEmpty, "")
	}
	if !stock.Valid {
		return FinalizeResult{}, newCheckoutError(KindCartChanged, "").
			with("itemsRemoved", stock.ItemsRemoved).
			with("itemsAdjusted", stock.ItemsAdjusted)
	}

	result, err := s.assembler.Assemble(ctx, cmd.UserID, stock.Cart, cmd.Shipping)
	if err != nil {
		return FinalizeResult{}, s.fail(ctx, cmd.UserID, err)
	}

	changes := map[string]any{
		"total":    result.FinancialSummary.Total,
		"subtotal": result.FinancialSummary.Subtotal,
		"discount": result.FinancialSummary.Discount,
		"shipping": result.FinancialSummary.Shipping,
		"items":    len(result.Order.Items),
	}
	if result.Order.Discount != nil && result.Order.Discount.Code != "" {
		changes["discountCode"] = result.Order.Discount.Code
	}
	s.audit.Record(ctx, OrderAuditRecord{
		OrderID:     result.Order.ID,
		Action:      auditActionCreate,
		Description: "Order created",
		Changes:     changes,
		PerformedBy: auditActorCustomer,
	})
	s.events.emit(ctx, OrderEventCreated, result.Order, result.Contract.Amount, "", nil)
	s.logger(ctx, "checkout.finalized", map[string]any{
		"orderId": result.Order.ID,
		"userId":  cmd.UserID,
		"total":   result.FinancialSummary.Total,
	})
	return result, nil
}

// Checkout finalizes the cart and dispatches payment to the selected gateway.
func (s *checkoutService) Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error) {
	finalized, err := s.FinalizeCartToOrder(ctx, FinalizeCartCommand{UserID: cmd.UserID, Shipping: cmd.Shipping})
	if err != nil {
		return CheckoutResult{}, err
	}
	result := CheckoutResult{
		Order:            finalized.Order,
		Contract:         finalized.Contract,
		FinancialSummary: finalized.FinancialSummary,
	}

	dispatch, err := s.dispatcher.DispatchPayment(ctx, DispatchPaymentCommand{
		Order:     finalized.Order,
		Contract:  finalized.Contract,
		Summary:   finalized.FinancialSummary,
		Gateway:   cmd.Gateway,
		Mobile:    cmd.Mobile,
		RequestID: cmd.RequestID,
	})
	if err != nil {
		cerr := AsCheckoutError(err).with("orderId", finalized.Order.ID)
		s.logger(ctx, "checkout.dispatch_failed", map[string]any{
			"orderId":   finalized.Order.ID,
			"gateway":   cmd.Gateway,
			"kind":      string(cerr.Kind),
			"requestId": cerr.RequestID,
		})
		return result, cerr
	}
	result.Payment = dispatch
	result.Order.Status = dispatch.OrderStatus
	if dispatch.OrderStatus == domain.OrderStatusStarted {
		result.Contract.Status = domain.ContractStatusConfirmed
	}
	return result, nil
}

func (s *checkoutService) fail(ctx context.Context, userID int64, err error) error {
	cerr := AsCheckoutError(err)
	s.logger(ctx, "checkout.finalize_failed", map[string]any{
		"userId":   userID,
		"kind":     string(cerr.Kind),
		"category": string(cerr.Category()),
		"error":    cerr.Error(),
	})
	return cerr
}
