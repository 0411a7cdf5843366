package services

import (
	"context"
	"time"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/payments"
	"github.com/shopcore/api/internal/shipping"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Cart                = domain.Cart
	CartItem            = domain.CartItem
	Order               = domain.Order
	OrderItem           = domain.OrderItem
	OrderStatus         = domain.OrderStatus
	Contract            = domain.Contract
	ContractTransaction = domain.ContractTransaction
	FinancialSummary    = domain.FinancialSummary
	DiscountResolution  = domain.DiscountResolution
	SystemHealthReport  = domain.SystemHealthReport
)

// EventLogger is the structured logging hook injected into every service.
type EventLogger func(ctx context.Context, event string, fields map[string]any)

func nopLogger(context.Context, string, map[string]any) {}

// RedirectGateway resolves bank redirect providers by name. payments.Manager satisfies it.
type RedirectGateway interface {
	Default() string
	RequestPayment(ctx context.Context, provider string, req payments.RedirectRequest) (payments.RedirectSession, error)
	Verify(ctx context.Context, provider string, req payments.SettlementRequest) error
	Settle(ctx context.Context, provider string, req payments.SettlementRequest) error
	Revert(ctx context.Context, provider string, req payments.SettlementRequest) error
}

// InstallmentClient is the BNPL provider surface. payments.SnappPayClient satisfies it.
type InstallmentClient interface {
	Eligible(ctx context.Context, amount int64) (payments.SnappPayEligibility, error)
	RequestToken(ctx context.Context, req payments.SnappPayTokenRequest) (payments.SnappPayToken, error)
	Verify(ctx context.Context, paymentToken string) (payments.SnappPayStatus, error)
	Settle(ctx context.Context, paymentToken string) (payments.SnappPayStatus, error)
	Revert(ctx context.Context, paymentToken string) (payments.SnappPayStatus, error)
	Status(ctx context.Context, paymentToken string) (payments.SnappPayStatus, error)
	Update(ctx context.Context, req payments.SnappPayUpdateRequest) (payments.SnappPayStatus, error)
	CancelOrder(ctx context.Context, transactionID string) (payments.SnappPayStatus, error)
}

// Carrier prices parcels and issues shipment labels. shipping.AnipoClient satisfies it.
type Carrier interface {
	EstimatePrice(ctx context.Context, q shipping.Quote) (int64, error)
	IssueLabel(ctx context.Context, req shipping.LabelRequest) (shipping.Label, error)
}

// CategoryMapper translates catalog category titles into installment provider categories.
type CategoryMapper interface {
	MapToCategoryCode(ctx context.Context, name string) string
	Invalidate()
}

// OrderAuditSink appends human readable entries to an order's history. Failures never reach the caller.
type OrderAuditSink interface {
	Record(ctx context.Context, record OrderAuditRecord)
}

// OrderAuditRecord is a single order log entry.
type OrderAuditRecord struct {
	OrderID     int64
	Action      string
	Description string
	Changes     map[string]any
	PerformedBy string
}

// OrderEventPublisher emits order lifecycle events to a message broker.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) (string, error)
}

// StockReconciler checks the cart against live stock and repairs it.
type StockReconciler interface {
	ReconcileCartStock(ctx context.Context, userID int64) (StockReconciliation, error)
}

// CheckoutService turns the current cart into an order and starts its payment.
type CheckoutService interface {
	FinalizeCartToOrder(ctx context.Context, cmd FinalizeCartCommand) (FinalizeResult, error)
	Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error)
}

// PaymentDispatcher routes a freshly assembled order to the selected gateway.
type PaymentDispatcher interface {
	DispatchPayment(ctx context.Context, cmd DispatchPaymentCommand) (DispatchResult, error)
}

// SettlementService completes payments reported back by gateways.
type SettlementService interface {
	HandlePaymentCallback(ctx context.Context, params CallbackParams) RedirectDecision
	SettleDeferred(ctx context.Context, orderID int64) (DeferredSettlementResult, error)
	InstallmentStatus(ctx context.Context, orderID int64) (InstallmentStatus, error)
}

// SettlementSweeper settles installment orders whose deferred settlement never ran.
type SettlementSweeper interface {
	Sweep(ctx context.Context) (SweepReport, error)
}

// AdjustmentService lets administrators shrink or cancel orders with refunds.
type AdjustmentService interface {
	AdjustOrderItems(ctx context.Context, cmd AdjustOrderItemsCommand) (AdjustmentResult, error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (AdjustmentResult, error)
}

// ShipmentLabelService issues carrier labels for paid orders.
type ShipmentLabelService interface {
	IssueLabel(ctx context.Context, orderID int64) (ShipmentLabel, error)
}

// SystemService exposes health information about the API.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// StockRemoval explains why a cart line was dropped.
type StockRemoval struct {
	CartItemID  int64
	VariationID int64
	ProductName string
	Reason      string
}

// StockAdjustment records a cart line whose quantity was reduced to the available stock.
type StockAdjustment struct {
	CartItemID  int64
	VariationID int64
	ProductName string
	Requested   int
	Available   int
	NewQuantity int
	Message     string
}

// StockReconciliation is the outcome of ReconcileCartStock.
type StockReconciliation struct {
	Valid         bool
	CartIsEmpty   bool
	ItemsRemoved  []StockRemoval
	ItemsAdjusted []StockAdjustment
	Cart          Cart
}

// ShippingData carries the customer's delivery choices and free text.
type ShippingData struct {
	ShippingMethodID *int64
	ShippingCost     *int64
	AddressID        *int64
	DiscountCode     string
	Description      string
	Note             string
}

// FinalizeCartCommand assembles an order from the user's cart.
type FinalizeCartCommand struct {
	UserID   int64
	Shipping ShippingData
}

// FinalizeResult is returned once the order, its items and contract are persisted.
type FinalizeResult struct {
	Success          bool
	Order            Order
	Contract         Contract
	FinancialSummary FinancialSummary
	Discount         DiscountResolution
}

// CheckoutCommand reconciles, finalizes and dispatches in one call.
type CheckoutCommand struct {
	UserID    int64
	Shipping  ShippingData
	Gateway   string
	Mobile    string
	RequestID string
}

// CheckoutResult combines the finalized order and the payment dispatch outcome.
type CheckoutResult struct {
	Order            Order
	Contract         Contract
	FinancialSummary FinancialSummary
	Payment          DispatchResult
}

// GatewayKind is the closed set of payment gateway variants.
type GatewayKind string

const (
	GatewayWallet       GatewayKind = "wallet"
	GatewayBankRedirect GatewayKind = "bank"
	GatewayInstallment  GatewayKind = "snapppay"
)

// PaymentRequest is the adapter input built by the dispatch controller.
type PaymentRequest struct {
	Order     Order
	Contract  Contract
	Summary   FinancialSummary
	Provider  string
	Mobile    string
	RequestID string
}

// PaymentResult is the normalized adapter response.
type PaymentResult struct {
	Success       bool
	Gateway       string
	RedirectURL   string
	RefID         string
	RequestID     string
	TransactionID string
	Message       string
	Error         string
	DetailedError string
	ErrorCode     ErrorKind
}

// DispatchPaymentCommand asks the controller to open a payment for an assembled order.
type DispatchPaymentCommand struct {
	Order     Order
	Contract  Contract
	Summary   FinancialSummary
	Gateway   string
	Mobile    string
	RequestID string
}

// DispatchResult describes a successfully dispatched payment.
type DispatchResult struct {
	Gateway       string
	Kind          GatewayKind
	RedirectURL   string
	RefID         string
	RequestID     string
	TransactionID string
	Message       string
	OrderStatus   OrderStatus
}

// CallbackParams holds the flattened query and form values of a gateway callback.
type CallbackParams map[string]string

// RedirectOutcome names the storefront landing page.
type RedirectOutcome string

const (
	RedirectSuccess   RedirectOutcome = "success"
	RedirectFailure   RedirectOutcome = "failure"
	RedirectCancelled RedirectOutcome = "cancelled"
)

// RedirectDecision tells the transport where to send the customer after a callback.
type RedirectDecision struct {
	Outcome       RedirectOutcome
	URL           string
	OrderID       int64
	TransactionID string
	Error         string
}

// DeferredSettlementResult reports the outcome of SettleDeferred.
type DeferredSettlementResult struct {
	OrderID        int64
	Settled        bool
	AlreadySettled bool
	TransactionID  string
}

// InstallmentStatus is the provider-side state of an installment purchase.
type InstallmentStatus struct {
	OrderID       int64
	PaymentToken  string
	TransactionID string
	Status        string
	LocalStatus   string
}

// SweepReport summarizes one settlement sweep.
type SweepReport struct {
	Scanned int
	Settled int
	Failed  int
	Started time.Time
}

// ItemChange lowers or removes one order line.
type ItemChange struct {
	OrderItemID int64
	NewCount    *int
	Remove      bool
}

// AdjustOrderItemsCommand requests a partial adjustment of an order.
type AdjustOrderItemsCommand struct {
	OrderID     int64
	Changes     []ItemChange
	Reason      string
	DryRun      bool
	PerformedBy string
}

// CancelOrderCommand requests an administrative cancellation with full refund.
type CancelOrderCommand struct {
	OrderID     int64
	Reason      string
	PerformedBy string
}

// AdjustedLine describes the effect of a change on one order line.
type AdjustedLine struct {
	OrderItemID  int64
	VariationID  int64
	ProductTitle string
	OldCount     int
	NewCount     int
	RestockDelta int
	PerAmount    int64
}

// AdjustmentPreview is the computed effect of an adjustment before it is applied.
type AdjustmentPreview struct {
	Changes      []AdjustedLine
	OldTotal     int64
	NewTotals    FinancialSummary
	NewShipping  int64
	NewWeight    int
	RefundAmount int64
	AllRemoved   bool
}

// AdjustmentResult is returned by AdjustOrderItems and CancelOrder.
type AdjustmentResult struct {
	Success      bool
	DryRun       bool
	RefundAmount int64
	Status       string
	PaymentToken string
	Preview      AdjustmentPreview
}

// ShipmentLabel is the carrier label recorded on an order.
type ShipmentLabel struct {
	OrderID   int64
	Barcode   string
	PostPrice int64
	Tax       int64
	Existing  bool
}
