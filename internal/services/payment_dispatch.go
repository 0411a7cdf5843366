package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/repositories"
)

// PaymentDispatcherDeps wires the gateway set and the settlement side effects.
type PaymentDispatcherDeps struct {
	Registry         repositories.Registry
	Redirects        RedirectGateway
	Installments     InstallmentClient
	Categories       CategoryMapper
	Labels           ShipmentLabelService
	LabelMethodID    int64
	Audit            OrderAuditSink
	Events           OrderEventPublisher
	Meter            metric.Meter
	PublicBaseURL    string
	EligibilityCheck bool
	Clock            func() time.Time
	Logger           EventLogger
}

type paymentDispatcher struct {
	gateways map[GatewayKind]PaymentGateway
	effects  *settlementEffects
	now      func() time.Time
	logger   EventLogger
}

// NewPaymentDispatcher builds the dispatch controller. The installment gateway is only
// registered when a client is configured; requests for it fall back to the bank redirect.
func NewPaymentDispatcher(deps PaymentDispatcherDeps) (PaymentDispatcher, error) {
	if deps.Registry == nil {
		return nil, errors.New("payment dispatcher: registry is required")
	}
	if deps.Redirects == nil {
		return nil, errors.New("payment dispatcher: redirect gateway is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	now := func() time.Time { return clock().UTC() }

	effects := newSettlementEffects(deps.Registry, deps.Labels, deps.LabelMethodID, deps.Audit, deps.Events, deps.Meter, logger, now)
	callbackURL := strings.TrimRight(deps.PublicBaseURL, "/") + callbackPath

	gateways := map[GatewayKind]PaymentGateway{
		GatewayWallet: &walletGateway{registry: deps.Registry, effects: effects, now: now},
		GatewayBankRedirect: &bankRedirectGateway{
			registry:    deps.Registry,
			redirects:   deps.Redirects,
			callbackURL: callbackURL,
			logger:      logger,
		},
	}
	if deps.Installments != nil {
		gateways[GatewayInstallment] = &installmentGateway{
			registry:         deps.Registry,
			client:           deps.Installments,
			categories:       deps.Categories,
			callbackURL:      callbackURL,
			eligibilityCheck: deps.EligibilityCheck,
			logger:           logger,
		}
	}

	return &paymentDispatcher{gateways: gateways, effects: effects, now: now, logger: logger}, nil
}

// preCheckFailures leave the order in Paying so the customer can pick another gateway.
var preCheckFailures = map[ErrorKind]struct{}{
	KindInsufficientWallet:    {},
	KindInvalidMobileFormat:   {},
	KindInstallmentIneligible: {},
}

func (d *paymentDispatcher) DispatchPayment(ctx context.Context, cmd DispatchPaymentCommand) (DispatchResult, error) {
	order, contract := cmd.Order, cmd.Contract
	if order.ID <= 0 || contract.ID <= 0 {
		return DispatchResult{}, newCheckoutError(KindInvalidInput, "order and contract are required")
	}

	kind, provider := resolveGateway(cmd.Gateway)
	gateway, ok := d.gateways[kind]
	if !ok {
		kind, provider = GatewayBankRedirect, ""
		gateway = d.gateways[GatewayBankRedirect]
	}
	requestID := strings.TrimSpace(cmd.RequestID)
	if requestID == "" {
		requestID = newRequestID("REQ", d.now())
	}

	res := gateway.RequestPayment(ctx, PaymentRequest{
		Order:     order,
		Contract:  contract,
		Summary:   cmd.Summary,
		Provider:  provider,
		Mobile:    cmd.Mobile,
		RequestID: requestID,
	})

	if res.Success {
		status := domain.OrderStatusPaying
		if kind == GatewayWallet {
			status = domain.OrderStatusStarted
		} else {
			d.effects.record(ctx, order.ID, fmt.Sprintf("Gateway payment request initiated (%s)", res.Gateway), auditActorCustomer, map[string]any{
				"gateway":   res.Gateway,
				"refId":     res.RefID,
				"requestId": res.RequestID,
			})
			d.effects.metrics.settlement(ctx, res.Gateway, "initiated")
		}
		return DispatchResult{
			Gateway:       res.Gateway,
			Kind:          kind,
			RedirectURL:   res.RedirectURL,
			RefID:         res.RefID,
			RequestID:     res.RequestID,
			TransactionID: res.TransactionID,
			Message:       res.Message,
			OrderStatus:   status,
		}, nil
	}

	code := res.ErrorCode
	if code == "" {
		code = KindGatewayError
	}
	if _, ok := preCheckFailures[code]; ok {
		d.logger(ctx, "payment.precheck_failed", map[string]any{
			"orderId": order.ID,
			"gateway": res.Gateway,
			"code":    string(code),
		})
		return DispatchResult{}, newCheckoutError(code, res.Error).withRequestID(res.RequestID)
	}

	d.effects.record(ctx, order.ID, "Gateway payment request failed", auditActorSystem, map[string]any{
		"gateway":       res.Gateway,
		"error":         res.Error,
		"detailedError": res.DetailedError,
		"requestId":     res.RequestID,
	})
	if err := d.effects.cancel(ctx, order.ID, contract.ID, nil); err != nil {
		d.logger(ctx, "payment.compensation_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
	}
	order.Status = domain.OrderStatusCancelled
	d.effects.events.emit(ctx, OrderEventPaymentFailed, order, contract.Amount, res.Gateway, map[string]string{"error": res.Error})
	d.effects.metrics.settlement(ctx, firstNonEmpty(res.Gateway, string(kind)), "failed")

	cerr := newCheckoutError(code, res.Error).withRequestID(res.RequestID)
	if res.DetailedError != "" && res.DetailedError != res.Error {
		cerr = cerr.with("debug", res.DetailedError)
	}
	return DispatchResult{}, cerr
}
