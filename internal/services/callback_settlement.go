package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/payments"
	"github.com/shopcore/api/internal/repositories"
)

var (
	// ErrSettlementNotFound indicates no order or ledger row matches the callback.
	ErrSettlementNotFound = errors.New("settlement: not found")
	// ErrSettlementUnavailable indicates the installment provider is not configured.
	ErrSettlementUnavailable = errors.New("settlement: installment provider unavailable")
)

const (
	redirectReasonUserCancelled = "user-cancelled"

	callbackErrInvalidOrder    = "invalid_order"
	callbackErrOrderNotFound   = "order_not_found"
	callbackErrInvalidStatus   = "invalid_order_status"
	callbackErrTxNotFound      = "transaction_not_found"
	callbackErrTokenMissing    = "payment_token_missing"
	callbackErrInstallment     = "installment_failed"
	callbackErrUnavailable     = "gateway_unavailable"
	callbackErrCommitFailed    = "settlement_incomplete"
	installmentStateOK         = "OK"
	settlementOutcomeSettled   = "settled"
	settlementOutcomeFailed    = "failed"
	settlementOutcomeVerified  = "verified"
	settlementOutcomeCancelled = "cancelled"
)

// SettlementServiceDeps wires the callback state machine and deferred settlement.
type SettlementServiceDeps struct {
	Registry        repositories.Registry
	Redirects       RedirectGateway
	Installments    InstallmentClient
	Labels          ShipmentLabelService
	LabelMethodID   int64
	Audit           OrderAuditSink
	Events          OrderEventPublisher
	Meter           metric.Meter
	FrontendBaseURL string
	Clock           func() time.Time
	Logger          EventLogger
}

type settlementService struct {
	registry     repositories.Registry
	redirects    RedirectGateway
	installments InstallmentClient
	effects      *settlementEffects
	frontendURL  string
	now          func() time.Time
	logger       EventLogger
}

// NewSettlementService constructs the settlement state machine.
func NewSettlementService(deps SettlementServiceDeps) (SettlementService, error) {
	if deps.Registry == nil {
		return nil, errors.New("settlement service: registry is required")
	}
	if deps.Redirects == nil {
		return nil, errors.New("settlement service: redirect gateway is required")
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

	return &settlementService{
		registry:     deps.Registry,
		redirects:    deps.Redirects,
		installments: deps.Installments,
		effects:      newSettlementEffects(deps.Registry, deps.Labels, deps.LabelMethodID, deps.Audit, deps.Events, deps.Meter, logger, now),
		frontendURL:  strings.TrimRight(strings.TrimSpace(deps.FrontendBaseURL), "/"),
		now:          now,
		logger:       logger,
	}, nil
}

// first returns the first non-empty value among keys.
func (p CallbackParams) first(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(p[key]); v != "" {
			return v
		}
	}
	return ""
}

func (p CallbackParams) isInstallment() bool {
	return p.first("state", "paymentToken", "payment_token", "transactionId", "transaction_id") != ""
}

// BuildRedirectURL renders FRONTEND/payment/{outcome} with the non-empty query values.
func BuildRedirectURL(base string, outcome RedirectOutcome, orderID int64, errMsg, reason, transactionID string) string {
	q := url.Values{}
	if orderID > 0 {
		q.Set("orderId", strconv.FormatInt(orderID, 10))
	}
	if errMsg != "" {
		q.Set("error", errMsg)
	}
	if reason != "" {
		q.Set("reason", reason)
	}
	if transactionID != "" {
		q.Set("transactionId", transactionID)
	}
	target := strings.TrimRight(base, "/") + "/payment/" + string(outcome)
	if encoded := q.Encode(); encoded != "" {
		target += "?" + encoded
	}
	return target
}

func (s *settlementService) redirect(outcome RedirectOutcome, orderID int64, errMsg, reason, transactionID string) RedirectDecision {
	return RedirectDecision{
		Outcome:       outcome,
		URL:           BuildRedirectURL(s.frontendURL, outcome, orderID, errMsg, reason, transactionID),
		OrderID:       orderID,
		TransactionID: transactionID,
		Error:         errMsg,
	}
}

func (s *settlementService) success(orderID int64, transactionID string) RedirectDecision {
	return s.redirect(RedirectSuccess, orderID, "", "", transactionID)
}

func (s *settlementService) failure(orderID int64, errMsg string) RedirectDecision {
	return s.redirect(RedirectFailure, orderID, errMsg, "", "")
}

// HandlePaymentCallback completes or compensates a payment reported back by a gateway. Every
// compensating transition is persisted before the decision is returned.
func (s *settlementService) HandlePaymentCallback(ctx context.Context, params CallbackParams) RedirectDecision {
	if params.isInstallment() {
		return s.handleInstallmentCallback(ctx, params)
	}
	return s.handleBankCallback(ctx, params)
}

func (s *settlementService) handleBankCallback(ctx context.Context, p CallbackParams) RedirectDecision {
	orderID, err := strconv.ParseInt(p.first("SaleOrderId", "saleOrderId"), 10, 64)
	if err != nil || orderID <= 0 {
		s.logger(ctx, "settlement.callback_invalid", map[string]any{"params": map[string]string(p)})
		return s.failure(0, callbackErrInvalidOrder)
	}
	resCode := -1
	if raw := p.first("ResCode", "resCode"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			resCode = parsed
		}
	}
	saleRef := p.first("SaleReferenceId", "saleReferenceId")
	refID := p.first("RefId", "refId")

	order, contract, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return s.failure(orderID, callbackErrOrderNotFound)
	}
	tx := s.bankTransaction(ctx, refID, orderID, contract.ID)
	provider := firstNonEmpty(p.first("provider"), externalProvider(tx), s.redirects.Default())

	if tx != nil && tx.Status == domain.ContractTransactionSuccess && (saleRef == "" || tx.ExternalID == saleRef) {
		return s.success(orderID, tx.ExternalID)
	}
	if order.Status == domain.OrderStatusStarted {
		return s.success(orderID, saleRef)
	}
	if order.Status != domain.OrderStatusPaying {
		s.logger(ctx, "settlement.callback_unexpected_status", map[string]any{"orderId": orderID, "status": string(order.Status)})
		return s.failure(orderID, callbackErrInvalidStatus)
	}

	if resCode != payments.MellatCodeSuccess {
		message := payments.MellatMessage(resCode)
		s.compensate(ctx, order, contract, tx, provider, fmt.Sprintf("Gateway callback failed (ResCode %d)", resCode), map[string]any{
			"resCode": resCode,
			"message": message,
			"refId":   refID,
		})
		if resCode == payments.MellatCodeUserCancelled {
			return s.redirect(RedirectCancelled, orderID, "", redirectReasonUserCancelled, "")
		}
		return s.failure(orderID, message)
	}

	req := payments.SettlementRequest{
		SaleOrderID:     strconv.FormatInt(orderID, 10),
		SaleReferenceID: saleRef,
		RefID:           firstNonEmpty(refID, trackID(tx)),
		RequestID:       newRequestID("VERIFY", s.now()),
	}
	if err := s.redirects.Verify(ctx, provider, req); err != nil {
		s.compensate(ctx, order, contract, tx, provider, "Gateway verification failed", providerChanges(provider, err))
		return s.failure(orderID, payments.ErrorMessage(err))
	}

	req.RequestID = newRequestID("SETTLE", s.now())
	if err := s.redirects.Settle(ctx, provider, req); err != nil {
		revert := req
		revert.RequestID = newRequestID("REVERT", s.now())
		if rerr := s.redirects.Revert(ctx, provider, revert); rerr != nil {
			s.logger(ctx, "settlement.revert_failed", map[string]any{"orderId": orderID, "error": rerr.Error()})
		}
		s.compensate(ctx, order, contract, tx, provider, "Gateway settlement failed", providerChanges(provider, err))
		return s.failure(orderID, payments.ErrorMessage(err))
	}

	transitioned, err := s.startOrder(ctx, orderID, func(ctx context.Context) error {
		if err := s.effects.commitStock(ctx, order); err != nil {
			return err
		}
		if err := s.effects.consumeDiscount(ctx, order); err != nil {
			return err
		}
		if err := s.registry.Contracts().UpdateStatus(ctx, contract.ID, domain.ContractStatusConfirmed); err != nil {
			return err
		}
		if err := s.recordBankSuccess(ctx, contract, tx, provider, refID, saleRef); err != nil {
			return err
		}
		return s.effects.clearCart(ctx, order.UserID)
	})
	if err != nil {
		s.logger(ctx, "settlement.commit_failed", map[string]any{
			"orderId":         orderID,
			"saleReferenceId": saleRef,
			"error":           err.Error(),
		})
		return s.failure(orderID, callbackErrCommitFailed)
	}
	if !transitioned {
		return s.concurrentOutcome(ctx, orderID, saleRef)
	}

	order.Status = domain.OrderStatusStarted
	s.effects.record(ctx, orderID, "Gateway callback success (verify+settle)", auditActorGateway, map[string]any{
		"provider":        provider,
		"refId":           refID,
		"saleReferenceId": saleRef,
	})
	s.effects.labels.fire(ctx, order)
	s.effects.events.emit(ctx, OrderEventSettled, order, contract.Amount, provider, map[string]string{"saleReferenceId": saleRef})
	s.effects.metrics.settlement(ctx, provider, settlementOutcomeSettled)
	return s.success(orderID, saleRef)
}

func (s *settlementService) recordBankSuccess(ctx context.Context, contract domain.Contract, tx *domain.ContractTransaction, provider, refID, saleRef string) error {
	if tx != nil && tx.ID > 0 {
		settled := *tx
		settled.Status = domain.ContractTransactionSuccess
		settled.ExternalID = saleRef
		if settled.TrackID == "" {
			settled.TrackID = refID
		}
		return s.registry.Contracts().UpdateTransaction(ctx, settled)
	}
	_, err := s.registry.Contracts().InsertTransaction(ctx, domain.ContractTransaction{
		ContractID:     contract.ID,
		Type:           domain.ContractTransactionGateway,
		Amount:         domain.ToProviderUnit(contract.Amount),
		Step:           1,
		Status:         domain.ContractTransactionSuccess,
		TrackID:        refID,
		ExternalID:     saleRef,
		ExternalSource: provider,
	})
	return err
}

// bankTransaction finds the ledger row opened for this redirect: by RefId first, then the
// newest Gateway row of the order.
func (s *settlementService) bankTransaction(ctx context.Context, refID string, orderID, contractID int64) *domain.ContractTransaction {
	if refID != "" {
		tx, err := s.registry.Contracts().FindTransactionByTrackID(ctx, refID)
		if err == nil && tx.ContractID == contractID {
			return &tx
		}
	}
	tx, err := s.registry.Contracts().LatestTransaction(ctx, orderID, domain.ContractTransactionGateway)
	if err != nil {
		return nil
	}
	return &tx
}

func (s *settlementService) handleInstallmentCallback(ctx context.Context, p CallbackParams) RedirectDecision {
	state := p.first("state")
	token := p.first("paymentToken", "payment_token")
	transactionID := p.first("transactionId", "transaction_id")
	orderHint, _ := strconv.ParseInt(p.first("orderId", "order_id"), 10, 64)

	if s.installments == nil {
		return s.failure(orderHint, callbackErrUnavailable)
	}

	tx, err := s.installmentTransaction(ctx, transactionID, token, orderHint)
	if err != nil {
		s.logger(ctx, "settlement.installment_tx_missing", map[string]any{
			"transactionId": transactionID,
			"orderId":       orderHint,
			"error":         err.Error(),
		})
		return s.failure(orderHint, callbackErrTxNotFound)
	}
	contract, err := s.registry.Contracts().FindByID(ctx, tx.ContractID)
	if err != nil {
		return s.failure(orderHint, callbackErrOrderNotFound)
	}
	order, err := s.registry.Orders().FindByID(ctx, contract.OrderID)
	if err != nil {
		return s.failure(contract.OrderID, callbackErrOrderNotFound)
	}
	orderID := order.ID

	paymentToken := firstNonEmpty(tx.TrackID, token)
	if paymentToken == "" {
		return s.failure(orderID, callbackErrTokenMissing)
	}
	if tx.Status == domain.ContractTransactionSuccess || order.Status == domain.OrderStatusStarted {
		return s.success(orderID, tx.ExternalID)
	}
	if order.Status != domain.OrderStatusPaying {
		return s.failure(orderID, callbackErrInvalidStatus)
	}

	if state != "" && !strings.EqualFold(state, installmentStateOK) {
		if _, err := s.installments.Revert(ctx, paymentToken); err != nil {
			s.logger(ctx, "settlement.installment_revert_failed", map[string]any{"orderId": orderID, "error": err.Error()})
		}
		s.compensate(ctx, order, contract, &tx, installmentGatewayName, "SnappPay callback FAILED (revert)", map[string]any{
			"state":         state,
			"transactionId": tx.ExternalID,
		})
		return s.failure(orderID, callbackErrInstallment)
	}

	if _, err := s.installments.Verify(ctx, paymentToken); err != nil {
		s.compensate(ctx, order, contract, &tx, installmentGatewayName, "SnappPay verify failed", providerChanges(installmentGatewayName, err))
		return s.failure(orderID, payments.ErrorMessage(err))
	}

	transitioned, err := s.startOrder(ctx, orderID, func(ctx context.Context) error {
		if err := s.registry.Contracts().UpdateStatus(ctx, contract.ID, domain.ContractStatusConfirmed); err != nil {
			return err
		}
		return s.effects.clearCart(ctx, order.UserID)
	})
	if err != nil {
		s.logger(ctx, "settlement.commit_failed", map[string]any{"orderId": orderID, "error": err.Error()})
		return s.failure(orderID, callbackErrCommitFailed)
	}
	if !transitioned {
		return s.concurrentOutcome(ctx, orderID, tx.ExternalID)
	}

	s.effects.record(ctx, orderID, "SnappPay payment verified, settlement pending", auditActorGateway, map[string]any{
		"transactionId": tx.ExternalID,
		"paymentToken":  paymentToken,
	})
	s.effects.metrics.settlement(ctx, installmentGatewayName, settlementOutcomeVerified)
	return s.success(orderID, tx.ExternalID)
}

// startOrder moves the order from Paying to Started and, in the same transaction, runs the
// settlement writes. false means another delivery moved the order first and nothing was written.
func (s *settlementService) startOrder(ctx context.Context, orderID int64, writes func(ctx context.Context) error) (bool, error) {
	transitioned := false
	err := s.registry.RunInTx(ctx, func(ctx context.Context) error {
		ok, err := s.registry.Orders().TransitionStatus(ctx, orderID, domain.OrderStatusPaying, domain.OrderStatusStarted)
		if err != nil || !ok {
			return err
		}
		transitioned = true
		return writes(ctx)
	})
	if err != nil {
		return false, err
	}
	return transitioned, nil
}

// concurrentOutcome answers a callback that lost the race to settle the order.
func (s *settlementService) concurrentOutcome(ctx context.Context, orderID int64, transactionID string) RedirectDecision {
	s.logger(ctx, "settlement.callback_concurrent", map[string]any{"orderId": orderID})
	order, err := s.registry.Orders().FindByID(ctx, orderID)
	if err == nil && order.Status == domain.OrderStatusStarted {
		return s.success(orderID, transactionID)
	}
	return s.failure(orderID, callbackErrInvalidStatus)
}

// installmentTransaction resolves the ledger row by transaction id, then token, then the newest
// Gateway row of the order.
func (s *settlementService) installmentTransaction(ctx context.Context, transactionID, token string, orderID int64) (domain.ContractTransaction, error) {
	contracts := s.registry.Contracts()
	if transactionID != "" {
		if tx, err := contracts.FindTransactionByExternalID(ctx, transactionID); err == nil {
			return tx, nil
		}
	}
	if token != "" {
		if tx, err := contracts.FindTransactionByTrackID(ctx, token); err == nil {
			return tx, nil
		}
	}
	if orderID > 0 {
		if tx, err := contracts.LatestTransaction(ctx, orderID, domain.ContractTransactionGateway); err == nil {
			return tx, nil
		}
	}
	return domain.ContractTransaction{}, ErrSettlementNotFound
}

// compensate cancels the order and its contract, fails the pending row, then writes the audit
// entry and the failure event.
func (s *settlementService) compensate(ctx context.Context, order domain.Order, contract domain.Contract, tx *domain.ContractTransaction, gateway, description string, changes map[string]any) {
	if err := s.effects.cancel(ctx, order.ID, contract.ID, tx); err != nil {
		s.logger(ctx, "settlement.compensation_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
	}
	s.effects.record(ctx, order.ID, description, auditActorGateway, changes)
	order.Status = domain.OrderStatusCancelled
	s.effects.events.emit(ctx, OrderEventPaymentFailed, order, contract.Amount, gateway, nil)
	s.effects.metrics.settlement(ctx, gateway, settlementOutcomeFailed)
}

func (s *settlementService) loadOrder(ctx context.Context, orderID int64) (domain.Order, domain.Contract, error) {
	order, err := s.registry.Orders().FindByID(ctx, orderID)
	if err != nil {
		s.logger(ctx, "settlement.order_lookup_failed", map[string]any{"orderId": orderID, "error": err.Error()})
		return domain.Order{}, domain.Contract{}, err
	}
	contract, err := s.registry.Contracts().FindByOrder(ctx, orderID)
	if err != nil {
		s.logger(ctx, "settlement.contract_lookup_failed", map[string]any{"orderId": orderID, "error": err.Error()})
		return domain.Order{}, domain.Contract{}, err
	}
	return order, contract, nil
}

func providerChanges(provider string, err error) map[string]any {
	changes := map[string]any{
		"provider": provider,
		"error":    payments.ErrorMessage(err),
	}
	if code := payments.ErrorCode(err); code != "" {
		changes["code"] = code
	}
	return changes
}

func externalProvider(tx *domain.ContractTransaction) string {
	if tx == nil {
		return ""
	}
	return strings.ToLower(tx.ExternalSource)
}

func trackID(tx *domain.ContractTransaction) string {
	if tx == nil {
		return ""
	}
	return tx.TrackID
}
