package services

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/payments"
	"github.com/shopcore/api/internal/repositories"
)

const (
	defaultSweepMinAge      = 10 * time.Minute
	defaultSweepBatchSize   = 50
	defaultSweepConcurrency = 4
)

// SettleDeferred settles a verified installment purchase. A row already marked Success locally
// short-circuits; a provider "already settled" answer on a pending row is recorded as the first
// local settlement. Side effects run only for the call whose Pending to Success transition lands.
func (s *settlementService) SettleDeferred(ctx context.Context, orderID int64) (DeferredSettlementResult, error) {
	if orderID <= 0 {
		return DeferredSettlementResult{}, newCheckoutError(KindInvalidInput, "order id is required")
	}
	if s.installments == nil {
		return DeferredSettlementResult{}, wrapCheckoutError(KindGatewayUnavailable, "", ErrSettlementUnavailable)
	}

	order, err := s.registry.Orders().FindByID(ctx, orderID)
	if err != nil {
		if isRepoNotFound(err) {
			return DeferredSettlementResult{}, wrapCheckoutError(KindOrderNotFound, "", err)
		}
		return DeferredSettlementResult{}, AsCheckoutError(err)
	}
	tx, err := s.installmentLedgerRow(ctx, orderID)
	if err != nil {
		return DeferredSettlementResult{}, err
	}
	result := DeferredSettlementResult{OrderID: orderID, TransactionID: tx.ExternalID}

	if tx.Status == domain.ContractTransactionSuccess {
		result.AlreadySettled = true
		return result, nil
	}
	if order.Status != domain.OrderStatusStarted {
		return result, newCheckoutError(KindInvalidStatus, string(order.Status))
	}
	if tx.TrackID == "" {
		return result, newCheckoutError(KindPaymentTokenMissing, "")
	}

	providerAlreadySettled := false
	if _, err := s.installments.Settle(ctx, tx.TrackID); err != nil {
		if !payments.IsAlreadySettled(err) {
			s.logger(ctx, "settlement.deferred_failed", map[string]any{"orderId": orderID, "error": err.Error()})
			s.effects.metrics.settlement(ctx, installmentGatewayName, settlementOutcomeFailed)
			return result, wrapCheckoutError(KindGatewayError, payments.ErrorMessage(err), err)
		}
		providerAlreadySettled = true
	}

	transitioned := false
	err = s.registry.RunInTx(ctx, func(ctx context.Context) error {
		settled := tx
		settled.Status = domain.ContractTransactionSuccess
		ok, err := s.registry.Contracts().TransitionTransaction(ctx, settled, domain.ContractTransactionPending)
		if err != nil || !ok {
			return err
		}
		transitioned = true
		if err := s.effects.commitStock(ctx, order); err != nil {
			return err
		}
		return s.effects.consumeDiscount(ctx, order)
	})
	if err != nil {
		return result, AsCheckoutError(err)
	}
	if !transitioned {
		s.logger(ctx, "settlement.deferred_concurrent", map[string]any{"orderId": orderID, "transactionId": tx.ExternalID})
		result.AlreadySettled = true
		return result, nil
	}

	result.Settled = true
	s.effects.record(ctx, orderID, "SnappPay settlement completed", auditActorSystem, map[string]any{
		"transactionId":          tx.ExternalID,
		"providerAlreadySettled": providerAlreadySettled,
	})
	s.effects.labels.fire(ctx, order)
	s.effects.events.emit(ctx, OrderEventSettled, order, domain.FromProviderUnit(tx.Amount), installmentGatewayName,
		map[string]string{"transactionId": tx.ExternalID})
	s.effects.metrics.settlement(ctx, installmentGatewayName, settlementOutcomeSettled)
	return result, nil
}

// InstallmentStatus reports the provider-side state of an order's installment purchase.
func (s *settlementService) InstallmentStatus(ctx context.Context, orderID int64) (InstallmentStatus, error) {
	if orderID <= 0 {
		return InstallmentStatus{}, newCheckoutError(KindInvalidInput, "order id is required")
	}
	if s.installments == nil {
		return InstallmentStatus{}, wrapCheckoutError(KindGatewayUnavailable, "", ErrSettlementUnavailable)
	}
	tx, err := s.installmentLedgerRow(ctx, orderID)
	if err != nil {
		return InstallmentStatus{}, err
	}
	out := InstallmentStatus{
		OrderID:       orderID,
		PaymentToken:  tx.TrackID,
		TransactionID: tx.ExternalID,
		LocalStatus:   string(tx.Status),
	}
	if tx.TrackID == "" {
		return out, newCheckoutError(KindPaymentTokenMissing, "")
	}
	status, err := s.installments.Status(ctx, tx.TrackID)
	if err != nil {
		return out, wrapCheckoutError(KindGatewayError, payments.ErrorMessage(err), err)
	}
	out.Status = status.Status
	return out, nil
}

func (s *settlementService) installmentLedgerRow(ctx context.Context, orderID int64) (domain.ContractTransaction, error) {
	tx, err := s.registry.Contracts().LatestTransaction(ctx, orderID, domain.ContractTransactionGateway)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.ContractTransaction{}, wrapCheckoutError(KindTransactionNotFound, "", ErrSettlementNotFound)
		}
		return domain.ContractTransaction{}, AsCheckoutError(err)
	}
	if tx.ExternalSource != domain.ExternalSourceSnappPay {
		return domain.ContractTransaction{}, wrapCheckoutError(KindTransactionNotFound, "no installment transaction", ErrSettlementNotFound)
	}
	return tx, nil
}

// SettlementSweeperDeps wires the periodic deferred settlement sweep.
type SettlementSweeperDeps struct {
	Orders      repositories.OrderRepository
	Settlement  SettlementService
	MinAge      time.Duration
	BatchSize   int
	Concurrency int
	Clock       func() time.Time
	Logger      EventLogger
}

type settlementSweeper struct {
	orders      repositories.OrderRepository
	settlement  SettlementService
	minAge      time.Duration
	batchSize   int
	concurrency int
	now         func() time.Time
	logger      EventLogger
}

// NewSettlementSweeper constructs a sweeper settling installment orders left in Started with a
// pending provider transaction.
func NewSettlementSweeper(deps SettlementSweeperDeps) (SettlementSweeper, error) {
	if deps.Orders == nil {
		return nil, errors.New("settlement sweeper: order repository is required")
	}
	if deps.Settlement == nil {
		return nil, errors.New("settlement sweeper: settlement service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	minAge := deps.MinAge
	if minAge <= 0 {
		minAge = defaultSweepMinAge
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}
	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = defaultSweepConcurrency
	}
	return &settlementSweeper{
		orders:      deps.Orders,
		settlement:  deps.Settlement,
		minAge:      minAge,
		batchSize:   batch,
		concurrency: concurrency,
		now:         func() time.Time { return clock().UTC() },
		logger:      logger,
	}, nil
}

// Sweep settles one batch. Individual failures are counted and logged, never returned.
func (s *settlementSweeper) Sweep(ctx context.Context) (SweepReport, error) {
	started := s.now()
	report := SweepReport{Started: started}

	ids, err := s.orders.ListAwaitingSettlement(ctx, started.Add(-s.minAge), s.batchSize)
	if err != nil {
		return report, AsCheckoutError(err)
	}
	report.Scanned = len(ids)
	if len(ids) == 0 {
		return report, nil
	}

	results := make([]bool, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			res, err := s.settlement.SettleDeferred(gctx, id)
			if err != nil {
				s.logger(gctx, "settlement.sweep_failed", map[string]any{"orderId": id, "error": err.Error()})
				return nil
			}
			results[i] = res.Settled || res.AlreadySettled
			return nil
		})
	}
	_ = g.Wait()

	for _, ok := range results {
		if ok {
			report.Settled++
		} else {
			report.Failed++
		}
	}
	s.logger(ctx, "settlement.sweep_completed", map[string]any{
		"scanned": report.Scanned,
		"settled": report.Settled,
		"failed":  report.Failed,
	})
	return report, nil
}
