package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/payments"
)

// verifiedInstallment returns an order that passed the provider callback and awaits settlement.
func verifiedInstallment(t *testing.T, env *testEnv) (int64, string) {
	t.Helper()
	orderID, txID := installmentCheckout(t, env)
	decision := env.settlement.HandlePaymentCallback(context.Background(), CallbackParams{"state": "OK", "transactionId": txID})
	if decision.Outcome != RedirectSuccess {
		t.Fatalf("callback: %+v", decision)
	}
	return orderID, txID
}

func TestSettleDeferredCommitsEffectsOnce(t *testing.T) {
	env := newTestEnv(t, func(c *testEnvConfig) { c.labelMethodID = testMethodID })
	orderID, txID := verifiedInstallment(t, env)

	res, err := env.settlement.SettleDeferred(context.Background(), orderID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Settled || res.AlreadySettled || res.TransactionID != txID {
		t.Fatalf("unexpected result %+v", res)
	}
	if env.registry.stockOf(testVariationID) != 3 {
		t.Fatalf("expected stock committed on settlement")
	}
	contract := env.registry.contractOf(orderID)
	if txs := env.registry.transactionsOf(contract.ID); txs[0].Status != domain.ContractTransactionSuccess {
		t.Fatalf("expected ledger row settled")
	}
	if env.registry.order(orderID).ShippingBarcode != "ANP-100" {
		t.Fatalf("expected label issued after settlement")
	}
	assertLogged(t, env.registry, orderID, "SnappPay settlement completed")

	again, err := env.settlement.SettleDeferred(context.Background(), orderID)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if !again.AlreadySettled || again.Settled {
		t.Fatalf("expected already settled, got %+v", again)
	}
	if env.installments.settled != 1 || env.registry.stockOf(testVariationID) != 3 {
		t.Fatalf("second settle must not repeat side effects")
	}
}

func TestSettleDeferredProviderAlreadySettled(t *testing.T) {
	env := newTestEnv(t)
	orderID, _ := verifiedInstallment(t, env)
	env.installments.settleErr = &payments.ProviderError{Provider: payments.SnappPayProviderName, Op: "settle", Code: "409", Message: "Payment already settled"}

	res, err := env.settlement.SettleDeferred(context.Background(), orderID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Settled {
		t.Fatalf("provider duplicate on a pending row counts as the first local settlement")
	}
	if env.registry.stockOf(testVariationID) != 3 {
		t.Fatalf("expected stock committed")
	}
}

func TestSettleDeferredOverlappingRunsCommitOnce(t *testing.T) {
	env := newTestEnv(t)
	orderID, _ := verifiedInstallment(t, env)

	var (
		inner    DeferredSettlementResult
		innerErr error
	)
	env.installments.onSettle = func() {
		env.installments.settleErr = &payments.ProviderError{Provider: payments.SnappPayProviderName, Op: "settle", Code: "409", Message: "Payment already settled"}
		inner, innerErr = env.settlement.SettleDeferred(context.Background(), orderID)
	}

	outer, err := env.settlement.SettleDeferred(context.Background(), orderID)
	if err != nil || innerErr != nil {
		t.Fatalf("settle: outer=%v inner=%v", err, innerErr)
	}
	if !inner.Settled {
		t.Fatalf("expected the overlapping run to settle first, got %+v", inner)
	}
	if outer.Settled || !outer.AlreadySettled {
		t.Fatalf("expected the slower run to report already settled, got %+v", outer)
	}
	if got := env.registry.stockOf(testVariationID); got != 3 {
		t.Fatalf("expected stock 5 -> 3, got %d", got)
	}
	if got := countEvents(env.events, OrderEventSettled); got != 1 {
		t.Fatalf("expected one settled event, got %d", got)
	}
}

func countEvents(p *recordingPublisher, eventType string) int {
	n := 0
	for _, got := range p.types() {
		if got == eventType {
			n++
		}
	}
	return n
}

func TestSettleDeferredGuards(t *testing.T) {
	t.Run("order still paying", func(t *testing.T) {
		env := newTestEnv(t)
		orderID, _ := installmentCheckout(t, env)
		_, err := env.settlement.SettleDeferred(context.Background(), orderID)
		assertKind(t, err, KindInvalidStatus)
	})

	t.Run("bank order", func(t *testing.T) {
		env := newTestEnv(t)
		res := env.checkoutWith(t, "mellat", courierShipping())
		_, err := env.settlement.SettleDeferred(context.Background(), res.Order.ID)
		assertKind(t, err, KindTransactionNotFound)
	})

	t.Run("unknown order", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.settlement.SettleDeferred(context.Background(), 404)
		assertKind(t, err, KindOrderNotFound)
	})

	t.Run("provider not configured", func(t *testing.T) {
		env := newTestEnv(t, func(c *testEnvConfig) { c.noInstallments = true })
		_, err := env.settlement.SettleDeferred(context.Background(), 1)
		cerr := assertKind(t, err, KindGatewayUnavailable)
		if !errors.Is(cerr, ErrSettlementUnavailable) {
			t.Fatalf("expected ErrSettlementUnavailable")
		}
	})

	t.Run("provider failure", func(t *testing.T) {
		env := newTestEnv(t)
		orderID, _ := verifiedInstallment(t, env)
		env.installments.settleErr = &payments.ProviderError{Provider: payments.SnappPayProviderName, Code: "500", Message: "internal"}
		_, err := env.settlement.SettleDeferred(context.Background(), orderID)
		assertKind(t, err, KindGatewayError)
		if env.registry.stockOf(testVariationID) != 5 {
			t.Fatalf("failed settlement must not commit stock")
		}
	})
}

func TestInstallmentStatus(t *testing.T) {
	env := newTestEnv(t)
	orderID, txID := installmentCheckout(t, env)

	status, err := env.settlement.InstallmentStatus(context.Background(), orderID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != "SETTLE" || status.TransactionID != txID || status.LocalStatus != string(domain.ContractTransactionPending) {
		t.Fatalf("unexpected status %+v", status)
	}
}

type stubSettlement struct {
	mu      sync.Mutex
	failFor map[int64]bool
	calls   []int64
}

func (s *stubSettlement) HandlePaymentCallback(context.Context, CallbackParams) RedirectDecision {
	return RedirectDecision{}
}

func (s *stubSettlement) SettleDeferred(ctx context.Context, orderID int64) (DeferredSettlementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, orderID)
	if s.failFor[orderID] {
		return DeferredSettlementResult{OrderID: orderID}, newCheckoutError(KindGatewayError, "boom")
	}
	return DeferredSettlementResult{OrderID: orderID, Settled: true}, nil
}

func (s *stubSettlement) InstallmentStatus(context.Context, int64) (InstallmentStatus, error) {
	return InstallmentStatus{}, nil
}

func seedAwaitingSettlement(t *testing.T, registry *memRegistry, createdAt time.Time) int64 {
	t.Helper()
	ctx := context.Background()
	order, err := registry.Orders().Insert(ctx, domain.Order{UserID: testUserID, Status: domain.OrderStatusStarted})
	if err != nil {
		t.Fatalf("insert order: %v", err)
	}
	contract, err := registry.Contracts().Insert(ctx, domain.Contract{OrderID: order.ID, Amount: 1000, Status: domain.ContractStatusConfirmed})
	if err != nil {
		t.Fatalf("insert contract: %v", err)
	}
	if _, err := registry.Contracts().InsertTransaction(ctx, domain.ContractTransaction{
		ContractID:     contract.ID,
		Type:           domain.ContractTransactionGateway,
		Status:         domain.ContractTransactionPending,
		TrackID:        "token",
		ExternalSource: domain.ExternalSourceSnappPay,
		CreatedAt:      createdAt,
	}); err != nil {
		t.Fatalf("insert transaction: %v", err)
	}
	return order.ID
}

func TestSettlementSweeperSettlesAgedOrders(t *testing.T) {
	registry := newMemRegistry()
	first := seedAwaitingSettlement(t, registry, fixedNow.Add(-time.Hour))
	second := seedAwaitingSettlement(t, registry, fixedNow.Add(-30*time.Minute))
	third := seedAwaitingSettlement(t, registry, fixedNow.Add(-20*time.Minute))
	fresh := seedAwaitingSettlement(t, registry, fixedNow.Add(-time.Minute))

	settlement := &stubSettlement{failFor: map[int64]bool{second: true}}
	var logged []string
	sweeper, err := NewSettlementSweeper(SettlementSweeperDeps{
		Orders:      registry.Orders(),
		Settlement:  settlement,
		Concurrency: 2,
		Clock:       fixedClock,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			if event == "settlement.sweep_completed" {
				logged = append(logged, event)
			}
		},
	})
	if err != nil {
		t.Fatalf("NewSettlementSweeper: %v", err)
	}

	report, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Scanned != 3 || report.Settled != 2 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	for _, id := range settlement.calls {
		if id == fresh {
			t.Fatalf("orders younger than the minimum age must be skipped")
		}
	}
	if len(settlement.calls) != 3 || !containsAll(settlement.calls, first, second, third) {
		t.Fatalf("unexpected calls %v", settlement.calls)
	}
	if len(logged) != 1 {
		t.Fatalf("expected completion log")
	}
}

func TestSettlementSweeperRespectsBatchSize(t *testing.T) {
	registry := newMemRegistry()
	for range 5 {
		seedAwaitingSettlement(t, registry, fixedNow.Add(-time.Hour))
	}
	settlement := &stubSettlement{}
	sweeper, err := NewSettlementSweeper(SettlementSweeperDeps{
		Orders:     registry.Orders(),
		Settlement: settlement,
		BatchSize:  2,
		Clock:      fixedClock,
	})
	if err != nil {
		t.Fatalf("NewSettlementSweeper: %v", err)
	}
	report, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Scanned != 2 || len(settlement.calls) != 2 {
		t.Fatalf("expected one batch of 2, got %+v", report)
	}
}

func containsAll(ids []int64, want ...int64) bool {
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, id := range want {
		if !seen[id] {
			return false
		}
	}
	return true
}
