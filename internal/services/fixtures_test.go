package services

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/payments"
	"github.com/shopcore/api/internal/shipping"
)

var fixedNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func ptr[T any](v T) *T { return &v }

const (
	testUserID      int64 = 7
	testVariationID int64 = 11
	testMethodID    int64 = 2
	testAddressID   int64 = 31
	testFrontendURL       = "https://shop.test"
)

type stubRedirects struct {
	mu         sync.Mutex
	session    payments.RedirectSession
	requestErr error
	verifyErr  error
	settleErr  error
	revertErr  error
	requests   []payments.RedirectRequest
	providers  []string
	verified   int
	settled    int
	reverted   int

	// onSettle runs once, after the settle call is counted and before it returns.
	onSettle func()
}

func (s *stubRedirects) Default() string { return payments.MellatProviderName }

func (s *stubRedirects) RequestPayment(ctx context.Context, provider string, req payments.RedirectRequest) (payments.RedirectSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	s.providers = append(s.providers, provider)
	if s.requestErr != nil {
		return payments.RedirectSession{}, s.requestErr
	}
	session := s.session
	if session.Provider == "" {
		session.Provider = provider
	}
	return session, nil
}

func (s *stubRedirects) Verify(ctx context.Context, provider string, req payments.SettlementRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified++
	return s.verifyErr
}

func (s *stubRedirects) Settle(ctx context.Context, provider string, req payments.SettlementRequest) error {
	s.mu.Lock()
	s.settled++
	err, hook := s.settleErr, s.onSettle
	s.onSettle = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (s *stubRedirects) Revert(ctx context.Context, provider string, req payments.SettlementRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reverted++
	return s.revertErr
}

type stubInstallments struct {
	mu          sync.Mutex
	eligibility payments.SnappPayEligibility
	eligibleErr error
	token       payments.SnappPayToken
	tokenErr    error
	verifyErr   error
	settleErr   error
	revertErr   error
	updateErr   error
	cancelErr   error
	status      string

	tokenRequests []payments.SnappPayTokenRequest
	updates       []payments.SnappPayUpdateRequest
	cancelled     []string
	verified      int
	settled       int
	reverted      int

	// onSettle runs once, after the settle call is counted and before it returns.
	onSettle func()
}

func newStubInstallments() *stubInstallments {
	return &stubInstallments{
		eligibility: payments.SnappPayEligibility{Eligible: true},
		token: payments.SnappPayToken{
			PaymentToken:   "snapp-token-1",
			PaymentPageURL: "https://pay.snapp.test/p/snapp-token-1",
		},
		status: "SETTLE",
	}
}

func (s *stubInstallments) Eligible(ctx context.Context, amount int64) (payments.SnappPayEligibility, error) {
	return s.eligibility, s.eligibleErr
}

func (s *stubInstallments) RequestToken(ctx context.Context, req payments.SnappPayTokenRequest) (payments.SnappPayToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenRequests = append(s.tokenRequests, req)
	return s.token, s.tokenErr
}

func (s *stubInstallments) Verify(ctx context.Context, token string) (payments.SnappPayStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified++
	return payments.SnappPayStatus{Status: "VERIFY"}, s.verifyErr
}

func (s *stubInstallments) Settle(ctx context.Context, token string) (payments.SnappPayStatus, error) {
	s.mu.Lock()
	s.settled++
	err, hook := s.settleErr, s.onSettle
	s.onSettle = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return payments.SnappPayStatus{Status: "SETTLE"}, err
}

func (s *stubInstallments) Revert(ctx context.Context, token string) (payments.SnappPayStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reverted++
	return payments.SnappPayStatus{Status: "REVERT"}, s.revertErr
}

func (s *stubInstallments) Status(ctx context.Context, token string) (payments.SnappPayStatus, error) {
	return payments.SnappPayStatus{Status: s.status}, nil
}

func (s *stubInstallments) Update(ctx context.Context, req payments.SnappPayUpdateRequest) (payments.SnappPayStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, req)
	return payments.SnappPayStatus{TransactionID: req.TransactionID}, s.updateErr
}

func (s *stubInstallments) CancelOrder(ctx context.Context, transactionID string) (payments.SnappPayStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, transactionID)
	return payments.SnappPayStatus{TransactionID: transactionID}, s.cancelErr
}

type stubCarrier struct {
	mu       sync.Mutex
	price    int64
	priceErr error
	label    shipping.Label
	labelErr error
	quotes   []shipping.Quote
	issued   []shipping.LabelRequest

	// onQuote runs once, after the quote is recorded and before it returns.
	onQuote func()
}

func (s *stubCarrier) EstimatePrice(ctx context.Context, q shipping.Quote) (int64, error) {
	s.mu.Lock()
	s.quotes = append(s.quotes, q)
	price, err, hook := s.price, s.priceErr, s.onQuote
	s.onQuote = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return price, err
}

func (s *stubCarrier) IssueLabel(ctx context.Context, req shipping.LabelRequest) (shipping.Label, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued = append(s.issued, req)
	return s.label, s.labelErr
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (p *recordingPublisher) PublishOrderEvent(ctx context.Context, event OrderEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return event.ID, nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnvConfig struct {
	labelMethodID   int64
	carrierMethodID int64
	eligibility     bool
	noInstallments  bool
}

type testEnv struct {
	registry     *memRegistry
	redirects    *stubRedirects
	installments *stubInstallments
	carrier      *stubCarrier
	events       *recordingPublisher
	checkout     CheckoutService
	settlement   SettlementService
	adjustments  AdjustmentService
	labels       ShipmentLabelService
}

// newTestEnv seeds a user with two units of a 100,000 item in the cart, 5 units in stock and a
// courier method priced 50,000.
func newTestEnv(t *testing.T, opts ...func(*testEnvConfig)) *testEnv {
	t.Helper()
	var cfg testEnvConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	registry := newMemRegistry()
	registry.addVariation(testVariationID, "Leather Wallet", "LW-01", 100000, 5, 300, "Accessories")
	registry.addCartLine(testUserID, testVariationID, 2)
	registry.addMethod(domain.ShippingMethod{ID: testMethodID, Title: "Courier", Price: 50000})
	registry.addMethod(domain.ShippingMethod{ID: defaultPickupShippingMethodID, Title: "Pickup", Price: 40000})
	registry.addUser(domain.User{ID: testUserID, Phone: "09121234567"})
	registry.addAddress(domain.Address{
		ID:           testAddressID,
		UserID:       testUserID,
		FullName:     "Sara Ahmadi",
		Phone:        "09120001111",
		PostalCode:   "1234567890",
		FullAddress:  "No 1, Valiasr St",
		CityCode:     11,
		CityName:     "Tehran",
		ProvinceCode: "8",
		ProvinceName: "Tehran",
	})

	env := &testEnv{
		registry:     registry,
		redirects:    &stubRedirects{session: payments.RedirectSession{RefID: "REF-1", RedirectURL: "https://bank.test/pay?RefId=REF-1"}},
		installments: newStubInstallments(),
		carrier:      &stubCarrier{price: 20000, label: shipping.Label{Barcode: "ANP-100", PostPrice: 30000, Tax: 2700}},
		events:       &recordingPublisher{},
	}
	var installments InstallmentClient = env.installments
	if cfg.noInstallments {
		installments = nil
	}

	audit, err := NewOrderAuditService(OrderAuditServiceDeps{Repository: registry.OrderLogs(), Clock: fixedClock})
	if err != nil {
		t.Fatalf("NewOrderAuditService: %v", err)
	}
	env.labels, err = NewShipmentLabelService(ShipmentLabelServiceDeps{
		Registry: registry,
		Carrier:  env.carrier,
		Audit:    audit,
		Clock:    fixedClock,
	})
	if err != nil {
		t.Fatalf("NewShipmentLabelService: %v", err)
	}
	reconciler, err := NewStockReconciler(StockReconcilerDeps{Carts: registry.Carts()})
	if err != nil {
		t.Fatalf("NewStockReconciler: %v", err)
	}
	dispatcher, err := NewPaymentDispatcher(PaymentDispatcherDeps{
		Registry:         registry,
		Redirects:        env.redirects,
		Installments:     installments,
		Labels:           env.labels,
		LabelMethodID:    cfg.labelMethodID,
		Audit:            audit,
		Events:           env.events,
		PublicBaseURL:    "https://api.shop.test/",
		EligibilityCheck: cfg.eligibility,
		Clock:            fixedClock,
	})
	if err != nil {
		t.Fatalf("NewPaymentDispatcher: %v", err)
	}
	env.checkout, err = NewCheckoutService(CheckoutServiceDeps{
		Registry:   registry,
		Reconciler: reconciler,
		Dispatcher: dispatcher,
		Audit:      audit,
		Events:     env.events,
		Clock:      fixedClock,
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	env.settlement, err = NewSettlementService(SettlementServiceDeps{
		Registry:        registry,
		Redirects:       env.redirects,
		Installments:    installments,
		Labels:          env.labels,
		LabelMethodID:   cfg.labelMethodID,
		Audit:           audit,
		Events:          env.events,
		FrontendBaseURL: testFrontendURL + "/",
		Clock:           fixedClock,
	})
	if err != nil {
		t.Fatalf("NewSettlementService: %v", err)
	}
	var carrier Carrier
	if cfg.carrierMethodID > 0 {
		carrier = env.carrier
	}
	env.adjustments, err = NewAdjustmentService(AdjustmentServiceDeps{
		Registry:        registry,
		Installments:    installments,
		Carrier:         carrier,
		CarrierMethodID: cfg.carrierMethodID,
		Audit:           audit,
		Events:          env.events,
		Clock:           fixedClock,
	})
	if err != nil {
		t.Fatalf("NewAdjustmentService: %v", err)
	}
	return env
}

func courierShipping() ShippingData {
	return ShippingData{ShippingMethodID: ptr(testMethodID), AddressID: ptr(testAddressID)}
}

// checkoutWith runs a checkout that is expected to succeed.
func (e *testEnv) checkoutWith(t *testing.T, gateway string, ship ShippingData) CheckoutResult {
	t.Helper()
	res, err := e.checkout.Checkout(context.Background(), CheckoutCommand{
		UserID:    testUserID,
		Shipping:  ship,
		Gateway:   gateway,
		RequestID: "REQ-test",
	})
	if err != nil {
		t.Fatalf("checkout via %s: %v", gateway, err)
	}
	return res
}

func assertLogged(t *testing.T, registry *memRegistry, orderID int64, description string) {
	t.Helper()
	logs := registry.logDescriptions(orderID)
	if !slices.Contains(logs, description) {
		t.Fatalf("expected order log %q, got %v", description, logs)
	}
}

func assertKind(t *testing.T, err error, kind ErrorKind) *CheckoutError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	cerr := AsCheckoutError(err)
	if cerr.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, cerr.Kind, err)
	}
	return cerr
}
