package payments

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	name    string
	lastOp  string
	session RedirectSession
	err     error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) RequestPayment(ctx context.Context, req RedirectRequest) (RedirectSession, error) {
	f.lastOp = "pay"
	return f.session, f.err
}

func (f *fakeProvider) Verify(ctx context.Context, req SettlementRequest) error {
	f.lastOp = "verify"
	return f.err
}

func (f *fakeProvider) Settle(ctx context.Context, req SettlementRequest) error {
	f.lastOp = "settle"
	return f.err
}

func (f *fakeProvider) Revert(ctx context.Context, req SettlementRequest) error {
	f.lastOp = "revert"
	return f.err
}

func TestManagerResolvesByNameCaseInsensitively(t *testing.T) {
	ctx := context.Background()
	mellat := &fakeProvider{name: MellatProviderName, session: RedirectSession{RefID: "ref-m"}}
	stripe := &fakeProvider{name: StripeProviderName, session: RedirectSession{RefID: "cs_1"}}

	mgr, err := NewManager(map[string]RedirectProvider{
		"Mellat": mellat,
		"stripe": stripe,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	session, err := mgr.RequestPayment(ctx, "STRIPE", RedirectRequest{OrderID: 1, Amount: 10, RequestID: "REQ-1"})
	if err != nil {
		t.Fatalf("request payment: %v", err)
	}
	if session.Provider != StripeProviderName {
		t.Fatalf("expected provider stripe, got %q", session.Provider)
	}
	if session.RequestID != "REQ-1" {
		t.Fatalf("expected request id to be propagated, got %q", session.RequestID)
	}
	if stripe.lastOp != "pay" || mellat.lastOp != "" {
		t.Fatalf("expected only stripe to be called, got stripe=%q mellat=%q", stripe.lastOp, mellat.lastOp)
	}
}

func TestManagerFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	mellat := &fakeProvider{name: MellatProviderName}
	stripe := &fakeProvider{name: StripeProviderName}

	mgr, err := NewManager(map[string]RedirectProvider{
		"mellat": mellat,
		"stripe": stripe,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if mgr.Default() != MellatProviderName {
		t.Fatalf("expected mellat default, got %q", mgr.Default())
	}

	if err := mgr.Verify(ctx, "", SettlementRequest{}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := mgr.Settle(ctx, "unknown", SettlementRequest{}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if mellat.lastOp != "settle" {
		t.Fatalf("expected mellat to receive fallback calls, got %q", mellat.lastOp)
	}
	if stripe.lastOp != "" {
		t.Fatalf("expected stripe unused, got %q", stripe.lastOp)
	}
}

func TestManagerWithDefaultProvider(t *testing.T) {
	stripe := &fakeProvider{name: StripeProviderName}
	mgr, err := NewManager(map[string]RedirectProvider{
		"mellat": &fakeProvider{name: MellatProviderName},
		"stripe": stripe,
	}, WithDefaultProvider("Stripe"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Revert(context.Background(), "", SettlementRequest{}); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if stripe.lastOp != "revert" {
		t.Fatalf("expected stripe default to be used")
	}
}

func TestManagerRejectsUnknownDefault(t *testing.T) {
	_, err := NewManager(map[string]RedirectProvider{
		"mellat": &fakeProvider{name: MellatProviderName},
	}, WithDefaultProvider("paypal"))
	if err == nil {
		t.Fatalf("expected error for unregistered default")
	}
}

func TestManagerRequiresProviders(t *testing.T) {
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error for empty provider map")
	}
	if _, err := NewManager(map[string]RedirectProvider{" ": &fakeProvider{}}); err == nil {
		t.Fatalf("expected error for blank key")
	}
}

func TestManagerPropagatesProviderErrors(t *testing.T) {
	wantErr := &ProviderError{Provider: MellatProviderName, Op: "pay", Code: "34", Message: "Gateway down"}
	mgr, err := NewManager(map[string]RedirectProvider{
		"mellat": &fakeProvider{name: MellatProviderName, err: wantErr},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	_, err = mgr.RequestPayment(context.Background(), "mellat", RedirectRequest{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if ErrorCode(err) != "34" {
		t.Fatalf("expected code 34, got %q", ErrorCode(err))
	}
	if ErrorMessage(err) != "Gateway down" {
		t.Fatalf("expected message, got %q", ErrorMessage(err))
	}
}
