package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/platform/auth"
	"github.com/shopcore/api/internal/platform/idempotency"
	"github.com/shopcore/api/internal/services"
)

type stubReconciler struct {
	result services.StockReconciliation
	err    error
	userID int64
}

func (s *stubReconciler) ReconcileCartStock(_ context.Context, userID int64) (services.StockReconciliation, error) {
	s.userID = userID
	return s.result, s.err
}

type stubCheckoutService struct {
	checkoutFunc func(context.Context, services.CheckoutCommand) (services.CheckoutResult, error)
	calls        int
}

func (s *stubCheckoutService) FinalizeCartToOrder(context.Context, services.FinalizeCartCommand) (services.FinalizeResult, error) {
	return services.FinalizeResult{}, errors.New("not used")
}

func (s *stubCheckoutService) Checkout(ctx context.Context, cmd services.CheckoutCommand) (services.CheckoutResult, error) {
	s.calls++
	return s.checkoutFunc(ctx, cmd)
}

type stubSettlementService struct {
	decision    services.RedirectDecision
	params      services.CallbackParams
	settled     services.DeferredSettlementResult
	installment services.InstallmentStatus
	err         error
}

func (s *stubSettlementService) HandlePaymentCallback(_ context.Context, params services.CallbackParams) services.RedirectDecision {
	s.params = params
	return s.decision
}

func (s *stubSettlementService) SettleDeferred(_ context.Context, orderID int64) (services.DeferredSettlementResult, error) {
	if s.err != nil {
		return services.DeferredSettlementResult{}, s.err
	}
	result := s.settled
	result.OrderID = orderID
	return result, nil
}

func (s *stubSettlementService) InstallmentStatus(_ context.Context, orderID int64) (services.InstallmentStatus, error) {
	status := s.installment
	status.OrderID = orderID
	return status, s.err
}

type stubAdjustmentService struct {
	adjustCmd services.AdjustOrderItemsCommand
	cancelCmd services.CancelOrderCommand
	result    services.AdjustmentResult
	err       error
}

func (s *stubAdjustmentService) AdjustOrderItems(_ context.Context, cmd services.AdjustOrderItemsCommand) (services.AdjustmentResult, error) {
	s.adjustCmd = cmd
	return s.result, s.err
}

func (s *stubAdjustmentService) CancelOrder(_ context.Context, cmd services.CancelOrderCommand) (services.AdjustmentResult, error) {
	s.cancelCmd = cmd
	return s.result, s.err
}

type stubLabelService struct {
	label services.ShipmentLabel
	err   error
}

func (s *stubLabelService) IssueLabel(_ context.Context, orderID int64) (services.ShipmentLabel, error) {
	label := s.label
	label.OrderID = orderID
	return label, s.err
}

type stubCategoryMapper struct{ invalidated int }

func (s *stubCategoryMapper) MapToCategoryCode(context.Context, string) string { return "" }
func (s *stubCategoryMapper) Invalidate()                                      { s.invalidated++ }

type stubVerifier struct{ identities map[string]*auth.Identity }

func (v stubVerifier) Verify(_ context.Context, token string) (*auth.Identity, error) {
	if identity, ok := v.identities[token]; ok {
		return identity, nil
	}
	return nil, auth.ErrTokenInvalid
}

var (
	customer = &auth.Identity{UserID: 7, Subject: "7", Phone: "09121234567", Roles: []string{auth.RoleCustomer}}
	admin    = &auth.Identity{UserID: 1, Subject: "1", Phone: "09120000000", Roles: []string{auth.RoleAdmin}}
)

func withIdentity(req *http.Request, identity *auth.Identity) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), identity))
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
}

func TestCartHandlersStockCheckReportsRepairs(t *testing.T) {
	reconciler := &stubReconciler{result: services.StockReconciliation{
		Valid: false,
		ItemsRemoved: []services.StockRemoval{
			{CartItemID: 11, VariationID: 101, ProductName: "Mug", Reason: "out of stock"},
		},
		ItemsAdjusted: []services.StockAdjustment{
			{CartItemID: 12, VariationID: 102, Requested: 5, Available: 2, NewQuantity: 2, Message: "reduced"},
		},
		Cart: services.Cart{ID: 3, Status: domain.CartStatusPending, Items: []services.CartItem{
			{ID: 12, VariationID: 102, Count: 2, Sum: 40000, Variation: &domain.ProductVariation{SKU: "TS-1", Product: &domain.Product{Title: "Shirt"}}},
		}},
	}}
	router := chi.NewRouter()
	NewCartHandlers(nil, reconciler).Routes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withIdentity(httptest.NewRequest(http.MethodGet, "/stock-check", nil), customer))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if reconciler.userID != 7 {
		t.Fatalf("expected reconcile for user 7, got %d", reconciler.userID)
	}
	var body stockCheckResponse
	decodeBody(t, rr, &body)
	if body.Valid || len(body.ItemsRemoved) != 1 || len(body.ItemsAdjusted) != 1 {
		t.Fatalf("unexpected body %+v", body)
	}
	if body.ItemsAdjusted[0].NewQuantity != 2 || body.Cart.Items[0].SKU != "TS-1" || body.Cart.Items[0].ProductName != "Shirt" {
		t.Fatalf("unexpected cart payload %+v", body)
	}
}

func TestCartHandlersStockCheckRequiresIdentity(t *testing.T) {
	router := chi.NewRouter()
	NewCartHandlers(nil, &stubReconciler{}).Routes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stock-check", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func finalizeRouter(svc services.CheckoutService, opts ...CheckoutOption) chi.Router {
	router := chi.NewRouter()
	NewCheckoutHandlers(nil, svc, opts...).Routes(router)
	return router
}

func TestCheckoutHandlersFinalizeSuccess(t *testing.T) {
	var captured services.CheckoutCommand
	svc := &stubCheckoutService{checkoutFunc: func(_ context.Context, cmd services.CheckoutCommand) (services.CheckoutResult, error) {
		captured = cmd
		return services.CheckoutResult{
			Order:            services.Order{ID: 42, Status: domain.OrderStatusPaying},
			Contract:         services.Contract{ID: 9},
			FinancialSummary: services.FinancialSummary{Subtotal: 100000, Tax: 9000, Shipping: 20000, Total: 129000},
			Payment: services.DispatchResult{
				Gateway:     "mellat",
				Kind:        services.GatewayBankRedirect,
				RedirectURL: "https://bpm.shaparak.ir/pgwchannel/startpay.mellat?RefId=ABC",
				RefID:       "ABC",
			},
		}, nil
	}}

	body := `{"shippingMethodId":2,"addressId":5,"discountCode":" SPRING ","gateway":"Mellat"}`
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/finalize", strings.NewReader(body)), customer)
	rr := httptest.NewRecorder()
	finalizeRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != 7 || captured.Gateway != "mellat" || captured.Mobile != customer.Phone {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.Shipping.ShippingMethodID == nil || *captured.Shipping.ShippingMethodID != 2 || captured.Shipping.DiscountCode != "SPRING" {
		t.Fatalf("unexpected shipping %+v", captured.Shipping)
	}
	var resp finalizeResponse
	decodeBody(t, rr, &resp)
	if resp.OrderID != 42 || resp.ContractID != 9 || resp.FinancialSummary.Total != 129000 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Payment.Kind != "bank" || resp.Payment.RefID != "ABC" {
		t.Fatalf("unexpected payment %+v", resp.Payment)
	}
}

func TestCheckoutHandlersFinalizeMapsServiceErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{
			name:   "cart changed",
			err:    &services.CheckoutError{Kind: services.KindCartChanged, Data: map[string]any{"itemsRemoved": []services.StockRemoval{{CartItemID: 1, Reason: "gone"}}}},
			status: http.StatusConflict,
			code:   "CART_CHANGED",
		},
		{name: "cart empty", err: &services.CheckoutError{Kind: services.KindCartEmpty}, status: http.StatusBadRequest, code: "CART_EMPTY"},
		{name: "wallet", err: &services.CheckoutError{Kind: services.KindInsufficientWallet}, status: http.StatusBadRequest, code: "insufficient_wallet"},
		{name: "gateway down", err: &services.CheckoutError{Kind: services.KindGatewayUnavailable}, status: http.StatusServiceUnavailable, code: "GATEWAY_UNAVAILABLE"},
		{name: "foreign", err: errors.New("db exploded"), status: http.StatusInternalServerError, code: "INTERNAL_ERROR"},
		{name: "unavailable", err: services.ErrCheckoutUnavailable, status: http.StatusServiceUnavailable, code: "SERVICE_UNAVAILABLE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubCheckoutService{checkoutFunc: func(context.Context, services.CheckoutCommand) (services.CheckoutResult, error) {
				return services.CheckoutResult{}, tc.err
			}}
			req := withIdentity(httptest.NewRequest(http.MethodPost, "/finalize", strings.NewReader(`{"shippingMethodId":1}`)), customer)
			req.Header.Set("Accept-Language", "en")
			rr := httptest.NewRecorder()
			finalizeRouter(svc).ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			var body map[string]any
			decodeBody(t, rr, &body)
			if body["code"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["code"])
			}
			msg, _ := body["message"].(string)
			if msg == "" || body["error"] != msg {
				t.Fatalf("expected localized message in error and message, got %v", body)
			}
			if strings.Contains(rr.Body.String(), "db exploded") {
				t.Fatalf("infrastructure detail leaked: %s", rr.Body.String())
			}
		})
	}
}

func TestCheckoutHandlersFinalizeGatewayRejectionPayload(t *testing.T) {
	svc := &stubCheckoutService{checkoutFunc: func(context.Context, services.CheckoutCommand) (services.CheckoutResult, error) {
		return services.CheckoutResult{}, &services.CheckoutError{
			Kind:      services.KindGatewayError,
			Detail:    "Gateway down",
			RequestID: "REQ-42-XYZ",
			Data:      map[string]any{"debug": "mellat: bpPayRequest: 34"},
		}
	}}
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/finalize", strings.NewReader(`{"shippingMethodId":1}`)), customer)
	req.Header.Set("Accept-Language", "en")
	rr := httptest.NewRecorder()
	finalizeRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	decodeBody(t, rr, &body)
	if body["error"] != "Gateway down" || body["requestId"] != "REQ-42-XYZ" || body["debug"] != "mellat: bpPayRequest: 34" {
		t.Fatalf("unexpected payload %v", body)
	}
	if body["code"] != "GATEWAY_ERROR" || body["message"] != "Payment gateway error" {
		t.Fatalf("unexpected code or message %v", body)
	}
	if _, nested := body["data"]; nested {
		t.Fatalf("debug must not be nested under data: %v", body)
	}
}

func TestCheckoutHandlersFinalizeRejectsUnknownFields(t *testing.T) {
	svc := &stubCheckoutService{}
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/finalize", strings.NewReader(`{"total":1}`)), customer)
	rr := httptest.NewRecorder()
	finalizeRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest || svc.calls != 0 {
		t.Fatalf("expected 400 without service call, got %d calls=%d", rr.Code, svc.calls)
	}
}

func TestCheckoutHandlersFinalizeRateLimited(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	svc := &stubCheckoutService{checkoutFunc: func(context.Context, services.CheckoutCommand) (services.CheckoutResult, error) {
		return services.CheckoutResult{}, nil
	}}
	router := finalizeRouter(svc, WithCheckoutRateLimit(1, time.Minute, func() time.Time { return now }))

	for i, want := range []int{http.StatusCreated, http.StatusTooManyRequests} {
		req := withIdentity(httptest.NewRequest(http.MethodPost, "/finalize", strings.NewReader(`{"shippingMethodId":1}`)), customer)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("attempt %d: expected %d, got %d", i, want, rr.Code)
		}
		if want == http.StatusTooManyRequests && rr.Header().Get("Retry-After") != "60" {
			t.Fatalf("expected Retry-After 60, got %q", rr.Header().Get("Retry-After"))
		}
	}
}

func TestFixedWindowLimiterResetsAfterWindow(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	limiter := newFixedWindowLimiter(2, time.Minute, func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if ok, _ := limiter.Allow(7); !ok {
			t.Fatalf("attempt %d should be allowed", i)
		}
	}
	ok, wait := limiter.Allow(7)
	if ok || wait != time.Minute {
		t.Fatalf("expected rejection with 1m wait, got ok=%v wait=%s", ok, wait)
	}
	if ok, _ := limiter.Allow(8); !ok {
		t.Fatal("other users keep their own window")
	}

	now = now.Add(time.Minute)
	if ok, _ := limiter.Allow(7); !ok {
		t.Fatal("expected a fresh window after reset")
	}
}

func TestCheckoutHandlersFinalizeReplaysIdempotentRequest(t *testing.T) {
	svc := &stubCheckoutService{checkoutFunc: func(context.Context, services.CheckoutCommand) (services.CheckoutResult, error) {
		return services.CheckoutResult{Order: services.Order{ID: 77}}, nil
	}}
	router := finalizeRouter(svc, WithCheckoutIdempotency(idempotency.Middleware(idempotency.NewMemoryStore())))

	var first string
	for i := 0; i < 2; i++ {
		req := withIdentity(httptest.NewRequest(http.MethodPost, "/finalize", strings.NewReader(`{"shippingMethodId":1}`)), customer)
		req.Header.Set("Idempotency-Key", "finalize-1")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusCreated {
			t.Fatalf("attempt %d: expected 201, got %d: %s", i, rr.Code, rr.Body.String())
		}
		if i == 0 {
			first = rr.Body.String()
		} else if rr.Body.String() != first {
			t.Fatalf("expected replayed body %q, got %q", first, rr.Body.String())
		}
	}
	if svc.calls != 1 {
		t.Fatalf("expected a single checkout, got %d", svc.calls)
	}
}

func TestPaymentHandlersCallbackRedirects(t *testing.T) {
	settlement := &stubSettlementService{decision: services.RedirectDecision{
		Outcome: services.RedirectSuccess,
		URL:     "https://shop.example/payment/success?orderId=42",
		OrderID: 42,
	}}
	router := chi.NewRouter()
	NewPaymentHandlers(settlement).Routes(router)

	form := url.Values{"ResCode": {"0"}, "SaleOrderId": {"42"}, "SaleReferenceId": {"998877"}}
	req := httptest.NewRequest(http.MethodPost, "/callback?RefId=ABC&ResCode=17", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "https://shop.example/payment/success?orderId=42" {
		t.Fatalf("unexpected location %q", loc)
	}
	if settlement.params["RefId"] != "ABC" || settlement.params["SaleReferenceId"] != "998877" {
		t.Fatalf("unexpected params %v", settlement.params)
	}
	if settlement.params["ResCode"] != "0" {
		t.Fatalf("expected body value to win, got %q", settlement.params["ResCode"])
	}
}

func TestPaymentHandlersCallbackWithoutRedirectURL(t *testing.T) {
	settlement := &stubSettlementService{decision: services.RedirectDecision{Outcome: services.RedirectFailure, Error: "missing-params"}}
	router := chi.NewRouter()
	NewPaymentHandlers(settlement).Routes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/callback?state=FAILED", nil))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var body callbackResponse
	decodeBody(t, rr, &body)
	if body.Outcome != "failure" || body.Error != "missing-params" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func adminRouter(deps AdminOrderDeps) chi.Router {
	router := chi.NewRouter()
	NewAdminOrderHandlers(deps).Routes(router)
	return router
}

func TestAdminOrderHandlersAdjustItems(t *testing.T) {
	two := 2
	adjustments := &stubAdjustmentService{result: services.AdjustmentResult{
		Success:      true,
		DryRun:       true,
		RefundAmount: 30000,
		Preview: services.AdjustmentPreview{
			Changes:      []services.AdjustedLine{{OrderItemID: 5, OldCount: 3, NewCount: 2, RestockDelta: 1, PerAmount: 30000}},
			OldTotal:     100000,
			NewTotals:    services.FinancialSummary{Subtotal: 60000, Total: 70000},
			RefundAmount: 30000,
		},
	}}
	body := `{"changes":[{"orderItemId":5,"newCount":2},{"orderItemId":6,"remove":true}],"reason":"out of stock","dryRun":true}`
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/orders/42/adjust-items", strings.NewReader(body)), admin)
	rr := httptest.NewRecorder()
	adminRouter(AdminOrderDeps{Adjustments: adjustments}).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	cmd := adjustments.adjustCmd
	if cmd.OrderID != 42 || !cmd.DryRun || cmd.Reason != "out of stock" || cmd.PerformedBy != "admin:09120000000" {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if len(cmd.Changes) != 2 || cmd.Changes[0].NewCount == nil || *cmd.Changes[0].NewCount != two || !cmd.Changes[1].Remove {
		t.Fatalf("unexpected changes %+v", cmd.Changes)
	}
	var resp adjustmentResponse
	decodeBody(t, rr, &resp)
	if resp.RefundAmount != 30000 || len(resp.Preview.Changes) != 1 || resp.Preview.Changes[0].RestockDelta != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestAdminOrderHandlersAdjustItemsInvalidStatus(t *testing.T) {
	adjustments := &stubAdjustmentService{err: &services.CheckoutError{Kind: services.KindInvalidStatus, Detail: "order is cancelled"}}
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/orders/42/adjust-items", strings.NewReader(`{"changes":[{"orderItemId":5,"remove":true}]}`)), admin)
	rr := httptest.NewRecorder()
	adminRouter(AdminOrderDeps{Adjustments: adjustments}).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	var body struct {
		Error  string `json:"error"`
		Code   string `json:"code"`
		Detail string `json:"detail"`
	}
	decodeBody(t, rr, &body)
	if body.Code != "INVALID_STATUS" || body.Error != "order is cancelled" || body.Detail != "order is cancelled" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestAdminOrderHandlersRejectsBadOrderID(t *testing.T) {
	rr := httptest.NewRecorder()
	adminRouter(AdminOrderDeps{Settlement: &stubSettlementService{}}).ServeHTTP(rr,
		withIdentity(httptest.NewRequest(http.MethodPost, "/orders/abc/settle", nil), admin))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersCancelAllowsEmptyBody(t *testing.T) {
	adjustments := &stubAdjustmentService{result: services.AdjustmentResult{Success: true, Status: "cancelled", RefundAmount: 129000}}
	rr := httptest.NewRecorder()
	adminRouter(AdminOrderDeps{Adjustments: adjustments}).ServeHTTP(rr,
		withIdentity(httptest.NewRequest(http.MethodPost, "/orders/42/cancel", nil), admin))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if adjustments.cancelCmd.OrderID != 42 {
		t.Fatalf("unexpected cancel command %+v", adjustments.cancelCmd)
	}
}

func TestAdminOrderHandlersSettleAndStatus(t *testing.T) {
	settlement := &stubSettlementService{
		settled:     services.DeferredSettlementResult{Settled: true, TransactionID: "O42AB"},
		installment: services.InstallmentStatus{PaymentToken: "tok", Status: "SETTLE", LocalStatus: "success"},
	}
	router := adminRouter(AdminOrderDeps{Settlement: settlement})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withIdentity(httptest.NewRequest(http.MethodPost, "/orders/42/settle", nil), admin))
	if rr.Code != http.StatusOK {
		t.Fatalf("settle: expected 200, got %d", rr.Code)
	}
	var settled settleResponse
	decodeBody(t, rr, &settled)
	if settled.OrderID != 42 || !settled.Settled || settled.TransactionID != "O42AB" {
		t.Fatalf("unexpected settle response %+v", settled)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withIdentity(httptest.NewRequest(http.MethodGet, "/orders/42/payment-status", nil), admin))
	if rr.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rr.Code)
	}
	var status installmentStatusResponse
	decodeBody(t, rr, &status)
	if status.Status != "SETTLE" || status.PaymentToken != "tok" {
		t.Fatalf("unexpected status response %+v", status)
	}
}

func TestAdminOrderHandlersSettleNotFound(t *testing.T) {
	settlement := &stubSettlementService{err: &services.CheckoutError{Kind: services.KindOrderNotFound}}
	rr := httptest.NewRecorder()
	adminRouter(AdminOrderDeps{Settlement: settlement}).ServeHTTP(rr,
		withIdentity(httptest.NewRequest(http.MethodPost, "/orders/42/settle", nil), admin))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersShippingLabel(t *testing.T) {
	cases := []struct {
		name     string
		existing bool
		status   int
	}{
		{name: "new label", status: http.StatusCreated},
		{name: "existing label", existing: true, status: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			labels := &stubLabelService{label: services.ShipmentLabel{Barcode: "ANP123", PostPrice: 45000, Existing: tc.existing}}
			rr := httptest.NewRecorder()
			adminRouter(AdminOrderDeps{Labels: labels}).ServeHTTP(rr,
				withIdentity(httptest.NewRequest(http.MethodPost, "/orders/42/shipping-label", nil), admin))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			var body shipmentLabelResponse
			decodeBody(t, rr, &body)
			if body.Barcode != "ANP123" || body.OrderID != 42 {
				t.Fatalf("unexpected body %+v", body)
			}
		})
	}
}

func TestAdminOrderHandlersInvalidateCategories(t *testing.T) {
	mapper := &stubCategoryMapper{}
	rr := httptest.NewRecorder()
	adminRouter(AdminOrderDeps{Categories: mapper}).ServeHTTP(rr,
		withIdentity(httptest.NewRequest(http.MethodPost, "/category-mappings:invalidate", nil), admin))
	if rr.Code != http.StatusNoContent || mapper.invalidated != 1 {
		t.Fatalf("expected 204 and one invalidation, got %d/%d", rr.Code, mapper.invalidated)
	}
}

func TestAdminOrderHandlersMissingServiceUnavailable(t *testing.T) {
	rr := httptest.NewRecorder()
	adminRouter(AdminOrderDeps{}).ServeHTTP(rr, withIdentity(httptest.NewRequest(http.MethodPost, "/orders/42/shipping-label", nil), admin))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestNewRouterMountsGroups(t *testing.T) {
	authn := auth.NewAuthenticator(stubVerifier{identities: map[string]*auth.Identity{
		"customer-token": customer,
		"admin-token":    admin,
	}})
	reconciler := &stubReconciler{result: services.StockReconciliation{Valid: true}}
	mapper := &stubCategoryMapper{}
	settlement := &stubSettlementService{decision: services.RedirectDecision{Outcome: services.RedirectFailure, URL: "https://shop.example/payment/failure"}}

	router := NewRouter(
		WithHealthHandlers(NewHealthHandlers(WithHealthBuildInfo(services.BuildInfo{Version: "test"}))),
		WithCartRoutes(CombineRegistrars(
			NewCartHandlers(authn, reconciler).Routes,
			NewCheckoutHandlers(authn, &stubCheckoutService{}).Routes,
		)),
		WithPaymentRoutes(NewPaymentHandlers(settlement).Routes),
		WithAdminRoutes(NewAdminOrderHandlers(AdminOrderDeps{Authenticator: authn, Categories: mapper}).Routes),
	)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		status int
	}{
		{name: "healthz", method: http.MethodGet, path: "/healthz", status: http.StatusOK},
		{name: "readyz without system service", method: http.MethodGet, path: "/readyz", status: http.StatusOK},
		{name: "stock check unauthenticated", method: http.MethodGet, path: "/api/v1/cart/stock-check", status: http.StatusUnauthorized},
		{name: "stock check", method: http.MethodGet, path: "/api/v1/cart/stock-check", token: "customer-token", status: http.StatusOK},
		{name: "callback is public", method: http.MethodGet, path: "/api/v1/payments/callback?ResCode=17", status: http.StatusFound},
		{name: "admin forbidden for customer", method: http.MethodPost, path: "/api/v1/admin/category-mappings:invalidate", token: "customer-token", status: http.StatusForbidden},
		{name: "admin invalidate", method: http.MethodPost, path: "/api/v1/admin/category-mappings:invalidate", token: "admin-token", status: http.StatusNoContent},
		{name: "unknown route", method: http.MethodGet, path: "/api/v2/cart", status: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestNewRouterMarksCallbacksNonCacheable(t *testing.T) {
	settlement := &stubSettlementService{decision: services.RedirectDecision{Outcome: services.RedirectSuccess, URL: "https://shop.example/payment/success"}}
	router := NewRouter(
		WithRequestTimeout(0),
		WithPaymentRoutes(NewPaymentHandlers(settlement).Routes),
	)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/payments/callback?RefId=AB", nil))
	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rr.Code)
	}
	if got := rr.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("expected no-store, got %q", got)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if got := rr.Header().Get("Cache-Control"); got == "no-store" {
		t.Fatal("health endpoints should not be marked no-store")
	}
}

func TestNewRouterUnmountedGroupNotImplemented(t *testing.T) {
	router := NewRouter()
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/admin/orders/1/payment-status", nil))
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rr.Code)
	}
}
