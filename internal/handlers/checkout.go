package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shopcore/api/internal/platform/auth"
	"github.com/shopcore/api/internal/platform/httpx"
	"github.com/shopcore/api/internal/services"
)

const (
	maxCheckoutRequestBody = 8 * 1024
	finalizeRateLimit      = 10
	finalizeRateWindow     = time.Minute
)

// CheckoutHandlers turns the authenticated user's cart into an order and opens its payment.
type CheckoutHandlers struct {
	authn       *auth.Authenticator
	checkout    services.CheckoutService
	idempotency func(http.Handler) http.Handler
	limiter     userRateLimiter
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutIdempotency guards finalize with the idempotency middleware. It runs after
// authentication so keys are scoped per user.
func WithCheckoutIdempotency(mw func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) { h.idempotency = mw }
}

// WithCheckoutRateLimit caps finalize attempts per user per window.
func WithCheckoutRateLimit(limit int, window time.Duration, clock func() time.Time) CheckoutOption {
	return func(h *CheckoutHandlers) { h.limiter = newFixedWindowLimiter(limit, window, clock) }
}

// NewCheckoutHandlers constructs checkout handlers guarded by bearer authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
		limiter:  newFixedWindowLimiter(finalizeRateLimit, finalizeRateWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under /cart.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireAuth())
	}
	if h.idempotency != nil {
		group = group.With(h.idempotency)
	}
	group.Post("/finalize", h.finalize)
}

type finalizeRequest struct {
	ShippingMethodID *int64 `json:"shippingMethodId"`
	ShippingCost     *int64 `json:"shippingCost"`
	AddressID        *int64 `json:"addressId"`
	DiscountCode     string `json:"discountCode"`
	Description      string `json:"description"`
	Note             string `json:"note"`
	Gateway          string `json:"gateway"`
	Mobile           string `json:"mobile"`
}

type finalizeResponse struct {
	Success          bool                    `json:"success"`
	OrderID          int64                   `json:"orderId"`
	OrderStatus      string                  `json:"orderStatus"`
	ContractID       int64                   `json:"contractId"`
	FinancialSummary financialSummaryPayload `json:"financialSummary"`
	Payment          paymentPayload          `json:"payment"`
}

type financialSummaryPayload struct {
	Subtotal int64 `json:"subtotal"`
	Discount int64 `json:"discount"`
	Tax      int64 `json:"tax"`
	Shipping int64 `json:"shipping"`
	Total    int64 `json:"total"`
}

type paymentPayload struct {
	Gateway       string `json:"gateway"`
	Kind          string `json:"kind"`
	RedirectURL   string `json:"redirectUrl,omitempty"`
	RefID         string `json:"refId,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	Message       string `json:"message,omitempty"`
}

func (h *CheckoutHandlers) finalize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		writeUnavailable(ctx, w, "checkout")
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity.UserID <= 0 {
		writeUnauthenticated(ctx, w)
		return
	}
	if h.limiter != nil {
		if allowed, wait := h.limiter.Allow(identity.UserID); !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout attempts; retry shortly", http.StatusTooManyRequests))
			return
		}
	}

	var req finalizeRequest
	if err := httpx.DecodeJSON(r, maxCheckoutRequestBody, &req, false); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	mobile := strings.TrimSpace(req.Mobile)
	if mobile == "" {
		mobile = identity.Phone
	}

	result, err := h.checkout.Checkout(ctx, services.CheckoutCommand{
		UserID: identity.UserID,
		Shipping: services.ShippingData{
			ShippingMethodID: req.ShippingMethodID,
			ShippingCost:     req.ShippingCost,
			AddressID:        req.AddressID,
			DiscountCode:     strings.TrimSpace(req.DiscountCode),
			Description:      req.Description,
			Note:             req.Note,
		},
		Gateway: strings.ToLower(strings.TrimSpace(req.Gateway)),
		Mobile:  mobile,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, finalizeResponse{
		Success:          true,
		OrderID:          result.Order.ID,
		OrderStatus:      string(result.Order.Status),
		ContractID:       result.Contract.ID,
		FinancialSummary: financialSummaryPayload(result.FinancialSummary),
		Payment: paymentPayload{
			Gateway:       result.Payment.Gateway,
			Kind:          string(result.Payment.Kind),
			RedirectURL:   result.Payment.RedirectURL,
			RefID:         result.Payment.RefID,
			RequestID:     result.Payment.RequestID,
			TransactionID: result.Payment.TransactionID,
			Message:       result.Payment.Message,
		},
	})
}
