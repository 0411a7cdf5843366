package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shopcore/api/internal/platform/httpx"
	"github.com/shopcore/api/internal/platform/requestctx"
	"github.com/shopcore/api/internal/platform/textutil"
	"github.com/shopcore/api/internal/services"
)

const maxCallbackBody = 16 * 1024

// PaymentHandlers receives gateway callbacks and sends the customer back to the storefront.
type PaymentHandlers struct {
	settlement services.SettlementService
}

// NewPaymentHandlers constructs callback handlers. The routes are public: gateways call them
// through the customer's browser.
func NewPaymentHandlers(settlement services.SettlementService) *PaymentHandlers {
	return &PaymentHandlers{settlement: settlement}
}

// Routes registers payment endpoints under /payments.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/callback", h.callback)
	r.Post("/callback", h.callback)
}

type callbackResponse struct {
	Outcome       string `json:"outcome"`
	OrderID       int64  `json:"orderId,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (h *PaymentHandlers) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settlement == nil {
		writeUnavailable(ctx, w, "payment settlement")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBody)
	if err := r.ParseForm(); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_callback", "callback parameters could not be parsed", http.StatusBadRequest))
		return
	}

	decision := h.settlement.HandlePaymentCallback(ctx, callbackParams(r))
	requestctx.Logger(ctx).Sugar().Infow("payment callback handled",
		"outcome", decision.Outcome,
		"orderId", decision.OrderID,
		"transactionId", decision.TransactionID,
		"error", decision.Error,
	)

	if decision.URL == "" {
		status := http.StatusOK
		if decision.Outcome != services.RedirectSuccess {
			status = http.StatusBadRequest
		}
		writeJSONResponse(w, status, callbackResponse{
			Outcome:       string(decision.Outcome),
			OrderID:       decision.OrderID,
			TransactionID: decision.TransactionID,
			Error:         decision.Error,
		})
		return
	}
	http.Redirect(w, r, decision.URL, http.StatusFound)
}

// callbackParams flattens query and form values. Body values win over the query string.
func callbackParams(r *http.Request) services.CallbackParams {
	params := textutil.FlattenValues(r.Form)
	if params == nil {
		return services.CallbackParams{}
	}
	return services.CallbackParams(params)
}
