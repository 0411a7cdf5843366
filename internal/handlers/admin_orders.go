package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/shopcore/api/internal/platform/auth"
	"github.com/shopcore/api/internal/platform/httpx"
	"github.com/shopcore/api/internal/services"
)

const maxAdminRequestBody = 32 * 1024

// AdminOrderHandlers exposes back-office order operations.
type AdminOrderHandlers struct {
	authn       *auth.Authenticator
	adjustments services.AdjustmentService
	settlement  services.SettlementService
	labels      services.ShipmentLabelService
	categories  services.CategoryMapper
	idempotency func(http.Handler) http.Handler
}

// AdminOrderDeps bundles the services behind the admin endpoints. Nil services answer 503.
type AdminOrderDeps struct {
	Authenticator *auth.Authenticator
	Adjustments   services.AdjustmentService
	Settlement    services.SettlementService
	Labels        services.ShipmentLabelService
	Categories    services.CategoryMapper
	Idempotency   func(http.Handler) http.Handler
}

// NewAdminOrderHandlers constructs admin order handlers.
func NewAdminOrderHandlers(deps AdminOrderDeps) *AdminOrderHandlers {
	return &AdminOrderHandlers{
		authn:       deps.Authenticator,
		adjustments: deps.Adjustments,
		settlement:  deps.Settlement,
		labels:      deps.Labels,
		categories:  deps.Categories,
		idempotency: deps.Idempotency,
	}
}

// Routes registers admin endpoints under /admin.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(auth.RoleAdmin, auth.RoleOperator))
	}
	r.Route("/orders/{orderId}", func(rt chi.Router) {
		adjust := rt
		if h.idempotency != nil {
			adjust = rt.With(h.idempotency)
		}
		adjust.Post("/adjust-items", h.adjustItems)
		adjust.Post("/cancel", h.cancel)
		rt.Post("/settle", h.settle)
		rt.Get("/payment-status", h.paymentStatus)
		rt.Post("/shipping-label", h.shippingLabel)
	})
	r.Post("/category-mappings:invalidate", h.invalidateCategories)
}

type itemChangeRequest struct {
	OrderItemID int64 `json:"orderItemId"`
	NewCount    *int  `json:"newCount"`
	Remove      bool  `json:"remove"`
}

type adjustItemsRequest struct {
	Changes []itemChangeRequest `json:"changes"`
	Reason  string              `json:"reason"`
	DryRun  bool                `json:"dryRun"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type adjustedLinePayload struct {
	OrderItemID  int64  `json:"orderItemId"`
	VariationID  int64  `json:"variationId"`
	ProductTitle string `json:"productTitle,omitempty"`
	OldCount     int    `json:"oldCount"`
	NewCount     int    `json:"newCount"`
	RestockDelta int    `json:"restockDelta"`
	PerAmount    int64  `json:"perAmount"`
}

type adjustmentPreviewPayload struct {
	Changes      []adjustedLinePayload   `json:"changes"`
	OldTotal     int64                   `json:"oldTotal"`
	NewTotals    financialSummaryPayload `json:"newTotals"`
	NewShipping  int64                   `json:"newShipping"`
	NewWeight    int                     `json:"newWeight"`
	RefundAmount int64                   `json:"refundAmount"`
	AllRemoved   bool                    `json:"allRemoved"`
}

type adjustmentResponse struct {
	Success      bool                     `json:"success"`
	DryRun       bool                     `json:"dryRun"`
	RefundAmount int64                    `json:"refundAmount"`
	Status       string                   `json:"status,omitempty"`
	PaymentToken string                   `json:"paymentToken,omitempty"`
	Preview      adjustmentPreviewPayload `json:"preview"`
}

type settleResponse struct {
	OrderID        int64  `json:"orderId"`
	Settled        bool   `json:"settled"`
	AlreadySettled bool   `json:"alreadySettled"`
	TransactionID  string `json:"transactionId,omitempty"`
}

type installmentStatusResponse struct {
	OrderID       int64  `json:"orderId"`
	PaymentToken  string `json:"paymentToken"`
	TransactionID string `json:"transactionId,omitempty"`
	Status        string `json:"status"`
	LocalStatus   string `json:"localStatus"`
}

type shipmentLabelResponse struct {
	OrderID   int64  `json:"orderId"`
	Barcode   string `json:"barcode"`
	PostPrice int64  `json:"postPrice"`
	Tax       int64  `json:"tax"`
	Existing  bool   `json:"existing"`
}

func (h *AdminOrderHandlers) adjustItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.adjustments == nil {
		writeUnavailable(ctx, w, "order adjustment")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req adjustItemsRequest
	if err := httpx.DecodeJSON(r, maxAdminRequestBody, &req, false); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}

	identity, _ := auth.IdentityFromContext(ctx)
	changes := make([]services.ItemChange, 0, len(req.Changes))
	for _, change := range req.Changes {
		changes = append(changes, services.ItemChange(change))
	}
	result, err := h.adjustments.AdjustOrderItems(ctx, services.AdjustOrderItemsCommand{
		OrderID:     orderID,
		Changes:     changes,
		Reason:      strings.TrimSpace(req.Reason),
		DryRun:      req.DryRun,
		PerformedBy: actor(identity),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toAdjustmentResponse(result))
}

func (h *AdminOrderHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.adjustments == nil {
		writeUnavailable(ctx, w, "order adjustment")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req cancelOrderRequest
	if err := httpx.DecodeJSON(r, maxAdminRequestBody, &req, true); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}

	identity, _ := auth.IdentityFromContext(ctx)
	result, err := h.adjustments.CancelOrder(ctx, services.CancelOrderCommand{
		OrderID:     orderID,
		Reason:      strings.TrimSpace(req.Reason),
		PerformedBy: actor(identity),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toAdjustmentResponse(result))
}

func (h *AdminOrderHandlers) settle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settlement == nil {
		writeUnavailable(ctx, w, "payment settlement")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	result, err := h.settlement.SettleDeferred(ctx, orderID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, settleResponse(result))
}

func (h *AdminOrderHandlers) paymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settlement == nil {
		writeUnavailable(ctx, w, "payment settlement")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	status, err := h.settlement.InstallmentStatus(ctx, orderID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, installmentStatusResponse(status))
}

func (h *AdminOrderHandlers) shippingLabel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.labels == nil {
		writeUnavailable(ctx, w, "shipment labels")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	label, err := h.labels.IssueLabel(ctx, orderID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if label.Existing {
		status = http.StatusOK
	}
	writeJSONResponse(w, status, shipmentLabelResponse(label))
}

func (h *AdminOrderHandlers) invalidateCategories(w http.ResponseWriter, r *http.Request) {
	if h.categories == nil {
		writeUnavailable(r.Context(), w, "category mapping")
		return
	}
	h.categories.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "orderId"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_order_id", "order id must be a positive integer", http.StatusBadRequest))
		return 0, false
	}
	return id, true
}

func toAdjustmentResponse(result services.AdjustmentResult) adjustmentResponse {
	preview := adjustmentPreviewPayload{
		Changes:      make([]adjustedLinePayload, 0, len(result.Preview.Changes)),
		OldTotal:     result.Preview.OldTotal,
		NewTotals:    financialSummaryPayload(result.Preview.NewTotals),
		NewShipping:  result.Preview.NewShipping,
		NewWeight:    result.Preview.NewWeight,
		RefundAmount: result.Preview.RefundAmount,
		AllRemoved:   result.Preview.AllRemoved,
	}
	for _, line := range result.Preview.Changes {
		preview.Changes = append(preview.Changes, adjustedLinePayload(line))
	}
	return adjustmentResponse{
		Success:      result.Success,
		DryRun:       result.DryRun,
		RefundAmount: result.RefundAmount,
		Status:       result.Status,
		PaymentToken: result.PaymentToken,
		Preview:      preview,
	}
}
