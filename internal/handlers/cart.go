package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shopcore/api/internal/platform/auth"
	"github.com/shopcore/api/internal/services"
)

// CartHandlers exposes the customer's cart stock check.
type CartHandlers struct {
	authn      *auth.Authenticator
	reconciler services.StockReconciler
}

// NewCartHandlers constructs cart handlers guarded by bearer authentication.
func NewCartHandlers(authn *auth.Authenticator, reconciler services.StockReconciler) *CartHandlers {
	return &CartHandlers{authn: authn, reconciler: reconciler}
}

// Routes registers cart endpoints under /cart.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireAuth())
	}
	group.Get("/stock-check", h.stockCheck)
}

type stockCheckResponse struct {
	Valid         bool                     `json:"valid"`
	CartIsEmpty   bool                     `json:"cartIsEmpty"`
	ItemsRemoved  []stockRemovalPayload    `json:"itemsRemoved"`
	ItemsAdjusted []stockAdjustmentPayload `json:"itemsAdjusted"`
	Cart          cartPayload              `json:"cart"`
}

type stockRemovalPayload struct {
	CartItemID  int64  `json:"cartItemId"`
	VariationID int64  `json:"variationId"`
	ProductName string `json:"productName,omitempty"`
	Reason      string `json:"reason"`
}

type stockAdjustmentPayload struct {
	CartItemID  int64  `json:"cartItemId"`
	VariationID int64  `json:"variationId"`
	ProductName string `json:"productName,omitempty"`
	Requested   int    `json:"requested"`
	Available   int    `json:"available"`
	NewQuantity int    `json:"newQuantity"`
	Message     string `json:"message"`
}

type cartPayload struct {
	ID     int64             `json:"id"`
	Status string            `json:"status"`
	Items  []cartItemPayload `json:"items"`
}

type cartItemPayload struct {
	ID          int64  `json:"id"`
	VariationID int64  `json:"variationId"`
	Count       int    `json:"count"`
	Sum         int64  `json:"sum"`
	ProductName string `json:"productName,omitempty"`
	SKU         string `json:"sku,omitempty"`
}

func (h *CartHandlers) stockCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		writeUnavailable(ctx, w, "stock reconciliation")
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity.UserID <= 0 {
		writeUnauthenticated(ctx, w)
		return
	}

	result, err := h.reconciler.ReconcileCartStock(ctx, identity.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stockCheckResponse{
		Valid:         result.Valid,
		CartIsEmpty:   result.CartIsEmpty,
		ItemsRemoved:  stockRemovalPayloads(result.ItemsRemoved),
		ItemsAdjusted: stockAdjustmentPayloads(result.ItemsAdjusted),
		Cart:          toCartPayload(result.Cart),
	})
}

func stockRemovalPayloads(removals []services.StockRemoval) []stockRemovalPayload {
	out := make([]stockRemovalPayload, 0, len(removals))
	for _, item := range removals {
		out = append(out, stockRemovalPayload(item))
	}
	return out
}

func stockAdjustmentPayloads(adjustments []services.StockAdjustment) []stockAdjustmentPayload {
	out := make([]stockAdjustmentPayload, 0, len(adjustments))
	for _, item := range adjustments {
		out = append(out, stockAdjustmentPayload(item))
	}
	return out
}

func toCartPayload(cart services.Cart) cartPayload {
	payload := cartPayload{ID: cart.ID, Status: string(cart.Status), Items: make([]cartItemPayload, 0, len(cart.Items))}
	for _, item := range cart.Items {
		line := cartItemPayload{ID: item.ID, VariationID: item.VariationID, Count: item.Count, Sum: item.Sum}
		if item.Variation != nil {
			line.SKU = item.Variation.SKU
			if item.Variation.Product != nil {
				line.ProductName = item.Variation.Product.Title
			}
		}
		payload.Items = append(payload.Items, line)
	}
	return payload
}
