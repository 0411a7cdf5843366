package services

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/repositories"
)

const (
	removalReasonNoStockRecord = "Product stock information not available, item removed from cart"
	removalReasonOutOfStock    = "Product is out of stock, item removed from cart"
)

// StockReconcilerDeps wires the cart reconciler.
type StockReconcilerDeps struct {
	Carts  repositories.CartRepository
	Logger EventLogger
}

type stockReconciler struct {
	carts  repositories.CartRepository
	logger EventLogger
}

// NewStockReconciler constructs a StockReconciler.
func NewStockReconciler(deps StockReconcilerDeps) (StockReconciler, error) {
	if deps.Carts == nil {
		return nil, errors.New("stock reconciler: cart repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &stockReconciler{carts: deps.Carts, logger: logger}, nil
}

// ReconcileCartStock drops lines without stock and clamps quantities to what is available.
// Running it twice without stock changes in between yields no further changes.
func (s *stockReconciler) ReconcileCartStock(ctx context.Context, userID int64) (StockReconciliation, error) {
	if userID <= 0 {
		return StockReconciliation{}, newCheckoutError(KindInvalidInput, "user id is required")
	}
	cart, err := s.carts.GetOrCreate(ctx, userID)
	if err != nil {
		return StockReconciliation{}, wrapCheckoutError(KindUnavailable, "load cart", err)
	}

	var (
		removed  []StockRemoval
		adjusted []StockAdjustment
		kept     = make([]CartItem, 0, len(cart.Items))
	)
	for _, item := range cart.Items {
		variation := item.Variation
		if variation == nil || variation.Stock == nil {
			if err := s.carts.RemoveItem(ctx, item.ID); err != nil {
				return StockReconciliation{}, wrapCheckoutError(KindUnavailable, "remove cart item", err)
			}
			removed = append(removed, StockRemoval{
				CartItemID:  item.ID,
				VariationID: item.VariationID,
				ProductName: productName(variation),
				Reason:      removalReasonNoStockRecord,
			})
			continue
		}

		available := max(0, variation.Stock.Count)
		switch {
		case available == 0:
			if err := s.carts.RemoveItem(ctx, item.ID); err != nil {
				return StockReconciliation{}, wrapCheckoutError(KindUnavailable, "remove cart item", err)
			}
			removed = append(removed, StockRemoval{
				CartItemID:  item.ID,
				VariationID: item.VariationID,
				ProductName: productName(variation),
				Reason:      removalReasonOutOfStock,
			})
		case available < item.Count:
			sum := int64(available) * variation.EffectivePrice()
			if err := s.carts.UpdateItemCount(ctx, item.ID, available, sum); err != nil {
				return StockReconciliation{}, wrapCheckoutError(KindUnavailable, "update cart item", err)
			}
			adjusted = append(adjusted, StockAdjustment{
				CartItemID:  item.ID,
				VariationID: item.VariationID,
				ProductName: productName(variation),
				Requested:   item.Count,
				Available:   available,
				NewQuantity: available,
				Message:     fmt.Sprintf("Quantity reduced from %d to %d due to limited stock", item.Count, available),
			})
			item.Count = available
			item.Sum = sum
			kept = append(kept, item)
		default:
			kept = append(kept, item)
		}
	}

	cart.Items = kept
	if len(kept) == 0 && cart.Status != domain.CartStatusEmpty {
		if err := s.carts.SetStatus(ctx, cart.ID, domain.CartStatusEmpty); err != nil {
			return StockReconciliation{}, wrapCheckoutError(KindUnavailable, "reset cart status", err)
		}
		cart.Status = domain.CartStatusEmpty
	}

	if len(removed)+len(adjusted) > 0 {
		s.logger(ctx, "cart.stock_reconciled", map[string]any{
			"userId":   userID,
			"removed":  len(removed),
			"adjusted": len(adjusted),
		})
	}

	return StockReconciliation{
		Valid:         len(removed) == 0 && len(adjusted) == 0,
		CartIsEmpty:   len(kept) == 0,
		ItemsRemoved:  removed,
		ItemsAdjusted: adjusted,
		Cart:          cart,
	}, nil
}

func productName(v *domain.ProductVariation) string {
	if v == nil || v.Product == nil {
		return ""
	}
	return v.Product.Title
}
