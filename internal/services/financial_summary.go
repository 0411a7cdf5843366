package services

import (
	"github.com/shopspring/decimal"

	domain "github.com/shopcore/api/internal/domain"
)

// CalculateFinancialSummary prices an order: total = subtotal - discount + shipping. Tax is
// disabled for the store and always zero. The discount is clamped to [0, subtotal].
func CalculateFinancialSummary(subtotal, discount, shipping int64) domain.FinancialSummary {
	subtotal = max(subtotal, 0)
	shipping = max(shipping, 0)
	discount = clampAmount(discount, subtotal)
	return domain.FinancialSummary{
		Subtotal: subtotal,
		Discount: discount,
		Tax:      0,
		Shipping: shipping,
		Total:    subtotal - discount + shipping,
	}
}

// proportionalDiscount keeps the original discount rate when the subtotal shrinks.
func proportionalDiscount(oldSubtotal, oldDiscount, newSubtotal int64) int64 {
	if oldSubtotal <= 0 || oldDiscount <= 0 || newSubtotal <= 0 {
		return 0
	}
	rate := decimal.NewFromInt(oldDiscount).Div(decimal.NewFromInt(oldSubtotal))
	amount := decimal.NewFromInt(newSubtotal).Mul(rate).Round(0).IntPart()
	return clampAmount(amount, newSubtotal)
}

func itemsSubtotal(items []domain.OrderItem) int64 {
	var total int64
	for _, item := range items {
		total += item.LineTotal()
	}
	return total
}
