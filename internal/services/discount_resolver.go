package services

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/repositories"
)

var hundred = decimal.NewFromInt(100)

// discountLine is the slice of an order line the resolver needs.
type discountLine struct {
	ProductID int64
	LineTotal int64
}

type discountInput struct {
	Code             string
	Subtotal         int64
	Lines            []discountLine
	ShippingMethodID *int64
}

type discountResolver struct {
	discounts repositories.DiscountRepository
	now       func() time.Time
}

func newDiscountResolver(repo repositories.DiscountRepository, now func() time.Time) *discountResolver {
	return &discountResolver{discounts: repo, now: now}
}

// Resolve picks at most one discount: the coupon when a code is given, otherwise the newest
// matching store-wide discount. A rejected coupon is an error and never falls back.
func (r *discountResolver) Resolve(ctx context.Context, in discountInput) (DiscountResolution, error) {
	code := strings.TrimSpace(in.Code)
	if code != "" {
		return r.resolveCoupon(ctx, code, in)
	}
	return r.resolveGeneral(ctx, in)
}

func (r *discountResolver) resolveCoupon(ctx context.Context, code string, in discountInput) (DiscountResolution, error) {
	now := r.now()
	coupon, err := r.discounts.FindActiveByCode(ctx, code, now)
	if err != nil {
		if isRepoNotFound(err) {
			return DiscountResolution{}, newCheckoutError(KindCouponInvalid, code)
		}
		return DiscountResolution{}, wrapCheckoutError(KindUnavailable, "load coupon", err)
	}
	if !couponUsable(coupon, now) {
		return DiscountResolution{}, newCheckoutError(KindCouponInvalid, code)
	}
	if coupon.LimitUsage > 0 && coupon.UsedTimes >= coupon.LimitUsage {
		return DiscountResolution{}, newCheckoutError(KindCouponUsageLimitReached, code)
	}

	eligible := in.Subtotal
	if len(coupon.ProductIDs) > 0 {
		eligible = 0
		for _, line := range in.Lines {
			if slices.Contains(coupon.ProductIDs, line.ProductID) {
				eligible += line.LineTotal
			}
		}
		if eligible <= 0 {
			return DiscountResolution{}, newCheckoutError(KindNoEligibleItems, code)
		}
	}

	if coupon.MinCartTotal > 0 && in.Subtotal < coupon.MinCartTotal {
		return DiscountResolution{}, newCheckoutError(KindBelowMinCartTotal, code).
			with("minCartTotal", coupon.MinCartTotal)
	}
	if coupon.MaxCartTotal > 0 && in.Subtotal > coupon.MaxCartTotal {
		return DiscountResolution{}, newCheckoutError(KindAboveMaxCartTotal, code).
			with("maxCartTotal", coupon.MaxCartTotal)
	}

	if len(coupon.DeliveryMethodIDs) > 0 {
		if in.ShippingMethodID == nil || *in.ShippingMethodID <= 0 {
			return DiscountResolution{}, newCheckoutError(KindShippingRequiredCoupon, code)
		}
		if !slices.Contains(coupon.DeliveryMethodIDs, *in.ShippingMethodID) {
			return DiscountResolution{}, newCheckoutError(KindInvalidDeliveryMethod, code)
		}
	}

	var amount int64
	switch coupon.Type {
	case domain.DiscountTypePercent:
		amount = percentOf(eligible, coupon.Amount, coupon.LimitAmount)
	default:
		amount = coupon.Amount
	}

	return DiscountResolution{
		Source:           domain.DiscountSourceCoupon,
		Code:             coupon.Code,
		Amount:           clampAmount(amount, eligible),
		EligibleSubtotal: eligible,
	}, nil
}

func (r *discountResolver) resolveGeneral(ctx context.Context, in discountInput) (DiscountResolution, error) {
	now := r.now()
	list, err := r.discounts.ListActiveGeneral(ctx, now)
	if err != nil {
		if isRepoNotFound(err) {
			return DiscountResolution{Source: domain.DiscountSourceNone, EligibleSubtotal: in.Subtotal}, nil
		}
		return DiscountResolution{}, wrapCheckoutError(KindUnavailable, "load general discounts", err)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })

	for _, d := range list {
		if !d.IsActive || !withinWindow(d.StartDate, d.EndDate, now) {
			continue
		}
		if d.MinimumAmount > in.Subtotal {
			continue
		}
		amount := d.Amount
		if d.IsPercentage {
			amount = percentOf(in.Subtotal, d.Amount, d.MaxAmount)
		}
		id := d.ID
		return DiscountResolution{
			Source:            domain.DiscountSourceGeneral,
			GeneralDiscountID: &id,
			Amount:            clampAmount(amount, in.Subtotal),
			EligibleSubtotal:  in.Subtotal,
		}, nil
	}
	return DiscountResolution{Source: domain.DiscountSourceNone, EligibleSubtotal: in.Subtotal}, nil
}

func couponUsable(d domain.Discount, now time.Time) bool {
	return d.IsActive && d.RemovedAt == nil && withinWindow(d.StartDate, d.EndDate, now)
}

func withinWindow(start, end *time.Time, now time.Time) bool {
	if start != nil && now.Before(*start) {
		return false
	}
	if end != nil && now.After(*end) {
		return false
	}
	return true
}

// percentOf returns base × percent / 100 rounded half up, capped at limit when limit > 0.
func percentOf(base, percent, limit int64) int64 {
	amount := decimal.NewFromInt(base).Mul(decimal.NewFromInt(percent)).Div(hundred).Round(0).IntPart()
	if limit > 0 && amount > limit {
		return limit
	}
	return amount
}

func clampAmount(amount, ceiling int64) int64 {
	return min(max(amount, 0), max(ceiling, 0))
}

// errDiscountUsageExhausted is logged when the usage limit was consumed between checkout and settlement.
var errDiscountUsageExhausted = errors.New("discount usage limit reached at settlement")
