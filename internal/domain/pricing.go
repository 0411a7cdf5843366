package domain

// FinancialSummary captures the monetary results of pricing an order in display units.
type FinancialSummary struct {
	Subtotal int64
	Discount int64
	Tax      int64
	Shipping int64
	Total    int64
}

// DiscountSource identifies which discount path produced an amount.
type DiscountSource string

const (
	DiscountSourceNone    DiscountSource = ""
	DiscountSourceCoupon  DiscountSource = "coupon"
	DiscountSourceGeneral DiscountSource = "general"
)

// DiscountResolution is the single discount applied to an order.
type DiscountResolution struct {
	Source            DiscountSource
	Code              string
	GeneralDiscountID *int64
	Amount            int64
	EligibleSubtotal  int64
}
