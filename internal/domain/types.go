package domain

import (
	"time"
)

// CartStatus enumerates the lifecycle states of a shopping cart.
type CartStatus string

const (
	// CartStatusEmpty marks a cart without items.
	CartStatusEmpty CartStatus = "Empty"
	// CartStatusPending marks a cart holding at least one item.
	CartStatusPending CartStatus = "Pending"
)

// Cart aggregates the mutable shopping cart state for a user.
type Cart struct {
	ID        int64
	UserID    int64
	Status    CartStatus
	Items     []CartItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CartItem references a product variation and caches the line sum at write time.
type CartItem struct {
	ID          int64
	CartID      int64
	VariationID int64
	Count       int
	Sum         int64
	Variation   *ProductVariation
}

// Product is the catalog parent of one or more variations.
type Product struct {
	ID         int64
	Title      string
	Weight     int
	CategoryID *int64
	Category   string
	RemovedAt  *time.Time
}

// ProductVariation is the purchasable unit carrying price and stock.
type ProductVariation struct {
	ID            int64
	ProductID     int64
	SKU           string
	Price         int64
	DiscountPrice *int64
	Attributes    map[string]string
	Product       *Product
	Stock         *ProductStock
}

// EffectivePrice returns the discount price when one is set, otherwise the list price.
func (v ProductVariation) EffectivePrice() int64 {
	if v.DiscountPrice != nil && *v.DiscountPrice > 0 {
		return *v.DiscountPrice
	}
	return v.Price
}

// ProductStock holds the authoritative available unit count for a variation.
type ProductStock struct {
	ID          int64
	VariationID int64
	Count       int
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPaying indicates the order awaits payment confirmation.
	OrderStatusPaying OrderStatus = "Paying"
	// OrderStatusStarted indicates payment was confirmed and fulfilment can begin.
	OrderStatusStarted OrderStatus = "Started"
	// OrderStatusShipment indicates the order was handed to the carrier.
	OrderStatusShipment OrderStatus = "Shipment"
	// OrderStatusDone indicates the order was delivered.
	OrderStatusDone OrderStatus = "Done"
	// OrderStatusCancelled indicates the order was cancelled before fulfilment.
	OrderStatusCancelled OrderStatus = "Cancelled"
	// OrderStatusReturned indicates the order was returned after fulfilment.
	OrderStatusReturned OrderStatus = "Returned"
)

// Order is the immutable record of a checkout attempt.
type Order struct {
	ID                int64
	UserID            int64
	Status            OrderStatus
	ShippingMethodID  int64
	ShippingCost      int64
	Description       string
	Note              string
	DeliveryAddressID *int64
	ShipmentWeight    int
	ShippingBarcode   string
	ShippingPostPrice int64
	ShippingTax       int64
	Discount          *AppliedDiscount
	Items             []OrderItem
	Contract          *Contract
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AppliedDiscount records which discount source was applied to an order.
type AppliedDiscount struct {
	Code              string
	GeneralDiscountID *int64
	Amount            int64
}

// OrderItem snapshots a cart line at purchase time.
type OrderItem struct {
	ID           int64
	OrderID      int64
	VariationID  int64
	Count        int
	PerAmount    int64
	ProductTitle string
	ProductSKU   string
	ProductID    int64
	Category     string
	Weight       int
	Attributes   map[string]string
}

// LineTotal returns count × unit price.
func (i OrderItem) LineTotal() int64 {
	return int64(i.Count) * i.PerAmount
}

// ContractStatus enumerates the states of a financial obligation.
type ContractStatus string

const (
	ContractStatusNotReady  ContractStatus = "NotReady"
	ContractStatusConfirmed ContractStatus = "Confirmed"
	ContractStatusFinished  ContractStatus = "Finished"
	ContractStatusFailed    ContractStatus = "Failed"
	ContractStatusCancelled ContractStatus = "Cancelled"
)

// ContractType distinguishes cash settlements from installment credit.
type ContractType string

const (
	ContractTypeCash   ContractType = "Cash"
	ContractTypeCredit ContractType = "Credit"
)

// Contract is the single financial obligation tied to an order.
type Contract struct {
	ID             int64
	OrderID        int64
	Amount         int64
	TaxPercent     int
	Status         ContractStatus
	Type           ContractType
	ExternalSource string
	ExternalID     string
	Transactions   []ContractTransaction
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ContractTransactionType classifies ledger rows.
type ContractTransactionType string

const (
	ContractTransactionGateway ContractTransactionType = "Gateway"
	ContractTransactionWallet  ContractTransactionType = "Wallet"
	ContractTransactionReturn  ContractTransactionType = "Return"
)

// ContractTransactionStatus tracks the settlement outcome of a ledger row.
type ContractTransactionStatus string

const (
	ContractTransactionPending ContractTransactionStatus = "Pending"
	ContractTransactionSuccess ContractTransactionStatus = "Success"
	ContractTransactionFailed  ContractTransactionStatus = "Failed"
)

// External sources recorded on contracts and ledger rows.
const (
	ExternalSourceSnappPay = "SnappPay"
	ExternalSourceSystem   = "System"
	ExternalSourceWallet   = "Wallet"
)

// ContractTransaction is an append-only ledger row against a contract. Amounts are in provider units.
type ContractTransaction struct {
	ID             int64
	ContractID     int64
	Type           ContractTransactionType
	Amount         int64
	DiscountAmount int64
	Step           int
	Status         ContractTransactionStatus
	TrackID        string
	ExternalID     string
	ExternalSource string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Wallet holds a customer's internal store credit in provider units.
type Wallet struct {
	ID                int64
	UserID            int64
	Balance           int64
	LastTransactionAt *time.Time
}

// WalletTransactionType is the direction of a wallet balance change.
type WalletTransactionType string

const (
	WalletTransactionAdd   WalletTransactionType = "Add"
	WalletTransactionMinus WalletTransactionType = "Minus"
)

// WalletTransaction records one wallet balance change.
type WalletTransaction struct {
	ID          int64
	WalletID    int64
	Amount      int64
	Type        WalletTransactionType
	Cause       string
	ReferenceID string
	CreatedAt   time.Time
}

// OrderLog is an append-only audit entry attached to an order.
type OrderLog struct {
	ID          int64
	OrderID     int64
	Action      string
	Description string
	Changes     map[string]any
	PerformedBy string
	CreatedAt   time.Time
}

// DiscountType distinguishes percentage and fixed discounts.
type DiscountType string

const (
	// DiscountTypePercent applies a percentage of the eligible subtotal.
	DiscountTypePercent DiscountType = "Discount"
	// DiscountTypeFixed applies a flat amount.
	DiscountTypeFixed DiscountType = "Fixed"
)

// Discount is a coupon code looked up explicitly during checkout.
type Discount struct {
	ID                int64
	Code              string
	Type              DiscountType
	Amount            int64
	LimitAmount       int64
	LimitUsage        int
	UsedTimes         int
	MinCartTotal      int64
	MaxCartTotal      int64
	IsActive          bool
	StartDate         *time.Time
	EndDate           *time.Time
	ProductIDs        []int64
	DeliveryMethodIDs []int64
	RemovedAt         *time.Time
}

// GeneralDiscount is a store-wide promotion applied when no coupon is given.
type GeneralDiscount struct {
	ID            int64
	Amount        int64
	IsPercentage  bool
	MaxAmount     int64
	MinimumAmount int64
	IsActive      bool
	StartDate     *time.Time
	EndDate       *time.Time
	CreatedAt     time.Time
}

// ShippingMethod describes a delivery option and its static price.
type ShippingMethod struct {
	ID             int64
	Title          string
	Price          int64
	DynamicPricing bool
}

// Address is a customer delivery address.
type Address struct {
	ID           int64
	UserID       int64
	FullName     string
	Phone        string
	PostalCode   string
	FullAddress  string
	CityCode     int
	CityName     string
	ProvinceCode string
	ProvinceName string
}

// User carries the customer attributes the core consumes.
type User struct {
	ID    int64
	Phone string
}

// CategoryMapping maps a catalog category title to an installment provider category.
type CategoryMapping struct {
	Title            string
	ProviderCategory string
}
