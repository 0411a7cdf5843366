package postgres

import (
	"time"

	domain "github.com/shopcore/api/internal/domain"
)

type cartModel struct {
	ID        int64 `gorm:"primaryKey"`
	UserID    int64 `gorm:"uniqueIndex;not null"`
	Status    string
	Items     []cartItemModel `gorm:"foreignKey:CartID"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (cartModel) TableName() string { return "carts" }

type cartItemModel struct {
	ID          int64 `gorm:"primaryKey"`
	CartID      int64 `gorm:"index;not null"`
	VariationID int64 `gorm:"not null"`
	Count       int
	Sum         int64
	Variation   *variationModel `gorm:"foreignKey:VariationID"`
}

func (cartItemModel) TableName() string { return "cart_items" }

type categoryModel struct {
	ID    int64 `gorm:"primaryKey"`
	Title string
}

func (categoryModel) TableName() string { return "categories" }

type productModel struct {
	ID         int64 `gorm:"primaryKey"`
	Title      string
	Weight     int
	CategoryID *int64
	Category   *categoryModel `gorm:"foreignKey:CategoryID"`
	RemovedAt  *time.Time
}

func (productModel) TableName() string { return "products" }

type variationModel struct {
	ID            int64 `gorm:"primaryKey"`
	ProductID     int64 `gorm:"index;not null"`
	SKU           string
	Price         int64
	DiscountPrice *int64
	Attributes    map[string]string `gorm:"serializer:json"`
	Product       *productModel     `gorm:"foreignKey:ProductID"`
	Stock         *stockModel       `gorm:"foreignKey:VariationID"`
}

func (variationModel) TableName() string { return "product_variations" }

type stockModel struct {
	ID          int64 `gorm:"primaryKey"`
	VariationID int64 `gorm:"uniqueIndex;not null"`
	Count       int   `gorm:"check:count >= 0"`
}

func (stockModel) TableName() string { return "product_stocks" }

type orderModel struct {
	ID                int64 `gorm:"primaryKey"`
	UserID            int64 `gorm:"index;not null"`
	Status            string
	ShippingMethodID  int64
	ShippingCost      int64
	Description       string
	Note              string
	DeliveryAddressID *int64
	ShipmentWeight    int
	ShippingBarcode   string
	ShippingPostPrice int64
	ShippingTax       int64
	DiscountCode      string
	GeneralDiscountID *int64
	DiscountAmount    int64
	Items             []orderItemModel `gorm:"foreignKey:OrderID"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (orderModel) TableName() string { return "orders" }

type orderItemModel struct {
	ID           int64 `gorm:"primaryKey"`
	OrderID      int64 `gorm:"index;not null"`
	VariationID  int64
	Count        int
	PerAmount    int64
	ProductTitle string
	ProductSKU   string
	ProductID    int64
	Category     string
	Weight       int
	Attributes   map[string]string `gorm:"serializer:json"`
}

func (orderItemModel) TableName() string { return "order_items" }

type contractModel struct {
	ID             int64 `gorm:"primaryKey"`
	OrderID        int64 `gorm:"uniqueIndex;not null"`
	Amount         int64
	TaxPercent     int
	Status         string
	Type           string
	ExternalSource string
	ExternalID     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (contractModel) TableName() string { return "contracts" }

type contractTransactionModel struct {
	ID             int64 `gorm:"primaryKey"`
	ContractID     int64 `gorm:"index;not null"`
	Type           string
	Amount         int64
	DiscountAmount int64
	Step           int
	Status         string
	TrackID        string `gorm:"index"`
	ExternalID     string `gorm:"index"`
	ExternalSource string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (contractTransactionModel) TableName() string { return "contract_transactions" }

type walletModel struct {
	ID                int64 `gorm:"primaryKey"`
	UserID            int64 `gorm:"uniqueIndex;not null"`
	Balance           int64 `gorm:"check:balance >= 0"`
	LastTransactionAt *time.Time
}

func (walletModel) TableName() string { return "wallets" }

type walletTransactionModel struct {
	ID          int64 `gorm:"primaryKey"`
	WalletID    int64 `gorm:"index;not null"`
	Amount      int64
	Type        string
	Cause       string
	ReferenceID string
	CreatedAt   time.Time
}

func (walletTransactionModel) TableName() string { return "wallet_transactions" }

type orderLogModel struct {
	ID          int64 `gorm:"primaryKey"`
	OrderID     int64 `gorm:"index;not null"`
	Action      string
	Description string
	Changes     map[string]any `gorm:"serializer:json"`
	PerformedBy string
	CreatedAt   time.Time
}

func (orderLogModel) TableName() string { return "order_logs" }

type discountModel struct {
	ID                int64  `gorm:"primaryKey"`
	Code              string `gorm:"index"`
	Type              string
	Amount            int64
	LimitAmount       int64
	LimitUsage        int
	UsedTimes         int
	MinCartTotal      int64
	MaxCartTotal      int64
	IsActive          bool
	StartDate         *time.Time
	EndDate           *time.Time
	ProductIDs        []int64 `gorm:"serializer:json"`
	DeliveryMethodIDs []int64 `gorm:"serializer:json"`
	RemovedAt         *time.Time
}

func (discountModel) TableName() string { return "discounts" }

type generalDiscountModel struct {
	ID            int64 `gorm:"primaryKey"`
	Amount        int64
	IsPercentage  bool
	MaxAmount     int64
	MinimumAmount int64
	IsActive      bool
	StartDate     *time.Time
	EndDate       *time.Time
	CreatedAt     time.Time
}

func (generalDiscountModel) TableName() string { return "general_discounts" }

type shippingMethodModel struct {
	ID             int64 `gorm:"primaryKey"`
	Title          string
	Price          int64
	DynamicPricing bool
}

func (shippingMethodModel) TableName() string { return "shipping_methods" }

type addressModel struct {
	ID           int64 `gorm:"primaryKey"`
	UserID       int64 `gorm:"index"`
	FullName     string
	Phone        string
	PostalCode   string
	FullAddress  string
	CityCode     int
	CityName     string
	ProvinceCode string
	ProvinceName string
}

func (addressModel) TableName() string { return "addresses" }

type userModel struct {
	ID    int64 `gorm:"primaryKey"`
	Phone string
}

func (userModel) TableName() string { return "users" }

type categoryMappingModel struct {
	ID               int64  `gorm:"primaryKey"`
	Title            string `gorm:"uniqueIndex"`
	ProviderCategory string
}

func (categoryMappingModel) TableName() string { return "category_mappings" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&categoryModel{}, &productModel{}, &variationModel{}, &stockModel{},
		&cartModel{}, &cartItemModel{},
		&orderModel{}, &orderItemModel{},
		&contractModel{}, &contractTransactionModel{},
		&walletModel{}, &walletTransactionModel{},
		&orderLogModel{}, &discountModel{}, &generalDiscountModel{},
		&shippingMethodModel{}, &addressModel{}, &userModel{}, &categoryMappingModel{},
	}
}

func (m variationModel) toDomain() domain.ProductVariation {
	v := domain.ProductVariation{
		ID:            m.ID,
		ProductID:     m.ProductID,
		SKU:           m.SKU,
		Price:         m.Price,
		DiscountPrice: m.DiscountPrice,
		Attributes:    cloneStrings(m.Attributes),
	}
	if m.Product != nil {
		p := domain.Product{
			ID:         m.Product.ID,
			Title:      m.Product.Title,
			Weight:     m.Product.Weight,
			CategoryID: m.Product.CategoryID,
			RemovedAt:  m.Product.RemovedAt,
		}
		if m.Product.Category != nil {
			p.Category = m.Product.Category.Title
		}
		v.Product = &p
	}
	if m.Stock != nil {
		v.Stock = &domain.ProductStock{ID: m.Stock.ID, VariationID: m.Stock.VariationID, Count: m.Stock.Count}
	}
	return v
}

func (m orderModel) toDomain() domain.Order {
	order := domain.Order{
		ID:                m.ID,
		UserID:            m.UserID,
		Status:            domain.OrderStatus(m.Status),
		ShippingMethodID:  m.ShippingMethodID,
		ShippingCost:      m.ShippingCost,
		Description:       m.Description,
		Note:              m.Note,
		DeliveryAddressID: m.DeliveryAddressID,
		ShipmentWeight:    m.ShipmentWeight,
		ShippingBarcode:   m.ShippingBarcode,
		ShippingPostPrice: m.ShippingPostPrice,
		ShippingTax:       m.ShippingTax,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
	if m.DiscountCode != "" || m.GeneralDiscountID != nil || m.DiscountAmount != 0 {
		order.Discount = &domain.AppliedDiscount{
			Code:              m.DiscountCode,
			GeneralDiscountID: m.GeneralDiscountID,
			Amount:            m.DiscountAmount,
		}
	}
	for _, item := range m.Items {
		order.Items = append(order.Items, item.toDomain())
	}
	return order
}

func orderFromDomain(o domain.Order) orderModel {
	m := orderModel{
		ID:                o.ID,
		UserID:            o.UserID,
		Status:            string(o.Status),
		ShippingMethodID:  o.ShippingMethodID,
		ShippingCost:      o.ShippingCost,
		Description:       o.Description,
		Note:              o.Note,
		DeliveryAddressID: o.DeliveryAddressID,
		ShipmentWeight:    o.ShipmentWeight,
		ShippingBarcode:   o.ShippingBarcode,
		ShippingPostPrice: o.ShippingPostPrice,
		ShippingTax:       o.ShippingTax,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
	if o.Discount != nil {
		m.DiscountCode = o.Discount.Code
		m.GeneralDiscountID = o.Discount.GeneralDiscountID
		m.DiscountAmount = o.Discount.Amount
	}
	return m
}

func (m orderItemModel) toDomain() domain.OrderItem {
	return domain.OrderItem{
		ID:           m.ID,
		OrderID:      m.OrderID,
		VariationID:  m.VariationID,
		Count:        m.Count,
		PerAmount:    m.PerAmount,
		ProductTitle: m.ProductTitle,
		ProductSKU:   m.ProductSKU,
		ProductID:    m.ProductID,
		Category:     m.Category,
		Weight:       m.Weight,
		Attributes:   cloneStrings(m.Attributes),
	}
}

func (m contractModel) toDomain() domain.Contract {
	return domain.Contract{
		ID:             m.ID,
		OrderID:        m.OrderID,
		Amount:         m.Amount,
		TaxPercent:     m.TaxPercent,
		Status:         domain.ContractStatus(m.Status),
		Type:           domain.ContractType(m.Type),
		ExternalSource: m.ExternalSource,
		ExternalID:     m.ExternalID,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func (m contractTransactionModel) toDomain() domain.ContractTransaction {
	return domain.ContractTransaction{
		ID:             m.ID,
		ContractID:     m.ContractID,
		Type:           domain.ContractTransactionType(m.Type),
		Amount:         m.Amount,
		DiscountAmount: m.DiscountAmount,
		Step:           m.Step,
		Status:         domain.ContractTransactionStatus(m.Status),
		TrackID:        m.TrackID,
		ExternalID:     m.ExternalID,
		ExternalSource: m.ExternalSource,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func (m walletModel) toDomain() domain.Wallet {
	return domain.Wallet{ID: m.ID, UserID: m.UserID, Balance: m.Balance, LastTransactionAt: m.LastTransactionAt}
}

func (m discountModel) toDomain() domain.Discount {
	return domain.Discount{
		ID:                m.ID,
		Code:              m.Code,
		Type:              domain.DiscountType(m.Type),
		Amount:            m.Amount,
		LimitAmount:       m.LimitAmount,
		LimitUsage:        m.LimitUsage,
		UsedTimes:         m.UsedTimes,
		MinCartTotal:      m.MinCartTotal,
		MaxCartTotal:      m.MaxCartTotal,
		IsActive:          m.IsActive,
		StartDate:         m.StartDate,
		EndDate:           m.EndDate,
		ProductIDs:        append([]int64(nil), m.ProductIDs...),
		DeliveryMethodIDs: append([]int64(nil), m.DeliveryMethodIDs...),
		RemovedAt:         m.RemovedAt,
	}
}

func (m generalDiscountModel) toDomain() domain.GeneralDiscount {
	return domain.GeneralDiscount{
		ID:            m.ID,
		Amount:        m.Amount,
		IsPercentage:  m.IsPercentage,
		MaxAmount:     m.MaxAmount,
		MinimumAmount: m.MinimumAmount,
		IsActive:      m.IsActive,
		StartDate:     m.StartDate,
		EndDate:       m.EndDate,
		CreatedAt:     m.CreatedAt,
	}
}

func cloneStrings(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
