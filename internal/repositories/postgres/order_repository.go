package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/platform/database"
)

// OrderRepository persists order headers and their item snapshots.
type OrderRepository struct {
	db *gorm.DB
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	m := orderFromDomain(order)
	m.ID = 0
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = m.CreatedAt
	if err := database.Conn(ctx, r.db).Omit("Items").Create(&m).Error; err != nil {
		return domain.Order{}, database.WrapError("orders.insert", err)
	}
	saved := m.toDomain()
	saved.Items = nil
	return saved, nil
}

func (r *OrderRepository) InsertItem(ctx context.Context, item domain.OrderItem) (domain.OrderItem, error) {
	m := orderItemModel{
		OrderID:      item.OrderID,
		VariationID:  item.VariationID,
		Count:        item.Count,
		PerAmount:    item.PerAmount,
		ProductTitle: item.ProductTitle,
		ProductSKU:   item.ProductSKU,
		ProductID:    item.ProductID,
		Category:     item.Category,
		Weight:       item.Weight,
		Attributes:   cloneStrings(item.Attributes),
	}
	if err := database.Conn(ctx, r.db).Create(&m).Error; err != nil {
		return domain.OrderItem{}, database.WrapError("order_items.insert", err)
	}
	return m.toDomain(), nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID int64) (domain.Order, error) {
	var m orderModel
	err := database.Conn(ctx, r.db).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("order_items.id ASC") }).
		First(&m, orderID).Error
	if err != nil {
		return domain.Order{}, database.WrapError("orders.get", err)
	}
	return m.toDomain(), nil
}

func (r *OrderRepository) FindByIDForUpdate(ctx context.Context, orderID int64) (domain.Order, error) {
	var m orderModel
	err := database.Conn(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("order_items.id ASC") }).
		First(&m, orderID).Error
	if err != nil {
		return domain.Order{}, database.WrapError("orders.get_for_update", err)
	}
	return m.toDomain(), nil
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	m := orderFromDomain(order)
	res := database.Conn(ctx, r.db).Model(&orderModel{}).Where("id = ?", order.ID).Updates(map[string]any{
		"status":              m.Status,
		"shipping_method_id":  m.ShippingMethodID,
		"shipping_cost":       m.ShippingCost,
		"description":         m.Description,
		"note":                m.Note,
		"delivery_address_id": m.DeliveryAddressID,
		"shipment_weight":     m.ShipmentWeight,
		"shipping_barcode":    m.ShippingBarcode,
		"shipping_post_price": m.ShippingPostPrice,
		"shipping_tax":        m.ShippingTax,
		"discount_code":       m.DiscountCode,
		"general_discount_id": m.GeneralDiscountID,
		"discount_amount":     m.DiscountAmount,
		"updated_at":          time.Now().UTC(),
	})
	if res.Error != nil {
		return database.WrapError("orders.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NotFound("orders.update", "order")
	}
	return nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID int64, status domain.OrderStatus) error {
	res := database.Conn(ctx, r.db).Model(&orderModel{}).Where("id = ?", orderID).
		Updates(map[string]any{"status": string(status), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return database.WrapError("orders.status", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NotFound("orders.status", "order")
	}
	return nil
}

func (r *OrderRepository) TransitionStatus(ctx context.Context, orderID int64, from, to domain.OrderStatus) (bool, error) {
	res := database.Conn(ctx, r.db).Model(&orderModel{}).
		Where("id = ? AND status = ?", orderID, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, database.WrapError("orders.transition", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *OrderRepository) UpdateItemCount(ctx context.Context, itemID int64, count int) error {
	res := database.Conn(ctx, r.db).Model(&orderItemModel{}).Where("id = ?", itemID).Update("count", count)
	if res.Error != nil {
		return database.WrapError("order_items.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NotFound("order_items.update", "order item")
	}
	return nil
}

func (r *OrderRepository) DeleteItem(ctx context.Context, itemID int64) error {
	return database.WrapError("order_items.delete", database.Conn(ctx, r.db).Delete(&orderItemModel{}, itemID).Error)
}

func (r *OrderRepository) ListAwaitingSettlement(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 50
	}
	var ids []int64
	err := database.Conn(ctx, r.db).
		Model(&orderModel{}).
		Distinct().
		Joins("JOIN contracts ON contracts.order_id = orders.id").
		Joins("JOIN contract_transactions ct ON ct.contract_id = contracts.id").
		Where("orders.status = ?", string(domain.OrderStatusStarted)).
		Where("ct.external_source = ? AND ct.status = ? AND ct.created_at < ?",
			domain.ExternalSourceSnappPay, string(domain.ContractTransactionPending), cutoff).
		Order("orders.id ASC").
		Limit(limit).
		Pluck("orders.id", &ids).Error
	if err != nil {
		return nil, database.WrapError("orders.awaiting_settlement", err)
	}
	return ids, nil
}
