package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/platform/database"
)

// CartRepository persists carts and cart items.
type CartRepository struct {
	db *gorm.DB
}

func (r *CartRepository) GetOrCreate(ctx context.Context, userID int64) (domain.Cart, error) {
	conn := database.Conn(ctx, r.db)

	var cart cartModel
	err := conn.
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("cart_items.id ASC") }).
		Preload("Items.Variation.Product.Category").
		Preload("Items.Variation.Stock").
		Where("user_id = ?", userID).
		First(&cart).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		now := time.Now().UTC()
		cart = cartModel{UserID: userID, Status: string(domain.CartStatusEmpty), CreatedAt: now, UpdatedAt: now}
		if err := conn.Create(&cart).Error; err != nil {
			return domain.Cart{}, database.WrapError("carts.create", err)
		}
		return domain.Cart{ID: cart.ID, UserID: userID, Status: domain.CartStatusEmpty, CreatedAt: now, UpdatedAt: now}, nil
	}
	if err != nil {
		return domain.Cart{}, database.WrapError("carts.get", err)
	}

	result := domain.Cart{
		ID:        cart.ID,
		UserID:    cart.UserID,
		Status:    domain.CartStatus(cart.Status),
		CreatedAt: cart.CreatedAt,
		UpdatedAt: cart.UpdatedAt,
	}
	var orphaned []int64
	for _, item := range cart.Items {
		if item.Variation == nil || item.Variation.Product == nil || item.Variation.Product.RemovedAt != nil {
			orphaned = append(orphaned, item.ID)
			continue
		}
		variation := item.Variation.toDomain()
		result.Items = append(result.Items, domain.CartItem{
			ID:          item.ID,
			CartID:      item.CartID,
			VariationID: item.VariationID,
			Count:       item.Count,
			Sum:         item.Sum,
			Variation:   &variation,
		})
	}
	if len(orphaned) > 0 {
		if err := conn.Where("id IN ?", orphaned).Delete(&cartItemModel{}).Error; err != nil {
			return domain.Cart{}, database.WrapError("carts.prune", err)
		}
	}
	return result, nil
}

func (r *CartRepository) UpdateItemCount(ctx context.Context, itemID int64, count int, sum int64) error {
	res := database.Conn(ctx, r.db).Model(&cartItemModel{}).Where("id = ?", itemID).
		Updates(map[string]any{"count": count, "sum": sum})
	if res.Error != nil {
		return database.WrapError("cart_items.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NotFound("cart_items.update", "cart item")
	}
	return nil
}

func (r *CartRepository) RemoveItem(ctx context.Context, itemID int64) error {
	return database.WrapError("cart_items.delete", database.Conn(ctx, r.db).Delete(&cartItemModel{}, itemID).Error)
}

func (r *CartRepository) SetStatus(ctx context.Context, cartID int64, status domain.CartStatus) error {
	err := database.Conn(ctx, r.db).Model(&cartModel{}).Where("id = ?", cartID).
		Updates(map[string]any{"status": string(status), "updated_at": time.Now().UTC()}).Error
	return database.WrapError("carts.status", err)
}

func (r *CartRepository) Clear(ctx context.Context, userID int64) error {
	conn := database.Conn(ctx, r.db)
	var cart cartModel
	if err := conn.Where("user_id = ?", userID).First(&cart).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return database.WrapError("carts.clear", err)
	}
	if err := conn.Where("cart_id = ?", cart.ID).Delete(&cartItemModel{}).Error; err != nil {
		return database.WrapError("carts.clear", err)
	}
	return r.SetStatus(ctx, cart.ID, domain.CartStatusEmpty)
}
