package postgres

import (
	"context"

	"gorm.io/gorm"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/platform/database"
	"github.com/shopcore/api/internal/repositories"
)

// CatalogRepository reads variations and mutates stock rows.
type CatalogRepository struct {
	db *gorm.DB
}

func (r *CatalogRepository) FindVariation(ctx context.Context, variationID int64) (domain.ProductVariation, error) {
	var m variationModel
	err := database.Conn(ctx, r.db).
		Preload("Product.Category").
		Preload("Stock").
		First(&m, variationID).Error
	if err != nil {
		return domain.ProductVariation{}, database.WrapError("variations.get", err)
	}
	return m.toDomain(), nil
}

// DecrementStock first tries a guarded decrement; when stock is short it drains the row to zero.
func (r *CatalogRepository) DecrementStock(ctx context.Context, variationID int64, qty int) (repositories.StockChange, error) {
	change := repositories.StockChange{VariationID: variationID, Requested: qty}
	if qty <= 0 {
		return change, nil
	}
	conn := database.Conn(ctx, r.db)

	res := conn.Model(&stockModel{}).
		Where("variation_id = ? AND count >= ?", variationID, qty).
		Update("count", gorm.Expr("count - ?", qty))
	if res.Error != nil {
		return change, database.WrapError("stocks.decrement", res.Error)
	}
	if res.RowsAffected == 1 {
		change.Applied = qty
		return r.withRemaining(ctx, change)
	}

	var current stockModel
	if err := conn.Where("variation_id = ?", variationID).First(&current).Error; err != nil {
		return change, database.WrapError("stocks.decrement", err)
	}
	res = conn.Model(&stockModel{}).
		Where("variation_id = ? AND count = ?", variationID, current.Count).
		Update("count", 0)
	if res.Error != nil {
		return change, database.WrapError("stocks.drain", res.Error)
	}
	if res.RowsAffected == 1 {
		change.Applied = current.Count
	}
	return r.withRemaining(ctx, change)
}

func (r *CatalogRepository) IncrementStock(ctx context.Context, variationID int64, qty int) (repositories.StockChange, error) {
	change := repositories.StockChange{VariationID: variationID, Requested: qty}
	if qty <= 0 {
		return change, nil
	}
	res := database.Conn(ctx, r.db).Model(&stockModel{}).
		Where("variation_id = ?", variationID).
		Update("count", gorm.Expr("count + ?", qty))
	if res.Error != nil {
		return change, database.WrapError("stocks.increment", res.Error)
	}
	if res.RowsAffected == 0 {
		return change, database.NotFound("stocks.increment", "stock")
	}
	change.Applied = qty
	return r.withRemaining(ctx, change)
}

func (r *CatalogRepository) withRemaining(ctx context.Context, change repositories.StockChange) (repositories.StockChange, error) {
	var current stockModel
	if err := database.Conn(ctx, r.db).Where("variation_id = ?", change.VariationID).First(&current).Error; err != nil {
		return change, database.WrapError("stocks.get", err)
	}
	change.Remaining = current.Count
	return change, nil
}
