package postgres

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/platform/database"
)

// DiscountRepository reads coupons and store-wide promotions.
type DiscountRepository struct {
	db *gorm.DB
}

func activeWindow(db *gorm.DB, now time.Time) *gorm.DB {
	return db.Where("is_active = ?", true).
		Where("start_date IS NULL OR start_date <= ?", now).
		Where("end_date IS NULL OR end_date >= ?", now)
}

func (r *DiscountRepository) FindActiveByCode(ctx context.Context, code string, now time.Time) (domain.Discount, error) {
	var m discountModel
	query := activeWindow(database.Conn(ctx, r.db), now).
		Where("code = ? AND removed_at IS NULL", strings.TrimSpace(code))
	if err := query.First(&m).Error; err != nil {
		return domain.Discount{}, database.WrapError("discounts.by_code", err)
	}
	return m.toDomain(), nil
}

func (r *DiscountRepository) ListActiveGeneral(ctx context.Context, now time.Time) ([]domain.GeneralDiscount, error) {
	var rows []generalDiscountModel
	err := activeWindow(database.Conn(ctx, r.db), now).Order("created_at DESC").Find(&rows).Error
	if err != nil {
		return nil, database.WrapError("general_discounts.list", err)
	}
	out := make([]domain.GeneralDiscount, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *DiscountRepository) IncrementUsage(ctx context.Context, code string) (bool, error) {
	res := database.Conn(ctx, r.db).Model(&discountModel{}).
		Where("code = ? AND removed_at IS NULL", strings.TrimSpace(code)).
		Where("limit_usage = 0 OR used_times < limit_usage").
		Update("used_times", gorm.Expr("used_times + 1"))
	if res.Error != nil {
		return false, database.WrapError("discounts.increment_usage", res.Error)
	}
	return res.RowsAffected > 0, nil
}
