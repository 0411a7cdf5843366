package postgres

import (
	"context"

	"gorm.io/gorm"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/platform/database"
)

// ShippingMethodRepository resolves delivery methods.
type ShippingMethodRepository struct {
	db *gorm.DB
}

func (r *ShippingMethodRepository) FindByID(ctx context.Context, methodID int64) (domain.ShippingMethod, error) {
	var m shippingMethodModel
	if err := database.Conn(ctx, r.db).First(&m, methodID).Error; err != nil {
		return domain.ShippingMethod{}, database.WrapError("shipping_methods.get", err)
	}
	return domain.ShippingMethod{ID: m.ID, Title: m.Title, Price: m.Price, DynamicPricing: m.DynamicPricing}, nil
}

// AddressRepository resolves delivery addresses.
type AddressRepository struct {
	db *gorm.DB
}

func (r *AddressRepository) FindByID(ctx context.Context, addressID int64) (domain.Address, error) {
	var m addressModel
	if err := database.Conn(ctx, r.db).First(&m, addressID).Error; err != nil {
		return domain.Address{}, database.WrapError("addresses.get", err)
	}
	return domain.Address{
		ID:           m.ID,
		UserID:       m.UserID,
		FullName:     m.FullName,
		Phone:        m.Phone,
		PostalCode:   m.PostalCode,
		FullAddress:  m.FullAddress,
		CityCode:     m.CityCode,
		CityName:     m.CityName,
		ProvinceCode: m.ProvinceCode,
		ProvinceName: m.ProvinceName,
	}, nil
}

// UserRepository resolves customer attributes.
type UserRepository struct {
	db *gorm.DB
}

func (r *UserRepository) FindByID(ctx context.Context, userID int64) (domain.User, error) {
	var m userModel
	if err := database.Conn(ctx, r.db).First(&m, userID).Error; err != nil {
		return domain.User{}, database.WrapError("users.get", err)
	}
	return domain.User{ID: m.ID, Phone: m.Phone}, nil
}

// OrderLogRepository appends audit entries.
type OrderLogRepository struct {
	db *gorm.DB
}

func (r *OrderLogRepository) Append(ctx context.Context, entry domain.OrderLog) error {
	m := orderLogModel{
		OrderID:     entry.OrderID,
		Action:      entry.Action,
		Description: entry.Description,
		Changes:     entry.Changes,
		PerformedBy: entry.PerformedBy,
		CreatedAt:   entry.CreatedAt,
	}
	return database.WrapError("order_logs.append", database.Conn(ctx, r.db).Create(&m).Error)
}

// CategoryMappingRepository lists provider category mappings.
type CategoryMappingRepository struct {
	db *gorm.DB
}

func (r *CategoryMappingRepository) List(ctx context.Context) ([]domain.CategoryMapping, error) {
	var rows []categoryMappingModel
	if err := database.Conn(ctx, r.db).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, database.WrapError("category_mappings.list", err)
	}
	out := make([]domain.CategoryMapping, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.CategoryMapping{Title: row.Title, ProviderCategory: row.ProviderCategory})
	}
	return out, nil
}
