package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/shopcore/api/internal/platform/database"
	"github.com/shopcore/api/internal/repositories"
)

// Registry wires every gorm-backed repository around a shared connection pool.
type Registry struct {
	db     *gorm.DB
	health repositories.HealthRepository
	closer func(context.Context) error

	carts            *CartRepository
	catalog          *CatalogRepository
	orders           *OrderRepository
	contracts        *ContractRepository
	wallets          *WalletRepository
	discounts        *DiscountRepository
	shippingMethods  *ShippingMethodRepository
	addresses        *AddressRepository
	users            *UserRepository
	orderLogs        *OrderLogRepository
	categoryMappings *CategoryMappingRepository
}

var _ repositories.Registry = (*Registry)(nil)

// RegistryOption customises the registry.
type RegistryOption func(*Registry)

// WithHealthRepository attaches the readiness probe repository.
func WithHealthRepository(repo repositories.HealthRepository) RegistryOption {
	return func(r *Registry) {
		r.health = repo
	}
}

// WithCloser registers a hook executed on Close, typically the provider's Close.
func WithCloser(fn func(context.Context) error) RegistryOption {
	return func(r *Registry) {
		r.closer = fn
	}
}

// NewRegistry constructs the repository registry.
func NewRegistry(db *gorm.DB, opts ...RegistryOption) (*Registry, error) {
	if db == nil {
		return nil, errors.New("postgres registry: db is required")
	}
	r := &Registry{
		db:               db,
		carts:            &CartRepository{db: db},
		catalog:          &CatalogRepository{db: db},
		orders:           &OrderRepository{db: db},
		contracts:        &ContractRepository{db: db},
		wallets:          &WalletRepository{db: db},
		discounts:        &DiscountRepository{db: db},
		shippingMethods:  &ShippingMethodRepository{db: db},
		addresses:        &AddressRepository{db: db},
		users:            &UserRepository{db: db},
		orderLogs:        &OrderLogRepository{db: db},
		categoryMappings: &CategoryMappingRepository{db: db},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Migrate creates or updates every table.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return database.WrapError("migrate", db.WithContext(ctx).AutoMigrate(Models()...))
}

func (r *Registry) Close(ctx context.Context) error {
	if r.closer == nil {
		return nil
	}
	return r.closer(ctx)
}

func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return database.RunInTx(ctx, r.db, fn)
}

func (r *Registry) Carts() repositories.CartRepository { return r.carts }
func (r *Registry) Catalog() repositories.CatalogRepository { return r.catalog }
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }
func (r *Registry) Contracts() repositories.ContractRepository { return r.contracts }
func (r *Registry) Wallets() repositories.WalletRepository { return r.wallets }
func (r *Registry) Discounts() repositories.DiscountRepository { return r.discounts }
func (r *Registry) Addresses() repositories.AddressRepository { return r.addresses }
func (r *Registry) Users() repositories.UserRepository { return r.users }
func (r *Registry) OrderLogs() repositories.OrderLogRepository { return r.orderLogs }
func (r *Registry) Health() repositories.HealthRepository { return r.health }
func (r *Registry) ShippingMethods() repositories.ShippingMethodRepository {
	return r.shippingMethods
}
func (r *Registry) CategoryMappings() repositories.CategoryMappingRepository {
	return r.categoryMappings
}
