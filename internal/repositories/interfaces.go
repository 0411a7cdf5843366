package repositories

import (
	"context"
	"time"

	domain "github.com/shopcore/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Carts() CartRepository
	Catalog() CatalogRepository
	Orders() OrderRepository
	Contracts() ContractRepository
	Wallets() WalletRepository
	Discounts() DiscountRepository
	ShippingMethods() ShippingMethodRepository
	Addresses() AddressRepository
	Users() UserRepository
	OrderLogs() OrderLogRepository
	CategoryMappings() CategoryMappingRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary. Repositories
// called with the context passed to fn join the transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CartRepository owns the per-user cart and its items.
type CartRepository interface {
	// GetOrCreate loads the user's cart with item → variation → product/stock, creating an empty cart
	// when none exists. Items whose variation or parent product is missing are pruned.
	GetOrCreate(ctx context.Context, userID int64) (domain.Cart, error)
	UpdateItemCount(ctx context.Context, itemID int64, count int, sum int64) error
	RemoveItem(ctx context.Context, itemID int64) error
	SetStatus(ctx context.Context, cartID int64, status domain.CartStatus) error
	// Clear deletes every item and resets the cart to Empty.
	Clear(ctx context.Context, userID int64) error
}

// StockChange reports the effect of a conditional stock mutation.
type StockChange struct {
	VariationID int64
	Requested   int
	Applied     int
	Remaining   int
}

// CatalogRepository exposes variation lookups and stock mutations.
type CatalogRepository interface {
	FindVariation(ctx context.Context, variationID int64) (domain.ProductVariation, error)
	// DecrementStock lowers stock by qty clamped at zero; Applied < Requested signals a shortfall.
	DecrementStock(ctx context.Context, variationID int64, qty int) (StockChange, error)
	IncrementStock(ctx context.Context, variationID int64, qty int) (StockChange, error)
}

// OrderRepository persists order headers and items. Orders are never deleted.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) (domain.Order, error)
	InsertItem(ctx context.Context, item domain.OrderItem) (domain.OrderItem, error)
	FindByID(ctx context.Context, orderID int64) (domain.Order, error)
	// FindByIDForUpdate loads the order and holds a row lock until the surrounding transaction ends.
	FindByIDForUpdate(ctx context.Context, orderID int64) (domain.Order, error)
	Update(ctx context.Context, order domain.Order) error
	UpdateStatus(ctx context.Context, orderID int64, status domain.OrderStatus) error
	// TransitionStatus moves the order from one status to another; false means it was not in from.
	TransitionStatus(ctx context.Context, orderID int64, from, to domain.OrderStatus) (bool, error)
	UpdateItemCount(ctx context.Context, itemID int64, count int) error
	DeleteItem(ctx context.Context, itemID int64) error
	// ListAwaitingSettlement returns orders in Started with a pending installment transaction created before cutoff.
	ListAwaitingSettlement(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)
}

// ContractRepository persists contracts and their append-only transaction ledger.
type ContractRepository interface {
	Insert(ctx context.Context, contract domain.Contract) (domain.Contract, error)
	FindByID(ctx context.Context, contractID int64) (domain.Contract, error)
	FindByOrder(ctx context.Context, orderID int64) (domain.Contract, error)
	// FindByOrderForUpdate is FindByOrder holding a row lock on the contract.
	FindByOrderForUpdate(ctx context.Context, orderID int64) (domain.Contract, error)
	Update(ctx context.Context, contract domain.Contract) error
	UpdateStatus(ctx context.Context, contractID int64, status domain.ContractStatus) error
	InsertTransaction(ctx context.Context, tx domain.ContractTransaction) (domain.ContractTransaction, error)
	// UpdateTransaction mutates status and settlement identifiers only.
	UpdateTransaction(ctx context.Context, tx domain.ContractTransaction) error
	// TransitionTransaction applies UpdateTransaction only while the stored row is still in from.
	TransitionTransaction(ctx context.Context, tx domain.ContractTransaction, from domain.ContractTransactionStatus) (bool, error)
	ListTransactions(ctx context.Context, contractID int64) ([]domain.ContractTransaction, error)
	FindTransactionByExternalID(ctx context.Context, externalID string) (domain.ContractTransaction, error)
	FindTransactionByTrackID(ctx context.Context, trackID string) (domain.ContractTransaction, error)
	// LatestTransaction returns the newest ledger row of the given type for the order's contract.
	LatestTransaction(ctx context.Context, orderID int64, txType domain.ContractTransactionType) (domain.ContractTransaction, error)
}

// WalletRepository exposes the guarded wallet primitives.
type WalletRepository interface {
	FindByUser(ctx context.Context, userID int64) (domain.Wallet, error)
	// Deduct atomically lowers the balance when it covers amount; false means insufficient funds.
	Deduct(ctx context.Context, userID int64, amount int64, at time.Time) (bool, error)
	// Credit atomically raises the balance, creating the wallet when missing.
	Credit(ctx context.Context, userID int64, amount int64, at time.Time) (domain.Wallet, error)
	InsertTransaction(ctx context.Context, tx domain.WalletTransaction) (domain.WalletTransaction, error)
}

// DiscountRepository looks up coupons and store-wide promotions.
type DiscountRepository interface {
	FindActiveByCode(ctx context.Context, code string, now time.Time) (domain.Discount, error)
	ListActiveGeneral(ctx context.Context, now time.Time) ([]domain.GeneralDiscount, error)
	// IncrementUsage bumps used_times when the limit allows; false means the limit was reached.
	IncrementUsage(ctx context.Context, code string) (bool, error)
}

// ShippingMethodRepository resolves delivery methods.
type ShippingMethodRepository interface {
	FindByID(ctx context.Context, methodID int64) (domain.ShippingMethod, error)
}

// AddressRepository resolves delivery addresses.
type AddressRepository interface {
	FindByID(ctx context.Context, addressID int64) (domain.Address, error)
}

// UserRepository resolves customer attributes.
type UserRepository interface {
	FindByID(ctx context.Context, userID int64) (domain.User, error)
}

// OrderLogRepository appends order audit entries.
type OrderLogRepository interface {
	Append(ctx context.Context, entry domain.OrderLog) error
}

// CategoryMappingRepository lists catalog → installment-provider category mappings.
type CategoryMappingRepository interface {
	List(ctx context.Context) ([]domain.CategoryMapping, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
