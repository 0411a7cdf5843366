package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/platform/database"
)

// WalletRepository implements the guarded wallet primitives with row-count checked updates.
type WalletRepository struct {
	db *gorm.DB
}

func (r *WalletRepository) FindByUser(ctx context.Context, userID int64) (domain.Wallet, error) {
	var m walletModel
	if err := database.Conn(ctx, r.db).Where("user_id = ?", userID).First(&m).Error; err != nil {
		return domain.Wallet{}, database.WrapError("wallets.get", err)
	}
	return m.toDomain(), nil
}

func (r *WalletRepository) Deduct(ctx context.Context, userID int64, amount int64, at time.Time) (bool, error) {
	if amount <= 0 {
		return true, nil
	}
	res := database.Conn(ctx, r.db).Model(&walletModel{}).
		Where("user_id = ? AND balance >= ?", userID, amount).
		Updates(map[string]any{
			"balance":             gorm.Expr("balance - ?", amount),
			"last_transaction_at": at,
		})
	if res.Error != nil {
		return false, database.WrapError("wallets.deduct", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *WalletRepository) Credit(ctx context.Context, userID int64, amount int64, at time.Time) (domain.Wallet, error) {
	conn := database.Conn(ctx, r.db)
	m := walletModel{UserID: userID, Balance: amount, LastTransactionAt: &at}
	err := conn.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"balance":             gorm.Expr("wallets.balance + EXCLUDED.balance"),
			"last_transaction_at": at,
		}),
	}).Create(&m).Error
	if err != nil {
		return domain.Wallet{}, database.WrapError("wallets.credit", err)
	}
	return r.FindByUser(ctx, userID)
}

func (r *WalletRepository) InsertTransaction(ctx context.Context, tx domain.WalletTransaction) (domain.WalletTransaction, error) {
	m := walletTransactionModel{
		WalletID:    tx.WalletID,
		Amount:      tx.Amount,
		Type:        string(tx.Type),
		Cause:       tx.Cause,
		ReferenceID: tx.ReferenceID,
		CreatedAt:   tx.CreatedAt,
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if err := database.Conn(ctx, r.db).Create(&m).Error; err != nil {
		return domain.WalletTransaction{}, database.WrapError("wallet_transactions.insert", err)
	}
	tx.ID = m.ID
	tx.CreatedAt = m.CreatedAt
	return tx, nil
}
