package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const defaultTxTimeout = 15 * time.Second

type txKey struct{}

// TxOption customises transaction behaviour.
type TxOption func(*txConfig)

type txConfig struct {
	timeout time.Duration
}

// WithTxTimeout sets a timeout for the transaction context.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// Conn returns the transaction bound to ctx, or the pool when no transaction is active.
func Conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

// InTx reports whether ctx carries an open transaction.
func InTx(ctx context.Context) bool {
	tx, ok := ctx.Value(txKey{}).(*gorm.DB)
	return ok && tx != nil
}

// RunInTx executes fn inside a database transaction. Nested calls join the outer transaction.
func RunInTx(ctx context.Context, db *gorm.DB, fn func(ctx context.Context) error, opts ...TxOption) error {
	if db == nil {
		return WrapError("transaction", errors.New("database: db is nil"))
	}
	if fn == nil {
		return WrapError("transaction", errors.New("database: transaction function is nil"))
	}
	if InTx(ctx) {
		return fn(ctx)
	}

	cfg := txConfig{timeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	txnCtx := ctx
	var cancel context.CancelFunc
	if cfg.timeout > 0 {
		deadline, hasDeadline := ctx.Deadline()
		if !hasDeadline || time.Until(deadline) > cfg.timeout {
			txnCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
		}
	}
	if cancel != nil {
		defer cancel()
	}

	// errors raised by fn are returned untouched so services can match them
	err := db.WithContext(txnCtx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(txnCtx, txKey{}, tx))
	})
	return err
}
