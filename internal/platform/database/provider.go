package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopcore/api/internal/platform/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const defaultPingTimeout = 10 * time.Second

var ErrProviderClosed = errors.New("database: provider is closed")

type initResult struct {
	db  *gorm.DB
	err error
}

// Provider lazily opens a shared gorm connection pool.
type Provider struct {
	cfg         config.DatabaseConfig
	pingTimeout time.Duration
	dialector   gorm.Dialector
	gormLogger  gormlogger.Interface

	stateMu sync.Mutex
	initCh  chan initResult
	db      *gorm.DB

	closed atomic.Bool
}

// ProviderOption customises the Provider behaviour.
type ProviderOption func(*Provider)

// WithPingTimeout overrides the timeout used when verifying the connection.
func WithPingTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.pingTimeout = timeout
		}
	}
}

// WithDialector replaces the postgres dialector, mainly for tests.
func WithDialector(d gorm.Dialector) ProviderOption {
	return func(p *Provider) {
		if d != nil {
			p.dialector = d
		}
	}
}

// WithGormLogger sets the gorm statement logger.
func WithGormLogger(l gormlogger.Interface) ProviderOption {
	return func(p *Provider) {
		if l != nil {
			p.gormLogger = l
		}
	}
}

// NewProvider constructs a Provider using the supplied configuration.
func NewProvider(cfg config.DatabaseConfig, opts ...ProviderOption) *Provider {
	provider := &Provider{
		cfg:         cfg,
		pingTimeout: defaultPingTimeout,
		gormLogger:  gormlogger.Discard,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider
}

// DB returns the lazily initialised connection pool.
func (p *Provider) DB(ctx context.Context) (*gorm.DB, error) {
	if ctx == nil {
		return nil, errors.New("database: context is required")
	}

	for {
		if p.closed.Load() {
			return nil, ErrProviderClosed
		}

		p.stateMu.Lock()
		if p.db != nil {
			db := p.db
			p.stateMu.Unlock()
			return db, nil
		}
		if waitCh := p.initCh; waitCh != nil {
			p.stateMu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case res := <-waitCh:
				if res.err != nil {
					return nil, res.err
				}
				return res.db, nil
			}
		}

		waitCh := make(chan initResult, 1)
		p.initCh = waitCh
		p.stateMu.Unlock()

		db, err := p.open(ctx)

		p.stateMu.Lock()
		p.initCh = nil
		if err == nil {
			p.db = db
		}
		p.stateMu.Unlock()

		waitCh <- initResult{db: db, err: err}
		close(waitCh)
		return db, err
	}
}

func (p *Provider) open(ctx context.Context) (*gorm.DB, error) {
	dialector := p.dialector
	if dialector == nil {
		dsn := strings.TrimSpace(p.cfg.DSN)
		if dsn == "" {
			return nil, errors.New("database: dsn is required")
		}
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 p.gormLogger,
		TranslateError:         true,
		SkipDefaultTransaction: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: pool: %w", err)
	}
	if p.cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(p.cfg.MaxOpenConns)
	}
	if p.cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(p.cfg.MaxIdleConns)
	}
	if p.cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(p.cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, p.pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	return db, nil
}

// Ping checks connectivity for readiness probes.
func (p *Provider) Ping(ctx context.Context) error {
	db, err := p.DB(ctx)
	if err != nil {
		return WrapError("ping", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return WrapError("ping", err)
	}
	return WrapError("ping", sqlDB.PingContext(ctx))
}

// Close releases the pool. The Provider cannot be reused afterwards.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil || p.closed.Swap(true) {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.stateMu.Lock()
	db := p.db
	p.db = nil
	p.stateMu.Unlock()

	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- sqlDB.Close()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
