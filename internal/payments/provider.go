package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// ProviderLogger defines the logging contract shared by provider clients.
type ProviderLogger func(ctx context.Context, event string, fields map[string]any)

func nopLogger(context.Context, string, map[string]any) {}

// RedirectRequest captures the payload required to open a bank redirect payment. Amount is
// expressed in provider units.
type RedirectRequest struct {
	OrderID     int64
	Amount      int64
	Currency    string
	CallbackURL string
	RequestID   string
	PayerID     string
	Description string
}

// RedirectSession is returned once the provider accepted the payment request.
type RedirectSession struct {
	Provider    string
	RefID       string
	RedirectURL string
	RequestID   string
}

// SettlementRequest identifies a completed redirect payment when verifying, settling or reverting.
type SettlementRequest struct {
	SaleOrderID     string
	SaleReferenceID string
	RefID           string
	RequestID       string
}

// RedirectProvider is implemented by bank redirect gateways.
type RedirectProvider interface {
	Name() string
	RequestPayment(ctx context.Context, req RedirectRequest) (RedirectSession, error)
	Verify(ctx context.Context, req SettlementRequest) error
	Settle(ctx context.Context, req SettlementRequest) error
	Revert(ctx context.Context, req SettlementRequest) error
}

// ProviderError carries the provider specific failure code alongside a readable message.
type ProviderError struct {
	Provider string
	Op       string
	Code     string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Code != "" {
		b.WriteString(" [")
		b.WriteString(e.Code)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorCode extracts the provider code from err when it wraps a ProviderError.
func ErrorCode(err error) string {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ""
}

// ErrorMessage extracts the provider message from err, falling back to err.Error().
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var perr *ProviderError
	if errors.As(err, &perr) && perr.Message != "" {
		return perr.Message
	}
	return err.Error()
}

// Manager resolves redirect providers by name.
type Manager struct {
	providers       map[string]RedirectProvider
	defaultProvider string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the provider used when no name (or an unknown one) is given.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = strings.TrimSpace(strings.ToLower(provider))
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]RedirectProvider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]RedirectProvider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{providers: copyMap}
	if _, ok := copyMap[MellatProviderName]; ok {
		m.defaultProvider = MellatProviderName
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.defaultProvider != "" {
		if _, ok := copyMap[m.defaultProvider]; !ok {
			return nil, fmt.Errorf("payments: default provider %q is not registered", m.defaultProvider)
		}
	}
	return m, nil
}

// Resolve returns the provider registered under name, falling back to the default provider.
func (m *Manager) Resolve(name string) (RedirectProvider, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	if key := strings.TrimSpace(strings.ToLower(name)); key != "" {
		if p, ok := m.providers[key]; ok {
			return p, nil
		}
	}
	if m.defaultProvider != "" {
		if p, ok := m.providers[m.defaultProvider]; ok {
			return p, nil
		}
	}
	if len(m.providers) == 1 {
		for _, p := range m.providers {
			return p, nil
		}
	}
	return nil, ErrUnsupportedProvider
}

// Default returns the name of the fallback provider.
func (m *Manager) Default() string {
	if m == nil {
		return ""
	}
	return m.defaultProvider
}

// RequestPayment delegates to the resolved provider.
func (m *Manager) RequestPayment(ctx context.Context, provider string, req RedirectRequest) (RedirectSession, error) {
	p, err := m.Resolve(provider)
	if err != nil {
		return RedirectSession{}, err
	}
	session, err := p.RequestPayment(ctx, req)
	if err != nil {
		return RedirectSession{}, err
	}
	session.Provider = p.Name()
	if session.RequestID == "" {
		session.RequestID = req.RequestID
	}
	return session, nil
}

// Verify delegates to the resolved provider.
func (m *Manager) Verify(ctx context.Context, provider string, req SettlementRequest) error {
	p, err := m.Resolve(provider)
	if err != nil {
		return err
	}
	return p.Verify(ctx, req)
}

// Settle delegates to the resolved provider.
func (m *Manager) Settle(ctx context.Context, provider string, req SettlementRequest) error {
	p, err := m.Resolve(provider)
	if err != nil {
		return err
	}
	return p.Settle(ctx, req)
}

// Revert delegates to the resolved provider.
func (m *Manager) Revert(ctx context.Context, provider string, req SettlementRequest) error {
	p, err := m.Resolve(provider)
	if err != nil {
		return err
	}
	return p.Revert(ctx, req)
}
