package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultRequestTimeout       = 60 * time.Second
	defaultFrontendBaseURL      = "http://localhost:3000"
	defaultDBMaxOpenConns       = 20
	defaultDBMaxIdleConns       = 5
	defaultDBConnMaxLifetime    = 30 * time.Minute
	defaultEventsBackend        = "none"
	defaultEventsTopic          = "order-events"
	defaultGateway              = "mellat"
	defaultProviderHTTPTimeout  = 30 * time.Second
	defaultMellatEndpoint       = "https://bpm.shaparak.ir/pgwchannel/services/pgw"
	defaultMellatStartPayURL    = "https://bpm.shaparak.ir/pgwchannel/startpay.mellat"
	defaultSnappPayBaseURL      = "https://fms-gateway-staging.apps.public.okd4.teh-1.snappcloud.io"
	defaultCarrierBaseURL       = "https://panel.anipo.ir"
	defaultPickupMethodID       = 4
	defaultItemWeightGrams      = 100
	defaultMinShipmentWeight    = 100
	defaultCategoryCacheTTL     = 5 * time.Minute
	defaultSecurityEnvironment  = "local"
	defaultJWTAdminRole         = "admin"
	defaultIdempotencyBackend   = "memory"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultSweepInterval        = 10 * time.Minute
	defaultSweepMinAge          = 30 * time.Minute
	defaultSweepBatchSize       = 50
	defaultSweepConcurrency     = 4
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Events      EventsConfig
	Gateways    GatewayConfig
	Carrier     CarrierConfig
	Checkout    CheckoutConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
	Settlement  SettlementConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	FrontendBaseURL string
	PublicBaseURL   string
	ProjectID       string
}

// DatabaseConfig stores relational store parameters.
type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// RedisConfig configures the shared redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// EventsConfig selects the order event backend.
type EventsConfig struct {
	Backend      string
	ProjectID    string
	Topic        string
	KafkaBrokers []string
}

// GatewayConfig groups payment provider settings.
type GatewayConfig struct {
	Default     string
	HTTPTimeout time.Duration
	Mellat      MellatConfig
	Stripe      StripeConfig
	SnappPay    SnappPayConfig
}

// MellatConfig holds bank redirect gateway credentials.
type MellatConfig struct {
	TerminalID  int64
	Username    string
	Password    string
	Endpoint    string
	StartPayURL string
}

// StripeConfig holds Stripe Checkout credentials.
type StripeConfig struct {
	APIKey   string
	Currency string
}

// SnappPayConfig holds installment gateway credentials.
type SnappPayConfig struct {
	BaseURL          string
	ClientID         string
	ClientSecret     string
	Username         string
	Password         string
	EligibilityCheck bool
}

// CarrierConfig configures the shipping carrier client.
type CarrierConfig struct {
	BaseURL  string
	APIKey   string
	MethodID int64
}

// CheckoutConfig holds business constants for order assembly.
type CheckoutConfig struct {
	PickupShippingMethodID int64
	DefaultItemWeight      int
	MinShipmentWeight      int
	CategoryCacheTTL       time.Duration
}

// SecurityConfig groups bearer token verification settings.
type SecurityConfig struct {
	Environment string
	JWT         JWTConfig
}

// JWTConfig controls customer/admin token verification.
type JWTConfig struct {
	Secret    string
	JWKSURL   string
	Issuer    string
	Audience  string
	AdminRole string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Backend          string
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SettlementConfig controls the deferred settlement sweeper.
type SettlementConfig struct {
	SweepInterval    time.Duration
	SweepMinAge      time.Duration
	SweepBatchSize   int
	SweepConcurrency int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	names := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		names = append(names, secret.redacted)
	}
	sort.Strings(names)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns a copy of the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// Snapshot captures the resolved environment values used during loading so callers can construct
// dependent components (e.g., secret fetcher) with the same inputs.
type Snapshot struct {
	EnvFile         string
	Values          map[string]string
	ResolvedSecrets map[string]string
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map). Callers can use the result to initialise
// dependencies before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	merge := func(source map[string]string) {
		if source == nil {
			return
		}
		for key, value := range source {
			values[key] = value
		}
	}

	merge(dotEnvValues)

	if options.useSystemEnv {
		system := make(map[string]string)
		for _, entry := range os.Environ() {
			if entry == "" {
				continue
			}
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			if key == "" {
				continue
			}
			system[key] = parts[1]
		}
		merge(system)
	}

	merge(options.envMap)

	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers should match the config field names recorded by the loader
// (e.g. "Gateways.Stripe.APIKey" or "Database.DSN").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:     durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			RequestTimeout:  durationWithDefault(lookup, "API_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
			FrontendBaseURL: strings.TrimRight(stringWithDefault(lookup, "API_FRONTEND_BASE_URL", defaultFrontendBaseURL), "/"),
			PublicBaseURL:   strings.TrimRight(stringWithDefault(lookup, "API_PUBLIC_BASE_URL", ""), "/"),
			ProjectID:       stringWithDefault(lookup, "API_GCP_PROJECT_ID", ""),
		},
		Database: DatabaseConfig{
			DSN:             stringWithDefault(lookup, "API_DATABASE_DSN", ""),
			MaxOpenConns:    intWithDefault(lookup, "API_DATABASE_MAX_OPEN_CONNS", defaultDBMaxOpenConns),
			MaxIdleConns:    intWithDefault(lookup, "API_DATABASE_MAX_IDLE_CONNS", defaultDBMaxIdleConns),
			ConnMaxLifetime: durationWithDefault(lookup, "API_DATABASE_CONN_MAX_LIFETIME", defaultDBConnMaxLifetime),
			AutoMigrate:     boolWithDefault(lookup, "API_DATABASE_AUTO_MIGRATE", false),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			Password: stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "API_REDIS_DB", 0),
		},
		Events: EventsConfig{
			Backend:      strings.ToLower(stringWithDefault(lookup, "API_EVENTS_BACKEND", defaultEventsBackend)),
			ProjectID:    stringWithDefault(lookup, "API_EVENTS_PROJECT_ID", ""),
			Topic:        stringWithDefault(lookup, "API_EVENTS_TOPIC", defaultEventsTopic),
			KafkaBrokers: csvWithDefault(lookup, "API_EVENTS_KAFKA_BROKERS"),
		},
		Gateways: GatewayConfig{
			Default:     strings.ToLower(stringWithDefault(lookup, "API_GATEWAY_DEFAULT", defaultGateway)),
			HTTPTimeout: durationWithDefault(lookup, "API_GATEWAY_HTTP_TIMEOUT", defaultProviderHTTPTimeout),
			Mellat: MellatConfig{
				TerminalID:  int64(intWithDefault(lookup, "API_MELLAT_TERMINAL_ID", 0)),
				Username:    stringWithDefault(lookup, "API_MELLAT_USERNAME", ""),
				Password:    stringWithDefault(lookup, "API_MELLAT_PASSWORD", ""),
				Endpoint:    stringWithDefault(lookup, "API_MELLAT_ENDPOINT", defaultMellatEndpoint),
				StartPayURL: stringWithDefault(lookup, "API_MELLAT_STARTPAY_URL", defaultMellatStartPayURL),
			},
			Stripe: StripeConfig{
				APIKey:   stringWithDefault(lookup, "API_STRIPE_API_KEY", ""),
				Currency: strings.ToLower(stringWithDefault(lookup, "API_STRIPE_CURRENCY", "irr")),
			},
			SnappPay: SnappPayConfig{
				BaseURL:          strings.TrimRight(stringWithDefault(lookup, "API_SNAPPPAY_BASE_URL", defaultSnappPayBaseURL), "/"),
				ClientID:         stringWithDefault(lookup, "API_SNAPPPAY_CLIENT_ID", ""),
				ClientSecret:     stringWithDefault(lookup, "API_SNAPPPAY_CLIENT_SECRET", ""),
				Username:         stringWithDefault(lookup, "API_SNAPPPAY_USERNAME", ""),
				Password:         stringWithDefault(lookup, "API_SNAPPPAY_PASSWORD", ""),
				EligibilityCheck: boolWithDefault(lookup, "API_SNAPPPAY_ELIGIBILITY_CHECK", true),
			},
		},
		Carrier: CarrierConfig{
			BaseURL:  strings.TrimRight(stringWithDefault(lookup, "API_CARRIER_BASE_URL", defaultCarrierBaseURL), "/"),
			APIKey:   stringWithDefault(lookup, "API_CARRIER_API_KEY", ""),
			MethodID: int64(intWithDefault(lookup, "API_CARRIER_SHIPPING_METHOD_ID", 0)),
		},
		Checkout: CheckoutConfig{
			PickupShippingMethodID: int64(intWithDefault(lookup, "API_CHECKOUT_PICKUP_METHOD_ID", defaultPickupMethodID)),
			DefaultItemWeight:      intWithDefault(lookup, "API_CHECKOUT_DEFAULT_ITEM_WEIGHT", defaultItemWeightGrams),
			MinShipmentWeight:      intWithDefault(lookup, "API_CHECKOUT_MIN_SHIPMENT_WEIGHT", defaultMinShipmentWeight),
			CategoryCacheTTL:       durationWithDefault(lookup, "API_CHECKOUT_CATEGORY_CACHE_TTL", defaultCategoryCacheTTL),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			JWT: JWTConfig{
				Secret:    stringWithDefault(lookup, "API_SECURITY_JWT_SECRET", ""),
				JWKSURL:   stringWithDefault(lookup, "API_SECURITY_JWT_JWKS_URL", ""),
				Issuer:    stringWithDefault(lookup, "API_SECURITY_JWT_ISSUER", ""),
				Audience:  stringWithDefault(lookup, "API_SECURITY_JWT_AUDIENCE", ""),
				AdminRole: stringWithDefault(lookup, "API_SECURITY_JWT_ADMIN_ROLE", defaultJWTAdminRole),
			},
		},
		Idempotency: IdempotencyConfig{
			Backend:          strings.ToLower(stringWithDefault(lookup, "API_IDEMPOTENCY_BACKEND", defaultIdempotencyBackend)),
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Settlement: SettlementConfig{
			SweepInterval:    durationWithDefault(lookup, "API_SETTLEMENT_SWEEP_INTERVAL", defaultSweepInterval),
			SweepMinAge:      durationWithDefault(lookup, "API_SETTLEMENT_SWEEP_MIN_AGE", defaultSweepMinAge),
			SweepBatchSize:   intWithDefault(lookup, "API_SETTLEMENT_SWEEP_BATCH", defaultSweepBatchSize),
			SweepConcurrency: intWithDefault(lookup, "API_SETTLEMENT_SWEEP_CONCURRENCY", defaultSweepConcurrency),
		},
	}

	resolvedSecrets := make(map[string]string)
	recordSecret := func(name, value string) {
		resolvedSecrets[name] = strings.TrimSpace(value)
	}
	resolveField := func(name string, field *string) error {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return err
		}
		*field = resolved
		recordSecret(name, resolved)
		return nil
	}

	if cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Server.ProjectID
	}

	// Resolve secrets when values reference Secret Manager.
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Database.DSN", &cfg.Database.DSN},
		{"Redis.Password", &cfg.Redis.Password},
		{"Gateways.Mellat.Password", &cfg.Gateways.Mellat.Password},
		{"Gateways.Stripe.APIKey", &cfg.Gateways.Stripe.APIKey},
		{"Gateways.SnappPay.ClientSecret", &cfg.Gateways.SnappPay.ClientSecret},
		{"Gateways.SnappPay.Password", &cfg.Gateways.SnappPay.Password},
		{"Carrier.APIKey", &cfg.Carrier.APIKey},
		{"Security.JWT.Secret", &cfg.Security.JWT.Secret},
	}
	for _, target := range secretFields {
		if err := resolveField(target.name, target.field); err != nil {
			return Config{}, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" {
		return value, nil
	}
	if !isSecretReference(value) {
		return value, nil
	}
	if resolver == nil {
		normalized := normalizeSecretReference(value)
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	normalized := normalizeSecretReference(value)
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Server.FrontendBaseURL == "" {
		missing = append(missing, "Server.FrontendBaseURL")
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		missing = append(missing, "Database.DSN")
	}
	switch cfg.Events.Backend {
	case "none":
	case "pubsub":
		if cfg.Events.ProjectID == "" {
			missing = append(missing, "Events.ProjectID")
		}
	case "kafka":
		if len(cfg.Events.KafkaBrokers) == 0 {
			missing = append(missing, "Events.KafkaBrokers")
		}
	default:
		missing = append(missing, "Events.Backend")
	}
	switch cfg.Gateways.Default {
	case "mellat", "stripe", "snapppay", "wallet":
	default:
		missing = append(missing, "Gateways.Default")
	}
	if cfg.Gateways.HTTPTimeout <= 0 {
		missing = append(missing, "Gateways.HTTPTimeout")
	}
	if cfg.Checkout.DefaultItemWeight <= 0 {
		missing = append(missing, "Checkout.DefaultItemWeight")
	}
	if cfg.Checkout.CategoryCacheTTL <= 0 {
		missing = append(missing, "Checkout.CategoryCacheTTL")
	}
	if cfg.Security.JWT.Secret == "" && cfg.Security.JWT.JWKSURL == "" {
		missing = append(missing, "Security.JWT")
	}
	switch cfg.Idempotency.Backend {
	case "memory":
	case "redis":
		if cfg.Redis.Addr == "" {
			missing = append(missing, "Redis.Addr")
		}
	default:
		missing = append(missing, "Idempotency.Backend")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}
	if cfg.Settlement.SweepInterval < 0 {
		missing = append(missing, "Settlement.SweepInterval")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	missing := make([]missingSecret, 0, len(required))
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if value := strings.TrimSpace(resolved[trimmed]); value != "" {
			continue
		}
		missing = append(missing, missingSecret{
			name:     trimmed,
			redacted: redactSecretName(trimmed),
		})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
