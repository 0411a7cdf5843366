package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shopcore/api/internal/di"
	"github.com/shopcore/api/internal/handlers"
	"github.com/shopcore/api/internal/payments"
	"github.com/shopcore/api/internal/platform/auth"
	"github.com/shopcore/api/internal/platform/config"
	"github.com/shopcore/api/internal/platform/database"
	"github.com/shopcore/api/internal/platform/events"
	"github.com/shopcore/api/internal/platform/idempotency"
	"github.com/shopcore/api/internal/platform/observability"
	"github.com/shopcore/api/internal/platform/secrets"
	"github.com/shopcore/api/internal/repositories"
	"github.com/shopcore/api/internal/repositories/postgres"
	"github.com/shopcore/api/internal/services"
	"github.com/shopcore/api/internal/shipping"
)

const serviceName = "shopcore-api"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(logLevel(envValues))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)
	otel.SetTextMapPropagator(observability.Propagator)
	meter := otel.GetMeterProvider().Meter(serviceName)

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	eventLogger := observability.EventLogger(logger.Named("services"))

	dbProvider := database.NewProvider(cfg.Database)
	db, err := dbProvider.DB(ctx)
	if err != nil {
		logger.Fatal("failed to initialise database", zap.Error(err))
	}
	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			logger.Fatal("database migration failed", zap.Error(err))
		}
		logger.Info("database schema migrated")
	}

	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	publisher, healthProbe, closePublisher, err := newEventPublisher(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err))
	}
	defer closePublisher()

	gateways, err := newGateways(cfg, eventLogger)
	if err != nil {
		logger.Fatal("failed to initialise payment gateways", zap.Error(err))
	}
	gateways.Events = publisher

	healthRepo, err := newHealthRepository(dbProvider, redisClient, fetcher, healthProbe)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}

	registry, err := postgres.NewRegistry(db,
		postgres.WithHealthRepository(healthRepo),
		postgres.WithCloser(dbProvider.Close),
	)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	container, err := di.NewContainer(cfg, registry, di.Dependencies{
		Gateways: gateways,
		Logger:   eventLogger,
		Meter:    meter,
		Clock:    time.Now,
		Build:    buildInfo,
	})
	if err != nil {
		logger.Fatal("failed to build services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()
	svc := container.Services

	idempotencyStore := newIdempotencyStore(logger, cfg, redisClient)
	idempotencyLogger := observability.NewPrintfAdapter(logger.Named("idempotency"), zapcore.WarnLevel)
	requireKey := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(idempotencyLogger),
	)

	authenticator, err := newAuthenticator(cfg)
	if err != nil {
		logger.Fatal("failed to initialise token verifier", zap.Error(err))
	}

	workers, stopWorkers := startBackgroundWorkers(logger, cfg, idempotencyStore, svc.Sweeper)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)
	cartHandlers := handlers.NewCartHandlers(authenticator, svc.Reconciler)
	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, svc.Checkout,
		handlers.WithCheckoutIdempotency(requireKey),
	)
	paymentHandlers := handlers.NewPaymentHandlers(svc.Settlement)
	adminHandlers := handlers.NewAdminOrderHandlers(handlers.AdminOrderDeps{
		Authenticator: authenticator,
		Adjustments:   svc.Adjustments,
		Settlement:    svc.Settlement,
		Labels:        svc.Labels,
		Categories:    svc.Categories,
		Idempotency:   requireKey,
	})

	router := handlers.NewRouter(
		handlers.WithRequestTimeout(cfg.Server.RequestTimeout),
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(serviceName),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCartRoutes(handlers.CombineRegistrars(cartHandlers.Routes, checkoutHandlers.Routes)),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("shopcore api listening",
			zap.String("version", buildInfo.Version),
			zap.String("environment", buildInfo.Environment),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	stopWorkers()
	workers.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func logLevel(env map[string]string) string {
	if level := strings.TrimSpace(env["API_LOG_LEVEL"]); level != "" {
		return level
	}
	return strings.TrimSpace(env["LOG_LEVEL"])
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithMeter(otel.GetMeterProvider().Meter(serviceName)),
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_GCP_PROJECT_ID")
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if ttl, err := time.ParseDuration(lookup("API_SECRET_CACHE_TTL")); err == nil {
		opts = append(opts, secrets.WithCacheTTL(ttl))
	}
	if credentialsFile := lookup("API_GCP_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets that must resolve before the API starts. Outside local
// environments the database and token verification secrets are mandatory.
func requiredSecretNames(env map[string]string) []string {
	environment := strings.ToLower(strings.TrimSpace(env["API_SECURITY_ENVIRONMENT"]))
	if environment == "" || environment == "local" {
		return nil
	}
	required := []string{"Database.DSN"}
	if strings.TrimSpace(env["API_SECURITY_JWT_JWKS_URL"]) == "" {
		required = append(required, "Security.JWT.Secret")
	}
	if strings.TrimSpace(env["API_MELLAT_TERMINAL_ID"]) != "" {
		required = append(required, "Gateways.Mellat.Password")
	}
	if strings.TrimSpace(env["API_SNAPPPAY_CLIENT_ID"]) != "" {
		required = append(required, "Gateways.SnappPay.ClientSecret", "Gateways.SnappPay.Password")
	}
	return required
}

func newAuthenticator(cfg config.Config) (*auth.Authenticator, error) {
	jwtCfg := auth.JWTVerifierConfig{
		Secret:    cfg.Security.JWT.Secret,
		Issuer:    cfg.Security.JWT.Issuer,
		Audience:  cfg.Security.JWT.Audience,
		AdminRole: cfg.Security.JWT.AdminRole,
	}
	if url := strings.TrimSpace(cfg.Security.JWT.JWKSURL); url != "" {
		jwtCfg.JWKS = auth.NewJWKSCache(url)
	}
	verifier, err := auth.NewJWTVerifier(jwtCfg)
	if err != nil {
		return nil, err
	}
	return auth.NewAuthenticator(verifier), nil
}

// newGateways builds the payment and carrier clients. Bank redirect providers are registered
// when their credentials are present; installment and carrier clients are optional.
func newGateways(cfg config.Config, logger services.EventLogger) (di.Gateways, error) {
	var gw di.Gateways
	providers := make(map[string]payments.RedirectProvider)

	if mellat := cfg.Gateways.Mellat; mellat.TerminalID > 0 {
		client, err := payments.NewMellatClient(payments.MellatConfig{
			TerminalID:  mellat.TerminalID,
			Username:    mellat.Username,
			Password:    mellat.Password,
			Endpoint:    mellat.Endpoint,
			StartPayURL: mellat.StartPayURL,
			Timeout:     cfg.Gateways.HTTPTimeout,
			Logger:      payments.ProviderLogger(logger),
		})
		if err != nil {
			return gw, err
		}
		providers[payments.MellatProviderName] = client
	}
	if stripeCfg := cfg.Gateways.Stripe; stripeCfg.APIKey != "" {
		client, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:   stripeCfg.APIKey,
			Currency: stripeCfg.Currency,
			Logger:   payments.ProviderLogger(logger),
		})
		if err != nil {
			return gw, err
		}
		providers[payments.StripeProviderName] = client
	}
	if len(providers) == 0 {
		return gw, errors.New("no bank redirect gateway configured: set API_MELLAT_TERMINAL_ID or API_STRIPE_API_KEY")
	}
	var managerOpts []payments.ManagerOption
	if _, ok := providers[cfg.Gateways.Default]; ok {
		managerOpts = append(managerOpts, payments.WithDefaultProvider(cfg.Gateways.Default))
	} else if _, ok := providers[payments.MellatProviderName]; !ok {
		managerOpts = append(managerOpts, payments.WithDefaultProvider(payments.StripeProviderName))
	}
	manager, err := payments.NewManager(providers, managerOpts...)
	if err != nil {
		return gw, err
	}
	gw.Redirects = manager

	if snapp := cfg.Gateways.SnappPay; snapp.ClientID != "" {
		client, err := payments.NewSnappPayClient(payments.SnappPayConfig{
			BaseURL:      snapp.BaseURL,
			ClientID:     snapp.ClientID,
			ClientSecret: snapp.ClientSecret,
			Username:     snapp.Username,
			Password:     snapp.Password,
			Timeout:      cfg.Gateways.HTTPTimeout,
			Logger:       payments.ProviderLogger(logger),
		})
		if err != nil {
			return gw, err
		}
		gw.Installments = client
	}

	if cfg.Carrier.APIKey != "" {
		client, err := shipping.NewAnipoClient(shipping.AnipoConfig{
			BaseURL: cfg.Carrier.BaseURL,
			Keyword: cfg.Carrier.APIKey,
			Timeout: cfg.Gateways.HTTPTimeout,
			Logger:  shipping.Logger(logger),
		})
		if err != nil {
			return gw, err
		}
		gw.Carrier = client
		gw.Balance = client
	}
	return gw, nil
}

// newEventPublisher selects the order event backend. The returned probe, when non-nil, is used
// by the readiness endpoint.
func newEventPublisher(ctx context.Context, logger *zap.Logger, cfg config.Config) (services.OrderEventPublisher, *repositories.DependencyCheck, func(), error) {
	noop := func() {}
	switch cfg.Events.Backend {
	case "", "none":
		return nil, nil, noop, nil
	case "pubsub":
		projectID := cfg.Events.ProjectID
		if projectID == "" {
			projectID = cfg.Server.ProjectID
		}
		client, err := pubsub.NewClient(ctx, projectID)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(cfg.Events.Topic)
		publisher, err := events.NewPubSubPublisher(topic)
		if err != nil {
			_ = client.Close()
			return nil, nil, noop, err
		}
		probe := &repositories.DependencyCheck{
			Name: "pubsub",
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s not found", cfg.Events.Topic)
				}
				return nil
			},
		}
		return publisher, probe, func() {
			publisher.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}, nil
	case "kafka":
		kafkaLogger := logger.Named("kafka")
		writer, err := events.NewKafkaWriter(events.KafkaConfig{
			Brokers:     cfg.Events.KafkaBrokers,
			Topic:       cfg.Events.Topic,
			Logger:      observability.NewPrintfAdapter(kafkaLogger, zapcore.DebugLevel),
			ErrorLogger: observability.NewPrintfAdapter(kafkaLogger, zapcore.ErrorLevel),
		})
		if err != nil {
			return nil, nil, noop, err
		}
		publisher, err := events.NewKafkaPublisher(writer)
		if err != nil {
			return nil, nil, noop, err
		}
		return publisher, nil, func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("kafka close error", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, noop, fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}
}

func newIdempotencyStore(logger *zap.Logger, cfg config.Config, client *redis.Client) idempotency.Store {
	if cfg.Idempotency.Backend == "redis" {
		if client != nil {
			return idempotency.NewRedisStore(client)
		}
		logger.Warn("idempotency: redis backend selected without API_REDIS_ADDR; using memory store")
	}
	return idempotency.NewMemoryStore()
}

func newHealthRepository(db *database.Provider, client *redis.Client, fetcher *secrets.Fetcher, extra *repositories.DependencyCheck) (repositories.HealthRepository, error) {
	checks := []repositories.DependencyCheck{
		{Name: "postgres", Check: db.Ping},
	}
	if client != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name: "redis",
			Check: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://api-readiness-probe?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil || errors.Is(err, secrets.ErrSecretNotFound) {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if extra != nil {
		checks = append(checks, *extra)
	}
	return repositories.NewDependencyHealthRepository(checks)
}

// startBackgroundWorkers runs the idempotency cleanup and settlement sweep tickers until the
// returned stop function is called.
func startBackgroundWorkers(logger *zap.Logger, cfg config.Config, store idempotency.Store, sweeper services.SettlementSweeper) (*sync.WaitGroup, func()) {
	workerCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	runTicker := func(interval time.Duration, run func(ctx context.Context)) {
		if interval <= 0 {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					run(workerCtx)
				case <-workerCtx.Done():
					return
				}
			}
		}()
	}

	cleanupLogger := logger.Named("idempotency")
	runTicker(cfg.Idempotency.CleanupInterval, func(ctx context.Context) {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
		if err != nil {
			cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
			return
		}
		if removed > 0 {
			cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
		}
	})

	if sweeper != nil {
		sweepLogger := logger.Named("settlement")
		runTicker(cfg.Settlement.SweepInterval, func(ctx context.Context) {
			runCtx, cancel := context.WithTimeout(ctx, cfg.Settlement.SweepInterval)
			defer cancel()
			report, err := sweeper.Sweep(observability.WithLogger(runCtx, sweepLogger))
			if err != nil {
				sweepLogger.Error("settlement sweep failed", zap.Error(err))
				return
			}
			if report.Scanned > 0 {
				sweepLogger.Info("settlement sweep completed",
					zap.Int("scanned", report.Scanned),
					zap.Int("settled", report.Settled),
					zap.Int("failed", report.Failed),
				)
			}
		})
	}

	return &wg, cancel
}
