package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/shopcore/api/internal/platform/config"
	"github.com/shopcore/api/internal/repositories"
	"github.com/shopcore/api/internal/services"
)

// Services bundles the service-layer contracts that handlers and background workers rely upon.
// Concrete implementations are assembled via dependency injection in NewContainer.
type Services struct {
	Audit       services.OrderAuditSink
	Categories  services.CategoryMapper
	Reconciler  services.StockReconciler
	Labels      services.ShipmentLabelService
	Dispatcher  services.PaymentDispatcher
	Checkout    services.CheckoutService
	Settlement  services.SettlementService
	Sweeper     services.SettlementSweeper
	Adjustments services.AdjustmentService
	System      services.SystemService
}

// Gateways carries the external clients the services talk to. Installments, Carrier and
// Events are optional; the corresponding features degrade when they are nil.
type Gateways struct {
	Redirects    services.RedirectGateway
	Installments services.InstallmentClient
	Carrier      services.Carrier
	Balance      services.CarrierBalance
	Events       services.OrderEventPublisher
}

// Dependencies are runtime collaborators that are not derived from configuration.
type Dependencies struct {
	Gateways Gateways
	Logger   services.EventLogger
	Meter    metric.Meter
	Clock    func() time.Time
	Build    services.BuildInfo
	// Health drives the readiness report; without it System stays nil and /readyz reports liveness.
	Health repositories.HealthRepository
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides the gorm
// registry, while tests can supply in-memory registries.
func NewContainer(cfg config.Config, reg repositories.Registry, deps Dependencies) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Gateways.Redirects == nil {
		return nil, errors.New("redirect gateway is required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Meter == nil {
		deps.Meter = noop.NewMeterProvider().Meter("shopcore/api")
	}

	svc, err := buildServices(cfg, reg, deps)
	if err != nil {
		return nil, err
	}
	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, reg repositories.Registry, deps Dependencies) (Services, error) {
	var svc Services
	gw := deps.Gateways
	checkout := cfg.Checkout

	audit, err := services.NewOrderAuditService(services.OrderAuditServiceDeps{
		Repository: reg.OrderLogs(),
		Clock:      deps.Clock,
		Logger:     deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order audit service: %w", err)
	}
	svc.Audit = audit

	categories, err := services.NewCategoryMapper(services.CategoryMapperDeps{
		Repository: reg.CategoryMappings(),
		TTL:        checkout.CategoryCacheTTL,
		Clock:      deps.Clock,
		Logger:     deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build category mapper: %w", err)
	}
	svc.Categories = categories

	reconciler, err := services.NewStockReconciler(services.StockReconcilerDeps{
		Carts:  reg.Carts(),
		Logger: deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build stock reconciler: %w", err)
	}
	svc.Reconciler = reconciler

	if gw.Carrier != nil {
		labels, err := services.NewShipmentLabelService(services.ShipmentLabelServiceDeps{
			Registry:          reg,
			Carrier:           gw.Carrier,
			Audit:             audit,
			DefaultItemWeight: checkout.DefaultItemWeight,
			MinShipmentWeight: checkout.MinShipmentWeight,
			Clock:             deps.Clock,
			Logger:            deps.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build shipment label service: %w", err)
		}
		svc.Labels = labels
	}

	dispatcher, err := services.NewPaymentDispatcher(services.PaymentDispatcherDeps{
		Registry:         reg,
		Redirects:        gw.Redirects,
		Installments:     gw.Installments,
		Categories:       categories,
		Labels:           svc.Labels,
		LabelMethodID:    cfg.Carrier.MethodID,
		Audit:            audit,
		Events:           gw.Events,
		Meter:            deps.Meter,
		PublicBaseURL:    cfg.Server.PublicBaseURL,
		EligibilityCheck: cfg.Gateways.SnappPay.EligibilityCheck,
		Clock:            deps.Clock,
		Logger:           deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment dispatcher: %w", err)
	}
	svc.Dispatcher = dispatcher

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Registry:               reg,
		Reconciler:             reconciler,
		Dispatcher:             dispatcher,
		Audit:                  audit,
		Events:                 gw.Events,
		PickupShippingMethodID: checkout.PickupShippingMethodID,
		DefaultItemWeight:      checkout.DefaultItemWeight,
		MinShipmentWeight:      checkout.MinShipmentWeight,
		Clock:                  deps.Clock,
		Logger:                 deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	settlement, err := services.NewSettlementService(services.SettlementServiceDeps{
		Registry:        reg,
		Redirects:       gw.Redirects,
		Installments:    gw.Installments,
		Labels:          svc.Labels,
		LabelMethodID:   cfg.Carrier.MethodID,
		Audit:           audit,
		Events:          gw.Events,
		Meter:           deps.Meter,
		FrontendBaseURL: cfg.Server.FrontendBaseURL,
		Clock:           deps.Clock,
		Logger:          deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build settlement service: %w", err)
	}
	svc.Settlement = settlement

	sweeper, err := services.NewSettlementSweeper(services.SettlementSweeperDeps{
		Orders:      reg.Orders(),
		Settlement:  settlement,
		MinAge:      cfg.Settlement.SweepMinAge,
		BatchSize:   cfg.Settlement.SweepBatchSize,
		Concurrency: cfg.Settlement.SweepConcurrency,
		Clock:       deps.Clock,
		Logger:      deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build settlement sweeper: %w", err)
	}
	svc.Sweeper = sweeper

	adjustments, err := services.NewAdjustmentService(services.AdjustmentServiceDeps{
		Registry:          reg,
		Installments:      gw.Installments,
		Categories:        categories,
		Carrier:           gw.Carrier,
		CarrierMethodID:   cfg.Carrier.MethodID,
		DefaultItemWeight: checkout.DefaultItemWeight,
		MinShipmentWeight: checkout.MinShipmentWeight,
		Audit:             audit,
		Events:            gw.Events,
		Clock:             deps.Clock,
		Logger:            deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build adjustment service: %w", err)
	}
	svc.Adjustments = adjustments

	health := deps.Health
	if health == nil {
		health = reg.Health()
	}
	if health != nil {
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: health,
			Carrier:          gw.Balance,
			Clock:            deps.Clock,
			Build:            deps.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}
