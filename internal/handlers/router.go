package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shopcore/api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

const (
	defaultAPIPrefix      = "/api/v1"
	defaultRequestTimeout = 60 * time.Second
	errorNotFoundCode     = "route_not_found"

	groupCart     = "cart"
	groupPayments = "payments"
	groupAdmin    = "admin"
)

// routeGroups is the mount order below the API prefix.
var routeGroups = []string{groupCart, groupPayments, groupAdmin}

type routeGroup struct {
	registrar   RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

type routerConfig struct {
	basePath       string
	requestTimeout time.Duration
	middlewares    []func(http.Handler) http.Handler
	health         *HealthHandlers
	groups         map[string]*routeGroup
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

// NewRouter builds the API router. Payment callbacks and admin responses are marked
// non-cacheable since they carry order state.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath:       defaultAPIPrefix,
		requestTimeout: defaultRequestTimeout,
		groups: map[string]*routeGroup{
			groupCart:     {},
			groupPayments: {middlewares: []func(http.Handler) http.Handler{noStore}},
			groupAdmin:    {middlewares: []func(http.Handler) http.Handler{noStore}},
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	if cfg.requestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.requestTimeout))
	}
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, name := range routeGroups {
			group := cfg.groups[name]
			api.Route("/"+name, func(sub chi.Router) {
				for _, mw := range group.middlewares {
					if mw != nil {
						sub.Use(mw)
					}
				}
				if group.registrar == nil {
					registerUnmounted(sub, name)
					return
				}
				group.registrar(sub)
			})
		}
	})

	return r
}

// WithMiddlewares appends global middleware, applied after request id, real ip and timeout.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithRequestTimeout bounds every request; zero or negative disables the timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *routerConfig) {
		cfg.requestTimeout = d
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz endpoints.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithCartRoutes mounts the cart and checkout registrar under /cart.
func WithCartRoutes(reg RouteRegistrar) Option {
	return withGroup(groupCart, reg)
}

// WithPaymentRoutes mounts the gateway callback registrar under /payments.
func WithPaymentRoutes(reg RouteRegistrar) Option {
	return withGroup(groupPayments, reg)
}

// WithAdminRoutes mounts the back-office registrar under /admin.
func WithAdminRoutes(reg RouteRegistrar) Option {
	return withGroup(groupAdmin, reg)
}

func withGroup(name string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.groups[name].registrar = reg
	}
}

// CombineRegistrars runs several registrars against the same group.
func CombineRegistrars(regs ...RouteRegistrar) RouteRegistrar {
	return func(r chi.Router) {
		for _, reg := range regs {
			if reg != nil {
				reg(r)
			}
		}
	}
}

func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// registerUnmounted answers 501 for a group whose services were not wired.
func registerUnmounted(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes are not mounted", name), http.StatusNotImplemented))
	}
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}
