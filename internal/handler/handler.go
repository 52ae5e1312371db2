// Package handler exposes the orchestrator as a service-broker style HTTP API.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/aliuygur/analytics-broker/internal/appctx"
	"github.com/aliuygur/analytics-broker/internal/catalog"
	"github.com/aliuygur/analytics-broker/internal/ledger"
	"github.com/aliuygur/analytics-broker/internal/metrics"
	"github.com/aliuygur/analytics-broker/internal/orchestrator"
)

// Broker is the part of the orchestrator the API serves.
type Broker interface {
	Create(ctx context.Context, req orchestrator.CreateRequest) error
	Update(ctx context.Context, req orchestrator.UpdateRequest) error
	Delete(ctx context.Context, platformID, instanceID string) error
	Read(ctx context.Context, platformID, instanceID string) (orchestrator.InstanceView, error)
	LastOperation(ctx context.Context, platformID, instanceID string) (ledger.Entry, error)
	List(ctx context.Context, platformID string) ([]orchestrator.InstanceView, error)
	Bind(ctx context.Context, req orchestrator.BindRequest) (orchestrator.BindingCredentials, error)
	Unbind(ctx context.Context, platformID, instanceID, bindingID string) error
}

// Handler holds all dependencies for HTTP handlers
type Handler struct {
	broker   Broker
	catalog  *catalog.Catalog
	metrics  *metrics.Metrics
	logger   *slog.Logger
	validate *validator.Validate
	// ping reports whether the broker's own database is reachable.
	ping func(ctx context.Context) error
}

// New creates a new Handler instance
func New(broker Broker, cat *catalog.Catalog, m *metrics.Metrics, logger *slog.Logger, ping func(context.Context) error) *Handler {
	return &Handler{
		broker:   broker,
		catalog:  cat,
		metrics:  m,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		ping:     ping,
	}
}

// Routes builds the router with every endpoint registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(appctx.LoggerMiddleware(h.logger))
	r.Use(appctx.AccessLog)
	r.Use(middleware.Recoverer)
	if h.metrics != nil {
		r.Use(h.metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Get("/healthz", h.Healthz)
	r.Get("/v2/catalog", h.Catalog)

	r.Route("/platforms/{platform}", func(r chi.Router) {
		r.Get("/instances", h.ListInstances)

		r.Route("/v2/service_instances/{instance}", func(r chi.Router) {
			r.Put("/", h.ProvisionInstance)
			r.Get("/", h.GetInstance)
			r.Patch("/", h.UpdateInstance)
			r.Delete("/", h.DeprovisionInstance)
			r.Get("/last_operation", h.LastOperation)

			r.Put("/service_bindings/{binding}", h.Bind)
			r.Delete("/service_bindings/{binding}", h.Unbind)
		})
	})
	return r
}

// Healthz answers 200 while the database is reachable.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			appctx.GetLogger(r.Context()).Error("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
