// Package rest is the HTTP ingress. Tool invocations are POSTed as JSON;
// the same dispatcher serves the stdio ingress, so both wire formats carry
// the identical envelope.
package rest

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"opskb-backend/internal/health"
	"opskb-backend/internal/tools"
	"opskb-backend/pkg/api"
	"opskb-backend/pkg/errors"
	"opskb-backend/pkg/observability"
)

const maxBodyBytes = 1 << 20

// Router wires the HTTP routes to the tool dispatcher.
type Router struct {
	dispatcher *tools.Dispatcher
	health     *health.Aggregator
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewRouter creates the router. metrics may be nil to disable /metrics.
func NewRouter(dispatcher *tools.Dispatcher, aggregator *health.Aggregator, metrics *observability.Metrics, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		dispatcher: dispatcher,
		health:     aggregator,
		metrics:    metrics,
		logger:     logger,
	}
}

// Setup configures all routes and middleware.
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(requestLogger(rt.logger))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID", "X-Correlation-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)
	if rt.metrics != nil {
		router.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(rt.metrics.Registry, promhttp.HandlerOpts{}))
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/sources", rt.listSources)
		r.Post("/tools/{tool}", rt.invokeTool)
	})
	return router
}

// invokeTool runs one named tool. The body is the tool's argument object.
func (rt *Router) invokeTool(w http.ResponseWriter, r *http.Request) {
	tool := chi.URLParam(r, "tool")
	correlationID := correlationIDFrom(r)
	meta := api.Metadata{CorrelationID: correlationID}

	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		err := errors.NewValidation("Content-Type must be application/json")
		api.WriteJSON(w, api.StatusOf(err), api.Failure(err, meta))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		appErr := errors.NewValidation("request body unreadable or too large")
		api.WriteJSON(w, api.StatusOf(appErr), api.Failure(appErr, meta))
		return
	}

	resp := rt.dispatcher.Dispatch(r.Context(), tool, body, correlationID)
	api.WriteJSON(w, api.StatusOfResponse(resp), resp)
}

// listSources is a convenience GET alias for the list_sources tool.
func (rt *Router) listSources(w http.ResponseWriter, r *http.Request) {
	resp := rt.dispatcher.Dispatch(r.Context(), tools.ToolListSources, nil, correlationIDFrom(r))
	api.WriteJSON(w, api.StatusOfResponse(resp), resp)
}

func (rt *Router) healthCheck(w http.ResponseWriter, r *http.Request) {
	report := rt.health.Check(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	api.WriteJSON(w, status, report)
}

// readinessCheck reports whether the service can take traffic. Readiness
// matches overall health: a degraded service still serves.
func (rt *Router) readinessCheck(w http.ResponseWriter, r *http.Request) {
	report := rt.health.Check(r.Context())
	if !report.Healthy {
		api.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// correlationIDFrom prefers an explicit caller id over the generated
// request id so distributed traces line up across services.
func correlationIDFrom(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-ID"); id != "" {
		return id
	}
	return chimiddleware.GetReqID(r.Context())
}
