package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/formcard/internal/card"
	"github.com/pitabwire/formcard/internal/config"
	"github.com/pitabwire/formcard/internal/definition"
	"github.com/pitabwire/formcard/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Host      *card.Host
	Hub       *card.Hub
	Validator *definition.Validator
	Logger    *zap.Logger

	// Metrics is optional. When nil, HTTP metrics are not recorded.
	Metrics *observability.Metrics
	// Gatherer backs the metrics endpoint. Defaults to the global registry.
	Gatherer  prometheus.Gatherer
	Readiness observability.ReadinessChecks

	// Token is the bearer token API clients must present. Empty disables
	// authentication.
	Token string
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validator := deps.Validator
	if validator == nil {
		validator = definition.NewValidator()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		metricsHandler := observability.Handler()
		if deps.Gatherer != nil {
			metricsHandler = observability.HandlerFor(deps.Gatherer)
		}
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, metricsHandler)
	}

	// The event stream hijacks the connection, so it stays outside the
	// middleware that wraps the response writer.
	r.With(BearerAuth(deps.Token)).
		Get("/events", handleEvents(deps.Hub, newUpgrader(deps.Config.Server.CORS.AllowedOrigins), logger))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Use(observability.TracingMiddleware)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Route("/cards/{cardId}", func(r chi.Router) {
			r.Get("/", handleGetCard(deps.Host))
			r.Put("/config", handlePutCardConfig(deps.Host, validator))
			r.Put("/value", handlePutCardValue(deps.Host))
			r.Post("/fields/{key}", handleFieldInput(deps.Host))
			r.Post("/reset", handleResetCard(deps.Host))
			r.Post("/submit", handleSubmitCard(deps.Host))
		})
		r.Route("/rows/{rowId}", func(r chi.Router) {
			r.Get("/", handleGetRow(deps.Host))
			r.Post("/value", handleRowInput(deps.Host))
		})
	})

	return r
}
