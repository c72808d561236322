package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	serviceDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Template subscription metrics
	SubscriptionEventsTotal *prometheus.CounterVec
	SubscriptionsActive     prometheus.Gauge

	// Action metrics
	ActionDispatchesTotal *prometheus.CounterVec
	ActionDuration        *prometheus.HistogramVec

	// Home Assistant connection metrics
	HassConnected       prometheus.Gauge
	HassReconnectsTotal prometheus.Counter
	HassMessagesTotal   *prometheus.CounterVec

	// Card metrics
	CardsActive       *prometheus.GaugeVec
	CardSubmitsTotal  *prometheus.CounterVec
	EventClientsTotal prometheus.Gauge

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formcard_http_requests_total",
			Help: "Total HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formcard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formcard_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formcard_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Subscriptions
		SubscriptionEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formcard_subscription_events_total",
			Help: "Template subscription lifecycle events by kind and outcome.",
		}, []string{"kind", "outcome"}),
		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "formcard_subscriptions_active",
			Help: "Number of open template subscriptions.",
		}),

		// Actions
		ActionDispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formcard_action_dispatches_total",
			Help: "Total action dispatches by service and status.",
		}, []string{"service", "status"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formcard_action_duration_seconds",
			Help:    "Action dispatch duration in seconds.",
			Buckets: serviceDurationBuckets,
		}, []string{"service"}),

		// Home Assistant
		HassConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "formcard_hass_connected",
			Help: "1 when the Home Assistant websocket is authenticated.",
		}),
		HassReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formcard_hass_reconnects_total",
			Help: "Total Home Assistant reconnect attempts.",
		}),
		HassMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formcard_hass_messages_total",
			Help: "Home Assistant websocket messages by direction and type.",
		}, []string{"direction", "type"}),

		// Cards
		CardsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "formcard_cards_active",
			Help: "Number of live cards and rows.",
		}, []string{"kind"}),
		CardSubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formcard_card_submits_total",
			Help: "Total form card submissions by status.",
		}, []string{"status"}),
		EventClientsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "formcard_event_clients",
			Help: "Number of connected event stream clients.",
		}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formcard_definition_reload_total",
			Help: "Total definition reloads by status.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "formcard_definitions_loaded",
			Help: "Number of loaded definitions by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Subscriptions
		m.SubscriptionEventsTotal,
		m.SubscriptionsActive,
		// Actions
		m.ActionDispatchesTotal,
		m.ActionDuration,
		// Home Assistant
		m.HassConnected,
		m.HassReconnectsTotal,
		m.HassMessagesTotal,
		// Cards
		m.CardsActive,
		m.CardSubmitsTotal,
		m.EventClientsTotal,
		// System
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordSubscriptionEvent records one subscription lifecycle event. A
// successful subscribe opens a subscription; any teardown closes one.
func (m *Metrics) RecordSubscriptionEvent(kind, outcome string) {
	m.SubscriptionEventsTotal.WithLabelValues(kind, outcome).Inc()
	switch {
	case kind == "subscribe" && outcome == "ok":
		m.SubscriptionsActive.Inc()
	case kind == "teardown":
		m.SubscriptionsActive.Dec()
	}
}

// RecordActionDispatch records an action dispatch.
func (m *Metrics) RecordActionDispatch(service string, success, preview bool, duration time.Duration) {
	status := "success"
	switch {
	case !success:
		status = "failure"
	case preview:
		status = "preview"
	}
	m.ActionDispatchesTotal.WithLabelValues(service, status).Inc()
	m.ActionDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// SetHassConnected sets the Home Assistant connection gauge.
func (m *Metrics) SetHassConnected(connected bool) {
	if connected {
		m.HassConnected.Set(1)
		return
	}
	m.HassConnected.Set(0)
}

// RecordHassReconnect records a reconnect attempt.
func (m *Metrics) RecordHassReconnect() {
	m.HassReconnectsTotal.Inc()
}

// RecordHassMessage records a websocket message. Direction is "in" or "out".
func (m *Metrics) RecordHassMessage(direction, msgType string) {
	m.HassMessagesTotal.WithLabelValues(direction, msgType).Inc()
}

// AddCardsActive adjusts the live card gauge for kind ("card" or "row").
func (m *Metrics) AddCardsActive(kind string, delta float64) {
	m.CardsActive.WithLabelValues(kind).Add(delta)
}

// RecordCardSubmit records a form card submission.
func (m *Metrics) RecordCardSubmit(status string) {
	m.CardSubmitsTotal.WithLabelValues(status).Inc()
}

// AddEventClients adjusts the event stream client gauge.
func (m *Metrics) AddEventClients(delta float64) {
	m.EventClientsTotal.Add(delta)
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions of kind.
func (m *Metrics) SetDefinitionsLoaded(kind string, count float64) {
	m.DefinitionsLoaded.WithLabelValues(kind).Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a Prometheus HTTP handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := rctx.RoutePattern()
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusRecorder captures the status and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
