package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	postingsTotal   *prometheus.CounterVec
	variancesTotal  prometheus.Counter
	integrityDrift  *prometheus.GaugeVec
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "greenlot_http_requests_total",
		Help: "HTTP requests partitioned by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "greenlot_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	postings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "greenlot_ledger_postings_total",
		Help: "Ledger postings partitioned by entry type.",
	}, []string{"type"})
	variances := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "greenlot_reconciliation_variances_total",
		Help: "Settlement closes that reported a COGS variance above tolerance.",
	})
	drift := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "greenlot_stock_integrity_drift",
		Help: "Difference between aggregate quantity and the sum of lot remainders per product.",
	}, []string{"product"})
	registry.MustRegister(requests, duration, postings, variances, drift)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		postingsTotal:   postings,
		variancesTotal:  variances,
		integrityDrift:  drift,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// CountPosting increments the ledger posting counter for an entry type.
func (m *Metrics) CountPosting(entryType string) {
	if m == nil {
		return
	}
	m.postingsTotal.WithLabelValues(entryType).Inc()
}

// CountVariance increments the reconciliation variance counter.
func (m *Metrics) CountVariance() {
	if m == nil {
		return
	}
	m.variancesTotal.Inc()
}

// SetIntegrityDrift records the aggregate-vs-lots drift for a product.
func (m *Metrics) SetIntegrityDrift(productID int64, drift float64) {
	if m == nil {
		return
	}
	m.integrityDrift.WithLabelValues(strconv.FormatInt(productID, 10)).Set(drift)
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
