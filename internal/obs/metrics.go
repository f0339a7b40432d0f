// Package obs exposes Prometheus metrics for the gateway.
package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the gateway registers.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	DecisionsTotal  *prometheus.CounterVec
	LoginsTotal     *prometheus.CounterVec
	AutoBansTotal   *prometheus.CounterVec
	RateLimitDrops  prometheus.Counter
	ActiveBans      prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "http_requests_total",
			Help:      "HTTP requests processed, by method and status.",
		}, []string{"method", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aegis",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method"}),
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "access_decisions_total",
			Help:      "Gateway access decisions, by verdict and reason.",
		}, []string{"decision", "reason"}),
		LoginsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "login_attempts_total",
			Help:      "Login attempts, by result.",
		}, []string{"result"}),
		AutoBansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "auto_bans_total",
			Help:      "Automatic IP bans placed, by threat type.",
		}, []string{"threat"}),
		RateLimitDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "rate_limit_drops_total",
			Help:      "Requests rejected by rate limiting.",
		}),
		ActiveBans: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aegis",
			Name:      "active_ip_bans",
			Help:      "Currently active IP bans.",
		}),
	}
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument records request counts and latency for every request.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(wrapped, r)

		m.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(wrapped.Status())).Inc()
		m.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// RecordDecision counts one gateway verdict.
func (m *Metrics) RecordDecision(allowed bool, reason string) {
	decision := "allow"
	if !allowed {
		decision = "deny"
	}
	m.DecisionsTotal.WithLabelValues(decision, reason).Inc()
}

// RecordLogin counts one login attempt outcome.
func (m *Metrics) RecordLogin(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.LoginsTotal.WithLabelValues(result).Inc()
}
