// Package metrics exposes Prometheus instruments for the metering core.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all payless instruments on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	LedgerOpsTotal      *prometheus.CounterVec
	CreditsTotal        *prometheus.CounterVec
	CommitOverrunsTotal prometheus.Counter
	StaleReleasesTotal  prometheus.Counter
	ExecuteTotal        *prometheus.CounterVec
	ExecuteDuration     *prometheus.HistogramVec
	TokensTotal         *prometheus.CounterVec
	PricingReloadsTotal *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates Metrics registered on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "payless"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		LedgerOpsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations by kind and result",
			},
			[]string{"op", "result"},
		),
		CreditsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "credits_total",
				Help:      "Credits moved by the ledger",
			},
			[]string{"kind"}, // earned, reserved, charged, refunded
		),
		CommitOverrunsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "commit_overruns_total",
				Help:      "Commits whose exact cost exceeded the reservation and were capped",
			},
		),
		StaleReleasesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "stale_releases_total",
				Help:      "Reservations released by the janitor",
			},
		),
		ExecuteTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "executions_total",
				Help:      "Vendor executions by outcome",
			},
			[]string{"provider", "model", "status"},
		),
		ExecuteDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "execution_duration_seconds",
				Help:      "Vendor execution latency in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		TokensTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "tokens_total",
				Help:      "Tokens billed",
			},
			[]string{"provider", "model", "type"}, // type: input, output
		),
		PricingReloadsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pricing",
				Name:      "reloads_total",
				Help:      "Pricing catalog reload attempts",
			},
			[]string{"result"},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordLedgerOp counts a ledger operation.
func (m *Metrics) RecordLedgerOp(op, result string) {
	if m == nil {
		return
	}
	m.LedgerOpsTotal.WithLabelValues(op, result).Inc()
}

// AddCredits counts credits moved for kind.
func (m *Metrics) AddCredits(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.CreditsTotal.WithLabelValues(kind).Add(float64(n))
}

// RecordOverrun counts a capped commit.
func (m *Metrics) RecordOverrun() {
	if m == nil {
		return
	}
	m.CommitOverrunsTotal.Inc()
}

// RecordStaleReleases counts janitor releases.
func (m *Metrics) RecordStaleReleases(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StaleReleasesTotal.Add(float64(n))
}

// RecordExecution records a vendor call.
func (m *Metrics) RecordExecution(provider, model, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecuteTotal.WithLabelValues(provider, model, status).Inc()
	m.ExecuteDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}

// RecordTokens records billed token counts.
func (m *Metrics) RecordTokens(provider, model string, in, out int) {
	if m == nil {
		return
	}
	if in > 0 {
		m.TokensTotal.WithLabelValues(provider, model, "input").Add(float64(in))
	}
	if out > 0 {
		m.TokensTotal.WithLabelValues(provider, model, "output").Add(float64(out))
	}
}

// RecordPricingReload counts a catalog reload.
func (m *Metrics) RecordPricingReload(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PricingReloadsTotal.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
