// Package metrics exposes proxy counters on the control API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the proxy's counter families behind one registry.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	AttemptsTotal  *prometheus.CounterVec
	FailoversTotal *prometheus.CounterVec
	CooldownsTotal *prometheus.CounterVec
}

// New creates a registry with all proxy counters registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codex_helper_requests_total",
			Help: "Finished client requests by service and status class.",
		}, []string{"service", "status_class"}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codex_helper_attempts_total",
			Help: "Upstream attempts by config and error class.",
		}, []string{"config", "class"}),
		FailoversTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codex_helper_failovers_total",
			Help: "Cross-config failovers by service.",
		}, []string{"service"}),
		CooldownsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codex_helper_cooldowns_total",
			Help: "Cooldown penalties applied by config and error class.",
		}, []string{"config", "class"}),
	}
	m.registry.MustRegister(m.RequestsTotal, m.AttemptsTotal, m.FailoversTotal, m.CooldownsTotal)
	return m
}

// StatusClass buckets a status code for the requests counter.
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
