// Package metrics exposes the gateway's prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Requests  *prometheus.CounterVec
	Tokens    *prometheus.CounterVec
	CostUSD   *prometheus.CounterVec
	Failovers *prometheus.CounterVec
	Alerts    prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: registry,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Completion requests by provider, model and outcome.",
		}, []string{"provider", "model", "outcome"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Tokens consumed by provider, model and direction.",
		}, []string{"provider", "model", "direction"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cost_usd_total",
			Help: "Accumulated cost in USD by provider and model.",
		}, []string{"provider", "model"}),
		Failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_failovers_total",
			Help: "Failed provider attempts that moved routing to the next candidate.",
		}, []string{"provider", "kind"}),
		Alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_budget_alerts_total",
			Help: "Budget alert events emitted.",
		}),
	}
	registry.MustRegister(m.Requests, m.Tokens, m.CostUSD, m.Failovers, m.Alerts)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveUsage records the token and cost counters for one completed
// request.
func (m *Metrics) ObserveUsage(providerName, model string, promptTokens, completionTokens int, costUSD float64) {
	m.Tokens.WithLabelValues(providerName, model, "prompt").Add(float64(promptTokens))
	m.Tokens.WithLabelValues(providerName, model, "completion").Add(float64(completionTokens))
	m.CostUSD.WithLabelValues(providerName, model).Add(costUSD)
}
