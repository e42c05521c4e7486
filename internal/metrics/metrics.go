// Package metrics exposes manager activity as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProviderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_manager_provider_attempts_total",
			Help: "Provider calls by outcome (success, transient, auth, invalid_request, unknown)",
		},
		[]string{"provider", "outcome"},
	)

	ProviderState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llm_manager_provider_state",
			Help: "Provider breaker state: 0 healthy, 1 probing, 2 unavailable",
		},
		[]string{"provider"},
	)

	Tokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_manager_tokens_total",
			Help: "Tokens consumed by live provider responses",
		},
		[]string{"provider", "model"},
	)

	Cost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_manager_cost_total",
			Help: "Estimated cost of live provider responses",
		},
		[]string{"provider"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_manager_cache_lookups_total",
			Help: "Response cache lookups by result (hit, miss, bypass)",
		},
		[]string{"result"},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llm_manager_cache_entries",
			Help: "Entries held by the in-memory response cache after the last sweep",
		},
	)

	CacheSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llm_manager_cache_swept_total",
			Help: "Expired response cache entries dropped by the periodic sweep",
		},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_manager_request_duration_seconds",
			Help:    "End-to-end submit latency by result",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"result"},
	)
)

// StateValue maps a health state name onto the ProviderState gauge.
func StateValue(state string) float64 {
	switch state {
	case "probing":
		return 1
	case "unavailable":
		return 2
	default:
		return 0
	}
}
