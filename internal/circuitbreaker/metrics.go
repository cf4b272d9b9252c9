package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lodestone_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_circuit_breaker_requests_total",
			Help: "Total number of requests observed by a circuit breaker",
		},
		[]string{"name", "result"},
	)
)

func recordStateChange(name string, to State) {
	breakerState.WithLabelValues(name).Set(float64(to))
}

func recordRequest(name string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	breakerRequests.WithLabelValues(name, result).Inc()
}
