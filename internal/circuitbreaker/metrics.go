package circuitbreaker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tgrag_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgrag_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "state", "result"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgrag_circuit_breaker_state_changes_total",
			Help: "Total number of circuit breaker state changes",
		},
		[]string{"name", "from_state", "to_state"},
	)

	breakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tgrag_circuit_breaker_open_since_seconds",
			Help: "Timestamp when the circuit breaker entered open state (0 if not open)",
		},
		[]string{"name"},
	)
)

// MetricsCollector tracks registered breakers and exports their state
type MetricsCollector struct {
	breakers map[string]*Breaker
	mutex    sync.RWMutex
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		breakers: make(map[string]*Breaker),
	}
}

// Register wires state-change metrics into a breaker
func (mc *MetricsCollector) Register(name string, b *Breaker) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	mc.breakers[name] = b

	original := b.config.OnStateChange
	b.config.OnStateChange = func(cbName string, from State, to State) {
		if original != nil {
			original(cbName, from, to)
		}

		breakerStateChanges.WithLabelValues(name, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name).Set(float64(to))

		if to == StateOpen {
			breakerOpenSince.WithLabelValues(name).SetToCurrentTime()
		} else if from == StateOpen {
			breakerOpenSince.WithLabelValues(name).Set(0)
		}
	}
}

// RecordRequest records one request outcome
func (mc *MetricsCollector) RecordRequest(name string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	breakerRequests.WithLabelValues(name, state.String(), result).Inc()
}

// Global metrics collector instance
var GlobalMetricsCollector = NewMetricsCollector()
