// Package health aggregates dependency probes behind the readiness endpoint.
package health

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status classifies one probe outcome.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its string form in probe payloads.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// CheckResult is one probed dependency in the readiness report.
type CheckResult struct {
	Component string `json:"component"`
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Critical  bool   `json:"critical"`
}

// Checker probes a single dependency. Probe runs under a context bounded
// by Timeout; a non-nil error marks the component unhealthy.
type Checker interface {
	Name() string
	IsCritical() bool
	Timeout() time.Duration
	Probe(ctx context.Context) error
}

// degradedLatency is the probe duration past which a passing check is
// reported degraded rather than healthy.
const degradedLatency = 100 * time.Millisecond

// Registry holds the registered checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
	logger   *zap.Logger
}

// NewRegistry creates an empty checker registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger}
}

// Register adds a checker. Registration order is the report order.
func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, c)
}

// Check probes every registered dependency concurrently and returns the
// results in registration order.
func (r *Registry) Check(ctx context.Context) []CheckResult {
	r.mu.RLock()
	checkers := make([]Checker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = r.run(ctx, c)
		}(i, c)
	}
	wg.Wait()
	return results
}

// Ready reports the probe results and whether every critical dependency
// passed. Non-critical failures appear in the report but do not flip
// readiness.
func (r *Registry) Ready(ctx context.Context) ([]CheckResult, bool) {
	results := r.Check(ctx)
	ready := true
	for _, res := range results {
		if res.Critical && res.Status == StatusUnhealthy {
			ready = false
		}
	}
	return results, ready
}

func (r *Registry) run(ctx context.Context, c Checker) CheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	start := time.Now()
	err := c.Probe(probeCtx)
	latency := time.Since(start)

	result := CheckResult{
		Component: c.Name(),
		Critical:  c.IsCritical(),
		LatencyMS: latency.Milliseconds(),
	}
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		r.logger.Warn("health probe failed",
			zap.String("component", c.Name()),
			zap.Error(err),
		)
	case latency > degradedLatency:
		result.Status = StatusDegraded
	default:
		result.Status = StatusHealthy
	}
	return result
}
