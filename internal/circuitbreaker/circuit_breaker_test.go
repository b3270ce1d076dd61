package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestBreakerStates(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	config.FailureThreshold = 3
	config.SuccessThreshold = 2
	config.MaxRequests = 5
	config.Timeout = 100 * time.Millisecond
	config.Interval = 200 * time.Millisecond

	b := New("test", config, logger)
	ctx := context.Background()

	if b.State() != StateClosed {
		t.Errorf("Expected initial state to be closed, got %s", b.State())
	}

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, func() error { return nil }); err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("Expected state to remain closed, got %s", b.State())
	}

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, func() error { return errors.New("test error") }); err == nil {
			t.Error("Expected error, got nil")
		}
	}
	if b.State() != StateOpen {
		t.Errorf("Expected state to be open, got %s", b.State())
	}

	if err := b.Execute(ctx, func() error { return nil }); err != ErrOpen {
		t.Errorf("Expected circuit breaker open error, got %v", err)
	}

	// Wait for the open timeout to elapse, then trigger the state check.
	time.Sleep(150 * time.Millisecond)
	b.beforeRequest()

	if b.State() != StateHalfOpen {
		t.Errorf("Expected state to be half-open, got %s", b.State())
	}

	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, func() error { return nil }); err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("Expected state to be closed, got %s", b.State())
	}
}

func TestBreakerMaxRequestsHalfOpen(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	config.MaxRequests = 2
	config.Timeout = 100 * time.Millisecond
	config.SuccessThreshold = 5 // keep the breaker in half-open

	b := New("test", config, logger)
	ctx := context.Background()

	b.mutex.Lock()
	b.state = StateHalfOpen
	b.generation++
	b.counts = Counts{}
	b.mutex.Unlock()

	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, func() error { return nil }); err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}

	if err := b.Execute(ctx, func() error { return nil }); err != ErrTooManyRequests {
		t.Errorf("Expected too many requests error, got %v", err)
	}
}

func TestBreakerCounts(t *testing.T) {
	logger := zaptest.NewLogger(t)
	b := New("test", DefaultConfig(), logger)
	ctx := context.Background()

	b.Execute(ctx, func() error { return nil })
	b.Execute(ctx, func() error { return errors.New("error") })
	b.Execute(ctx, func() error { return nil })

	counts := b.Counts()
	if counts.Requests != 3 {
		t.Errorf("Expected 3 requests, got %d", counts.Requests)
	}
	if counts.TotalSuccesses != 2 {
		t.Errorf("Expected 2 successes, got %d", counts.TotalSuccesses)
	}
	if counts.TotalFailures != 1 {
		t.Errorf("Expected 1 failure, got %d", counts.TotalFailures)
	}
}

func TestStateChangeCallback(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	config.FailureThreshold = 2

	var callbackCalled bool
	var fromState, toState State
	config.OnStateChange = func(name string, from State, to State) {
		callbackCalled = true
		fromState = from
		toState = to
	}

	b := New("test", config, logger)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		b.Execute(ctx, func() error { return errors.New("error") })
	}

	if !callbackCalled {
		t.Error("Expected state change callback to be called")
	}
	if fromState != StateClosed || toState != StateOpen {
		t.Errorf("Expected transition from closed to open, got %s to %s", fromState, toState)
	}
}

func TestHTTPWrapperReturnsServerErrorResponse(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	hw := NewHTTPWrapper(srv.Client(), "test-upstream", zaptest.NewLogger(t))

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := hw.Do(req)
	if err != nil {
		t.Fatalf("Expected response despite 5xx, got error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", resp.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected exactly one upstream call, got %d", calls.Load())
	}
}

func TestHTTPWrapperOpensAfterRepeated5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	t.Setenv("CB_HTTP_FAILURE_THRESHOLD", "2")
	hw := NewHTTPWrapper(srv.Client(), "flaky-upstream", zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		if resp, err := hw.Do(req); err == nil {
			resp.Body.Close()
		}
	}

	if hw.State() != StateOpen {
		t.Errorf("Expected breaker to be open after repeated 5xx, got %s", hw.State())
	}
}
