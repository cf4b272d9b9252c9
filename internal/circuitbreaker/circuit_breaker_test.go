package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestCircuitBreakerStates(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	config.FailureThreshold = 3
	config.SuccessThreshold = 2
	config.MaxRequests = 5
	config.Timeout = 100 * time.Millisecond
	config.Interval = 200 * time.Millisecond

	cb := NewCircuitBreaker("test", config, logger)
	ctx := context.Background()

	if cb.State() != StateClosed {
		t.Errorf("Expected initial state to be closed, got %s", cb.State())
	}

	// Successful calls don't change state
	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state to remain closed, got %s", cb.State())
	}

	// Failure threshold triggers open state
	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, func() error { return errors.New("test error") }); err == nil {
			t.Error("Expected error, got nil")
		}
	}
	if cb.State() != StateOpen {
		t.Errorf("Expected state to be open, got %s", cb.State())
	}

	// Open breaker rejects requests
	if err := cb.Execute(ctx, func() error { return nil }); err != ErrCircuitBreakerOpen {
		t.Errorf("Expected circuit breaker open error, got %v", err)
	}

	// Wait for timeout to transition to half-open
	time.Sleep(150 * time.Millisecond)
	cb.beforeRequest()

	if cb.State() != StateHalfOpen {
		t.Errorf("Expected state to be half-open, got %s", cb.State())
	}

	// Success threshold in half-open transitions back to closed
	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state to be closed, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	config.FailureThreshold = 1
	config.Timeout = 50 * time.Millisecond

	cb := NewCircuitBreaker("test", config, logger)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errors.New("boom") })
	if cb.State() != StateOpen {
		t.Fatalf("Expected open state, got %s", cb.State())
	}

	time.Sleep(80 * time.Millisecond)

	// A failure in half-open snaps straight back to open.
	_ = cb.Execute(ctx, func() error { return errors.New("boom again") })
	if cb.State() != StateOpen {
		t.Errorf("Expected open state after half-open failure, got %s", cb.State())
	}
}

func TestHTTPWrapperServerErrorsTripBreaker(t *testing.T) {
	logger := zaptest.NewLogger(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	hw := NewHTTPWrapper(srv.Client(), "test-http", logger)

	for i := 0; i < 6; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		resp, err := hw.Do(req)
		if err == ErrCircuitBreakerOpen {
			return // tripped as expected
		}
		if err != nil {
			t.Fatalf("unexpected transport error: %v", err)
		}
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("expected 502, got %d", resp.StatusCode)
		}
		resp.Body.Close()
	}
	t.Error("expected breaker to open after repeated 5xx responses")
}

func TestHTTPWrapperClientErrorsDoNotTrip(t *testing.T) {
	logger := zaptest.NewLogger(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	hw := NewHTTPWrapper(srv.Client(), "test-http-4xx", logger)

	for i := 0; i < 10; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		resp, err := hw.Do(req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		resp.Body.Close()
	}
	if hw.State() != StateClosed {
		t.Errorf("Expected breaker to stay closed on 4xx, got %s", hw.State())
	}
}
