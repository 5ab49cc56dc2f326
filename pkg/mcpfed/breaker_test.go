package mcpfed

import (
	"testing"
	"time"
)

func newTestBreaker(t *testing.T, threshold int, reset time.Duration) (*circuitBreaker, *time.Time) {
	t.Helper()
	opts := (&Options{
		CircuitBreaker: CircuitBreakerOptions{FailureThreshold: threshold, ResetTimeout: reset},
	}).withDefaults()
	cb := newCircuitBreaker(&opts)
	now := time.Unix(1700000000, 0)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(t, 3, 30*time.Second)
	const url = "http://a"

	cb.RecordFailure(url)
	cb.RecordFailure(url)
	if !cb.CanRequest(url) {
		t.Fatalf("breaker opened before threshold")
	}
	cb.RecordFailure(url)
	if cb.State(url) != CircuitOpen {
		t.Fatalf("state = %v, want open", cb.State(url))
	}
	if cb.CanRequest(url) {
		t.Fatalf("open breaker permitted a request")
	}
}

func TestBreakerHalfOpenCycle(t *testing.T) {
	cb, now := newTestBreaker(t, 1, 30*time.Second)
	const url = "http://a"

	cb.RecordFailure(url)
	if cb.CanRequest(url) {
		t.Fatalf("breaker should be open")
	}

	*now = now.Add(30 * time.Second)
	if !cb.CanRequest(url) {
		t.Fatalf("breaker should permit a probe after reset timeout")
	}
	if cb.State(url) != CircuitHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State(url))
	}

	cb.RecordSuccess(url)
	if cb.State(url) != CircuitClosed {
		t.Fatalf("state after probe success = %v, want closed", cb.State(url))
	}
	if cb.Failures(url) != 0 {
		t.Fatalf("failure counter not zeroed: %d", cb.Failures(url))
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(t, 1, 30*time.Second)
	const url = "http://a"

	cb.RecordFailure(url)
	*now = now.Add(30 * time.Second)
	if !cb.CanRequest(url) {
		t.Fatalf("expected half-open probe")
	}
	cb.RecordFailure(url)
	if cb.State(url) != CircuitOpen {
		t.Fatalf("state = %v, want open", cb.State(url))
	}
	// openedAt was restamped, so the reset window starts over.
	*now = now.Add(29 * time.Second)
	if cb.CanRequest(url) {
		t.Fatalf("breaker reopened but permitted a request inside the new window")
	}
	*now = now.Add(time.Second)
	if !cb.CanRequest(url) {
		t.Fatalf("breaker should permit a probe after the restamped window")
	}
}

func TestBreakerCallbacksFireOncePerTransition(t *testing.T) {
	var unhealthy, recovered int
	opts := (&Options{
		CircuitBreaker:      CircuitBreakerOptions{FailureThreshold: 2, ResetTimeout: 10 * time.Second},
		OnUpstreamUnhealthy: func(string) { unhealthy++ },
		OnUpstreamRecovered: func(string) { recovered++ },
	}).withDefaults()
	cb := newCircuitBreaker(&opts)
	now := time.Unix(1700000000, 0)
	cb.now = func() time.Time { return now }
	const url = "http://a"

	cb.RecordFailure(url)
	cb.RecordFailure(url)
	cb.RecordFailure(url)
	cb.RecordFailure(url)
	if unhealthy != 1 {
		t.Fatalf("unhealthy callback fired %d times, want 1", unhealthy)
	}

	now = now.Add(10 * time.Second)
	if !cb.CanRequest(url) {
		t.Fatalf("expected half-open probe")
	}
	cb.RecordSuccess(url)
	cb.RecordSuccess(url)
	if recovered != 1 {
		t.Fatalf("recovered callback fired %d times, want 1", recovered)
	}
}

func TestBreakerCallbackPanicDoesNotAbortTransition(t *testing.T) {
	opts := (&Options{
		CircuitBreaker:      CircuitBreakerOptions{FailureThreshold: 1, ResetTimeout: time.Minute},
		OnUpstreamUnhealthy: func(string) { panic("bad hook") },
	}).withDefaults()
	cb := newCircuitBreaker(&opts)
	const url = "http://a"

	cb.RecordFailure(url)
	if cb.State(url) != CircuitOpen {
		t.Fatalf("panicking callback aborted the transition, state = %v", cb.State(url))
	}
}
