package mcpfed

import (
	"log/slog"
	"sync"
	"time"
)

// CircuitState reports whether an upstream is being served, isolated, or
// probed after isolation.
type CircuitState int

const (
	// CircuitClosed permits requests; consecutive failures are counted.
	CircuitClosed CircuitState = iota
	// CircuitOpen forbids requests until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen permits a single probe request.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type circuit struct {
	state    CircuitState
	failures int
	openedAt time.Time
}

// circuitBreaker tracks one circuit per upstream URL. The open→half-open
// transition is evaluated lazily inside CanRequest rather than on a timer, so
// state is exact at call time.
type circuitBreaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time

	onOpen   func(url string)
	onClosed func(url string)
	logger   *slog.Logger
}

func newCircuitBreaker(opts *Options) *circuitBreaker {
	return &circuitBreaker{
		circuits:     make(map[string]*circuit),
		threshold:    opts.CircuitBreaker.FailureThreshold,
		resetTimeout: opts.CircuitBreaker.ResetTimeout,
		now:          time.Now,
		onOpen:       opts.OnUpstreamUnhealthy,
		onClosed:     opts.OnUpstreamRecovered,
		logger:       opts.Logger,
	}
}

func (cb *circuitBreaker) circuitLocked(url string) *circuit {
	c, ok := cb.circuits[url]
	if !ok {
		c = &circuit{state: CircuitClosed}
		cb.circuits[url] = c
	}
	return c
}

// CanRequest reports whether the upstream may receive traffic, transitioning
// open→half-open as a side effect once the reset timeout has elapsed.
func (cb *circuitBreaker) CanRequest(url string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.circuitLocked(url)
	switch c.state {
	case CircuitOpen:
		if cb.now().Sub(c.openedAt) >= cb.resetTimeout {
			c.state = CircuitHalfOpen
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	default:
		return true
	}
}

// RecordFailure counts a failed call. Crossing the threshold while closed, or
// any failure while half-open, opens the circuit and fires the unhealthy
// callback once.
func (cb *circuitBreaker) RecordFailure(url string) {
	cb.mu.Lock()
	c := cb.circuitLocked(url)
	opened := false
	switch c.state {
	case CircuitHalfOpen:
		c.state = CircuitOpen
		c.openedAt = cb.now()
		opened = true
	case CircuitClosed:
		c.failures++
		if c.failures >= cb.threshold {
			c.state = CircuitOpen
			c.openedAt = cb.now()
			opened = true
		}
	default:
		c.failures++
	}
	cb.mu.Unlock()

	if opened {
		cb.invoke(cb.onOpen, url, "unhealthy")
	}
}

// RecordSuccess zeroes the failure counter and, when half-open, closes the
// circuit and fires the recovered callback once.
func (cb *circuitBreaker) RecordSuccess(url string) {
	cb.mu.Lock()
	c := cb.circuitLocked(url)
	recovered := false
	if c.state == CircuitHalfOpen {
		c.state = CircuitClosed
		recovered = true
	}
	c.failures = 0
	cb.mu.Unlock()

	if recovered {
		cb.invoke(cb.onClosed, url, "recovered")
	}
}

// State returns the current circuit state without side effects.
func (cb *circuitBreaker) State(url string) CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.circuitLocked(url).state
}

// Failures returns the consecutive failure count for the upstream.
func (cb *circuitBreaker) Failures(url string) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.circuitLocked(url).failures
}

// invoke runs a transition callback outside the breaker lock, isolating
// panics so a faulty hook cannot abort the state change.
func (cb *circuitBreaker) invoke(fn func(string), url, event string) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			cb.logger.Error("upstream state callback panicked", "event", event, "upstream", url, "panic", r)
		}
	}()
	fn(url)
}
