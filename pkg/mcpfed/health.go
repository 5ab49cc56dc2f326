package mcpfed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks whether a single upstream is reachable. The gateway
// supplies the scheduling; the probe supplies the wire call.
type ProbeFunc func(ctx context.Context, upstream *Upstream) error

// UpstreamHealth is a read-only snapshot of one upstream's live state.
type UpstreamHealth struct {
	Upstream            *Upstream
	Healthy             bool
	CircuitState        CircuitState
	ConsecutiveFailures int
	ActiveConnections   int
	LastCheckedAt       time.Time
}

type healthRecord struct {
	healthy       bool
	connections   int
	lastCheckedAt time.Time
}

// healthTracker owns the mutable per-upstream health flags and connection
// counters. Circuit state lives in the breaker and is joined in at snapshot
// time.
type healthTracker struct {
	mu      sync.RWMutex
	records map[string]*healthRecord
}

func newHealthTracker(upstreams []*Upstream) *healthTracker {
	records := make(map[string]*healthRecord, len(upstreams))
	for _, u := range upstreams {
		records[u.URL] = &healthRecord{healthy: true}
	}
	return &healthTracker{records: records}
}

func (t *healthTracker) setHealthy(url string, healthy bool, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[url]; ok {
		rec.healthy = healthy
		rec.lastCheckedAt = at
	}
}

func (t *healthTracker) isHealthy(url string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.records[url]; ok {
		return rec.healthy
	}
	return false
}

func (t *healthTracker) connections(url string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.records[url]; ok {
		return rec.connections
	}
	return 0
}

func (t *healthTracker) beginRequest(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[url]; ok {
		rec.connections++
	}
}

func (t *healthTracker) endRequest(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[url]; ok && rec.connections > 0 {
		rec.connections--
	}
}

func (t *healthTracker) record(url string) (healthRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.records[url]; ok {
		return *rec, true
	}
	return healthRecord{}, false
}

// healthChecker periodically probes every upstream whose health checking is
// enabled and folds the outcomes into the tracker and the breaker. Probe
// errors never escape the loop.
type healthChecker struct {
	upstreams []*Upstream
	probe     ProbeFunc
	tracker   *healthTracker
	breaker   *circuitBreaker
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func newHealthChecker(upstreams []*Upstream, probe ProbeFunc, tracker *healthTracker, breaker *circuitBreaker, opts *Options) *healthChecker {
	var probed []*Upstream
	for _, u := range upstreams {
		if u.HealthCheck {
			probed = append(probed, u)
		}
	}
	return &healthChecker{
		upstreams: probed,
		probe:     probe,
		tracker:   tracker,
		breaker:   breaker,
		interval:  opts.HealthCheckInterval,
		logger:    opts.Logger,
		now:       time.Now,
	}
}

// run probes immediately, then on every tick until the context is cancelled.
// Call in a goroutine.
func (hc *healthChecker) run(ctx context.Context) {
	if hc.probe == nil || len(hc.upstreams) == 0 {
		return
	}
	hc.checkAll(ctx)

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.checkAll(ctx)
		}
	}
}

func (hc *healthChecker) checkAll(ctx context.Context) {
	for _, u := range hc.upstreams {
		if ctx.Err() != nil {
			return
		}
		hc.checkOne(ctx, u)
	}
}

func (hc *healthChecker) checkOne(ctx context.Context, u *Upstream) {
	err := hc.probeOnce(ctx, u)
	if err != nil {
		// One transient miss is forgiven; only a repeated failure is reported
		// to the breaker.
		err = hc.probeOnce(ctx, u)
	}
	if ctx.Err() != nil {
		// The checker was stopped while the probe was in flight; the result
		// is stale.
		return
	}
	if err != nil {
		hc.tracker.setHealthy(u.URL, false, hc.now())
		hc.breaker.RecordFailure(u.URL)
		hc.logger.Warn("health probe failed", "upstream", u.URL, "error", err)
		return
	}
	hc.tracker.setHealthy(u.URL, true, hc.now())
	hc.breaker.RecordSuccess(u.URL)
}

// probeOnce bounds a single probe by the upstream's timeout and converts a
// panicking probe into an unhealthy result.
func (hc *healthChecker) probeOnce(ctx context.Context, u *Upstream) (err error) {
	probeCtx := ctx
	if u.Timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, u.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mcpfed: health probe panicked: %v", r)
		}
	}()
	return hc.probe(probeCtx, u)
}
