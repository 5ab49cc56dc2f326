package mcpfed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrAlreadyStarted is returned by Start when the gateway is already running.
var ErrAlreadyStarted = errors.New("mcpfed: gateway already started")

// Gateway federates the configured upstreams: it tracks their health and
// circuit state, balances load across those that can serve traffic, and
// answers capability-mapping queries against the merged namespace.
//
// The request-handling layer above is expected to pick an upstream via
// SelectUpstream or FindUpstreamFor*, bracket the remote call with
// BeginRequest/EndRequest, and report the outcome through
// ReportSuccess/ReportFailure.
type Gateway struct {
	opts   Options
	caller Caller

	upstreams []*Upstream
	byURL     map[string]*Upstream

	breaker  *circuitBreaker
	tracker  *healthTracker
	balancer balancer
	caps     *capabilityIndex
	probe    ProbeFunc

	lifecycleMu sync.Mutex
	started     bool
	stopRunning context.CancelFunc
}

// New builds a Gateway from the resolved options. The caller collaborator
// issues remote calls and capability queries; it may be nil when the gateway
// is used purely for selection and the probe transport is injected via
// Options.Probe.
func New(caller Caller, opts *Options) (*Gateway, error) {
	options := opts.withDefaults()
	if err := options.validate(); err != nil {
		return nil, err
	}
	upstreams := resolveUpstreams(&options)
	byURL := make(map[string]*Upstream, len(upstreams))
	for _, u := range upstreams {
		byURL[u.URL] = u
	}
	probe := options.Probe
	if probe == nil && caller != nil {
		probe = func(ctx context.Context, u *Upstream) error {
			_, err := caller.ListCapabilities(ctx, u)
			return err
		}
	}
	return &Gateway{
		opts:      options,
		caller:    caller,
		upstreams: upstreams,
		byURL:     byURL,
		breaker:   newCircuitBreaker(&options),
		tracker:   newHealthTracker(upstreams),
		balancer:  newBalancer(options.LoadBalancing),
		caps:      newCapabilityIndex(),
		probe:     probe,
	}, nil
}

// Start activates background health checking and triggers an initial
// capability-mapping build. It fails when the gateway is already started.
func (g *Gateway) Start() error {
	g.lifecycleMu.Lock()
	if g.started {
		g.lifecycleMu.Unlock()
		return ErrAlreadyStarted
	}
	g.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	g.stopRunning = cancel
	checker := newHealthChecker(g.upstreams, g.probe, g.tracker, g.breaker, &g.opts)
	go checker.run(runCtx)
	g.lifecycleMu.Unlock()

	go func() {
		if err := g.RefreshCapabilities(runCtx); err != nil && runCtx.Err() == nil {
			g.opts.Logger.Warn("initial capability refresh incomplete", "error", err)
		}
	}()
	return nil
}

// Stop halts health checking and capability refreshes. It is idempotent, and
// the gateway can be started again afterwards. Probes already in flight are
// not aborted; their results are discarded.
func (g *Gateway) Stop() {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()
	if !g.started {
		return
	}
	g.started = false
	if g.stopRunning != nil {
		g.stopRunning()
		g.stopRunning = nil
	}
}

// IsStarted reports whether Start has been called without a matching Stop.
func (g *Gateway) IsStarted() bool {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()
	return g.started
}

// Options returns the resolved configuration snapshot.
func (g *Gateway) Options() Options {
	return g.opts
}

// Upstreams returns the resolved upstream list in configuration order.
func (g *Gateway) Upstreams() []*Upstream {
	return append([]*Upstream(nil), g.upstreams...)
}

// SelectUpstream picks an upstream that is both probe-healthy and permitted
// by its circuit breaker, according to the configured strategy. It returns
// nil when no upstream is available; callers must treat that as a normal
// control-flow branch.
func (g *Gateway) SelectUpstream() *Upstream {
	return g.balancer.pick(g.candidates())
}

func (g *Gateway) candidates() []candidate {
	cands := make([]candidate, len(g.upstreams))
	for i, u := range g.upstreams {
		cands[i] = candidate{
			upstream:    u,
			eligible:    g.tracker.isHealthy(u.URL) && g.breaker.CanRequest(u.URL),
			connections: g.tracker.connections(u.URL),
		}
	}
	return cands
}

// FindUpstreamForTool routes a public tool name. A configured tool prefix
// matching the name is authoritative and overrides load balancing, even when
// that upstream is currently unhealthy; ambiguity resolves to the first
// configured match. Names matching no prefix fall back to SelectUpstream.
func (g *Gateway) FindUpstreamForTool(name string) *Upstream {
	return g.findByPrefix(name, func(u *Upstream) string { return u.ToolPrefix })
}

// FindUpstreamForResource routes a public resource URI by resource prefix,
// with the same semantics as FindUpstreamForTool.
func (g *Gateway) FindUpstreamForResource(uri string) *Upstream {
	return g.findByPrefix(uri, func(u *Upstream) string { return u.ResourcePrefix })
}

// FindUpstreamForPrompt routes a public prompt name by prompt prefix, with
// the same semantics as FindUpstreamForTool.
func (g *Gateway) FindUpstreamForPrompt(name string) *Upstream {
	return g.findByPrefix(name, func(u *Upstream) string { return u.PromptPrefix })
}

func (g *Gateway) findByPrefix(identifier string, prefixOf func(*Upstream) string) *Upstream {
	for _, u := range g.upstreams {
		prefix := prefixOf(u)
		if prefix != "" && strings.HasPrefix(identifier, prefix) {
			return u
		}
	}
	return g.SelectUpstream()
}

// UpstreamHealth returns a snapshot of every upstream's live state, in
// configuration order.
func (g *Gateway) UpstreamHealth() []UpstreamHealth {
	out := make([]UpstreamHealth, 0, len(g.upstreams))
	for _, u := range g.upstreams {
		if snapshot, ok := g.UpstreamHealthByURL(u.URL); ok {
			out = append(out, snapshot)
		}
	}
	return out
}

// UpstreamHealthByURL returns the live state for a single upstream.
func (g *Gateway) UpstreamHealthByURL(url string) (UpstreamHealth, bool) {
	u, ok := g.byURL[url]
	if !ok {
		return UpstreamHealth{}, false
	}
	rec, _ := g.tracker.record(url)
	return UpstreamHealth{
		Upstream:            u,
		Healthy:             rec.healthy,
		CircuitState:        g.breaker.State(url),
		ConsecutiveFailures: g.breaker.Failures(url),
		ActiveConnections:   rec.connections,
		LastCheckedAt:       rec.lastCheckedAt,
	}, true
}

// ReportSuccess records a successful remote call against the upstream's
// circuit breaker.
func (g *Gateway) ReportSuccess(url string) {
	g.breaker.RecordSuccess(url)
}

// ReportFailure records a failed remote call against the upstream's circuit
// breaker.
func (g *Gateway) ReportFailure(url string) {
	g.breaker.RecordFailure(url)
}

// CanRequest reports whether the upstream's circuit currently permits
// traffic, performing the lazy open→half-open transition when the reset
// timeout has elapsed.
func (g *Gateway) CanRequest(url string) bool {
	return g.breaker.CanRequest(url)
}

// BeginRequest increments the upstream's active connection count. Pair with
// EndRequest on completion or failure.
func (g *Gateway) BeginRequest(url string) {
	g.tracker.beginRequest(url)
}

// EndRequest decrements the upstream's active connection count, never below
// zero.
func (g *Gateway) EndRequest(url string) {
	g.tracker.endRequest(url)
}

// RefreshCapabilities queries every upstream's listing through the caller and
// rebuilds the merged mappings. Each upstream's entries are swapped as a set;
// an upstream whose query fails keeps its previous entries. The last error
// encountered is returned.
func (g *Gateway) RefreshCapabilities(ctx context.Context) error {
	if g.caller == nil {
		return fmt.Errorf("mcpfed: no caller configured for capability queries")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var lastErr error
	for _, u := range g.upstreams {
		caps, err := g.listCapabilities(ctx, u)
		if err != nil {
			lastErr = err
			g.opts.Logger.Warn("capability query failed", "upstream", u.URL, "error", err)
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.caps.replaceUpstream(u.URL,
			prefixEntries(u.URL, u.ToolPrefix, caps.Tools),
			prefixEntries(u.URL, u.ResourcePrefix, caps.Resources),
			prefixEntries(u.URL, u.PromptPrefix, caps.Prompts),
		)
	}
	return lastErr
}

func (g *Gateway) listCapabilities(ctx context.Context, u *Upstream) (*Capabilities, error) {
	listCtx := ctx
	if u.Timeout > 0 {
		var cancel context.CancelFunc
		listCtx, cancel = context.WithTimeout(ctx, u.Timeout)
		defer cancel()
	}
	caps, err := g.caller.ListCapabilities(listCtx, u)
	if err != nil {
		return nil, err
	}
	if caps == nil {
		caps = &Capabilities{}
	}
	return caps, nil
}

// ToolMapping returns the merged tool namespace in registration order.
func (g *Gateway) ToolMapping() []MappingEntry {
	return g.caps.toolMapping()
}

// ResourceMapping returns the merged resource namespace in registration
// order.
func (g *Gateway) ResourceMapping() []MappingEntry {
	return g.caps.resourceMapping()
}

// PromptMapping returns the merged prompt namespace in registration order.
func (g *Gateway) PromptMapping() []MappingEntry {
	return g.caps.promptMapping()
}

// LookupTool resolves a public tool name to its mapping entry.
func (g *Gateway) LookupTool(public string) (MappingEntry, bool) {
	return g.caps.lookupTool(public)
}

// LookupResource resolves a public resource URI to its mapping entry.
func (g *Gateway) LookupResource(public string) (MappingEntry, bool) {
	return g.caps.lookupResource(public)
}

// LookupPrompt resolves a public prompt name to its mapping entry.
func (g *Gateway) LookupPrompt(public string) (MappingEntry, bool) {
	return g.caps.lookupPrompt(public)
}

// UpstreamByURL returns the resolved upstream for a URL.
func (g *Gateway) UpstreamByURL(url string) (*Upstream, bool) {
	u, ok := g.byURL[url]
	return u, ok
}
