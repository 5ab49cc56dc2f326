package mcpfed

import (
	"fmt"
	"log/slog"
	"time"
)

// Strategy selects how the load balancer picks among eligible upstreams.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round-robin"
	StrategyRandom           Strategy = "random"
	StrategyWeighted         Strategy = "weighted"
	StrategyLeastConnections Strategy = "least-connections"
)

// CircuitBreakerOptions tune per-upstream failure isolation.
type CircuitBreakerOptions struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Defaults to 5.
	FailureThreshold int
	// ResetTimeout is how long an open circuit waits before permitting a
	// half-open probe. Defaults to 30s.
	ResetTimeout time.Duration
}

// UpstreamConfig declares a single upstream MCP server. URL doubles as the
// upstream's identity and must be unique across the gateway.
type UpstreamConfig struct {
	URL string

	// ToolPrefix, ResourcePrefix, and PromptPrefix are prepended verbatim to
	// the upstream's identifiers when building the merged namespace. An empty
	// prefix leaves identifiers untouched and excludes the upstream from
	// prefix routing.
	ToolPrefix     string
	ResourcePrefix string
	PromptPrefix   string

	// Weight biases weighted selection. Zero means the default of 1; explicit
	// negative values are rejected at construction.
	Weight int

	// Timeout and Retries override the gateway-level defaults when non-zero.
	Timeout time.Duration
	Retries int

	// Headers are merged over the gateway-level headers, upstream entries
	// winning on conflict.
	Headers map[string]string

	// HealthCheck overrides the gateway-level toggle when non-nil.
	HealthCheck *bool
}

// Options configure a Gateway instance.
type Options struct {
	// Name and Version identify the federated server to clients.
	Name    string
	Version string

	// Upstreams lists the servers to federate, in priority order. Order is
	// significant: round-robin cycles it, and prefix-routing ambiguity
	// resolves to the first configured match.
	Upstreams []UpstreamConfig

	// LoadBalancing picks the selection strategy. Defaults to round-robin.
	LoadBalancing Strategy

	// Timeout is the default per-call timeout inherited by upstreams that do
	// not set their own. Defaults to 30s.
	Timeout time.Duration

	// Retries is the default per-call retry count inherited by upstreams.
	Retries int

	// Headers are sent with every upstream call unless overridden per
	// upstream.
	Headers map[string]string

	// CircuitBreaker tunes failure isolation shared by all upstreams.
	CircuitBreaker CircuitBreakerOptions

	// HealthCheck toggles background probing gateway-wide. Defaults to true.
	HealthCheck *bool

	// HealthCheckInterval is the probe cadence. Defaults to 30s.
	HealthCheckInterval time.Duration

	// Probe overrides the transport used for health probes. When nil the
	// gateway probes through the Caller's capability listing.
	Probe ProbeFunc

	// OnUpstreamUnhealthy and OnUpstreamRecovered fire once per circuit
	// transition into open, and once per transition back to closed. Panics in
	// either are logged and swallowed.
	OnUpstreamUnhealthy func(url string)
	OnUpstreamRecovered func(url string)

	// Logger receives structured diagnostics.
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Name == "" {
		opts.Name = "mcpfed"
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	if opts.LoadBalancing == "" {
		opts.LoadBalancing = StrategyRoundRobin
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.CircuitBreaker.FailureThreshold <= 0 {
		opts.CircuitBreaker.FailureThreshold = 5
	}
	if opts.CircuitBreaker.ResetTimeout <= 0 {
		opts.CircuitBreaker.ResetTimeout = 30 * time.Second
	}
	if opts.HealthCheck == nil {
		enabled := true
		opts.HealthCheck = &enabled
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

func (o *Options) validate() error {
	switch o.LoadBalancing {
	case StrategyRoundRobin, StrategyRandom, StrategyWeighted, StrategyLeastConnections:
	default:
		return fmt.Errorf("mcpfed: unknown load balancing strategy %q", o.LoadBalancing)
	}
	seen := make(map[string]struct{}, len(o.Upstreams))
	for _, uc := range o.Upstreams {
		if uc.URL == "" {
			return fmt.Errorf("mcpfed: upstream with empty URL")
		}
		if _, ok := seen[uc.URL]; ok {
			return fmt.Errorf("mcpfed: duplicate upstream URL %q", uc.URL)
		}
		seen[uc.URL] = struct{}{}
		if uc.Weight < 0 {
			return fmt.Errorf("mcpfed: upstream %q has negative weight %d", uc.URL, uc.Weight)
		}
	}
	return nil
}
