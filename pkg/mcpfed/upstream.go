package mcpfed

import "time"

// Upstream is the resolved, immutable view of one configured upstream after
// gateway-level defaults have been applied. Instances are created once at
// gateway construction and shared read-only afterwards.
type Upstream struct {
	URL string

	ToolPrefix     string
	ResourcePrefix string
	PromptPrefix   string

	Weight  int
	Timeout time.Duration
	Retries int

	// Headers already include the gateway-level headers, with upstream
	// entries winning on conflict.
	Headers map[string]string

	HealthCheck bool
}

func resolveUpstreams(opts *Options) []*Upstream {
	out := make([]*Upstream, 0, len(opts.Upstreams))
	for _, uc := range opts.Upstreams {
		u := &Upstream{
			URL:            uc.URL,
			ToolPrefix:     uc.ToolPrefix,
			ResourcePrefix: uc.ResourcePrefix,
			PromptPrefix:   uc.PromptPrefix,
			Weight:         uc.Weight,
			Timeout:        uc.Timeout,
			Retries:        uc.Retries,
			Headers:        mergeHeaders(opts.Headers, uc.Headers),
			HealthCheck:    *opts.HealthCheck,
		}
		if u.Weight == 0 {
			u.Weight = 1
		}
		if u.Timeout <= 0 {
			u.Timeout = opts.Timeout
		}
		if u.Retries == 0 {
			u.Retries = opts.Retries
		}
		if uc.HealthCheck != nil {
			u.HealthCheck = *uc.HealthCheck
		}
		out = append(out, u)
	}
	return out
}

func mergeHeaders(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
