package mcpfed

import (
	"math/rand/v2"
	"sync"
)

// candidate pairs an upstream with its live eligibility for this selection
// round. The full configured list is always passed, in configuration order,
// so strategies that depend on positional state keep a stable view.
type candidate struct {
	upstream    *Upstream
	eligible    bool
	connections int
}

// balancer picks one upstream from the current candidate set. Implementations
// return nil iff no candidate is eligible, and never mutate upstream
// configuration.
type balancer interface {
	pick(cands []candidate) *Upstream
}

func newBalancer(strategy Strategy) balancer {
	switch strategy {
	case StrategyRandom:
		return &randomBalancer{intN: rand.IntN}
	case StrategyWeighted:
		return &weightedBalancer{intN: rand.IntN}
	case StrategyLeastConnections:
		return leastConnectionsBalancer{}
	default:
		return &roundRobinBalancer{}
	}
}

// roundRobinBalancer cycles a single monotonically increasing counter over
// the full configured list, so skipped unhealthy upstreams do not perturb
// the order observed by the rest.
type roundRobinBalancer struct {
	mu      sync.Mutex
	counter int
}

func (b *roundRobinBalancer) pick(cands []candidate) *Upstream {
	if len(cands) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	start := b.counter
	for i := 0; i < len(cands); i++ {
		idx := (start + i) % len(cands)
		if cands[idx].eligible {
			b.counter = start + i + 1
			return cands[idx].upstream
		}
	}
	return nil
}

// randomBalancer picks uniformly among eligible candidates.
type randomBalancer struct {
	intN func(n int) int
}

func (b *randomBalancer) pick(cands []candidate) *Upstream {
	eligible := eligibleOf(cands)
	if len(eligible) == 0 {
		return nil
	}
	return eligible[b.intN(len(eligible))].upstream
}

// weightedBalancer samples proportionally to each candidate's weight via a
// cumulative-weight draw.
type weightedBalancer struct {
	intN func(n int) int
}

func (b *weightedBalancer) pick(cands []candidate) *Upstream {
	eligible := eligibleOf(cands)
	if len(eligible) == 0 {
		return nil
	}
	total := 0
	for _, c := range eligible {
		total += c.upstream.Weight
	}
	if total <= 0 {
		return eligible[0].upstream
	}
	draw := b.intN(total)
	cumulative := 0
	for _, c := range eligible {
		cumulative += c.upstream.Weight
		if draw < cumulative {
			return c.upstream
		}
	}
	return eligible[len(eligible)-1].upstream
}

// leastConnectionsBalancer picks the eligible candidate with the fewest
// active connections, ties resolving to the first configured.
type leastConnectionsBalancer struct{}

func (leastConnectionsBalancer) pick(cands []candidate) *Upstream {
	var best *candidate
	for i := range cands {
		c := &cands[i]
		if !c.eligible {
			continue
		}
		if best == nil || c.connections < best.connections {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	return best.upstream
}

func eligibleOf(cands []candidate) []candidate {
	out := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if c.eligible {
			out = append(out, c)
		}
	}
	return out
}
