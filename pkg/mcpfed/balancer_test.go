package mcpfed

import (
	"math/rand/v2"
	"testing"
)

func makeCandidates(weights []int, eligible []bool, connections []int) []candidate {
	cands := make([]candidate, len(weights))
	for i := range weights {
		cands[i] = candidate{
			upstream:    &Upstream{URL: string(rune('a' + i)), Weight: weights[i]},
			eligible:    eligible[i],
			connections: connections[i],
		}
	}
	return cands
}

func TestRoundRobinVisitsEveryUpstreamOnce(t *testing.T) {
	cands := makeCandidates([]int{1, 1, 1}, []bool{true, true, true}, []int{0, 0, 0})
	b := &roundRobinBalancer{}

	var order []string
	for i := 0; i < 6; i++ {
		u := b.pick(cands)
		if u == nil {
			t.Fatalf("pick %d returned nil", i)
		}
		order = append(order, u.URL)
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("round-robin order = %v, want %v", order, want)
		}
	}
}

func TestRoundRobinSkipsIneligibleWithoutPerturbingOrder(t *testing.T) {
	cands := makeCandidates([]int{1, 1, 1}, []bool{true, false, true}, []int{0, 0, 0})
	b := &roundRobinBalancer{}

	var order []string
	for i := 0; i < 4; i++ {
		order = append(order, b.pick(cands).URL)
	}
	want := []string{"a", "c", "a", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order with skip = %v, want %v", order, want)
		}
	}

	// Re-enabling the middle upstream resumes the configured cycle.
	cands[1].eligible = true
	if got := b.pick(cands); got.URL != "a" {
		t.Fatalf("after re-enable pick = %q, want a", got.URL)
	}
	if got := b.pick(cands); got.URL != "b" {
		t.Fatalf("after re-enable second pick = %q, want b", got.URL)
	}
}

func TestRoundRobinReturnsNilWhenEmpty(t *testing.T) {
	b := &roundRobinBalancer{}
	if b.pick(nil) != nil {
		t.Fatalf("expected nil for empty candidate list")
	}
	cands := makeCandidates([]int{1}, []bool{false}, []int{0})
	if b.pick(cands) != nil {
		t.Fatalf("expected nil when no candidate is eligible")
	}
}

func TestRandomPicksOnlyEligible(t *testing.T) {
	cands := makeCandidates([]int{1, 1, 1}, []bool{false, true, false}, []int{0, 0, 0})
	b := &randomBalancer{intN: func(n int) int { return 0 }}
	if got := b.pick(cands); got.URL != "b" {
		t.Fatalf("random pick = %q, want the only eligible upstream", got.URL)
	}
}

func TestWeightedCumulativeSampling(t *testing.T) {
	cands := makeCandidates([]int{10, 1}, []bool{true, true}, []int{0, 0})
	draw := 0
	b := &weightedBalancer{intN: func(n int) int {
		if n != 11 {
			panic("unexpected total weight")
		}
		return draw
	}}

	for draw = 0; draw < 10; draw++ {
		if got := b.pick(cands); got.URL != "a" {
			t.Fatalf("draw %d selected %q, want a", draw, got.URL)
		}
	}
	draw = 10
	if got := b.pick(cands); got.URL != "b" {
		t.Fatalf("draw 10 selected %q, want b", got.URL)
	}
}

func TestWeightedDistributionFavorsHeavyUpstream(t *testing.T) {
	cands := makeCandidates([]int{10, 1}, []bool{true, true}, []int{0, 0})
	rng := rand.New(rand.NewPCG(42, 7))
	b := &weightedBalancer{intN: rng.IntN}

	counts := map[string]int{}
	for i := 0; i < 100; i++ {
		counts[b.pick(cands).URL]++
	}
	if counts["a"] <= 2*counts["b"] {
		t.Fatalf("weight-10 upstream selected %d times vs %d", counts["a"], counts["b"])
	}
}

func TestLeastConnectionsPicksSmallest(t *testing.T) {
	cands := makeCandidates([]int{1, 1, 1}, []bool{true, true, true}, []int{4, 1, 2})
	b := leastConnectionsBalancer{}
	if got := b.pick(cands); got.URL != "b" {
		t.Fatalf("least-connections pick = %q, want b", got.URL)
	}
}

func TestLeastConnectionsTieBreaksToFirstConfigured(t *testing.T) {
	cands := makeCandidates([]int{1, 1, 1}, []bool{true, true, true}, []int{0, 0, 0})
	b := leastConnectionsBalancer{}
	got := b.pick(cands)
	if got == nil {
		t.Fatalf("expected a defined upstream with all counters at zero")
	}
	if got.URL != "a" {
		t.Fatalf("tie broke to %q, want first configured", got.URL)
	}
}
