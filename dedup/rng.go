package dedup

import "math/rand/v2"

// Rand is the single seeded random source threaded through a run. Every
// randomized choice (survivors, density tie-breaking, redundancy picks)
// draws from it so identically ordered input yields identical deletions.
type Rand struct {
	r *rand.Rand
}

// NewRand creates a random source from a seed
func NewRand(seed uint64) *Rand {
	return &Rand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// IntN returns a uniform int in [0, n)
func (r *Rand) IntN(n int) int {
	return r.r.IntN(n)
}

// Float64 returns a uniform float in [0, 1)
func (r *Rand) Float64() float64 {
	return r.r.Float64()
}

// Sample returns k distinct elements of items chosen uniformly, in draw order.
// k is clamped to len(items).
func (r *Rand) Sample(items []int, k int) []int {
	if k > len(items) {
		k = len(items)
	}
	pool := append([]int(nil), items...)
	out := make([]int, 0, k)
	for i := 0; i < k; i++ {
		j := i + r.r.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
		out = append(out, pool[i])
	}
	return out
}
