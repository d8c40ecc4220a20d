package policy

import (
	"math/rand/v2"
	"sync"

	"github.com/ineyio/tokengate"
)

// WeightedRandomPolicy draws candidates with probability proportional to
// their weight, without replacement. Candidates with a non-positive weight
// count as weight 1.
type WeightedRandomPolicy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

var _ tokengate.Policy = (*WeightedRandomPolicy)(nil)

// NewWeightedRandom creates a policy. A nil source uses a random seed.
func NewWeightedRandom(src rand.Source) *WeightedRandomPolicy {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &WeightedRandomPolicy{rng: rand.New(src)}
}

// Select returns a weighted random ordering of candidates.
func (p *WeightedRandomPolicy) Select(candidates []tokengate.Candidate) []tokengate.Candidate {
	pool := make([]tokengate.Candidate, len(candidates))
	copy(pool, candidates)

	var total int
	for _, c := range pool {
		total += weight(c)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]tokengate.Candidate, 0, len(pool))
	for len(pool) > 0 {
		r := p.rng.IntN(total)
		idx := 0
		for i, c := range pool {
			r -= weight(c)
			if r < 0 {
				idx = i
				break
			}
		}
		result = append(result, pool[idx])
		total -= weight(pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return result
}

func weight(c tokengate.Candidate) int {
	if c.Weight <= 0 {
		return 1
	}
	return c.Weight
}
