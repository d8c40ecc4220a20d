package policy

import (
	"sort"

	"github.com/ineyio/tokengate"
)

// HealthFirstPolicy orders candidates by ascending priority. Unhealthy
// candidates are already excluded by the router, so the first healthy
// provider in priority order always goes first.
type HealthFirstPolicy struct{}

var _ tokengate.Policy = (*HealthFirstPolicy)(nil)

// Select orders candidates: healthy first, then by priority.
func (p *HealthFirstPolicy) Select(candidates []tokengate.Candidate) []tokengate.Candidate {
	result := make([]tokengate.Candidate, len(candidates))
	copy(result, candidates)

	sort.SliceStable(result, func(i, j int) bool {
		ci, cj := result[i], result[j]
		if ci.Health != cj.Health {
			return ci.Health == tokengate.HealthHealthy
		}
		return ci.Priority < cj.Priority
	})

	return result
}
