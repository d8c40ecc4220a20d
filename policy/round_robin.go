package policy

import (
	"sync/atomic"

	"github.com/ineyio/tokengate"
)

// RoundRobinPolicy rotates the starting candidate on every call.
type RoundRobinPolicy struct {
	next atomic.Uint64
}

var _ tokengate.Policy = (*RoundRobinPolicy)(nil)

// Select returns candidates rotated by a cyclic pointer.
func (p *RoundRobinPolicy) Select(candidates []tokengate.Candidate) []tokengate.Candidate {
	n := len(candidates)
	if n == 0 {
		return nil
	}
	start := int((p.next.Add(1) - 1) % uint64(n))

	result := make([]tokengate.Candidate, 0, n)
	result = append(result, candidates[start:]...)
	return append(result, candidates[:start]...)
}
