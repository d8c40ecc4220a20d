// Package policy provides the built-in provider selection strategies.
package policy

import (
	"fmt"

	"github.com/ineyio/tokengate"
)

// New returns the policy for a named strategy.
func New(s tokengate.Strategy) (tokengate.Policy, error) {
	switch s {
	case tokengate.StrategyRoundRobin, "":
		return &RoundRobinPolicy{}, nil
	case tokengate.StrategyWeightedRandom:
		return NewWeightedRandom(nil), nil
	case tokengate.StrategyHealthFirst:
		return &HealthFirstPolicy{}, nil
	default:
		return nil, fmt.Errorf("tokengate/policy: unknown strategy %q", s)
	}
}
