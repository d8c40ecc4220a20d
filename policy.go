package tokengate

import "fmt"

// Policy orders the healthy candidates for a request.
type Policy interface {
	// Select orders candidates. The router tries them in the returned order.
	Select(candidates []Candidate) []Candidate
}

// Candidate represents a possible route for a request.
type Candidate struct {
	Provider Provider
	Auth     Auth
	Model    string
	Priority int
	Weight   int
	Health   HealthState
}

// HealthState describes the health of a provider.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText renders the state for JSON snapshots.
func (h HealthState) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText parses a rendered state.
func (h *HealthState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "healthy":
		*h = HealthHealthy
	case "unhealthy":
		*h = HealthUnhealthy
	default:
		return fmt.Errorf("tokengate: unknown health state %q", b)
	}
	return nil
}

// Strategy names a built-in selection policy.
type Strategy string

const (
	StrategyRoundRobin     Strategy = "round-robin"
	StrategyWeightedRandom Strategy = "weighted-random"
	StrategyHealthFirst    Strategy = "health-first"
)
