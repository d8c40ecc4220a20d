package tokengate

// buildCandidates creates the list of possible candidates for a request model.
// Disabled registrations and registrations that do not serve the model are skipped.
func buildCandidates(regs []ProviderRegistration, health *HealthTracker, requestModel string) []Candidate {
	candidates := make([]Candidate, 0, len(regs))
	for _, reg := range regs {
		if !reg.Enabled || !reg.supportsModel(requestModel) {
			continue
		}
		model := requestModel
		if model == "" {
			model = reg.DefaultModel
		}
		candidates = append(candidates, Candidate{
			Provider: reg.Provider,
			Auth:     reg.Auth,
			Model:    model,
			Priority: reg.Priority,
			Weight:   reg.Weight,
			Health:   health.GetHealth(reg.Name()),
		})
	}
	return candidates
}

// filterHealthy removes unhealthy candidates.
func filterHealthy(candidates []Candidate) []Candidate {
	var filtered []Candidate
	for _, c := range candidates {
		if c.Health == HealthUnhealthy {
			continue
		}
		filtered = append(filtered, c)
	}
	return filtered
}
