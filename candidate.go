package relay

// availableCandidates returns every configured backend that has a
// registered adapter and credentials present, in config order.
func availableCandidates(cfg Config, providers map[string]Provider, health *HealthTracker) []Candidate {
	var candidates []Candidate
	for _, b := range cfg.Backends {
		prov, ok := providers[b.Name]
		if !ok || !b.Available() {
			continue
		}
		candidates = append(candidates, Candidate{
			Provider: prov,
			Name:     b.Name,
			Model:    b.Model,
			Auth:     b.Auth,
			Pricing:  b.Pricing,
			Health:   health.GetHealth(b.Name),
		})
	}
	return candidates
}

// eligibleCandidates intersects available with the tier's allow-list,
// preserving the policy's declared order. The "all" sentinel admits every
// available backend in config order.
func eligibleCandidates(available []Candidate, tp TierPolicy) []Candidate {
	if tp.AllowsAll() {
		return available
	}

	byName := make(map[string]Candidate, len(available))
	for _, c := range available {
		byName[c.Name] = c
	}

	var eligible []Candidate
	seen := make(map[string]bool, len(tp.AllowedBackends))
	for _, name := range tp.AllowedBackends {
		c, ok := byName[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		eligible = append(eligible, c)
	}
	return eligible
}

func candidateNames(candidates []Candidate) []string {
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
	}
	return names
}
