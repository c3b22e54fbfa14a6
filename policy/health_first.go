package policy

import (
	"context"
	"sort"

	relay "github.com/fixci/relay"
)

// HealthFirst wraps another policy and moves candidates whose circuit is
// open to the end of its order. Half-open candidates stay in place.
// Nothing is ever dropped: an unhealthy backend is still tried last.
type HealthFirst struct {
	Inner relay.Policy
}

var _ relay.Policy = (*HealthFirst)(nil)

func (p *HealthFirst) Order(ctx context.Context, candidates []relay.Candidate, allowAll bool) []relay.Candidate {
	var result []relay.Candidate
	if p.Inner != nil {
		result = p.Inner.Order(ctx, candidates, allowAll)
	} else {
		result = make([]relay.Candidate, len(candidates))
		copy(result, candidates)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Health != relay.HealthUnhealthy && result[j].Health == relay.HealthUnhealthy
	})
	return result
}
