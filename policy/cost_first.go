package policy

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	relay "github.com/fixci/relay"
)

// CostFirst orders candidates of an all-backends tier by list price,
// cheapest first, instead of rotating through them. Tiers with a declared
// priority list keep that order.
type CostFirst struct{}

var _ relay.Policy = (*CostFirst)(nil)

func (p *CostFirst) Order(_ context.Context, candidates []relay.Candidate, allowAll bool) []relay.Candidate {
	result := make([]relay.Candidate, len(candidates))
	copy(result, candidates)
	if !allowAll {
		return result
	}

	sort.SliceStable(result, func(i, j int) bool {
		return blended(result[i]).LessThan(blended(result[j]))
	})
	return result
}

func blended(c relay.Candidate) decimal.Decimal {
	return c.Pricing.InputPerMTok.Add(c.Pricing.OutputPerMTok)
}
