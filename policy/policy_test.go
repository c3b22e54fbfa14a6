package policy_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	relay "github.com/fixci/relay"
	"github.com/fixci/relay/policy"
)

func cand(name string, health relay.HealthState, in, out string) relay.Candidate {
	return relay.Candidate{
		Name:   name,
		Health: health,
		Pricing: relay.Pricing{
			InputPerMTok:  decimal.RequireFromString(in),
			OutputPerMTok: decimal.RequireFromString(out),
		},
	}
}

func names(cs []relay.Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	return out
}

func TestHealthFirstMovesUnhealthyLast(t *testing.T) {
	candidates := []relay.Candidate{
		cand("claude", relay.HealthUnhealthy, "3", "15"),
		cand("openai", relay.HealthHealthy, "2.5", "10"),
		cand("gemini", relay.HealthHalfOpen, "0.1", "0.4"),
		cand("cloudflare", relay.HealthUnhealthy, "0", "0"),
	}

	p := &policy.HealthFirst{}
	got := p.Order(context.Background(), candidates, false)

	assert.Equal(t, []string{"openai", "gemini", "claude", "cloudflare"}, names(got))
	assert.Equal(t, "claude", candidates[0].Name, "input must not be reordered")
}

func TestHealthFirstWrapsInner(t *testing.T) {
	candidates := []relay.Candidate{
		cand("a", relay.HealthHealthy, "0", "0"),
		cand("b", relay.HealthUnhealthy, "0", "0"),
		cand("c", relay.HealthHealthy, "0", "0"),
	}
	cursor := &relay.AtomicCursor{}
	p := &policy.HealthFirst{Inner: &relay.TierOrder{Cursor: cursor}}

	first := p.Order(context.Background(), candidates, true)
	assert.Equal(t, []string{"a", "c", "b"}, names(first))

	second := p.Order(context.Background(), candidates, true)
	assert.Equal(t, []string{"c", "a", "b"}, names(second))
}

func TestCostFirst(t *testing.T) {
	candidates := []relay.Candidate{
		cand("claude", relay.HealthHealthy, "3", "15"),
		cand("openai", relay.HealthHealthy, "2.5", "10"),
		cand("cloudflare", relay.HealthHealthy, "0", "0"),
		cand("gemini", relay.HealthHealthy, "0.1", "0.4"),
	}
	p := &policy.CostFirst{}

	got := p.Order(context.Background(), candidates, true)
	assert.Equal(t, []string{"cloudflare", "gemini", "openai", "claude"}, names(got))

	declared := p.Order(context.Background(), candidates, false)
	assert.Equal(t, []string{"claude", "openai", "cloudflare", "gemini"}, names(declared))
}
