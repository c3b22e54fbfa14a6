package meter

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	relay "github.com/fixci/relay"
)

func success(provider string, ms int64, tokens int64, cost string, confidence float64) relay.ResultEvent {
	return relay.ResultEvent{
		Provider:   provider,
		Model:      provider + "-model",
		Tier:       relay.TierPro,
		Success:    true,
		Duration:   time.Duration(ms) * time.Millisecond,
		Usage:      relay.Usage{InputTokens: tokens / 2, OutputTokens: tokens - tokens/2, TotalTokens: tokens},
		CostUSD:    decimal.RequireFromString(cost),
		Confidence: confidence,
	}
}

func TestPrometheusMeter(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPrometheusMeter(registry)

	m.OnAttempt(relay.AttemptEvent{Provider: "claude", Tier: relay.TierPro})
	m.OnAttempt(relay.AttemptEvent{Provider: "claude", Tier: relay.TierPro})
	m.OnResult(relay.ResultEvent{Provider: "claude", Error: relay.ErrRateLimited})
	m.OnResult(success("claude", 1200, 300, "0.25", 0.9))
	m.OnAdmission(relay.AdmissionEvent{Tier: relay.TierFree, Code: relay.CodeQuotaExhausted})

	assert.Equal(t, float64(2), testutil.ToFloat64(m.attempts.WithLabelValues("claude", "pro")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.results.WithLabelValues("claude", "failure", "retryable")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.results.WithLabelValues("claude", "success", "none")))
	assert.Equal(t, float64(150), testutil.ToFloat64(m.tokens.WithLabelValues("claude", "input")))
	assert.InDelta(t, 0.25, testutil.ToFloat64(m.cost.WithLabelValues("claude")), 1e-9)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.admissions.WithLabelValues("free", relay.CodeQuotaExhausted)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestStatsMeter(t *testing.T) {
	m := NewStatsMeter()

	m.OnResult(success("gemini", 100, 10, "0.01", 0.9))
	m.OnResult(success("gemini", 300, 30, "0.02", 0.3))
	m.OnResult(relay.ResultEvent{Provider: "gemini", Error: errors.New("boom")})
	m.OnResult(success("cloudflare", 50, 5, "0", 0.6))

	snap := m.Snapshot()
	require.Len(t, snap, 2)

	g := snap[0]
	assert.Equal(t, "gemini", g.Provider)
	assert.Equal(t, int64(2), g.Analyses)
	assert.Equal(t, int64(1), g.Failures)
	assert.Equal(t, int64(200), g.AvgProcessingMs)
	assert.Equal(t, int64(40), g.TotalTokens)
	assert.True(t, g.TotalCostUSD.Equal(decimal.RequireFromString("0.03")))
	assert.InDelta(t, 0.6, g.AvgConfidence, 1e-9)

	assert.Equal(t, "cloudflare", snap[1].Provider)
}

func TestStatsMeterFailuresOnly(t *testing.T) {
	m := NewStatsMeter()
	m.OnResult(relay.ResultEvent{Provider: "openai", Error: relay.ErrAuthFailed})

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Zero(t, snap[0].Analyses)
	assert.Zero(t, snap[0].AvgProcessingMs)
	assert.True(t, snap[0].TotalCostUSD.IsZero())
}

func TestLogMeter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	m := NewLogMeter(zap.New(core))

	m.OnAttempt(relay.AttemptEvent{Provider: "claude", AttemptNum: 1})
	m.OnResult(success("claude", 10, 10, "0.01", 0.9))
	m.OnResult(relay.ResultEvent{Provider: "openai", Error: relay.ErrAuthFailed})
	m.OnAdmission(relay.AdmissionEvent{AccountID: "acct1", Code: relay.CodeInactive})

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, "dispatch attempt", entries[0].Message)
	assert.Equal(t, "dispatch result", entries[1].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, "fatal", entries[2].ContextMap()["class"])
	assert.Equal(t, "admission denied", entries[3].Message)
}

type countingMeter struct{ attempts, results, admissions int }

func (c *countingMeter) OnAttempt(relay.AttemptEvent)     { c.attempts++ }
func (c *countingMeter) OnResult(relay.ResultEvent)       { c.results++ }
func (c *countingMeter) OnAdmission(relay.AdmissionEvent) { c.admissions++ }

func TestMulti(t *testing.T) {
	a, b := &countingMeter{}, &countingMeter{}
	m := Multi(a, nil, b)

	m.OnAttempt(relay.AttemptEvent{})
	m.OnResult(relay.ResultEvent{})
	m.OnAdmission(relay.AdmissionEvent{})

	for _, c := range []*countingMeter{a, b} {
		assert.Equal(t, 1, c.attempts)
		assert.Equal(t, 1, c.results)
		assert.Equal(t, 1, c.admissions)
	}

	assert.Same(t, a, Multi(a).(*countingMeter))
	assert.NotNil(t, Multi())
}
