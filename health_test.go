package relay_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relay "github.com/fixci/relay"
)

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	ht := relay.NewHealthTracker()

	assert.Equal(t, relay.HealthHealthy, ht.GetHealth("gemini"))

	ht.RecordFailure("gemini")
	ht.RecordFailure("gemini")
	assert.Equal(t, relay.HealthHealthy, ht.GetHealth("gemini"))
	ht.RecordFailure("gemini")

	assert.Equal(t, relay.HealthUnhealthy, ht.GetHealth("gemini"))
}

func TestCircuitBreaker_SuccessRecovers(t *testing.T) {
	ht := relay.NewHealthTracker()

	for range 3 {
		ht.RecordFailure("gemini")
	}
	assert.Equal(t, relay.HealthUnhealthy, ht.GetHealth("gemini"))

	ht.RecordSuccess("gemini")
	assert.Equal(t, relay.HealthHealthy, ht.GetHealth("gemini"))
}

func TestCircuitBreaker_FailuresOutsideWindow(t *testing.T) {
	clk := testclock.NewClock(time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC))
	ht := relay.NewHealthTracker(relay.WithHealthClock(clk))

	ht.RecordFailure("gemini")
	ht.RecordFailure("gemini")
	clk.Advance(6 * time.Minute)
	ht.RecordFailure("gemini")

	assert.Equal(t, relay.HealthHealthy, ht.GetHealth("gemini"))
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clk := testclock.NewClock(time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC))
	ht := relay.NewHealthTracker(
		relay.WithHealthClock(clk),
		relay.WithHealthConfig(relay.HealthConfig{FailureThreshold: 1, Cooldown: 10 * time.Second}),
	)

	ht.RecordFailure("claude")
	assert.Equal(t, relay.HealthUnhealthy, ht.GetHealth("claude"))

	clk.Advance(10 * time.Second)
	assert.Equal(t, relay.HealthHalfOpen, ht.GetHealth("claude"))

	// A failed probe reopens for a full cooldown.
	ht.RecordFailure("claude")
	assert.Equal(t, relay.HealthUnhealthy, ht.GetHealth("claude"))
	clk.Advance(5 * time.Second)
	assert.Equal(t, relay.HealthUnhealthy, ht.GetHealth("claude"))

	clk.Advance(5 * time.Second)
	assert.Equal(t, relay.HealthHalfOpen, ht.GetHealth("claude"))
	ht.RecordSuccess("claude")
	assert.Equal(t, relay.HealthHealthy, ht.GetHealth("claude"))
}

func TestHealthTracker_Snapshot(t *testing.T) {
	ht := relay.NewHealthTracker(relay.WithHealthConfig(relay.HealthConfig{FailureThreshold: 1}))
	ht.RecordSuccess("gemini")
	ht.RecordFailure("openai")

	snap := ht.Snapshot()
	assert.Equal(t, map[string]relay.HealthState{
		"gemini": relay.HealthHealthy,
		"openai": relay.HealthUnhealthy,
	}, snap)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.JSONEq(t, `{"gemini":"healthy","openai":"unhealthy"}`, string(data))
}

func TestHealthState_String(t *testing.T) {
	assert.Equal(t, "healthy", relay.HealthHealthy.String())
	assert.Equal(t, "unhealthy", relay.HealthUnhealthy.String())
	assert.Equal(t, "half-open", relay.HealthHalfOpen.String())
}
