package relay

import (
	"time"

	"github.com/shopspring/decimal"
)

// Meter observes dispatch and admission events for monitoring/logging.
type Meter interface {
	// OnAttempt is called before a backend is invoked.
	OnAttempt(event AttemptEvent)

	// OnResult is called when a backend returns or fails.
	OnResult(event ResultEvent)

	// OnAdmission is called for every admission decision.
	OnAdmission(event AdmissionEvent)
}

// AttemptEvent describes one backend invocation.
type AttemptEvent struct {
	Provider   string
	Model      string
	Tier       Tier
	AttemptNum int
	Health     HealthState
}

// ResultEvent describes the outcome of a backend call.
type ResultEvent struct {
	Provider   string
	Model      string
	Tier       Tier
	Success    bool
	Duration   time.Duration
	Usage      Usage
	CostUSD    decimal.Decimal
	Confidence float64
	Error      error
}

// AdmissionEvent describes an admission decision.
type AdmissionEvent struct {
	AccountID string
	Tier      Tier
	Allowed   bool
	Code      string
	Overage   bool
	Remaining int64
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnAttempt(AttemptEvent)     {}
func (noopMeter) OnResult(ResultEvent)       {}
func (noopMeter) OnAdmission(AdmissionEvent) {}

// NoopMeter returns a Meter that discards every event.
func NoopMeter() Meter { return noopMeter{} }
