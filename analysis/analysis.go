// Package analysis handles one inbound CI failure event end to end:
// dedup, admission, dispatch, usage recording and comment rendering.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	relay "github.com/fixci/relay"
	"github.com/fixci/relay/ledger"
)

const (
	defaultDedupTTL = 24 * time.Hour

	// UnavailableReason is shown upstream when every backend failed.
	UnavailableReason = "analysis unavailable"
)

// FailureEvent is an already-verified CI failure notification.
type FailureEvent struct {
	// EventID is a stable identifier of the originating workflow execution.
	EventID   string               `json:"event_id"`
	AccountID string               `json:"account_id"`
	Logs      string               `json:"logs"`
	Context   relay.FailureContext `json:"context"`
}

// Status is the kind of an Outcome.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusDenied      Status = "denied"
	StatusDuplicate   Status = "duplicate"
	StatusUnavailable Status = "unavailable"
)

// Outcome is what the caller reports back to the event source.
type Outcome struct {
	Status     Status          `json:"status"`
	AnalysisID string          `json:"analysis_id,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Tier       relay.Tier      `json:"tier,omitempty"`
	Overage    bool            `json:"overage,omitempty"`
	Remaining  int64           `json:"remaining"`
	Result     *relay.Result   `json:"result,omitempty"`
	Comment    string          `json:"comment,omitempty"`
	Decision   *relay.Decision `json:"-"`
}

// Quota is the ledger surface used per event.
type Quota interface {
	CanProceed(ctx context.Context, accountID string) (relay.Decision, error)
	RecordUsageFor(ctx context.Context, u ledger.UsageRecord) (relay.UsageDelta, error)
	Release(ctx context.Context, accountID string) error
}

// Dispatcher runs one analysis against the tier's backends.
type Dispatcher interface {
	Dispatch(ctx context.Context, content string, fc relay.FailureContext, tier relay.Tier) (relay.Result, error)
}

var (
	_ Quota      = (*ledger.Ledger)(nil)
	_ Dispatcher = (*relay.Dispatcher)(nil)
)

// Service handles failure events.
type Service struct {
	quota      Quota
	dispatcher Dispatcher
	dedup      relay.Deduper
	dedupTTL   time.Duration
	logger     *zap.Logger
	newID      func() string
}

// Option configures a Service.
type Option func(*Service)

// WithDeduper sets the store that rejects repeated event IDs.
func WithDeduper(d relay.Deduper, ttl time.Duration) Option {
	return func(s *Service) {
		s.dedup = d
		if ttl > 0 {
			s.dedupTTL = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithIDGenerator overrides how analysis IDs are minted.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// New creates a Service.
func New(quota Quota, dispatcher Dispatcher, opts ...Option) *Service {
	s := &Service{
		quota:      quota,
		dispatcher: dispatcher,
		dedupTTL:   defaultDedupTTL,
		logger:     zap.NewNop(),
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle processes ev. Denials, duplicates and exhausted backends are
// reported through the Outcome. Errors are returned for invalid input,
// unknown tiers, storage outages and when no backend is configured; in
// those cases the event may be redelivered.
func (s *Service) Handle(ctx context.Context, ev FailureEvent) (Outcome, error) {
	if ev.AccountID == "" {
		return Outcome{}, fmt.Errorf("%w: account_id is required", relay.ErrInvalidRequest)
	}
	logger := s.logger.With(zap.String("account", ev.AccountID), zap.String("event", ev.EventID))

	claimed, err := s.claim(ctx, ev.EventID)
	if err != nil {
		logger.Warn("dedup unavailable, processing anyway", zap.Error(err))
	} else if !claimed {
		logger.Info("duplicate failure event")
		return Outcome{Status: StatusDuplicate}, nil
	}

	// Cleanup and accounting after this point must outlive the caller.
	detached := context.WithoutCancel(ctx)

	decision, err := s.quota.CanProceed(ctx, ev.AccountID)
	if err != nil {
		s.forget(detached, logger, ev.EventID)
		return Outcome{}, err
	}
	if !decision.Allowed {
		logger.Info("analysis denied", zap.String("code", decision.Code), zap.String("reason", decision.Reason))
		return Outcome{
			Status:    StatusDenied,
			Reason:    decision.Reason,
			Tier:      decision.Record.Tier,
			Remaining: decision.Remaining,
			Decision:  &decision,
		}, nil
	}

	result, err := s.dispatcher.Dispatch(ctx, ev.Logs, ev.Context, decision.Record.Tier)
	if err != nil {
		s.release(detached, logger, decision)
		s.forget(detached, logger, ev.EventID)

		var pe *relay.ProviderError
		if errors.As(err, &pe) {
			logger.Error("analysis failed on every backend",
				zap.Strings("tried", pe.Tried),
				zap.String("last_provider", pe.Provider),
				zap.Error(err),
			)
			return Outcome{
				Status:    StatusUnavailable,
				Reason:    UnavailableReason,
				Tier:      decision.Record.Tier,
				Remaining: decision.Remaining,
				Decision:  &decision,
			}, nil
		}
		return Outcome{}, err
	}

	id := s.newID()
	out := Outcome{
		Status:     StatusCompleted,
		AnalysisID: id,
		Tier:       decision.Record.Tier,
		Overage:    decision.IsOverage,
		Remaining:  decision.Remaining,
		Result:     &result,
		Comment:    relay.FormatComment(result),
		Decision:   &decision,
	}

	delta, err := s.quota.RecordUsageFor(detached, ledger.UsageRecord{
		AccountID:  ev.AccountID,
		AnalysisID: id,
		Units:      result.TotalTokens,
		CostUSD:    result.EstimatedCostUSD,
	})
	if err != nil {
		logger.Error("usage not recorded", zap.String("analysis_id", id), zap.Error(err))
		return out, nil
	}
	out.Overage = delta.Overage
	out.Remaining = delta.Record.Remaining()
	if out.Remaining < 0 && out.Remaining != relay.Unlimited {
		out.Remaining = 0
	}

	logger.Info("analysis completed",
		zap.String("analysis_id", id),
		zap.String("provider", result.Provider),
		zap.Strings("tried", result.Tried),
		zap.Int64("tokens", result.TotalTokens),
		zap.Bool("overage", delta.Overage),
	)
	return out, nil
}

func (s *Service) claim(ctx context.Context, eventID string) (bool, error) {
	if s.dedup == nil || eventID == "" {
		return true, nil
	}
	return s.dedup.Claim(ctx, dedupKey(eventID), s.dedupTTL)
}

func (s *Service) forget(ctx context.Context, logger *zap.Logger, eventID string) {
	if s.dedup == nil || eventID == "" {
		return
	}
	if err := s.dedup.Forget(ctx, dedupKey(eventID)); err != nil {
		logger.Warn("dedup forget failed", zap.Error(err))
	}
}

func (s *Service) release(ctx context.Context, logger *zap.Logger, d relay.Decision) {
	if !d.Reserved {
		return
	}
	if err := s.quota.Release(ctx, d.Record.AccountID); err != nil {
		logger.Error("reservation not released", zap.Error(err))
	}
}

func dedupKey(eventID string) string { return "failure:" + eventID }
