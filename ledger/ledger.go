// Package ledger implements per-account monthly quota accounting: admission
// decisions, usage recording with pro overage, period rollover and the
// admin and payment transitions that change an account's entitlement.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	relay "github.com/fixci/relay"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	storeAttempts     = 2
	defaultRetryDelay = 50 * time.Millisecond
)

// Ledger owns one quota record per account.
type Ledger struct {
	store    relay.LedgerStore
	tiers    relay.TierLookup
	recorder *Recorder
	meter    relay.Meter
	logger   *zap.Logger

	clock      clock.Clock
	retryClock clock.Clock
	retryDelay time.Duration

	overageCharge    decimal.Decimal
	freeLimit        int64
	pricingURL       string
	billingURL       string
	reservationLease time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the clock used for period dates and rollover.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithRecorder sets the billing event recorder.
func WithRecorder(r *Recorder) Option {
	return func(l *Ledger) { l.recorder = r }
}

// WithMeter sets the meter notified of admission decisions.
func WithMeter(m relay.Meter) Option {
	return func(l *Ledger) { l.meter = m }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithOverageCharge sets the flat charge accrued per pro overage unit.
func WithOverageCharge(charge decimal.Decimal) Option {
	return func(l *Ledger) { l.overageCharge = charge }
}

// WithFreeLimit sets the monthly limit given to newly created accounts.
func WithFreeLimit(n int64) Option {
	return func(l *Ledger) { l.freeLimit = n }
}

// WithLinks sets the pricing and billing URLs quoted in denial reasons.
func WithLinks(pricingURL, billingURL string) Option {
	return func(l *Ledger) {
		l.pricingURL = pricingURL
		l.billingURL = billingURL
	}
}

// WithBilling applies the billing section of the relay config.
func WithBilling(cfg relay.BillingConfig) Option {
	return func(l *Ledger) {
		if cfg.OverageChargeUSD != nil {
			l.overageCharge = *cfg.OverageChargeUSD
		}
		if cfg.FreeLimit > 0 {
			l.freeLimit = cfg.FreeLimit
		}
		if cfg.PricingURL != "" {
			l.pricingURL = cfg.PricingURL
		}
		if cfg.BillingURL != "" {
			l.billingURL = cfg.BillingURL
		}
		if cfg.ReservationLease > 0 {
			l.reservationLease = cfg.ReservationLease
		}
	}
}

// WithReservationLease sets how long an admission may hold its reserved
// slot before a later admission reclaims it.
func WithReservationLease(d time.Duration) Option {
	return func(l *Ledger) { l.reservationLease = d }
}

// WithRetry sets the clock and delay used between store attempts.
func WithRetry(c clock.Clock, delay time.Duration) Option {
	return func(l *Ledger) {
		l.retryClock = c
		l.retryDelay = delay
	}
}

// New creates a Ledger. The default configuration matches relay.DefaultConfig.
func New(store relay.LedgerStore, tiers relay.TierLookup, opts ...Option) *Ledger {
	defaults := relay.DefaultConfig().Billing
	l := &Ledger{
		store:         store,
		tiers:         tiers,
		meter:         relay.NoopMeter(),
		logger:        zap.NewNop(),
		clock:         clock.WallClock,
		retryClock:    clock.WallClock,
		retryDelay:    defaultRetryDelay,

		overageCharge:    defaults.OverageCharge(),
		freeLimit:        defaults.FreeLimit,
		pricingURL:       defaults.PricingURL,
		billingURL:       defaults.BillingURL,
		reservationLease: defaults.ReservationLease,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Recorder returns the billing event recorder, which may be nil.
func (l *Ledger) Recorder() *Recorder { return l.recorder }

// today returns the current UTC calendar date.
func (l *Ledger) today() time.Time {
	now := l.clock.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func (l *Ledger) defaultRecord(accountID string) relay.QuotaRecord {
	today := l.today()
	now := l.clock.Now().UTC()
	return relay.QuotaRecord{
		AccountID:   accountID,
		Tier:        relay.TierFree,
		Status:      relay.StatusActive,
		PeriodStart: today,
		PeriodEnd:   today.AddDate(0, 1, 0),
		Limit:       relay.Int64Ptr(l.freeLimit),
		OverageCost: decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// GetOrCreate returns the account's record, creating the free-tier default
// on first reference.
func (l *Ledger) GetOrCreate(ctx context.Context, accountID string) (relay.QuotaRecord, error) {
	if accountID == "" {
		return relay.QuotaRecord{}, fmt.Errorf("%w: account id is required", relay.ErrInvalidRequest)
	}

	var rec relay.QuotaRecord
	err := l.do(ctx, "get_or_create", func() error {
		var err error
		rec, err = l.store.GetOrCreate(ctx, l.defaultRecord(accountID))
		return err
	})
	if err != nil {
		return relay.QuotaRecord{}, fmt.Errorf("relay/ledger: get or create %s: %w", accountID, err)
	}
	return rec, nil
}

// Get returns the account's record or relay.ErrAccountNotFound.
func (l *Ledger) Get(ctx context.Context, accountID string) (relay.QuotaRecord, error) {
	var rec relay.QuotaRecord
	err := l.do(ctx, "get", func() error {
		var err error
		rec, err = l.store.Get(ctx, accountID)
		return err
	})
	if err != nil {
		if errors.Is(err, relay.ErrAccountNotFound) {
			return relay.QuotaRecord{}, err
		}
		return relay.QuotaRecord{}, fmt.Errorf("relay/ledger: get %s: %w", accountID, err)
	}
	return rec, nil
}

// CanProceed decides whether the account may run one more analysis. An
// in-quota admission holds a reservation that RecordUsage consumes or
// Release returns. A denial is reported in the Decision, not as an error.
func (l *Ledger) CanProceed(ctx context.Context, accountID string) (relay.Decision, error) {
	rec, err := l.GetOrCreate(ctx, accountID)
	if err != nil {
		return relay.Decision{}, err
	}

	if rec.Status != relay.StatusActive {
		return l.decide(l.inactive(rec)), nil
	}

	if !l.today().Before(rec.PeriodEnd) {
		rec, err = l.rollover(ctx, rec)
		if err != nil {
			return relay.Decision{}, err
		}
	}

	// Every record's tier must resolve; the lookup error is never swallowed.
	if _, err := l.tiers.GetPolicy(ctx, rec.Tier); err != nil {
		return relay.Decision{}, err
	}

	if rec.Unlimited() {
		return l.decide(unlimited(rec)), nil
	}

	var reserved bool
	now := l.clock.Now()
	err = l.do(ctx, "reserve", func() error {
		var err error
		rec, reserved, err = l.store.Reserve(ctx, accountID, now, now.Add(l.reservationLease))
		return err
	})
	if err != nil {
		return relay.Decision{}, fmt.Errorf("relay/ledger: reserve %s: %w", accountID, err)
	}

	switch {
	case reserved:
		return l.decide(relay.Decision{
			Allowed:   true,
			Code:      relay.CodeOK,
			Reason:    "ok",
			Remaining: rec.Remaining() + 1, // counted before this admission
			Reserved:  true,
			Record:    rec,
		}), nil
	case rec.Status != relay.StatusActive:
		return l.decide(l.inactive(rec)), nil
	case rec.Unlimited():
		return l.decide(unlimited(rec)), nil
	case rec.Tier == relay.TierPro:
		return l.decide(relay.Decision{
			Allowed:   true,
			Code:      relay.CodeOverage,
			Reason:    "overage",
			Remaining: 0,
			IsOverage: true,
			Record:    rec,
		}), nil
	default:
		return l.decide(relay.Decision{
			Allowed: false,
			Code:    relay.CodeQuotaExhausted,
			Reason: fmt.Sprintf("Monthly limit reached (%d analyses). Upgrade to Pro for more analyses at %s",
				*rec.Limit, l.pricingURL),
			Remaining: 0,
			Record:    rec,
		}), nil
	}
}

func (l *Ledger) inactive(rec relay.QuotaRecord) relay.Decision {
	return relay.Decision{
		Allowed:   false,
		Code:      relay.CodeInactive,
		Reason:    fmt.Sprintf("Subscription is %s. Please update your billing at %s", rec.Status, l.billingURL),
		Remaining: 0,
		Record:    rec,
	}
}

func unlimited(rec relay.QuotaRecord) relay.Decision {
	return relay.Decision{
		Allowed:   true,
		Code:      relay.CodeUnlimited,
		Reason:    "unlimited",
		Remaining: relay.Unlimited,
		Record:    rec,
	}
}

func (l *Ledger) decide(d relay.Decision) relay.Decision {
	l.meter.OnAdmission(relay.AdmissionEvent{
		AccountID: d.Record.AccountID,
		Tier:      d.Record.Tier,
		Allowed:   d.Allowed,
		Code:      d.Code,
		Overage:   d.IsOverage,
		Remaining: d.Remaining,
	})
	return d
}

// rollover advances the period by one month from its old end. Concurrent
// callers race on the stored period end, so only one of them applies it.
func (l *Ledger) rollover(ctx context.Context, rec relay.QuotaRecord) (relay.QuotaRecord, error) {
	prevEnd := rec.PeriodEnd
	nextEnd := prevEnd.AddDate(0, 1, 0)

	var out relay.QuotaRecord
	err := l.do(ctx, "rollover", func() error {
		var err error
		out, err = l.store.Rollover(ctx, rec.AccountID, prevEnd, nextEnd)
		return err
	})
	if err != nil {
		return relay.QuotaRecord{}, fmt.Errorf("relay/ledger: rollover %s: %w", rec.AccountID, err)
	}

	l.logger.Info("billing period rolled over",
		zap.String("account_id", rec.AccountID),
		zap.Time("period_start", out.PeriodStart),
		zap.Time("period_end", out.PeriodEnd),
		zap.Int64("previous_used", rec.Used),
	)
	return out, nil
}

// UsageRecord describes one completed analysis.
type UsageRecord struct {
	AccountID  string
	AnalysisID string
	Units      int64           // tokens consumed
	CostUSD    decimal.Decimal // backend cost, informational
}

// RecordUsage counts one analysis against the account.
func (l *Ledger) RecordUsage(ctx context.Context, accountID string, units int64, costUSD decimal.Decimal) (relay.UsageDelta, error) {
	return l.RecordUsageFor(ctx, UsageRecord{AccountID: accountID, Units: units, CostUSD: costUSD})
}

// RecordUsageFor counts one analysis against the account. When the count
// passes the limit of a pro account it accrues the flat overage charge and
// logs an overage_charged event.
func (l *Ledger) RecordUsageFor(ctx context.Context, u UsageRecord) (relay.UsageDelta, error) {
	var delta relay.UsageDelta
	increment := func() error {
		var err error
		delta, err = l.store.Increment(ctx, u.AccountID, u.Units, l.overageCharge)
		return err
	}

	err := l.do(ctx, "increment", increment)
	if errors.Is(err, relay.ErrAccountNotFound) {
		if _, err = l.GetOrCreate(ctx, u.AccountID); err != nil {
			return relay.UsageDelta{}, err
		}
		err = l.do(ctx, "increment", increment)
	}
	if err != nil {
		return relay.UsageDelta{}, fmt.Errorf("relay/ledger: record usage %s: %w", u.AccountID, err)
	}

	if delta.Overage {
		meta := map[string]any{
			"tokens":             u.Units,
			"estimated_cost_usd": u.CostUSD.String(),
			"overage_count":      delta.Record.OverageCount,
		}
		if u.AnalysisID != "" {
			meta["analysis_id"] = u.AnalysisID
		}
		l.recorder.Log(ctx, u.AccountID, relay.EventOverageCharged, l.overageCharge, meta)
	}
	return delta, nil
}

// Release returns a reservation taken by CanProceed when the analysis did
// not complete.
func (l *Ledger) Release(ctx context.Context, accountID string) error {
	err := l.do(ctx, "release", func() error {
		return l.store.Release(ctx, accountID)
	})
	if err != nil {
		return fmt.Errorf("relay/ledger: release %s: %w", accountID, err)
	}
	return nil
}

// List returns records matching filter and the total match count.
func (l *Ledger) List(ctx context.Context, filter relay.ListFilter) ([]relay.QuotaRecord, int64, error) {
	var (
		recs  []relay.QuotaRecord
		total int64
	)
	err := l.do(ctx, "list", func() error {
		var err error
		recs, total, err = l.store.List(ctx, filter)
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("relay/ledger: list: %w", err)
	}
	return recs, total, nil
}

// do runs fn, retrying once when the store reports a transient failure.
func (l *Ledger) do(ctx context.Context, op string, fn func() error) error {
	err := retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return !relay.IsTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			l.logger.Warn("ledger store error",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		},
		Attempts: storeAttempts,
		Delay:    l.retryDelay,
		Clock:    l.retryClock,
		Stop:     ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) || retry.IsDurationExceeded(err) || retry.IsRetryStopped(err) {
		return retry.LastError(err)
	}
	return err
}
