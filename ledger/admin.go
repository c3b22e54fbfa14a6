package ledger

import (
	"context"
	"errors"
	"fmt"

	relay "github.com/fixci/relay"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Change is the record before and after an override.
type Change struct {
	Before relay.QuotaRecord `json:"before"`
	After  relay.QuotaRecord `json:"after"`
}

// Grant sets the account's tier and the tier's monthly limit, reactivates
// it and logs tier_granted. The record is created on first reference.
func (l *Ledger) Grant(ctx context.Context, accountID string, tier relay.Tier, reason string) (Change, error) {
	tp, err := l.tiers.GetPolicy(ctx, tier)
	if err != nil {
		return Change{}, err
	}
	if _, err := l.GetOrCreate(ctx, accountID); err != nil {
		return Change{}, err
	}

	ch, err := l.mutate(ctx, "grant", accountID, func(r *relay.QuotaRecord) error {
		r.Tier = tier
		r.Limit = copyLimit(tp.MonthlyLimit)
		r.Status = relay.StatusActive
		return nil
	})
	if err != nil {
		return Change{}, err
	}

	l.recorder.Log(ctx, accountID, relay.EventTierGranted, decimal.Zero, map[string]any{
		"old_tier": string(ch.Before.Tier),
		"new_tier": string(tier),
		"reason":   orDefault(reason, "Manual grant by admin"),
	})
	l.logger.Info("tier granted",
		zap.String("account_id", accountID),
		zap.String("old_tier", string(ch.Before.Tier)),
		zap.String("new_tier", string(tier)),
	)
	return ch, nil
}

// SetStatus changes the account's status and logs status_changed.
func (l *Ledger) SetStatus(ctx context.Context, accountID string, status relay.Status, reason string) (Change, error) {
	if !status.Valid() {
		return Change{}, fmt.Errorf("%w: %q", relay.ErrInvalidStatus, string(status))
	}

	ch, err := l.mutate(ctx, "set_status", accountID, func(r *relay.QuotaRecord) error {
		r.Status = status
		return nil
	})
	if err != nil {
		return Change{}, err
	}

	l.recorder.Log(ctx, accountID, relay.EventStatusChanged, decimal.Zero, map[string]any{
		"old_status": string(ch.Before.Status),
		"new_status": string(status),
		"reason":     orDefault(reason, "Manual change by admin"),
	})
	l.logger.Info("status changed",
		zap.String("account_id", accountID),
		zap.String("old_status", string(ch.Before.Status)),
		zap.String("new_status", string(status)),
	)
	return ch, nil
}

// ResetUsage zeroes the period counters and logs usage_reset with the
// prior usage. Held reservations are left in place.
func (l *Ledger) ResetUsage(ctx context.Context, accountID string, reason string) (Change, error) {
	ch, err := l.mutate(ctx, "reset_usage", accountID, func(r *relay.QuotaRecord) error {
		r.Used = 0
		r.TokensUsed = 0
		r.OverageCount = 0
		r.OverageCost = decimal.Zero
		return nil
	})
	if err != nil {
		return Change{}, err
	}

	l.recorder.Log(ctx, accountID, relay.EventUsageReset, decimal.Zero, map[string]any{
		"previous_usage": ch.Before.Used,
		"reason":         orDefault(reason, "Manual reset by admin"),
	})
	l.logger.Info("usage reset",
		zap.String("account_id", accountID),
		zap.Int64("previous_usage", ch.Before.Used),
	)
	return ch, nil
}

func (l *Ledger) mutate(ctx context.Context, op, accountID string, fn func(*relay.QuotaRecord) error) (Change, error) {
	var ch Change
	err := l.do(ctx, op, func() error {
		var err error
		ch.Before, ch.After, err = l.store.Mutate(ctx, accountID, fn)
		return err
	})
	if err != nil {
		if errors.Is(err, relay.ErrAccountNotFound) {
			return Change{}, fmt.Errorf("%w: %s", relay.ErrAccountNotFound, accountID)
		}
		return Change{}, fmt.Errorf("relay/ledger: %s %s: %w", op, accountID, err)
	}
	return ch, nil
}

func copyLimit(limit *int64) *int64 {
	if limit == nil {
		return nil
	}
	return relay.Int64Ptr(*limit)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
