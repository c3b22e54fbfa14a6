package ledger

import (
	"context"

	relay "github.com/fixci/relay"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SubscriptionCreated applies a completed checkout: the account moves to
// tier with the tier's limit and becomes active.
func (l *Ledger) SubscriptionCreated(ctx context.Context, accountID string, tier relay.Tier, subscriptionRef string) (Change, error) {
	tp, err := l.tiers.GetPolicy(ctx, tier)
	if err != nil {
		return Change{}, err
	}
	if _, err := l.GetOrCreate(ctx, accountID); err != nil {
		return Change{}, err
	}

	ch, err := l.mutate(ctx, "subscription_created", accountID, func(r *relay.QuotaRecord) error {
		r.Tier = tier
		r.Limit = copyLimit(tp.MonthlyLimit)
		r.Status = relay.StatusActive
		return nil
	})
	if err != nil {
		return Change{}, err
	}

	l.recorder.Log(ctx, accountID, relay.EventSubscriptionCreated, tp.MonthlyPriceUSD, map[string]any{
		"tier":            string(tier),
		"subscription_id": subscriptionRef,
	})
	l.logger.Info("subscription created",
		zap.String("account_id", accountID),
		zap.String("tier", string(tier)),
	)
	return ch, nil
}

// SubscriptionCancelled downgrades the account to the free tier.
func (l *Ledger) SubscriptionCancelled(ctx context.Context, accountID string, subscriptionRef string) (Change, error) {
	ch, err := l.mutate(ctx, "subscription_cancelled", accountID, func(r *relay.QuotaRecord) error {
		r.Tier = relay.TierFree
		r.Limit = relay.Int64Ptr(l.freeLimit)
		r.Status = relay.StatusActive
		return nil
	})
	if err != nil {
		return Change{}, err
	}

	l.recorder.Log(ctx, accountID, relay.EventSubscriptionCancelled, decimal.Zero, map[string]any{
		"previous_tier":   string(ch.Before.Tier),
		"subscription_id": subscriptionRef,
	})
	l.logger.Info("subscription cancelled, downgraded to free",
		zap.String("account_id", accountID),
		zap.String("previous_tier", string(ch.Before.Tier)),
	)
	return ch, nil
}

// PaymentSucceeded logs a payment. A past_due account becomes active; no
// other status changes.
func (l *Ledger) PaymentSucceeded(ctx context.Context, accountID string, amount decimal.Decimal, invoiceRef string) (Change, error) {
	ch, err := l.mutate(ctx, "payment_succeeded", accountID, func(r *relay.QuotaRecord) error {
		if r.Status == relay.StatusPastDue {
			r.Status = relay.StatusActive
		}
		return nil
	})
	if err != nil {
		return Change{}, err
	}

	l.recorder.Log(ctx, accountID, relay.EventPaymentSucceeded, amount, map[string]any{
		"invoice_id": invoiceRef,
	})
	l.logger.Info("payment succeeded",
		zap.String("account_id", accountID),
		zap.String("amount_usd", amount.String()),
		zap.String("status", string(ch.After.Status)),
	)
	return ch, nil
}

// PaymentFailed marks the account past_due.
func (l *Ledger) PaymentFailed(ctx context.Context, accountID string, invoiceRef string) (Change, error) {
	ch, err := l.mutate(ctx, "payment_failed", accountID, func(r *relay.QuotaRecord) error {
		r.Status = relay.StatusPastDue
		return nil
	})
	if err != nil {
		return Change{}, err
	}

	l.recorder.Log(ctx, accountID, relay.EventPaymentFailed, decimal.Zero, map[string]any{
		"invoice_id": invoiceRef,
	})
	l.logger.Warn("payment failed",
		zap.String("account_id", accountID),
		zap.String("invoice_id", invoiceRef),
	)
	return ch, nil
}
