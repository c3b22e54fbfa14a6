package ledger

import (
	"context"
	"time"

	relay "github.com/fixci/relay"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Recorder appends billing audit events. A failed write is logged and never
// returned to the caller; the quota mutation that triggered it stands.
type Recorder struct {
	store  relay.BillingStore
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder over store. A nil logger discards output.
func NewRecorder(store relay.BillingStore, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Log appends one event. It is safe to call on a nil Recorder.
func (r *Recorder) Log(ctx context.Context, accountID string, typ relay.EventType, amount decimal.Decimal, metadata map[string]any) {
	if r == nil || r.store == nil {
		return
	}

	ev, err := r.store.Append(ctx, relay.BillingEvent{
		AccountID: accountID,
		Type:      typ,
		AmountUSD: amount,
		Metadata:  metadata,
		CreatedAt: r.now(),
	})
	if err != nil {
		r.logger.Error("billing event write failed",
			zap.String("account_id", accountID),
			zap.String("event_type", string(typ)),
			zap.String("amount_usd", amount.String()),
			zap.Error(err),
		)
		return
	}
	r.logger.Debug("billing event recorded",
		zap.Int64("id", ev.ID),
		zap.String("account_id", accountID),
		zap.String("event_type", string(typ)),
	)
}

// Events returns the newest events for accountID.
func (r *Recorder) Events(ctx context.Context, accountID string, limit int) ([]relay.BillingEvent, error) {
	if r == nil || r.store == nil {
		return nil, nil
	}
	return r.store.ListEvents(ctx, accountID, limit)
}
