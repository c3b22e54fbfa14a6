package relay

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerStore persists quota records. Every method that changes counters
// must apply its change as one atomic update at the storage layer.
type LedgerStore interface {
	// GetOrCreate returns the record for init.AccountID, inserting init when
	// no record exists. Concurrent first touches must yield a single record.
	GetOrCreate(ctx context.Context, init QuotaRecord) (QuotaRecord, error)

	// Get returns the record or ErrAccountNotFound.
	Get(ctx context.Context, accountID string) (QuotaRecord, error)

	// Rollover moves the period to [prevEnd, nextEnd) and zeroes the period
	// counters, but only while the stored period end still equals prevEnd.
	// It returns the current record in both cases.
	Rollover(ctx context.Context, accountID string, prevEnd, nextEnd time.Time) (QuotaRecord, error)

	// Reserve holds one in-quota slot when the record is active, capped and
	// has limit-used-reserved > 0, and extends the reservation lease to
	// leaseUntil. Reservations whose lease ended at or before now are stale
	// and are reclaimed by the same update. It reports whether the slot was
	// taken.
	Reserve(ctx context.Context, accountID string, now, leaseUntil time.Time) (QuotaRecord, bool, error)

	// Release returns one held slot, if any.
	Release(ctx context.Context, accountID string) error

	// Increment records one unit plus units tokens, consuming a held slot if
	// any. When the post-increment count exceeds the limit on a pro record
	// it also bumps the overage count and accrues charge.
	Increment(ctx context.Context, accountID string, units int64, charge decimal.Decimal) (UsageDelta, error)

	// Mutate applies fn to the record under an exclusive lock and persists
	// the result. It returns ErrAccountNotFound for unknown accounts.
	Mutate(ctx context.Context, accountID string, fn func(*QuotaRecord) error) (before, after QuotaRecord, err error)

	// List returns records matching filter, newest first, and the total count.
	List(ctx context.Context, filter ListFilter) ([]QuotaRecord, int64, error)
}

// DefaultReservationLease bounds how long an admission may hold a slot
// without recording usage or releasing it.
const DefaultReservationLease = 10 * time.Minute

// UsageDelta is the result of an Increment.
type UsageDelta struct {
	Record  QuotaRecord
	Overage bool
}

// BillingStore is the append-only audit log.
type BillingStore interface {
	// Append inserts ev and returns it with its assigned ID.
	Append(ctx context.Context, ev BillingEvent) (BillingEvent, error)

	// ListEvents returns the newest events for accountID, newest first.
	ListEvents(ctx context.Context, accountID string, limit int) ([]BillingEvent, error)
}

// Deduper guards against processing the same inbound event twice.
type Deduper interface {
	// Claim returns true the first time key is seen within ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Forget drops a claim so that a redelivery can be processed.
	Forget(ctx context.Context, key string) error
}
