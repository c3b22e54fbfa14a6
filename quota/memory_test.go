package quota_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	relay "github.com/fixci/relay"
	"github.com/fixci/relay/quota"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var periodStart = time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

var leaseNow = periodStart.Add(time.Hour)

const lease = 10 * time.Minute

func record(id string, tier relay.Tier, limit *int64, used int64) relay.QuotaRecord {
	return relay.QuotaRecord{
		AccountID:   id,
		Tier:        tier,
		Status:      relay.StatusActive,
		PeriodStart: periodStart,
		PeriodEnd:   periodStart.AddDate(0, 1, 0),
		Used:        used,
		Limit:       limit,
		OverageCost: decimal.Zero,
		CreatedAt:   periodStart,
	}
}

func TestMemoryStore_GetOrCreate(t *testing.T) {
	s := quota.NewMemoryStore()
	ctx := context.Background()

	rec, err := s.GetOrCreate(ctx, record("acct", relay.TierFree, relay.Int64Ptr(10), 0))
	require.NoError(t, err)
	assert.Equal(t, relay.TierFree, rec.Tier)

	// A second create with different defaults returns the stored record.
	rec, err = s.GetOrCreate(ctx, record("acct", relay.TierPro, relay.Int64Ptr(100), 5))
	require.NoError(t, err)
	assert.Equal(t, relay.TierFree, rec.Tier)
	assert.Equal(t, int64(0), rec.Used)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, relay.ErrAccountNotFound)
}

func TestMemoryStore_ReturnedRecordsAreCopies(t *testing.T) {
	s := quota.NewMemoryStore()
	ctx := context.Background()

	rec, err := s.GetOrCreate(ctx, record("acct", relay.TierFree, relay.Int64Ptr(10), 0))
	require.NoError(t, err)
	*rec.Limit = 999

	rec, err = s.Get(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(10), *rec.Limit)
}

func TestMemoryStore_ReserveRespectsLimit(t *testing.T) {
	s := quota.NewMemoryStore()
	ctx := context.Background()
	s.Put(record("acct", relay.TierFree, relay.Int64Ptr(2), 1))

	rec, ok, err := s.Reserve(ctx, "acct", leaseNow, leaseNow.Add(lease))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), rec.Reserved)
	assert.Equal(t, int64(0), rec.Remaining())

	_, ok, err = s.Reserve(ctx, "acct", leaseNow, leaseNow.Add(lease))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Release(ctx, "acct"))
	rec, err = s.Get(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.Reserved)

	// Releasing with nothing held never goes negative.
	require.NoError(t, s.Release(ctx, "acct"))
	rec, err = s.Get(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.Reserved)
}

func TestMemoryStore_ReserveReclaimsStaleReservations(t *testing.T) {
	s := quota.NewMemoryStore()
	ctx := context.Background()
	s.Put(record("acct", relay.TierFree, relay.Int64Ptr(10), 9))

	_, ok, err := s.Reserve(ctx, "acct", leaseNow, leaseNow.Add(lease))
	require.NoError(t, err)
	require.True(t, ok)

	// The holder vanished without Release; the slot stays held inside the lease.
	_, ok, err = s.Reserve(ctx, "acct", leaseNow.Add(lease-time.Second), leaseNow.Add(2*lease))
	require.NoError(t, err)
	assert.False(t, ok)

	later := leaseNow.Add(lease)
	rec, ok, err := s.Reserve(ctx, "acct", later, later.Add(lease))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), rec.Reserved)
	assert.Equal(t, later.Add(lease), rec.ReservedUntil)
}

func TestMemoryStore_ReserveKeepsLiveReservations(t *testing.T) {
	s := quota.NewMemoryStore()
	ctx := context.Background()
	s.Put(record("acct", relay.TierFree, relay.Int64Ptr(10), 0))

	for i := range 3 {
		now := leaseNow.Add(time.Duration(i) * time.Minute)
		_, ok, err := s.Reserve(ctx, "acct", now, now.Add(lease))
		require.NoError(t, err)
		require.True(t, ok)
	}
	rec, err := s.Get(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Reserved)
	assert.Equal(t, int64(3), rec.LiveReserved(leaseNow.Add(lease)))
	assert.Equal(t, int64(0), rec.LiveReserved(leaseNow.Add(2*time.Minute+lease)))
}

func TestMemoryStore_ReserveSkipsInactiveAndUnlimited(t *testing.T) {
	s := quota.NewMemoryStore()
	ctx := context.Background()

	suspended := record("suspended", relay.TierFree, relay.Int64Ptr(10), 0)
	suspended.Status = relay.StatusSuspended
	s.Put(suspended)
	s.Put(record("ent", relay.TierEnterprise, nil, 0))

	_, ok, err := s.Reserve(ctx, "suspended", leaseNow, leaseNow.Add(lease))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Reserve(ctx, "ent", leaseNow, leaseNow.Add(lease))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_IncrementOverage(t *testing.T) {
	s := quota.NewMemoryStore()
	ctx := context.Background()
	charge := decimal.RequireFromString("0.10")

	s.Put(record("pro", relay.TierPro, relay.Int64Ptr(2), 1))
	s.Put(record("free", relay.TierFree, relay.Int64Ptr(1), 1))

	d, err := s.Increment(ctx, "pro", 100, charge)
	require.NoError(t, err)
	assert.False(t, d.Overage)
	assert.Equal(t, int64(2), d.Record.Used)
	assert.Equal(t, int64(100), d.Record.TokensUsed)

	d, err = s.Increment(ctx, "pro", 50, charge)
	require.NoError(t, err)
	assert.True(t, d.Overage)
	assert.Equal(t, int64(1), d.Record.OverageCount)
	assert.True(t, d.Record.OverageCost.Equal(charge))

	// Only pro accrues overage.
	d, err = s.Increment(ctx, "free", 10, charge)
	require.NoError(t, err)
	assert.False(t, d.Overage)
	assert.Equal(t, int64(0), d.Record.OverageCount)
}

func TestMemoryStore_IncrementConsumesReservation(t *testing.T) {
	s := quota.NewMemoryStore()
	ctx := context.Background()
	s.Put(record("acct", relay.TierFree, relay.Int64Ptr(10), 0))

	_, ok, err := s.Reserve(ctx, "acct", leaseNow, leaseNow.Add(lease))
	require.NoError(t, err)
	require.True(t, ok)

	d, err := s.Increment(ctx, "acct", 1, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Record.Used)
	assert.Equal(t, int64(0), d.Record.Reserved)
	assert.Equal(t, int64(9), d.Record.Remaining())
}

func TestMemoryStore_Rollover(t *testing.T) {
	s := quota.NewMemoryStore()
	ctx := context.Background()

	rec := record("acct", relay.TierPro, relay.Int64Ptr(5), 7)
	rec.Reserved = 1
	rec.TokensUsed = 1234
	rec.OverageCount = 2
	rec.OverageCost = decimal.RequireFromString("0.20")
	s.Put(rec)

	prevEnd := rec.PeriodEnd
	nextEnd := prevEnd.AddDate(0, 1, 0)

	got, err := s.Rollover(ctx, "acct", prevEnd, nextEnd)
	require.NoError(t, err)
	assert.Equal(t, prevEnd, got.PeriodStart)
	assert.Equal(t, nextEnd, got.PeriodEnd)
	assert.Equal(t, int64(0), got.Used)
	assert.Equal(t, int64(0), got.Reserved)
	assert.Equal(t, int64(0), got.TokensUsed)
	assert.Equal(t, int64(0), got.OverageCount)
	assert.True(t, got.OverageCost.IsZero())

	// A stale rollover is a no-op.
	_, err = s.Increment(ctx, "acct", 1, decimal.Zero)
	require.NoError(t, err)
	got, err = s.Rollover(ctx, "acct", prevEnd, nextEnd)
	require.NoError(t, err)
	assert.Equal(t, nextEnd, got.PeriodEnd)
	assert.Equal(t, int64(1), got.Used)
}

func TestMemoryStore_Mutate(t *testing.T) {
	s := quota.NewMemoryStore()
	ctx := context.Background()
	s.Put(record("acct", relay.TierFree, relay.Int64Ptr(10), 3))

	before, after, err := s.Mutate(ctx, "acct", func(r *relay.QuotaRecord) error {
		r.Tier = relay.TierPro
		r.Limit = relay.Int64Ptr(100)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, relay.TierFree, before.Tier)
	assert.Equal(t, int64(10), *before.Limit)
	assert.Equal(t, relay.TierPro, after.Tier)
	assert.Equal(t, int64(100), *after.Limit)

	_, _, err = s.Mutate(ctx, "missing", func(*relay.QuotaRecord) error { return nil })
	assert.ErrorIs(t, err, relay.ErrAccountNotFound)
}

func TestMemoryStore_List(t *testing.T) {
	s := quota.NewMemoryStore()
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c", "d"} {
		rec := record(id, relay.TierFree, relay.Int64Ptr(10), 0)
		rec.CreatedAt = periodStart.Add(time.Duration(i) * time.Hour)
		if id == "d" {
			rec.Tier = relay.TierPro
		}
		s.Put(rec)
	}

	recs, total, err := s.List(ctx, relay.ListFilter{Tier: relay.TierFree, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", recs[0].AccountID)
	assert.Equal(t, "b", recs[1].AccountID)

	recs, _, err = s.List(ctx, relay.ListFilter{Tier: relay.TierFree, Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].AccountID)
}

func TestMemoryStore_ConcurrentReserveLastSlot(t *testing.T) {
	s := quota.NewMemoryStore()
	ctx := context.Background()
	s.Put(record("acct", relay.TierFree, relay.Int64Ptr(10), 9))

	var wins atomic.Int64
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Reserve(ctx, "acct", leaseNow, leaseNow.Add(lease))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins.Load())
}

func TestMemoryBillingLog(t *testing.T) {
	l := quota.NewMemoryBillingLog()
	ctx := context.Background()

	for _, typ := range []relay.EventType{relay.EventTierGranted, relay.EventUsageReset, relay.EventStatusChanged} {
		_, err := l.Append(ctx, relay.BillingEvent{AccountID: "acct", Type: typ, AmountUSD: decimal.Zero})
		require.NoError(t, err)
	}
	_, err := l.Append(ctx, relay.BillingEvent{AccountID: "other", Type: relay.EventPaymentFailed})
	require.NoError(t, err)

	evs, err := l.ListEvents(ctx, "acct", 2)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, relay.EventStatusChanged, evs[0].Type)
	assert.Equal(t, relay.EventUsageReset, evs[1].Type)
	assert.Greater(t, evs[0].ID, evs[1].ID)
	assert.False(t, evs[0].CreatedAt.IsZero())
}

func TestMemoryDeduper(t *testing.T) {
	d := quota.NewMemoryDeduper()
	ctx := context.Background()

	ok, err := d.Claim(ctx, "run-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Claim(ctx, "run-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Forget(ctx, "run-1"))
	ok, err = d.Claim(ctx, "run-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Claim(ctx, "run-2", time.Nanosecond)
	require.NoError(t, err)
	assert.True(t, ok)
	time.Sleep(time.Millisecond)
	ok, err = d.Claim(ctx, "run-2", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}
