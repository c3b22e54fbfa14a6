//go:build integration

package redis_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	relay "github.com/fixci/relay"
	quotaredis "github.com/fixci/relay/quota/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client) *quotaredis.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	s := quotaredis.New(client, quotaredis.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return s
}

var (
	periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

func record(id string, tier relay.Tier, limit *int64) relay.QuotaRecord {
	return relay.QuotaRecord{
		AccountID:   id,
		Tier:        tier,
		Status:      relay.StatusActive,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Limit:       limit,
		CreatedAt:   time.Now(),
	}
}

func TestGetOrCreate(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	rec, err := store.GetOrCreate(ctx, record("acct1", relay.TierFree, relay.Int64Ptr(10)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Tier != relay.TierFree || rec.Limit == nil || *rec.Limit != 10 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.PeriodEnd.Equal(periodEnd) {
		t.Fatalf("period end = %v, want %v", rec.PeriodEnd, periodEnd)
	}

	// A second touch with different defaults returns the stored record.
	again, err := store.GetOrCreate(ctx, record("acct1", relay.TierPro, relay.Int64Ptr(100)))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if again.Tier != relay.TierFree {
		t.Fatalf("tier = %s, want free", again.Tier)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, relay.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestUnlimitedRecordHasNoLimit(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	rec, err := store.GetOrCreate(ctx, record("ent", relay.TierEnterprise, nil))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Limit != nil {
		t.Fatalf("limit = %d, want nil", *rec.Limit)
	}
	_, ok, err := store.Reserve(ctx, "ent", time.Now(), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok {
		t.Fatal("unlimited records must not hold reservations")
	}
}

func TestReserveLastSlotConcurrent(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	init := record("acct1", relay.TierFree, relay.Int64Ptr(10))
	if _, err := store.GetOrCreate(ctx, init); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := store.Mutate(ctx, "acct1", func(r *relay.QuotaRecord) error {
		r.Used = 9
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.Reserve(ctx, "acct1", time.Now(), time.Now().Add(time.Minute))
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 1 {
		t.Fatalf("granted = %d, want 1", granted)
	}

	if err := store.Release(ctx, "acct1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.Release(ctx, "acct1"); err != nil {
		t.Fatalf("second release: %v", err)
	}
	rec, _ := store.Get(ctx, "acct1")
	if rec.Reserved != 0 {
		t.Fatalf("reserved = %d, want 0", rec.Reserved)
	}
}

func TestReserveReclaimsStaleReservation(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	if _, err := store.GetOrCreate(ctx, record("acct1", relay.TierFree, relay.Int64Ptr(1))); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	until := now.Add(time.Minute)
	if _, ok, err := store.Reserve(ctx, "acct1", now, until); err != nil || !ok {
		t.Fatalf("first reserve: ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.Reserve(ctx, "acct1", until.Add(-time.Second), until.Add(time.Minute)); err != nil || ok {
		t.Fatalf("reserve within lease: ok=%v err=%v, want denied", ok, err)
	}

	rec, ok, err := store.Reserve(ctx, "acct1", until, until.Add(time.Minute))
	if err != nil {
		t.Fatalf("reserve after lease: %v", err)
	}
	if !ok {
		t.Fatal("stale reservation should have been reclaimed")
	}
	if rec.Reserved != 1 {
		t.Fatalf("reserved = %d, want 1", rec.Reserved)
	}
	if !rec.ReservedUntil.Equal(until.Add(time.Minute)) {
		t.Fatalf("reserved_until = %v, want %v", rec.ReservedUntil, until.Add(time.Minute))
	}
}

func TestIncrementOverage(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	if _, err := store.GetOrCreate(ctx, record("pro1", relay.TierPro, relay.Int64Ptr(1))); err != nil {
		t.Fatalf("create: %v", err)
	}
	charge := decimal.RequireFromString("0.10")

	d, err := store.Increment(ctx, "pro1", 500, charge)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if d.Overage {
		t.Fatal("first unit is within the limit")
	}

	d, err = store.Increment(ctx, "pro1", 250, charge)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if !d.Overage {
		t.Fatal("second unit should be overage")
	}
	if d.Record.Used != 2 || d.Record.TokensUsed != 750 || d.Record.OverageCount != 1 {
		t.Fatalf("unexpected record: %+v", d.Record)
	}
	if !d.Record.OverageCost.Equal(charge) {
		t.Fatalf("overage cost = %s, want %s", d.Record.OverageCost, charge)
	}

	if _, err := store.Increment(ctx, "missing", 1, charge); !errors.Is(err, relay.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	if _, err := store.GetOrCreate(ctx, record("pro1", relay.TierPro, relay.Int64Ptr(10))); err != nil {
		t.Fatalf("create: %v", err)
	}
	charge := decimal.RequireFromString("0.10")

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Increment(ctx, "pro1", 1, charge); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, err := store.Get(ctx, "pro1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Used != 20 || rec.OverageCount != 10 {
		t.Fatalf("used=%d overage=%d, want 20 and 10", rec.Used, rec.OverageCount)
	}
	if !rec.OverageCost.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("overage cost = %s, want 1", rec.OverageCost)
	}
}

func TestRollover(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	if _, err := store.GetOrCreate(ctx, record("acct1", relay.TierFree, relay.Int64Ptr(10))); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Increment(ctx, "acct1", 42, decimal.Zero); err != nil {
		t.Fatalf("increment: %v", err)
	}

	next := periodEnd.AddDate(0, 1, 0)
	rec, err := store.Rollover(ctx, "acct1", periodEnd, next)
	if err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if !rec.PeriodStart.Equal(periodEnd) || !rec.PeriodEnd.Equal(next) {
		t.Fatalf("period = %v..%v", rec.PeriodStart, rec.PeriodEnd)
	}
	if rec.Used != 0 || rec.TokensUsed != 0 {
		t.Fatalf("counters not reset: %+v", rec)
	}

	// A stale rollover is a no-op.
	if _, err := store.Increment(ctx, "acct1", 1, decimal.Zero); err != nil {
		t.Fatalf("increment: %v", err)
	}
	rec, err = store.Rollover(ctx, "acct1", periodEnd, next)
	if err != nil {
		t.Fatalf("stale rollover: %v", err)
	}
	if rec.Used != 1 {
		t.Fatalf("used = %d, want 1", rec.Used)
	}
}

func TestMutate(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	if _, err := store.GetOrCreate(ctx, record("acct1", relay.TierFree, relay.Int64Ptr(10))); err != nil {
		t.Fatalf("create: %v", err)
	}

	before, after, err := store.Mutate(ctx, "acct1", func(r *relay.QuotaRecord) error {
		r.Tier = relay.TierEnterprise
		r.Limit = nil
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if before.Tier != relay.TierFree || after.Tier != relay.TierEnterprise || after.Limit != nil {
		t.Fatalf("before=%+v after=%+v", before, after)
	}

	boom := errors.New("boom")
	if _, _, err := store.Mutate(ctx, "acct1", func(*relay.QuotaRecord) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if _, _, err := store.Mutate(ctx, "missing", func(*relay.QuotaRecord) error { return nil }); !errors.Is(err, relay.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestConcurrentMutate(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	if _, err := store.GetOrCreate(ctx, record("acct1", relay.TierFree, relay.Int64Ptr(100))); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := store.Mutate(ctx, "acct1", func(r *relay.QuotaRecord) error {
				r.Used++
				return nil
			})
			if err != nil && !relay.IsTransient(err) {
				t.Errorf("mutate: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, _ := store.Get(ctx, "acct1")
	if rec.Used < 1 || rec.Used > 10 {
		t.Fatalf("used = %d, want 1..10", rec.Used)
	}
}

func TestList(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		init := record(id, relay.TierFree, relay.Int64Ptr(10))
		init.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if id == "c" {
			init.Tier = relay.TierPro
		}
		if _, err := store.GetOrCreate(ctx, init); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	all, total, err := store.List(ctx, relay.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(all) != 3 || all[0].AccountID != "c" {
		t.Fatalf("total=%d records=%+v", total, all)
	}

	free, total, err := store.List(ctx, relay.ListFilter{Tier: relay.TierFree, Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("list free: %v", err)
	}
	if total != 2 || len(free) != 1 || free[0].AccountID != "a" {
		t.Fatalf("total=%d records=%+v", total, free)
	}
}

func TestClaimAndForget(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	ok, err := store.Claim(ctx, "delivery-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = store.Claim(ctx, "delivery-1", time.Minute)
	if err != nil || ok {
		t.Fatalf("duplicate claim: ok=%v err=%v", ok, err)
	}
	if err := store.Forget(ctx, "delivery-1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	ok, err = store.Claim(ctx, "delivery-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim after forget: ok=%v err=%v", ok, err)
	}
}

func TestCursor(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	for want := uint64(0); want < 3; want++ {
		got, err := store.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got != want {
			t.Fatalf("cursor = %d, want %d", got, want)
		}
	}
}
