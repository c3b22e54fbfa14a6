package relay_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	relay "github.com/fixci/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	inner relay.TierSource
	calls atomic.Int64
	delay time.Duration
	err   error
}

func (s *countingSource) LoadTier(ctx context.Context, tier relay.Tier) (relay.TierPolicy, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return relay.TierPolicy{}, s.err
	}
	return s.inner.LoadTier(ctx, tier)
}

func TestTierStore_GetPolicy(t *testing.T) {
	store := relay.NewTierStore(relay.NewStaticTiers(relay.DefaultTiers()...), 0)

	free, err := store.GetPolicy(context.Background(), relay.TierFree)
	require.NoError(t, err)
	require.NotNil(t, free.MonthlyLimit)
	assert.Equal(t, int64(10), *free.MonthlyLimit)
	assert.False(t, free.AllowsAll())

	ent, err := store.GetPolicy(context.Background(), relay.TierEnterprise)
	require.NoError(t, err)
	assert.Nil(t, ent.MonthlyLimit)
	assert.True(t, ent.AllowsAll())
}

func TestTierStore_UnknownTier(t *testing.T) {
	store := relay.NewTierStore(relay.NewStaticTiers(relay.DefaultTiers()...), 0)

	_, err := store.GetPolicy(context.Background(), "gold")
	assert.ErrorIs(t, err, relay.ErrUnknownTier)

	var tierErr *relay.UnknownTierError
	require.ErrorAs(t, err, &tierErr)
	assert.Equal(t, relay.Tier("gold"), tierErr.Tier)
}

func TestTierStore_CachesLoads(t *testing.T) {
	src := &countingSource{inner: relay.NewStaticTiers(relay.DefaultTiers()...)}
	store := relay.NewTierStore(src, 0)

	for range 5 {
		_, err := store.GetPolicy(context.Background(), relay.TierPro)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), src.calls.Load())

	store.Invalidate()
	_, err := store.GetPolicy(context.Background(), relay.TierPro)
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.calls.Load())
}

func TestTierStore_ConcurrentMissesShareLoad(t *testing.T) {
	src := &countingSource{
		inner: relay.NewStaticTiers(relay.DefaultTiers()...),
		delay: 50 * time.Millisecond,
	}
	store := relay.NewTierStore(src, 0)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := store.GetPolicy(context.Background(), relay.TierFree)
			assert.NoError(t, err)
			assert.Equal(t, relay.TierFree, p.Tier)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), src.calls.Load())
}

func TestTierStore_SourceErrorWrapped(t *testing.T) {
	boom := errors.New("db down")
	store := relay.NewTierStore(&countingSource{err: boom}, 0)

	_, err := store.GetPolicy(context.Background(), relay.TierFree)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, relay.ErrUnknownTier)
}

// gatedSource blocks every load until release is closed and then honours
// the context it was given.
type gatedSource struct {
	inner   relay.TierSource
	calls   atomic.Int64
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedSource) LoadTier(ctx context.Context, tier relay.Tier) (relay.TierPolicy, error) {
	s.calls.Add(1)
	s.once.Do(func() { close(s.started) })
	<-s.release
	if err := ctx.Err(); err != nil {
		return relay.TierPolicy{}, err
	}
	return s.inner.LoadTier(ctx, tier)
}

func TestTierStore_CancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	src := &gatedSource{
		inner:   relay.NewStaticTiers(relay.DefaultTiers()...),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	store := relay.NewTierStore(src, 0)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := store.GetPolicy(ctx, relay.TierFree)
		first <- err
	}()
	<-src.started

	second := make(chan error, 1)
	go func() {
		p, err := store.GetPolicy(context.Background(), relay.TierFree)
		if err == nil && p.Tier != relay.TierFree {
			err = errors.New("wrong tier " + string(p.Tier))
		}
		second <- err
	}()

	cancel()
	time.Sleep(20 * time.Millisecond)
	close(src.release)

	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, int64(1), src.calls.Load())

	// The shared result was cached.
	_, err := store.GetPolicy(context.Background(), relay.TierFree)
	require.NoError(t, err)
	assert.Equal(t, int64(1), src.calls.Load())
}
