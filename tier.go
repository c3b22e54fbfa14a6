package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// BackendsAll is the allowed-backends sentinel meaning "every configured backend".
const BackendsAll = "all"

// TierPolicy is the reference data for one tier.
type TierPolicy struct {
	Tier            Tier            `yaml:"tier" json:"tier"`
	MonthlyLimit    *int64          `yaml:"monthly_limit" json:"monthly_limit"` // nil = unlimited
	MonthlyPriceUSD decimal.Decimal `yaml:"monthly_price_usd" json:"monthly_price_usd"`
	AllowedBackends []string        `yaml:"allowed_backends" json:"allowed_backends"`
	Features        []string        `yaml:"features" json:"features"`
}

// AllowsAll reports whether the policy uses the "all" sentinel.
func (p TierPolicy) AllowsAll() bool {
	for _, b := range p.AllowedBackends {
		if b == BackendsAll {
			return true
		}
	}
	return false
}

// TierSource loads tier policies from their system of record.
type TierSource interface {
	// LoadTier returns the policy or an error matching ErrUnknownTier.
	LoadTier(ctx context.Context, tier Tier) (TierPolicy, error)
}

// TierLookup is the read path consumed by the ledger and the dispatcher.
type TierLookup interface {
	GetPolicy(ctx context.Context, tier Tier) (TierPolicy, error)
}

// DefaultTiers returns the built-in tier catalog.
func DefaultTiers() []TierPolicy {
	return []TierPolicy{
		{
			Tier:            TierFree,
			MonthlyLimit:    Int64Ptr(10),
			MonthlyPriceUSD: decimal.Zero,
			AllowedBackends: []string{"cloudflare", "gemini"},
			Features:        []string{"pr_comments"},
		},
		{
			Tier:            TierPro,
			MonthlyLimit:    Int64Ptr(100),
			MonthlyPriceUSD: decimal.NewFromInt(29),
			AllowedBackends: []string{"claude", "openai", "gemini", "cloudflare"},
			Features:        []string{"pr_comments", "overage", "priority_models"},
		},
		{
			Tier:            TierEnterprise,
			MonthlyPriceUSD: decimal.NewFromInt(199),
			AllowedBackends: []string{BackendsAll},
			Features:        []string{"pr_comments", "priority_models", "unlimited"},
		},
	}
}

// StaticTiers is an in-memory TierSource.
type StaticTiers map[Tier]TierPolicy

var _ TierSource = StaticTiers(nil)

// NewStaticTiers indexes policies by tier name.
func NewStaticTiers(policies ...TierPolicy) StaticTiers {
	s := make(StaticTiers, len(policies))
	for _, p := range policies {
		s[p.Tier] = p
	}
	return s
}

func (s StaticTiers) LoadTier(_ context.Context, tier Tier) (TierPolicy, error) {
	p, ok := s[tier]
	if !ok {
		return TierPolicy{}, &UnknownTierError{Tier: tier}
	}
	return p, nil
}

// TierStore memoizes a TierSource. Concurrent misses for the same tier
// share one load. A zero ttl caches forever.
type TierStore struct {
	source TierSource
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[Tier]tierEntry
	group singleflight.Group
}

type tierEntry struct {
	policy   TierPolicy
	loadedAt time.Time
}

var _ TierLookup = (*TierStore)(nil)

// NewTierStore creates a caching lookup over source.
func NewTierStore(source TierSource, ttl time.Duration) *TierStore {
	return &TierStore{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[Tier]tierEntry),
	}
}

// GetPolicy returns the policy for tier, failing with an error matching
// ErrUnknownTier when the tier is not registered.
func (s *TierStore) GetPolicy(ctx context.Context, tier Tier) (TierPolicy, error) {
	s.mu.RLock()
	e, ok := s.cache[tier]
	s.mu.RUnlock()
	if ok && (s.ttl == 0 || s.now().Sub(e.loadedAt) < s.ttl) {
		return e.policy, nil
	}

	// The load is shared by every waiter, so one caller's cancellation
	// must not fail the others.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(string(tier), func() (any, error) {
		p, err := s.source.LoadTier(loadCtx, tier)
		if err != nil {
			return TierPolicy{}, err
		}
		s.mu.Lock()
		s.cache[tier] = tierEntry{policy: p, loadedAt: s.now()}
		s.mu.Unlock()
		return p, nil
	})
	if err != nil {
		if errors.Is(err, ErrUnknownTier) {
			return TierPolicy{}, err
		}
		return TierPolicy{}, fmt.Errorf("relay: load tier %q: %w", string(tier), err)
	}
	return v.(TierPolicy), nil
}

// Invalidate drops every cached policy.
func (s *TierStore) Invalidate() {
	s.mu.Lock()
	s.cache = make(map[Tier]tierEntry)
	s.mu.Unlock()
}
