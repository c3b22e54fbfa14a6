package quota

import (
	"context"
	"sort"
	"sync"
	"time"

	relay "github.com/fixci/relay"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory LedgerStore. A single mutex serializes every
// update, which makes each method atomic per account.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*relay.QuotaRecord
	now     func() time.Time
}

var _ relay.LedgerStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*relay.QuotaRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Put stores rec as-is, replacing any existing record. Useful for seeding.
func (s *MemoryStore) Put(rec relay.QuotaRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := clone(rec)
	s.records[rec.AccountID] = &cp
}

func (s *MemoryStore) GetOrCreate(_ context.Context, init relay.QuotaRecord) (relay.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[init.AccountID]; ok {
		return clone(*rec), nil
	}
	rec := clone(init)
	s.records[init.AccountID] = &rec
	return clone(rec), nil
}

func (s *MemoryStore) Get(_ context.Context, accountID string) (relay.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[accountID]
	if !ok {
		return relay.QuotaRecord{}, relay.ErrAccountNotFound
	}
	return clone(*rec), nil
}

func (s *MemoryStore) Rollover(_ context.Context, accountID string, prevEnd, nextEnd time.Time) (relay.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[accountID]
	if !ok {
		return relay.QuotaRecord{}, relay.ErrAccountNotFound
	}
	if rec.PeriodEnd.Equal(prevEnd) {
		rec.PeriodStart = prevEnd
		rec.PeriodEnd = nextEnd
		rec.Used = 0
		rec.Reserved = 0
		rec.ReservedUntil = time.Time{}
		rec.TokensUsed = 0
		rec.OverageCount = 0
		rec.OverageCost = decimal.Zero
		rec.UpdatedAt = s.now()
	}
	return clone(*rec), nil
}

func (s *MemoryStore) Reserve(_ context.Context, accountID string, now, leaseUntil time.Time) (relay.QuotaRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[accountID]
	if !ok {
		return relay.QuotaRecord{}, false, relay.ErrAccountNotFound
	}
	live := rec.LiveReserved(now)
	if rec.Status != relay.StatusActive || rec.Unlimited() || *rec.Limit-rec.Used-live <= 0 {
		return clone(*rec), false, nil
	}
	rec.Reserved = live + 1
	rec.ReservedUntil = leaseUntil
	rec.UpdatedAt = s.now()
	return clone(*rec), true, nil
}

func (s *MemoryStore) Release(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[accountID]
	if !ok {
		return relay.ErrAccountNotFound
	}
	if rec.Reserved > 0 {
		rec.Reserved--
		rec.UpdatedAt = s.now()
	}
	return nil
}

func (s *MemoryStore) Increment(_ context.Context, accountID string, units int64, charge decimal.Decimal) (relay.UsageDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[accountID]
	if !ok {
		return relay.UsageDelta{}, relay.ErrAccountNotFound
	}

	rec.Used++
	rec.TokensUsed += units
	if rec.Reserved > 0 {
		rec.Reserved--
	}

	overage := rec.Tier == relay.TierPro && rec.Limit != nil && rec.Used > *rec.Limit
	if overage {
		rec.OverageCount++
		rec.OverageCost = rec.OverageCost.Add(charge)
	}
	rec.UpdatedAt = s.now()
	return relay.UsageDelta{Record: clone(*rec), Overage: overage}, nil
}

func (s *MemoryStore) Mutate(_ context.Context, accountID string, fn func(*relay.QuotaRecord) error) (relay.QuotaRecord, relay.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[accountID]
	if !ok {
		return relay.QuotaRecord{}, relay.QuotaRecord{}, relay.ErrAccountNotFound
	}

	before := clone(*rec)
	after := clone(*rec)
	if err := fn(&after); err != nil {
		return relay.QuotaRecord{}, relay.QuotaRecord{}, err
	}
	after.AccountID = accountID
	after.UpdatedAt = s.now()

	stored := clone(after)
	s.records[accountID] = &stored
	return before, after, nil
}

func (s *MemoryStore) List(_ context.Context, filter relay.ListFilter) ([]relay.QuotaRecord, int64, error) {
	s.mu.Lock()
	var matched []relay.QuotaRecord
	for _, rec := range s.records {
		if filter.Tier != "" && rec.Tier != filter.Tier {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		matched = append(matched, clone(*rec))
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].AccountID < matched[j].AccountID
	})

	total := int64(len(matched))
	return paginate(matched, filter.Offset, filter.Limit), total, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// clone copies rec so callers never share the stored limit pointer.
func clone(rec relay.QuotaRecord) relay.QuotaRecord {
	if rec.Limit != nil {
		rec.Limit = relay.Int64Ptr(*rec.Limit)
	}
	return rec
}

// MemoryBillingLog is an in-memory BillingStore.
type MemoryBillingLog struct {
	mu     sync.Mutex
	events []relay.BillingEvent
	nextID int64
	now    func() time.Time
}

var _ relay.BillingStore = (*MemoryBillingLog)(nil)

// NewMemoryBillingLog creates an empty in-memory billing log.
func NewMemoryBillingLog() *MemoryBillingLog {
	return &MemoryBillingLog{
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryBillingLog) Append(_ context.Context, ev relay.BillingEvent) (relay.BillingEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	ev.ID = l.nextID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now()
	}
	ev.Metadata = copyMetadata(ev.Metadata)
	l.events = append(l.events, ev)
	return ev, nil
}

func (l *MemoryBillingLog) ListEvents(_ context.Context, accountID string, limit int) ([]relay.BillingEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []relay.BillingEvent
	for i := len(l.events) - 1; i >= 0; i-- {
		ev := l.events[i]
		if accountID != "" && ev.AccountID != accountID {
			continue
		}
		ev.Metadata = copyMetadata(ev.Metadata)
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// MemoryDeduper is an in-memory Deduper.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time // key -> expiry
	now  func() time.Time
}

var _ relay.Deduper = (*MemoryDeduper)(nil)

// NewMemoryDeduper creates an empty in-memory deduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (d *MemoryDeduper) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[key] = now.Add(ttl)
	d.cleanup(now)
	return true, nil
}

func (d *MemoryDeduper) Forget(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.seen, key)
	return nil
}

func (d *MemoryDeduper) cleanup(now time.Time) {
	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
		}
	}
}
