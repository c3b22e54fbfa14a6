// Package postgres provides a PostgreSQL-backed LedgerStore for relay.
//
// Every counter change is a single conditional UPDATE, so concurrent
// admissions for one account serialize on the row lock instead of racing in
// application code. This makes it safe for multi-instance deployments.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	relay "github.com/fixci/relay"
)

// Store is a PostgreSQL-backed LedgerStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ relay.LedgerStore = (*Store)(nil)
	_ relay.Deduper     = (*Store)(nil)
	_ relay.Cursor      = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "relay_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed LedgerStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "relay_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) quotasTable() string { return s.tablePrefix + "quotas" }
func (s *Store) dedupTable() string  { return s.tablePrefix + "dedup" }
func (s *Store) cursorTable() string { return s.tablePrefix + "cursor" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			account_id TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			status TEXT NOT NULL,
			period_start TIMESTAMPTZ NOT NULL,
			period_end TIMESTAMPTZ NOT NULL,
			used BIGINT NOT NULL DEFAULT 0 CHECK (used >= 0),
			reserved BIGINT NOT NULL DEFAULT 0 CHECK (reserved >= 0),
			reserved_until TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
			tokens_used BIGINT NOT NULL DEFAULT 0,
			monthly_limit BIGINT CHECK (monthly_limit IS NULL OR monthly_limit >= 0),
			overage_count BIGINT NOT NULL DEFAULT 0,
			overage_cost NUMERIC(14,4) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS reserved_until TIMESTAMPTZ NOT NULL DEFAULT 'epoch';
		CREATE INDEX IF NOT EXISTS %[1]s_tier_status_idx ON %[1]s (tier, status);
		CREATE TABLE IF NOT EXISTS %[2]s (
			key TEXT PRIMARY KEY,
			expires_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[3]s (
			id INT PRIMARY KEY,
			position BIGINT NOT NULL DEFAULT 0
		);
		INSERT INTO %[3]s (id, position) VALUES (1, 0) ON CONFLICT DO NOTHING;
	`, s.quotasTable(), s.dedupTable(), s.cursorTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("relay/postgres: ensure schema: %w", err)
	}
	return nil
}

const columns = `account_id, tier, status, period_start, period_end, used, reserved,
	reserved_until, tokens_used, monthly_limit, overage_count, overage_cost::text, created_at, updated_at`

func scanRecord(row pgx.Row, extra ...any) (relay.QuotaRecord, error) {
	var (
		rec          relay.QuotaRecord
		tier, status string
		overageCost  string
	)
	dest := []any{
		&rec.AccountID, &tier, &status, &rec.PeriodStart, &rec.PeriodEnd,
		&rec.Used, &rec.Reserved, &rec.ReservedUntil, &rec.TokensUsed, &rec.Limit,
		&rec.OverageCount, &overageCost, &rec.CreatedAt, &rec.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return relay.QuotaRecord{}, err
	}

	cost, err := decimal.NewFromString(overageCost)
	if err != nil {
		return relay.QuotaRecord{}, fmt.Errorf("relay/postgres: overage_cost %q: %w", overageCost, err)
	}
	rec.Tier = relay.Tier(tier)
	rec.Status = relay.Status(status)
	rec.OverageCost = cost
	rec.PeriodStart = rec.PeriodStart.UTC()
	rec.PeriodEnd = rec.PeriodEnd.UTC()
	rec.ReservedUntil = rec.ReservedUntil.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// GetOrCreate inserts init unless a record exists, then returns the stored
// record. The primary key makes concurrent first touches converge.
func (s *Store) GetOrCreate(ctx context.Context, init relay.QuotaRecord) (relay.QuotaRecord, error) {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (account_id, tier, status, period_start, period_end, monthly_limit, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			ON CONFLICT (account_id) DO NOTHING`, s.quotasTable()),
		init.AccountID, string(init.Tier), string(init.Status),
		init.PeriodStart, init.PeriodEnd, init.Limit, init.CreatedAt,
	)
	if err != nil {
		return relay.QuotaRecord{}, classify("insert", err)
	}
	return s.Get(ctx, init.AccountID)
}

func (s *Store) Get(ctx context.Context, accountID string) (relay.QuotaRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE account_id = $1`, columns, s.quotasTable()),
		accountID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return relay.QuotaRecord{}, relay.ErrAccountNotFound
	}
	if err != nil {
		return relay.QuotaRecord{}, classify("get", err)
	}
	return rec, nil
}

func (s *Store) Rollover(ctx context.Context, accountID string, prevEnd, nextEnd time.Time) (relay.QuotaRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET
				period_start = period_end,
				period_end = $3,
				used = 0,
				reserved = 0,
				reserved_until = 'epoch',
				tokens_used = 0,
				overage_count = 0,
				overage_cost = 0,
				updated_at = now()
			WHERE account_id = $1 AND period_end = $2
			RETURNING %s`, s.quotasTable(), columns),
		accountID, prevEnd, nextEnd,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		// Someone else rolled the period first.
		return s.Get(ctx, accountID)
	}
	if err != nil {
		return relay.QuotaRecord{}, classify("rollover", err)
	}
	return rec, nil
}

// Reserve reclaims stale reservations and takes a slot in one UPDATE.
// Every CASE reads the pre-update reserved_until.
func (s *Store) Reserve(ctx context.Context, accountID string, now, leaseUntil time.Time) (relay.QuotaRecord, bool, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET
				reserved = CASE WHEN reserved_until <= $2 THEN 1 ELSE reserved + 1 END,
				reserved_until = $3,
				updated_at = now()
			WHERE account_id = $1
				AND status = 'active'
				AND tier <> 'enterprise'
				AND monthly_limit IS NOT NULL
				AND monthly_limit - used - CASE WHEN reserved_until <= $2 THEN 0 ELSE reserved END > 0
			RETURNING %s`, s.quotasTable(), columns),
		accountID, now, leaseUntil,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		rec, err = s.Get(ctx, accountID)
		return rec, false, err
	}
	if err != nil {
		return relay.QuotaRecord{}, false, classify("reserve", err)
	}
	return rec, true, nil
}

func (s *Store) Release(ctx context.Context, accountID string) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET reserved = GREATEST(reserved - 1, 0), updated_at = now()
			WHERE account_id = $1`, s.quotasTable()),
		accountID,
	)
	if err != nil {
		return classify("release", err)
	}
	if tag.RowsAffected() == 0 {
		return relay.ErrAccountNotFound
	}
	return nil
}

// Increment counts one unit. SET expressions see the old row and RETURNING
// sees the new one, so the overage test is post-increment in both places.
func (s *Store) Increment(ctx context.Context, accountID string, units int64, charge decimal.Decimal) (relay.UsageDelta, error) {
	var overage bool
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET
				used = used + 1,
				tokens_used = tokens_used + $2,
				reserved = GREATEST(reserved - 1, 0),
				overage_count = overage_count +
					CASE WHEN tier = 'pro' AND monthly_limit IS NOT NULL AND used + 1 > monthly_limit THEN 1 ELSE 0 END,
				overage_cost = overage_cost +
					CASE WHEN tier = 'pro' AND monthly_limit IS NOT NULL AND used + 1 > monthly_limit THEN $3::numeric ELSE 0 END,
				updated_at = now()
			WHERE account_id = $1
			RETURNING %s, (tier = 'pro' AND monthly_limit IS NOT NULL AND used > monthly_limit)`,
			s.quotasTable(), columns),
		accountID, units, charge.String(),
	), &overage)
	if errors.Is(err, pgx.ErrNoRows) {
		return relay.UsageDelta{}, relay.ErrAccountNotFound
	}
	if err != nil {
		return relay.UsageDelta{}, classify("increment", err)
	}
	return relay.UsageDelta{Record: rec, Overage: overage}, nil
}

// Mutate locks the row with SELECT ... FOR UPDATE for the duration of fn.
func (s *Store) Mutate(ctx context.Context, accountID string, fn func(*relay.QuotaRecord) error) (relay.QuotaRecord, relay.QuotaRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return relay.QuotaRecord{}, relay.QuotaRecord{}, classify("begin tx", err)
	}
	defer tx.Rollback(ctx)

	before, err := scanRecord(tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE account_id = $1 FOR UPDATE`, columns, s.quotasTable()),
		accountID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return relay.QuotaRecord{}, relay.QuotaRecord{}, relay.ErrAccountNotFound
	}
	if err != nil {
		return relay.QuotaRecord{}, relay.QuotaRecord{}, classify("lock", err)
	}

	after := before
	if before.Limit != nil {
		after.Limit = relay.Int64Ptr(*before.Limit)
	}
	if err := fn(&after); err != nil {
		return relay.QuotaRecord{}, relay.QuotaRecord{}, err
	}

	after, err = scanRecord(tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET
				tier = $2, status = $3, period_start = $4, period_end = $5,
				used = $6, tokens_used = $7, monthly_limit = $8,
				overage_count = $9, overage_cost = $10::numeric, updated_at = now()
			WHERE account_id = $1
			RETURNING %s`, s.quotasTable(), columns),
		accountID, string(after.Tier), string(after.Status), after.PeriodStart, after.PeriodEnd,
		after.Used, after.TokensUsed, after.Limit,
		after.OverageCount, after.OverageCost.String(),
	))
	if err != nil {
		return relay.QuotaRecord{}, relay.QuotaRecord{}, classify("update", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return relay.QuotaRecord{}, relay.QuotaRecord{}, classify("commit", err)
	}
	return before, after, nil
}

func (s *Store) List(ctx context.Context, filter relay.ListFilter) ([]relay.QuotaRecord, int64, error) {
	var limit *int
	if filter.Limit > 0 {
		limit = &filter.Limit
	}

	where := `($1 = '' OR tier = $1) AND ($2 = '' OR status = $2)`

	var total int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s WHERE %s`, s.quotasTable(), where),
		string(filter.Tier), string(filter.Status),
	).Scan(&total)
	if err != nil {
		return nil, 0, classify("count", err)
	}

	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE %s
			ORDER BY created_at DESC, account_id
			LIMIT $3 OFFSET $4`, columns, s.quotasTable(), where),
		string(filter.Tier), string(filter.Status), limit, filter.Offset,
	)
	if err != nil {
		return nil, 0, classify("list", err)
	}
	defer rows.Close()

	var recs []relay.QuotaRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, classify("scan", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classify("list", err)
	}
	return recs, total, nil
}

// Claim records key until ttl elapses. An expired claim can be taken again.
func (s *Store) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var claimed bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s (key, expires_at) VALUES ($1, now() + make_interval(secs => $2))
			ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
			WHERE %[1]s.expires_at <= now()
			RETURNING true`, s.dedupTable()),
		key, ttl.Seconds(),
	).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify("claim", err)
	}
	return claimed, nil
}

func (s *Store) Forget(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.dedupTable()),
		key,
	)
	if err != nil {
		return classify("forget", err)
	}
	return nil
}

// CleanupDedup removes expired claims.
func (s *Store) CleanupDedup(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= now()`, s.dedupTable()),
	)
	if err != nil {
		return 0, classify("cleanup dedup", err)
	}
	return tag.RowsAffected(), nil
}

// Next advances the shared round-robin cursor row.
func (s *Store) Next(ctx context.Context) (uint64, error) {
	var pos int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET position = position + 1 WHERE id = 1 RETURNING position - 1`, s.cursorTable()),
	).Scan(&pos)
	if err != nil {
		return 0, classify("cursor", err)
	}
	return uint64(pos), nil
}

// classify wraps err, marking connection-level and serialization failures
// as transient.
func classify(op string, err error) error {
	wrapped := fmt.Errorf("relay/postgres: %s: %w", op, err)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return relay.Transient(wrapped)
		}
		return wrapped
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return relay.Transient(wrapped)
	}
	return wrapped
}
