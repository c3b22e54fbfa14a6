// Package redis provides a Redis-backed LedgerStore for relay.
//
// Each account is a Redis hash updated by atomic Lua scripts. Money is kept
// as integer micro-dollars so scripts can use HINCRBY. An account index
// sorted set (score = creation time) backs listing. The package also
// provides the shared round-robin Cursor and the event Deduper.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	relay "github.com/fixci/relay"
)

const maxMutateAttempts = 5

// Store is a Redis-backed LedgerStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var (
	_ relay.LedgerStore = (*Store)(nil)
	_ relay.Deduper     = (*Store)(nil)
	_ relay.Cursor      = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "relay:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed LedgerStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "relay:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountKey(accountID string) string { return s.keyPrefix + "quota:" + accountID }
func (s *Store) indexKey() string                   { return s.keyPrefix + "quota-index" }
func (s *Store) dedupKey(key string) string         { return s.keyPrefix + "dedup:" + key }
func (s *Store) cursorKey() string                  { return s.keyPrefix + "cursor" }

// Scripts return {flag, field, value, ...}: the flag followed by HGETALL of
// the account hash. flag -1 means the account does not exist.

// createScript inserts the record unless it exists.
// KEYS[1] = account hash, KEYS[2] = index zset
// ARGV = account_id, tier, status, period_start, period_end, limit ("" = none), created_ms
var createScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    redis.call("HSET", key,
        "tier", ARGV[2], "status", ARGV[3],
        "period_start", ARGV[4], "period_end", ARGV[5],
        "used", 0, "reserved", 0, "tokens_used", 0,
        "overage_count", 0, "overage_cost_micros", 0,
        "created_at", ARGV[7], "updated_at", ARGV[7], "version", 1)
    if ARGV[6] ~= "" then
        redis.call("HSET", key, "limit", ARGV[6])
    end
    redis.call("ZADD", KEYS[2], tonumber(ARGV[7]), ARGV[1])
end
local r = redis.call("HGETALL", key)
table.insert(r, 1, 1)
return r
`)

// reserveScript takes one in-quota slot when available. Held slots whose
// lease ended at or before now are dropped first.
// KEYS[1] = account hash
// ARGV[1] = now (unix ms), ARGV[2] = lease until (unix ms)
var reserveScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return {-1}
end
local flag = 0
local limit = redis.call("HGET", key, "limit")
local status = redis.call("HGET", key, "status")
local tier = redis.call("HGET", key, "tier")
if limit and status == "active" and tier ~= "enterprise" then
    local now = tonumber(ARGV[1])
    local used = tonumber(redis.call("HGET", key, "used") or "0")
    local reserved = tonumber(redis.call("HGET", key, "reserved") or "0")
    if tonumber(redis.call("HGET", key, "reserved_until") or "0") <= now then
        reserved = 0
    end
    if tonumber(limit) - used - reserved > 0 then
        redis.call("HSET", key, "reserved", reserved + 1, "reserved_until", ARGV[2], "updated_at", ARGV[1])
        redis.call("HINCRBY", key, "version", 1)
        flag = 1
    end
end
local r = redis.call("HGETALL", key)
table.insert(r, 1, flag)
return r
`)

// releaseScript returns one held slot.
// KEYS[1] = account hash
// ARGV[1] = now (unix ms)
var releaseScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return -1
end
if tonumber(redis.call("HGET", key, "reserved") or "0") > 0 then
    redis.call("HINCRBY", key, "reserved", -1)
    redis.call("HINCRBY", key, "version", 1)
    redis.call("HSET", key, "updated_at", ARGV[1])
end
return 1
`)

// incrementScript counts one unit and accrues pro overage.
// KEYS[1] = account hash
// ARGV[1] = units, ARGV[2] = charge (micros), ARGV[3] = now (unix ms)
var incrementScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return {-1}
end
local used = redis.call("HINCRBY", key, "used", 1)
redis.call("HINCRBY", key, "tokens_used", tonumber(ARGV[1]))
if tonumber(redis.call("HGET", key, "reserved") or "0") > 0 then
    redis.call("HINCRBY", key, "reserved", -1)
end
local flag = 0
local limit = redis.call("HGET", key, "limit")
if limit and redis.call("HGET", key, "tier") == "pro" and used > tonumber(limit) then
    redis.call("HINCRBY", key, "overage_count", 1)
    redis.call("HINCRBY", key, "overage_cost_micros", tonumber(ARGV[2]))
    flag = 1
end
redis.call("HINCRBY", key, "version", 1)
redis.call("HSET", key, "updated_at", ARGV[3])
local r = redis.call("HGETALL", key)
table.insert(r, 1, flag)
return r
`)

// rolloverScript advances the period only while period_end still matches.
// KEYS[1] = account hash
// ARGV[1] = prev_end, ARGV[2] = next_end (unix seconds), ARGV[3] = now (unix ms)
var rolloverScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return {-1}
end
local flag = 0
if redis.call("HGET", key, "period_end") == ARGV[1] then
    redis.call("HSET", key,
        "period_start", ARGV[1], "period_end", ARGV[2],
        "used", 0, "reserved", 0, "reserved_until", 0, "tokens_used", 0,
        "overage_count", 0, "overage_cost_micros", 0,
        "updated_at", ARGV[3])
    redis.call("HINCRBY", key, "version", 1)
    flag = 1
end
local r = redis.call("HGETALL", key)
table.insert(r, 1, flag)
return r
`)

// casScript writes the mutable fields only if version is unchanged.
// KEYS[1] = account hash
// ARGV = version, tier, status, period_start, period_end, used, tokens_used,
//        limit ("" = none), overage_count, overage_cost_micros, now (unix ms)
var casScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return {-1}
end
if redis.call("HGET", key, "version") ~= ARGV[1] then
    return {0}
end
redis.call("HSET", key,
    "tier", ARGV[2], "status", ARGV[3],
    "period_start", ARGV[4], "period_end", ARGV[5],
    "used", ARGV[6], "tokens_used", ARGV[7],
    "overage_count", ARGV[9], "overage_cost_micros", ARGV[10],
    "updated_at", ARGV[11])
if ARGV[8] == "" then
    redis.call("HDEL", key, "limit")
else
    redis.call("HSET", key, "limit", ARGV[8])
end
redis.call("HINCRBY", key, "version", 1)
local r = redis.call("HGETALL", key)
table.insert(r, 1, 1)
return r
`)

func nowMillis() int64 { return time.Now().UnixMilli() }

func limitArg(limit *int64) string {
	if limit == nil {
		return ""
	}
	return strconv.FormatInt(*limit, 10)
}

func toMicros(d decimal.Decimal) int64 {
	return d.Shift(6).Round(0).IntPart()
}

func (s *Store) GetOrCreate(ctx context.Context, init relay.QuotaRecord) (relay.QuotaRecord, error) {
	created := init.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := createScript.Run(ctx, s.client,
		[]string{s.accountKey(init.AccountID), s.indexKey()},
		init.AccountID, string(init.Tier), string(init.Status),
		init.PeriodStart.Unix(), init.PeriodEnd.Unix(),
		limitArg(init.Limit), created.UnixMilli(),
	).Slice()
	if err != nil {
		return relay.QuotaRecord{}, classify("create", err)
	}
	_, rec, err := parseResult(init.AccountID, res)
	return rec, err
}

func (s *Store) Get(ctx context.Context, accountID string) (relay.QuotaRecord, error) {
	rec, _, err := s.get(ctx, accountID)
	return rec, err
}

func (s *Store) get(ctx context.Context, accountID string) (relay.QuotaRecord, string, error) {
	m, err := s.client.HGetAll(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		return relay.QuotaRecord{}, "", classify("get", err)
	}
	if len(m) == 0 {
		return relay.QuotaRecord{}, "", relay.ErrAccountNotFound
	}
	rec, err := fromHash(accountID, m)
	return rec, m["version"], err
}

func (s *Store) Rollover(ctx context.Context, accountID string, prevEnd, nextEnd time.Time) (relay.QuotaRecord, error) {
	res, err := rolloverScript.Run(ctx, s.client,
		[]string{s.accountKey(accountID)},
		prevEnd.Unix(), nextEnd.Unix(), nowMillis(),
	).Slice()
	if err != nil {
		return relay.QuotaRecord{}, classify("rollover", err)
	}
	_, rec, err := parseResult(accountID, res)
	return rec, err
}

func (s *Store) Reserve(ctx context.Context, accountID string, now, leaseUntil time.Time) (relay.QuotaRecord, bool, error) {
	res, err := reserveScript.Run(ctx, s.client,
		[]string{s.accountKey(accountID)},
		now.UnixMilli(), leaseUntil.UnixMilli(),
	).Slice()
	if err != nil {
		return relay.QuotaRecord{}, false, classify("reserve", err)
	}
	flag, rec, err := parseResult(accountID, res)
	return rec, flag == 1, err
}

func (s *Store) Release(ctx context.Context, accountID string) error {
	result, err := releaseScript.Run(ctx, s.client,
		[]string{s.accountKey(accountID)},
		nowMillis(),
	).Int64()
	if err != nil {
		return classify("release", err)
	}
	if result == -1 {
		return relay.ErrAccountNotFound
	}
	return nil
}

func (s *Store) Increment(ctx context.Context, accountID string, units int64, charge decimal.Decimal) (relay.UsageDelta, error) {
	res, err := incrementScript.Run(ctx, s.client,
		[]string{s.accountKey(accountID)},
		units, toMicros(charge), nowMillis(),
	).Slice()
	if err != nil {
		return relay.UsageDelta{}, classify("increment", err)
	}
	flag, rec, err := parseResult(accountID, res)
	if err != nil {
		return relay.UsageDelta{}, err
	}
	return relay.UsageDelta{Record: rec, Overage: flag == 1}, nil
}

// Mutate applies fn optimistically: it reads the record, runs fn and writes
// the result only if no other update bumped the version in between.
func (s *Store) Mutate(ctx context.Context, accountID string, fn func(*relay.QuotaRecord) error) (relay.QuotaRecord, relay.QuotaRecord, error) {
	for range maxMutateAttempts {
		before, version, err := s.get(ctx, accountID)
		if err != nil {
			return relay.QuotaRecord{}, relay.QuotaRecord{}, err
		}

		after := before
		if before.Limit != nil {
			after.Limit = relay.Int64Ptr(*before.Limit)
		}
		if err := fn(&after); err != nil {
			return relay.QuotaRecord{}, relay.QuotaRecord{}, err
		}

		res, err := casScript.Run(ctx, s.client,
			[]string{s.accountKey(accountID)},
			version, string(after.Tier), string(after.Status),
			after.PeriodStart.Unix(), after.PeriodEnd.Unix(),
			after.Used, after.TokensUsed, limitArg(after.Limit),
			after.OverageCount, toMicros(after.OverageCost), nowMillis(),
		).Slice()
		if err != nil {
			return relay.QuotaRecord{}, relay.QuotaRecord{}, classify("mutate", err)
		}
		flag, stored, err := parseResult(accountID, res)
		if err != nil {
			return relay.QuotaRecord{}, relay.QuotaRecord{}, err
		}
		if flag == 1 {
			return before, stored, nil
		}
	}
	return relay.QuotaRecord{}, relay.QuotaRecord{}, relay.Transient(
		fmt.Errorf("relay/redis: mutate %s: too much contention", accountID))
}

func (s *Store) List(ctx context.Context, filter relay.ListFilter) ([]relay.QuotaRecord, int64, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, 0, classify("list", err)
	}

	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.accountKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, 0, classify("list", err)
	}

	var matched []relay.QuotaRecord
	for i, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		rec, err := fromHash(ids[i], m)
		if err != nil {
			return nil, 0, err
		}
		if filter.Tier != "" && rec.Tier != filter.Tier {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		matched = append(matched, rec)
	}

	total := int64(len(matched))
	if filter.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// Claim sets the dedup key if absent, expiring after ttl.
func (s *Store) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.dedupKey(key), 1, ttl).Result()
	if err != nil {
		return false, classify("claim", err)
	}
	return ok, nil
}

func (s *Store) Forget(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.dedupKey(key)).Err(); err != nil {
		return classify("forget", err)
	}
	return nil
}

// Next advances the shared round-robin cursor.
func (s *Store) Next(ctx context.Context) (uint64, error) {
	n, err := s.client.Incr(ctx, s.cursorKey()).Result()
	if err != nil {
		return 0, classify("cursor", err)
	}
	return uint64(n - 1), nil
}

// parseResult decodes a script reply of {flag, field, value, ...}.
func parseResult(accountID string, res []any) (int64, relay.QuotaRecord, error) {
	if len(res) == 0 {
		return 0, relay.QuotaRecord{}, fmt.Errorf("relay/redis: empty script reply")
	}
	flag, ok := res[0].(int64)
	if !ok {
		return 0, relay.QuotaRecord{}, fmt.Errorf("relay/redis: unexpected flag %T", res[0])
	}
	if flag == -1 {
		return flag, relay.QuotaRecord{}, relay.ErrAccountNotFound
	}
	if len(res) == 1 {
		return flag, relay.QuotaRecord{}, nil
	}

	m := make(map[string]string, (len(res)-1)/2)
	for i := 1; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		m[k] = v
	}
	rec, err := fromHash(accountID, m)
	return flag, rec, err
}

func fromHash(accountID string, m map[string]string) (relay.QuotaRecord, error) {
	var firstErr error
	num := func(field string) int64 {
		v, ok := m[field]
		if !ok || v == "" {
			return 0
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("relay/redis: field %s=%q: %w", field, v, err)
		}
		return n
	}

	rec := relay.QuotaRecord{
		AccountID:    accountID,
		Tier:         relay.Tier(m["tier"]),
		Status:       relay.Status(m["status"]),
		PeriodStart:  time.Unix(num("period_start"), 0).UTC(),
		PeriodEnd:    time.Unix(num("period_end"), 0).UTC(),
		Used:         num("used"),
		Reserved:     num("reserved"),
		TokensUsed:   num("tokens_used"),
		OverageCount: num("overage_count"),
		OverageCost:  decimal.New(num("overage_cost_micros"), -6),
		CreatedAt:    time.UnixMilli(num("created_at")).UTC(),
		UpdatedAt:    time.UnixMilli(num("updated_at")).UTC(),
	}
	if _, ok := m["limit"]; ok {
		rec.Limit = relay.Int64Ptr(num("limit"))
	}
	if ms := num("reserved_until"); ms > 0 {
		rec.ReservedUntil = time.UnixMilli(ms).UTC()
	}
	return rec, firstErr
}

// classify wraps err, marking network failures as transient.
func classify(op string, err error) error {
	wrapped := fmt.Errorf("relay/redis: %s: %w", op, err)

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, goredis.ErrClosed) {
		return relay.Transient(wrapped)
	}
	return wrapped
}
