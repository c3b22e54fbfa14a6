// Package gormstore persists the tier catalog and the billing audit log
// through gorm. It runs on PostgreSQL in production and on SQLite in tests.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	relay "github.com/fixci/relay"
)

// TierConfig is one row of the tier catalog.
type TierConfig struct {
	Tier            string                      `gorm:"primaryKey;type:text"`
	MonthlyLimit    *int64                      // NULL = unlimited
	MonthlyPriceUSD decimal.Decimal             `gorm:"type:decimal(10,2);not null;default:0"`
	AllowedBackends datatypes.JSONSlice[string] `gorm:"not null"`
	Features        datatypes.JSONSlice[string] `gorm:"not null"`
	CreatedAt       time.Time                   `gorm:"not null"`
	UpdatedAt       time.Time                   `gorm:"not null"`
}

// TableName sets the database table name.
func (TierConfig) TableName() string { return "tier_configs" }

// BillingEvent is one row of the append-only billing audit log.
type BillingEvent struct {
	ID        int64             `gorm:"primaryKey;autoIncrement"`
	AccountID string            `gorm:"type:text;not null;index:idx_billing_events_account,priority:1"`
	EventType string            `gorm:"type:text;not null"`
	AmountUSD decimal.Decimal   `gorm:"type:decimal(12,4);not null;default:0"`
	Metadata  datatypes.JSONMap `gorm:"not null"`
	CreatedAt time.Time         `gorm:"not null;index:idx_billing_events_account,priority:2"`
}

// TableName sets the database table name.
func (BillingEvent) TableName() string { return "billing_events" }

// Store implements relay.TierSource and relay.BillingStore.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var (
	_ relay.TierSource   = (*Store)(nil)
	_ relay.BillingStore = (*Store)(nil)
)

// OpenPostgres opens a gorm handle on a PostgreSQL DSN.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("relay/gormstore: open: %w", err)
	}
	return db, nil
}

// New wraps an open gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// AutoMigrate creates or updates the catalog and audit tables.
func (s *Store) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&TierConfig{}, &BillingEvent{}); err != nil {
		return fmt.Errorf("relay/gormstore: migrate: %w", err)
	}
	return nil
}

// SeedTiers inserts policies that are not in the catalog yet. Existing rows
// are left untouched so that edits made in the database survive restarts.
func (s *Store) SeedTiers(ctx context.Context, policies []relay.TierPolicy) error {
	if len(policies) == 0 {
		return nil
	}
	rows := make([]TierConfig, len(policies))
	for i, p := range policies {
		rows[i] = tierRow(p)
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tier"}},
			DoNothing: true,
		}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("relay/gormstore: seed tiers: %w", err)
	}
	return nil
}

// PutTier inserts or replaces one catalog row.
func (s *Store) PutTier(ctx context.Context, p relay.TierPolicy) error {
	row := tierRow(p)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tier"}},
			DoUpdates: clause.AssignmentColumns([]string{"monthly_limit", "monthly_price_usd", "allowed_backends", "features", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("relay/gormstore: put tier %s: %w", p.Tier, err)
	}
	return nil
}

func (s *Store) LoadTier(ctx context.Context, tier relay.Tier) (relay.TierPolicy, error) {
	var row TierConfig
	err := s.db.WithContext(ctx).Where("tier = ?", string(tier)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return relay.TierPolicy{}, &relay.UnknownTierError{Tier: tier}
	}
	if err != nil {
		return relay.TierPolicy{}, fmt.Errorf("relay/gormstore: load tier %s: %w", tier, err)
	}
	return row.policy(), nil
}

// Tiers returns the whole catalog ordered by price.
func (s *Store) Tiers(ctx context.Context) ([]relay.TierPolicy, error) {
	var rows []TierConfig
	if err := s.db.WithContext(ctx).Order("monthly_price_usd ASC, tier ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("relay/gormstore: list tiers: %w", err)
	}
	policies := make([]relay.TierPolicy, len(rows))
	for i, row := range rows {
		policies[i] = row.policy()
	}
	return policies, nil
}

func (s *Store) Append(ctx context.Context, ev relay.BillingEvent) (relay.BillingEvent, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	row := BillingEvent{
		AccountID: ev.AccountID,
		EventType: string(ev.Type),
		AmountUSD: ev.AmountUSD,
		Metadata:  datatypes.JSONMap(ev.Metadata),
		CreatedAt: ev.CreatedAt.UTC(),
	}
	if row.Metadata == nil {
		row.Metadata = datatypes.JSONMap{}
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return relay.BillingEvent{}, fmt.Errorf("relay/gormstore: append %s: %w", ev.Type, err)
	}
	ev.ID = row.ID
	return ev, nil
}

func (s *Store) ListEvents(ctx context.Context, accountID string, limit int) ([]relay.BillingEvent, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []BillingEvent
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("relay/gormstore: list events: %w", err)
	}
	events := make([]relay.BillingEvent, len(rows))
	for i, row := range rows {
		events[i] = relay.BillingEvent{
			ID:        row.ID,
			AccountID: row.AccountID,
			Type:      relay.EventType(row.EventType),
			AmountUSD: row.AmountUSD,
			Metadata:  map[string]any(row.Metadata),
			CreatedAt: row.CreatedAt,
		}
	}
	return events, nil
}

func tierRow(p relay.TierPolicy) TierConfig {
	return TierConfig{
		Tier:            string(p.Tier),
		MonthlyLimit:    p.MonthlyLimit,
		MonthlyPriceUSD: p.MonthlyPriceUSD,
		AllowedBackends: datatypes.JSONSlice[string](nonNil(p.AllowedBackends)),
		Features:        datatypes.JSONSlice[string](nonNil(p.Features)),
	}
}

func (row TierConfig) policy() relay.TierPolicy {
	return relay.TierPolicy{
		Tier:            relay.Tier(row.Tier),
		MonthlyLimit:    row.MonthlyLimit,
		MonthlyPriceUSD: row.MonthlyPriceUSD,
		AllowedBackends: []string(row.AllowedBackends),
		Features:        []string(row.Features),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
