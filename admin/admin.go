// Package admin is the privileged override surface over the ledger:
// tier grants, status changes, usage resets and reporting. Callers are
// expected to have authenticated the operator already.
package admin

import (
	"context"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	relay "github.com/fixci/relay"
	"github.com/fixci/relay/ledger"
)

const (
	minReasonLen = 10
	maxReasonLen = 500

	defaultPageSize = 50
	maxPageSize     = 200
	detailEvents    = 20
)

// RevokeAction selects how Revoke removes an entitlement.
type RevokeAction string

const (
	RevokeDowngrade RevokeAction = "downgrade"
	RevokeSuspend   RevokeAction = "suspend"
)

// Service validates admin requests and delegates to the ledger.
type Service struct {
	ledger *ledger.Ledger
	tiers  relay.TierLookup
}

// New creates an admin Service.
func New(l *ledger.Ledger, tiers relay.TierLookup) *Service {
	return &Service{ledger: l, tiers: tiers}
}

// Grant moves the account to tier, creating it on first reference.
func (s *Service) Grant(ctx context.Context, accountID string, tier relay.Tier, reason string) (ledger.Change, error) {
	if err := validateAccount(accountID); err != nil {
		return ledger.Change{}, err
	}
	if !tier.Valid() {
		return ledger.Change{}, fmt.Errorf("%w: %q", relay.ErrInvalidTier, string(tier))
	}
	if err := validateReason(reason); err != nil {
		return ledger.Change{}, err
	}
	return s.ledger.Grant(ctx, accountID, tier, reason)
}

// SetStatus changes the status of an existing account.
func (s *Service) SetStatus(ctx context.Context, accountID string, status relay.Status, reason string) (ledger.Change, error) {
	if err := validateAccount(accountID); err != nil {
		return ledger.Change{}, err
	}
	if !status.Valid() {
		return ledger.Change{}, fmt.Errorf("%w: %q", relay.ErrInvalidStatus, string(status))
	}
	if err := validateReason(reason); err != nil {
		return ledger.Change{}, err
	}
	return s.ledger.SetStatus(ctx, accountID, status, reason)
}

// ResetUsage zeroes the period counters of an existing account.
func (s *Service) ResetUsage(ctx context.Context, accountID string, reason string) (ledger.Change, error) {
	if err := validateAccount(accountID); err != nil {
		return ledger.Change{}, err
	}
	if err := validateReason(reason); err != nil {
		return ledger.Change{}, err
	}
	return s.ledger.ResetUsage(ctx, accountID, reason)
}

// Revoke removes a paid entitlement from an existing account, either by
// downgrading it to free or by suspending it. The default is downgrade.
func (s *Service) Revoke(ctx context.Context, accountID string, action RevokeAction, reason string) (ledger.Change, error) {
	if err := validateAccount(accountID); err != nil {
		return ledger.Change{}, err
	}
	if err := validateReason(reason); err != nil {
		return ledger.Change{}, err
	}
	if _, err := s.ledger.Get(ctx, accountID); err != nil {
		return ledger.Change{}, err
	}

	switch action {
	case "", RevokeDowngrade:
		return s.ledger.Grant(ctx, accountID, relay.TierFree, reason)
	case RevokeSuspend:
		return s.ledger.SetStatus(ctx, accountID, relay.StatusSuspended, reason)
	default:
		return ledger.Change{}, fmt.Errorf("%w: unknown revoke action %q", relay.ErrInvalidRequest, string(action))
	}
}

// Usage summarizes an account's current period.
type Usage struct {
	Used         int64           `json:"used"`
	Limit        *int64          `json:"limit"`
	Remaining    *int64          `json:"remaining"` // nil = unlimited
	Reserved     int64           `json:"reserved"`
	TokensUsed   int64           `json:"tokens_used"`
	OverageCount int64           `json:"overage_count"`
	OverageCost  decimal.Decimal `json:"overage_cost_usd"`
}

// Details is an account's record with its recent billing history.
type Details struct {
	Record relay.QuotaRecord    `json:"record"`
	Usage  Usage                `json:"usage"`
	Events []relay.BillingEvent `json:"billing_events"`
}

// Details returns the record and the most recent billing events.
func (s *Service) Details(ctx context.Context, accountID string) (Details, error) {
	if err := validateAccount(accountID); err != nil {
		return Details{}, err
	}
	rec, err := s.ledger.Get(ctx, accountID)
	if err != nil {
		return Details{}, err
	}

	var events []relay.BillingEvent
	if r := s.ledger.Recorder(); r != nil {
		events, err = r.Events(ctx, accountID, detailEvents)
		if err != nil {
			return Details{}, err
		}
	}
	if events == nil {
		events = []relay.BillingEvent{}
	}
	return Details{Record: rec, Usage: usageOf(rec), Events: events}, nil
}

func usageOf(rec relay.QuotaRecord) Usage {
	u := Usage{
		Used:         rec.Used,
		Limit:        rec.Limit,
		Reserved:     rec.Reserved,
		TokensUsed:   rec.TokensUsed,
		OverageCount: rec.OverageCount,
		OverageCost:  rec.OverageCost,
	}
	if !rec.Unlimited() {
		remaining := max(rec.Remaining(), 0)
		u.Remaining = &remaining
	}
	return u
}

// ListRequest filters and paginates a listing.
type ListRequest struct {
	Tier   relay.Tier
	Status relay.Status
	Limit  int
	Offset int
}

// Page is one page of records.
type Page struct {
	Records []relay.QuotaRecord `json:"subscriptions"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
	HasMore bool                `json:"has_more"`
}

// List returns records newest first.
func (s *Service) List(ctx context.Context, req ListRequest) (Page, error) {
	if req.Tier != "" && !req.Tier.Valid() {
		return Page{}, fmt.Errorf("%w: %q", relay.ErrInvalidTier, string(req.Tier))
	}
	if req.Status != "" && !req.Status.Valid() {
		return Page{}, fmt.Errorf("%w: %q", relay.ErrInvalidStatus, string(req.Status))
	}
	if req.Offset < 0 {
		return Page{}, fmt.Errorf("%w: offset must be >= 0", relay.ErrInvalidRequest)
	}
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = defaultPageSize
	case limit > maxPageSize:
		limit = maxPageSize
	}

	recs, total, err := s.ledger.List(ctx, relay.ListFilter{
		Tier:   req.Tier,
		Status: req.Status,
		Limit:  limit,
		Offset: req.Offset,
	})
	if err != nil {
		return Page{}, err
	}
	if recs == nil {
		recs = []relay.QuotaRecord{}
	}
	return Page{
		Records: recs,
		Total:   total,
		Limit:   limit,
		Offset:  req.Offset,
		HasMore: int64(req.Offset+limit) < total,
	}, nil
}

// TierStats aggregates active accounts of one tier.
type TierStats struct {
	Tier          relay.Tier `json:"tier"`
	Accounts      int64      `json:"accounts"`
	TotalAnalyses int64      `json:"total_analyses"`
}

// Stats is the revenue and usage overview across active accounts.
type Stats struct {
	Tiers            []TierStats     `json:"tiers"`
	MonthlyRecurring decimal.Decimal `json:"monthly_recurring_usd"`
	Overage          decimal.Decimal `json:"overage_usd"`
	Total            decimal.Decimal `json:"total_usd"`
	ActiveAccounts   int64           `json:"active_accounts"`
	InactiveAccounts int64           `json:"inactive_accounts"`
}

// Stats computes per-tier counts and an estimate of monthly revenue from
// tier prices plus accrued overage.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	recs, _, err := s.ledger.List(ctx, relay.ListFilter{Status: relay.StatusActive})
	if err != nil {
		return Stats{}, err
	}
	_, all, err := s.ledger.List(ctx, relay.ListFilter{Limit: 1})
	if err != nil {
		return Stats{}, err
	}

	st := Stats{
		MonthlyRecurring: decimal.Zero,
		Overage:          decimal.Zero,
		ActiveAccounts:   int64(len(recs)),
		InactiveAccounts: all - int64(len(recs)),
	}
	byTier := make(map[relay.Tier]*TierStats)
	prices := make(map[relay.Tier]decimal.Decimal)
	for _, rec := range recs {
		ts, ok := byTier[rec.Tier]
		if !ok {
			ts = &TierStats{Tier: rec.Tier}
			byTier[rec.Tier] = ts
		}
		ts.Accounts++
		ts.TotalAnalyses += rec.Used

		price, ok := prices[rec.Tier]
		if !ok {
			tp, err := s.tiers.GetPolicy(ctx, rec.Tier)
			if err != nil {
				return Stats{}, fmt.Errorf("relay/admin: stats for account %s: %w", rec.AccountID, err)
			}
			price = tp.MonthlyPriceUSD
			prices[rec.Tier] = price
		}
		st.MonthlyRecurring = st.MonthlyRecurring.Add(price)
		st.Overage = st.Overage.Add(rec.OverageCost)
	}
	st.Total = st.MonthlyRecurring.Add(st.Overage)

	st.Tiers = make([]TierStats, 0, len(byTier))
	for _, ts := range byTier {
		st.Tiers = append(st.Tiers, *ts)
	}
	sort.Slice(st.Tiers, func(i, j int) bool { return st.Tiers[i].Tier < st.Tiers[j].Tier })
	return st, nil
}

func validateAccount(accountID string) error {
	if accountID == "" {
		return fmt.Errorf("%w: account_id is required", relay.ErrInvalidRequest)
	}
	return nil
}

func validateReason(reason string) error {
	if reason == "" {
		return nil
	}
	if n := utf8.RuneCountInString(reason); n < minReasonLen || n > maxReasonLen {
		return fmt.Errorf("%w: reason must be %d-%d characters", relay.ErrInvalidRequest, minReasonLen, maxReasonLen)
	}
	return nil
}
