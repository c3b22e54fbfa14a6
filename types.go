package relay

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier names a subscription tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Valid reports whether t is one of the known tier names.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// Status is the entitlement status of an account.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
	StatusPastDue   Status = "past_due"
)

// Valid reports whether s is one of the four enumerated statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusCancelled, StatusPastDue:
		return true
	}
	return false
}

// QuotaRecord is the per-account usage and entitlement state.
type QuotaRecord struct {
	AccountID     string          `json:"account_id"`
	Tier          Tier            `json:"tier"`
	Status        Status          `json:"status"`
	PeriodStart   time.Time       `json:"period_start"`
	PeriodEnd     time.Time       `json:"period_end"`
	Used          int64           `json:"used"`
	Reserved      int64           `json:"reserved"`
	ReservedUntil time.Time       `json:"reserved_until"` // lease end of the newest reservation
	TokensUsed    int64           `json:"tokens_used"`
	Limit         *int64          `json:"limit"` // nil = unlimited
	OverageCount  int64           `json:"overage_count"`
	OverageCost   decimal.Decimal `json:"overage_cost_usd"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// LiveReserved returns the reservations still under lease at now. Once the
// newest lease has ended every held slot is stale.
func (r QuotaRecord) LiveReserved(now time.Time) int64 {
	if r.Reserved > 0 && !now.Before(r.ReservedUntil) {
		return 0
	}
	return r.Reserved
}

// Unlimited reports whether the record has no monthly cap.
func (r QuotaRecord) Unlimited() bool {
	return r.Tier == TierEnterprise || r.Limit == nil
}

// Remaining returns the number of in-quota units left, counting held
// reservations as spent. It returns Unlimited for uncapped records.
func (r QuotaRecord) Remaining() int64 {
	if r.Unlimited() {
		return Unlimited
	}
	return *r.Limit - r.Used - r.Reserved
}

// Unlimited is the Remaining value reported for uncapped records.
const Unlimited int64 = -1

// Decision codes.
const (
	CodeOK             = "ok"
	CodeUnlimited      = "unlimited"
	CodeOverage        = "overage"
	CodeQuotaExhausted = "quota_exhausted"
	CodeInactive       = "inactive"
)

// Decision is the outcome of an admission check. A denial is a normal
// return value, not an error.
type Decision struct {
	Allowed   bool        `json:"allowed"`
	Code      string      `json:"code"`
	Reason    string      `json:"reason"`
	Remaining int64       `json:"remaining"`
	IsOverage bool        `json:"is_overage"`
	Reserved  bool        `json:"reserved"`
	Record    QuotaRecord `json:"record"`
}

// EventType enumerates billing audit event kinds.
type EventType string

const (
	EventTierGranted           EventType = "tier_granted"
	EventStatusChanged         EventType = "status_changed"
	EventUsageReset            EventType = "usage_reset"
	EventOverageCharged        EventType = "overage_charged"
	EventSubscriptionCreated   EventType = "subscription_created"
	EventSubscriptionCancelled EventType = "subscription_cancelled"
	EventPaymentSucceeded      EventType = "payment_succeeded"
	EventPaymentFailed         EventType = "payment_failed"
)

// BillingEvent is an immutable audit record.
type BillingEvent struct {
	ID        int64           `json:"id"`
	AccountID string          `json:"account_id"`
	Type      EventType       `json:"event_type"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	Metadata  map[string]any  `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
}

// FailureContext carries workflow metadata used for prompt construction.
type FailureContext struct {
	Repository   string `json:"repository,omitempty"`
	WorkflowName string `json:"workflow_name,omitempty"`
	JobName      string `json:"job_name,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	RunID        int64  `json:"run_id,omitempty"`
	PullRequest  int    `json:"pull_request,omitempty"`
}

// Usage represents token usage reported by a backend.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Analysis is the structured content parsed out of a backend's free text.
type Analysis struct {
	Summary     string  `json:"summary"`
	RootCause   string  `json:"root_cause"`
	Fix         string  `json:"fix"`
	CodeExample string  `json:"code_example,omitempty"`
	Confidence  float64 `json:"confidence"`
}

// Result is the normalized outcome of a successful dispatch.
type Result struct {
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	Summary          string          `json:"summary"`
	RootCause        string          `json:"root_cause"`
	Fix              string          `json:"fix"`
	CodeExample      string          `json:"code_example,omitempty"`
	ConfidenceScore  float64         `json:"confidence_score"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
	InputTokens      int64           `json:"input_tokens"`
	OutputTokens     int64           `json:"output_tokens"`
	TotalTokens      int64           `json:"total_tokens"`
	EstimatedCostUSD decimal.Decimal `json:"estimated_cost_usd"`

	// Tried lists every backend invoked, in order, including the winner.
	Tried []string `json:"tried"`
}

// ListFilter narrows a record listing.
type ListFilter struct {
	Tier   Tier
	Status Status
	Limit  int
	Offset int
}

// Int64Ptr returns a pointer to the given int64.
func Int64Ptr(v int64) *int64 { return &v }
