package storage

import (
	"errors"
	"time"

	"sellerbot/internal/trigger"
)

// ErrNotFound is returned when a requested row does not exist. Callers treat
// a missing budget configuration as "not configured", not as a failure.
var ErrNotFound = errors.New("not found")

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Tenant is a seller account: chat target, platform credentials, and the
// cached access token (UTC expiry).
type Tenant struct {
	ID           int64
	Name         string
	ChatID       int64
	ClientID     string
	ClientSecret string

	AccessToken    string
	TokenExpiresAt time.Time // zero when no cached token
	Active         bool
}

// ReportTask is one scheduled report for a tenant. The schedule fields are
// owned by the tenant-facing configuration UI; this module only reads them.
type ReportTask struct {
	ID       int64
	TenantID int64
	ChatID   int64
	Schedule trigger.ScheduleConfig
	// Metrics selects report sections ("listings", "budget"); empty means
	// all of them.
	Metrics []string
}

type BudgetMode string

const (
	BudgetAuto   BudgetMode = "auto_budget"
	BudgetManual BudgetMode = "manual"
)

// DailyBudget holds seven per-weekday budgets in pennies (Mon=0..Sun=6).
type DailyBudget struct {
	TenantID     int64
	WeekdayPenny [7]int64
	Mode         BudgetMode
	ActionTypeID int
	// LastApplied is the last date a run completed for (zero when never).
	// Monotone under normal operation; an idempotent re-apply for the same
	// date leaves it unchanged.
	LastApplied time.Time
}

type SendMode string

const (
	SendAlways                   SendMode = "always"
	SendIfNotConverted           SendMode = "if_not_converted"
	SendIfNotConvertedNoNegative SendMode = "if_not_converted_and_no_negative"
)

type ContentType string

const (
	ContentFixed     ContentType = "fixed"
	ContentGenerated ContentType = "generated"
)

// FollowupStep defines one timed follow-up in a tenant's sequence. A later
// edit only affects future schedulings; deliveries already queued keep the
// step they referenced.
type FollowupStep struct {
	ID           int64
	TenantID     int64
	OrderIndex   int
	DelaySeconds int
	SendMode     SendMode
	ContentType  ContentType
	ContentText  string
	Active       bool
}

type DeliveryStatus string

const (
	StatusPending    DeliveryStatus = "pending"
	StatusProcessing DeliveryStatus = "processing"
	StatusSent       DeliveryStatus = "sent"
	StatusCanceled   DeliveryStatus = "canceled"
	StatusFailed     DeliveryStatus = "failed"
)

// Delivery is one queued follow-up send. Terminal states (sent, canceled,
// failed) are final; a failed delivery is re-triggered by a human or a later
// conversation event, never retried automatically.
type Delivery struct {
	ID             string
	TenantID       int64
	RecipientID    int64
	StepID         int64
	ConversationID string
	ExecuteAt      time.Time
	Status         DeliveryStatus

	// Snapshots taken at scheduling time; gating uses the live
	// ConversationState instead, these are kept for diagnostics.
	ConvertedSnapshot bool
	NegativeSnapshot  bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationState is the live gating input, keyed by
// (tenant, recipient, conversation). Written by the conversation layer.
type ConversationState struct {
	IsConverted bool
	HasNegative bool
}

// TranscriptEntry is the audit record of generated/sent follow-up content.
type TranscriptEntry struct {
	TenantID       int64
	RecipientID    int64
	ConversationID string
	Role           string
	Content        string
	At             time.Time
}
