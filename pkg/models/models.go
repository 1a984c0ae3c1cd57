package models

import (
	"time"

	"github.com/google/uuid"
)

// MeterKind names a dimension of billable consumption.
type MeterKind string

const (
	MeterRequests       MeterKind = "requests"
	MeterTokensIn       MeterKind = "tokens_in"
	MeterTokensOut      MeterKind = "tokens_out"
	MeterStorageBytes   MeterKind = "storage_bytes"
	MeterComputeSeconds MeterKind = "compute_seconds"
)

// MeterKinds lists every known meter in a stable order, used by the
// aggregator when reducing events and by dashboards when rendering totals.
var MeterKinds = []MeterKind{
	MeterRequests,
	MeterTokensIn,
	MeterTokensOut,
	MeterStorageBytes,
	MeterComputeSeconds,
}

// Valid reports whether m is a known meter kind.
func (m MeterKind) Valid() bool {
	switch m {
	case MeterRequests, MeterTokensIn, MeterTokensOut, MeterStorageBytes, MeterComputeSeconds:
		return true
	}
	return false
}

// UsageEvent is one immutable metering fact recorded by a provider adapter.
// Events are never mutated after insert and expire after the configured
// retention window.
type UsageEvent struct {
	ID               uuid.UUID `json:"id"`
	TenantID         string    `json:"tenant_id"`
	UserID           string    `json:"user_id"`
	Meter            MeterKind `json:"meter"`
	Quantity         int64     `json:"quantity"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model,omitempty"`
	RequestID        string    `json:"request_id"`
	CostMicrodollars int64     `json:"cost_microdollars"`
	Timestamp        time.Time `json:"timestamp"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// SyncStatus tracks whether a daily aggregate has been transmitted to the
// billing provider.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncError   SyncStatus = "error"
)

// UsageDailyAggregate is the per-tenant, per-calendar-day rollup of usage
// events. It is recomputed deterministically from the day's events, so
// upserting it repeatedly is safe.
type UsageDailyAggregate struct {
	TenantID string    `json:"tenant_id"`
	Day      time.Time `json:"day"` // UTC midnight of the calendar day

	Requests       int64 `json:"requests"`
	TokensIn       int64 `json:"tokens_in"`
	TokensOut      int64 `json:"tokens_out"`
	StorageBytes   int64 `json:"storage_bytes"`
	ComputeSeconds int64 `json:"compute_seconds"`

	CostMicrodollars int64 `json:"cost_microdollars"`
	DistinctUsers    int   `json:"distinct_users"`

	SyncStatus   SyncStatus `json:"sync_status"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// MeterTotal returns the summed quantity for a single meter kind.
func (a *UsageDailyAggregate) MeterTotal(m MeterKind) int64 {
	switch m {
	case MeterRequests:
		return a.Requests
	case MeterTokensIn:
		return a.TokensIn
	case MeterTokensOut:
		return a.TokensOut
	case MeterStorageBytes:
		return a.StorageBytes
	case MeterComputeSeconds:
		return a.ComputeSeconds
	}
	return 0
}

// AddMeter accumulates quantity into the matching meter total.
func (a *UsageDailyAggregate) AddMeter(m MeterKind, quantity int64) {
	switch m {
	case MeterRequests:
		a.Requests += quantity
	case MeterTokensIn:
		a.TokensIn += quantity
	case MeterTokensOut:
		a.TokensOut += quantity
	case MeterStorageBytes:
		a.StorageBytes += quantity
	case MeterComputeSeconds:
		a.ComputeSeconds += quantity
	}
}

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	TenantActive       TenantStatus = "active"
	TenantPastDue      TenantStatus = "past_due"
	TenantSuspended    TenantStatus = "suspended"
	TenantCanceled     TenantStatus = "canceled"
	TenantPendingSetup TenantStatus = "pending_setup"
)

// PlanLimits is the limits snapshot captured from the plan at subscription
// time. Zero means unlimited.
type PlanLimits struct {
	MaxRequestsPerDay int64 `json:"max_requests_per_day"`
	MaxTokensPerDay   int64 `json:"max_tokens_per_day"`
	MaxStorageBytes   int64 `json:"max_storage_bytes"`
}

// TenantConfig is the durable record of a tenant's plan, billing linkage and
// lifecycle status. Tenants are never hard-deleted; cancellation is a status
// change.
type TenantConfig struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`

	Plan                 string     `json:"plan"`
	StripeCustomerID     string     `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string     `json:"stripe_subscription_id,omitempty"`
	SubscriptionItemID   string     `json:"subscription_item_id,omitempty"`
	Limits               PlanLimits `json:"limits"`

	Status        TenantStatus `json:"status"`
	PaymentFailed bool         `json:"payment_failed"`
	DunningSince  *time.Time   `json:"dunning_since,omitempty"`
	LastInvoiceAt *time.Time   `json:"last_invoice_at,omitempty"`

	// Cached counters refreshed by the aggregator for cheap limit checks.
	CachedRequestsToday int64 `json:"cached_requests_today"`
	CachedTokensToday   int64 `json:"cached_tokens_today"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProcessingStatus is the state of a webhook event record.
type ProcessingStatus string

const (
	ProcessingInFlight  ProcessingStatus = "processing"
	ProcessingCompleted ProcessingStatus = "completed"
	ProcessingError     ProcessingStatus = "error"
)

// WebhookEventRecord is the idempotency and audit record for one provider
// event id. Its existence is checked-and-inserted atomically so that each
// event id is effectively processed at most once even under at-least-once
// delivery.
type WebhookEventRecord struct {
	EventID     string           `json:"event_id"`
	EventType   string           `json:"event_type"`
	Status      ProcessingStatus `json:"status"`
	Result      string           `json:"result,omitempty"`
	ReceivedAt  time.Time        `json:"received_at"`
	ProcessedAt *time.Time       `json:"processed_at,omitempty"`
}

// Day truncates t to UTC midnight, the canonical aggregate key.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
