// Package store defines the durable-storage collaborator for the metering
// plane: an append-only usage event log, upsertable daily aggregates and
// tenant records, and a conditionally-inserted webhook idempotency table.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/diatonic-ai/nexus-metering/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// UsageEventStore persists immutable usage events.
type UsageEventStore interface {
	// InsertUsageEvent appends one usage event. Events are never updated.
	InsertUsageEvent(ctx context.Context, ev models.UsageEvent) error

	// ListUsageEvents returns every event for the tenant on the given UTC
	// calendar day.
	ListUsageEvents(ctx context.Context, tenantID string, day time.Time) ([]models.UsageEvent, error)

	// ListActiveTenants returns the tenant ids that emitted at least one
	// event on the given UTC calendar day.
	ListActiveTenants(ctx context.Context, day time.Time) ([]string, error)

	// DeleteExpiredUsageEvents removes up to limit events whose retention
	// window has passed, returning the number deleted.
	DeleteExpiredUsageEvents(ctx context.Context, now time.Time, limit int) (int64, error)
}

// AggregateStore persists per-tenant-day usage rollups.
type AggregateStore interface {
	// UpsertAggregate overwrites the aggregate keyed by (tenant, day) with
	// freshly recomputed totals and resets its sync status to pending.
	UpsertAggregate(ctx context.Context, agg models.UsageDailyAggregate) error

	GetAggregate(ctx context.Context, tenantID string, day time.Time) (models.UsageDailyAggregate, error)

	// ListAggregates returns the tenant's aggregates for days in [from, to].
	ListAggregates(ctx context.Context, tenantID string, from, to time.Time) ([]models.UsageDailyAggregate, error)

	// ListAggregatesByStatus returns up to limit aggregates in the given
	// sync state, oldest first, across all tenants.
	ListAggregatesByStatus(ctx context.Context, status models.SyncStatus, limit int) ([]models.UsageDailyAggregate, error)

	// SetSyncStatus records the outcome of a billing-provider sync attempt.
	SetSyncStatus(ctx context.Context, tenantID string, day time.Time, status models.SyncStatus, at time.Time) error
}

// TenantStore persists tenant configuration. All mutations are scoped by
// tenant id; rows are never hard-deleted.
type TenantStore interface {
	GetTenant(ctx context.Context, tenantID string) (models.TenantConfig, error)
	GetTenantByCustomer(ctx context.Context, stripeCustomerID string) (models.TenantConfig, error)

	// UpsertTenant creates or overwrites the tenant record keyed by tenant id.
	UpsertTenant(ctx context.Context, cfg models.TenantConfig) error

	SetTenantStatus(ctx context.Context, tenantID string, status models.TenantStatus) error

	// MarkPaymentFailed flags the tenant for dunning and moves it to past_due.
	MarkPaymentFailed(ctx context.Context, tenantID string, at time.Time) error

	// MarkInvoicePaid clears dunning state and restores the tenant to active.
	MarkInvoicePaid(ctx context.Context, tenantID string, at time.Time) error

	// RefreshUsageCounters updates the cached per-day counters the
	// aggregator maintains for cheap limit checks.
	RefreshUsageCounters(ctx context.Context, tenantID string, requests, tokens int64) error
}

// WebhookEventStore is the durable side of the idempotency guard.
type WebhookEventStore interface {
	// InsertWebhookEvent atomically inserts a processing-status record for
	// the event id. It reports whether the insert won; when it did not, the
	// existing record is returned so the caller can decide how to proceed.
	InsertWebhookEvent(ctx context.Context, eventID, eventType string) (inserted bool, existing models.WebhookEventRecord, err error)

	// ReclaimWebhookEvent conditionally moves a record back to processing so
	// a redelivery can re-attempt it: error-status records always qualify,
	// processing-status records only when received before staleBefore (a
	// crashed attempt never finalized them). A successful reclaim restamps
	// the record's received time. It reports whether the caller won.
	ReclaimWebhookEvent(ctx context.Context, eventID string, staleBefore time.Time) (bool, error)

	CompleteWebhookEvent(ctx context.Context, eventID, result string) error
	FailWebhookEvent(ctx context.Context, eventID, result string) error
}

// Store is the full storage surface, implemented by Postgres.
type Store interface {
	UsageEventStore
	AggregateStore
	TenantStore
	WebhookEventStore
}
