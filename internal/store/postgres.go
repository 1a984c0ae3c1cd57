package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diatonic-ai/nexus-metering/pkg/database"
	"github.com/diatonic-ai/nexus-metering/pkg/models"
	"github.com/jackc/pgx/v5"
)

// Postgres implements Store on top of the shared pgx pool.
type Postgres struct {
	db *database.Database
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates the pgx-backed store.
func NewPostgres(db *database.Database) *Postgres {
	return &Postgres{db: db}
}

// ---------------------------------------------------------------------------
// Usage events
// ---------------------------------------------------------------------------

func (p *Postgres) InsertUsageEvent(ctx context.Context, ev models.UsageEvent) error {
	_, err := p.db.Pool.Exec(ctx, `
		INSERT INTO usage_events (
			id, tenant_id, user_id, meter, quantity, provider, model,
			request_id, cost_microdollars, timestamp, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		ev.ID,
		ev.TenantID,
		ev.UserID,
		string(ev.Meter),
		ev.Quantity,
		ev.Provider,
		ev.Model,
		ev.RequestID,
		ev.CostMicrodollars,
		ev.Timestamp,
		ev.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}
	return nil
}

func (p *Postgres) ListUsageEvents(ctx context.Context, tenantID string, day time.Time) ([]models.UsageEvent, error) {
	start := models.Day(day)
	end := start.Add(24 * time.Hour)

	rows, err := p.db.Pool.Query(ctx, `
		SELECT id, tenant_id, user_id, meter, quantity, provider, model,
		       request_id, cost_microdollars, timestamp, expires_at
		FROM usage_events
		WHERE tenant_id = $1 AND timestamp >= $2 AND timestamp < $3
		ORDER BY timestamp
	`, tenantID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage events: %w", err)
	}
	defer rows.Close()

	var events []models.UsageEvent
	for rows.Next() {
		var ev models.UsageEvent
		var meter string
		if err := rows.Scan(
			&ev.ID, &ev.TenantID, &ev.UserID, &meter, &ev.Quantity,
			&ev.Provider, &ev.Model, &ev.RequestID, &ev.CostMicrodollars,
			&ev.Timestamp, &ev.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		ev.Meter = models.MeterKind(meter)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (p *Postgres) ListActiveTenants(ctx context.Context, day time.Time) ([]string, error) {
	start := models.Day(day)
	end := start.Add(24 * time.Hour)

	rows, err := p.db.Pool.Query(ctx, `
		SELECT DISTINCT tenant_id
		FROM usage_events
		WHERE timestamp >= $1 AND timestamp < $2
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query active tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

func (p *Postgres) DeleteExpiredUsageEvents(ctx context.Context, now time.Time, limit int) (int64, error) {
	tag, err := p.db.Pool.Exec(ctx, `
		DELETE FROM usage_events
		WHERE id IN (
			SELECT id FROM usage_events
			WHERE expires_at <= $1
			LIMIT $2
		)
	`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired usage events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ---------------------------------------------------------------------------
// Daily aggregates
// ---------------------------------------------------------------------------

func (p *Postgres) UpsertAggregate(ctx context.Context, agg models.UsageDailyAggregate) error {
	_, err := p.db.Pool.Exec(ctx, `
		INSERT INTO usage_daily_aggregates (
			tenant_id, day, requests, tokens_in, tokens_out,
			storage_bytes, compute_seconds, cost_microdollars,
			distinct_users, sync_status, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', NOW())
		ON CONFLICT (tenant_id, day)
		DO UPDATE SET
			requests = EXCLUDED.requests,
			tokens_in = EXCLUDED.tokens_in,
			tokens_out = EXCLUDED.tokens_out,
			storage_bytes = EXCLUDED.storage_bytes,
			compute_seconds = EXCLUDED.compute_seconds,
			cost_microdollars = EXCLUDED.cost_microdollars,
			distinct_users = EXCLUDED.distinct_users,
			sync_status = 'pending',
			updated_at = NOW()
	`,
		agg.TenantID,
		models.Day(agg.Day),
		agg.Requests,
		agg.TokensIn,
		agg.TokensOut,
		agg.StorageBytes,
		agg.ComputeSeconds,
		agg.CostMicrodollars,
		agg.DistinctUsers,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert aggregate: %w", err)
	}
	return nil
}

const aggregateColumns = `
	tenant_id, day, requests, tokens_in, tokens_out,
	storage_bytes, compute_seconds, cost_microdollars,
	distinct_users, sync_status, last_synced_at, updated_at`

func scanAggregate(row pgx.Row) (models.UsageDailyAggregate, error) {
	var agg models.UsageDailyAggregate
	var status string
	err := row.Scan(
		&agg.TenantID, &agg.Day, &agg.Requests, &agg.TokensIn, &agg.TokensOut,
		&agg.StorageBytes, &agg.ComputeSeconds, &agg.CostMicrodollars,
		&agg.DistinctUsers, &status, &agg.LastSyncedAt, &agg.UpdatedAt,
	)
	if err != nil {
		return agg, err
	}
	agg.SyncStatus = models.SyncStatus(status)
	return agg, nil
}

func (p *Postgres) GetAggregate(ctx context.Context, tenantID string, day time.Time) (models.UsageDailyAggregate, error) {
	row := p.db.Pool.QueryRow(ctx, `
		SELECT `+aggregateColumns+`
		FROM usage_daily_aggregates
		WHERE tenant_id = $1 AND day = $2
	`, tenantID, models.Day(day))

	agg, err := scanAggregate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return agg, ErrNotFound
	}
	if err != nil {
		return agg, fmt.Errorf("failed to get aggregate: %w", err)
	}
	return agg, nil
}

func (p *Postgres) ListAggregates(ctx context.Context, tenantID string, from, to time.Time) ([]models.UsageDailyAggregate, error) {
	rows, err := p.db.Pool.Query(ctx, `
		SELECT `+aggregateColumns+`
		FROM usage_daily_aggregates
		WHERE tenant_id = $1 AND day >= $2 AND day <= $3
		ORDER BY day
	`, tenantID, models.Day(from), models.Day(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []models.UsageDailyAggregate
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		aggs = append(aggs, agg)
	}
	return aggs, rows.Err()
}

func (p *Postgres) ListAggregatesByStatus(ctx context.Context, status models.SyncStatus, limit int) ([]models.UsageDailyAggregate, error) {
	rows, err := p.db.Pool.Query(ctx, `
		SELECT `+aggregateColumns+`
		FROM usage_daily_aggregates
		WHERE sync_status = $1
		ORDER BY day
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregates by status: %w", err)
	}
	defer rows.Close()

	var aggs []models.UsageDailyAggregate
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		aggs = append(aggs, agg)
	}
	return aggs, rows.Err()
}

func (p *Postgres) SetSyncStatus(ctx context.Context, tenantID string, day time.Time, status models.SyncStatus, at time.Time) error {
	var err error
	if status == models.SyncSynced {
		_, err = p.db.Pool.Exec(ctx, `
			UPDATE usage_daily_aggregates
			SET sync_status = $3, last_synced_at = $4, updated_at = NOW()
			WHERE tenant_id = $1 AND day = $2
		`, tenantID, models.Day(day), string(status), at)
	} else {
		_, err = p.db.Pool.Exec(ctx, `
			UPDATE usage_daily_aggregates
			SET sync_status = $3, updated_at = NOW()
			WHERE tenant_id = $1 AND day = $2
		`, tenantID, models.Day(day), string(status))
	}
	if err != nil {
		return fmt.Errorf("failed to set sync status: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Tenants
// ---------------------------------------------------------------------------

const tenantColumns = `
	tenant_id, name, email, plan, stripe_customer_id, stripe_subscription_id,
	subscription_item_id, max_requests_per_day, max_tokens_per_day,
	max_storage_bytes, status, payment_failed, dunning_since, last_invoice_at,
	cached_requests_today, cached_tokens_today, created_at, updated_at`

func scanTenant(row pgx.Row) (models.TenantConfig, error) {
	var t models.TenantConfig
	var status string
	err := row.Scan(
		&t.TenantID, &t.Name, &t.Email, &t.Plan, &t.StripeCustomerID,
		&t.StripeSubscriptionID, &t.SubscriptionItemID,
		&t.Limits.MaxRequestsPerDay, &t.Limits.MaxTokensPerDay,
		&t.Limits.MaxStorageBytes, &status, &t.PaymentFailed,
		&t.DunningSince, &t.LastInvoiceAt,
		&t.CachedRequestsToday, &t.CachedTokensToday,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return t, err
	}
	t.Status = models.TenantStatus(status)
	return t, nil
}

func (p *Postgres) GetTenant(ctx context.Context, tenantID string) (models.TenantConfig, error) {
	row := p.db.Pool.QueryRow(ctx, `
		SELECT `+tenantColumns+`
		FROM tenants
		WHERE tenant_id = $1
	`, tenantID)

	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

func (p *Postgres) GetTenantByCustomer(ctx context.Context, stripeCustomerID string) (models.TenantConfig, error) {
	row := p.db.Pool.QueryRow(ctx, `
		SELECT `+tenantColumns+`
		FROM tenants
		WHERE stripe_customer_id = $1
	`, stripeCustomerID)

	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("failed to get tenant by customer: %w", err)
	}
	return t, nil
}

func (p *Postgres) UpsertTenant(ctx context.Context, cfg models.TenantConfig) error {
	_, err := p.db.Pool.Exec(ctx, `
		INSERT INTO tenants (
			tenant_id, name, email, plan, stripe_customer_id,
			stripe_subscription_id, subscription_item_id,
			max_requests_per_day, max_tokens_per_day, max_storage_bytes,
			status, payment_failed, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		ON CONFLICT (tenant_id)
		DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			plan = EXCLUDED.plan,
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			subscription_item_id = EXCLUDED.subscription_item_id,
			max_requests_per_day = EXCLUDED.max_requests_per_day,
			max_tokens_per_day = EXCLUDED.max_tokens_per_day,
			max_storage_bytes = EXCLUDED.max_storage_bytes,
			status = EXCLUDED.status,
			payment_failed = EXCLUDED.payment_failed,
			updated_at = NOW()
	`,
		cfg.TenantID,
		cfg.Name,
		cfg.Email,
		cfg.Plan,
		cfg.StripeCustomerID,
		cfg.StripeSubscriptionID,
		cfg.SubscriptionItemID,
		cfg.Limits.MaxRequestsPerDay,
		cfg.Limits.MaxTokensPerDay,
		cfg.Limits.MaxStorageBytes,
		string(cfg.Status),
		cfg.PaymentFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}
	return nil
}

func (p *Postgres) SetTenantStatus(ctx context.Context, tenantID string, status models.TenantStatus) error {
	tag, err := p.db.Pool.Exec(ctx, `
		UPDATE tenants
		SET status = $2, updated_at = NOW()
		WHERE tenant_id = $1
	`, tenantID, string(status))
	if err != nil {
		return fmt.Errorf("failed to set tenant status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) MarkPaymentFailed(ctx context.Context, tenantID string, at time.Time) error {
	tag, err := p.db.Pool.Exec(ctx, `
		UPDATE tenants
		SET payment_failed = true,
		    dunning_since = COALESCE(dunning_since, $2),
		    status = 'past_due',
		    updated_at = NOW()
		WHERE tenant_id = $1
	`, tenantID, at)
	if err != nil {
		return fmt.Errorf("failed to mark payment failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) MarkInvoicePaid(ctx context.Context, tenantID string, at time.Time) error {
	tag, err := p.db.Pool.Exec(ctx, `
		UPDATE tenants
		SET payment_failed = false,
		    dunning_since = NULL,
		    last_invoice_at = $2,
		    status = 'active',
		    updated_at = NOW()
		WHERE tenant_id = $1
	`, tenantID, at)
	if err != nil {
		return fmt.Errorf("failed to mark invoice paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RefreshUsageCounters(ctx context.Context, tenantID string, requests, tokens int64) error {
	_, err := p.db.Pool.Exec(ctx, `
		UPDATE tenants
		SET cached_requests_today = $2,
		    cached_tokens_today = $3,
		    updated_at = NOW()
		WHERE tenant_id = $1
	`, tenantID, requests, tokens)
	if err != nil {
		return fmt.Errorf("failed to refresh usage counters: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Webhook idempotency records
// ---------------------------------------------------------------------------

func (p *Postgres) InsertWebhookEvent(ctx context.Context, eventID, eventType string) (bool, models.WebhookEventRecord, error) {
	tag, err := p.db.Pool.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, status, received_at)
		VALUES ($1, $2, 'processing', NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return false, models.WebhookEventRecord{}, fmt.Errorf("failed to insert webhook event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, models.WebhookEventRecord{}, nil
	}

	// Lost the conditional insert: somebody saw this event id first.
	row := p.db.Pool.QueryRow(ctx, `
		SELECT event_id, event_type, status, result, received_at, processed_at
		FROM webhook_events
		WHERE event_id = $1
	`, eventID)

	var rec models.WebhookEventRecord
	var status string
	if err := row.Scan(&rec.EventID, &rec.EventType, &status, &rec.Result, &rec.ReceivedAt, &rec.ProcessedAt); err != nil {
		return false, rec, fmt.Errorf("failed to read existing webhook event: %w", err)
	}
	rec.Status = models.ProcessingStatus(status)
	return false, rec, nil
}

func (p *Postgres) ReclaimWebhookEvent(ctx context.Context, eventID string, staleBefore time.Time) (bool, error) {
	tag, err := p.db.Pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'processing', result = '', processed_at = NULL, received_at = NOW()
		WHERE event_id = $1
		  AND (status = 'error' OR (status = 'processing' AND received_at < $2))
	`, eventID, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) CompleteWebhookEvent(ctx context.Context, eventID, result string) error {
	_, err := p.db.Pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'completed', result = $2, processed_at = NOW()
		WHERE event_id = $1
	`, eventID, result)
	if err != nil {
		return fmt.Errorf("failed to complete webhook event: %w", err)
	}
	return nil
}

func (p *Postgres) FailWebhookEvent(ctx context.Context, eventID, result string) error {
	_, err := p.db.Pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'error', result = $2, processed_at = NOW()
		WHERE event_id = $1
	`, eventID, result)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event errored: %w", err)
	}
	return nil
}
