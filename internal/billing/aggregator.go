package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diatonic-ai/nexus-metering/internal/store"
	"github.com/diatonic-ai/nexus-metering/pkg/events"
	"github.com/diatonic-ai/nexus-metering/pkg/metrics"
	"github.com/diatonic-ai/nexus-metering/pkg/models"
	"go.uber.org/zap"
)

// ErrLeaseHeld is returned when another aggregation pass currently holds the
// tenant-day lease. The caller skips the unit; the rollup is idempotent, so
// nothing is lost.
var ErrLeaseHeld = errors.New("billing: tenant-day lease held elsewhere")

// Leaser is the conditional-write primitive behind the short per-tenant-day
// lease. The Redis cache satisfies it.
type Leaser interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Aggregator reduces the day's immutable usage events into one
// UsageDailyAggregate per tenant and syncs the result to the billing
// provider. Aggregation is a deterministic full recomputation, never an
// in-place increment, so re-running any unit is safe.
type Aggregator struct {
	usage      store.UsageEventStore
	aggregates store.AggregateStore
	tenants    store.TenantStore
	syncer     UsageSyncer
	leases     Leaser
	bus        *events.Bus
	logger     *zap.Logger

	leaseTTL   time.Duration
	sweepBatch int
	retryLimit int
}

// NewAggregator creates the daily aggregator. leases may be nil, in which
// case concurrent passes for the same tenant-day are tolerated rather than
// prevented.
func NewAggregator(
	usage store.UsageEventStore,
	aggregates store.AggregateStore,
	tenants store.TenantStore,
	syncer UsageSyncer,
	leases Leaser,
	bus *events.Bus,
	logger *zap.Logger,
	leaseTTL time.Duration,
	sweepBatch int,
) *Aggregator {
	if leaseTTL <= 0 {
		leaseTTL = 5 * time.Minute
	}
	if sweepBatch <= 0 {
		sweepBatch = 10000
	}
	return &Aggregator{
		usage:      usage,
		aggregates: aggregates,
		tenants:    tenants,
		syncer:     syncer,
		leases:     leases,
		bus:        bus,
		logger:     logger,
		leaseTTL:   leaseTTL,
		sweepBatch: sweepBatch,
		retryLimit: 200,
	}
}

// RunDay aggregates every tenant that emitted usage on the given UTC day.
// Tenant units are independent; one tenant's failure never blocks the rest.
func (a *Aggregator) RunDay(ctx context.Context, day time.Time) error {
	day = models.Day(day)

	tenantIDs, err := a.usage.ListActiveTenants(ctx, day)
	if err != nil {
		return fmt.Errorf("failed to list active tenants: %w", err)
	}

	var failures int
	for _, tenantID := range tenantIDs {
		if _, err := a.AggregateTenantDay(ctx, tenantID, day); err != nil {
			if errors.Is(err, ErrLeaseHeld) {
				continue
			}
			failures++
			a.logger.Error("tenant-day aggregation failed",
				zap.Error(err),
				zap.String("tenant_id", tenantID),
				zap.Time("day", day),
			)
		}
	}

	a.logger.Info("daily aggregation pass finished",
		zap.Time("day", day),
		zap.Int("tenants", len(tenantIDs)),
		zap.Int("failures", failures),
	)

	if failures > 0 {
		return fmt.Errorf("aggregation failed for %d of %d tenants", failures, len(tenantIDs))
	}
	return nil
}

// AggregateTenantDay recomputes and stores the rollup for one tenant-day,
// then attempts the billing-provider sync. A zero-event day writes nothing
// and returns an empty aggregate.
func (a *Aggregator) AggregateTenantDay(ctx context.Context, tenantID string, day time.Time) (models.UsageDailyAggregate, error) {
	day = models.Day(day)

	release, err := a.acquireLease(ctx, tenantID, day)
	if err != nil {
		return models.UsageDailyAggregate{}, err
	}
	defer release()

	evs, err := a.usage.ListUsageEvents(ctx, tenantID, day)
	if err != nil {
		return models.UsageDailyAggregate{}, fmt.Errorf("failed to list usage events: %w", err)
	}
	if len(evs) == 0 {
		// A stale row can exist here, left in error state after the day's
		// events were swept. Mark it synced so the retry pass stops
		// re-selecting it; there is nothing left to recompute or bill.
		if existing, err := a.aggregates.GetAggregate(ctx, tenantID, day); err == nil && existing.SyncStatus != models.SyncSynced {
			a.setSyncStatus(ctx, existing, models.SyncSynced)
		}
		a.logger.Debug("no usage events for tenant-day, skipping",
			zap.String("tenant_id", tenantID),
			zap.Time("day", day),
		)
		return models.UsageDailyAggregate{TenantID: tenantID, Day: day, SyncStatus: models.SyncPending}, nil
	}

	agg := Reduce(tenantID, day, evs)
	if err := a.aggregates.UpsertAggregate(ctx, agg); err != nil {
		metrics.ObserveAggregate(tenantID, agg.CostMicrodollars, agg.TokensIn, agg.TokensOut, "error")
		return agg, fmt.Errorf("failed to upsert aggregate: %w", err)
	}
	metrics.ObserveAggregate(tenantID, agg.CostMicrodollars, agg.TokensIn, agg.TokensOut, "ok")

	// Keep the cheap limit-check counters on the tenant row current.
	if models.Day(time.Now()) == day {
		if err := a.tenants.RefreshUsageCounters(ctx, tenantID, agg.Requests, agg.TokensIn+agg.TokensOut); err != nil {
			a.logger.Warn("failed to refresh cached usage counters",
				zap.Error(err),
				zap.String("tenant_id", tenantID),
			)
		}
	}

	agg.SyncStatus = a.syncAggregate(ctx, agg)

	if a.bus != nil {
		_ = a.bus.Publish(ctx, events.NewEvent(events.EventUsageAggregated, tenantID, map[string]interface{}{
			"day":               day.Format("2006-01-02"),
			"requests":          agg.Requests,
			"tokens_in":         agg.TokensIn,
			"tokens_out":        agg.TokensOut,
			"cost_microdollars": agg.CostMicrodollars,
			"sync_status":       string(agg.SyncStatus),
		}))
	}

	return agg, nil
}

// Reduce folds a day's events into the aggregate. It is a pure function of
// the event set: same events in, same totals out, however many times it runs.
func Reduce(tenantID string, day time.Time, evs []models.UsageEvent) models.UsageDailyAggregate {
	agg := models.UsageDailyAggregate{
		TenantID:   tenantID,
		Day:        models.Day(day),
		SyncStatus: models.SyncPending,
	}

	users := make(map[string]struct{})
	for _, ev := range evs {
		agg.AddMeter(ev.Meter, ev.Quantity)
		agg.CostMicrodollars += ev.CostMicrodollars
		if ev.UserID != "" {
			users[ev.UserID] = struct{}{}
		}
	}
	agg.DistinctUsers = len(users)
	return agg
}

// syncAggregate attempts the provider sync and records the outcome. Sync
// failure leaves the aggregate in error state for the next retry pass; it
// never fails the aggregation itself.
func (a *Aggregator) syncAggregate(ctx context.Context, agg models.UsageDailyAggregate) models.SyncStatus {
	tenant, err := a.tenants.GetTenant(ctx, agg.TenantID)
	if err != nil || tenant.SubscriptionItemID == "" {
		// No billing linkage: nothing is owed to the provider for this day.
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			a.logger.Warn("failed to load tenant for sync",
				zap.Error(err),
				zap.String("tenant_id", agg.TenantID),
			)
		}
		a.setSyncStatus(ctx, agg, models.SyncSynced)
		return models.SyncSynced
	}

	if err := a.syncer.SyncDaily(ctx, tenant, agg); err != nil {
		metrics.BillingSyncTotal.WithLabelValues("error").Inc()
		a.logger.Error("billing provider sync failed",
			zap.Error(err),
			zap.String("tenant_id", agg.TenantID),
			zap.Time("day", agg.Day),
		)
		a.setSyncStatus(ctx, agg, models.SyncError)
		if a.bus != nil {
			_ = a.bus.Publish(ctx, events.NewEvent(events.EventUsageSyncFailed, agg.TenantID, map[string]interface{}{
				"day": agg.Day.Format("2006-01-02"),
			}))
		}
		return models.SyncError
	}

	metrics.BillingSyncTotal.WithLabelValues("ok").Inc()
	a.setSyncStatus(ctx, agg, models.SyncSynced)
	return models.SyncSynced
}

func (a *Aggregator) setSyncStatus(ctx context.Context, agg models.UsageDailyAggregate, status models.SyncStatus) {
	if err := a.aggregates.SetSyncStatus(ctx, agg.TenantID, agg.Day, status, time.Now().UTC()); err != nil {
		a.logger.Error("failed to record sync status",
			zap.Error(err),
			zap.String("tenant_id", agg.TenantID),
			zap.Time("day", agg.Day),
		)
	}
}

// RetryFailedSyncs re-runs the tenant-day unit for every aggregate stuck in
// error state. Recomputing before re-syncing also folds in any late events.
func (a *Aggregator) RetryFailedSyncs(ctx context.Context) error {
	failed, err := a.aggregates.ListAggregatesByStatus(ctx, models.SyncError, a.retryLimit)
	if err != nil {
		return fmt.Errorf("failed to list errored aggregates: %w", err)
	}

	for _, agg := range failed {
		if _, err := a.AggregateTenantDay(ctx, agg.TenantID, agg.Day); err != nil && !errors.Is(err, ErrLeaseHeld) {
			a.logger.Error("sync retry failed",
				zap.Error(err),
				zap.String("tenant_id", agg.TenantID),
				zap.Time("day", agg.Day),
			)
		}
	}

	if len(failed) > 0 {
		a.logger.Info("sync retry pass finished", zap.Int("aggregates", len(failed)))
	}
	return nil
}

// SweepExpired removes usage events past their retention window, one batch
// per run.
func (a *Aggregator) SweepExpired(ctx context.Context) error {
	deleted, err := a.usage.DeleteExpiredUsageEvents(ctx, time.Now().UTC(), a.sweepBatch)
	if err != nil {
		return fmt.Errorf("failed to sweep expired usage events: %w", err)
	}
	if deleted > 0 {
		a.logger.Info("swept expired usage events", zap.Int64("deleted", deleted))
	}
	return nil
}

func (a *Aggregator) acquireLease(ctx context.Context, tenantID string, day time.Time) (func(), error) {
	if a.leases == nil {
		return func() {}, nil
	}

	key := fmt.Sprintf("aggregate:%s:%s", tenantID, day.Format("2006-01-02"))
	acquired, err := a.leases.SetNX(ctx, key, "running", a.leaseTTL)
	if err != nil {
		// A broken lease backend must not stop aggregation; the rollup is
		// idempotent, only the provider-sync rate limiting degrades.
		a.logger.Warn("lease acquisition failed, proceeding without lease",
			zap.Error(err),
			zap.String("key", key),
		)
		return func() {}, nil
	}
	if !acquired {
		return nil, ErrLeaseHeld
	}

	return func() {
		if err := a.leases.Delete(context.WithoutCancel(ctx), key); err != nil {
			a.logger.Warn("failed to release lease", zap.Error(err), zap.String("key", key))
		}
	}, nil
}
