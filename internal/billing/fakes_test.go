package billing

import (
	"context"
	"sync"
	"time"

	"github.com/diatonic-ai/nexus-metering/internal/store"
	"github.com/diatonic-ai/nexus-metering/pkg/models"
)

// fakeWebhookStore is an in-memory WebhookEventStore with the same
// conditional-write semantics as the Postgres implementation.
type fakeWebhookStore struct {
	mu      sync.Mutex
	records map[string]*models.WebhookEventRecord

	insertErr error
}

func newFakeWebhookStore() *fakeWebhookStore {
	return &fakeWebhookStore{records: make(map[string]*models.WebhookEventRecord)}
}

func (f *fakeWebhookStore) InsertWebhookEvent(_ context.Context, eventID, eventType string) (bool, models.WebhookEventRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.insertErr != nil {
		return false, models.WebhookEventRecord{}, f.insertErr
	}
	if existing, ok := f.records[eventID]; ok {
		return false, *existing, nil
	}
	f.records[eventID] = &models.WebhookEventRecord{
		EventID:    eventID,
		EventType:  eventType,
		Status:     models.ProcessingInFlight,
		ReceivedAt: time.Now().UTC(),
	}
	return true, models.WebhookEventRecord{}, nil
}

func (f *fakeWebhookStore) ReclaimWebhookEvent(_ context.Context, eventID string, staleBefore time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[eventID]
	if !ok {
		return false, nil
	}
	switch {
	case rec.Status == models.ProcessingError:
	case rec.Status == models.ProcessingInFlight && rec.ReceivedAt.Before(staleBefore):
	default:
		return false, nil
	}
	rec.Status = models.ProcessingInFlight
	rec.Result = ""
	rec.ReceivedAt = time.Now().UTC()
	return true, nil
}

func (f *fakeWebhookStore) CompleteWebhookEvent(ctx context.Context, eventID, result string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if rec, ok := f.records[eventID]; ok {
		rec.Status = models.ProcessingCompleted
		rec.Result = result
	}
	return nil
}

func (f *fakeWebhookStore) FailWebhookEvent(ctx context.Context, eventID, result string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if rec, ok := f.records[eventID]; ok {
		rec.Status = models.ProcessingError
		rec.Result = result
	}
	return nil
}

// backdate ages a record's claim as if it were inserted d ago.
func (f *fakeWebhookStore) backdate(eventID string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if rec, ok := f.records[eventID]; ok {
		rec.ReceivedAt = time.Now().UTC().Add(-d)
	}
}

func (f *fakeWebhookStore) status(eventID string) (models.ProcessingStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[eventID]
	if !ok {
		return "", false
	}
	return rec.Status, true
}

// fakeTenantStore is an in-memory TenantStore.
type fakeTenantStore struct {
	mu      sync.Mutex
	tenants map[string]models.TenantConfig

	refreshedRequests int64
	refreshedTokens   int64
}

func newFakeTenantStore() *fakeTenantStore {
	return &fakeTenantStore{tenants: make(map[string]models.TenantConfig)}
}

func (f *fakeTenantStore) GetTenant(_ context.Context, tenantID string) (models.TenantConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tenants[tenantID]
	if !ok {
		return models.TenantConfig{}, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeTenantStore) GetTenantByCustomer(_ context.Context, customerID string) (models.TenantConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, t := range f.tenants {
		if t.StripeCustomerID == customerID {
			return t, nil
		}
	}
	return models.TenantConfig{}, store.ErrNotFound
}

func (f *fakeTenantStore) UpsertTenant(_ context.Context, cfg models.TenantConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tenants[cfg.TenantID] = cfg
	return nil
}

func (f *fakeTenantStore) SetTenantStatus(_ context.Context, tenantID string, status models.TenantStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tenants[tenantID]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = status
	f.tenants[tenantID] = t
	return nil
}

func (f *fakeTenantStore) MarkPaymentFailed(_ context.Context, tenantID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tenants[tenantID]
	if !ok {
		return store.ErrNotFound
	}
	t.PaymentFailed = true
	if t.DunningSince == nil {
		t.DunningSince = &at
	}
	t.Status = models.TenantPastDue
	f.tenants[tenantID] = t
	return nil
}

func (f *fakeTenantStore) MarkInvoicePaid(_ context.Context, tenantID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tenants[tenantID]
	if !ok {
		return store.ErrNotFound
	}
	t.PaymentFailed = false
	t.DunningSince = nil
	t.LastInvoiceAt = &at
	t.Status = models.TenantActive
	f.tenants[tenantID] = t
	return nil
}

func (f *fakeTenantStore) RefreshUsageCounters(_ context.Context, tenantID string, requests, tokens int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refreshedRequests = requests
	f.refreshedTokens = tokens
	return nil
}

func (f *fakeTenantStore) get(tenantID string) (models.TenantConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tenants[tenantID]
	return t, ok
}

// fakeUsageStore serves a fixed set of usage events.
type fakeUsageStore struct {
	mu     sync.Mutex
	events []models.UsageEvent

	deleted int64
}

func (f *fakeUsageStore) InsertUsageEvent(_ context.Context, ev models.UsageEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = append(f.events, ev)
	return nil
}

func (f *fakeUsageStore) ListUsageEvents(_ context.Context, tenantID string, day time.Time) ([]models.UsageEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.UsageEvent
	for _, ev := range f.events {
		if ev.TenantID == tenantID && models.Day(ev.Timestamp).Equal(models.Day(day)) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeUsageStore) ListActiveTenants(_ context.Context, day time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	for _, ev := range f.events {
		if !models.Day(ev.Timestamp).Equal(models.Day(day)) {
			continue
		}
		if _, ok := seen[ev.TenantID]; ok {
			continue
		}
		seen[ev.TenantID] = struct{}{}
		out = append(out, ev.TenantID)
	}
	return out, nil
}

func (f *fakeUsageStore) DeleteExpiredUsageEvents(_ context.Context, now time.Time, limit int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var kept []models.UsageEvent
	var n int64
	for _, ev := range f.events {
		if n < int64(limit) && ev.ExpiresAt.Before(now) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	f.events = kept
	f.deleted += n
	return n, nil
}

// fakeAggregateStore is an in-memory AggregateStore keyed by tenant and day.
type fakeAggregateStore struct {
	mu         sync.Mutex
	aggregates map[string]models.UsageDailyAggregate

	upserts int
}

func newFakeAggregateStore() *fakeAggregateStore {
	return &fakeAggregateStore{aggregates: make(map[string]models.UsageDailyAggregate)}
}

func aggKey(tenantID string, day time.Time) string {
	return tenantID + "|" + models.Day(day).Format("2006-01-02")
}

func (f *fakeAggregateStore) UpsertAggregate(_ context.Context, agg models.UsageDailyAggregate) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	agg.SyncStatus = models.SyncPending
	f.aggregates[aggKey(agg.TenantID, agg.Day)] = agg
	f.upserts++
	return nil
}

func (f *fakeAggregateStore) GetAggregate(_ context.Context, tenantID string, day time.Time) (models.UsageDailyAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	agg, ok := f.aggregates[aggKey(tenantID, day)]
	if !ok {
		return models.UsageDailyAggregate{}, store.ErrNotFound
	}
	return agg, nil
}

func (f *fakeAggregateStore) ListAggregates(_ context.Context, tenantID string, from, to time.Time) ([]models.UsageDailyAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.UsageDailyAggregate
	for _, agg := range f.aggregates {
		if agg.TenantID != tenantID {
			continue
		}
		if agg.Day.Before(models.Day(from)) || agg.Day.After(models.Day(to)) {
			continue
		}
		out = append(out, agg)
	}
	return out, nil
}

func (f *fakeAggregateStore) ListAggregatesByStatus(_ context.Context, status models.SyncStatus, limit int) ([]models.UsageDailyAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.UsageDailyAggregate
	for _, agg := range f.aggregates {
		if agg.SyncStatus == status && len(out) < limit {
			out = append(out, agg)
		}
	}
	return out, nil
}

func (f *fakeAggregateStore) SetSyncStatus(_ context.Context, tenantID string, day time.Time, status models.SyncStatus, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := aggKey(tenantID, day)
	agg, ok := f.aggregates[key]
	if !ok {
		return store.ErrNotFound
	}
	agg.SyncStatus = status
	if status == models.SyncSynced {
		agg.LastSyncedAt = &at
	}
	f.aggregates[key] = agg
	return nil
}

// fakeSyncer records sync calls and fails on demand.
type fakeSyncer struct {
	mu    sync.Mutex
	calls []models.UsageDailyAggregate
	err   error
}

func (f *fakeSyncer) SyncDaily(_ context.Context, _ models.TenantConfig, agg models.UsageDailyAggregate) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, agg)
	return f.err
}

func (f *fakeSyncer) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.err = err
}

func (f *fakeSyncer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}
