package metering

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/diatonic-ai/nexus-metering/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	mu     sync.Mutex
	events []models.UsageEvent
	err    error
}

func (f *fakeWriter) InsertUsageEvent(ctx context.Context, ev models.UsageEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeWriter) all() []models.UsageEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]models.UsageEvent, len(f.events))
	copy(out, f.events)
	return out
}

func newTestEmitter(writer *fakeWriter) *Emitter {
	logger, _ := zap.NewDevelopment()
	return NewEmitter(writer, NewPriceTable(), logger, time.Second, 90*24*time.Hour)
}

func TestEmitter_Emit(t *testing.T) {
	writer := &fakeWriter{}
	emitter := newTestEmitter(writer)

	emitter.Emit(context.Background(), Sample{
		TenantID:  "tenant-a",
		UserID:    "user-1",
		Meter:     models.MeterTokensIn,
		Quantity:  1_000_000,
		Provider:  "openai",
		Model:     "gpt-4o",
		RequestID: "req-1",
	})

	evs := writer.all()
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Equal(t, "tenant-a", ev.TenantID)
	assert.Equal(t, models.MeterTokensIn, ev.Meter)
	assert.Equal(t, int64(1_000_000), ev.Quantity)
	assert.Equal(t, int64(2_500_000), ev.CostMicrodollars, "one million gpt-4o input tokens")
	assert.NotEqual(t, ev.ID.String(), "00000000-0000-0000-0000-000000000000")
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, ev.Timestamp.Add(90*24*time.Hour), ev.ExpiresAt)
}

func TestEmitter_Emit_DropsInvalidSamples(t *testing.T) {
	writer := &fakeWriter{}
	emitter := newTestEmitter(writer)
	ctx := context.Background()

	// Missing tenant.
	emitter.Emit(ctx, Sample{Meter: models.MeterRequests, Quantity: 1})
	// Unknown meter kind.
	emitter.Emit(ctx, Sample{TenantID: "tenant-a", Meter: "carrier_pigeons", Quantity: 1})
	// Negative quantity.
	emitter.Emit(ctx, Sample{TenantID: "tenant-a", Meter: models.MeterRequests, Quantity: -5})

	assert.Empty(t, writer.all())
}

func TestEmitter_Emit_SwallowsWriteFailure(t *testing.T) {
	writer := &fakeWriter{err: errors.New("connection reset")}
	emitter := newTestEmitter(writer)

	// Must not panic or propagate; the feature call carries on.
	emitter.Emit(context.Background(), Sample{
		TenantID: "tenant-a",
		Meter:    models.MeterRequests,
		Quantity: 1,
	})
}

func TestEmitter_Emit_SurvivesCanceledCaller(t *testing.T) {
	writer := &fakeWriter{}
	emitter := newTestEmitter(writer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The write context is detached from the caller's cancellation.
	emitter.Emit(ctx, Sample{
		TenantID: "tenant-a",
		Meter:    models.MeterRequests,
		Quantity: 1,
	})

	assert.Len(t, writer.all(), 1)
}

func TestEmitter_EmitAll(t *testing.T) {
	writer := &fakeWriter{}
	emitter := newTestEmitter(writer)

	emitter.EmitAll(context.Background(), []Sample{
		{TenantID: "tenant-a", Meter: models.MeterRequests, Quantity: 1},
		{TenantID: "tenant-a", Meter: models.MeterTokensIn, Quantity: 100},
		{TenantID: "tenant-a", Meter: models.MeterTokensOut, Quantity: 200},
	})

	assert.Len(t, writer.all(), 3)
}
