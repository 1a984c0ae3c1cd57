// Package metering is the usage-event side of the pipeline: provider
// adapters report metering facts through the Emitter, which appends them to
// the immutable event log that the daily aggregator later reduces.
package metering

import (
	"context"
	"time"

	"github.com/diatonic-ai/nexus-metering/pkg/metrics"
	"github.com/diatonic-ai/nexus-metering/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventWriter is the slice of storage the emitter needs.
type EventWriter interface {
	InsertUsageEvent(ctx context.Context, ev models.UsageEvent) error
}

// Sample is one metering fact as reported by a provider adapter.
type Sample struct {
	TenantID  string
	UserID    string
	Meter     models.MeterKind
	Quantity  int64
	Provider  string
	Model     string
	RequestID string
	Timestamp time.Time // zero means now
}

// Emitter appends usage events. Emission is fire-and-forget: a slow or
// failing metering store degrades to under-counted usage, never to a failed
// feature call, so Emit logs failures and returns nothing.
type Emitter struct {
	writer    EventWriter
	prices    *PriceTable
	logger    *zap.Logger
	timeout   time.Duration
	retention time.Duration
}

// NewEmitter creates an emitter. timeout bounds each write attempt;
// retention controls how long events live before the sweep removes them.
func NewEmitter(writer EventWriter, prices *PriceTable, logger *zap.Logger, timeout, retention time.Duration) *Emitter {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Emitter{
		writer:    writer,
		prices:    prices,
		logger:    logger,
		timeout:   timeout,
		retention: retention,
	}
}

// Emit records one usage event. Invalid samples and storage failures are
// logged and counted, never surfaced to the caller.
func (e *Emitter) Emit(ctx context.Context, s Sample) {
	ev, ok := e.build(s)
	if !ok {
		return
	}

	// Bounded attempt, detached from the caller's cancellation so a request
	// that finishes quickly still gets its usage recorded.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	if err := e.writer.InsertUsageEvent(writeCtx, ev); err != nil {
		metrics.UsageEventsDropped.Inc()
		e.logger.Warn("usage event dropped",
			zap.Error(err),
			zap.String("tenant_id", s.TenantID),
			zap.String("meter", string(s.Meter)),
			zap.Int64("quantity", s.Quantity),
			zap.String("request_id", s.RequestID),
		)
		return
	}

	metrics.UsageEventsEmitted.WithLabelValues(string(s.Meter)).Inc()
}

// EmitAll records a batch of samples from one metered operation.
func (e *Emitter) EmitAll(ctx context.Context, samples []Sample) {
	for _, s := range samples {
		e.Emit(ctx, s)
	}
}

func (e *Emitter) build(s Sample) (models.UsageEvent, bool) {
	if s.TenantID == "" {
		e.logger.Warn("usage sample missing tenant id, dropped",
			zap.String("request_id", s.RequestID),
		)
		return models.UsageEvent{}, false
	}
	if !s.Meter.Valid() {
		e.logger.Warn("usage sample has unknown meter kind, dropped",
			zap.String("tenant_id", s.TenantID),
			zap.String("meter", string(s.Meter)),
		)
		return models.UsageEvent{}, false
	}
	if s.Quantity < 0 {
		e.logger.Warn("usage sample has negative quantity, dropped",
			zap.String("tenant_id", s.TenantID),
			zap.String("meter", string(s.Meter)),
			zap.Int64("quantity", s.Quantity),
		)
		return models.UsageEvent{}, false
	}

	ts := s.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	ev := models.UsageEvent{
		ID:        uuid.New(),
		TenantID:  s.TenantID,
		UserID:    s.UserID,
		Meter:     s.Meter,
		Quantity:  s.Quantity,
		Provider:  s.Provider,
		Model:     s.Model,
		RequestID: s.RequestID,
		Timestamp: ts,
		ExpiresAt: ts.Add(e.retention),
	}
	if e.prices != nil {
		ev.CostMicrodollars = e.prices.EstimateCost(ev)
	}
	return ev, true
}
