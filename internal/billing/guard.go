package billing

import (
	"context"
	"errors"
	"time"

	"github.com/diatonic-ai/nexus-metering/internal/store"
	"github.com/diatonic-ai/nexus-metering/pkg/models"
	"go.uber.org/zap"
)

// ErrEventInFlight is returned when another delivery of the same event id is
// currently being processed. The handler surfaces it as a retry-later signal
// rather than running the event twice.
var ErrEventInFlight = errors.New("billing: webhook event already in flight")

// webhookProcessingTTL bounds how long a processing claim is honored. A claim
// older than this belongs to an attempt that crashed before finalizing, so a
// redelivery may take it over instead of conflicting forever.
const webhookProcessingTTL = 5 * time.Minute

// Guard enforces effectively-once processing per provider event id on top of
// at-least-once webhook delivery. The check is a conditional insert against
// the durable store, not a read-then-write, so two near-simultaneous
// deliveries of the same event cannot both win.
type Guard struct {
	store  store.WebhookEventStore
	logger *zap.Logger
}

// NewGuard creates an idempotency guard backed by the webhook event store.
func NewGuard(s store.WebhookEventStore, logger *zap.Logger) *Guard {
	return &Guard{store: s, logger: logger}
}

// Begin claims the event id for processing. It returns true when the caller
// owns this delivery, false with a nil error when the event was already
// completed (duplicate delivery, ack as a no-op), and ErrEventInFlight when
// a concurrent delivery holds the claim.
func (g *Guard) Begin(ctx context.Context, eventID, eventType string) (bool, error) {
	inserted, existing, err := g.store.InsertWebhookEvent(ctx, eventID, eventType)
	if err != nil {
		return false, err
	}
	if inserted {
		return true, nil
	}

	switch existing.Status {
	case models.ProcessingCompleted:
		g.logger.Info("duplicate webhook delivery short-circuited",
			zap.String("event_id", eventID),
			zap.String("event_type", eventType),
		)
		return false, nil

	case models.ProcessingError:
		// A previous attempt failed; exactly one redelivery may reclaim it.
		reclaimed, err := g.store.ReclaimWebhookEvent(ctx, eventID, time.Now().Add(-webhookProcessingTTL))
		if err != nil {
			return false, err
		}
		if reclaimed {
			g.logger.Info("reclaimed errored webhook event for retry",
				zap.String("event_id", eventID),
			)
			return true, nil
		}
		return false, ErrEventInFlight

	default: // processing
		if time.Since(existing.ReceivedAt) < webhookProcessingTTL {
			return false, ErrEventInFlight
		}
		// The claim outlived the processing TTL: the attempt that held it
		// crashed before finalizing. Exactly one redelivery takes it over.
		reclaimed, err := g.store.ReclaimWebhookEvent(ctx, eventID, time.Now().Add(-webhookProcessingTTL))
		if err != nil {
			return false, err
		}
		if reclaimed {
			g.logger.Warn("reclaimed stale webhook claim from crashed attempt",
				zap.String("event_id", eventID),
				zap.Time("claimed_at", existing.ReceivedAt),
			)
			return true, nil
		}
		return false, ErrEventInFlight
	}
}

// Complete marks the claimed event as processed. Failures here are logged,
// not returned: the business effect already happened, and a lost completion
// mark only costs one redundant no-op on the next delivery. The write runs
// detached from the request context so a timed-out or disconnected request
// cannot leave the claim stuck in processing.
func (g *Guard) Complete(ctx context.Context, eventID, result string) {
	if err := g.store.CompleteWebhookEvent(context.WithoutCancel(ctx), eventID, result); err != nil {
		g.logger.Error("failed to mark webhook event completed",
			zap.Error(err),
			zap.String("event_id", eventID),
		)
	}
}

// Fail marks the claimed event as errored so a future redelivery can
// re-attempt it. Like Complete, the write runs detached from the request
// context; dispatch often fails precisely because that context is gone.
func (g *Guard) Fail(ctx context.Context, eventID, result string) {
	if err := g.store.FailWebhookEvent(context.WithoutCancel(ctx), eventID, result); err != nil {
		g.logger.Error("failed to mark webhook event errored",
			zap.Error(err),
			zap.String("event_id", eventID),
		)
	}
}
