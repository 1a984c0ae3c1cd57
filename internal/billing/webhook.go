// Package billing contains the provider-facing half of the metering plane:
// webhook ingestion with signature verification, idempotent event processing,
// and the daily aggregation/billing-sync batch layer.
package billing

import (
	"errors"
	"io"
	"net/http"

	"github.com/diatonic-ai/nexus-metering/pkg/metrics"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

// maxWebhookBody caps the request body we are willing to read. Stripe events
// are small; anything larger is not one.
const maxWebhookBody = 1 << 20

// WebhookHandler is the inbound webhook endpoint. It verifies the provider
// signature over the raw body bytes, claims the event id through the
// idempotency guard, and dispatches to the event router.
//
// Response codes:
//   - 200: processed, duplicate short-circuited, or unhandled type acked
//   - 400: signature verification failed or unreadable body; never retried
//     into a state mutation
//   - 409: another delivery of the same event id is in flight; the provider
//     retries later
//   - 500: downstream processing failed; the provider's retry mechanism
//     redelivers and the guard allows exactly one re-attempt
type WebhookHandler struct {
	signingSecret string
	guard         *Guard
	router        *Router
	logger        *zap.Logger
}

// NewWebhookHandler creates the webhook endpoint. The signing secret comes
// from the secret source at wiring time, never from code.
func NewWebhookHandler(signingSecret string, guard *Guard, router *Router, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		signingSecret: signingSecret,
		guard:         guard,
		router:        router,
		logger:        logger,
	}
}

// HandleWebhook processes one webhook delivery.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	// Verification runs against the exact bytes the provider signed. The
	// payload must not be parsed or re-serialized before this point.
	signature := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(body, signature, h.signingSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		metrics.ObserveWebhook("unknown", "invalid_signature")
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	proceed, err := h.guard.Begin(ctx, event.ID, string(event.Type))
	if err != nil {
		if errors.Is(err, ErrEventInFlight) {
			metrics.ObserveWebhook(string(event.Type), "in_flight")
			http.Error(w, "event in flight", http.StatusConflict)
			return
		}
		h.logger.Error("failed to claim webhook event",
			zap.Error(err),
			zap.String("event_id", event.ID),
		)
		http.Error(w, "failed to claim event", http.StatusInternalServerError)
		return
	}
	if !proceed {
		// Duplicate delivery of a completed event: success, no effect.
		metrics.ObserveWebhook(string(event.Type), "duplicate")
		w.WriteHeader(http.StatusOK)
		return
	}

	h.logger.Info("processing webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	)

	if err := h.router.Dispatch(ctx, event); err != nil {
		h.guard.Fail(ctx, event.ID, err.Error())
		metrics.ObserveWebhook(string(event.Type), "error")
		h.logger.Error("webhook event processing failed",
			zap.Error(err),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		http.Error(w, "event processing failed", http.StatusInternalServerError)
		return
	}

	h.guard.Complete(ctx, event.ID, "ok")
	metrics.ObserveWebhook(string(event.Type), "processed")
	w.WriteHeader(http.StatusOK)
}
