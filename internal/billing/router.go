package billing

import (
	"context"

	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

// EventHandler processes one verified, deduplicated provider event.
type EventHandler func(ctx context.Context, event stripe.Event) error

// Router dispatches verified webhook events to domain handlers by event
// type. Event types without a registered handler are acknowledged and logged
// rather than failed: the provider adds event types over time, and an
// unhandled type must not trigger endless redelivery.
type Router struct {
	handlers map[stripe.EventType]EventHandler
	logger   *zap.Logger
}

// NewRouter creates an empty event router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[stripe.EventType]EventHandler),
		logger:   logger,
	}
}

// Register binds an event type to a handler, replacing any previous binding.
func (r *Router) Register(eventType stripe.EventType, handler EventHandler) {
	r.handlers[eventType] = handler
}

// Dispatch routes the event to its handler. Unrecognized types return nil.
func (r *Router) Dispatch(ctx context.Context, event stripe.Event) error {
	handler, ok := r.handlers[event.Type]
	if !ok {
		r.logger.Info("received unhandled webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		return nil
	}
	return handler(ctx, event)
}
