package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBus_PublishAndWait(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	bus := NewBus(logger)

	var calls int32
	bus.Subscribe(EventPaymentFailed, func(ctx context.Context, event Event) error {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "tenant-a", event.TenantID)
		return nil
	})
	bus.Subscribe(EventPaymentFailed, func(ctx context.Context, event Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	err := bus.PublishAndWait(context.Background(), NewEvent(EventPaymentFailed, "tenant-a", map[string]interface{}{
		"invoice_id": "in_123",
	}))
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestBus_PublishAndWait_ReturnsHandlerError(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	bus := NewBus(logger)

	handlerErr := errors.New("smtp unavailable")
	bus.Subscribe(EventUsageSyncFailed, func(ctx context.Context, event Event) error {
		return handlerErr
	})

	err := bus.PublishAndWait(context.Background(), NewEvent(EventUsageSyncFailed, "tenant-a", nil))
	assert.ErrorIs(t, err, handlerErr)
}

func TestBus_Publish_NeverBlocksPublisher(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	bus := NewBus(logger)

	done := make(chan struct{})
	bus.Subscribe(EventUsageAggregated, func(ctx context.Context, event Event) error {
		defer close(done)
		return errors.New("consumer failed")
	})

	// Errors and panics in consumers are the bus's problem, not the
	// publisher's.
	err := bus.Publish(context.Background(), NewEvent(EventUsageAggregated, "tenant-a", nil))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestBus_Publish_NoHandlersIsNoOp(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	bus := NewBus(logger)

	assert.NoError(t, bus.Publish(context.Background(), NewEvent(EventTenantCreated, "tenant-a", nil)))
}

func TestBus_Unsubscribe(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	bus := NewBus(logger)

	var calls int32
	bus.Subscribe(EventTenantUpdated, func(ctx context.Context, event Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	bus.Unsubscribe(EventTenantUpdated)

	require.NoError(t, bus.PublishAndWait(context.Background(), NewEvent(EventTenantUpdated, "tenant-a", nil)))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
