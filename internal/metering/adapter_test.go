package metering

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/diatonic-ai/nexus-metering/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAdapterFixture(call CompletionFunc) (ProviderAdapter, *fakeWriter) {
	logger, _ := zap.NewDevelopment()
	writer := &fakeWriter{}
	emitter := NewEmitter(writer, NewPriceTable(), logger, time.Second, 90*24*time.Hour)
	return NewOpenAIAdapter(call, emitter), writer
}

func metersByKind(evs []models.UsageEvent) map[models.MeterKind]int64 {
	out := make(map[models.MeterKind]int64)
	for _, ev := range evs {
		out[ev.Meter] += ev.Quantity
	}
	return out
}

func TestAdapter_Invoke_EmitsRequestAndTokenMeters(t *testing.T) {
	adapter, writer := newAdapterFixture(func(ctx context.Context, inv Invocation) (Result, error) {
		return Result{Output: "hi", TokensIn: 12, TokensOut: 34}, nil
	})

	result, err := adapter.Invoke(context.Background(), Invocation{
		TenantID: "tenant-a",
		UserID:   "user-1",
		Model:    "gpt-4o",
		Input:    "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", result.Output)

	evs := writer.all()
	require.Len(t, evs, 3)

	meters := metersByKind(evs)
	assert.Equal(t, int64(1), meters[models.MeterRequests])
	assert.Equal(t, int64(12), meters[models.MeterTokensIn])
	assert.Equal(t, int64(34), meters[models.MeterTokensOut])

	// All samples from one invocation share a request id and timestamp.
	for _, ev := range evs {
		assert.Equal(t, evs[0].RequestID, ev.RequestID)
		assert.Equal(t, evs[0].Timestamp, ev.Timestamp)
		assert.Equal(t, "openai", ev.Provider)
		assert.Equal(t, "gpt-4o", ev.Model)
	}
}

func TestAdapter_Invoke_MetersFailedCalls(t *testing.T) {
	callErr := errors.New("upstream 500")
	adapter, writer := newAdapterFixture(func(ctx context.Context, inv Invocation) (Result, error) {
		return Result{}, callErr
	})

	_, err := adapter.Invoke(context.Background(), Invocation{
		TenantID: "tenant-a",
		Model:    "gpt-4o",
	})
	assert.ErrorIs(t, err, callErr)

	// The request itself is still metered; token meters are not.
	evs := writer.all()
	require.Len(t, evs, 1)
	assert.Equal(t, models.MeterRequests, evs[0].Meter)
	assert.Equal(t, int64(1), evs[0].Quantity)
}

func TestAdapter_Invoke_GeneratesRequestID(t *testing.T) {
	adapter, writer := newAdapterFixture(func(ctx context.Context, inv Invocation) (Result, error) {
		assert.NotEmpty(t, inv.RequestID, "call sees the generated request id")
		return Result{}, nil
	})

	_, err := adapter.Invoke(context.Background(), Invocation{TenantID: "tenant-a"})
	require.NoError(t, err)

	evs := writer.all()
	require.Len(t, evs, 1)
	assert.NotEmpty(t, evs[0].RequestID)
}

func TestAdapter_Invoke_KeepsCallerRequestID(t *testing.T) {
	adapter, writer := newAdapterFixture(func(ctx context.Context, inv Invocation) (Result, error) {
		return Result{}, nil
	})

	_, err := adapter.Invoke(context.Background(), Invocation{
		TenantID:  "tenant-a",
		RequestID: "req-fixed",
	})
	require.NoError(t, err)

	evs := writer.all()
	require.Len(t, evs, 1)
	assert.Equal(t, "req-fixed", evs[0].RequestID)
}

func TestAdapter_Names(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	emitter := NewEmitter(&fakeWriter{}, nil, logger, time.Second, time.Hour)
	noop := func(ctx context.Context, inv Invocation) (Result, error) { return Result{}, nil }

	assert.Equal(t, "openai", NewOpenAIAdapter(noop, emitter).Name())
	assert.Equal(t, "bedrock", NewBedrockAdapter(noop, emitter).Name())
}
