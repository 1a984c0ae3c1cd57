package metering

import (
	"context"
	"time"

	"github.com/diatonic-ai/nexus-metering/pkg/models"
	"github.com/google/uuid"
)

// Invocation is one externally-metered operation routed through an adapter.
// Tenant and user ids come from the identity provider's claims and are
// trusted as given.
type Invocation struct {
	TenantID  string
	UserID    string
	Model     string
	RequestID string
	Input     string
}

// Result is what a provider call produced, including its metering quantities.
type Result struct {
	Output    string
	TokensIn  int64
	TokensOut int64
}

// CompletionFunc performs the actual provider call. Concrete clients
// (OpenAI, Bedrock) are plugged in at wiring time.
type CompletionFunc func(ctx context.Context, inv Invocation) (Result, error)

// ProviderAdapter executes a call against one upstream provider and reports
// its usage through the shared emit contract. All providers meter the same
// way; only the underlying call differs.
type ProviderAdapter interface {
	Name() string
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}

type meteredAdapter struct {
	name    string
	call    CompletionFunc
	emitter *Emitter
}

// NewOpenAIAdapter wraps an OpenAI-shaped completion call with metering.
func NewOpenAIAdapter(call CompletionFunc, emitter *Emitter) ProviderAdapter {
	return &meteredAdapter{name: "openai", call: call, emitter: emitter}
}

// NewBedrockAdapter wraps a Bedrock-shaped completion call with metering.
func NewBedrockAdapter(call CompletionFunc, emitter *Emitter) ProviderAdapter {
	return &meteredAdapter{name: "bedrock", call: call, emitter: emitter}
}

func (a *meteredAdapter) Name() string { return a.name }

// Invoke runs the provider call and emits usage afterwards. The request
// itself is metered whether or not the call succeeded; token meters are only
// emitted when the provider reported them. Metering can never fail the call.
func (a *meteredAdapter) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	if inv.RequestID == "" {
		inv.RequestID = uuid.NewString()
	}

	now := time.Now().UTC()
	result, err := a.call(ctx, inv)

	samples := []Sample{{
		TenantID:  inv.TenantID,
		UserID:    inv.UserID,
		Meter:     models.MeterRequests,
		Quantity:  1,
		Provider:  a.name,
		Model:     inv.Model,
		RequestID: inv.RequestID,
		Timestamp: now,
	}}
	if result.TokensIn > 0 {
		samples = append(samples, Sample{
			TenantID:  inv.TenantID,
			UserID:    inv.UserID,
			Meter:     models.MeterTokensIn,
			Quantity:  result.TokensIn,
			Provider:  a.name,
			Model:     inv.Model,
			RequestID: inv.RequestID,
			Timestamp: now,
		})
	}
	if result.TokensOut > 0 {
		samples = append(samples, Sample{
			TenantID:  inv.TenantID,
			UserID:    inv.UserID,
			Meter:     models.MeterTokensOut,
			Quantity:  result.TokensOut,
			Provider:  a.name,
			Model:     inv.Model,
			RequestID: inv.RequestID,
			Timestamp: now,
		})
	}
	a.emitter.EmitAll(ctx, samples)

	return result, err
}
