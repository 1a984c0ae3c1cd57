package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/diatonic-ai/nexus-metering/pkg/models"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/usagerecord"
	"go.uber.org/zap"
)

// UsageSyncer transmits a tenant-day rollup to the billing provider.
type UsageSyncer interface {
	SyncDaily(ctx context.Context, tenant models.TenantConfig, agg models.UsageDailyAggregate) error
}

// StripeSyncer reports metered usage through Stripe usage records. Records
// are written with action "set" and the day's start as timestamp, so the
// natural key (subscription item, timestamp) makes re-syncing the same
// tenant-day an idempotent overwrite rather than a double charge.
type StripeSyncer struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewStripeSyncer configures the Stripe client with the API key resolved
// from the secret source. timeout bounds each usage record call; zero or
// negative falls back to 30s.
func NewStripeSyncer(apiKey string, timeout time.Duration, logger *zap.Logger) *StripeSyncer {
	stripe.Key = apiKey
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StripeSyncer{timeout: timeout, logger: logger}
}

// SyncDaily pushes the billable token total for one tenant-day.
func (s *StripeSyncer) SyncDaily(ctx context.Context, tenant models.TenantConfig, agg models.UsageDailyAggregate) error {
	if tenant.SubscriptionItemID == "" {
		return fmt.Errorf("tenant %s has no subscription item", tenant.TenantID)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	quantity := agg.TokensIn + agg.TokensOut

	_, err := usagerecord.New(&stripe.UsageRecordParams{
		Params:           stripe.Params{Context: ctx},
		SubscriptionItem: stripe.String(tenant.SubscriptionItemID),
		Quantity:         stripe.Int64(quantity),
		Timestamp:        stripe.Int64(models.Day(agg.Day).Unix()),
		Action:           stripe.String(string(stripe.UsageRecordActionSet)),
	})
	if err != nil {
		return fmt.Errorf("failed to create usage record: %w", err)
	}

	s.logger.Debug("synced usage record",
		zap.String("tenant_id", tenant.TenantID),
		zap.Time("day", agg.Day),
		zap.Int64("quantity", quantity),
	)
	return nil
}
