package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook pipeline
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Stripe webhook deliveries by event type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	// Metering pipeline
	UsageEventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_events_emitted_total",
			Help: "Usage events successfully recorded, by meter kind",
		},
		[]string{"meter"},
	)

	UsageEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usage_events_dropped_total",
			Help: "Usage events lost because the metering store was unavailable",
		},
	)

	// Aggregation and billing sync
	AggregateRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_aggregate_runs_total",
			Help: "Tenant-day aggregation passes by outcome",
		},
		[]string{"outcome"},
	)

	BillingSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_sync_total",
			Help: "Billing provider sync attempts by outcome",
		},
		[]string{"outcome"},
	)

	TenantDailyCost = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenant_daily_cost_usd",
			Help: "Estimated cost of the most recently aggregated day per tenant in USD",
		},
		[]string{"tenant_id"},
	)

	TenantDailyTokens = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenant_daily_tokens",
			Help: "Token usage of the most recently aggregated day per tenant",
		},
		[]string{"tenant_id", "direction"},
	)
)

// ObserveWebhook records one webhook delivery outcome.
func ObserveWebhook(eventType, outcome string) {
	WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// ObserveAggregate records one tenant-day aggregation outcome and updates the
// per-tenant usage gauges.
func ObserveAggregate(tenantID string, costMicrodollars, tokensIn, tokensOut int64, outcome string) {
	AggregateRunsTotal.WithLabelValues(outcome).Inc()
	TenantDailyCost.WithLabelValues(tenantID).Set(float64(costMicrodollars) / 1e6)
	TenantDailyTokens.WithLabelValues(tenantID, "in").Set(float64(tokensIn))
	TenantDailyTokens.WithLabelValues(tenantID, "out").Set(float64(tokensOut))
}
