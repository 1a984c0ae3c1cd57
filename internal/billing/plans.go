package billing

import "github.com/diatonic-ai/nexus-metering/pkg/models"

// Plan pairs a plan id with the limits snapshot written into TenantConfig
// when a subscription for that plan is created or updated.
type Plan struct {
	ID     string
	Name   string
	Limits models.PlanLimits
}

// Predefined plans. Zero limits mean unlimited.
var (
	PlanFree = Plan{
		ID:   "free",
		Name: "Free",
		Limits: models.PlanLimits{
			MaxRequestsPerDay: 200,
			MaxTokensPerDay:   100_000,
			MaxStorageBytes:   1 << 30, // 1 GiB
		},
	}

	PlanPro = Plan{
		ID:   "pro",
		Name: "Pro",
		Limits: models.PlanLimits{
			MaxRequestsPerDay: 10_000,
			MaxTokensPerDay:   5_000_000,
			MaxStorageBytes:   100 << 30,
		},
	}

	PlanScale = Plan{
		ID:   "scale",
		Name: "Scale",
		Limits: models.PlanLimits{
			MaxRequestsPerDay: 0,
			MaxTokensPerDay:   0,
			MaxStorageBytes:   1 << 40, // 1 TiB
		},
	}
)

// priceToPlan maps Stripe price ids to plans. New prices must be added here
// before they go live in the dashboard.
var priceToPlan = map[string]Plan{
	"price_nexus_free":  PlanFree,
	"price_nexus_pro":   PlanPro,
	"price_nexus_scale": PlanScale,
}

// PlanForPrice resolves a Stripe price id to a plan, falling back to Free
// for unknown prices so a new price never blocks subscription processing.
func PlanForPrice(priceID string) Plan {
	if plan, ok := priceToPlan[priceID]; ok {
		return plan
	}
	return PlanFree
}
