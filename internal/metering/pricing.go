package metering

import "github.com/diatonic-ai/nexus-metering/pkg/models"

// ModelRate holds per-million-token prices for one model, in microdollars.
type ModelRate struct {
	InputPerMillion  int64
	OutputPerMillion int64
}

// PriceTable estimates the cost of a usage event at emission time. Estimates
// feed the daily cost rollup; invoicing itself happens on the provider side.
type PriceTable struct {
	models map[string]ModelRate

	// Flat unit rates in microdollars for non-token meters.
	perStorageGBMonth int64
	perComputeSecond  int64

	defaultRate ModelRate
}

// NewPriceTable creates a price table with the default Nexus rate card.
func NewPriceTable() *PriceTable {
	t := &PriceTable{
		models:            make(map[string]ModelRate),
		perStorageGBMonth: 23_000,  // $0.023 per GB-month
		perComputeSecond:  50,      // $0.00005 per compute second
		defaultRate: ModelRate{
			InputPerMillion:  500_000,   // $0.50 per million tokens
			OutputPerMillion: 1_500_000, // $1.50 per million tokens
		},
	}

	t.AddModel("gpt-4o", ModelRate{InputPerMillion: 2_500_000, OutputPerMillion: 10_000_000})
	t.AddModel("gpt-4o-mini", ModelRate{InputPerMillion: 150_000, OutputPerMillion: 600_000})
	t.AddModel("claude-3-5-sonnet", ModelRate{InputPerMillion: 3_000_000, OutputPerMillion: 15_000_000})
	t.AddModel("claude-3-haiku", ModelRate{InputPerMillion: 250_000, OutputPerMillion: 1_250_000})
	t.AddModel("titan-text-express", ModelRate{InputPerMillion: 200_000, OutputPerMillion: 600_000})

	return t
}

// AddModel registers or overrides the rate for a model.
func (t *PriceTable) AddModel(model string, rate ModelRate) {
	t.models[model] = rate
}

// Rate returns the token rate for a model, falling back to the default.
func (t *PriceTable) Rate(model string) ModelRate {
	if rate, ok := t.models[model]; ok {
		return rate
	}
	return t.defaultRate
}

// EstimateCost returns the estimated cost of one event in microdollars.
func (t *PriceTable) EstimateCost(ev models.UsageEvent) int64 {
	switch ev.Meter {
	case models.MeterTokensIn:
		return ev.Quantity * t.Rate(ev.Model).InputPerMillion / 1_000_000
	case models.MeterTokensOut:
		return ev.Quantity * t.Rate(ev.Model).OutputPerMillion / 1_000_000
	case models.MeterStorageBytes:
		// Priced as GB held for one day.
		const gb = int64(1 << 30)
		return ev.Quantity * t.perStorageGBMonth / gb / 30
	case models.MeterComputeSeconds:
		return ev.Quantity * t.perComputeSecond
	}
	// Request counts carry no direct cost; tokens do.
	return 0
}
