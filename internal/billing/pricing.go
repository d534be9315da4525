package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// StaticPricer serves per-model prices from a fixed table. The real catalog
// lives upstream; the orchestration layer only needs the amount to reserve.
type StaticPricer struct {
	prices map[string]decimal.Decimal
}

func NewStaticPricer(prices map[string]decimal.Decimal) *StaticPricer {
	table := make(map[string]decimal.Decimal, len(prices))
	for model, price := range prices {
		table[model] = price
	}
	return &StaticPricer{prices: table}
}

// Price returns the credit price of one generation with the model. Unknown
// models are an error so a misconfigured model can never run for free.
func (p *StaticPricer) Price(modelID string) (decimal.Decimal, error) {
	price, ok := p.prices[modelID]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price configured for model %q", modelID)
	}
	return price, nil
}

// Models lists the configured model ids.
func (p *StaticPricer) Models() []string {
	models := make([]string, 0, len(p.prices))
	for model := range p.prices {
		models = append(models, model)
	}
	return models
}
