// Package qbill computes and persists post-hoc usage/credit accounting
// for terminal runs: wall-clock conversation pricing tiered by reasoning
// mode, plus per-tool and per-data-provider costs extracted from the
// transcript's usage annotations.
package qbill

import (
	"math"
	"time"

	"github.com/quatton/qagent/pkg/qrun"
)

// Pricing holds the credit rate tables. Rates are credits, not currency.
type Pricing struct {
	// PerMinuteByTier is the conversation rate per billed minute, keyed
	// by reasoning tier.
	PerMinuteByTier map[string]float64

	// ToolRates is the per-unit rate by tool name; tools not listed
	// bill at DefaultToolRate.
	ToolRates       map[string]float64
	DefaultToolRate float64

	// ProviderRates is the per-unit rate by external data provider;
	// providers not listed bill at DefaultProviderRate.
	ProviderRates       map[string]float64
	DefaultProviderRate float64
}

// DefaultPricing returns the standard rate card.
func DefaultPricing() Pricing {
	return Pricing{
		PerMinuteByTier: map[string]float64{
			qrun.TierNone:   1.0,
			qrun.TierLow:    2.0,
			qrun.TierMedium: 4.0,
			qrun.TierHigh:   8.0,
		},
		ToolRates: map[string]float64{
			"web_search":     0.5,
			"send_email":     1.0,
			"generate_pdf":   2.0,
			"create_podcast": 5.0,
			"create_avatar":  5.0,
			"meeting_bot":    3.0,
		},
		DefaultToolRate: 0.5,
		ProviderRates: map[string]float64{
			"linkedin": 2.0,
			"zillow":   1.5,
			"yahoo":    1.0,
		},
		DefaultProviderRate: 1.0,
	}
}

// BilledMinutes converts elapsed wall-clock time into billed minutes:
// rounded up, minimum one.
func BilledMinutes(start, end time.Time) int {
	elapsed := end.Sub(start)
	if elapsed <= 0 {
		return 1
	}
	minutes := int(math.Ceil(elapsed.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

func (p Pricing) minuteRate(tier string) float64 {
	if rate, ok := p.PerMinuteByTier[tier]; ok {
		return rate
	}
	// Unknown tiers bill at the base rate rather than free.
	return p.PerMinuteByTier[qrun.TierNone]
}

func (p Pricing) toolRate(tool string) float64 {
	if rate, ok := p.ToolRates[tool]; ok {
		return rate
	}
	return p.DefaultToolRate
}

func (p Pricing) providerRate(provider string) float64 {
	if rate, ok := p.ProviderRates[provider]; ok {
		return rate
	}
	return p.DefaultProviderRate
}
