package booking

import (
	"fmt"
)

// PricingConfig holds the fee split in basis points of the base price.
// The provider receives whatever the two fees leave over. Passed in
// explicitly so tests and deployments can tune it without hidden state.
type PricingConfig struct {
	PlatformFeeBps int64
	PropertyFeeBps int64
}

// Pricing is the immutable quote computed at booking creation. The three
// split fields always sum exactly to QuoteAmount.
type Pricing struct {
	QuoteAmount    int64 `json:"quote_amount"`
	PlatformFee    int64 `json:"platform_fee"`
	ProviderPayout int64 `json:"provider_payout"`
	PropertyPayout int64 `json:"property_payout"`
}

// ComputePricing derives the quote and fee split from a base price in
// minor units. Payout shares are floored; the platform fee takes the
// division remainder so the split reconciles to the input exactly, with
// no rounding leakage.
func (c PricingConfig) ComputePricing(basePrice int64) (Pricing, error) {
	if basePrice < 0 {
		return Pricing{}, fmt.Errorf("%w: base price %d", ErrInvalidAmount, basePrice)
	}
	if c.PlatformFeeBps < 0 || c.PropertyFeeBps < 0 {
		return Pricing{}, fmt.Errorf("%w: negative fee basis points", ErrInvalidAmount)
	}
	if c.PlatformFeeBps+c.PropertyFeeBps > 10000 {
		return Pricing{}, fmt.Errorf("%w: fee basis points exceed 10000", ErrInvalidAmount)
	}

	providerBps := 10000 - c.PlatformFeeBps - c.PropertyFeeBps

	propertyPayout := basePrice * c.PropertyFeeBps / 10000
	providerPayout := basePrice * providerBps / 10000
	platformFee := basePrice - providerPayout - propertyPayout

	return Pricing{
		QuoteAmount:    basePrice,
		PlatformFee:    platformFee,
		ProviderPayout: providerPayout,
		PropertyPayout: propertyPayout,
	}, nil
}
