package booking

import (
	"fmt"
	"time"
)

// RefundPolicy is the cancellation refund step function for
// customer-initiated cancellations. Provider-initiated cancellations
// always refund 100% regardless of notice. Thresholds are configuration,
// not baked into the algorithm.
type RefundPolicy struct {
	FullRefundHours    int // full refund at or beyond this many hours of notice
	PartialRefundHours int // partial refund at or beyond this many hours of notice
	PartialRefundPct   int // refund percentage inside the partial band
}

// DefaultRefundPolicy: >=48h full refund, >=24h half refund, inside 24h
// no refund.
func DefaultRefundPolicy() RefundPolicy {
	return RefundPolicy{
		FullRefundHours:    48,
		PartialRefundHours: 24,
		PartialRefundPct:   50,
	}
}

// RefundBreakdown is the computed refund plus the rationale returned to
// the caller.
type RefundBreakdown struct {
	Amount          int64   `json:"amount"`
	Percentage      int     `json:"percentage"`
	HoursUntilStart float64 `json:"hours_until_start"`
	Rationale       string  `json:"rationale"`
}

// ComputeRefund determines the refund for a cancellation by the given
// role at the given moment. Deterministic; floor division on partial
// amounts so a refund never exceeds its percentage of the quote.
func (p RefundPolicy) ComputeRefund(quoteAmount int64, scheduledStart, now time.Time, role Role) RefundBreakdown {
	hours := scheduledStart.Sub(now).Hours()

	if role == RoleProvider {
		return RefundBreakdown{
			Amount:          quoteAmount,
			Percentage:      100,
			HoursUntilStart: hours,
			Rationale:       "provider cancelled: full refund regardless of notice",
		}
	}

	switch {
	case hours >= float64(p.FullRefundHours):
		return RefundBreakdown{
			Amount:          quoteAmount,
			Percentage:      100,
			HoursUntilStart: hours,
			Rationale:       fmt.Sprintf("cancelled with at least %dh notice: full refund", p.FullRefundHours),
		}
	case hours >= float64(p.PartialRefundHours):
		return RefundBreakdown{
			Amount:          quoteAmount * int64(p.PartialRefundPct) / 100,
			Percentage:      p.PartialRefundPct,
			HoursUntilStart: hours,
			Rationale: fmt.Sprintf("cancelled with at least %dh notice: %d%% refund",
				p.PartialRefundHours, p.PartialRefundPct),
		}
	default:
		return RefundBreakdown{
			Amount:          0,
			Percentage:      0,
			HoursUntilStart: hours,
			Rationale:       fmt.Sprintf("cancelled with less than %dh notice: no refund", p.PartialRefundHours),
		}
	}
}
