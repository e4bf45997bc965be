package escrow

import (
	"fmt"
	"math"
)

// DefaultRate is the platform commission rate applied when no override is
// configured: 8% of the agreed price, charged independently to both parties.
const DefaultRate = 0.08

// NormalizeRate validates a commission rate expressed as a decimal fraction
// (0.08 = 8%) and returns it unchanged. Zero is permitted so the platform can
// waive commission; rates at or above 1 would exceed the price itself.
func NormalizeRate(rate float64) (float64, error) {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0, fmt.Errorf("%w: not a number", ErrInvalidRate)
	}
	if rate < 0 || rate >= 1 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRate, rate)
	}
	return rate, nil
}

// CommissionAmount computes the platform fee for the supplied price and rate,
// rounded to the currency minor unit (two decimals, half away from zero).
// The rounded figure is what the external payment provider collects, so the
// stored amount must match it exactly.
func CommissionAmount(price, rate float64) float64 {
	return math.Round(price*rate*100) / 100
}
