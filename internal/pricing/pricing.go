// Package pricing derives sale price, commission and profit from a cost price.
//
// The markup rule is fixed: the final price doubles the cost after the
// seller's commission is taken out, so profit always equals the cost price.
// Values are kept at full precision; Round is applied only where money
// leaves the process (persistence, API responses).
package pricing

import (
	"math"

	"github.com/shopspring/decimal"

	"vendorsales/backend/internal/domain"
)

const (
	// CommissionRate is the seller's share of every sale total.
	CommissionRate = 0.30

	markup   = 2.0
	netShare = 1 - CommissionRate
)

// Calculate returns the quote for costPrice. The boolean is false when the
// cost is not a finite positive number; callers must treat that as pricing
// unavailable, never as a zero price.
func Calculate(costPrice float64) (domain.PriceQuote, bool) {
	if math.IsNaN(costPrice) || math.IsInf(costPrice, 0) || costPrice <= 0 {
		return domain.PriceQuote{}, false
	}

	finalPrice := costPrice * markup / netShare
	commission := Commission(finalPrice)
	return domain.PriceQuote{
		CostPrice:  costPrice,
		FinalPrice: finalPrice,
		Commission: commission,
		Profit:     finalPrice - costPrice - commission,
	}, true
}

// Commission is the signed commission owed on total.
func Commission(total float64) float64 {
	return total * CommissionRate
}

// Round rounds v to cents, half away from zero.
func Round(v float64) float64 {
	return RoundDecimal(v).InexactFloat64()
}

// RoundDecimal rounds v to cents and returns it as a decimal.
func RoundDecimal(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}

// RoundQuote rounds every field of q for presentation.
func RoundQuote(q domain.PriceQuote) domain.PriceQuote {
	return domain.PriceQuote{
		CostPrice:  Round(q.CostPrice),
		FinalPrice: Round(q.FinalPrice),
		Commission: Round(q.Commission),
		Profit:     Round(q.Profit),
	}
}
