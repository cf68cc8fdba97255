package pricing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateKeepsProfitEqualToCost(t *testing.T) {
	costs := []float64{0.01, 0.5, 1, 3.33, 19.99, 100, 250.75, 1234.56, 99999.99}

	for _, cost := range costs {
		q, ok := Calculate(cost)
		require.True(t, ok, "cost %v", cost)

		assert.InDelta(t, cost, q.Profit, 1e-9, "profit for cost %v", cost)
		assert.InDelta(t, 0.30*q.FinalPrice, q.Commission, 1e-9, "commission for cost %v", cost)
		assert.InDelta(t, 2*cost/0.70, q.FinalPrice, 1e-9, "final price for cost %v", cost)
	}
}

func TestCalculateHundredRoundsAtBoundary(t *testing.T) {
	q, ok := Calculate(100)
	require.True(t, ok)

	rounded := RoundQuote(q)
	assert.Equal(t, 285.71, rounded.FinalPrice)
	assert.Equal(t, 85.71, rounded.Commission)
	assert.Equal(t, 100.00, rounded.Profit)
	assert.Equal(t, 100.00, rounded.CostPrice)
}

func TestCalculateRejectsInvalidCost(t *testing.T) {
	for _, cost := range []float64{0, -1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		q, ok := Calculate(cost)
		assert.False(t, ok, "cost %v", cost)
		assert.Zero(t, q)
	}
}

func TestRoundIsSymmetric(t *testing.T) {
	assert.Equal(t, 85.71, Round(85.714285))
	assert.Equal(t, -85.71, Round(-85.714285))
	assert.Equal(t, 0.0, Round(85.714285)+Round(-85.714285))
}

func TestCommissionIsSigned(t *testing.T) {
	assert.InDelta(t, 30.0, Commission(100), 1e-12)
	assert.InDelta(t, -30.0, Commission(-100), 1e-12)
}
