package points

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecopuntos-rewards/internal/models"
)

func TestEvaluate_AffordableCoupon(t *testing.T) {
	reward := models.Reward{ID: "r-1", Title: "Cupón 15%", Points: 500}

	quote, err := Evaluate(reward, 650)
	require.NoError(t, err)

	assert.True(t, quote.CanRedeem)
	assert.Equal(t, 0, quote.PointsNeeded)
	assert.Equal(t, 150, quote.PointsAfter)
	assert.Equal(t, 650, quote.UserPoints)
}

func TestEvaluate_Unaffordable(t *testing.T) {
	reward := models.Reward{ID: "r-1", Points: 500}

	quote, err := Evaluate(reward, 300)
	require.NoError(t, err)

	assert.False(t, quote.CanRedeem)
	assert.Equal(t, 200, quote.PointsNeeded)
	assert.Equal(t, -200, quote.PointsAfter)
}

func TestExactBalance(t *testing.T) {
	reward := models.Reward{ID: "r-1", Points: 500}

	can, err := CanRedeem(reward, 500)
	require.NoError(t, err)
	assert.True(t, can)

	needed, err := PointsNeeded(reward, 500)
	require.NoError(t, err)
	assert.Equal(t, 0, needed)

	after, err := ProjectedBalance(reward, 500)
	require.NoError(t, err)
	assert.Equal(t, 0, after)
}

func TestFreeRewardAlwaysAffordable(t *testing.T) {
	reward := models.Reward{ID: "free", Points: 0}

	for _, balance := range []int{0, 1, 42, 100000} {
		can, err := CanRedeem(reward, balance)
		require.NoError(t, err)
		assert.True(t, can, "balance %d", balance)
	}
}

func TestNegativeCostRejected(t *testing.T) {
	reward := models.Reward{ID: "bad", Points: -10}

	_, err := CanRedeem(reward, 100)
	assert.ErrorIs(t, err, ErrInvalidCost)

	_, err = PointsNeeded(reward, 100)
	assert.ErrorIs(t, err, ErrInvalidCost)

	_, err = ProjectedBalance(reward, 100)
	assert.ErrorIs(t, err, ErrInvalidCost)

	_, err = Evaluate(reward, 100)
	assert.ErrorIs(t, err, ErrInvalidCost)
}

func TestNegativeBalanceRejected(t *testing.T) {
	_, err := Evaluate(models.Reward{ID: "r", Points: 10}, -1)
	assert.ErrorIs(t, err, ErrInvalidBalance)
}

// Sweeps a grid of costs and balances and checks the relations between the
// three derived values.
func TestDerivedValueRelations(t *testing.T) {
	for cost := 0; cost <= 60; cost += 3 {
		for balance := 0; balance <= 60; balance += 4 {
			reward := models.Reward{ID: "grid", Points: cost}

			can, err := CanRedeem(reward, balance)
			require.NoError(t, err)
			needed, err := PointsNeeded(reward, balance)
			require.NoError(t, err)
			after, err := ProjectedBalance(reward, balance)
			require.NoError(t, err)

			assert.Equal(t, balance >= cost, can)
			assert.Equal(t, max(0, cost-balance), needed)
			assert.Equal(t, needed == 0, can, "cost %d balance %d", cost, balance)
			assert.Equal(t, balance-cost, after)
		}
	}
}
