package trading

import (
	"testing"

	"github.com/ksred/pocketmoney-api/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyCostBasisBuy(t *testing.T) {
	t.Run("no existing holding", func(t *testing.T) {
		res, err := ApplyCostBasis(types.SideBuy, nil, 10, dec("50"))
		require.NoError(t, err)
		assert.Equal(t, int64(10), res.NewQuantity)
		assert.True(t, res.NewAverageCost.Equal(dec("50")), "average equals price exactly")
		assert.False(t, res.Delete)
		assert.True(t, res.RealizedGain.IsZero())
	})

	t.Run("weighted average", func(t *testing.T) {
		res, err := ApplyCostBasis(types.SideBuy, &Position{Quantity: 10, AverageCost: dec("50")}, 5, dec("60"))
		require.NoError(t, err)
		assert.Equal(t, int64(15), res.NewQuantity)
		assert.Equal(t, "53.33", res.NewAverageCost.StringFixed(2))
		assert.Equal(t, int64(5333), types.ToCents(res.NewAverageCost))
	})

	t.Run("rounding only at persistence", func(t *testing.T) {
		// 1 @ 0.01 plus 2 @ 0.02 averages 0.016666..., persisted as 0.02
		res, err := ApplyCostBasis(types.SideBuy, &Position{Quantity: 1, AverageCost: dec("0.01")}, 2, dec("0.02"))
		require.NoError(t, err)
		assert.True(t, res.NewAverageCost.GreaterThan(dec("0.0166")))
		assert.True(t, res.NewAverageCost.LessThan(dec("0.0167")))
		assert.Equal(t, int64(2), types.ToCents(res.NewAverageCost))
	})
}

func TestApplyCostBasisSell(t *testing.T) {
	pos := &Position{Quantity: 15, AverageCost: dec("53.33")}

	res, err := ApplyCostBasis(types.SideSell, pos, 5, dec("70"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.NewQuantity)
	assert.True(t, res.NewAverageCost.Equal(dec("53.33")), "sell never moves average cost")
	assert.Equal(t, "83.35", res.RealizedGain.StringFixed(2))
	assert.False(t, res.Delete)

	res, err = ApplyCostBasis(types.SideSell, pos, 15, dec("40"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.NewQuantity)
	assert.True(t, res.Delete)
	assert.Equal(t, "-199.95", res.RealizedGain.StringFixed(2))
}

func TestApplyCostBasisRejects(t *testing.T) {
	_, err := ApplyCostBasis(types.SideSell, nil, 1, dec("10"))
	assert.ErrorIs(t, err, ErrInsufficientShares)

	_, err = ApplyCostBasis(types.SideSell, &Position{Quantity: 2, AverageCost: dec("1")}, 3, dec("10"))
	assert.ErrorIs(t, err, ErrInsufficientShares)

	_, err = ApplyCostBasis(types.SideBuy, nil, 0, dec("10"))
	assert.ErrorIs(t, err, ErrInvalidTrade)

	_, err = ApplyCostBasis(types.SideBuy, nil, 1, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidTrade)

	_, err = ApplyCostBasis("HOLD", nil, 1, dec("10"))
	assert.Error(t, err)
}
