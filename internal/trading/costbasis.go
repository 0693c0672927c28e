package trading

import (
	"errors"
	"fmt"

	"github.com/ksred/pocketmoney-api/internal/types"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrInvalidTrade       = errors.New("quantity and price must be positive")
)

// Position is the part of a holding the cost-basis math needs.
type Position struct {
	Quantity    int64
	AverageCost decimal.Decimal
}

// BasisResult is the position after a trade. Values are unrounded.
type BasisResult struct {
	NewQuantity    int64
	NewAverageCost decimal.Decimal
	RealizedGain   decimal.Decimal
	Delete         bool
}

// ApplyCostBasis computes the position that results from trading quantity
// shares at price against existing, which may be nil.
//
// A buy moves the weighted average cost; a sell never does and instead
// realises (price - averageCost) * quantity.
func ApplyCostBasis(side types.Side, existing *Position, quantity int64, price decimal.Decimal) (BasisResult, error) {
	if quantity <= 0 || !price.IsPositive() {
		return BasisResult{}, ErrInvalidTrade
	}
	qty := decimal.NewFromInt(quantity)

	switch side {
	case types.SideBuy:
		if existing == nil || existing.Quantity == 0 {
			return BasisResult{NewQuantity: quantity, NewAverageCost: price}, nil
		}
		q0 := decimal.NewFromInt(existing.Quantity)
		total := q0.Mul(existing.AverageCost).Add(qty.Mul(price))
		newQty := existing.Quantity + quantity
		return BasisResult{
			NewQuantity:    newQty,
			NewAverageCost: total.Div(decimal.NewFromInt(newQty)),
		}, nil

	case types.SideSell:
		if existing == nil || existing.Quantity < quantity {
			return BasisResult{}, ErrInsufficientShares
		}
		newQty := existing.Quantity - quantity
		return BasisResult{
			NewQuantity:    newQty,
			NewAverageCost: existing.AverageCost,
			RealizedGain:   price.Sub(existing.AverageCost).Mul(qty),
			Delete:         newQty == 0,
		}, nil
	}

	return BasisResult{}, fmt.Errorf("unknown side %q", side)
}

func positionOf(h *types.Holding) *Position {
	if h == nil {
		return nil
	}
	return &Position{Quantity: h.Quantity, AverageCost: h.AverageCost()}
}
