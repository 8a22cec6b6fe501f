package backtest

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Side is the execution side of a fill, derived from the position change:
// entering a long or covering a short buys; entering a short or closing a
// long sells.
type Side int

const (
	Buy Side = iota
	Sell
)

// FeeModel maps an intended trade to its realized execution price and cost.
type FeeModel interface {
	// FillPrice adjusts the reference price for slippage. Buys fill above
	// the reference, sells below.
	FillPrice(price decimal.Decimal, side Side) decimal.Decimal

	// Fee returns the commission charged on a fill of the given notional.
	Fee(notional decimal.Decimal) decimal.Decimal
}

// FixedRateModel charges a proportional fee and a proportional slippage on
// every fill.
type FixedRateModel struct {
	feeRate      decimal.Decimal
	slippageRate decimal.Decimal
}

// NewFixedRateModel builds a fee model from fractional rates, e.g. 0.001 for
// 10 basis points.
func NewFixedRateModel(feeRate, slippageRate float64) (*FixedRateModel, error) {
	if feeRate < 0 || slippageRate < 0 {
		return nil, fmt.Errorf("fee and slippage rates must be non-negative, got %v and %v", feeRate, slippageRate)
	}
	return &FixedRateModel{
		feeRate:      decimal.NewFromFloat(feeRate),
		slippageRate: decimal.NewFromFloat(slippageRate),
	}, nil
}

func (m *FixedRateModel) FillPrice(price decimal.Decimal, side Side) decimal.Decimal {
	adj := price.Mul(m.slippageRate)
	if side == Buy {
		return price.Add(adj)
	}
	return price.Sub(adj)
}

func (m *FixedRateModel) Fee(notional decimal.Decimal) decimal.Decimal {
	return notional.Abs().Mul(m.feeRate)
}
