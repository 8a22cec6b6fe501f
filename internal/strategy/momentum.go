package strategy

import (
	"fmt"

	"tradefleet/internal/models"

	"github.com/shopspring/decimal"
)

// Momentum goes long after a run of consecutive bullish candles
// (close > open) and exits after an equally long bearish run. Anything in
// between holds the current side.
type Momentum struct {
	run          int
	sizeFraction decimal.Decimal
}

// NewMomentum builds a momentum strategy. Recognized parameters:
// momentum_run (default 2), size_fraction (1.0).
func NewMomentum(params map[string]float64) (Strategy, error) {
	m := &Momentum{
		run:          int(paramOr(params, "momentum_run", 2)),
		sizeFraction: decimal.NewFromFloat(paramOr(params, "size_fraction", 1.0)),
	}
	if m.run < 1 {
		return nil, fmt.Errorf("momentum_run must be at least 1, got %d", m.run)
	}
	return m, nil
}

func (m *Momentum) Name() string    { return "momentum" }
func (m *Momentum) Version() string { return "1" }
func (m *Momentum) WarmUp() int     { return m.run }

func (m *Momentum) ComputeSignal(window []models.Candle, state *State) (models.TradeSignal, error) {
	if len(window) < m.run {
		return models.TradeSignal{}, fmt.Errorf("window has %d candles, need %d", len(window), m.run)
	}

	tail := window[len(window)-m.run:]
	bullish, bearish := true, true
	for _, c := range tail {
		switch c.Close.Cmp(c.Open) {
		case 1:
			bearish = false
		case -1:
			bullish = false
		default:
			bullish, bearish = false, false
		}
	}

	direction := state.Direction
	switch {
	case bullish:
		direction = models.Long
	case bearish:
		direction = models.Flat
	}
	state.Direction = direction

	return models.TradeSignal{
		Timestamp:    window[len(window)-1].OpenTime,
		Direction:    direction,
		SizeFraction: m.sizeFraction,
	}, nil
}
