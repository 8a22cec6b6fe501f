package strategy

import (
	"fmt"
	"math"

	"tradefleet/internal/models"

	"github.com/shopspring/decimal"
)

// Bollinger is a mean-reversion strategy on Bollinger %B: it goes long when
// price sinks below the long threshold (oversold) and short when it rises
// above the short threshold (overbought). Between the thresholds it holds
// whatever side it is already on.
type Bollinger struct {
	length         int
	stdDev         float64
	longThreshold  float64
	shortThreshold float64
	sizeFraction   decimal.Decimal
}

// NewBollinger builds a Bollinger strategy. Recognized parameters:
// bb_length (default 20), bb_std (2.0), bb_long_threshold (0.0),
// bb_short_threshold (1.0), size_fraction (1.0).
func NewBollinger(params map[string]float64) (Strategy, error) {
	b := &Bollinger{
		length:         int(paramOr(params, "bb_length", 20)),
		stdDev:         paramOr(params, "bb_std", 2.0),
		longThreshold:  paramOr(params, "bb_long_threshold", 0.0),
		shortThreshold: paramOr(params, "bb_short_threshold", 1.0),
		sizeFraction:   decimal.NewFromFloat(paramOr(params, "size_fraction", 1.0)),
	}
	if b.length < 2 {
		return nil, fmt.Errorf("bb_length must be at least 2, got %d", b.length)
	}
	if b.stdDev <= 0 {
		return nil, fmt.Errorf("bb_std must be positive, got %v", b.stdDev)
	}
	if b.longThreshold >= b.shortThreshold {
		return nil, fmt.Errorf("bb_long_threshold (%v) must be below bb_short_threshold (%v)", b.longThreshold, b.shortThreshold)
	}
	return b, nil
}

func (b *Bollinger) Name() string    { return "bollinger" }
func (b *Bollinger) Version() string { return "1" }
func (b *Bollinger) WarmUp() int     { return b.length }

func (b *Bollinger) ComputeSignal(window []models.Candle, state *State) (models.TradeSignal, error) {
	if len(window) < b.length {
		return models.TradeSignal{}, fmt.Errorf("window has %d candles, need %d", len(window), b.length)
	}

	last := window[len(window)-1]
	tail := window[len(window)-b.length:]

	mean, std := meanStd(tail)
	upper := mean + b.stdDev*std
	lower := mean - b.stdDev*std

	// %B of the latest close. With zero band width the close sits exactly
	// on the mean; treat it as mid-band (hold).
	percentB := 0.5
	if band := upper - lower; band > 0 {
		closeF, _ := last.Close.Float64()
		percentB = (closeF - lower) / band
	}
	state.SetValue("percent_b", percentB)

	direction := state.Direction
	switch {
	case percentB < b.longThreshold:
		direction = models.Long
	case percentB > b.shortThreshold:
		direction = models.Short
	}
	state.Direction = direction

	return models.TradeSignal{
		Timestamp:    last.OpenTime,
		Direction:    direction,
		SizeFraction: b.sizeFraction,
	}, nil
}

func meanStd(candles []models.Candle) (mean, std float64) {
	n := float64(len(candles))
	for _, c := range candles {
		f, _ := c.Close.Float64()
		mean += f
	}
	mean /= n

	var variance float64
	for _, c := range candles {
		f, _ := c.Close.Float64()
		d := f - mean
		variance += d * d
	}
	variance /= n
	return mean, math.Sqrt(variance)
}
