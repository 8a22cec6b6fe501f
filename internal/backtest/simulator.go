package backtest

import (
	"fmt"

	"tradefleet/internal/models"
	"tradefleet/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Result is everything one backtest run produces. Given identical inputs a
// run is reproducible bit-for-bit: all money arithmetic is decimal and the
// loop is single-threaded.
type Result struct {
	Ledger      []models.SimulatedTrade
	EquityCurve []models.EquityPoint
	FinalEquity decimal.Decimal

	// InsufficientData is set when the series is shorter than the
	// strategy's warm-up window. The run stays flat; this is an expected
	// condition, not an error.
	InsufficientData bool
}

// Simulator replays a candle series through a strategy in strict
// chronological order. A signal emitted at candle t is filled at candle
// t+1's open, never t's own close, so no trade can see the price that
// triggered it.
type Simulator struct {
	logger *zap.Logger
}

func NewSimulator(logger *zap.Logger) *Simulator {
	return &Simulator{logger: logger}
}

// position is the simulator's single open position.
type position struct {
	direction  models.Direction
	size       decimal.Decimal
	entryPrice decimal.Decimal
	entryTime  int // index into the candle slice
	entryFee   decimal.Decimal
}

// Run drives the strategy over the series and returns the trade ledger and
// equity curve. initialEquity is the starting cash balance.
func (s *Simulator) Run(strat strategy.Strategy, series *models.CandleSeries, fees FeeModel, initialEquity decimal.Decimal) (*Result, error) {
	candles := series.Candles
	for i := 1; i < len(candles); i++ {
		if !candles[i].OpenTime.After(candles[i-1].OpenTime) {
			return nil, fmt.Errorf("candle series for %s is not strictly ascending at index %d", series.Market, i)
		}
	}

	warmUp := strat.WarmUp()
	result := &Result{
		Ledger:      make([]models.SimulatedTrade, 0),
		EquityCurve: make([]models.EquityPoint, 0, len(candles)),
	}
	if len(candles) < warmUp {
		s.logger.Sugar().Infof("Series %s has %d candles, strategy %s needs %d to warm up; staying flat.",
			series.Market, len(candles), strat.Name(), warmUp)
		result.InsufficientData = true
	}

	state := strategy.NewState()
	cash := initialEquity // realized equity, fees already deducted
	var pos *position
	var pending *models.TradeSignal

	for i, candle := range candles {
		// A signal from the previous candle executes at this open.
		if pending != nil {
			cash, pos = s.applySignal(series.Market, *pending, candles, i, pos, cash, fees, result)
			pending = nil
		}

		// Mark-to-market against the close.
		equity := cash
		if pos != nil {
			equity = equity.Add(unrealized(pos, candle.Close))
		}
		result.EquityCurve = append(result.EquityCurve, models.EquityPoint{
			Timestamp: candle.OpenTime,
			Equity:    equity,
		})

		if i+1 < warmUp || result.InsufficientData {
			continue
		}

		signal, err := strat.ComputeSignal(candles[:i+1], state)
		if err != nil {
			return nil, fmt.Errorf("strategy %s failed at candle %d: %w", strat.Name(), i, err)
		}

		current := models.Flat
		if pos != nil {
			current = pos.direction
		}
		if signal.Direction != current {
			// Executed at the next candle's open. A direction change
			// on the final candle has no next open and is discarded.
			sig := signal
			pending = &sig
		}
	}

	// Force-close whatever is still open against the final close.
	if pos != nil {
		last := len(candles) - 1
		cash = s.closePosition(series.Market, pos, candles, last, candles[last].Close, cash, fees, models.ExitEndOfData, result)
		// Replace the final equity point with the realized balance.
		result.EquityCurve[last] = models.EquityPoint{
			Timestamp: candles[last].OpenTime,
			Equity:    cash,
		}
	}

	result.FinalEquity = initialEquity
	if n := len(result.EquityCurve); n > 0 {
		result.FinalEquity = result.EquityCurve[n-1].Equity
	}
	return result, nil
}

// applySignal closes the current position (if its side differs) and opens a
// new one, both at index i's open.
func (s *Simulator) applySignal(market string, signal models.TradeSignal, candles []models.Candle, i int, pos *position, cash decimal.Decimal, fees FeeModel, result *Result) (decimal.Decimal, *position) {
	open := candles[i].Open

	if pos != nil {
		cash = s.closePosition(market, pos, candles, i, open, cash, fees, models.ExitSignal, result)
		pos = nil
	}
	if signal.Direction == models.Flat {
		return cash, nil
	}

	side := Buy
	if signal.Direction == models.Short {
		side = Sell
	}
	fill := fees.FillPrice(open, side)
	if fill.IsZero() || fill.IsNegative() {
		s.logger.Sugar().Warnf("Fill price %s at candle %d is not positive, skipping entry.", fill, i)
		return cash, nil
	}

	notional := cash.Mul(signal.SizeFraction)
	size := notional.Div(fill)
	fee := fees.Fee(notional)
	cash = cash.Sub(fee)

	return cash, &position{
		direction:  signal.Direction,
		size:       size,
		entryPrice: fill,
		entryTime:  i,
		entryFee:   fee,
	}
}

// closePosition realizes the position at refPrice (adjusted for slippage)
// and appends the finished trade to the ledger.
func (s *Simulator) closePosition(market string, pos *position, candles []models.Candle, i int, refPrice, cash decimal.Decimal, fees FeeModel, reason models.ExitReason, result *Result) decimal.Decimal {
	side := Sell // closing a long sells
	if pos.direction == models.Short {
		side = Buy
	}
	fill := fees.FillPrice(refPrice, side)

	gross := pos.size.Mul(fill.Sub(pos.entryPrice))
	if pos.direction == models.Short {
		gross = pos.size.Mul(pos.entryPrice.Sub(fill))
	}
	exitFee := fees.Fee(pos.size.Mul(fill))
	totalFee := pos.entryFee.Add(exitFee)

	cash = cash.Add(gross).Sub(exitFee)

	result.Ledger = append(result.Ledger, models.SimulatedTrade{
		Market:     market,
		Direction:  pos.direction,
		EntryTime:  candles[pos.entryTime].OpenTime,
		ExitTime:   candles[i].OpenTime,
		EntryPrice: pos.entryPrice,
		ExitPrice:  fill,
		Size:       pos.size,
		PnL:        gross.Sub(totalFee),
		Fee:        totalFee,
		ExitReason: reason,
	})
	return cash
}

func unrealized(pos *position, price decimal.Decimal) decimal.Decimal {
	if pos.direction == models.Short {
		return pos.size.Mul(pos.entryPrice.Sub(price))
	}
	return pos.size.Mul(price.Sub(pos.entryPrice))
}
