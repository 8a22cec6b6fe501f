package analyzer

import (
	"math"

	"tradefleet/internal/models"

	"github.com/shopspring/decimal"
)

// Analyze computes a performance summary from a closed trade ledger and
// equity curve. It is a pure function: the summary is rebuilt wholesale and
// the inputs are never mutated. Undefined ratios come back as sentinel
// flags, never as NaN or a division error.
func Analyze(ledger []models.SimulatedTrade, curve []models.EquityPoint, periodsPerYear float64) *models.PerformanceSummary {
	summary := &models.PerformanceSummary{
		TotalPnL:    decimal.Zero,
		TotalFees:   decimal.Zero,
		TotalTrades: len(ledger),
	}

	sumWins := decimal.Zero
	sumLosses := decimal.Zero
	for _, trade := range ledger {
		summary.TotalPnL = summary.TotalPnL.Add(trade.PnL)
		summary.TotalFees = summary.TotalFees.Add(trade.Fee)
		switch trade.PnL.Sign() {
		case 1:
			summary.WinningTrades++
			sumWins = sumWins.Add(trade.PnL)
		case -1:
			summary.LosingTrades++
			sumLosses = sumLosses.Add(trade.PnL)
		}
	}

	// Win rate: 0/0 is defined as 0.
	if summary.TotalTrades > 0 {
		summary.WinRate = float64(summary.WinningTrades) / float64(summary.TotalTrades)
	}

	// Profit factor: with no losing trades the ratio is +inf, reported
	// through the sentinel flag rather than computed.
	if sumLosses.IsZero() {
		summary.ProfitFactorInfinite = summary.WinningTrades > 0
	} else {
		pf, _ := sumWins.Div(sumLosses.Abs()).Float64()
		summary.ProfitFactor = pf
	}

	summary.MaxDrawdown = maxDrawdown(curve)
	summary.SharpeRatio, summary.SharpeDefined = sharpe(curve, periodsPerYear)
	return summary
}

// maxDrawdown is the largest peak-to-trough decline of the equity curve,
// as a fraction of the peak.
func maxDrawdown(curve []models.EquityPoint) float64 {
	if len(curve) == 0 {
		return 0
	}

	peak, _ := curve[0].Equity.Float64()
	maxDD := 0.0
	for _, point := range curve {
		equity, _ := point.Equity.Float64()
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		dd := (peak - equity) / peak
		if dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// sharpe is mean(periodic returns) / std(periodic returns), annualized by
// sqrt(periodsPerYear). It is undefined when the return variance is zero or
// the curve is too short to form a return.
func sharpe(curve []models.EquityPoint, periodsPerYear float64) (float64, bool) {
	if len(curve) < 2 || periodsPerYear <= 0 {
		return 0, false
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev, _ := curve[i-1].Equity.Float64()
		cur, _ := curve[i].Equity.Float64()
		if prev == 0 {
			return 0, false
		}
		returns = append(returns, (cur-prev)/prev)
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))

	if variance == 0 {
		return 0, false
	}
	return mean / math.Sqrt(variance) * math.Sqrt(periodsPerYear), true
}
