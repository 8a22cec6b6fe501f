package reporter

import (
	"fmt"
	"io"
	"time"

	"tradefleet/internal/backtest"
	"tradefleet/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
)

// WriteReport renders a backtest result and its performance summary as
// tables. 所有金额均以计价货币显示。
func WriteReport(w io.Writer, market string, initialEquity decimal.Decimal, result *backtest.Result, summary *models.PerformanceSummary) {
	writeSummaryTable(w, market, initialEquity, result, summary)
	if len(result.Ledger) > 0 {
		writeTradesTable(w, result.Ledger)
	}
}

func writeSummaryTable(w io.Writer, market string, initialEquity decimal.Decimal, result *backtest.Result, summary *models.PerformanceSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Backtest Report: %s", market)
	t.AppendHeader(table.Row{"Metric", "Value"})

	period := "n/a"
	if n := len(result.EquityCurve); n > 0 {
		period = fmt.Sprintf("%s ~ %s",
			result.EquityCurve[0].Timestamp.Format("2006-01-02 15:04"),
			result.EquityCurve[n-1].Timestamp.Format("2006-01-02 15:04"))
	}

	profitFactor := fmt.Sprintf("%.2f", summary.ProfitFactor)
	if summary.ProfitFactorInfinite {
		profitFactor = "inf (no losing trades)"
	}
	sharpe := "undefined (zero variance)"
	if summary.SharpeDefined {
		sharpe = fmt.Sprintf("%.2f", summary.SharpeRatio)
	}

	returnPct := "n/a"
	if initialEquity.IsPositive() {
		pct := result.FinalEquity.Sub(initialEquity).Div(initialEquity).Mul(decimal.NewFromInt(100))
		returnPct = pct.StringFixed(2) + "%"
	}

	t.AppendRows([]table.Row{
		{"Period", period},
		{"Initial Equity", initialEquity.StringFixed(2)},
		{"Final Equity", result.FinalEquity.StringFixed(2)},
		{"Total PnL", summary.TotalPnL.StringFixed(2)},
		{"Return", returnPct},
		{"Total Fees", summary.TotalFees.StringFixed(2)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Total Trades", summary.TotalTrades},
		{"Winning / Losing", fmt.Sprintf("%d / %d", summary.WinningTrades, summary.LosingTrades)},
		{"Win Rate", fmt.Sprintf("%.2f%%", summary.WinRate*100)},
		{"Profit Factor", profitFactor},
		{"Max Drawdown", fmt.Sprintf("%.2f%%", summary.MaxDrawdown*100)},
		{"Sharpe Ratio", sharpe},
	})
	if result.InsufficientData {
		t.AppendSeparator()
		t.AppendRow(table.Row{"Note", "series shorter than strategy warm-up, no signals requested"})
	}
	t.Render()
}

// writeTradesTable lists the most recent trades, capped to keep reports
// readable on long runs.
func writeTradesTable(w io.Writer, ledger []models.SimulatedTrade) {
	const maxRows = 50

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Trades (last %d of %d)", minInt(maxRows, len(ledger)), len(ledger))
	t.AppendHeader(table.Row{"#", "Dir", "Entry", "Exit", "Entry Px", "Exit Px", "Size", "PnL", "Fee", "Reason"})

	start := 0
	if len(ledger) > maxRows {
		start = len(ledger) - maxRows
	}
	for i := start; i < len(ledger); i++ {
		tr := ledger[i]
		t.AppendRow(table.Row{
			i + 1,
			tr.Direction,
			tr.EntryTime.Format(time.DateTime),
			tr.ExitTime.Format(time.DateTime),
			tr.EntryPrice.StringFixed(4),
			tr.ExitPrice.StringFixed(4),
			tr.Size.StringFixed(6),
			tr.PnL.StringFixed(2),
			tr.Fee.StringFixed(2),
			tr.ExitReason,
		})
	}
	t.Render()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
