package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExitReason 记录一笔模拟交易被平仓的原因。
type ExitReason string

const (
	ExitSignal    ExitReason = "signal"
	ExitEndOfData ExitReason = "end_of_data"
)

// SimulatedTrade 记录回测中一笔完成的交易。平仓后不可变。
type SimulatedTrade struct {
	Market     string          `json:"market"`
	Direction  Direction       `json:"direction"`
	EntryTime  time.Time       `json:"entry_time"`
	ExitTime   time.Time       `json:"exit_time"`
	EntryPrice decimal.Decimal `json:"entry_price"` // post-slippage
	ExitPrice  decimal.Decimal `json:"exit_price"`  // post-slippage
	Size       decimal.Decimal `json:"size"`
	PnL        decimal.Decimal `json:"pnl"` // realized, net of fees
	Fee        decimal.Decimal `json:"fee"` // entry + exit fee
	ExitReason ExitReason      `json:"exit_reason"`
}

// EquityPoint 是权益曲线上的一个点，按K线时间戳对齐。
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
}

// PerformanceSummary is a read-only aggregate over a closed trade ledger and
// equity curve. Undefined ratios are reported through the sentinel flags,
// never as errors or NaN.
type PerformanceSummary struct {
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`

	WinRate float64 `json:"win_rate"` // 0 when no closed trades

	ProfitFactor         float64 `json:"profit_factor"`
	ProfitFactorInfinite bool    `json:"profit_factor_infinite"` // wins and no losses

	MaxDrawdown float64 `json:"max_drawdown"` // peak-to-trough fraction

	SharpeRatio   float64 `json:"sharpe_ratio"`
	SharpeDefined bool    `json:"sharpe_defined"` // false when return variance is zero
}
