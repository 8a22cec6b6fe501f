package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle 是一根K线。时间戳为交易所对齐的UTC时间，缓存后不可变。
type Candle struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// Gap marks a missing stretch of candles. Gaps are represented explicitly
// rather than silently skipped so downstream consumers can refuse to trade
// across them.
type Gap struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CandleSeries is an ascending, deduplicated run of candles for one
// (market, interval) key, with any holes recorded in Gaps.
type CandleSeries struct {
	Market   string        `json:"market"`
	Interval time.Duration `json:"interval"`
	Candles  []Candle      `json:"candles"`
	Gaps     []Gap         `json:"gaps,omitempty"`
}

// OrderBookLevel 是订单簿中的一个价位。
type OrderBookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBookSnapshot 是某一时刻订单簿的快照。
type OrderBookSnapshot struct {
	Market    string           `json:"market"`
	Timestamp time.Time        `json:"timestamp"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
}

// Direction is the side a strategy wants to be on.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
	Flat  Direction = "FLAT"
)

// TradeSignal is a strategy's decision for one point in time. It must be a
// pure function of the data window and indicator state up to Timestamp.
type TradeSignal struct {
	Timestamp    time.Time       `json:"timestamp"`
	Direction    Direction       `json:"direction"`
	SizeFraction decimal.Decimal `json:"size_fraction"`
}
