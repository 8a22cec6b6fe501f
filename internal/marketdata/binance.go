package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradefleet/internal/models"
	"tradefleet/internal/retry"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// binanceBatchLimit 是币安单次K线请求的最大条数。
const binanceBatchLimit = 1000

// intervalNames maps supported fetch intervals to Binance interval strings.
var intervalNames = map[time.Duration]string{
	time.Minute:        "1m",
	5 * time.Minute:    "5m",
	15 * time.Minute:   "15m",
	30 * time.Minute:   "30m",
	time.Hour:          "1h",
	4 * time.Hour:      "4h",
	24 * time.Hour:     "1d",
	7 * 24 * time.Hour: "1w",
}

// BinanceProvider fetches candles and order books from Binance's public
// endpoints. Rate-limit responses are retried with backoff up to the policy
// budget and only then surfaced as ErrRateLimited.
type BinanceProvider struct {
	client   *binance.Client
	retryPol retry.Policy
	logger   *zap.Logger
}

// NewBinanceProvider creates a provider. Public market data needs no API key.
func NewBinanceProvider(retryPol retry.Policy, logger *zap.Logger) *BinanceProvider {
	return &BinanceProvider{
		client:   binance.NewClient("", ""),
		retryPol: retryPol,
		logger:   logger,
	}
}

func (p *BinanceProvider) FetchCandles(ctx context.Context, market string, interval time.Duration, from, to time.Time) ([]models.Candle, error) {
	intervalName, ok := intervalNames[interval]
	if !ok {
		return nil, fmt.Errorf("unsupported candle interval %s", interval)
	}

	candles := make([]models.Candle, 0)
	for t := from; t.Before(to); {
		var klines []*binance.Kline
		err := p.retryPol.Do(ctx, func() error {
			var err error
			klines, err = p.client.NewKlinesService().
				Symbol(market).
				Interval(intervalName).
				StartTime(t.UnixMilli()).
				EndTime(to.UnixMilli()).
				Limit(binanceBatchLimit).
				Do(ctx)
			if err != nil {
				err = classify(err)
				p.logger.Sugar().Warnf("Kline request for %s failed: %v", market, err)
			}
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch candles for %s: %w", market, err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			candle, err := parseKline(k)
			if err != nil {
				return nil, fmt.Errorf("bad kline for %s at %d: %w", market, k.OpenTime, err)
			}
			candles = append(candles, candle)
		}

		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
	}

	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles for %s in [%s, %s): %w", market, from, to, models.ErrNotFound)
	}
	return candles, nil
}

func (p *BinanceProvider) FetchOrderBookSnapshot(ctx context.Context, market string, ts time.Time) (*models.OrderBookSnapshot, error) {
	var depth *binance.DepthResponse
	err := p.retryPol.Do(ctx, func() error {
		var err error
		depth, err = p.client.NewDepthService().Symbol(market).Limit(100).Do(ctx)
		if err != nil {
			err = classify(err)
			p.logger.Sugar().Warnf("Depth request for %s failed: %v", market, err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order book for %s: %w", market, err)
	}

	snapshot := &models.OrderBookSnapshot{
		Market:    market,
		Timestamp: ts,
		Bids:      make([]models.OrderBookLevel, 0, len(depth.Bids)),
		Asks:      make([]models.OrderBookLevel, 0, len(depth.Asks)),
	}
	for _, bid := range depth.Bids {
		level, err := parseLevel(bid.Price, bid.Quantity)
		if err != nil {
			return nil, err
		}
		snapshot.Bids = append(snapshot.Bids, level)
	}
	for _, ask := range depth.Asks {
		level, err := parseLevel(ask.Price, ask.Quantity)
		if err != nil {
			return nil, err
		}
		snapshot.Asks = append(snapshot.Asks, level)
	}
	return snapshot, nil
}

// classify maps Binance API errors onto the module's error taxonomy.
func classify(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015: // TOO_MANY_REQUESTS, TOO_MANY_ORDERS
			return fmt.Errorf("binance: %s: %w", apiErr.Message, models.ErrRateLimited)
		case -1121: // INVALID_SYMBOL
			return fmt.Errorf("binance: %s: %w", apiErr.Message, models.ErrNotFound)
		}
	}
	return err
}

func parseKline(k *binance.Kline) (models.Candle, error) {
	open, err := decimal.NewFromString(k.Open)
	if err != nil {
		return models.Candle{}, err
	}
	high, err := decimal.NewFromString(k.High)
	if err != nil {
		return models.Candle{}, err
	}
	low, err := decimal.NewFromString(k.Low)
	if err != nil {
		return models.Candle{}, err
	}
	klineClose, err := decimal.NewFromString(k.Close)
	if err != nil {
		return models.Candle{}, err
	}
	volume, err := decimal.NewFromString(k.Volume)
	if err != nil {
		return models.Candle{}, err
	}

	return models.Candle{
		OpenTime: time.UnixMilli(k.OpenTime).UTC(),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    klineClose,
		Volume:   volume,
	}, nil
}

func parseLevel(price, qty string) (models.OrderBookLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return models.OrderBookLevel{}, err
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return models.OrderBookLevel{}, err
	}
	return models.OrderBookLevel{Price: p, Quantity: q}, nil
}
