package marketdata

import (
	"context"
	"time"

	"tradefleet/internal/models"
)

// Provider is the external market-data dependency. Implementations may fail
// with models.ErrRateLimited (retryable) or models.ErrNotFound.
type Provider interface {
	// FetchCandles returns candles for [from, to) in ascending order.
	FetchCandles(ctx context.Context, market string, interval time.Duration, from, to time.Time) ([]models.Candle, error)

	// FetchOrderBookSnapshot returns the order book as observed now; ts is
	// recorded on the snapshot.
	FetchOrderBookSnapshot(ctx context.Context, market string, ts time.Time) (*models.OrderBookSnapshot, error)
}
