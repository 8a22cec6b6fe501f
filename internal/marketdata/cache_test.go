package marketdata

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tradefleet/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func candleAt(ts int64, close float64) models.Candle {
	d := decimal.NewFromFloat(close)
	return models.Candle{
		OpenTime: time.Unix(ts, 0).UTC(),
		Open:     d,
		High:     d,
		Low:      d,
		Close:    d,
		Volume:   decimal.NewFromInt(1),
	}
}

// mockProvider returns a fixed candle set and counts calls.
type mockProvider struct {
	candles []models.Candle
	err     error
	calls   int
}

func (m *mockProvider) FetchCandles(ctx context.Context, market string, interval time.Duration, from, to time.Time) ([]models.Candle, error) {
	m.calls++
	return m.candles, m.err
}

func (m *mockProvider) FetchOrderBookSnapshot(ctx context.Context, market string, ts time.Time) (*models.OrderBookSnapshot, error) {
	return nil, models.ErrNotFound
}

// TestBuildSeriesDeduplicates verifies duplicates collapse to the first
// occurrence and ordering is ascending.
func TestBuildSeriesDeduplicates(t *testing.T) {
	s := BuildSeries("BTC-USDT", time.Minute, []models.Candle{
		candleAt(120, 102),
		candleAt(0, 100),
		candleAt(60, 101),
		candleAt(60, 999), // duplicate timestamp, must be dropped
	})

	require.Len(t, s.Candles, 3)
	assert.True(t, s.Candles[0].OpenTime.Before(s.Candles[1].OpenTime))
	assert.True(t, s.Candles[1].OpenTime.Before(s.Candles[2].OpenTime))
	assert.True(t, s.Candles[1].Close.Equal(decimal.NewFromFloat(101)), "first occurrence wins on duplicate timestamps")
	assert.Empty(t, s.Gaps)
}

// TestBuildSeriesRecordsGaps verifies holes are explicit.
func TestBuildSeriesRecordsGaps(t *testing.T) {
	s := BuildSeries("BTC-USDT", time.Minute, []models.Candle{
		candleAt(0, 100),
		candleAt(60, 101),
		candleAt(300, 102), // 3 missing minutes
	})

	require.Len(t, s.Gaps, 1)
	assert.Equal(t, time.Unix(120, 0).UTC(), s.Gaps[0].From)
	assert.Equal(t, time.Unix(300, 0).UTC(), s.Gaps[0].To)
}

// TestCacheRoundTrip verifies the CSV cache is written on first fetch and
// used afterwards.
func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	provider := &mockProvider{candles: []models.Candle{
		candleAt(0, 100.5),
		candleAt(60, 101.25),
	}}
	cache := NewCache(dir, provider, zap.NewNop())

	from, to := time.Unix(0, 0).UTC(), time.Unix(120, 0).UTC()
	s1, err := cache.GetSeries(context.Background(), "BTC-USDT", time.Minute, from, to)
	require.NoError(t, err)
	require.Len(t, s1.Candles, 2)
	assert.Equal(t, 1, provider.calls)

	// Second call hits the in-memory cache, the provider stays untouched.
	s2, err := cache.GetSeries(context.Background(), "BTC-USDT", time.Minute, from, to)
	require.NoError(t, err)
	assert.Equal(t, 1, provider.calls)
	assert.Equal(t, s1, s2)

	// A fresh cache over the same directory reads the CSV instead of
	// fetching.
	cold := NewCache(dir, &mockProvider{err: models.ErrRateLimited}, zap.NewNop())
	s3, err := cold.GetSeries(context.Background(), "BTC-USDT", time.Minute, from, to)
	require.NoError(t, err)
	require.Len(t, s3.Candles, 2)
	assert.True(t, s3.Candles[1].Close.Equal(decimal.NewFromFloat(101.25)), "decimal values must survive the CSV round trip exactly")
}

// TestLoadCSVRejectsBadRows verifies malformed cache files surface an error.
func TestLoadCSVRejectsBadRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.csv")
	require.NoError(t, saveCSV(path, []models.Candle{candleAt(0, 100)}))

	candles, err := loadCSV(path)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, time.Unix(0, 0).UTC(), candles[0].OpenTime)

	_, err = loadCSV(filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}
