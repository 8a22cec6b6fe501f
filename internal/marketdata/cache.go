package marketdata

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"tradefleet/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Cache is a time-indexed store of historical candles. Fetched ranges are
// deduplicated, gap-checked, and written to CSV so repeated backtests do not
// hammer the provider. Series handed out are cached in memory per
// (market, interval, range) key.
type Cache struct {
	dir      string
	provider Provider
	logger   *zap.Logger

	mu     sync.Mutex
	series map[string]*models.CandleSeries
}

// NewCache creates a candle cache rooted at dir.
func NewCache(dir string, provider Provider, logger *zap.Logger) *Cache {
	return &Cache{
		dir:      dir,
		provider: provider,
		logger:   logger,
		series:   make(map[string]*models.CandleSeries),
	}
}

// GetSeries returns the candle series for [from, to), loading it from the
// CSV cache when present and fetching from the provider otherwise.
func (c *Cache) GetSeries(ctx context.Context, market string, interval time.Duration, from, to time.Time) (*models.CandleSeries, error) {
	key := fmt.Sprintf("%s_%d_%d_%d", market, interval/time.Second, from.Unix(), to.Unix())

	c.mu.Lock()
	if s, ok := c.series[key]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	path := filepath.Join(c.dir, key+".csv")
	if _, err := os.Stat(path); err == nil {
		c.logger.Sugar().Infof("Loading candles for %s from cache file %s.", market, path)
		candles, err := loadCSV(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load cached candles from %s: %w", path, err)
		}
		return c.remember(key, BuildSeries(market, interval, candles)), nil
	}

	c.logger.Sugar().Infof("Fetching candles for %s %s from %s to %s.", market, interval, from.Format("2006-01-02"), to.Format("2006-01-02"))
	candles, err := c.provider.FetchCandles(ctx, market, interval, from, to)
	if err != nil {
		return nil, err
	}

	s := BuildSeries(market, interval, candles)
	if err := saveCSV(path, s.Candles); err != nil {
		// The fetch succeeded; a cache write failure is not fatal.
		c.logger.Sugar().Warnf("Failed to write candle cache %s: %v", path, err)
	}
	return c.remember(key, s), nil
}

func (c *Cache) remember(key string, s *models.CandleSeries) *models.CandleSeries {
	c.mu.Lock()
	c.series[key] = s
	c.mu.Unlock()
	return s
}

// BuildSeries normalizes raw candles into an ascending, deduplicated series.
// Duplicate timestamps keep the first occurrence; missing stretches are
// recorded explicitly in Gaps rather than silently skipped.
func BuildSeries(market string, interval time.Duration, candles []models.Candle) *models.CandleSeries {
	sorted := make([]models.Candle, len(candles))
	copy(sorted, candles)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OpenTime.Before(sorted[j].OpenTime)
	})

	out := make([]models.Candle, 0, len(sorted))
	var gaps []models.Gap
	for _, candle := range sorted {
		if n := len(out); n > 0 {
			prev := out[n-1]
			if candle.OpenTime.Equal(prev.OpenTime) {
				continue // duplicate, keep first
			}
			if interval > 0 && candle.OpenTime.Sub(prev.OpenTime) > interval {
				gaps = append(gaps, models.Gap{
					From: prev.OpenTime.Add(interval),
					To:   candle.OpenTime,
				})
			}
		}
		out = append(out, candle)
	}

	return &models.CandleSeries{
		Market:   market,
		Interval: interval,
		Candles:  out,
		Gaps:     gaps,
	}
}

var csvHeader = []string{"open_time", "open", "high", "low", "close", "volume"}

func saveCSV(path string, candles []models.Candle) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, c := range candles {
		record := []string{
			strconv.FormatInt(c.OpenTime.UnixMilli(), 10),
			c.Open.String(),
			c.High.String(),
			c.Low.String(),
			c.Close.String(),
			c.Volume.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return writer.Error()
}

func loadCSV(path string) ([]models.Candle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 1 {
		return nil, fmt.Errorf("candle file %s is empty", path)
	}

	candles := make([]models.Candle, 0, len(records)-1)
	for i, record := range records[1:] { // skip header
		if len(record) < 6 {
			return nil, fmt.Errorf("row %d has %d columns, want 6", i+2, len(record))
		}
		ms, err := strconv.ParseInt(record[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: bad open_time: %w", i+2, err)
		}
		fields := make([]decimal.Decimal, 5)
		for j := 0; j < 5; j++ {
			fields[j], err = decimal.NewFromString(record[j+1])
			if err != nil {
				return nil, fmt.Errorf("row %d: bad %s: %w", i+2, csvHeader[j+1], err)
			}
		}
		candles = append(candles, models.Candle{
			OpenTime: time.UnixMilli(ms).UTC(),
			Open:     fields[0],
			High:     fields[1],
			Low:      fields[2],
			Close:    fields[3],
			Volume:   fields[4],
		})
	}
	return candles, nil
}
