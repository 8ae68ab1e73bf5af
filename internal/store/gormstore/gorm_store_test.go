package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"histfetch/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewGormStore(filepath.Join(t.TempDir(), "nested", "candles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func series(start time.Time, n int, closeAt float64) market.Series {
	out := make(market.Series, 0, n)
	for i := 0; i < n; i++ {
		oi := float64(100 + i)
		out = append(out, market.Candle{
			Time:   start.Add(time.Duration(i) * 24 * time.Hour),
			Open:   1,
			High:   2,
			Low:    0.5,
			Close:  closeAt,
			Volume: 1000,
			OI:     &oi,
		})
	}
	return out
}

func TestSaveAndQueryRange(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

	n, err := s.Save(ctx, "738561", market.Day, series(start, 5, 10))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	got, err := s.Query(ctx, "738561", market.Day, start.Add(24*time.Hour), start.Add(3*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Time.Equal(start.Add(24*time.Hour)))
	assert.True(t, got[2].Time.Equal(start.Add(3*24*time.Hour)))
	require.NotNil(t, got[0].OI)
	assert.Equal(t, 101.0, *got[0].OI)
}

func TestSaveUpsertsExistingBars(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

	_, err := s.Save(ctx, "1", market.Day, series(start, 3, 10))
	require.NoError(t, err)
	_, err = s.Save(ctx, "1", market.Day, series(start.Add(24*time.Hour), 3, 20))
	require.NoError(t, err)

	got, err := s.Query(ctx, "1", market.Day, start, start.Add(10*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, 10.0, got[0].Close)
	for _, c := range got[1:] {
		assert.Equal(t, 20.0, c.Close)
	}
}

func TestQueryIsolatesInstrumentAndInterval(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

	_, err := s.Save(ctx, "1", market.Day, series(start, 2, 1))
	require.NoError(t, err)
	_, err = s.Save(ctx, "2", market.Day, series(start, 2, 1))
	require.NoError(t, err)

	got, err := s.Query(ctx, "1", market.SixtyMinute, start, start.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = s.Query(ctx, "2", market.Day, start, start.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSaveEmptySeriesIsNoop(t *testing.T) {
	s := openStore(t)
	n, err := s.Save(context.Background(), "1", market.Day, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewGormStoreRequiresPath(t *testing.T) {
	_, err := NewGormStore("  ")
	assert.Error(t, err)
}
