package store

import (
	"context"
	"time"

	"histfetch/internal/market"
)

// SeriesStore persists merged series keyed by (instrument, interval, time).
type SeriesStore interface {
	// Save upserts candles; an existing bar at the same key is overwritten.
	Save(ctx context.Context, instrument string, interval market.Interval, series market.Series) (int, error)
	// Query returns the stored candles in [from, to], ascending.
	Query(ctx context.Context, instrument string, interval market.Interval, from, to time.Time) (market.Series, error)
	Close() error
}
