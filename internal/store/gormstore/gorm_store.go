package gormstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"histfetch/internal/market"
	"histfetch/internal/store"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const saveBatchSize = 500

type candleModel struct {
	ID         int64     `gorm:"column:id;primaryKey"`
	Instrument string    `gorm:"column:instrument;uniqueIndex:idx_candle_key,priority:1"`
	Interval   string    `gorm:"column:interval;uniqueIndex:idx_candle_key,priority:2"`
	Time       time.Time `gorm:"column:ts;uniqueIndex:idx_candle_key,priority:3"`
	Open       float64   `gorm:"column:open"`
	High       float64   `gorm:"column:high"`
	Low        float64   `gorm:"column:low"`
	Close      float64   `gorm:"column:close"`
	Volume     float64   `gorm:"column:volume"`
	OI         *float64  `gorm:"column:oi"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (candleModel) TableName() string { return "candles" }

// GormStore keeps series in SQLite through gorm.
type GormStore struct {
	db *gorm.DB
}

var _ store.SeriesStore = (*GormStore)(nil)

func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: path is empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&candleModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Save(ctx context.Context, instrument string, interval market.Interval, series market.Series) (int, error) {
	if s == nil || s.db == nil || len(series) == 0 {
		return 0, nil
	}
	now := time.Now()
	rows := make([]candleModel, 0, len(series))
	for _, c := range series {
		rows = append(rows, candleModel{
			Instrument: instrument,
			Interval:   string(interval),
			Time:       c.Time.UTC(),
			Open:       c.Open,
			High:       c.High,
			Low:        c.Low,
			Close:      c.Close,
			Volume:     c.Volume,
			OI:         c.OI,
			UpdatedAt:  now,
		})
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instrument"}, {Name: "interval"}, {Name: "ts"}},
		DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume", "oi", "updated_at"}),
	}).CreateInBatches(rows, saveBatchSize).Error
	if err != nil {
		return 0, fmt.Errorf("gorm store: save %s %s: %w", instrument, interval, err)
	}
	return len(rows), nil
}

func (s *GormStore) Query(ctx context.Context, instrument string, interval market.Interval, from, to time.Time) (market.Series, error) {
	if s == nil || s.db == nil {
		return market.Series{}, nil
	}
	var rows []candleModel
	err := s.db.WithContext(ctx).
		Where("instrument = ? AND interval = ? AND ts >= ? AND ts <= ?", instrument, string(interval), from.UTC(), to.UTC()).
		Order("ts ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("gorm store: query %s %s: %w", instrument, interval, err)
	}
	out := make(market.Series, 0, len(rows))
	for _, r := range rows {
		out = append(out, market.Candle{
			Time:   r.Time,
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
			OI:     r.OI,
		})
	}
	return out, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
