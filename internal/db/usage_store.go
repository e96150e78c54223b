// Package db persists aggregated token usage in SQLite. The store is a
// best-effort accounting surface behind the metrics exporter and the
// /debug/usage endpoint; request handling never waits on it and its
// absence never fails a request.
package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const dbFileName = "usage.db"

// UsageDaily is one aggregate row: token totals and request counts for a
// (day, model, endpoint family, streamed) tuple.
type UsageDaily struct {
	ID           uint      `gorm:"primaryKey;autoIncrement;column:id"`
	Day          string    `gorm:"column:day;uniqueIndex:idx_day_model_family_streamed;not null"` // YYYY-MM-DD
	Model        string    `gorm:"column:model;uniqueIndex:idx_day_model_family_streamed;not null"`
	Family       string    `gorm:"column:family;uniqueIndex:idx_day_model_family_streamed;not null"`
	Streamed     bool      `gorm:"column:streamed;uniqueIndex:idx_day_model_family_streamed"`
	RequestCount int64     `gorm:"column:request_count;not null"`
	InputTokens  int64     `gorm:"column:input_tokens;not null"`
	OutputTokens int64     `gorm:"column:output_tokens;not null"`
	TotalTokens  int64     `gorm:"column:total_tokens;not null"`
	ErrorCount   int64     `gorm:"column:error_count;default:0"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (UsageDaily) TableName() string { return "usage_daily" }

// Delta is one increment to fold into the aggregates.
type Delta struct {
	Day          string
	Model        string
	Family       string
	Streamed     bool
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	Errors       int64
}

// UsageStore owns the SQLite usage database.
type UsageStore struct {
	db *gorm.DB
	mu sync.Mutex
}

// NewUsageStore opens (or creates) the usage database under baseDir.
func NewUsageStore(baseDir string) (*UsageStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create usage store directory: %w", err)
	}
	dsn := filepath.Join(baseDir, dbFileName) + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	if err := db.AutoMigrate(&UsageDaily{}); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return &UsageStore{db: db}, nil
}

// Add folds one delta into its aggregate row, creating the row on first
// sight of the tuple.
func (s *UsageStore) Add(d Delta) error {
	if d.Day == "" {
		d.Day = time.Now().UTC().Format("2006-01-02")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		var row UsageDaily
		err := tx.Where("day = ? AND model = ? AND family = ? AND streamed = ?",
			d.Day, d.Model, d.Family, d.Streamed).First(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = UsageDaily{
				Day:          d.Day,
				Model:        d.Model,
				Family:       d.Family,
				Streamed:     d.Streamed,
				RequestCount: d.Requests,
				InputTokens:  d.InputTokens,
				OutputTokens: d.OutputTokens,
				TotalTokens:  d.InputTokens + d.OutputTokens,
				ErrorCount:   d.Errors,
				UpdatedAt:    time.Now().UTC(),
			}
			return tx.Create(&row).Error
		case err != nil:
			return err
		}
		return tx.Model(&row).Updates(map[string]any{
			"request_count": gorm.Expr("request_count + ?", d.Requests),
			"input_tokens":  gorm.Expr("input_tokens + ?", d.InputTokens),
			"output_tokens": gorm.Expr("output_tokens + ?", d.OutputTokens),
			"total_tokens":  gorm.Expr("total_tokens + ?", d.InputTokens+d.OutputTokens),
			"error_count":   gorm.Expr("error_count + ?", d.Errors),
			"updated_at":    time.Now().UTC(),
		}).Error
	})
}

// Recent returns the aggregate rows of the last n days, newest first.
func (s *UsageStore) Recent(days int) ([]UsageDaily, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	var rows []UsageDaily
	err := s.db.Where("day >= ?", since).
		Order("day DESC, model ASC").
		Find(&rows).Error
	return rows, err
}

// Close releases the underlying connection.
func (s *UsageStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
