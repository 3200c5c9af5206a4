package infrastructure

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/yourusername/pahe-extract-go/internal/domain"
)

// SQLiteHistoryRepository implements HistoryRepository using SQLite
type SQLiteHistoryRepository struct {
	db *gorm.DB
}

// NewSQLiteHistoryRepository opens (or creates) the history database
func NewSQLiteHistoryRepository(dbPath string) (*SQLiteHistoryRepository, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&domain.HistoryRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteHistoryRepository{db: db}, nil
}

// Save inserts a record, replacing any previous record with the same id
func (r *SQLiteHistoryRepository) Save(record *domain.HistoryRecord) error {
	return r.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(record).Error
}

// Recent returns up to limit records, newest first
func (r *SQLiteHistoryRepository) Recent(limit int) ([]*domain.HistoryRecord, error) {
	var records []*domain.HistoryRecord
	query := r.db.Order("finished_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&records).Error
	return records, err
}

// FindByGroup returns all records for a group label, newest first
func (r *SQLiteHistoryRepository) FindByGroup(group string) ([]*domain.HistoryRecord, error) {
	var records []*domain.HistoryRecord
	err := r.db.Where("group_label = ?", group).
		Order("finished_at DESC").
		Find(&records).Error
	return records, err
}

// GetStats returns counts by terminal status
func (r *SQLiteHistoryRepository) GetStats() (*domain.HistoryStats, error) {
	stats := &domain.HistoryStats{}

	if err := r.db.Model(&domain.HistoryRecord{}).Count(&stats.Total).Error; err != nil {
		return nil, err
	}

	statusCounts := []struct {
		Status domain.TaskStatus
		Count  int64
	}{}

	if err := r.db.Model(&domain.HistoryRecord{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&statusCounts).Error; err != nil {
		return nil, err
	}

	for _, sc := range statusCounts {
		switch sc.Status {
		case domain.StatusCompleted:
			stats.Completed = sc.Count
		case domain.StatusFailed:
			stats.Failed = sc.Count
		case domain.StatusStopped:
			stats.Stopped = sc.Count
		}
	}

	return stats, nil
}

// Close closes the database connection
func (r *SQLiteHistoryRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
