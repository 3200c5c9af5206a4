package domain

import "time"

// HistoryRecord is the persisted summary of a finished transfer.
// The source URL is intentionally not stored; direct links are short-lived.
type HistoryRecord struct {
	ID              string     `json:"id" gorm:"primaryKey"`
	Group           string     `json:"group" gorm:"column:group_label;index"`
	Episode         float64    `json:"episode"`
	Resolution      int        `json:"resolution"`
	Filename        string     `json:"filename"`
	FilePath        string     `json:"file_path,omitempty"`
	Status          TaskStatus `json:"status" gorm:"not null;index"`
	DownloadedBytes int64      `json:"downloaded_bytes"`
	TotalBytes      int64      `json:"total_bytes"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      time.Time  `json:"finished_at" gorm:"index"`
}

// TableName specifies the table name for GORM
func (HistoryRecord) TableName() string {
	return "transfer_history"
}

// NewHistoryRecord converts a terminal task snapshot into a history record
func NewHistoryRecord(s TaskSnapshot) *HistoryRecord {
	finished := time.Now()
	if s.CompletedAt != nil {
		finished = *s.CompletedAt
	}
	return &HistoryRecord{
		ID:              s.ID,
		Group:           s.Group,
		Episode:         s.Episode,
		Resolution:      s.Resolution,
		Filename:        s.Filename,
		FilePath:        s.FilePath,
		Status:          s.Status,
		DownloadedBytes: s.DownloadedBytes,
		TotalBytes:      s.TotalBytes,
		Error:           s.Error,
		CreatedAt:       s.CreatedAt,
		StartedAt:       s.StartedAt,
		FinishedAt:      finished,
	}
}

// HistoryRepository defines the interface for transfer history persistence
type HistoryRepository interface {
	// Save inserts or replaces a record
	Save(record *HistoryRecord) error

	// Recent returns up to limit records, newest first
	Recent(limit int) ([]*HistoryRecord, error)

	// FindByGroup returns all records for a group label, newest first
	FindByGroup(group string) ([]*HistoryRecord, error)

	// GetStats returns counts by terminal status
	GetStats() (*HistoryStats, error)
}

// HistoryStats represents transfer history statistics
type HistoryStats struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Stopped   int64 `json:"stopped"`
}
