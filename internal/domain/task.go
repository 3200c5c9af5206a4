package domain

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current status of a download task
type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusDownloading TaskStatus = "downloading"
	StatusStopping    TaskStatus = "stopping"
	StatusStopped     TaskStatus = "stopped"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
)

// IsTerminal reports whether the status is final
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusFailed
}

// Cancellation causes recorded on stopped tasks
const (
	CauseCancelledBeforeStart = "cancelled before starting"
	CauseCancelledByUser      = "cancelled by user"
	CauseQueueShutdown        = "cancelled by queue shutdown"
)

// EnqueueRequest describes a file transfer to be queued
type EnqueueRequest struct {
	URL        string  `json:"url" binding:"required"`
	Group      string  `json:"group"`
	Episode    float64 `json:"episode"`
	Resolution int     `json:"resolution"`
	Filename   string  `json:"filename,omitempty"`
}

// Validate checks that the request points at an absolute http(s) URL
func (r EnqueueRequest) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host: %s", r.URL)
	}
	return nil
}

// DefaultFilename builds the EP<nn>_<res>p.mp4 name used when none is given
func DefaultFilename(episode float64, resolution int) string {
	return fmt.Sprintf("EP%02d_%dp.mp4", int(episode), resolution)
}

// TaskSnapshot is a point-in-time copy of a task, safe to share across goroutines
type TaskSnapshot struct {
	ID              string     `json:"id"`
	Filename        string     `json:"filename"`
	Group           string     `json:"group"`
	Episode         float64    `json:"episode"`
	Resolution      int        `json:"resolution"`
	Status          TaskStatus `json:"status"`
	Progress        float64    `json:"progress"`
	DownloadedBytes int64      `json:"downloaded_bytes"`
	TotalBytes      int64      `json:"total_bytes"`
	Speed           float64    `json:"speed"`
	Error           string     `json:"error,omitempty"`
	FilePath        string     `json:"file_path,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// DownloadTask represents one file transfer and its live state.
// Identity fields are immutable; everything else is guarded by mu and
// changed only through methods.
type DownloadTask struct {
	ID         string
	URL        string
	Group      string
	Episode    float64
	Resolution int
	CreatedAt  time.Time

	mu          sync.RWMutex
	filename    string
	filePath    string
	status      TaskStatus
	downloaded  int64
	total       int64
	progress    float64
	speed       float64
	errMsg      string
	startedAt   *time.Time
	completedAt *time.Time
	stop        chan struct{}
	stopClosed  bool
}

// NewDownloadTask creates a pending task with a fresh id
func NewDownloadTask(req EnqueueRequest) *DownloadTask {
	filename := req.Filename
	if filename == "" {
		filename = DefaultFilename(req.Episode, req.Resolution)
	}
	return &DownloadTask{
		ID:         uuid.New().String(),
		URL:        req.URL,
		Group:      req.Group,
		Episode:    req.Episode,
		Resolution: req.Resolution,
		CreatedAt:  time.Now(),
		filename:   filename,
		status:     StatusPending,
		stop:       make(chan struct{}),
	}
}

// Request returns the enqueue request this task was built from
func (t *DownloadTask) Request() EnqueueRequest {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return EnqueueRequest{
		URL:        t.URL,
		Group:      t.Group,
		Episode:    t.Episode,
		Resolution: t.Resolution,
		Filename:   t.filename,
	}
}

// Snapshot returns a consistent copy of the task state
func (t *DownloadTask) Snapshot() TaskSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TaskSnapshot{
		ID:              t.ID,
		Filename:        t.filename,
		Group:           t.Group,
		Episode:         t.Episode,
		Resolution:      t.Resolution,
		Status:          t.status,
		Progress:        t.progress,
		DownloadedBytes: t.downloaded,
		TotalBytes:      t.total,
		Speed:           t.speed,
		Error:           t.errMsg,
		FilePath:        t.filePath,
		CreatedAt:       t.CreatedAt,
		StartedAt:       copyTime(t.startedAt),
		CompletedAt:     copyTime(t.completedAt),
	}
}

// Status returns the current status
func (t *DownloadTask) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Filename returns the current target filename
func (t *DownloadTask) Filename() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.filename
}

// SetFilename replaces the target filename before any byte is written
func (t *DownloadTask) SetFilename(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.downloaded == 0 && name != "" {
		t.filename = name
	}
}

// MarkDownloading moves a pending task to downloading
func (t *DownloadTask) MarkDownloading(filePath string, total int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPending {
		return false
	}
	now := time.Now()
	t.status = StatusDownloading
	t.startedAt = &now
	t.filePath = filePath
	if total > 0 {
		t.total = total
	}
	return true
}

// MarkStarted stamps the start time without leaving pending; used when a
// transfer fails before the response headers arrive.
func (t *DownloadTask) MarkStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt == nil {
		now := time.Now()
		t.startedAt = &now
	}
}

// AddBytes records n more bytes written to disk
func (t *DownloadTask) AddBytes(n int64) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.downloaded += n
	if t.total > 0 {
		t.progress = float64(t.downloaded) / float64(t.total) * 100
		if t.progress > 100 {
			t.progress = 100
		}
	}
}

// Downloaded returns the byte count written so far
func (t *DownloadTask) Downloaded() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.downloaded
}

// SetSpeed records the instantaneous transfer speed in bytes per second
func (t *DownloadTask) SetSpeed(bytesPerSecond float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.speed = bytesPerSecond
}

// Cancel stops the task on behalf of the user in one step. A task that
// has not started streaming becomes stopped with cause; a downloading task
// becomes stopping and halts at its next chunk boundary. Terminal tasks
// report false.
func (t *DownloadTask) Cancel(cause string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case StatusPending:
		t.stopLocked(cause)
		return true
	case StatusDownloading:
		t.status = StatusStopping
		t.closeStopLocked()
		return true
	case StatusStopping:
		return true
	default:
		return false
	}
}

// StopRequested reports whether the transfer must halt: the task was
// asked to stop or has already reached a terminal status
func (t *DownloadTask) StopRequested() bool {
	s := t.Status()
	return s == StatusStopping || s.IsTerminal()
}

// Stopping is closed once the task is asked to stop or becomes terminal
func (t *DownloadTask) Stopping() <-chan struct{} {
	return t.stop
}

func (t *DownloadTask) closeStopLocked() {
	if !t.stopClosed && t.stop != nil {
		close(t.stop)
		t.stopClosed = true
	}
}

func (t *DownloadTask) stopLocked(cause string) {
	now := time.Now()
	t.status = StatusStopped
	t.speed = 0
	t.errMsg = cause
	t.completedAt = &now
	t.closeStopLocked()
}

// MarkCompleted marks the task as completed
func (t *DownloadTask) MarkCompleted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return false
	}
	now := time.Now()
	t.status = StatusCompleted
	t.progress = 100
	t.speed = 0
	t.completedAt = &now
	t.closeStopLocked()
	return true
}

// MarkFailed marks the task as failed with the error as cause
func (t *DownloadTask) MarkFailed(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return false
	}
	now := time.Now()
	t.status = StatusFailed
	t.speed = 0
	if err != nil {
		t.errMsg = err.Error()
	}
	t.completedAt = &now
	t.closeStopLocked()
	return true
}

// MarkStopped marks the task as stopped with a cancellation cause
func (t *DownloadTask) MarkStopped(cause string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return false
	}
	t.stopLocked(cause)
	return true
}

// IsTerminal checks if the task is in a terminal state
func (t *DownloadTask) IsTerminal() bool {
	return t.Status().IsTerminal()
}

// IsPending checks if the task is still waiting for a worker
func (t *DownloadTask) IsPending() bool {
	return t.Status() == StatusPending
}

func copyTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
