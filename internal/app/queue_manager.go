package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/pahe-extract-go/internal/domain"
	"github.com/yourusername/pahe-extract-go/pkg/logger"
)

// ErrTaskNotFound is returned when no task has the requested id
var ErrTaskNotFound = errors.New("task not found")

// QueueStatus is a point-in-time view of the queue
type QueueStatus struct {
	Running        bool                  `json:"running"`
	Workers        int                   `json:"workers"`
	PendingCount   int                   `json:"pending_count"`
	ActiveCount    int                   `json:"active_count"`
	CompletedCount int                   `json:"completed_count"`
	FailedCount    int                   `json:"failed_count"`
	Pending        []domain.TaskSnapshot `json:"pending"`
	Active         []domain.TaskSnapshot `json:"active"`
	Completed      []domain.TaskSnapshot `json:"completed"`
	Failed         []domain.TaskSnapshot `json:"failed"`
}

// Settings are the runtime-adjustable queue options
type Settings struct {
	DownloadPath string `json:"download_path"`
	MaxWorkers   int    `json:"max_workers"`
}

// QueueManager owns the FIFO of pending tasks and the worker pool that
// drains it. A task is always in exactly one of pending, active,
// completed or failed.
type QueueManager struct {
	config      *domain.QueueConfig
	transfer    *Transfer
	bus         *ProgressBus
	history     domain.HistoryRepository
	multiLogger *logger.MultiLogger

	mu           sync.RWMutex
	pending      []*domain.DownloadTask
	active       map[string]*domain.DownloadTask
	completed    []*domain.DownloadTask
	failed       []*domain.DownloadTask
	downloadPath string
	maxWorkers   int
	running      bool
	workers      int
	cancel       context.CancelFunc
	workerWg     sync.WaitGroup

	// signal wakes one idle worker after an enqueue
	signal chan struct{}
}

// NewQueueManager creates a new queue manager. history and multiLogger may be nil.
func NewQueueManager(
	config *domain.Config,
	transfer *Transfer,
	bus *ProgressBus,
	history domain.HistoryRepository,
	multiLogger *logger.MultiLogger,
) *QueueManager {
	if transfer == nil {
		transfer = NewTransfer(&config.Download, nil)
	}
	if bus == nil {
		bus = NewProgressBus(config.Queue.BusBuffer, nil)
	}

	return &QueueManager{
		config:       &config.Queue,
		transfer:     transfer,
		bus:          bus,
		history:      history,
		multiLogger:  multiLogger,
		active:       make(map[string]*domain.DownloadTask),
		downloadPath: config.Download.BaseDir,
		maxWorkers:   config.Queue.Workers,
		signal:       make(chan struct{}, 1),
	}
}

// Bus returns the progress bus the queue publishes to
func (qm *QueueManager) Bus() *ProgressBus {
	return qm.bus
}

// Start launches workers; zero or less uses the configured worker count
func (qm *QueueManager) Start(ctx context.Context, workers int) error {
	qm.mu.Lock()
	if qm.running {
		qm.mu.Unlock()
		return fmt.Errorf("queue manager already running")
	}
	if workers <= 0 {
		workers = qm.maxWorkers
	}
	if workers < 1 {
		workers = 1
	}
	runCtx, cancel := context.WithCancel(ctx)
	qm.running = true
	qm.workers = workers
	qm.cancel = cancel
	qm.mu.Unlock()

	qm.logEvent("queue_started", zap.Int("workers", workers))

	for i := 0; i < workers; i++ {
		qm.workerWg.Add(1)
		go qm.worker(runCtx, i)
	}

	return nil
}

// Stop cancels in-flight transfers and waits for the workers to exit,
// giving up after StopTimeout. Pending tasks stay queued.
func (qm *QueueManager) Stop() error {
	qm.mu.Lock()
	if !qm.running {
		qm.mu.Unlock()
		return fmt.Errorf("queue manager not running")
	}
	qm.running = false
	cancel := qm.cancel
	qm.cancel = nil
	qm.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		qm.workerWg.Wait()
		close(done)
	}()

	timeout := qm.config.StopTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case <-done:
		qm.logEvent("queue_stopped")
		return nil
	case <-time.After(timeout):
		qm.logError("Timed out waiting for workers", zap.Duration("timeout", timeout))
		return fmt.Errorf("timed out after %s waiting for workers to stop", timeout)
	}
}

// IsRunning returns whether the workers are running
func (qm *QueueManager) IsRunning() bool {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return qm.running
}

// Enqueue adds a transfer to the end of the queue and returns its id
func (qm *QueueManager) Enqueue(req domain.EnqueueRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("invalid request: %w", err)
	}

	task := domain.NewDownloadTask(req)

	qm.mu.Lock()
	qm.pending = append(qm.pending, task)
	qm.mu.Unlock()

	qm.wake()
	qm.bus.Publish(task.Snapshot())
	qm.logEvent("task_enqueued",
		zap.String("id", task.ID),
		zap.String("group", task.Group),
		zap.Float64("episode", task.Episode),
		zap.Int("resolution", task.Resolution),
		zap.String("filename", task.Filename()))

	return task.ID, nil
}

// Cancel stops an active task at its next chunk boundary or removes a
// pending one from the queue. It reports whether the id was found.
func (qm *QueueManager) Cancel(id string) bool {
	qm.mu.Lock()

	if task, ok := qm.active[id]; ok {
		qm.mu.Unlock()
		// admitted but not yet streaming: stopped here, and MarkDownloading refuses it
		task.Cancel(domain.CauseCancelledByUser)
		qm.bus.Publish(task.Snapshot())
		qm.logEvent("task_cancel_requested", zap.String("id", id))
		return true
	}

	for i, task := range qm.pending {
		if task.ID != id {
			continue
		}
		qm.pending = append(qm.pending[:i], qm.pending[i+1:]...)
		task.MarkStopped(domain.CauseCancelledBeforeStart)
		qm.failed = appendBounded(qm.failed, task, qm.config.HistoryLimit)
		qm.mu.Unlock()

		snap := task.Snapshot()
		qm.bus.Publish(snap)
		qm.recordHistory(snap)
		qm.logEvent("task_cancelled", zap.String("id", id), zap.String("cause", snap.Error))
		return true
	}

	qm.mu.Unlock()
	return false
}

// RetryFailed re-enqueues every failed task as a new task and empties the
// failed list. It returns how many tasks were queued.
func (qm *QueueManager) RetryFailed() int {
	qm.mu.Lock()
	failed := qm.failed
	qm.failed = nil
	retried := make([]*domain.DownloadTask, 0, len(failed))
	for _, old := range failed {
		task := domain.NewDownloadTask(old.Request())
		qm.pending = append(qm.pending, task)
		retried = append(retried, task)
	}
	qm.mu.Unlock()

	for _, task := range retried {
		qm.bus.Publish(task.Snapshot())
	}
	if len(retried) > 0 {
		qm.wake()
		qm.logEvent("failed_retried", zap.Int("count", len(retried)))
	}
	return len(retried)
}

// ClearCompleted empties the completed list and returns how many entries it held
func (qm *QueueManager) ClearCompleted() int {
	qm.mu.Lock()
	n := len(qm.completed)
	qm.completed = nil
	qm.mu.Unlock()

	if n > 0 {
		qm.logEvent("completed_cleared", zap.Int("count", n))
	}
	return n
}

// Get returns the snapshot of a task in any list
func (qm *QueueManager) Get(id string) (domain.TaskSnapshot, error) {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	if task, ok := qm.active[id]; ok {
		return task.Snapshot(), nil
	}
	for _, list := range [][]*domain.DownloadTask{qm.pending, qm.completed, qm.failed} {
		for _, task := range list {
			if task.ID == id {
				return task.Snapshot(), nil
			}
		}
	}
	return domain.TaskSnapshot{}, ErrTaskNotFound
}

// Status returns a snapshot of the queue. Completed and failed lists are
// cut to the last StatusTail entries; counts cover the full lists.
func (qm *QueueManager) Status() QueueStatus {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	status := QueueStatus{
		Running:        qm.running,
		Workers:        qm.workers,
		PendingCount:   len(qm.pending),
		ActiveCount:    len(qm.active),
		CompletedCount: len(qm.completed),
		FailedCount:    len(qm.failed),
		Pending:        snapshots(qm.pending),
		Active:         make([]domain.TaskSnapshot, 0, len(qm.active)),
		Completed:      snapshots(tail(qm.completed, qm.config.StatusTail)),
		Failed:         snapshots(tail(qm.failed, qm.config.StatusTail)),
	}
	for _, task := range qm.active {
		status.Active = append(status.Active, task.Snapshot())
	}
	return status
}

// Settings returns the current runtime settings
func (qm *QueueManager) Settings() Settings {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return Settings{DownloadPath: qm.downloadPath, MaxWorkers: qm.maxWorkers}
}

// UpdateSettings changes the download root and the worker count. Nil
// fields are left alone. A new worker count applies on the next Start.
func (qm *QueueManager) UpdateSettings(downloadPath *string, maxWorkers *int) (Settings, error) {
	var path string
	if downloadPath != nil {
		path = filepath.Clean(expandPath(*downloadPath))
		if *downloadPath == "" || !filepath.IsAbs(path) {
			return Settings{}, fmt.Errorf("download path must be absolute: %q", *downloadPath)
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return Settings{}, fmt.Errorf("failed to create download path: %w", err)
		}
	}
	if maxWorkers != nil && (*maxWorkers < 1 || *maxWorkers > MaxWorkers) {
		return Settings{}, fmt.Errorf("max workers must be between 1 and %d", MaxWorkers)
	}

	qm.mu.Lock()
	if downloadPath != nil {
		qm.downloadPath = path
	}
	if maxWorkers != nil {
		qm.maxWorkers = *maxWorkers
	}
	settings := Settings{DownloadPath: qm.downloadPath, MaxWorkers: qm.maxWorkers}
	qm.mu.Unlock()

	qm.logEvent("settings_updated",
		zap.String("download_path", settings.DownloadPath),
		zap.Int("max_workers", settings.MaxWorkers))
	return settings, nil
}

// worker pulls tasks until ctx is cancelled. An idle worker wakes on an
// enqueue signal or after PollInterval, whichever comes first.
func (qm *QueueManager) worker(ctx context.Context, slot int) {
	defer qm.workerWg.Done()

	poll := qm.config.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	timer := time.NewTimer(poll)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		if task := qm.next(); task != nil {
			qm.process(ctx, slot, task)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(poll)

		select {
		case <-ctx.Done():
			return
		case <-qm.signal:
		case <-timer.C:
		}
	}
}

// next moves the head of the queue into the active set
func (qm *QueueManager) next() *domain.DownloadTask {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	if len(qm.pending) == 0 {
		return nil
	}
	task := qm.pending[0]
	qm.pending[0] = nil
	qm.pending = qm.pending[1:]
	qm.active[task.ID] = task

	if len(qm.pending) > 0 {
		qm.wake()
	}
	return task
}

func (qm *QueueManager) process(ctx context.Context, slot int, task *domain.DownloadTask) {
	qm.logEvent("task_started", zap.String("id", task.ID), zap.Int("worker", slot))

	root := qm.Settings().DownloadPath
	err := qm.transfer.Run(ctx, task, root, func() {
		qm.bus.Publish(task.Snapshot())
	})

	switch {
	case err == nil:
		task.MarkCompleted()
	case errors.Is(err, domain.ErrCancelled):
		task.MarkStopped(domain.CauseCancelledByUser)
	case ctx.Err() != nil:
		task.MarkStopped(domain.CauseQueueShutdown)
	default:
		task.MarkFailed(err)
	}

	qm.finish(task)
}

// finish moves a terminal task out of the active set into history
func (qm *QueueManager) finish(task *domain.DownloadTask) {
	snap := task.Snapshot()

	qm.mu.Lock()
	delete(qm.active, task.ID)
	if snap.Status == domain.StatusCompleted {
		qm.completed = appendBounded(qm.completed, task, qm.config.HistoryLimit)
	} else {
		qm.failed = appendBounded(qm.failed, task, qm.config.HistoryLimit)
	}
	qm.mu.Unlock()

	qm.bus.Publish(snap)
	qm.recordHistory(snap)

	fields := []zap.Field{
		zap.String("id", snap.ID),
		zap.String("status", string(snap.Status)),
		zap.Int64("downloaded_bytes", snap.DownloadedBytes),
		zap.String("file_path", snap.FilePath),
	}
	if snap.Error != "" {
		fields = append(fields, zap.String("error", snap.Error))
	}
	qm.logEvent("task_"+string(snap.Status), fields...)
	if snap.Status == domain.StatusFailed {
		qm.logError("Transfer failed", zap.String("id", snap.ID), zap.String("error", snap.Error))
	}
}

func (qm *QueueManager) wake() {
	select {
	case qm.signal <- struct{}{}:
	default:
	}
}

func (qm *QueueManager) recordHistory(snap domain.TaskSnapshot) {
	if qm.history == nil {
		return
	}
	if err := qm.history.Save(domain.NewHistoryRecord(snap)); err != nil {
		qm.logError("Failed to save history", zap.String("id", snap.ID), zap.Error(err))
	}
}

func (qm *QueueManager) logEvent(event string, fields ...zap.Field) {
	if qm.multiLogger != nil {
		qm.multiLogger.LogQueueEvent(event, fields...)
	}
}

func (qm *QueueManager) logError(msg string, fields ...zap.Field) {
	if qm.multiLogger != nil {
		qm.multiLogger.LogAppError(msg, fields...)
	}
}

// appendBounded appends task and drops the oldest entries beyond limit
func appendBounded(list []*domain.DownloadTask, task *domain.DownloadTask, limit int) []*domain.DownloadTask {
	list = append(list, task)
	if limit > 0 && len(list) > limit {
		list = append([]*domain.DownloadTask(nil), list[len(list)-limit:]...)
	}
	return list
}

func tail(list []*domain.DownloadTask, n int) []*domain.DownloadTask {
	if n > 0 && len(list) > n {
		return list[len(list)-n:]
	}
	return list
}

func snapshots(list []*domain.DownloadTask) []domain.TaskSnapshot {
	out := make([]domain.TaskSnapshot, 0, len(list))
	for _, task := range list {
		out = append(out, task.Snapshot())
	}
	return out
}
