package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/yourusername/pahe-extract-go/internal/domain"
)

// maxFinishedJobs is how many finished batch jobs are kept for polling
const maxFinishedJobs = 100

// LinkResolver turns an embed page URL into a direct download URL
type LinkResolver interface {
	Resolve(ctx context.Context, embedURL string) (string, error)
}

// OptionSource lists the download options of an episode of a title
type OptionSource interface {
	DownloadOptions(ctx context.Context, animeSession, episodeSession string) ([]domain.DownloadOption, error)
}

// EpisodeCatalog browses a title's episodes and their download options
type EpisodeCatalog interface {
	OptionSource
	Episodes(ctx context.Context, animeSession string, page int) (domain.EpisodePage, error)
	AllEpisodes(ctx context.Context, animeSession string) ([]domain.Episode, error)
}

// Enqueuer accepts resolved transfers
type Enqueuer interface {
	Enqueue(req domain.EnqueueRequest) (string, error)
}

// BatchItem is one episode of a batch. It carries either its quality
// options or the episode session they are looked up with.
type BatchItem struct {
	Episode        float64                 `json:"episode"`
	EpisodeSession string                  `json:"episode_session,omitempty"`
	Options        []domain.DownloadOption `json:"options,omitempty" binding:"omitempty,dive"`
}

// BatchRequest asks for several episodes to be resolved and queued.
// AnimeSession is required when an item has no options.
type BatchRequest struct {
	Group        string      `json:"group" binding:"required"`
	AnimeSession string      `json:"anime_session,omitempty"`
	Resolution   int         `json:"resolution"`
	Items        []BatchItem `json:"items" binding:"required,min=1,dive"`
}

// BatchItemState is the progress of one batch item
type BatchItemState string

const (
	ItemPending   BatchItemState = "pending"
	ItemFetching  BatchItemState = "fetching_options"
	ItemResolving BatchItemState = "resolving"
	ItemQueued    BatchItemState = "queued"
	ItemFailed    BatchItemState = "failed"
	ItemCancelled BatchItemState = "cancelled"
)

// BatchItemStatus reports what happened to one item
type BatchItemStatus struct {
	Episode    float64        `json:"episode"`
	Resolution int            `json:"resolution,omitempty"`
	State      BatchItemState `json:"state"`
	TaskID     string         `json:"task_id,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// BatchJobStatus is a snapshot of a batch job
type BatchJobStatus struct {
	ID         string            `json:"id"`
	Group      string            `json:"group"`
	Done       bool              `json:"done"`
	Cancelled  bool              `json:"cancelled"`
	Queued     int               `json:"queued"`
	Failed     int               `json:"failed"`
	Items      []BatchItemStatus `json:"items"`
	CreatedAt  time.Time         `json:"created_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// BatchJob resolves and enqueues the items of one BatchRequest in the
// background. It can be polled through Status and stopped with Cancel.
type BatchJob struct {
	ID        string
	Group     string
	CreatedAt time.Time

	mu         sync.RWMutex
	items      []BatchItemStatus
	cancelled  bool
	finishedAt *time.Time
	cancel     context.CancelFunc
	done       chan struct{}
}

// Done is closed once every item reached queued, failed or cancelled
func (j *BatchJob) Done() <-chan struct{} {
	return j.done
}

// Status returns a snapshot of the job
func (j *BatchJob) Status() BatchJobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()

	status := BatchJobStatus{
		ID:         j.ID,
		Group:      j.Group,
		Done:       j.finishedAt != nil,
		Cancelled:  j.cancelled,
		Items:      append([]BatchItemStatus(nil), j.items...),
		CreatedAt:  j.CreatedAt,
		FinishedAt: copyTimePtr(j.finishedAt),
	}
	for _, item := range j.items {
		switch item.State {
		case ItemQueued:
			status.Queued++
		case ItemFailed:
			status.Failed++
		}
	}
	return status
}

func (j *BatchJob) update(i int, fn func(*BatchItemStatus)) {
	j.mu.Lock()
	fn(&j.items[i])
	j.mu.Unlock()
}

// BatchManager runs batch jobs with bounded resolver concurrency
type BatchManager struct {
	resolver    LinkResolver
	options     OptionSource
	queue       Enqueuer
	concurrency int
	logger      *zap.Logger

	ctx  context.Context
	mu   sync.RWMutex
	jobs map[string]*BatchJob
}

// NewBatchManager creates a batch manager. Jobs are cancelled when ctx is.
func NewBatchManager(ctx context.Context, resolver LinkResolver, queue Enqueuer, concurrency int, logger *zap.Logger) *BatchManager {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchManager{
		resolver:    resolver,
		queue:       queue,
		concurrency: concurrency,
		logger:      logger,
		ctx:         ctx,
		jobs:        make(map[string]*BatchJob),
	}
}

// SetOptionSource lets items name an episode session instead of options.
// Call it before the first Submit.
func (m *BatchManager) SetOptionSource(src OptionSource) {
	m.options = src
}

// Submit starts a job for req and returns immediately
func (m *BatchManager) Submit(req BatchRequest) (*BatchJob, error) {
	if req.Group == "" {
		return nil, fmt.Errorf("group is required")
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("batch has no items")
	}
	for i, item := range req.Items {
		if len(item.Options) > 0 {
			continue
		}
		if item.EpisodeSession == "" || req.AnimeSession == "" {
			return nil, fmt.Errorf("item %d has neither options nor an anime and episode session", i)
		}
		if m.options == nil {
			return nil, fmt.Errorf("item %d: episode sessions are not supported", i)
		}
	}

	ctx, cancel := context.WithCancel(m.ctx)
	job := &BatchJob{
		ID:        uuid.New().String(),
		Group:     req.Group,
		CreatedAt: time.Now(),
		items:     make([]BatchItemStatus, len(req.Items)),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for i, item := range req.Items {
		job.items[i] = BatchItemStatus{Episode: item.Episode, State: ItemPending}
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.pruneLocked()
	m.mu.Unlock()

	m.logger.Info("Batch submitted",
		zap.String("job_id", job.ID),
		zap.String("group", req.Group),
		zap.Int("items", len(req.Items)))

	go m.run(ctx, job, req)
	return job, nil
}

// Get returns the job with the given id
func (m *BatchManager) Get(id string) (*BatchJob, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	return job, ok
}

// Cancel stops a running job. Items already queued stay queued.
func (m *BatchManager) Cancel(id string) bool {
	job, ok := m.Get(id)
	if !ok {
		return false
	}
	job.mu.Lock()
	job.cancelled = true
	job.mu.Unlock()
	job.cancel()
	return true
}

// List returns the status of every known job, newest first
func (m *BatchManager) List() []BatchJobStatus {
	m.mu.RLock()
	jobs := make([]*BatchJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.After(jobs[b].CreatedAt) })
	out := make([]BatchJobStatus, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.Status())
	}
	return out
}

func (m *BatchManager) run(ctx context.Context, job *BatchJob, req BatchRequest) {
	defer close(job.done)
	defer job.cancel()

	p := pool.New().WithMaxGoroutines(m.concurrency)
	for i := range req.Items {
		i := i
		p.Go(func() {
			m.runItem(ctx, job, i, req)
		})
	}
	p.Wait()

	now := time.Now()
	job.mu.Lock()
	job.finishedAt = &now
	job.mu.Unlock()

	status := job.Status()
	m.logger.Info("Batch finished",
		zap.String("job_id", job.ID),
		zap.Int("queued", status.Queued),
		zap.Int("failed", status.Failed),
		zap.Bool("cancelled", status.Cancelled))
}

func (m *BatchManager) runItem(ctx context.Context, job *BatchJob, i int, req BatchRequest) {
	item := req.Items[i]

	if ctx.Err() != nil {
		job.update(i, func(s *BatchItemStatus) { s.State = ItemCancelled })
		return
	}

	options := item.Options
	if len(options) == 0 {
		job.update(i, func(s *BatchItemStatus) { s.State = ItemFetching })

		var err error
		options, err = m.options.DownloadOptions(ctx, req.AnimeSession, item.EpisodeSession)
		if err != nil {
			state := ItemFailed
			if ctx.Err() != nil {
				state = ItemCancelled
			}
			m.logger.Warn("Batch item options failed",
				zap.String("job_id", job.ID),
				zap.Float64("episode", item.Episode),
				zap.Error(err))
			job.update(i, func(s *BatchItemStatus) {
				s.State = state
				s.Error = err.Error()
			})
			return
		}
	}

	opt, ok := domain.SelectOption(options, req.Resolution)
	if !ok {
		job.update(i, func(s *BatchItemStatus) {
			s.State = ItemFailed
			s.Error = "no download options"
		})
		return
	}

	job.update(i, func(s *BatchItemStatus) {
		s.State = ItemResolving
		s.Resolution = opt.Resolution
	})

	direct, err := m.resolver.Resolve(ctx, opt.EmbedURL)
	if err != nil {
		state := ItemFailed
		if ctx.Err() != nil || errors.Is(err, domain.ErrCancelled) {
			state = ItemCancelled
		}
		m.logger.Warn("Batch item resolution failed",
			zap.String("job_id", job.ID),
			zap.Float64("episode", item.Episode),
			zap.Error(err))
		job.update(i, func(s *BatchItemStatus) {
			s.State = state
			s.Error = err.Error()
		})
		return
	}

	id, err := m.queue.Enqueue(domain.EnqueueRequest{
		URL:        direct,
		Group:      req.Group,
		Episode:    item.Episode,
		Resolution: opt.Resolution,
	})
	if err != nil {
		job.update(i, func(s *BatchItemStatus) {
			s.State = ItemFailed
			s.Error = err.Error()
		})
		return
	}

	job.update(i, func(s *BatchItemStatus) {
		s.State = ItemQueued
		s.TaskID = id
	})
}

// pruneLocked drops the oldest finished jobs beyond maxFinishedJobs
func (m *BatchManager) pruneLocked() {
	var finished []*BatchJob
	for _, job := range m.jobs {
		if job.Status().Done {
			finished = append(finished, job)
		}
	}
	if len(finished) <= maxFinishedJobs {
		return
	}
	sort.Slice(finished, func(a, b int) bool { return finished[a].CreatedAt.Before(finished[b].CreatedAt) })
	for _, job := range finished[:len(finished)-maxFinishedJobs] {
		delete(m.jobs, job.ID)
	}
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
