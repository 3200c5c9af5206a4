package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yourusername/pahe-extract-go/internal/domain"
	"github.com/yourusername/pahe-extract-go/internal/infrastructure"
)

// Transfer streams a task's URL to disk
type Transfer struct {
	config  *domain.DownloadConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewTransfer creates a transfer runner. RateLimit > 0 caps throughput in bytes per second.
func NewTransfer(config *domain.DownloadConfig, logger *zap.Logger) *Transfer {
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Transfer{
		config: config,
		logger: logger,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   config.ConnectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   config.ConnectTimeout,
				ResponseHeaderTimeout: config.ReadTimeout,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}

	if config.RateLimit > 0 {
		burst := config.ChunkSize
		if int64(burst) < config.RateLimit {
			burst = int(config.RateLimit)
		}
		t.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return t
}

// Run downloads task into root/<group>/<filename>. It returns nil when
// the whole body was written, domain.ErrCancelled when the task was asked
// to stop, the context error on shutdown and a domain.ErrTransfer wrap
// otherwise. The partial file is removed on every non-nil return.
// report is called at most once per ProgressInterval while bytes flow.
//
// A stop request or ReadTimeout without progress aborts a blocked read.
func (t *Transfer) Run(ctx context.Context, task *domain.DownloadTask, root string, report func()) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	idle := newIdleWatchdog(t.config.ReadTimeout, cancel)
	defer idle.stop()

	go func() {
		select {
		case <-task.Stopping():
			cancel()
		case <-runCtx.Done():
		}
	}()

	err := t.run(runCtx, task, root, report, idle)
	switch {
	case err == nil, errors.Is(err, domain.ErrCancelled):
		return err
	case task.StopRequested():
		return domain.ErrCancelled
	case ctx.Err() != nil:
		return ctx.Err()
	case idle.expired():
		return fmt.Errorf("%w: read timeout after %s", domain.ErrTransfer, t.config.ReadTimeout)
	}
	return err
}

func (t *Transfer) run(ctx context.Context, task *domain.DownloadTask, root string, report func(), idle *idleWatchdog) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		task.MarkStarted()
		return fmt.Errorf("%w: failed to create request: %v", domain.ErrTransfer, err)
	}
	req.Header.Set("Referer", t.config.Referer)
	req.Header.Set("User-Agent", t.config.UserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		task.MarkStarted()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", domain.ErrTransfer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		task.MarkStarted()
		return fmt.Errorf("%w: unexpected HTTP status %d", domain.ErrTransfer, resp.StatusCode)
	}

	if name := infrastructure.ContentDispositionFilename(resp.Header.Get("Content-Disposition")); name != "" {
		task.SetFilename(name)
	}

	dir := root
	if group := infrastructure.SanitizeName(task.Group); group != "" {
		dir = filepath.Join(root, group)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		task.MarkStarted()
		return fmt.Errorf("%w: failed to create directory: %v", domain.ErrTransfer, err)
	}

	filename := infrastructure.SanitizeName(task.Filename())
	if filename == "" {
		filename = domain.DefaultFilename(task.Episode, task.Resolution)
	}
	path := filepath.Join(dir, filename)

	if !task.MarkDownloading(path, resp.ContentLength) {
		// cancelled between admission and the first response byte
		return domain.ErrCancelled
	}

	t.logger.Info("Transfer started",
		zap.String("id", task.ID),
		zap.String("file", path),
		zap.Int64("total_bytes", resp.ContentLength))
	if report != nil {
		report()
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: failed to create file: %v", domain.ErrTransfer, err)
	}

	if err := t.stream(ctx, task, resp.Body, file, report, idle); err != nil {
		file.Close()
		t.removePartial(path)
		return err
	}

	if err := file.Close(); err != nil {
		t.removePartial(path)
		return fmt.Errorf("%w: failed to close file: %v", domain.ErrTransfer, err)
	}

	snap := task.Snapshot()
	if snap.TotalBytes > 0 && snap.DownloadedBytes != snap.TotalBytes {
		t.removePartial(path)
		return fmt.Errorf("%w: incomplete transfer: got %d of %d bytes",
			domain.ErrTransfer, snap.DownloadedBytes, snap.TotalBytes)
	}

	return nil
}

// stream copies body to file in ChunkSize pieces, checking for a stop
// request before every chunk.
func (t *Transfer) stream(ctx context.Context, task *domain.DownloadTask, body io.Reader, file *os.File, report func(), idle *idleWatchdog) error {
	chunkSize := t.config.ChunkSize
	if chunkSize < 1 {
		chunkSize = 64 * 1024
	}
	interval := t.config.ProgressInterval
	if interval <= 0 {
		interval = time.Second
	}

	buf := make([]byte, chunkSize)
	lastReport := time.Now()
	lastBytes := task.Downloaded()

	for {
		if task.StopRequested() {
			return domain.ErrCancelled
		}

		n, readErr := io.ReadFull(body, buf)
		if n > 0 {
			idle.touch()
			if t.limiter != nil {
				idle.pause()
				err := t.limiter.WaitN(ctx, n)
				idle.touch()
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					return fmt.Errorf("%w: %v", domain.ErrTransfer, err)
				}
			}
			if _, err := file.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: failed to write file: %v", domain.ErrTransfer, err)
			}
			task.AddBytes(int64(n))

			if elapsed := time.Since(lastReport); elapsed >= interval {
				downloaded := task.Downloaded()
				task.SetSpeed(float64(downloaded-lastBytes) / elapsed.Seconds())
				lastReport, lastBytes = time.Now(), downloaded
				if report != nil {
					report()
				}
			}
		}

		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("%w: %v", domain.ErrTransfer, readErr)
		}
	}
}

func (t *Transfer) removePartial(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		t.logger.Warn("Failed to remove partial file", zap.String("file", path), zap.Error(err))
	}
}

// idleWatchdog calls onExpire when timeout passes without a touch.
// A zero timeout disables it.
type idleWatchdog struct {
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

func newIdleWatchdog(timeout time.Duration, onExpire func()) *idleWatchdog {
	w := &idleWatchdog{timeout: timeout}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() {
			w.fired.Store(true)
			onExpire()
		})
	}
	return w
}

func (w *idleWatchdog) touch() {
	if w.timer != nil && !w.fired.Load() {
		w.timer.Reset(w.timeout)
	}
}

func (w *idleWatchdog) pause() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *idleWatchdog) stop() {
	w.pause()
}

func (w *idleWatchdog) expired() bool {
	return w.fired.Load()
}
