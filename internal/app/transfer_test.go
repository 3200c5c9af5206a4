package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/pahe-extract-go/internal/domain"
)

func newTestTransfer(t *testing.T) (*Transfer, string) {
	t.Helper()
	cfg := testConfig(t)
	return NewTransfer(&cfg.Download, nil), cfg.Download.BaseDir
}

func TestTransfer_WritesIntoGroupFolder(t *testing.T) {
	srv := newFileServer(t)
	tr, root := newTestTransfer(t)

	task := domain.NewDownloadTask(domain.EnqueueRequest{
		URL:        srv.URL + "/file/4000",
		Group:      "Re:Zero",
		Episode:    7,
		Resolution: 1080,
	})

	reports := 0
	err := tr.Run(context.Background(), task, root, func() { reports++ })
	require.NoError(t, err)

	path := filepath.Join(root, "ReZero", "EP07_1080p.mp4")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), info.Size())

	snap := task.Snapshot()
	assert.Equal(t, path, snap.FilePath)
	assert.Equal(t, int64(4000), snap.DownloadedBytes)
	assert.Equal(t, int64(4000), snap.TotalBytes)
	assert.GreaterOrEqual(t, reports, 1)
}

func TestTransfer_ContentDispositionOverridesFilename(t *testing.T) {
	srv := newFileServer(t)
	tr, root := newTestTransfer(t)

	task := domain.NewDownloadTask(domain.EnqueueRequest{
		URL:   srv.URL + "/file/10?cd=AnimePahe_Frieren_-_01_1080p.mp4",
		Group: "Frieren",
	})

	require.NoError(t, tr.Run(context.Background(), task, root, nil))
	assert.Equal(t, "AnimePahe_Frieren_-_01_1080p.mp4", task.Filename())
	assert.FileExists(t, filepath.Join(root, "Frieren", "AnimePahe_Frieren_-_01_1080p.mp4"))
}

func TestTransfer_UnexpectedStatus(t *testing.T) {
	srv := newFileServer(t)
	tr, root := newTestTransfer(t)

	task := domain.NewDownloadTask(domain.EnqueueRequest{URL: srv.URL + "/missing", Group: "Frieren"})
	err := tr.Run(context.Background(), task, root, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransfer))
	assert.Contains(t, err.Error(), "unexpected HTTP status 404")
	assert.NoDirExists(t, filepath.Join(root, "Frieren"))
}

func TestTransfer_IncompleteBodyRemovesFile(t *testing.T) {
	srv := newFileServer(t)
	tr, root := newTestTransfer(t)

	task := domain.NewDownloadTask(domain.EnqueueRequest{URL: srv.URL + "/short", Group: "Frieren", Episode: 1, Resolution: 720})
	err := tr.Run(context.Background(), task, root, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransfer))
	assert.Contains(t, err.Error(), "incomplete transfer")
	assert.NoFileExists(t, filepath.Join(root, "Frieren", "EP01_720p.mp4"))
}

func TestTransfer_StopBeforeStreaming(t *testing.T) {
	srv := newFileServer(t)
	tr, root := newTestTransfer(t)

	task := domain.NewDownloadTask(domain.EnqueueRequest{URL: srv.URL + "/file/10", Group: "Frieren"})
	require.True(t, task.MarkStopped(domain.CauseCancelledByUser))

	err := tr.Run(context.Background(), task, root, nil)
	assert.ErrorIs(t, err, domain.ErrCancelled)
}

func TestTransfer_RateLimited(t *testing.T) {
	srv := newFileServer(t)
	cfg := testConfig(t)
	cfg.Download.RateLimit = 1 << 20
	tr := NewTransfer(&cfg.Download, nil)
	require.NotNil(t, tr.limiter)

	task := domain.NewDownloadTask(domain.EnqueueRequest{URL: srv.URL + "/file/8192", Group: "Frieren"})
	require.NoError(t, tr.Run(context.Background(), task, cfg.Download.BaseDir, nil))
	assert.Equal(t, int64(8192), task.Downloaded())
}

func TestTransfer_ReadTimeoutOnStalledBody(t *testing.T) {
	srv := newFileServer(t)
	cfg := testConfig(t)
	cfg.Download.ReadTimeout = 200 * time.Millisecond
	tr := NewTransfer(&cfg.Download, nil)

	task := domain.NewDownloadTask(domain.EnqueueRequest{URL: srv.URL + "/stall/1000000", Group: "Frieren", Episode: 2, Resolution: 720})

	start := time.Now()
	err := tr.Run(context.Background(), task, cfg.Download.BaseDir, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransfer))
	assert.Contains(t, err.Error(), "read timeout")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int64(4096), task.Downloaded())
	assert.NoFileExists(t, filepath.Join(cfg.Download.BaseDir, "Frieren", "EP02_720p.mp4"))
}

func TestTransfer_CancelUnblocksStalledBody(t *testing.T) {
	srv := newFileServer(t)
	cfg := testConfig(t)
	cfg.Download.ReadTimeout = time.Minute
	tr := NewTransfer(&cfg.Download, nil)

	task := domain.NewDownloadTask(domain.EnqueueRequest{URL: srv.URL + "/stall/1000000", Group: "Frieren", Episode: 2, Resolution: 720})

	done := make(chan error, 1)
	go func() {
		done <- tr.Run(context.Background(), task, cfg.Download.BaseDir, nil)
	}()

	require.Eventually(t, func() bool { return task.Downloaded() == 4096 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, task.Cancel(domain.CauseCancelledByUser))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrCancelled)
	case <-time.After(3 * time.Second):
		t.Fatal("transfer did not return after cancel")
	}
	assert.NoFileExists(t, filepath.Join(cfg.Download.BaseDir, "Frieren", "EP02_720p.mp4"))
}

func TestTransfer_CancelWhileWaitingForHeaders(t *testing.T) {
	srv := newFileServer(t)
	tr, root := newTestTransfer(t)

	task := domain.NewDownloadTask(domain.EnqueueRequest{URL: srv.URL + "/hold", Group: "Frieren"})

	done := make(chan error, 1)
	go func() {
		done <- tr.Run(context.Background(), task, root, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	require.True(t, task.Cancel(domain.CauseCancelledByUser))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrCancelled)
	case <-time.After(3 * time.Second):
		t.Fatal("transfer did not return after cancel")
	}
	assert.Equal(t, domain.StatusStopped, task.Status())
	assert.NoDirExists(t, filepath.Join(root, "Frieren"))
}
