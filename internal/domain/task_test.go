package domain

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTask() *DownloadTask {
	return NewDownloadTask(EnqueueRequest{
		URL:        "https://cdn.example.com/file.mp4",
		Group:      "Frieren",
		Episode:    3,
		Resolution: 1080,
	})
}

func TestNewDownloadTask(t *testing.T) {
	task := newTestTask()

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "https://cdn.example.com/file.mp4", task.URL)
	assert.Equal(t, "Frieren", task.Group)
	assert.Equal(t, StatusPending, task.Status())
	assert.Equal(t, "EP03_1080p.mp4", task.Filename())
	assert.False(t, task.CreatedAt.IsZero())
}

func TestNewDownloadTask_UniqueIDs(t *testing.T) {
	assert.NotEqual(t, newTestTask().ID, newTestTask().ID)
}

func TestNewDownloadTask_CustomFilename(t *testing.T) {
	task := NewDownloadTask(EnqueueRequest{URL: "https://x.test/a", Filename: "special.mkv"})
	assert.Equal(t, "special.mkv", task.Filename())
}

func TestDefaultFilename(t *testing.T) {
	assert.Equal(t, "EP01_720p.mp4", DefaultFilename(1, 720))
	assert.Equal(t, "EP12_360p.mp4", DefaultFilename(12.5, 360))
	assert.Equal(t, "EP105_1080p.mp4", DefaultFilename(105, 1080))
}

func TestEnqueueRequest_Validate(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://cdn.example.com/v.mp4", false},
		{"http://cdn.example.com/v.mp4", false},
		{"", true},
		{"ftp://cdn.example.com/v.mp4", true},
		{"https:///nohost", true},
		{"::not a url", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := EnqueueRequest{URL: tt.url}.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDownloadTask_Lifecycle(t *testing.T) {
	task := newTestTask()

	require.True(t, task.MarkDownloading("/tmp/x/EP03_1080p.mp4", 200))
	snap := task.Snapshot()
	assert.Equal(t, StatusDownloading, snap.Status)
	assert.NotNil(t, snap.StartedAt)
	assert.Equal(t, int64(200), snap.TotalBytes)

	task.AddBytes(50)
	assert.InDelta(t, 25.0, task.Snapshot().Progress, 0.001)

	task.AddBytes(150)
	require.True(t, task.MarkCompleted())

	snap = task.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, snap.TotalBytes, snap.DownloadedBytes)
	assert.Equal(t, 100.0, snap.Progress)
	assert.NotNil(t, snap.CompletedAt)
}

func TestDownloadTask_UnknownTotalKeepsProgressZero(t *testing.T) {
	task := newTestTask()
	task.MarkDownloading("/tmp/file", 0)

	task.AddBytes(4096)

	snap := task.Snapshot()
	assert.Equal(t, int64(4096), snap.DownloadedBytes)
	assert.Zero(t, snap.TotalBytes)
	assert.Zero(t, snap.Progress)
}

func TestDownloadTask_MarkDownloadingOnlyFromPending(t *testing.T) {
	task := newTestTask()
	require.True(t, task.MarkDownloading("/tmp/a", 10))
	assert.False(t, task.MarkDownloading("/tmp/b", 10))
}

func TestDownloadTask_TerminalIsFinal(t *testing.T) {
	task := newTestTask()
	require.True(t, task.MarkFailed(errors.New("connection reset")))

	assert.False(t, task.MarkCompleted())
	assert.False(t, task.MarkStopped(CauseCancelledByUser))
	assert.False(t, task.MarkFailed(errors.New("other")))
	assert.False(t, task.Cancel(CauseCancelledByUser))

	snap := task.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, "connection reset", snap.Error)
}

func TestDownloadTask_CancelDownloading(t *testing.T) {
	task := newTestTask()
	require.True(t, task.MarkDownloading("/tmp/a", 0))

	assert.True(t, task.Cancel(CauseCancelledByUser))
	assert.Equal(t, StatusStopping, task.Status())
	assert.True(t, task.StopRequested())
	assert.True(t, task.Cancel(CauseCancelledByUser), "repeated requests are idempotent")

	select {
	case <-task.Stopping():
	default:
		t.Fatal("stop channel not closed")
	}

	require.True(t, task.MarkStopped(CauseCancelledByUser))
	snap := task.Snapshot()
	assert.Equal(t, StatusStopped, snap.Status)
	assert.Equal(t, CauseCancelledByUser, snap.Error)
	assert.True(t, task.IsTerminal())
}

func TestDownloadTask_CancelBeforeStreaming(t *testing.T) {
	task := newTestTask()

	require.True(t, task.Cancel(CauseCancelledByUser))
	assert.Equal(t, StatusStopped, task.Status())
	assert.True(t, task.StopRequested())

	// the worker can no longer move it to downloading
	assert.False(t, task.MarkDownloading("/tmp/a", 10))
	assert.False(t, task.MarkCompleted())
	assert.Equal(t, CauseCancelledByUser, task.Snapshot().Error)
}

func TestDownloadTask_CancelRacesMarkDownloading(t *testing.T) {
	for i := 0; i < 200; i++ {
		task := newTestTask()

		var wg sync.WaitGroup
		var started bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			started = task.MarkDownloading("/tmp/a", 10)
		}()
		go func() {
			defer wg.Done()
			task.Cancel(CauseCancelledByUser)
		}()
		wg.Wait()

		if started {
			assert.Equal(t, StatusStopping, task.Status())
		} else {
			assert.Equal(t, StatusStopped, task.Status())
		}
		assert.True(t, task.StopRequested())
	}
}

func TestDownloadTask_TerminalClosesStop(t *testing.T) {
	task := newTestTask()
	require.True(t, task.MarkDownloading("/tmp/a", 0))
	require.True(t, task.MarkCompleted())

	select {
	case <-task.Stopping():
	default:
		t.Fatal("stop channel not closed")
	}
}

func TestDownloadTask_SetFilenameBeforeFirstByte(t *testing.T) {
	task := newTestTask()
	task.SetFilename("from-header.mp4")
	assert.Equal(t, "from-header.mp4", task.Filename())

	task.MarkDownloading("/tmp/a", 0)
	task.AddBytes(1)
	task.SetFilename("too-late.mp4")
	assert.Equal(t, "from-header.mp4", task.Filename())
}

func TestDownloadTask_Request(t *testing.T) {
	task := newTestTask()
	req := task.Request()

	assert.Equal(t, task.URL, req.URL)
	assert.Equal(t, task.Group, req.Group)
	assert.Equal(t, task.Episode, req.Episode)
	assert.Equal(t, task.Resolution, req.Resolution)
	assert.Equal(t, "EP03_1080p.mp4", req.Filename)
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusDownloading.IsTerminal())
	assert.False(t, StatusStopping.IsTerminal())
	assert.True(t, StatusStopped.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}
