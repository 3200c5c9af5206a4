//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourusername/pahe-extract-go/api"
	"github.com/yourusername/pahe-extract-go/internal/app"
	"github.com/yourusername/pahe-extract-go/internal/domain"
	"github.com/yourusername/pahe-extract-go/internal/infrastructure"
	"github.com/yourusername/pahe-extract-go/internal/kwik"
	"github.com/yourusername/pahe-extract-go/pkg/logger"
)

const packKey = "abcdefghijklmnopqrst"

// pack encodes plain the way the site's packer does, for bases up to 10
func pack(plain string, base, offset int) string {
	var b strings.Builder
	for _, r := range plain {
		digits := kwik.FromDecimal(big.NewInt(int64(r)+int64(offset)), base)
		for i := 0; i < len(digits); i++ {
			b.WriteByte(packKey[strings.IndexByte(kwik.Alphabet, digits[i])])
		}
		b.WriteByte(packKey[base])
	}
	return b.String()
}

// siteTransport routes the embed and kwik hosts to the fake site
type siteTransport struct {
	target *url.URL
}

func (t siteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = t.target.Scheme
	r.URL.Host = t.target.Host
	r.Host = req.URL.Host
	return http.DefaultTransport.RoundTrip(r)
}

// fakeSite serves play pages, embed pages, kwik pages and the files they
// resolve to.
// Its own URL doubles as the file CDN.
type fakeSite struct {
	server    *httptest.Server
	fileSize  int
	tokenPost int32
}

func newFakeSite(t *testing.T, fileSize int) *fakeSite {
	t.Helper()
	site := &fakeSite{fileSize: fileSize}

	mux := http.NewServeMux()
	mux.HandleFunc("/embed/", func(w http.ResponseWriter, r *http.Request) {
		ep := strings.TrimPrefix(r.URL.Path, "/embed/")
		fmt.Fprintf(w, `<html><a href="https://kwik.test/d/%s">download</a></html>`, ep)
	})
	mux.HandleFunc("/f/", func(w http.ResponseWriter, r *http.Request) {
		ep := strings.TrimPrefix(r.URL.Path, "/f/")
		http.SetCookie(w, &http.Cookie{Name: "kwik_session", Value: "sess-" + ep, Path: "/"})
		form := fmt.Sprintf(`<form action="https://kwik.test/d/%s" method="POST"><input type="hidden" name="_token" value="tok-%s"></form>`, ep, ep)
		fmt.Fprintf(w, `<script>eval(function(h,u,n,t,e,r){}("%s",38,"%s",10,7,19))</script>`, pack(form, 7, 10), packKey)
	})
	mux.HandleFunc("/d/", func(w http.ResponseWriter, r *http.Request) {
		ep := strings.TrimPrefix(r.URL.Path, "/d/")
		_ = r.ParseForm()
		if r.Method != http.MethodPost || r.PostForm.Get("_token") != "tok-"+ep ||
			!strings.Contains(r.Header.Get("Cookie"), "kwik_session=sess-"+ep) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		atomic.AddInt32(&site.tokenPost, 1)
		w.Header().Set("Location", site.server.URL+"/files/"+ep+".mp4")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/play/frieren/", func(w http.ResponseWriter, r *http.Request) {
		ep := strings.TrimPrefix(r.URL.Path, "/play/frieren/")
		fmt.Fprintf(w, `<div id="pickDownload">`+
			`<a href="https://pahe.win/embed/%[1]s-720" class="dropdown-item">SubsPlease &middot; 720p (150MB)</a>`+
			`<a href="https://pahe.win/embed/%[1]s-1080" class="dropdown-item">SubsPlease &middot; 1080p (1.1GB)</a>`+
			`</div>`, ep)
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(site.fileSize))
		_, _ = w.Write(bytes.Repeat([]byte{0x42}, site.fileSize))
	})

	site.server = httptest.NewServer(mux)
	t.Cleanup(site.server.Close)
	return site
}

func TestPipeline_BatchResolvesDownloadsAndRecords(t *testing.T) {
	gin.SetMode(gin.TestMode)

	site := newFakeSite(t, 200*1024)
	target, err := url.Parse(site.server.URL)
	require.NoError(t, err)

	cfg := domain.DefaultConfig()
	cfg.Download.BaseDir = t.TempDir()
	cfg.Download.ProgressInterval = 10 * time.Millisecond
	cfg.Queue.PollInterval = 20 * time.Millisecond
	cfg.Resolver.RetryDelay = time.Millisecond
	cfg.Resolver.RequestsPerSecond = 0
	cfg.Resolver.SiteURL = "https://animepahe.test"

	multiLog, err := logger.NewMultiLogger(logger.MultiLoggerConfig{Level: "info", LogsDir: cfg.Download.LogsDir()})
	require.NoError(t, err)
	defer multiLog.Close()

	repo, err := infrastructure.NewSQLiteHistoryRepository(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := kwik.NewResolver(cfg.Resolver, multiLog.Resolver(), kwik.WithTransport(siteTransport{target: target}))
	queue := app.NewQueueManager(cfg, nil, nil, repo, multiLog)
	defer queue.Bus().Close()
	require.NoError(t, queue.Start(ctx, 2))
	defer queue.Stop()

	catalog := kwik.NewCatalog(resolver)
	batches := app.NewBatchManager(ctx, resolver, queue, 2, zap.NewNop())
	batches.SetOptionSource(catalog)
	router := api.SetupRouter(api.Dependencies{
		Context:     ctx,
		Queue:       queue,
		Resolver:    resolver,
		Batches:     batches,
		Catalog:     catalog,
		History:     repo,
		MultiLogger: multiLog,
		LogsDir:     cfg.Download.LogsDir(),
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	batch := map[string]interface{}{
		"group":         "Frieren",
		"anime_session": "frieren",
		"resolution":    1080,
		"items": []map[string]interface{}{
			{"episode": 1, "options": []map[string]interface{}{
				{"embed_url": "https://pahe.test/embed/ep1-720", "resolution": 720},
				{"embed_url": "https://pahe.test/embed/ep1-1080", "resolution": 1080},
			}},
			{"episode": 2, "options": []map[string]interface{}{
				{"embed_url": "https://pahe.test/embed/ep2-1080", "resolution": 1080},
			}},
			{"episode": 3, "episode_session": "ep3"},
		},
	}
	data, err := json.Marshal(batch)
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/api/v1/batch", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return queue.Status().CompletedCount == 3
	}, 10*time.Second, 20*time.Millisecond)

	for _, name := range []string{"EP01_1080p.mp4", "EP02_1080p.mp4", "EP03_1080p.mp4"} {
		info, err := os.Stat(filepath.Join(cfg.Download.BaseDir, "Frieren", name))
		require.NoError(t, err)
		assert.Equal(t, int64(site.fileSize), info.Size())
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&site.tokenPost))

	require.Eventually(t, func() bool {
		records, err := repo.Recent(10)
		return err == nil && len(records) == 3
	}, 2*time.Second, 20*time.Millisecond)

	stats, err := repo.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Completed)

	require.NoError(t, multiLog.Sync())
	entries, err := logger.NewLogReader(cfg.Download.LogsDir()).SearchLogs(logger.CategoryQueue, time.Now(), "task_completed", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
