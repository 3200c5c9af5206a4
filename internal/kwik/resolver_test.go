package kwik

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/pahe-extract-go/internal/domain"
)

const directURL = "https://files.test/stream/EP01_1080p.mp4?token=abc"

// rewriteTransport sends every request to the test server, keeping the
// original host visible to the handlers
type rewriteTransport struct {
	target *url.URL
	base   http.RoundTripper
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = t.target.Scheme
	r.URL.Host = t.target.Host
	r.Host = req.URL.Host
	return t.base.RoundTrip(r)
}

// fakeSite emulates the embed host and the kwik host
type fakeSite struct {
	embedBody     string
	embedEncoding string
	pageFailures  int32 // intermediate GETs that answer 500 before succeeding
	postStatus    int
	setCookie     bool
	omitForm      bool

	embedHits int32
	pageHits  int32
	postHits  int32

	mu           sync.Mutex
	postCookies  []string
	postTokens   []string
	postReferers []string
	embedHadDDG  bool
}

func (s *fakeSite) hits() (embed, page, post int32) {
	return atomic.LoadInt32(&s.embedHits), atomic.LoadInt32(&s.pageHits), atomic.LoadInt32(&s.postHits)
}

func (s *fakeSite) posts() (cookies, tokens, referers []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.postCookies...), append([]string(nil), s.postTokens...), append([]string(nil), s.postReferers...)
}

func packedScript(plain string) string {
	return fmt.Sprintf(`<script>eval(function(h,u,n,t,e,r){}("%s",38,"%s",10,7,19))</script>`,
		pack(plain, testKey, 7, 10), testKey)
}

func (s *fakeSite) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/embed/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.embedHits, 1)
		if _, err := r.Cookie(ddgCookie); err == nil {
			s.mu.Lock()
			s.embedHadDDG = true
			s.mu.Unlock()
		}
		body := []byte(s.embedBody)
		if s.embedEncoding == "br" {
			var buf bytes.Buffer
			bw := brotli.NewWriter(&buf)
			_, _ = bw.Write(body)
			_ = bw.Close()
			body = buf.Bytes()
			w.Header().Set("Content-Encoding", "br")
		}
		_, _ = w.Write(body)
	})

	mux.HandleFunc("/f/", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&s.pageHits, 1)
		if n <= s.pageFailures {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if s.setCookie {
			http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: fmt.Sprintf("sess-%d", n), Path: "/"})
		}
		form := `<form action="https://kwik.test/d/abc123" method="POST"><input type="hidden" name="_token" value="tok-` +
			fmt.Sprint(n) + `"></form>`
		if s.omitForm {
			form = `<div>maintenance</div>`
		}
		// split across lines the way the real page sometimes is
		script := packedScript(form)
		half := len(script) / 2
		_, _ = fmt.Fprintf(w, "<html>\n%s\r\n%s\n</html>", script[:half], script[half:])
	})

	mux.HandleFunc("/d/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.postHits, 1)
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = r.ParseForm()
		s.mu.Lock()
		s.postCookies = append(s.postCookies, r.Header.Get("Cookie"))
		s.postTokens = append(s.postTokens, r.PostForm.Get("_token"))
		s.postReferers = append(s.postReferers, r.Header.Get("Referer"))
		s.mu.Unlock()

		if s.postStatus != http.StatusFound {
			w.WriteHeader(s.postStatus)
			return
		}
		w.Header().Set("Location", directURL)
		w.WriteHeader(http.StatusFound)
	})

	return mux
}

func newTestResolver(t *testing.T, site *fakeSite) *Resolver {
	t.Helper()
	srv := httptest.NewServer(site.handler())
	t.Cleanup(srv.Close)

	target, err := url.Parse(srv.URL)
	require.NoError(t, err)

	cfg := domain.DefaultConfig().Resolver
	cfg.MaxAttempts = 3
	cfg.FetchRetries = 1
	cfg.RetryDelay = time.Millisecond
	cfg.RequestsPerSecond = 0

	return NewResolver(cfg, nil, WithTransport(rewriteTransport{target: target, base: http.DefaultTransport}))
}

func TestResolve_LiteralLink(t *testing.T) {
	site := &fakeSite{
		embedBody:  `<html><a class="redirect" href="https://kwik.test/d/abc123">Continue</a></html>`,
		postStatus: http.StatusFound,
		setCookie:  true,
	}
	r := newTestResolver(t, site)

	got, err := r.Resolve(context.Background(), "https://pahe.test/embed/xyz")
	require.NoError(t, err)
	assert.Equal(t, directURL, got)

	_, pages, _ := site.hits()
	assert.Equal(t, int32(1), pages)
	cookies, tokens, referers := site.posts()
	require.Len(t, cookies, 1)
	assert.Equal(t, "kwik_session=sess-1", cookies[0])
	assert.Equal(t, "tok-1", tokens[0])
	assert.Equal(t, "https://kwik.test/f/abc123", referers[0])

	site.mu.Lock()
	assert.True(t, site.embedHadDDG)
	site.mu.Unlock()
}

func TestResolve_PackedEmbed(t *testing.T) {
	site := &fakeSite{
		embedBody:  packedScript(`<a href="https://kwik.test/d/abc123">Download</a>`),
		postStatus: http.StatusFound,
		setCookie:  true,
	}
	r := newTestResolver(t, site)

	got, err := r.Resolve(context.Background(), "https://pahe.test/embed/xyz")
	require.NoError(t, err)
	assert.Equal(t, directURL, got)
}

func TestResolve_BrotliEmbed(t *testing.T) {
	site := &fakeSite{
		embedBody:     `<a href="https://kwik.test/f/abc123">Continue</a>`,
		embedEncoding: "br",
		postStatus:    http.StatusFound,
		setCookie:     true,
	}
	r := newTestResolver(t, site)

	got, err := r.Resolve(context.Background(), "https://pahe.test/embed/xyz")
	require.NoError(t, err)
	assert.Equal(t, directURL, got)
}

func TestResolve_MissingSessionCookieStillPosts(t *testing.T) {
	site := &fakeSite{
		embedBody:  `<a href="https://kwik.test/f/abc123">Continue</a>`,
		postStatus: http.StatusFound,
	}
	r := newTestResolver(t, site)

	_, err := r.Resolve(context.Background(), "https://pahe.test/embed/xyz")
	require.NoError(t, err)
	cookies, _, _ := site.posts()
	require.Len(t, cookies, 1)
	assert.Equal(t, "kwik_session=", cookies[0])
}

func TestResolve_RetriesIntermediateWithFreshSession(t *testing.T) {
	site := &fakeSite{
		embedBody:    `<a href="https://kwik.test/f/abc123">Continue</a>`,
		pageFailures: 2,
		postStatus:   http.StatusFound,
		setCookie:    true,
	}
	r := newTestResolver(t, site)

	got, err := r.Resolve(context.Background(), "https://pahe.test/embed/xyz")
	require.NoError(t, err)
	assert.Equal(t, directURL, got)
	_, pages, _ := site.hits()
	assert.Equal(t, int32(3), pages)
	cookies, tokens, _ := site.posts()
	require.Len(t, cookies, 1)
	assert.Equal(t, "kwik_session=sess-3", cookies[0])
	assert.Equal(t, "tok-3", tokens[0])
}

func TestResolve_TokenRejectedExhaustsBudget(t *testing.T) {
	site := &fakeSite{
		embedBody:  `<a href="https://kwik.test/f/abc123">Continue</a>`,
		postStatus: http.StatusForbidden,
		setCookie:  true,
	}
	r := newTestResolver(t, site)

	_, err := r.Resolve(context.Background(), "https://pahe.test/embed/xyz")
	require.Error(t, err)

	var resErr *domain.ResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, domain.StagePostToken, resErr.Stage)
	assert.Equal(t, 3, resErr.Attempts)
	assert.ErrorIs(t, err, domain.ErrRetryLimitExceeded)
	assert.ErrorIs(t, err, domain.ErrUnexpectedStatus)
	assert.Contains(t, err.Error(), "403")

	_, pages, posts := site.hits()
	assert.Equal(t, int32(3), pages)
	assert.Equal(t, int32(3), posts)
	cookies, _, _ := site.posts()
	assert.Equal(t, []string{"kwik_session=sess-1", "kwik_session=sess-2", "kwik_session=sess-3"}, cookies)
}

func TestResolve_RedirectOtherThan302IsRejected(t *testing.T) {
	site := &fakeSite{
		embedBody:  `<a href="https://kwik.test/f/abc123">Continue</a>`,
		postStatus: http.StatusSeeOther,
	}
	r := newTestResolver(t, site)

	_, err := r.Resolve(context.Background(), "https://pahe.test/embed/xyz")
	assert.ErrorIs(t, err, domain.ErrUnexpectedStatus)
}

func TestResolve_FormMissing(t *testing.T) {
	site := &fakeSite{
		embedBody: `<a href="https://kwik.test/f/abc123">Continue</a>`,
		omitForm:  true,
	}
	r := newTestResolver(t, site)

	_, err := r.Resolve(context.Background(), "https://pahe.test/embed/xyz")

	var resErr *domain.ResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, domain.StageExtractForm, resErr.Stage)
	assert.ErrorIs(t, err, domain.ErrPatternNotFound)
	assert.ErrorIs(t, err, domain.ErrRetryLimitExceeded)
	_, _, posts := site.hits()
	assert.Equal(t, int32(0), posts)
}

func TestResolve_EmbedWithoutLinkIsNotRetried(t *testing.T) {
	site := &fakeSite{embedBody: `<html><body>Episode removed</body></html>`}
	r := newTestResolver(t, site)

	_, err := r.Resolve(context.Background(), "https://pahe.test/embed/xyz")

	var resErr *domain.ResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, domain.StageEmbedLink, resErr.Stage)
	assert.ErrorIs(t, err, domain.ErrPatternNotFound)
	assert.NotErrorIs(t, err, domain.ErrRetryLimitExceeded)
	embeds, pages, _ := site.hits()
	assert.Equal(t, int32(1), embeds)
	assert.Equal(t, int32(0), pages)
}

func TestResolve_CancelledContext(t *testing.T) {
	site := &fakeSite{
		embedBody:    `<a href="https://kwik.test/f/abc123">Continue</a>`,
		pageFailures: 100,
	}
	r := newTestResolver(t, site)
	r.cfg.RetryDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := r.Resolve(ctx, "https://pahe.test/embed/xyz")
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExtractForm(t *testing.T) {
	action, token, ok := extractForm(`<form action="https://kwik.test/d/x" method="POST"><input type="hidden" name="_token" value="abc"></form>`)
	require.True(t, ok)
	assert.Equal(t, "https://kwik.test/d/x", action)
	assert.Equal(t, "abc", token)

	_, _, ok = extractForm(`<form action="https://kwik.test/d/x"></form>`)
	assert.False(t, ok)
}
