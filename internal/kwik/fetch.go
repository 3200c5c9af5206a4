package kwik

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"

	"github.com/yourusername/pahe-extract-go/internal/domain"
)

// maxPageSize bounds how much of a page body is read
const maxPageSize = 8 << 20

// page is a fetched HTML document with line breaks removed
type page struct {
	URL  string
	Text string
}

// fetch GETs target with up to FetchRetries attempts and exponential
// backoff between them. Only a 200 response is accepted.
func (r *Resolver) fetch(ctx context.Context, s *session, target, referer string) (*page, error) {
	retries := r.cfg.FetchRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			backoff := r.cfg.RetryDelay * time.Duration(1<<(attempt-1))
			if err := sleepContext(ctx, backoff); err != nil {
				return nil, err
			}
		}

		p, err := r.fetchOnce(ctx, s, target, referer)
		if err == nil {
			return p, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		r.logger.Debug("Fetch attempt failed",
			zap.String("url", target),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

func (r *Resolver) fetchOnce(ctx context.Context, s *session, target, referer string) (*page, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	r.setBrowserHeaders(req)
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPageSize))
		return nil, &domain.StatusError{URL: target, StatusCode: resp.StatusCode}
	}
	s.captureSession(resp)

	body, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", target, err)
	}
	return &page{URL: resp.Request.URL.String(), Text: stripLineBreaks(string(body))}, nil
}

func (r *Resolver) setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", r.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
}

// readBody decodes the body according to Content-Encoding. Setting
// Accept-Encoding by hand turns off the transport's own gzip handling.
func readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gzReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gzReader.Close()
		reader = gzReader
	case "br":
		reader = brotli.NewReader(resp.Body)
	}
	return io.ReadAll(io.LimitReader(reader, maxPageSize))
}

func stripLineBreaks(s string) string {
	return strings.NewReplacer("\r\n", "", "\r", "", "\n", "").Replace(s)
}

// wait blocks until the request limiter admits one more request
func (r *Resolver) wait(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	return r.limiter.Wait(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
