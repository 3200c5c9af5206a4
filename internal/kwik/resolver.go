package kwik

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yourusername/pahe-extract-go/internal/domain"
)

var (
	linkPattern   = regexp.MustCompile(`(https?://kwik\.[^/\s"]+/[^/\s"]+/[^"\s]*)`)
	actionPattern = regexp.MustCompile(`action="([^"]+)"`)
	tokenPattern  = regexp.MustCompile(`value="([^"]+)"`)
)

// Resolver turns embed page URLs into direct download links
type Resolver struct {
	cfg       domain.ResolverConfig
	logger    *zap.Logger
	transport http.RoundTripper
	limiter   *rate.Limiter
}

// Option configures a Resolver
type Option func(*Resolver)

// WithTransport replaces the HTTP transport used for every request
func WithTransport(rt http.RoundTripper) Option {
	return func(r *Resolver) {
		r.transport = rt
	}
}

// WithLimiter replaces the request limiter built from RequestsPerSecond
func WithLimiter(l *rate.Limiter) Option {
	return func(r *Resolver) {
		r.limiter = l
	}
}

// NewResolver creates a resolver. A nil logger discards output.
func NewResolver(cfg domain.ResolverConfig, logger *zap.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	r := &Resolver{
		cfg:    cfg,
		logger: logger,
		transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   cfg.ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   cfg.ConnectTimeout,
			ResponseHeaderTimeout: cfg.RequestTimeout,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
		},
	}
	if cfg.RequestsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve follows embedURL through the kwik host to the direct file URL.
// Failures are returned as *domain.ResolutionError.
func (r *Resolver) Resolve(ctx context.Context, embedURL string) (string, error) {
	start := time.Now()
	r.logger.Info("Resolving link", zap.String("embed_url", embedURL))

	link, err := r.findIntermediate(ctx, embedURL)
	if err != nil {
		r.logger.Warn("Resolution failed", zap.String("embed_url", embedURL), zap.Error(err))
		return "", err
	}

	// Only the /f/ form of the page accepts the token flow
	link = strings.ReplaceAll(link, "/d/", "/f/")

	direct, err := r.exchange(ctx, link, embedURL)
	if err != nil {
		r.logger.Warn("Resolution failed", zap.String("embed_url", embedURL), zap.Error(err))
		return "", err
	}

	r.logger.Info("Link resolved",
		zap.String("embed_url", embedURL),
		zap.Duration("elapsed", time.Since(start)))
	return direct, nil
}

// findIntermediate reads the embed page and returns the kwik link it
// references, either literally or inside a packed script.
func (r *Resolver) findIntermediate(ctx context.Context, embedURL string) (string, error) {
	seed, err := url.Parse(embedURL)
	if err != nil {
		return "", &domain.ResolutionError{
			URL: embedURL, Stage: domain.StageFetchEmbed, Err: domain.ErrTransientFetch,
			Cause: fmt.Errorf("invalid embed url: %w", err),
		}
	}

	sess, err := r.newSession(seed)
	if err != nil {
		return "", &domain.ResolutionError{URL: embedURL, Stage: domain.StageFetchEmbed, Err: domain.ErrTransientFetch, Cause: err}
	}

	p, err := r.fetch(ctx, sess, embedURL, "")
	if err != nil {
		category := domain.ErrTransientFetch
		if ctx.Err() != nil {
			category = domain.ErrCancelled
		}
		return "", &domain.ResolutionError{
			URL: embedURL, Stage: domain.StageFetchEmbed, Attempts: r.cfg.FetchRetries,
			Err: category, Cause: err,
		}
	}

	if m := linkPattern.FindStringSubmatch(p.Text); m != nil {
		r.logger.Debug("Found literal kwik link", zap.String("link", m[1]))
		return m[1], nil
	}

	payload, ok := FindPayload(p.Text)
	if !ok {
		return "", &domain.ResolutionError{
			URL: embedURL, Stage: domain.StageEmbedLink, Err: domain.ErrPatternNotFound,
			Cause: errors.New("no kwik link or packed payload on embed page"),
		}
	}
	if m := linkPattern.FindStringSubmatch(payload.Decode()); m != nil {
		r.logger.Debug("Found packed kwik link", zap.String("link", m[1]))
		return m[1], nil
	}
	return "", &domain.ResolutionError{
		URL: embedURL, Stage: domain.StageEmbedLink, Err: domain.ErrPatternNotFound,
		Cause: errors.New("decoded payload contains no kwik link"),
	}
}

// exchange runs the intermediate page and token POST up to MaxAttempts
// times. Every attempt starts from a fresh session.
func (r *Resolver) exchange(ctx context.Context, link, referer string) (string, error) {
	var (
		lastStage domain.ResolveStage
		lastErr   error
	)

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, r.cfg.RetryDelay); err != nil {
				return "", &domain.ResolutionError{
					URL: link, Stage: lastStage, Attempts: attempt - 1, Err: domain.ErrCancelled, Cause: err,
				}
			}
		}

		direct, stage, err := r.attempt(ctx, link, referer)
		if err == nil {
			return direct, nil
		}
		if ctx.Err() != nil {
			return "", &domain.ResolutionError{
				URL: link, Stage: stage, Attempts: attempt, Err: domain.ErrCancelled, Cause: ctx.Err(),
			}
		}

		lastStage, lastErr = stage, err
		r.logger.Warn("Resolution attempt failed",
			zap.String("link", link),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.cfg.MaxAttempts),
			zap.String("stage", string(stage)),
			zap.Error(err))
	}

	return "", &domain.ResolutionError{
		URL:      link,
		Stage:    lastStage,
		Attempts: r.cfg.MaxAttempts,
		Err:      domain.ErrRetryLimitExceeded,
		Cause:    lastErr,
	}
}

// attempt performs one intermediate fetch, decode and token POST
func (r *Resolver) attempt(ctx context.Context, link, referer string) (string, domain.ResolveStage, error) {
	linkURL, err := url.Parse(link)
	if err != nil {
		return "", domain.StageFetchIntermediate, fmt.Errorf("%w: invalid link: %w", domain.ErrPatternNotFound, err)
	}

	sess, err := r.newSession(linkURL)
	if err != nil {
		return "", domain.StageFetchIntermediate, err
	}

	p, err := r.fetch(ctx, sess, link, referer)
	if err != nil {
		return "", domain.StageFetchIntermediate, fmt.Errorf("%w: %w", domain.ErrTransientFetch, err)
	}

	payload, ok := FindPayload(p.Text)
	if !ok {
		return "", domain.StageExtractPayload, fmt.Errorf("%w: no packed payload on %s", domain.ErrPatternNotFound, link)
	}

	action, token, ok := extractForm(payload.Decode())
	if !ok {
		return "", domain.StageExtractForm, fmt.Errorf("%w: form action or token missing", domain.ErrPatternNotFound)
	}
	actionURL, err := linkURL.Parse(action)
	if err != nil {
		return "", domain.StageExtractForm, fmt.Errorf("%w: invalid form action %q", domain.ErrPatternNotFound, action)
	}

	direct, err := r.postToken(ctx, actionURL, linkURL, token, sess.kwikSession)
	if err != nil {
		return "", domain.StagePostToken, err
	}
	return direct, "", nil
}

func extractForm(decoded string) (action, token string, ok bool) {
	a := actionPattern.FindStringSubmatch(decoded)
	t := tokenPattern.FindStringSubmatch(decoded)
	if a == nil || t == nil {
		return "", "", false
	}
	return a[1], t[1], true
}

// postToken submits the form token. Only a 302 with a Location header is
// treated as success; other 3xx codes have not been observed.
func (r *Resolver) postToken(ctx context.Context, action, link *url.URL, token, kwikSession string) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}

	form := url.Values{"_token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	r.setBrowserHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", link.String())
	req.Header.Set("Origin", link.Scheme+"://"+link.Host)
	req.Header.Set("Cookie", sessionCookie+"="+kwikSession)

	resp, err := r.noRedirectClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrTransientFetch, err)
	}
	defer resp.Body.Close()

	location := resp.Header.Get("Location")
	if resp.StatusCode != http.StatusFound || location == "" {
		return "", fmt.Errorf("%w: token POST answered %d", domain.ErrUnexpectedStatus, resp.StatusCode)
	}

	direct, err := action.Parse(location)
	if err != nil {
		return "", fmt.Errorf("%w: invalid Location %q", domain.ErrUnexpectedStatus, location)
	}
	return direct.String(), nil
}
