package kwik

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"

	"golang.org/x/net/publicsuffix"
)

const (
	sessionCookie = "kwik_session"
	ddgCookie     = "__ddg2_"
)

// session is the cookie scope of one resolution attempt. It is never
// reused across attempts or shared between concurrent resolutions.
type session struct {
	client      *http.Client
	kwikSession string
}

func (r *Resolver) newSession(seed *url.URL) (*session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	if seed != nil {
		jar.SetCookies(seed, []*http.Cookie{{Name: ddgCookie, Value: "", Path: "/"}})
	}

	return &session{
		client: &http.Client{
			Transport: r.transport,
			Jar:       jar,
			Timeout:   r.cfg.RequestTimeout,
		},
	}, nil
}

// captureSession remembers the kwik_session cookie set by resp, if any
func (s *session) captureSession(resp *http.Response) {
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			s.kwikSession = c.Value
			return
		}
	}
}

// noRedirectClient is used for the token POST; the 302 itself is the answer
func (r *Resolver) noRedirectClient() *http.Client {
	return &http.Client{
		Transport: r.transport,
		Timeout:   r.cfg.RequestTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
