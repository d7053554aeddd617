package authclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultCSRFCookiePath = "/sanctum/csrf-cookie"
	DefaultCSRFCookieName = "XSRF-TOKEN"
	DefaultCSRFHeaderName = "X-XSRF-TOKEN"
)

// AntiForgery keeps the anti-forgery cookie fresh and echoes it back as a
// header on outbound requests.
type AntiForgery struct {
	client     *http.Client
	endpoint   string
	cookieName string
	headerName string
	logger     Logger

	group        singleflight.Group
	mu           sync.Mutex
	bootstrapped bool
	fetches      int
}

// NewAntiForgery returns an AntiForgery fetching its cookie from endpoint
// with client. The client needs a cookie jar for the cookie to stick.
func NewAntiForgery(client *http.Client, endpoint, cookieName, headerName string, logger Logger) *AntiForgery {
	if cookieName == "" {
		cookieName = DefaultCSRFCookieName
	}
	if headerName == "" {
		headerName = DefaultCSRFHeaderName
	}
	if logger == nil {
		logger = defLogger{}
	}
	return &AntiForgery{
		client:     client,
		endpoint:   endpoint,
		cookieName: cookieName,
		headerName: headerName,
		logger:     logger,
	}
}

// Ensure bootstraps the cookie once. Concurrent first callers share a
// single fetch.
func (a *AntiForgery) Ensure(ctx context.Context) error {
	a.mu.Lock()
	done := a.bootstrapped
	a.mu.Unlock()
	if done {
		return nil
	}
	return a.fetch(ctx)
}

// Refresh fetches a new cookie even if one was already issued.
func (a *AntiForgery) Refresh(ctx context.Context) error {
	return a.fetch(ctx)
}

// Fetches returns how many cookie fetches went out.
func (a *AntiForgery) Fetches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

// Apply copies the current cookie value into the anti-forgery header.
func (a *AntiForgery) Apply(req *http.Request) {
	if a.client == nil || a.client.Jar == nil || req.Header.Get(a.headerName) != "" {
		return
	}
	for _, cookie := range a.client.Jar.Cookies(req.URL) {
		if cookie.Name != a.cookieName {
			continue
		}
		value, err := url.QueryUnescape(cookie.Value)
		if err != nil {
			value = cookie.Value
		}
		req.Header.Set(a.headerName, value)
		return
	}
}

func (a *AntiForgery) fetch(ctx context.Context) error {
	_, err, _ := a.group.Do("csrf-cookie", func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		a.mu.Lock()
		a.fetches++
		a.mu.Unlock()

		resp, err := a.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("anti-forgery cookie request failed with status %d", resp.StatusCode)
		}

		a.mu.Lock()
		a.bootstrapped = true
		a.mu.Unlock()
		a.logger.Debug("anti-forgery cookie refreshed")
		return nil, nil
	})
	return err
}
