package authclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	authclient "github.com/goliatone/go-authclient"
	"github.com/goliatone/go-authclient/internal/fakeapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineSetsRequestHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	creds := authclient.NewCredentialStore(nil, nil, authclient.WithCredentialLogger(authclient.NopLogger{}))
	require.NoError(t, creds.Save(context.Background(), "token-1", false))

	pipeline, err := authclient.NewPipeline(srv.URL+"/api", creds, authclient.WithPipelineLogger(authclient.NopLogger{}))
	require.NoError(t, err)

	resp, err := pipeline.Get(context.Background(), "/auth/user", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.NotEmpty(t, resp.RequestID)

	assert.Equal(t, "Bearer token-1", got.Get("Authorization"))
	assert.Equal(t, "application/json", got.Get("Accept"))
	assert.Equal(t, "XMLHttpRequest", got.Get("X-Requested-With"))
	assert.Equal(t, resp.RequestID, got.Get(authclient.HeaderRequestID))
}

func TestConcurrentExpiredRequestsShareOneRefresh(t *testing.T) {
	const callers = 5

	var stale atomic.Int32
	ready := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer fresh" {
			_, _ = w.Write([]byte(`{"id":1,"email":"ada@example.com"}`))
			return
		}
		if stale.Add(1) == callers {
			close(ready)
		}
		select {
		case <-ready:
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Unauthenticated."}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	creds := authclient.NewCredentialStore(nil, nil, authclient.WithCredentialLogger(authclient.NopLogger{}))
	require.NoError(t, creds.Save(ctx, "stale", false))

	var refreshes atomic.Int32
	refresher := authclient.RefresherFunc(func(ctx context.Context, reason authclient.RetryReason) error {
		assert.Equal(t, authclient.RetryAuthExpired, reason)
		refreshes.Add(1)
		time.Sleep(20 * time.Millisecond)
		return creds.Save(ctx, "fresh", false)
	})

	pipeline, err := authclient.NewPipeline(srv.URL, creds,
		authclient.WithRefresher(refresher),
		authclient.WithPipelineLogger(authclient.NopLogger{}),
	)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = pipeline.Get(ctx, "/auth/user", nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestCancelledWaiterLeavesSharedRefreshAlone(t *testing.T) {
	var stale atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer fresh" {
			_, _ = w.Write([]byte(`{"id":1,"email":"ada@example.com"}`))
			return
		}
		stale.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Unauthenticated."}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	creds := authclient.NewCredentialStore(nil, nil, authclient.WithCredentialLogger(authclient.NopLogger{}))
	require.NoError(t, creds.Save(ctx, "stale", false))

	started := make(chan struct{})
	release := make(chan struct{})
	refresher := authclient.RefresherFunc(func(ctx context.Context, _ authclient.RetryReason) error {
		close(started)
		<-release
		return creds.Save(ctx, "fresh", false)
	})

	pipeline, err := authclient.NewPipeline(srv.URL, creds,
		authclient.WithRefresher(refresher),
		authclient.WithPipelineLogger(authclient.NopLogger{}),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var published []authclient.Kind
	defer pipeline.OnAuthFailure(func(err *authclient.RequestError) {
		mu.Lock()
		published = append(published, err.Kind)
		mu.Unlock()
	})()

	leaderDone := make(chan error, 1)
	go func() {
		_, err := pipeline.Get(ctx, "/auth/user", nil)
		leaderDone <- err
	}()
	<-started

	waiterCtx, cancel := context.WithCancel(ctx)
	waiterDone := make(chan error, 1)
	go func() {
		_, err := pipeline.Get(waiterCtx, "/auth/user", nil)
		waiterDone <- err
	}()
	require.Eventually(t, func() bool { return stale.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	var waiterErr error
	select {
	case waiterErr = <-waiterDone:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled request did not return")
	}
	require.Error(t, waiterErr)
	assert.Equal(t, authclient.KindNetwork, authclient.KindOf(waiterErr))
	assert.ErrorIs(t, waiterErr, context.Canceled)

	cred, ok := creds.Load(ctx)
	require.True(t, ok)
	assert.Equal(t, "stale", cred.Value)
	mu.Lock()
	assert.Empty(t, published)
	mu.Unlock()

	close(release)
	require.NoError(t, <-leaderDone)

	cred, ok = creds.Load(ctx)
	require.True(t, ok)
	assert.Equal(t, "fresh", cred.Value)
	mu.Lock()
	assert.Empty(t, published)
	mu.Unlock()
}

func TestStaleAntiForgeryTokenIsRepairedSilently(t *testing.T) {
	server := startServer(t)
	e := newEnv(t, server)
	ctx := context.Background()

	require.NoError(t, e.api.ForgotPassword(ctx, testEmail))
	assert.Equal(t, 1, server.Hits(http.MethodGet, fakeapi.CSRFCookiePath))

	server.RotateCSRF()
	require.NoError(t, e.api.ForgotPassword(ctx, testEmail))

	assert.Equal(t, 2, server.Hits(http.MethodGet, fakeapi.CSRFCookiePath))
	assert.Equal(t, 2, e.pipeline.AntiForgery().Fetches())
	assert.Equal(t, 3, server.Hits(http.MethodPost, "/auth/password/email"))
}

func TestPersistentCsrfMismatchIsTerminal(t *testing.T) {
	server := startServer(t)
	e := newEnv(t, server)

	server.FailNext(http.MethodPost, "/auth/password/email", fakeapi.Fault{Status: 419})
	server.FailNext(http.MethodPost, "/auth/password/email", fakeapi.Fault{Status: 419})

	err := e.api.ForgotPassword(context.Background(), testEmail)
	require.Error(t, err)
	assert.Equal(t, authclient.KindCsrfMismatch, authclient.KindOf(err))
	assert.True(t, authclient.IsAuthError(err))
	assert.Equal(t, 2, server.Hits(http.MethodPost, "/auth/password/email"))
}

func TestExpiredSessionClearsCredential(t *testing.T) {
	server := startServer(t)
	e := newEnv(t, server)
	ctx := context.Background()

	result, err := e.api.Login(ctx, authclient.LoginPayload{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	require.NoError(t, e.creds.Save(ctx, result.Token, false))

	var failures []*authclient.RequestError
	unsubscribe := e.pipeline.OnAuthFailure(func(err *authclient.RequestError) {
		failures = append(failures, err)
	})
	defer unsubscribe()

	server.ExpireSessions()

	_, err = e.api.CurrentUser(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, authclient.ErrSessionExpired)
	assert.Equal(t, authclient.MessageSessionExpired, err.Error())
	assert.Equal(t, 2, server.Hits(http.MethodGet, "/auth/user"))

	_, ok := e.creds.Load(ctx)
	assert.False(t, ok)
	require.Len(t, failures, 1)
	assert.Equal(t, authclient.KindSessionExpired, failures[0].Kind)
}

func TestUnauthenticatedWithoutCredentialIsInvalidCredentials(t *testing.T) {
	server := startServer(t)
	e := newEnv(t, server)

	_, err := e.api.CurrentUser(context.Background())
	require.Error(t, err)
	assert.Equal(t, authclient.KindInvalidCredentials, authclient.KindOf(err))
	assert.Equal(t, "Unauthenticated.", err.Error())
}

func TestRateLimitIsNotRetried(t *testing.T) {
	server := startServer(t)
	e := newEnv(t, server)
	ctx := context.Background()
	require.NoError(t, e.creds.Save(ctx, "opaque", true))

	server.FailNext(http.MethodGet, "/auth/user", fakeapi.Fault{
		Status: http.StatusTooManyRequests,
		Header: map[string]string{"Retry-After": "30"},
	})

	_, err := e.api.CurrentUser(ctx)
	require.Error(t, err)

	var reqErr *authclient.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, authclient.KindRateLimited, reqErr.Kind)
	assert.Equal(t, 30*time.Second, reqErr.RetryAfter)
	assert.Equal(t, authclient.MessageRateLimited, reqErr.Message)
	assert.Equal(t, 1, server.Hits(http.MethodGet, "/auth/user"))

	cred, ok := e.creds.Load(ctx)
	require.True(t, ok)
	assert.Equal(t, "opaque", cred.Value)
}

func TestWrongPasswordIsValidationOnEmail(t *testing.T) {
	server := startServer(t)
	e := newEnv(t, server)

	_, err := e.api.Login(context.Background(), authclient.LoginPayload{Email: testEmail, Password: "nope"})
	require.Error(t, err)

	var reqErr *authclient.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, authclient.KindValidation, reqErr.Kind)
	assert.Equal(t, "email", reqErr.Field)
	assert.Equal(t, "These credentials do not match our records.", reqErr.Message)
}

func TestUnreachableServerIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	pipeline, err := authclient.NewPipeline(base, nil, authclient.WithPipelineLogger(authclient.NopLogger{}))
	require.NoError(t, err)

	_, err = pipeline.Get(context.Background(), "/auth/user", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, authclient.ErrNetwork)
	assert.Equal(t, authclient.MessageNetworkUnavailable, authclient.MessageOf(err))
}

func TestOversizedResponseIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"padding":"`))
		_, _ = w.Write([]byte(strings.Repeat("x", 4<<20)))
		_, _ = w.Write([]byte(`"}`))
	}))
	defer srv.Close()

	pipeline, err := authclient.NewPipeline(srv.URL, nil, authclient.WithPipelineLogger(authclient.NopLogger{}))
	require.NoError(t, err)

	_, err = pipeline.Get(context.Background(), "/auth/user", nil)
	require.Error(t, err)
	assert.Equal(t, authclient.KindServer, authclient.KindOf(err))
	assert.ErrorIs(t, err, authclient.ErrResponseTooLarge)
	assert.Equal(t, authclient.DefaultErrorMessage, err.Error())
}

func TestNewPipelineRejectsBadBaseURL(t *testing.T) {
	_, err := authclient.NewPipeline("not a url", nil)
	assert.Error(t, err)

	_, err = authclient.NewPipeline("/relative/api", nil)
	assert.Error(t, err)
}

func TestFormBodiesAreURLEncoded(t *testing.T) {
	var contentType, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/sanctum/csrf-cookie") {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		contentType = r.Header.Get("Content-Type")
		_ = r.ParseForm()
		body = r.PostForm.Get("name")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	pipeline, err := authclient.NewPipeline(srv.URL+"/api", nil, authclient.WithPipelineLogger(authclient.NopLogger{}))
	require.NoError(t, err)

	_, err = pipeline.Do(context.Background(), &authclient.Request{
		Method: http.MethodPost,
		Path:   "/echo",
		Form:   map[string]string{"name": "Ada Lovelace"},
	})
	require.NoError(t, err)
	assert.Equal(t, "application/x-www-form-urlencoded", contentType)
	assert.Equal(t, "Ada Lovelace", body)
}
