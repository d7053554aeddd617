package authclient_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	authclient "github.com/goliatone/go-authclient"
	"github.com/goliatone/go-authclient/clock"
	"github.com/goliatone/go-authclient/internal/fakeapi"
	"github.com/goliatone/go-authclient/storage"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "ada@example.com"
	testPassword = "correct-horse"
)

// env wires one client against a fake API.
type env struct {
	server     *fakeapi.Server
	clock      *clock.FakeClock
	ephemeral  *storage.Memory
	durable    *storage.Memory
	deadlines  *storage.Memory
	creds      *authclient.CredentialStore
	pipeline   *authclient.Pipeline
	api        *authclient.API
	monitor    *authclient.InactivityMonitor
	controller *authclient.SessionController
	events     *eventLog
}

type envOption func(*envConfig)

type envConfig struct {
	durable *storage.Memory
}

func sharingDurable(mem *storage.Memory) envOption {
	return func(c *envConfig) { c.durable = mem }
}

func startServer(t *testing.T) *fakeapi.Server {
	t.Helper()
	server := fakeapi.New(fakeapi.Options{})
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Close() })
	_, err := server.SeedUser("Ada", testEmail, testPassword)
	require.NoError(t, err)
	return server
}

func newEnv(t *testing.T, server *fakeapi.Server, opts ...envOption) *env {
	t.Helper()

	cfg := &envConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.durable == nil {
		cfg.durable = storage.NewMemory()
	}

	fake := clock.Fake(time.Now())
	ephemeral := storage.NewMemory()
	logger := authclient.NopLogger{}

	creds := authclient.NewCredentialStore(ephemeral, cfg.durable,
		authclient.WithCredentialClock(fake),
		authclient.WithCredentialLogger(logger),
	)

	pipeline, err := authclient.NewPipeline(server.URL(), creds,
		authclient.WithPipelineClock(fake),
		authclient.WithPipelineLogger(logger),
		authclient.WithRequestTimeout(5*time.Second),
	)
	require.NoError(t, err)

	api := authclient.NewAPI(pipeline)
	deadlines := storage.NewMemory()
	monitor := authclient.NewInactivityMonitor(deadlines,
		authclient.WithMonitorClock(fake),
		authclient.WithMonitorLogger(logger),
	)

	events := &eventLog{}
	controller := authclient.NewSessionController(api, monitor,
		authclient.WithControllerClock(fake),
		authclient.WithControllerLogger(logger),
		authclient.WithActivitySink(events),
	)
	t.Cleanup(controller.Close)

	return &env{
		server:     server,
		clock:      fake,
		ephemeral:  ephemeral,
		durable:    cfg.durable,
		deadlines:  deadlines,
		creds:      creds,
		pipeline:   pipeline,
		api:        api,
		monitor:    monitor,
		controller: controller,
		events:     events,
	}
}

func (e *env) login(t *testing.T, durable bool) authclient.Session {
	t.Helper()
	session, err := e.controller.Login(context.Background(), testEmail, testPassword, durable)
	require.NoError(t, err)
	require.Equal(t, authclient.StatusAuthenticated, session.Status)
	return session
}

type eventLog struct {
	mu     sync.Mutex
	events []authclient.ActivityEvent
}

func (l *eventLog) Record(_ context.Context, event authclient.ActivityEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *eventLog) types() []authclient.ActivityEventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]authclient.ActivityEventType, 0, len(l.events))
	for _, event := range l.events {
		out = append(out, event.EventType)
	}
	return out
}

func (l *eventLog) transitions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, event := range l.events {
		if event.EventType == authclient.ActivityEventSessionStatusChanged {
			out = append(out, fmt.Sprintf("%s->%s", event.FromStatus, event.ToStatus))
		}
	}
	return out
}
