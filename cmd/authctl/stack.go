package main

import (
	"context"
	"fmt"
	"io"

	authclient "github.com/goliatone/go-authclient"
	"github.com/goliatone/go-authclient/storage"
	"github.com/goliatone/go-authclient/storage/filestore"
	"github.com/goliatone/go-authclient/storage/redisstore"
	"github.com/goliatone/go-authclient/storage/sqlstore"
)

// client bundles one wired session controller and the resources it holds.
type client struct {
	controller *authclient.SessionController
	closers    []io.Closer
}

func (c *client) Close() {
	c.controller.Close()
	c.closeAll()
}

func openBackend(ctx context.Context, cfg authclient.StorageConfig) (storage.Backend, io.Closer, error) {
	switch cfg.Driver {
	case authclient.DriverMemory, "":
		return storage.NewMemory(), nil, nil
	case authclient.DriverFile:
		store, err := filestore.New(cfg.Path)
		return store, nil, err
	case authclient.DriverSQLite:
		store, err := sqlstore.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case authclient.DriverRedis:
		store, err := redisstore.Open(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func newClient(ctx context.Context, cfg *authclient.Config, logger authclient.Logger) (*client, error) {
	c := &client{}

	ephemeral, closer, err := openBackend(ctx, cfg.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("ephemeral storage: %w", err)
	}
	if closer != nil {
		c.closers = append(c.closers, closer)
	}

	durable, closer, err := openBackend(ctx, cfg.Durable)
	if err != nil {
		c.closeAll()
		return nil, fmt.Errorf("durable storage: %w", err)
	}
	if closer != nil {
		c.closers = append(c.closers, closer)
	}

	creds := authclient.NewCredentialStore(ephemeral, durable,
		authclient.WithCredentialKey(cfg.CredentialKey),
		authclient.WithCredentialTTL(cfg.EphemeralTTL.Duration, cfg.DurableTTL.Duration),
		authclient.WithCredentialLogger(logger),
	)

	pipelineOpts := []authclient.PipelineOption{
		authclient.WithRequestTimeout(cfg.RequestTimeout.Duration),
		authclient.WithPipelineLogger(logger),
	}
	if cfg.CSRFEndpoint != "" {
		pipelineOpts = append(pipelineOpts, authclient.WithCSRFEndpoint(cfg.CSRFEndpoint))
	}
	pipeline, err := authclient.NewPipeline(cfg.BaseURL, creds, pipelineOpts...)
	if err != nil {
		c.closeAll()
		return nil, err
	}

	// deadlines live next to the durable credential so a later run resumes them
	monitor := authclient.NewInactivityMonitor(durable,
		authclient.WithInactivityTimeout(cfg.InactivityTimeout.Duration),
		authclient.WithDeadlineKey(cfg.DeadlineKey),
		authclient.WithMonitorLogger(logger),
	)

	c.controller = authclient.NewSessionController(authclient.NewAPI(pipeline), monitor,
		authclient.WithControllerLogger(logger),
		authclient.WithActivitySink(authclient.ActivitySinkFunc(func(_ context.Context, event authclient.ActivityEvent) error {
			logger.Debug("activity %s %s->%s", event.EventType, event.FromStatus, event.ToStatus)
			return nil
		})),
	)
	return c, nil
}

func (c *client) closeAll() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		_ = c.closers[i].Close()
	}
}
