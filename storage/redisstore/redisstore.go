// Package redisstore implements storage.Backend on Redis, so several clients
// (processes, machines) can share one durable scope. Changes are announced
// on a pub/sub channel that Watch subscribes to.
package redisstore

import (
	"context"
	"errors"

	"github.com/go-redis/redis/v7"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-authclient/storage"
)

const (
	DefaultPrefix  = "authclient:"
	changesChannel = "changes"
)

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store is a Redis backed storage.Backend.
type Store struct {
	client *redis.Client
	prefix string
}

var (
	_ storage.Backend = (*Store)(nil)
	_ storage.Watcher = (*Store)(nil)
)

// Open connects to Redis and verifies the connection.
func Open(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, goerrors.New("redis address is required", goerrors.CategoryBadInput)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to connect to redis")
	}
	return New(client, cfg.Prefix), nil
}

// New wraps an existing client. An empty prefix uses DefaultPrefix.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.WithContext(ctx).Get(s.prefix + key).Result()
	if errors.Is(err, redis.Nil) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to read redis key")
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	client := s.client.WithContext(ctx)
	if err := client.Set(s.prefix+key, value, 0).Err(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to write redis key")
	}
	client.Publish(s.prefix+changesChannel, key)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	client := s.client.WithContext(ctx)
	count, err := client.Del(s.prefix + key).Result()
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to delete redis key")
	}
	if count > 0 {
		client.Publish(s.prefix+changesChannel, key)
	}
	return nil
}

// Watch subscribes to change announcements until ctx is done.
func (s *Store) Watch(ctx context.Context, fn func(key string)) error {
	pubsub := s.client.Subscribe(s.prefix + changesChannel)
	if _, err := pubsub.Receive(); err != nil {
		pubsub.Close()
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to subscribe to redis changes")
	}

	messages := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				fn(msg.Payload)
			}
		}
	}()
	return nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
