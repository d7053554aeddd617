// Package storage defines the key/value backends that hold client side
// session state: the credential in its ephemeral and durable scopes and the
// inactivity deadline.
package storage

import (
	"context"
	"sync"

	goerrors "github.com/goliatone/go-errors"
)

const TextCodeKeyNotFound = "STORAGE_KEY_NOT_FOUND"

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = goerrors.New("storage key not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeKeyNotFound).
	WithCode(goerrors.CodeNotFound)

// Backend stores opaque string values by key.
type Backend interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Watcher is implemented by backends shared between processes. Watch
// calls fn with the key of every value changed by anyone, including the
// caller, until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, fn func(key string)) error
}

// Memory is a process local Backend. It is the ephemeral scope: values
// live as long as the process does.
type Memory struct {
	mu       sync.RWMutex
	data     map[string]string
	watchers map[int]func(string)
	nextID   int
}

var (
	_ Backend = (*Memory)(nil)
	_ Watcher = (*Memory)(nil)
)

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{
		data:     map[string]string{},
		watchers: map[int]func(string){},
	}
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	m.data[key] = value
	watchers := m.snapshotWatchers()
	m.mu.Unlock()

	notify(watchers, key)
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	_, existed := m.data[key]
	delete(m.data, key)
	watchers := m.snapshotWatchers()
	m.mu.Unlock()

	if existed {
		notify(watchers, key)
	}
	return nil
}

// Watch registers fn until ctx is done. It does not block.
func (m *Memory) Watch(ctx context.Context, fn func(key string)) error {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}()
	return nil
}

func (m *Memory) snapshotWatchers() []func(string) {
	out := make([]func(string), 0, len(m.watchers))
	for _, fn := range m.watchers {
		out = append(out, fn)
	}
	return out
}

func notify(watchers []func(string), key string) {
	for _, fn := range watchers {
		fn(key)
	}
}
