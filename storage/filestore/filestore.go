// Package filestore implements storage.Backend on a single JSON file. All
// processes pointing at the same file share its values, and Watch reports
// changes made by any of them through fsnotify.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-authclient/storage"
)

// Store is a file backed storage.Backend.
type Store struct {
	path string
	mu   sync.Mutex
}

var (
	_ storage.Backend = (*Store)(nil)
	_ storage.Watcher = (*Store)(nil)
)

// New returns a Store persisting to path. The parent directory is created
// if needed.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, goerrors.New("file store path is required", goerrors.CategoryBadInput)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create file store directory")
	}
	return &Store{path: path}, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return "", err
	}
	value, ok := data[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.update(func(data map[string]string) bool {
		data[key] = value
		return true
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.update(func(data map[string]string) bool {
		if _, ok := data[key]; !ok {
			return false
		}
		delete(data, key)
		return true
	})
}

// update runs a read-modify-write cycle under the in-process mutex and an
// advisory lock on the sibling lock file, so stores in other processes do
// not overwrite each other's keys. fn reports whether data changed.
func (s *Store) update(fn func(data map[string]string) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := lockFile(s.lockPath())
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to lock file store")
	}
	defer unlock()

	data, err := s.read()
	if err != nil {
		return err
	}
	if !fn(data) {
		return nil
	}
	return s.write(data)
}

func (s *Store) lockPath() string {
	return s.path + ".lock"
}

// Watch follows the backing file and calls fn for every key whose value
// differs from the previous observation. It returns once the watcher is
// installed; events are delivered on a background goroutine until ctx is
// done.
func (s *Store) Watch(ctx context.Context, fn func(key string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create file watcher")
	}

	// The directory is watched because writes replace the file by rename.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to watch file store directory")
	}

	s.mu.Lock()
	last, err := s.read()
	s.mu.Unlock()
	if err != nil {
		last = map[string]string{}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}

				s.mu.Lock()
				current, err := s.read()
				s.mu.Unlock()
				if err != nil {
					continue
				}
				for _, key := range changedKeys(last, current) {
					fn(key)
				}
				last = current
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return nil
}

func (s *Store) read() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to read file store")
	}
	if len(raw) == 0 {
		return map[string]string{}, nil
	}

	data := map[string]string{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "file store is corrupt")
	}
	return data, nil
}

func (s *Store) write(data map[string]string) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to encode file store")
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to write file store")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to write file store")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to write file store")
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to write file store")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to replace file store")
	}
	return nil
}

func changedKeys(before, after map[string]string) []string {
	var keys []string
	for key, value := range after {
		if prev, ok := before[key]; !ok || prev != value {
			keys = append(keys, key)
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			keys = append(keys, key)
		}
	}
	return keys
}
