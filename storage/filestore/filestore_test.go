package filestore_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-authclient/storage"
	"github.com/goliatone/go-authclient/storage/filestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := filestore.New(filepath.Join(t.TempDir(), "state", "session.json"))
	require.NoError(t, err)

	_, err = store.Get(ctx, "auth_token")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.Set(ctx, "auth_token", `{"value":"abc"}`))
	value, err := store.Get(ctx, "auth_token")
	require.NoError(t, err)
	assert.Equal(t, `{"value":"abc"}`, value)

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, store.Delete(ctx, "auth_token"))
	require.NoError(t, store.Delete(ctx, "auth_token"))
	_, err = store.Get(ctx, "auth_token")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoresSharingAFileSeeEachOthersWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")

	tabA, err := filestore.New(path)
	require.NoError(t, err)
	tabB, err := filestore.New(path)
	require.NoError(t, err)

	require.NoError(t, tabA.Set(ctx, "auth_token", "shared"))
	value, err := tabB.Get(ctx, "auth_token")
	require.NoError(t, err)
	assert.Equal(t, "shared", value)

	require.NoError(t, tabA.Delete(ctx, "auth_token"))
	_, err = tabB.Get(ctx, "auth_token")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConcurrentStoresDoNotLoseUpdates(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file locking is unix only")
	}
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")

	const rounds = 50
	var wg sync.WaitGroup
	for _, tab := range []string{"a", "b"} {
		store, err := filestore.New(path)
		require.NoError(t, err)

		wg.Add(1)
		go func(tab string, store *filestore.Store) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				assert.NoError(t, store.Set(ctx, fmt.Sprintf("%s-%d", tab, i), "v"))
			}
		}(tab, store)
	}
	wg.Wait()

	reader, err := filestore.New(path)
	require.NoError(t, err)
	for _, tab := range []string{"a", "b"} {
		for i := 0; i < rounds; i++ {
			_, err := reader.Get(ctx, fmt.Sprintf("%s-%d", tab, i))
			assert.NoError(t, err, "%s-%d", tab, i)
		}
	}
}

func TestStoreRejectsEmptyPath(t *testing.T) {
	_, err := filestore.New("")
	assert.Error(t, err)
}

func TestWatchReportsChangesFromOtherStores(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "session.json")
	tabA, err := filestore.New(path)
	require.NoError(t, err)
	tabB, err := filestore.New(path)
	require.NoError(t, err)

	require.NoError(t, tabA.Set(ctx, "auth_token", "v1"))

	var mu sync.Mutex
	var seen []string
	require.NoError(t, tabB.Watch(ctx, func(key string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, key)
	}))

	require.NoError(t, tabA.Delete(ctx, "auth_token"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, key := range seen {
			if key == "auth_token" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
