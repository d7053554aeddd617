package authclient_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	authclient "github.com/goliatone/go-authclient"
	"github.com/goliatone/go-authclient/clock"
	"github.com/goliatone/go-authclient/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type monitorProbe struct {
	warnings []time.Duration
	expired  int
}

func newMonitor(t *testing.T, store storage.Backend, start time.Time) (*authclient.InactivityMonitor, *clock.FakeClock, *monitorProbe) {
	t.Helper()
	fake := clock.Fake(start)
	monitor := authclient.NewInactivityMonitor(store,
		authclient.WithMonitorClock(fake),
		authclient.WithMonitorLogger(authclient.NopLogger{}),
	)
	probe := &monitorProbe{}
	monitor.OnWarning(func(remaining time.Duration) { probe.warnings = append(probe.warnings, remaining) })
	monitor.OnExpired(func() { probe.expired++ })
	t.Cleanup(monitor.Stop)
	return monitor, fake, probe
}

func TestMonitorWarnsThenExpires(t *testing.T) {
	ctx := context.Background()
	monitor, fake, probe := newMonitor(t, nil, time.Now())

	monitor.Start(ctx)
	assert.True(t, monitor.Running())
	assert.Equal(t, authclient.DefaultInactivityTimeout, monitor.Remaining())

	fake.Advance(28*time.Minute - time.Second)
	assert.Empty(t, probe.warnings)

	fake.Advance(time.Second)
	require.Len(t, probe.warnings, 1)
	assert.Equal(t, authclient.WarningLead, probe.warnings[0])
	assert.True(t, monitor.Warning())
	assert.Zero(t, probe.expired)

	fake.Advance(2 * time.Minute)
	assert.Equal(t, 1, probe.expired)
	assert.False(t, monitor.Running())

	fake.Advance(time.Hour)
	assert.Equal(t, 1, probe.expired)
	assert.Len(t, probe.warnings, 1)
}

func TestMonitorActivityPushesDeadline(t *testing.T) {
	ctx := context.Background()
	monitor, fake, probe := newMonitor(t, nil, time.Now())
	monitor.Start(ctx)

	fake.Advance(20 * time.Minute)
	monitor.RecordActivity(ctx, authclient.ActivityKey)
	assert.Equal(t, authclient.DefaultInactivityTimeout, monitor.Remaining())

	fake.Advance(20 * time.Minute)
	assert.Empty(t, probe.warnings)

	monitor.RecordActivity(ctx, authclient.ActivityKind("focus"))
	assert.Equal(t, 10*time.Minute, monitor.Remaining())
}

func TestMonitorIgnoresActivityDuringWarning(t *testing.T) {
	ctx := context.Background()
	monitor, fake, probe := newMonitor(t, nil, time.Now())
	monitor.Start(ctx)

	fake.Advance(28 * time.Minute)
	require.Len(t, probe.warnings, 1)

	monitor.RecordActivity(ctx, authclient.ActivityPointer)
	assert.Equal(t, 2*time.Minute, monitor.Remaining())
	assert.True(t, monitor.Warning())

	monitor.Continue(ctx)
	assert.False(t, monitor.Warning())
	assert.Equal(t, authclient.DefaultInactivityTimeout, monitor.Remaining())

	fake.Advance(29 * time.Minute)
	assert.Len(t, probe.warnings, 2)
	assert.Zero(t, probe.expired)
}

func TestMonitorResumesPersistedDeadline(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	first, fake, _ := newMonitor(t, store, start)
	first.Start(ctx)
	fake.Advance(20 * time.Minute)
	first.Stop()

	raw, err := store.Get(ctx, authclient.DefaultDeadlineKey)
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(start.Add(30*time.Minute).UnixMilli(), 10), raw)

	second, fake2, probe := newMonitor(t, store, start.Add(20*time.Minute))
	second.Start(ctx)
	assert.Equal(t, 10*time.Minute, second.Remaining())

	fake2.Advance(8 * time.Minute)
	require.Len(t, probe.warnings, 1)
	fake2.Advance(2 * time.Minute)
	assert.Equal(t, 1, probe.expired)
}

func TestMonitorPastDeadlineExpiresOnStart(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Set(ctx, authclient.DefaultDeadlineKey, strconv.FormatInt(start.Add(-time.Minute).UnixMilli(), 10)))

	monitor, _, probe := newMonitor(t, store, start)
	monitor.Start(ctx)

	assert.Equal(t, 1, probe.expired)
	assert.False(t, monitor.Running())
	assert.Zero(t, monitor.Remaining())
}

func TestMonitorResumeInsideWarningWindowWarnsImmediately(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Set(ctx, authclient.DefaultDeadlineKey, strconv.FormatInt(start.Add(time.Minute).UnixMilli(), 10)))

	monitor, fake, probe := newMonitor(t, store, start)
	monitor.Start(ctx)

	require.Len(t, probe.warnings, 1)
	assert.Equal(t, time.Minute, probe.warnings[0])

	fake.Advance(time.Minute)
	assert.Equal(t, 1, probe.expired)
}

func TestMonitorClearForgetsDeadline(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	monitor, fake, probe := newMonitor(t, store, time.Now())

	monitor.Start(ctx)
	monitor.Clear(ctx)

	_, err := store.Get(ctx, authclient.DefaultDeadlineKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.True(t, monitor.Deadline().IsZero())
	assert.Zero(t, fake.PendingCount())

	fake.Advance(time.Hour)
	assert.Empty(t, probe.warnings)
	assert.Zero(t, probe.expired)
}

func TestMonitorUnreadableDeadlineStartsFresh(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.Set(ctx, authclient.DefaultDeadlineKey, "garbage"))

	monitor, _, probe := newMonitor(t, store, time.Now())
	monitor.Start(ctx)

	assert.Zero(t, probe.expired)
	assert.Equal(t, authclient.DefaultInactivityTimeout, monitor.Remaining())
}
