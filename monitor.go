package authclient

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goliatone/go-authclient/clock"
	"github.com/goliatone/go-authclient/storage"
)

const (
	DefaultInactivityTimeout = 30 * time.Minute
	WarningLead              = 2 * time.Minute
	DefaultDeadlineKey       = "session_timeout"
)

// InactivityMonitor expires a session after a period without qualifying
// activity, with a warning WarningLead before the deadline. The deadline is
// persisted so a restart resumes the countdown instead of starting over.
type InactivityMonitor struct {
	store   storage.Backend
	key     string
	timeout time.Duration
	clock   clock.Clock
	logger  Logger

	mu          sync.Mutex
	running     bool
	warned      bool
	expired     bool
	deadline    time.Time
	generation  uint64
	warnTimer   *clock.Timer
	expireTimer *clock.Timer

	subsMu      sync.Mutex
	warningSubs map[int]func(time.Duration)
	expiredSubs map[int]func()
	nextSub     int
}

// MonitorOption customizes an InactivityMonitor.
type MonitorOption func(*InactivityMonitor)

// WithInactivityTimeout sets the inactivity timeout, 30 minutes by default.
func WithInactivityTimeout(d time.Duration) MonitorOption {
	return func(m *InactivityMonitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithDeadlineKey overrides the key the deadline is stored under.
func WithDeadlineKey(key string) MonitorOption {
	return func(m *InactivityMonitor) {
		if key != "" {
			m.key = key
		}
	}
}

// WithMonitorClock injects the clock (useful for tests).
func WithMonitorClock(c clock.Clock) MonitorOption {
	return func(m *InactivityMonitor) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithMonitorLogger sets the monitor logger.
func WithMonitorLogger(logger Logger) MonitorOption {
	return func(m *InactivityMonitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewInactivityMonitor returns a stopped monitor persisting its deadline in
// store. A nil store keeps the deadline in memory only.
func NewInactivityMonitor(store storage.Backend, opts ...MonitorOption) *InactivityMonitor {
	if store == nil {
		store = storage.NewMemory()
	}

	m := &InactivityMonitor{
		store:       store,
		key:         DefaultDeadlineKey,
		timeout:     DefaultInactivityTimeout,
		clock:       clock.Real(),
		logger:      defLogger{},
		warningSubs: map[int]func(time.Duration){},
		expiredSubs: map[int]func(){},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m
}

// Start begins tracking. A persisted deadline in the future is resumed, one
// in the past expires the session right away.
func (m *InactivityMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}

	m.running = true
	m.warned = false
	m.expired = false
	now := m.clock.Now()

	persisted, ok := m.loadDeadline(ctx)
	switch {
	case ok && persisted.After(now):
		m.logger.Debug("resuming inactivity deadline, %s remaining", persisted.Sub(now))
		m.deadline = persisted
	case ok:
		m.logger.Info("inactivity deadline passed while stopped")
		m.deadline = persisted
		m.expireLocked()
		m.mu.Unlock()
		m.emitExpired()
		return
	default:
		m.deadline = now.Add(m.timeout)
		m.saveDeadline(ctx)
	}

	warnNow, remaining := m.scheduleLocked(now)
	m.mu.Unlock()

	if warnNow {
		m.emitWarning(remaining)
	}
}

// RecordActivity pushes the deadline out by the timeout for qualifying
// activity. Activity inside the warning window is ignored; the warning has
// to be acknowledged with Continue.
func (m *InactivityMonitor) RecordActivity(ctx context.Context, kind ActivityKind) {
	if !kind.IsQualifying() {
		return
	}

	m.mu.Lock()
	if !m.running || m.warned || m.expired {
		m.mu.Unlock()
		return
	}
	warnNow, remaining := m.resetLocked(ctx)
	m.mu.Unlock()

	if warnNow {
		m.emitWarning(remaining)
	}
}

// Continue acknowledges the warning and starts a fresh timeout.
func (m *InactivityMonitor) Continue(ctx context.Context) {
	m.mu.Lock()
	if !m.running || m.expired {
		m.mu.Unlock()
		return
	}
	m.warned = false
	warnNow, remaining := m.resetLocked(ctx)
	m.mu.Unlock()

	if warnNow {
		m.emitWarning(remaining)
	}
}

// Remaining returns the time left before expiry, zero when none.
func (m *InactivityMonitor) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deadline.IsZero() {
		return 0
	}
	if remaining := m.deadline.Sub(m.clock.Now()); remaining > 0 {
		return remaining
	}
	return 0
}

// Deadline returns the current deadline, zero when none is set.
func (m *InactivityMonitor) Deadline() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deadline
}

// Warning reports whether the monitor is inside the warning window.
func (m *InactivityMonitor) Warning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running && m.warned
}

// Running reports whether timers are armed.
func (m *InactivityMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Stop cancels the timers and keeps the persisted deadline, so a later
// Start resumes it.
func (m *InactivityMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// Clear cancels the timers and forgets the deadline.
func (m *InactivityMonitor) Clear(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()
	m.deadline = time.Time{}
	if err := m.store.Delete(ctx, m.key); err != nil {
		m.logger.Warn("inactivity deadline delete failed: %v", err)
	}
}

// OnWarning registers fn for warning events. fn gets the time left.
func (m *InactivityMonitor) OnWarning(fn func(remaining time.Duration)) func() {
	if fn == nil {
		return func() {}
	}
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.warningSubs[id] = fn
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		delete(m.warningSubs, id)
		m.subsMu.Unlock()
	}
}

// OnExpired registers fn for the expiry event.
func (m *InactivityMonitor) OnExpired(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.expiredSubs[id] = fn
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		delete(m.expiredSubs, id)
		m.subsMu.Unlock()
	}
}

func (m *InactivityMonitor) resetLocked(ctx context.Context) (bool, time.Duration) {
	now := m.clock.Now()
	m.deadline = now.Add(m.timeout)
	m.saveDeadline(ctx)
	return m.scheduleLocked(now)
}

// scheduleLocked arms both timers against m.deadline. When the deadline is
// already inside the warning window it reports that the warning is due now.
func (m *InactivityMonitor) scheduleLocked(now time.Time) (bool, time.Duration) {
	m.cancelTimersLocked()
	m.generation++
	gen := m.generation

	remaining := m.deadline.Sub(now)
	m.expireTimer = m.clock.AfterFunc(remaining, func() { m.fireExpired(gen) })

	if remaining <= WarningLead {
		m.warned = true
		return true, remaining
	}

	m.warnTimer = m.clock.AfterFunc(remaining-WarningLead, func() { m.fireWarning(gen) })
	return false, 0
}

func (m *InactivityMonitor) fireWarning(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || !m.running || m.expired {
		m.mu.Unlock()
		return
	}
	m.warned = true
	m.warnTimer = nil
	remaining := m.deadline.Sub(m.clock.Now())
	m.mu.Unlock()

	m.emitWarning(remaining)
}

func (m *InactivityMonitor) fireExpired(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || !m.running || m.expired {
		m.mu.Unlock()
		return
	}
	m.expireLocked()
	m.mu.Unlock()

	m.emitExpired()
}

func (m *InactivityMonitor) expireLocked() {
	m.expired = true
	m.stopLocked()
}

func (m *InactivityMonitor) stopLocked() {
	m.running = false
	m.warned = false
	m.generation++
	m.cancelTimersLocked()
}

func (m *InactivityMonitor) cancelTimersLocked() {
	m.warnTimer.Stop()
	m.expireTimer.Stop()
	m.warnTimer = nil
	m.expireTimer = nil
}

func (m *InactivityMonitor) loadDeadline(ctx context.Context) (time.Time, bool) {
	raw, err := m.store.Get(ctx, m.key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("inactivity deadline read failed: %v", err)
		}
		return time.Time{}, false
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		m.logger.Warn("discarding unreadable inactivity deadline %q", raw)
		_ = m.store.Delete(ctx, m.key)
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (m *InactivityMonitor) saveDeadline(ctx context.Context) {
	value := strconv.FormatInt(m.deadline.UnixMilli(), 10)
	if err := m.store.Set(ctx, m.key, value); err != nil {
		m.logger.Warn("inactivity deadline save failed: %v", err)
	}
}

func (m *InactivityMonitor) emitWarning(remaining time.Duration) {
	m.subsMu.Lock()
	fns := make([]func(time.Duration), 0, len(m.warningSubs))
	for _, id := range sortedIDs(m.warningSubs) {
		fns = append(fns, m.warningSubs[id])
	}
	m.subsMu.Unlock()

	m.logger.Info("session expires in %s without activity", remaining.Round(time.Second))
	for _, fn := range fns {
		fn(remaining)
	}
}

func (m *InactivityMonitor) emitExpired() {
	m.subsMu.Lock()
	fns := make([]func(), 0, len(m.expiredSubs))
	for _, id := range sortedIDs(m.expiredSubs) {
		fns = append(fns, m.expiredSubs[id])
	}
	m.subsMu.Unlock()

	m.logger.Info("session expired after inactivity")
	for _, fn := range fns {
		fn()
	}
}

func sortedIDs[V any](subs map[int]V) []int {
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
