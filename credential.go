package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-authclient/clock"
	"github.com/goliatone/go-authclient/storage"
)

const (
	DefaultCredentialKey      = "auth_token"
	DefaultEphemeralTTL       = 24 * time.Hour
	DefaultDurableTTL         = 30 * 24 * time.Hour
	DefaultExpiringSoonWindow = 5 * time.Minute
)

// Scope is the lifetime of a stored credential
type Scope string

const (
	ScopeEphemeral Scope = "ephemeral"
	ScopeDurable   Scope = "durable"
)

// Credential is the bearer token proving an authenticated identity
type Credential struct {
	Value  string
	Expiry time.Time
	Scope  Scope
}

// IsExpired reports whether the credential is dead at now.
func (c *Credential) IsExpired(now time.Time) bool {
	return c == nil || !c.Expiry.After(now)
}

// storedCredential is the persisted shape, expiry in unix milliseconds.
type storedCredential struct {
	Value  string `json:"value"`
	Expiry int64  `json:"expiry"`
}

// CredentialStore keeps at most one live credential across an ephemeral and
// a durable backend. All writes go through Save and Clear.
type CredentialStore struct {
	ephemeral    storage.Backend
	durable      storage.Backend
	key          string
	ephemeralTTL time.Duration
	durableTTL   time.Duration
	clock        clock.Clock
	logger       Logger

	mu sync.Mutex
	// observed is the value this store last wrote or saw through Watch.
	observed string
}

// CredentialStoreOption customizes a CredentialStore.
type CredentialStoreOption func(*CredentialStore)

// WithCredentialKey overrides the storage key, "auth_token" by default.
func WithCredentialKey(key string) CredentialStoreOption {
	return func(s *CredentialStore) {
		if key != "" {
			s.key = key
		}
	}
}

// WithCredentialTTL overrides how long saved credentials live per scope.
func WithCredentialTTL(ephemeral, durable time.Duration) CredentialStoreOption {
	return func(s *CredentialStore) {
		if ephemeral > 0 {
			s.ephemeralTTL = ephemeral
		}
		if durable > 0 {
			s.durableTTL = durable
		}
	}
}

// WithCredentialClock injects the clock (useful for tests).
func WithCredentialClock(c clock.Clock) CredentialStoreOption {
	return func(s *CredentialStore) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithCredentialLogger sets the logger used for swallowed backend errors.
func WithCredentialLogger(logger Logger) CredentialStoreOption {
	return func(s *CredentialStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewCredentialStore returns a store writing the ephemeral scope to
// ephemeral and the durable scope to durable. A nil backend gets a
// process local memory backend.
func NewCredentialStore(ephemeral, durable storage.Backend, opts ...CredentialStoreOption) *CredentialStore {
	if ephemeral == nil {
		ephemeral = storage.NewMemory()
	}
	if durable == nil {
		durable = storage.NewMemory()
	}

	s := &CredentialStore{
		ephemeral:    ephemeral,
		durable:      durable,
		key:          DefaultCredentialKey,
		ephemeralTTL: DefaultEphemeralTTL,
		durableTTL:   DefaultDurableTTL,
		clock:        clock.Real(),
		logger:       defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

// Save stores value in the durable scope when durable is set, otherwise in
// the ephemeral scope, and removes any credential from the other scope.
//
// A backend failure is returned as a storage error. It is not fatal: both
// scopes are cleared so the credential reads as absent.
func (s *CredentialStore) Save(ctx context.Context, value string, durable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	target, other, ttl := s.ephemeral, s.durable, s.ephemeralTTL
	if durable {
		target, other, ttl = s.durable, s.ephemeral, s.durableTTL
	}

	expiry := now.Add(ttl)
	if exp, ok := tokenExpiry(value); ok && exp.Before(expiry) {
		expiry = exp
	}

	raw, err := json.Marshal(storedCredential{
		Value:  value,
		Expiry: expiry.UnixMilli(),
	})
	if err != nil {
		return storageError(err, "encode")
	}

	if err := target.Set(ctx, s.key, string(raw)); err != nil {
		s.logger.Warn("credential save failed, treating credential as absent: %v", err)
		s.clearLocked(ctx)
		return storageError(err, "save")
	}

	if err := other.Delete(ctx, s.key); err != nil {
		s.logger.Warn("credential save could not clear the other scope: %v", err)
		s.clearLocked(ctx)
		return storageError(err, "save")
	}

	s.observed = value
	return nil
}

// Load returns the live credential, checking the ephemeral scope before the
// durable one. Expired or unreadable entries are deleted on the way.
func (s *CredentialStore) Load(ctx context.Context) (*Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

// IsExpiringSoon reports whether a live credential exists and expires
// within window.
func (s *CredentialStore) IsExpiringSoon(ctx context.Context, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.loadLocked(ctx)
	if !ok {
		return false
	}
	return cred.Expiry.Sub(s.clock.Now()) < window
}

// Clear removes the credential from both scopes. It is idempotent.
func (s *CredentialStore) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked(ctx)
}

// ClearIfValue clears the credential only while value is still the stored
// one. A newer credential saved in the meantime survives.
func (s *CredentialStore) ClearIfValue(ctx context.Context, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.loadLocked(ctx)
	if ok && current.Value != value {
		return false
	}
	s.clearLocked(ctx)
	return true
}

// Watch calls fn whenever another writer changes the credential in a
// backend that supports change notification. Changes made through this
// store are not reported. It reports whether any backend could be watched.
func (s *CredentialStore) Watch(ctx context.Context, fn func()) bool {
	s.mu.Lock()
	if cred, ok := s.loadLocked(ctx); ok {
		s.observed = cred.Value
	} else {
		s.observed = ""
	}
	s.mu.Unlock()

	watching := false
	for _, backend := range []storage.Backend{s.ephemeral, s.durable} {
		watcher, ok := backend.(storage.Watcher)
		if !ok {
			continue
		}
		// Memory backends notify synchronously, possibly while Save holds s.mu.
		err := watcher.Watch(ctx, func(key string) {
			if key == s.key {
				go s.dispatchChange(ctx, fn)
			}
		})
		if err != nil {
			s.logger.Warn("credential watch unavailable: %v", err)
			continue
		}
		watching = true
	}
	return watching
}

func (s *CredentialStore) dispatchChange(ctx context.Context, fn func()) {
	s.mu.Lock()
	current := ""
	if cred, ok := s.loadLocked(ctx); ok {
		current = cred.Value
	}
	changed := current != s.observed
	s.observed = current
	s.mu.Unlock()

	if changed {
		fn()
	}
}

func (s *CredentialStore) loadLocked(ctx context.Context) (*Credential, bool) {
	now := s.clock.Now()

	scopes := []struct {
		backend storage.Backend
		scope   Scope
	}{
		{s.ephemeral, ScopeEphemeral},
		{s.durable, ScopeDurable},
	}

	for _, entry := range scopes {
		raw, err := entry.backend.Get(ctx, s.key)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				s.logger.Warn("credential read from %s scope failed: %v", entry.scope, err)
			}
			continue
		}

		var stored storedCredential
		if err := json.Unmarshal([]byte(raw), &stored); err != nil || stored.Value == "" {
			s.deleteScope(ctx, entry.backend, entry.scope)
			continue
		}

		cred := &Credential{
			Value:  stored.Value,
			Expiry: time.UnixMilli(stored.Expiry),
			Scope:  entry.scope,
		}
		if cred.IsExpired(now) {
			s.deleteScope(ctx, entry.backend, entry.scope)
			continue
		}
		return cred, true
	}

	return nil, false
}

func (s *CredentialStore) clearLocked(ctx context.Context) {
	s.observed = ""
	s.deleteScope(ctx, s.ephemeral, ScopeEphemeral)
	s.deleteScope(ctx, s.durable, ScopeDurable)
}

func (s *CredentialStore) deleteScope(ctx context.Context, backend storage.Backend, scope Scope) {
	if err := backend.Delete(ctx, s.key); err != nil {
		s.logger.Warn("credential delete from %s scope failed: %v", scope, err)
	}
}

// tokenExpiry reads the exp claim of a JWT shaped token without verifying
// it. Opaque tokens report false.
func tokenExpiry(value string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(value, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
