// Package sqlstore implements storage.Backend on a SQLite table through bun.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-authclient/storage"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// Entry is a single stored value.
type Entry struct {
	bun.BaseModel `bun:"table:authclient_entries,alias:ae"`

	Key       string    `bun:"entry_key,pk" json:"key"`
	Value     string    `bun:"entry_value,notnull" json:"value"`
	UpdatedAt time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

// Store is a bun backed storage.Backend.
type Store struct {
	db  *bun.DB
	now func() time.Time
}

var _ storage.Backend = (*Store)(nil)

// Option customizes a Store.
type Option func(*Store)

// WithClock injects the clock used for updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens a SQLite database at dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to open sqlite store")
	}
	// A single connection keeps in-memory databases coherent.
	sqldb.SetMaxOpenConns(1)

	store, err := New(ctx, bun.NewDB(sqldb, sqlitedialect.New()), opts...)
	if err != nil {
		sqldb.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing bun database and ensures the schema exists.
func New(ctx context.Context, db *bun.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, goerrors.New("bun database is required", goerrors.CategoryBadInput)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if _, err := db.NewCreateTable().Model((*Entry)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create entries table")
	}
	return s, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	entry := new(Entry)
	err := s.db.NewSelect().
		Model(entry).
		Where("?TableAlias.entry_key = ?", key).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to read entry")
	}
	return entry.Value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	entry := &Entry{
		Key:       key,
		Value:     value,
		UpdatedAt: s.now().UTC(),
	}
	_, err := s.db.NewInsert().
		Model(entry).
		On("CONFLICT (entry_key) DO UPDATE").
		Set("entry_value = EXCLUDED.entry_value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to write entry")
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.NewDelete().
		Model((*Entry)(nil)).
		Where("entry_key = ?", key).
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to delete entry")
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
