// Package sqlitevec provides the embedded vector backend: one SQLite
// database holding any number of isolated collections, with embeddings
// stored as float32 blobs (exact brute-force cosine scan, no approximation)
// and FTS5 for backend-native keyword ranking.
package sqlitevec

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/thebtf/ragserve/internal/kberr"
	"github.com/thebtf/ragserve/internal/vector"
)

const schema = `
CREATE TABLE IF NOT EXISTS collections (
	name       TEXT PRIMARY KEY,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	content    TEXT NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	embedding  BLOB NOT NULL,
	dims       INTEGER NOT NULL,
	PRIMARY KEY (collection, id)
);

CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(
	content, collection UNINDEXED, id UNINDEXED
);
`

// Config holds configuration for the embedded store.
type Config struct {
	// Path is the database file path. ":memory:" is accepted for tests.
	Path string
	// MaxConns bounds the connection pool. Defaults to 4.
	MaxConns int
}

// Store is the embedded vector store. One Store serves all collections;
// handles returned by Collection are scoped views.
type Store struct {
	db        *sql.DB
	path      string
	stmtCache map[string]*sql.Stmt
	stmtMu    sync.RWMutex
	closeOnce sync.Once
	closeErr  error
}

// Compile-time check that Store satisfies vector.Store.
var _ vector.Store = (*Store)(nil)

// NewStore opens (creating if needed) the database and applies the schema.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, kberr.New(kberr.ConfigError, "sqlitevec: database path required")
	}

	connStr := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "open database")
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, kberr.Wrap(kberr.BackendError, err, "ping database")
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, kberr.Wrap(kberr.BackendError, err, "apply schema")
	}

	log.Debug().Str("path", cfg.Path).Msg("sqlitevec store opened")
	return &Store{
		db:        db,
		path:      cfg.Path,
		stmtCache: make(map[string]*sql.Stmt),
	}, nil
}

// Collection returns a handle for name, registering the collection on first
// access.
func (s *Store) Collection(ctx context.Context, name string) (vector.Collection, error) {
	if name == "" {
		return nil, kberr.New(kberr.InvalidInput, "collection name required")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO collections (name, created_at) VALUES (?, ?)",
		name, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "register collection %s", name)
	}
	return &collection{store: s, name: name}, nil
}

// DeleteCollection removes a collection and all its records.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kberr.Wrap(kberr.BackendError, err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		"DELETE FROM records_fts WHERE collection = ?",
		"DELETE FROM records WHERE collection = ?",
		"DELETE FROM collections WHERE name = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, name); err != nil {
			return kberr.Wrap(kberr.BackendError, err, "delete collection %s", name)
		}
	}
	if err := tx.Commit(); err != nil {
		return kberr.Wrap(kberr.BackendError, err, "commit collection delete")
	}

	log.Debug().Str("collection", name).Msg("Deleted collection")
	return nil
}

// Health reports store availability.
func (s *Store) Health(ctx context.Context) vector.Health {
	if err := s.db.PingContext(ctx); err != nil {
		return vector.Health{
			Status:  vector.StatusUnhealthy,
			Details: map[string]any{"error": err.Error(), "path": s.path},
		}
	}
	var collections int64
	_ = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM collections").Scan(&collections)
	return vector.Health{
		Status:  vector.StatusHealthy,
		Details: map[string]any{"path": s.path, "collections": collections},
	}
}

// Close releases the connection pool and cached statements. Idempotent.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.stmtMu.Lock()
		for _, stmt := range s.stmtCache {
			_ = stmt.Close()
		}
		s.stmtCache = nil
		s.stmtMu.Unlock()
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// getStmt returns a cached prepared statement, creating it if necessary.
func (s *Store) getStmt(query string) (*sql.Stmt, error) {
	s.stmtMu.RLock()
	stmt, ok := s.stmtCache[query]
	s.stmtMu.RUnlock()
	if ok {
		return stmt, nil
	}

	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()

	if s.stmtCache == nil {
		return nil, fmt.Errorf("store closed")
	}
	if stmt, ok := s.stmtCache[query]; ok {
		return stmt, nil
	}
	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	s.stmtCache[query] = stmt
	return stmt, nil
}
