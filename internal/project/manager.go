// Package project manages multi-tenant project metadata and the per-project
// resources hanging off it: the backend collection, the query cache, and the
// export/import bundles. Metadata lives in a small SQLite database; document
// content and embeddings live in the vector store.
package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/thebtf/ragserve/internal/cache"
	"github.com/thebtf/ragserve/internal/kberr"
	"github.com/thebtf/ragserve/internal/vector"
)

// CollectionPrefix namespaces backend collections by project id.
const CollectionPrefix = "kb_project_"

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	project_id      TEXT PRIMARY KEY,
	name            TEXT NOT NULL UNIQUE,
	description     TEXT,
	collection_name TEXT NOT NULL,
	embedding_model TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	metadata        TEXT
);
CREATE INDEX IF NOT EXISTS idx_project_name ON projects(name);
`

// Project is one tenant's metadata row.
type Project struct {
	ProjectID      string         `json:"project_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	CollectionName string         `json:"collection_name"`
	EmbeddingModel string         `json:"embedding_model"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// QueryResults is the cached value type for project query caches.
type QueryResults []vector.Result

// StoreOpener lazily constructs the process-wide vector store.
type StoreOpener func() (vector.Store, error)

// Config wires a Manager.
type Config struct {
	// DBPath is the SQLite file for project metadata.
	DBPath string
	// CacheCapacity sizes each project's query cache.
	CacheCapacity int
	// DefaultEmbeddingModel is used when create omits a model version.
	DefaultEmbeddingModel string
	// OpenStore builds the vector store on first use.
	OpenStore StoreOpener
}

// Manager coordinates project metadata, collections, and caches.
//
// The metadata mutex serializes all metadata mutations. The store and the
// collection cache use their own locks so metadata operations never nest
// into backend calls while holding them.
type Manager struct {
	cfg Config
	db  *sql.DB

	mu sync.Mutex // metadata mutations

	storeMu sync.Mutex
	store   vector.Store

	collMu    sync.Mutex
	collCache map[string]vector.Collection

	cacheMu sync.Mutex
	caches  map[string]*cache.LRU[string, QueryResults]

	stmtCache map[string]*sql.Stmt
	stmtMu    sync.RWMutex
}

// NewManager opens (creating if needed) the metadata database.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.DBPath == "" {
		return nil, kberr.New(kberr.ConfigError, "project db path required")
	}
	if cfg.CacheCapacity <= 0 {
		return nil, kberr.New(kberr.ConfigError, "cache capacity must be positive, got %d", cfg.CacheCapacity)
	}
	if cfg.OpenStore == nil {
		return nil, kberr.New(kberr.ConfigError, "store opener required")
	}

	db, err := sql.Open("sqlite",
		cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "open project database")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, kberr.Wrap(kberr.BackendError, err, "apply project schema")
	}

	return &Manager{
		cfg:       cfg,
		db:        db,
		collCache: make(map[string]vector.Collection),
		caches:    make(map[string]*cache.LRU[string, QueryResults]),
		stmtCache: make(map[string]*sql.Stmt),
	}, nil
}

// Store returns the shared vector store, constructing it on first call
// under a double-checked lock.
func (m *Manager) Store() (vector.Store, error) {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	if m.store != nil {
		return m.store, nil
	}
	store, err := m.cfg.OpenStore()
	if err != nil {
		return nil, err
	}
	m.store = store
	return store, nil
}

// Collection returns the project's collection handle, cached after first
// access.
func (m *Manager) Collection(ctx context.Context, projectID string) (vector.Collection, error) {
	m.collMu.Lock()
	if coll, ok := m.collCache[projectID]; ok {
		m.collMu.Unlock()
		return coll, nil
	}
	m.collMu.Unlock()

	proj, err := m.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	store, err := m.Store()
	if err != nil {
		return nil, err
	}
	coll, err := store.Collection(ctx, proj.CollectionName)
	if err != nil {
		return nil, err
	}

	m.collMu.Lock()
	m.collCache[projectID] = coll
	m.collMu.Unlock()
	return coll, nil
}

// Cache returns the project's query cache, creating it on first access.
func (m *Manager) Cache(projectID string) (*cache.LRU[string, QueryResults], error) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if c, ok := m.caches[projectID]; ok {
		return c, nil
	}
	c, err := cache.New[string, QueryResults](m.cfg.CacheCapacity)
	if err != nil {
		return nil, err
	}
	m.caches[projectID] = c
	return c, nil
}

// ClearCache empties the project's query cache if one exists.
func (m *Manager) ClearCache(projectID string) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if c, ok := m.caches[projectID]; ok {
		c.Clear()
	}
}

// Create registers a new project, creates its backend collection, and
// attaches a fresh query cache. Name collisions fail with DuplicateName and
// leave no partial state.
func (m *Manager) Create(ctx context.Context, name, description, embeddingModel string, metadata map[string]any) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, kberr.New(kberr.InvalidInput, "project name required")
	}
	if embeddingModel == "" {
		embeddingModel = m.cfg.DefaultEmbeddingModel
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	now := time.Now().UTC()
	proj := &Project{
		ProjectID:      id,
		Name:           name,
		Description:    description,
		CollectionName: CollectionPrefix + id,
		EmbeddingModel: embeddingModel,
		CreatedAt:      now,
		UpdatedAt:      now,
		Metadata:       metadata,
	}

	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO projects
			(project_id, name, description, collection_name, embedding_model, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		proj.ProjectID, proj.Name, proj.Description, proj.CollectionName,
		proj.EmbeddingModel, formatTime(now), formatTime(now), metaJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, kberr.New(kberr.DuplicateName, "project name %q already exists", name)
		}
		return nil, kberr.Wrap(kberr.BackendError, err, "insert project")
	}

	// Collection creation is best-effort: the collection is (re)created on
	// first access anyway.
	if store, err := m.Store(); err != nil {
		log.Warn().Err(err).Str("project", id).Msg("Store unavailable during create")
	} else if _, err := store.Collection(ctx, proj.CollectionName); err != nil {
		log.Warn().Err(err).Str("project", id).Msg("Collection creation failed during create")
	}

	if _, err := m.Cache(id); err != nil {
		return nil, err
	}

	log.Info().Str("project", id).Str("name", name).Msg("Created project")
	return proj, nil
}

// Get returns a project by id.
func (m *Manager) Get(ctx context.Context, projectID string) (*Project, error) {
	return m.getWhere(ctx, "project_id = ?", projectID)
}

// GetByName returns a project by its unique name.
func (m *Manager) GetByName(ctx context.Context, name string) (*Project, error) {
	return m.getWhere(ctx, "name = ?", name)
}

func (m *Manager) getWhere(ctx context.Context, cond string, arg any) (*Project, error) {
	stmt, err := m.getStmt(`
		SELECT project_id, name, description, collection_name, embedding_model,
		       created_at, updated_at, metadata
		FROM projects WHERE ` + cond)
	if err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "prepare project lookup")
	}
	proj, err := scanProject(stmt.QueryRowContext(ctx, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kberr.New(kberr.NotFound, "project %v not found", arg)
	}
	if err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "load project")
	}
	return proj, nil
}

// List returns all projects, newest first.
func (m *Manager) List(ctx context.Context) ([]*Project, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT project_id, name, description, collection_name, embedding_model,
		       created_at, updated_at, metadata
		FROM projects ORDER BY created_at DESC, project_id`)
	if err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "list projects")
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		proj, err := scanProject(rows)
		if err != nil {
			return nil, kberr.Wrap(kberr.BackendError, err, "scan project row")
		}
		projects = append(projects, proj)
	}
	return projects, rows.Err()
}

// Update is a partial update; nil fields keep their current value. Changing
// embedding_model on a non-empty project leaves existing vectors stale until
// the next rebuild.
type Update struct {
	Name           *string
	Description    *string
	EmbeddingModel *string
	Metadata       map[string]any
}

// Update applies a partial update, re-checking name uniqueness on rename.
func (m *Manager) Update(ctx context.Context, projectID string, upd Update) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	proj, err := m.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, kberr.New(kberr.InvalidInput, "project name required")
		}
		proj.Name = name
	}
	if upd.Description != nil {
		proj.Description = *upd.Description
	}
	if upd.EmbeddingModel != nil {
		proj.EmbeddingModel = *upd.EmbeddingModel
	}
	if upd.Metadata != nil {
		proj.Metadata = upd.Metadata
	}
	proj.UpdatedAt = time.Now().UTC()

	metaJSON, err := marshalMetadata(proj.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = m.db.ExecContext(ctx, `
		UPDATE projects
		SET name = ?, description = ?, embedding_model = ?, updated_at = ?, metadata = ?
		WHERE project_id = ?`,
		proj.Name, proj.Description, proj.EmbeddingModel,
		formatTime(proj.UpdatedAt), metaJSON, projectID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, kberr.New(kberr.DuplicateName, "project name %q already exists", proj.Name)
		}
		return nil, kberr.Wrap(kberr.BackendError, err, "update project")
	}
	return proj, nil
}

// Delete cascades: it clears the query cache, drops the collection handle,
// deletes the backend collection (logged, not fatal), and removes the row.
// It reports whether a row existed.
func (m *Manager) Delete(ctx context.Context, projectID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	proj, err := m.Get(ctx, projectID)
	if kberr.HasKind(err, kberr.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	m.cacheMu.Lock()
	delete(m.caches, projectID)
	m.cacheMu.Unlock()

	m.collMu.Lock()
	delete(m.collCache, projectID)
	m.collMu.Unlock()

	if store, err := m.Store(); err != nil {
		log.Warn().Err(err).Str("project", projectID).Msg("Store unavailable during delete")
	} else if err := store.DeleteCollection(ctx, proj.CollectionName); err != nil {
		log.Warn().Err(err).Str("project", projectID).Msg("Backend collection delete failed")
	}

	res, err := m.db.ExecContext(ctx, "DELETE FROM projects WHERE project_id = ?", projectID)
	if err != nil {
		return false, kberr.Wrap(kberr.BackendError, err, "delete project row")
	}
	n, _ := res.RowsAffected()

	log.Info().Str("project", projectID).Msg("Deleted project")
	return n > 0, nil
}

// Close releases caches, cached statements, the store, and the database.
func (m *Manager) Close() error {
	m.cacheMu.Lock()
	m.caches = make(map[string]*cache.LRU[string, QueryResults])
	m.cacheMu.Unlock()

	m.collMu.Lock()
	m.collCache = make(map[string]vector.Collection)
	m.collMu.Unlock()

	m.stmtMu.Lock()
	for _, stmt := range m.stmtCache {
		_ = stmt.Close()
	}
	m.stmtCache = make(map[string]*sql.Stmt)
	m.stmtMu.Unlock()

	m.storeMu.Lock()
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Store close failed")
		}
		m.store = nil
	}
	m.storeMu.Unlock()

	return m.db.Close()
}

func (m *Manager) getStmt(query string) (*sql.Stmt, error) {
	m.stmtMu.RLock()
	stmt, ok := m.stmtCache[query]
	m.stmtMu.RUnlock()
	if ok {
		return stmt, nil
	}

	m.stmtMu.Lock()
	defer m.stmtMu.Unlock()
	if stmt, ok := m.stmtCache[query]; ok {
		return stmt, nil
	}
	stmt, err := m.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	m.stmtCache[query] = stmt
	return stmt, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var proj Project
	var description, metaJSON sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&proj.ProjectID, &proj.Name, &description, &proj.CollectionName,
		&proj.EmbeddingModel, &createdAt, &updatedAt, &metaJSON)
	if err != nil {
		return nil, err
	}
	proj.Description = description.String
	proj.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	proj.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &proj.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal project metadata: %w", err)
		}
	}
	return &proj, nil
}

func marshalMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		return "", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", kberr.Wrap(kberr.InvalidInput, err, "marshal project metadata")
	}
	return string(data), nil
}

// timeLayout is RFC3339 with fixed-width nanoseconds so stored timestamps
// sort correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
