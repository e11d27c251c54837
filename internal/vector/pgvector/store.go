// Package pgvector provides the SQL vector backend for larger deployments:
// PostgreSQL with the pgvector extension for ANN-capable vector search and
// tsvector ranking for keyword search.
package pgvector

import (
	"context"
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	json "github.com/goccy/go-json"
	pgv "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/thebtf/ragserve/internal/kberr"
	"github.com/thebtf/ragserve/internal/vector"
)

// Config holds connection settings for the SQL backend.
type Config struct {
	// DSN is the PostgreSQL connection string.
	DSN string
	// Dimensions fixes the vector column width. Required.
	Dimensions int
}

// recordRow maps to the kb_records table.
type recordRow struct {
	Collection string     `gorm:"column:collection;primaryKey"`
	ID         string     `gorm:"column:id;primaryKey"`
	Content    string     `gorm:"column:content;not null"`
	Metadata   string     `gorm:"column:metadata;type:jsonb;not null;default:'{}'"`
	Embedding  pgv.Vector `gorm:"column:embedding"`
}

func (recordRow) TableName() string { return "kb_records" }

// Store is the PostgreSQL-backed vector store.
type Store struct {
	db   *gorm.DB
	dims int
}

var _ vector.Store = (*Store)(nil)

// NewStore connects and runs migrations.
func NewStore(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, kberr.New(kberr.ConfigError, "pgvector: DSN required")
	}
	if cfg.Dimensions <= 0 {
		return nil, kberr.New(kberr.ConfigError, "pgvector: dimensions must be positive, got %d", cfg.Dimensions)
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "connect to postgres")
	}

	if err := migrate(db, cfg.Dimensions); err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "run migrations")
	}

	log.Debug().Int("dims", cfg.Dimensions).Msg("pgvector store connected")
	return &Store{db: db, dims: cfg.Dimensions}, nil
}

func migrate(db *gorm.DB, dims int) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "202601-kb-records",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
					return err
				}
				stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS kb_records (
					collection TEXT NOT NULL,
					id         TEXT NOT NULL,
					content    TEXT NOT NULL,
					metadata   JSONB NOT NULL DEFAULT '{}',
					embedding  vector(%d),
					PRIMARY KEY (collection, id)
				)`, dims)
				if err := tx.Exec(stmt).Error; err != nil {
					return err
				}
				if err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_kb_records_fts
					ON kb_records USING gin (to_tsvector('english', content))`).Error; err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_kb_records_embedding
					ON kb_records USING hnsw (embedding vector_cosine_ops)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP TABLE IF EXISTS kb_records").Error
			},
		},
	})
	return m.Migrate()
}

// Collection returns a handle for name. Collections are logical namespaces;
// no registration row is needed.
func (s *Store) Collection(ctx context.Context, name string) (vector.Collection, error) {
	if name == "" {
		return nil, kberr.New(kberr.InvalidInput, "collection name required")
	}
	return &collection{store: s, name: name}, nil
}

// DeleteCollection removes all records of a collection.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	err := s.db.WithContext(ctx).
		Where("collection = ?", name).
		Delete(&recordRow{}).Error
	if err != nil {
		return kberr.Wrap(kberr.BackendError, err, "delete collection %s", name)
	}
	return nil
}

// Health reports store availability.
func (s *Store) Health(ctx context.Context) vector.Health {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		return vector.Health{
			Status:  vector.StatusUnhealthy,
			Details: map[string]any{"error": err.Error()},
		}
	}
	return vector.Health{
		Status:  vector.StatusHealthy,
		Details: map[string]any{"backend": "postgres", "dims": s.dims},
	}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// collection is a scoped view over one collection name.
type collection struct {
	store *Store
	name  string
}

var _ vector.Collection = (*collection)(nil)

func (c *collection) Capabilities() vector.Capabilities {
	return vector.Capabilities{NativeFTS: true}
}

func (c *collection) Add(ctx context.Context, ids []string, embeddings [][]float32, documents []string, metadatas []map[string]any) error {
	n := len(ids)
	if n == 0 {
		return nil
	}
	if len(embeddings) != n || len(documents) != n {
		return kberr.New(kberr.InvalidInput,
			"mismatched lengths: %d ids, %d embeddings, %d documents",
			n, len(embeddings), len(documents))
	}
	if metadatas != nil && len(metadatas) != n {
		return kberr.New(kberr.InvalidInput,
			"mismatched lengths: %d ids, %d metadatas", n, len(metadatas))
	}

	rows := make([]recordRow, n)
	for i := 0; i < n; i++ {
		meta := map[string]any{}
		if metadatas != nil && metadatas[i] != nil {
			meta = metadatas[i]
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return kberr.Wrap(kberr.BackendError, err, "marshal metadata for %s", ids[i])
		}
		rows[i] = recordRow{
			Collection: c.name,
			ID:         ids[i],
			Content:    documents[i],
			Metadata:   string(metaJSON),
			Embedding:  pgv.NewVector(embeddings[i]),
		}
	}

	err := c.store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "metadata", "embedding"}),
		}).
		CreateInBatches(rows, 200).Error
	if err != nil {
		return kberr.Wrap(kberr.BackendError, err, "upsert %d records", n)
	}
	return nil
}

func (c *collection) QueryVector(ctx context.Context, query []float32, topK int, where map[string]any) ([]vector.Result, error) {
	if topK <= 0 {
		return []vector.Result{}, nil
	}
	limit := topK
	if len(where) > 0 {
		limit = topK * 10
	}

	var rows []struct {
		ID       string
		Metadata string
		Distance float64
	}
	err := c.store.db.WithContext(ctx).Raw(`
		SELECT id, metadata, embedding <=> ? AS distance
		FROM kb_records
		WHERE collection = ?
		ORDER BY distance
		LIMIT ?`,
		pgv.NewVector(query), c.name, limit).Scan(&rows).Error
	if err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "vector query")
	}

	return c.filterRows(topK, where, rows, func(distance float64) float64 {
		return vector.DistanceToSimilarity(distance)
	})
}

func (c *collection) QueryKeyword(ctx context.Context, text string, topK int, where map[string]any) ([]vector.Result, error) {
	if topK <= 0 {
		return []vector.Result{}, nil
	}
	limit := topK
	if len(where) > 0 {
		limit = topK * 10
	}

	var rows []struct {
		ID       string
		Metadata string
		Distance float64 // ts_rank negated so filterRows can share ordering
	}
	err := c.store.db.WithContext(ctx).Raw(`
		SELECT id, metadata,
		       -ts_rank(to_tsvector('english', content), plainto_tsquery('english', ?)) AS distance
		FROM kb_records
		WHERE collection = ?
		  AND to_tsvector('english', content) @@ plainto_tsquery('english', ?)
		ORDER BY distance
		LIMIT ?`,
		text, c.name, text, limit).Scan(&rows).Error
	if err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "keyword query")
	}

	return c.filterRows(topK, where, rows, func(distance float64) float64 {
		return -distance
	})
}

// filterRows applies the metadata predicate and converts distances to scores.
func (c *collection) filterRows(topK int, where map[string]any, rows []struct {
	ID       string
	Metadata string
	Distance float64
}, score func(float64) float64) ([]vector.Result, error) {
	results := []vector.Result{}
	for _, row := range rows {
		meta := map[string]any{}
		if row.Metadata != "" {
			if err := json.Unmarshal([]byte(row.Metadata), &meta); err != nil {
				return nil, kberr.Wrap(kberr.BackendError, err, "unmarshal metadata for %s", row.ID)
			}
		}
		if where != nil && !vector.MatchesWhere(meta, where) {
			continue
		}
		results = append(results, vector.Result{ID: row.ID, Score: score(row.Distance), Metadata: meta})
		if len(results) == topK {
			break
		}
	}
	return results, nil
}

func (c *collection) Delete(ctx context.Context, ids []string, where map[string]any) error {
	if len(ids) == 0 && len(where) == 0 {
		return kberr.New(kberr.InvalidInput, "delete requires ids or a metadata filter")
	}

	db := c.store.db.WithContext(ctx)
	if len(ids) > 0 {
		err := db.Where("collection = ? AND id IN ?", c.name, ids).Delete(&recordRow{}).Error
		if err != nil {
			return kberr.Wrap(kberr.BackendError, err, "delete by ids")
		}
	}
	if len(where) > 0 {
		recs, err := c.All(ctx)
		if err != nil {
			return err
		}
		var matched []string
		for _, r := range recs {
			if vector.MatchesWhere(r.Metadata, where) {
				matched = append(matched, r.ID)
			}
		}
		if len(matched) > 0 {
			err := db.Where("collection = ? AND id IN ?", c.name, matched).Delete(&recordRow{}).Error
			if err != nil {
				return kberr.Wrap(kberr.BackendError, err, "delete by filter")
			}
		}
	}
	return nil
}

func (c *collection) Fetch(ctx context.Context, ids []string) ([]vector.Record, error) {
	if len(ids) == 0 {
		return []vector.Record{}, nil
	}
	var rows []recordRow
	err := c.store.db.WithContext(ctx).
		Where("collection = ? AND id IN ?", c.name, ids).
		Find(&rows).Error
	if err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "fetch records")
	}
	return toRecords(rows)
}

func (c *collection) All(ctx context.Context) ([]vector.Record, error) {
	var rows []recordRow
	err := c.store.db.WithContext(ctx).
		Where("collection = ?", c.name).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "scan collection")
	}
	return toRecords(rows)
}

func (c *collection) Count(ctx context.Context) (int64, error) {
	var n int64
	err := c.store.db.WithContext(ctx).
		Model(&recordRow{}).
		Where("collection = ?", c.name).
		Count(&n).Error
	if err != nil {
		return 0, kberr.Wrap(kberr.BackendError, err, "count records")
	}
	return n, nil
}

func toRecords(rows []recordRow) ([]vector.Record, error) {
	records := make([]vector.Record, 0, len(rows))
	for _, row := range rows {
		meta := map[string]any{}
		if row.Metadata != "" {
			if err := json.Unmarshal([]byte(row.Metadata), &meta); err != nil {
				return nil, kberr.Wrap(kberr.BackendError, err, "unmarshal metadata for %s", row.ID)
			}
		}
		records = append(records, vector.Record{
			ID:        row.ID,
			Embedding: row.Embedding.Slice(),
			Content:   row.Content,
			Metadata:  meta,
		})
	}
	return records, nil
}
