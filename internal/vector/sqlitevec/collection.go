package sqlitevec

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/ragserve/internal/kberr"
	"github.com/thebtf/ragserve/internal/vector"
)

// collection is a scoped view over one collection name.
type collection struct {
	store *Store
	name  string
}

var _ vector.Collection = (*collection)(nil)

func (c *collection) Capabilities() vector.Capabilities {
	return vector.Capabilities{NativeFTS: true}
}

// Add upserts records and keeps the FTS index in step within one transaction.
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

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return kberr.Wrap(kberr.BackendError, err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for i := 0; i < n; i++ {
		meta := map[string]any{}
		if metadatas != nil && metadatas[i] != nil {
			meta = metadatas[i]
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return kberr.Wrap(kberr.BackendError, err, "marshal metadata for %s", ids[i])
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (collection, id, content, metadata, embedding, dims)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (collection, id) DO UPDATE SET
				content = excluded.content,
				metadata = excluded.metadata,
				embedding = excluded.embedding,
				dims = excluded.dims`,
			c.name, ids[i], documents[i], string(metaJSON),
			encodeEmbedding(embeddings[i]), len(embeddings[i]))
		if err != nil {
			return kberr.Wrap(kberr.BackendError, err, "upsert record %s", ids[i])
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM records_fts WHERE collection = ? AND id = ?",
			c.name, ids[i]); err != nil {
			return kberr.Wrap(kberr.BackendError, err, "refresh fts for %s", ids[i])
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO records_fts (content, collection, id) VALUES (?, ?, ?)",
			documents[i], c.name, ids[i]); err != nil {
			return kberr.Wrap(kberr.BackendError, err, "index fts for %s", ids[i])
		}
	}

	if err := tx.Commit(); err != nil {
		return kberr.Wrap(kberr.BackendError, err, "commit add")
	}

	log.Debug().Str("collection", c.name).Int("count", n).Msg("Added records")
	return nil
}

// QueryVector runs an exact cosine scan over the collection. Fine for the
// collection sizes this store targets; larger deployments use the SQL backend.
func (c *collection) QueryVector(ctx context.Context, query []float32, topK int, where map[string]any) ([]vector.Result, error) {
	if topK <= 0 {
		return []vector.Result{}, nil
	}

	stmt, err := c.store.getStmt(
		"SELECT id, metadata, embedding FROM records WHERE collection = ?")
	if err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "prepare vector scan")
	}
	rows, err := stmt.QueryContext(ctx, c.name)
	if err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "scan records")
	}
	defer rows.Close()

	var results []vector.Result
	for rows.Next() {
		var id, metaJSON string
		var blob []byte
		if err := rows.Scan(&id, &metaJSON, &blob); err != nil {
			return nil, kberr.Wrap(kberr.BackendError, err, "scan row")
		}
		meta, err := unmarshalMeta(metaJSON)
		if err != nil {
			return nil, err
		}
		if where != nil && !vector.MatchesWhere(meta, where) {
			continue
		}
		emb, err := decodeEmbedding(blob)
		if err != nil {
			return nil, kberr.Wrap(kberr.BackendError, err, "decode embedding for %s", id)
		}
		results = append(results, vector.Result{
			ID:       id,
			Score:    vector.DistanceToSimilarity(cosineDistance(query, emb)),
			Metadata: meta,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "iterate records")
	}

	sortResults(results)
	if len(results) > topK {
		results = results[:topK]
	}
	if results == nil {
		results = []vector.Result{}
	}
	return results, nil
}

// QueryKeyword ranks by FTS5 bm25. bm25() returns lower-is-better values, so
// the score is negated to keep higher-is-better semantics.
func (c *collection) QueryKeyword(ctx context.Context, text string, topK int, where map[string]any) ([]vector.Result, error) {
	if topK <= 0 {
		return []vector.Result{}, nil
	}
	match := ftsMatchExpr(text)
	if match == "" {
		return []vector.Result{}, nil
	}

	// When a metadata predicate is present, over-fetch and filter in Go.
	limit := topK
	if len(where) > 0 {
		limit = topK * 10
	}

	stmt, err := c.store.getStmt(`
		SELECT f.id, bm25(records_fts) AS rank, r.metadata
		FROM records_fts f
		JOIN records r ON r.collection = f.collection AND r.id = f.id
		WHERE records_fts MATCH ? AND f.collection = ?
		ORDER BY rank
		LIMIT ?`)
	if err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "prepare keyword query")
	}
	rows, err := stmt.QueryContext(ctx, match, c.name, limit)
	if err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "keyword query")
	}
	defer rows.Close()

	results := []vector.Result{}
	for rows.Next() {
		var id, metaJSON string
		var rank float64
		if err := rows.Scan(&id, &rank, &metaJSON); err != nil {
			return nil, kberr.Wrap(kberr.BackendError, err, "scan keyword row")
		}
		meta, err := unmarshalMeta(metaJSON)
		if err != nil {
			return nil, err
		}
		if where != nil && !vector.MatchesWhere(meta, where) {
			continue
		}
		results = append(results, vector.Result{ID: id, Score: -rank, Metadata: meta})
		if len(results) == topK {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "iterate keyword rows")
	}
	return results, nil
}

// Delete removes records by id list and/or metadata predicate.
func (c *collection) Delete(ctx context.Context, ids []string, where map[string]any) error {
	if len(ids) == 0 && len(where) == 0 {
		return kberr.New(kberr.InvalidInput, "delete requires ids or a metadata filter")
	}

	targets := append([]string(nil), ids...)
	if len(where) > 0 {
		matched, err := c.idsMatching(ctx, where)
		if err != nil {
			return err
		}
		targets = append(targets, matched...)
	}
	if len(targets) == 0 {
		return nil
	}

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return kberr.Wrap(kberr.BackendError, err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range targets {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM records WHERE collection = ? AND id = ?", c.name, id); err != nil {
			return kberr.Wrap(kberr.BackendError, err, "delete record %s", id)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM records_fts WHERE collection = ? AND id = ?", c.name, id); err != nil {
			return kberr.Wrap(kberr.BackendError, err, "delete fts row %s", id)
		}
	}
	if err := tx.Commit(); err != nil {
		return kberr.Wrap(kberr.BackendError, err, "commit delete")
	}

	log.Debug().Str("collection", c.name).Int("count", len(targets)).Msg("Deleted records")
	return nil
}

// Fetch returns stored records for the given ids, skipping missing ones.
func (c *collection) Fetch(ctx context.Context, ids []string) ([]vector.Record, error) {
	stmt, err := c.store.getStmt(
		"SELECT content, metadata, embedding FROM records WHERE collection = ? AND id = ?")
	if err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "prepare fetch")
	}

	records := make([]vector.Record, 0, len(ids))
	for _, id := range ids {
		var content, metaJSON string
		var blob []byte
		err := stmt.QueryRowContext(ctx, c.name, id).Scan(&content, &metaJSON, &blob)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, kberr.Wrap(kberr.BackendError, err, "fetch record %s", id)
		}
		rec, err := buildRecord(id, content, metaJSON, blob)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// All returns every record in the collection, ordered by id.
func (c *collection) All(ctx context.Context) ([]vector.Record, error) {
	stmt, err := c.store.getStmt(
		"SELECT id, content, metadata, embedding FROM records WHERE collection = ? ORDER BY id")
	if err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "prepare export scan")
	}
	rows, err := stmt.QueryContext(ctx, c.name)
	if err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "export scan")
	}
	defer rows.Close()

	records := []vector.Record{}
	for rows.Next() {
		var id, content, metaJSON string
		var blob []byte
		if err := rows.Scan(&id, &content, &metaJSON, &blob); err != nil {
			return nil, kberr.Wrap(kberr.BackendError, err, "scan export row")
		}
		rec, err := buildRecord(id, content, metaJSON, blob)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "iterate export rows")
	}
	return records, nil
}

// Count returns the exact number of records in the collection.
func (c *collection) Count(ctx context.Context) (int64, error) {
	stmt, err := c.store.getStmt(
		"SELECT COUNT(*) FROM records WHERE collection = ?")
	if err != nil {
		return 0, kberr.Wrap(kberr.BackendError, err, "prepare count")
	}
	var n int64
	if err := stmt.QueryRowContext(ctx, c.name).Scan(&n); err != nil {
		return 0, kberr.Wrap(kberr.BackendError, err, "count records")
	}
	return n, nil
}

// idsMatching returns ids whose metadata satisfies where.
func (c *collection) idsMatching(ctx context.Context, where map[string]any) ([]string, error) {
	stmt, err := c.store.getStmt(
		"SELECT id, metadata FROM records WHERE collection = ?")
	if err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "prepare filter scan")
	}
	rows, err := stmt.QueryContext(ctx, c.name)
	if err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "filter scan")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id, metaJSON string
		if err := rows.Scan(&id, &metaJSON); err != nil {
			return nil, kberr.Wrap(kberr.BackendError, err, "scan filter row")
		}
		meta, err := unmarshalMeta(metaJSON)
		if err != nil {
			return nil, err
		}
		if vector.MatchesWhere(meta, where) {
			out = append(out, id)
		}
	}
	return out, rows.Err()
}

func unmarshalMeta(metaJSON string) (map[string]any, error) {
	meta := map[string]any{}
	if metaJSON == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, kberr.Wrap(kberr.BackendError, err, "unmarshal metadata")
	}
	return meta, nil
}

func buildRecord(id, content, metaJSON string, blob []byte) (vector.Record, error) {
	meta, err := unmarshalMeta(metaJSON)
	if err != nil {
		return vector.Record{}, err
	}
	emb, err := decodeEmbedding(blob)
	if err != nil {
		return vector.Record{}, kberr.Wrap(kberr.BackendError, err, "decode embedding for %s", id)
	}
	return vector.Record{ID: id, Embedding: emb, Content: content, Metadata: meta}, nil
}

// sortResults orders by score descending with id as a stable tiebreak.
func sortResults(results []vector.Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}
