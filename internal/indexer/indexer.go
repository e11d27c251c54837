package indexer

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/ragserve/internal/embedding"
	"github.com/thebtf/ragserve/internal/kberr"
	"github.com/thebtf/ragserve/internal/repository"
	"github.com/thebtf/ragserve/internal/vector"
)

// Retry policy for converter and snapshot I/O.
const (
	maxAttempts     = 3
	initialInterval = 1 * time.Second
	maxInterval     = 10 * time.Second
)

// CacheState classifies the snapshot relative to the discovered sources.
type CacheState int

const (
	// CacheFresh means the snapshot can be loaded as-is.
	CacheFresh CacheState = iota
	// CacheStale means sources changed since the snapshot was written.
	CacheStale
	// CacheInvalid means the snapshot is missing or unreadable.
	CacheInvalid
)

// Stats summarizes one EnsureIndex or Build run.
type Stats struct {
	Discovered int           `json:"discovered"`
	Indexed    int           `json:"indexed"`
	Failed     int           `json:"failed"`
	Rebuilt    bool          `json:"rebuilt"`
	Duration   time.Duration `json:"duration"`
}

// Config wires an Indexer.
type Config struct {
	// KnowledgeDirs are scanned for sources.
	KnowledgeDirs []string
	// Extensions filter discovery; default is .md only.
	Extensions []string
	// CachePath is the JSON snapshot location. Empty disables snapshots.
	CachePath string
	// MaxWorkers bounds conversion parallelism; minimum 1.
	MaxWorkers int
	// Converter turns paths into text. Defaults to MarkdownConverter.
	Converter Converter
}

// Indexer builds the searchable state for one collection.
type Indexer struct {
	cfg      Config
	embedder *embedding.Service
	coll     vector.Collection
	repo     *repository.Repository
}

// New validates cfg and returns an Indexer.
func New(cfg Config, embedder *embedding.Service, coll vector.Collection, repo *repository.Repository) (*Indexer, error) {
	if cfg.MaxWorkers < 1 {
		return nil, kberr.New(kberr.ConfigError, "max workers must be at least 1, got %d", cfg.MaxWorkers)
	}
	if cfg.Converter == nil {
		cfg.Converter = MarkdownConverter{}
	}
	return &Indexer{cfg: cfg, embedder: embedder, coll: coll, repo: repo}, nil
}

// EnsureIndex loads the snapshot when it is still fresh and rebuilds
// otherwise.
func (ix *Indexer) EnsureIndex(ctx context.Context) (Stats, error) {
	files := Discover(ix.cfg.KnowledgeDirs, ix.cfg.Extensions)

	snap, state := ix.cacheState(files)
	if state == CacheFresh {
		if err := ix.repo.ReplaceAll(snap.RepositoryDocuments()); err != nil {
			return Stats{}, err
		}
		log.Info().Int("documents", len(snap.Documents)).Msg("Loaded index from snapshot")
		return Stats{Discovered: len(files), Indexed: len(snap.Documents)}, nil
	}

	log.Info().Int("files", len(files)).Bool("stale", state == CacheStale).
		Msg("Rebuilding index")
	return ix.build(ctx, files)
}

// Rebuild discovers sources and rebuilds unconditionally.
func (ix *Indexer) Rebuild(ctx context.Context) (Stats, error) {
	return ix.build(ctx, Discover(ix.cfg.KnowledgeDirs, ix.cfg.Extensions))
}

// cacheState applies the validity rules: a missing or unparseable snapshot
// is invalid; a snapshot older than any source, or with a different
// document count, is stale.
func (ix *Indexer) cacheState(files []SourceFile) (repository.Snapshot, CacheState) {
	if ix.cfg.CachePath == "" {
		return repository.Snapshot{}, CacheInvalid
	}
	info, err := os.Stat(ix.cfg.CachePath)
	if err != nil {
		return repository.Snapshot{}, CacheInvalid
	}

	snap, err := repository.LoadSnapshot(ix.cfg.CachePath)
	if err != nil {
		log.Warn().Err(err).Str("path", ix.cfg.CachePath).Msg("Snapshot unreadable, rebuilding")
		return repository.Snapshot{}, CacheInvalid
	}
	if snap.ModelVersion != ix.embedder.Version() {
		return repository.Snapshot{}, CacheStale
	}
	if len(snap.Documents) != len(files) {
		return repository.Snapshot{}, CacheStale
	}
	for _, f := range files {
		if f.ModTime.After(info.ModTime()) {
			return repository.Snapshot{}, CacheStale
		}
	}
	return snap, CacheFresh
}

// builtDoc pairs a converted document with its embedding.
type builtDoc struct {
	doc       repository.Document
	embedding []float32
}

func (ix *Indexer) build(ctx context.Context, files []SourceFile) (Stats, error) {
	start := time.Now()
	stats := Stats{Discovered: len(files), Rebuilt: true}

	var mu sync.Mutex
	var built []builtDoc
	var failed int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.MaxWorkers)

	for _, file := range files {
		g.Go(func() error {
			conv, err := ix.convertWithRetry(gctx, file.Path)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				log.Warn().Err(err).Str("path", file.Path).Msg("Conversion failed, skipping file")
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}

			vec, err := ix.embedder.Embed(conv.Markdown)
			if err != nil {
				log.Warn().Err(err).Str("path", file.Path).Msg("Embedding failed, skipping file")
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}

			mu.Lock()
			built = append(built, builtDoc{
				doc: repository.Document{
					ID:      file.DocID(),
					Content: conv.Markdown,
					Metadata: map[string]any{
						"name":   conv.Name,
						"path":   file.Path,
						"kb_dir": file.KBDir,
					},
				},
				embedding: vec,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	stats.Failed = failed
	stats.Indexed = len(built)

	if err := ix.loadBackend(ctx, built); err != nil {
		return stats, err
	}

	docs := make([]repository.Document, len(built))
	for i, b := range built {
		docs[i] = b.doc
	}
	if err := ix.repo.ReplaceAll(docs); err != nil {
		return stats, err
	}

	if ix.cfg.CachePath != "" {
		if err := ix.saveSnapshotWithRetry(files, docs); err != nil {
			log.Error().Err(err).Str("path", ix.cfg.CachePath).Msg("Snapshot write failed")
		}
	}

	stats.Duration = time.Since(start)
	log.Info().
		Int("discovered", stats.Discovered).
		Int("indexed", stats.Indexed).
		Int("failed", stats.Failed).
		Dur("duration", stats.Duration).
		Msg("Index build complete")
	return stats, nil
}

// loadBackend replaces the collection contents: upserts every built record
// and removes records whose source files are gone.
func (ix *Indexer) loadBackend(ctx context.Context, built []builtDoc) error {
	newIDs := make(map[string]struct{}, len(built))
	ids := make([]string, len(built))
	embeddings := make([][]float32, len(built))
	documents := make([]string, len(built))
	metadatas := make([]map[string]any, len(built))
	for i, b := range built {
		newIDs[b.doc.ID] = struct{}{}
		ids[i] = b.doc.ID
		embeddings[i] = b.embedding
		documents[i] = b.doc.Content
		metadatas[i] = b.doc.Metadata
	}

	// Diff against the stored records, not the in-memory repository: on a
	// fresh process the repository is empty, but the backend still holds
	// vectors for files deleted while the service was down.
	stored, err := ix.coll.All(ctx)
	if err != nil {
		return err
	}
	var removed []string
	for _, rec := range stored {
		if _, ok := newIDs[rec.ID]; !ok {
			removed = append(removed, rec.ID)
		}
	}
	if len(removed) > 0 {
		if err := ix.coll.Delete(ctx, removed, nil); err != nil {
			return err
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return ix.coll.Add(ctx, ids, embeddings, documents, metadatas)
}

// convertWithRetry retries I/O failures with exponential backoff. Permanent
// (non-I/O) failures abort immediately.
func (ix *Indexer) convertWithRetry(ctx context.Context, path string) (Converted, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialInterval
	policy.MaxInterval = maxInterval

	var out Converted
	operation := func() error {
		conv, err := ix.cfg.Converter.Convert(ctx, path)
		if err != nil {
			if kberr.HasKind(err, kberr.IOError) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = conv
		return nil
	}
	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, maxAttempts-1), ctx))
	return out, err
}

func (ix *Indexer) saveSnapshotWithRetry(files []SourceFile, docs []repository.Document) error {
	sources := make(map[string]int64, len(files))
	for _, f := range files {
		sources[f.Path] = f.ModTime.Unix()
	}
	snap := repository.BuildSnapshot(ix.embedder.Version(), sources, docs)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialInterval
	policy.MaxInterval = maxInterval
	return backoff.Retry(func() error {
		return repository.SaveSnapshot(ix.cfg.CachePath, snap)
	}, backoff.WithMaxRetries(policy, maxAttempts-1))
}
