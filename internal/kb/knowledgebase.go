// Package kb wires one project's retrieval stack behind a single facade:
// ingestion with chunking, cached queries over the hybrid engine, stats,
// and index rebuilds.
package kb

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/ragserve/internal/cache"
	"github.com/thebtf/ragserve/internal/chunking"
	"github.com/thebtf/ragserve/internal/embedding"
	"github.com/thebtf/ragserve/internal/health"
	"github.com/thebtf/ragserve/internal/indexer"
	"github.com/thebtf/ragserve/internal/kberr"
	"github.com/thebtf/ragserve/internal/project"
	"github.com/thebtf/ragserve/internal/repository"
	"github.com/thebtf/ragserve/internal/search"
	"github.com/thebtf/ragserve/internal/vector"
)

// DefaultTopK is used when a query does not specify a result count.
const DefaultTopK = 5

// Document is one unit of ingestable content.
type Document struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// QueryOptions parameterizes a query. Zero values select the defaults:
// hybrid mode, DefaultTopK results, alpha 0.7, cache enabled.
type QueryOptions struct {
	Mode    search.Mode    `json:"mode,omitempty"`
	TopK    int            `json:"top_k,omitempty"`
	Alpha   *float64       `json:"alpha,omitempty"`
	Filter  map[string]any `json:"filter,omitempty"`
	NoCache bool           `json:"no_cache,omitempty"`
	MMR     bool           `json:"mmr,omitempty"`
	Lambda  float64        `json:"lambda,omitempty"`
}

// Stats aggregates the facade's observable state.
type Stats struct {
	ProjectID     string                 `json:"project_id"`
	DocumentCount int                    `json:"document_count"`
	QueryCache    cache.Stats            `json:"query_cache"`
	Embedding     embedding.ServiceStats `json:"embedding"`
	Health        health.Snapshot        `json:"health"`
}

// KnowledgeBase is the per-project facade.
type KnowledgeBase struct {
	proj     *project.Project
	mgr      *project.Manager
	coll     vector.Collection
	repo     *repository.Repository
	embedder *embedding.Service
	engine   *search.Engine
	monitor  *health.Monitor
	cache    *cache.LRU[string, project.QueryResults]
	chunkCfg chunking.Config
	indexer  *indexer.Indexer

	flight singleflight.Group
}

// Config wires a KnowledgeBase on top of an existing project.
type Config struct {
	// ProjectID selects the tenant.
	ProjectID string
	// Chunking configures ingestion splitting.
	Chunking chunking.Config
	// KnowledgeDirs, when set, enables directory indexing and RebuildIndex.
	KnowledgeDirs []string
	// CachePath is where the index snapshot is persisted. Required when
	// KnowledgeDirs is set.
	CachePath string
	// MaxWorkers bounds indexing concurrency. Zero means NumCPU.
	MaxWorkers int
}

// Open builds the facade for cfg.ProjectID. The embedding model comes from
// the project's metadata row.
func Open(ctx context.Context, mgr *project.Manager, monitor *health.Monitor, cfg Config) (*KnowledgeBase, error) {
	proj, err := mgr.Get(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	coll, err := mgr.Collection(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	queryCache, err := mgr.Cache(cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	embedder, err := embedding.NewService(proj.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	if err := cfg.Chunking.Validate(); err != nil {
		return nil, err
	}

	repo := repository.New()
	kb := &KnowledgeBase{
		proj:     proj,
		mgr:      mgr,
		coll:     coll,
		repo:     repo,
		embedder: embedder,
		engine:   search.NewEngine(embedder, coll, repo),
		monitor:  monitor,
		cache:    queryCache,
		chunkCfg: cfg.Chunking,
	}
	if len(cfg.KnowledgeDirs) > 0 {
		workers := cfg.MaxWorkers
		if workers < 1 {
			workers = runtime.NumCPU()
		}
		ix, err := indexer.New(indexer.Config{
			KnowledgeDirs: cfg.KnowledgeDirs,
			CachePath:     cfg.CachePath,
			MaxWorkers:    workers,
		}, embedder, coll, repo)
		if err != nil {
			return nil, err
		}
		kb.indexer = ix
		if _, err := ix.EnsureIndex(ctx); err != nil {
			return nil, err
		}
		kb.monitor.SetDocumentCount(proj.ProjectID, int64(repo.Len()))
		return kb, nil
	}
	if err := kb.hydrate(ctx); err != nil {
		return nil, err
	}
	return kb, nil
}

// hydrate mirrors the collection's stored records into the repository so
// the keyword fallback and stats see them.
func (kb *KnowledgeBase) hydrate(ctx context.Context) error {
	records, err := kb.coll.All(ctx)
	if err != nil {
		return err
	}
	docs := make([]repository.Document, len(records))
	for i, rec := range records {
		docs[i] = repository.Document{ID: rec.ID, Content: rec.Content, Metadata: rec.Metadata}
	}
	if err := kb.repo.ReplaceAll(docs); err != nil {
		return err
	}
	kb.monitor.SetDocumentCount(kb.proj.ProjectID, int64(len(docs)))
	return nil
}

// Ingest chunks, embeds, and stores documents, then invalidates the query
// cache. Documents with blank content are skipped; the returned count is
// the number of stored chunks.
func (kb *KnowledgeBase) Ingest(ctx context.Context, docs []Document) (int, error) {
	var ids []string
	var contents []string
	var metadatas []map[string]any
	var docIDs []string
	seenDocs := make(map[string]struct{})

	for _, doc := range docs {
		if strings.TrimSpace(doc.Content) == "" {
			log.Warn().Str("id", doc.ID).Msg("Skipping empty document")
			continue
		}
		id := doc.ID
		if id == "" {
			id = strconv.FormatUint(hashString(doc.Content), 36)
		}
		if _, ok := seenDocs[id]; !ok {
			seenDocs[id] = struct{}{}
			docIDs = append(docIDs, id)
		}

		chunks, err := chunking.Split(doc.Content, kb.chunkCfg.Resolve(id))
		if err != nil {
			return 0, err
		}
		for _, chunk := range chunks {
			chunkID := id
			if len(chunks) > 1 {
				chunkID = fmt.Sprintf("%s#%d", id, chunk.Index)
			}
			meta := map[string]any{"doc_id": id}
			for k, v := range doc.Metadata {
				meta[k] = v
			}
			if chunk.Name != "" {
				meta["section"] = chunk.Name
			}
			ids = append(ids, chunkID)
			contents = append(contents, chunk.Content)
			metadatas = append(metadatas, meta)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	// Re-ingesting a document replaces it. The chunk count may differ from
	// the previous version, so its old chunk ids are removed first; otherwise
	// stale chunks would keep matching queries.
	for _, docID := range docIDs {
		if err := kb.removeStaleChunks(ctx, docID); err != nil {
			return 0, err
		}
	}

	embeddings, err := kb.embedder.EmbedBatch(contents, 0)
	if err != nil {
		return 0, err
	}
	if err := kb.coll.Add(ctx, ids, embeddings, contents, metadatas); err != nil {
		return 0, err
	}
	for i, id := range ids {
		if err := kb.repo.AddDocument(repository.Document{
			ID: id, Content: contents[i], Metadata: metadatas[i],
		}); err != nil {
			return 0, err
		}
	}

	// Any previously cached ranking may now be wrong.
	kb.cache.Clear()
	kb.monitor.SetDocumentCount(kb.proj.ProjectID, int64(kb.repo.Len()))

	log.Info().Str("project", kb.proj.ProjectID).
		Int("documents", len(docs)).Int("chunks", len(ids)).
		Msg("Ingested documents")
	return len(ids), nil
}

// removeStaleChunks deletes every stored chunk of docID from both the
// collection and the in-memory mirror.
func (kb *KnowledgeBase) removeStaleChunks(ctx context.Context, docID string) error {
	var stale []string
	prefix := docID + "#"
	for _, id := range kb.repo.IDs() {
		if id == docID || strings.HasPrefix(id, prefix) {
			stale = append(stale, id)
		}
	}
	if err := kb.coll.Delete(ctx, stale, map[string]any{"doc_id": docID}); err != nil {
		return err
	}
	for _, id := range stale {
		kb.repo.RemoveDocument(id)
	}
	return nil
}

// IngestPaths converts and ingests files directly.
func (kb *KnowledgeBase) IngestPaths(ctx context.Context, paths []string) (int, error) {
	conv := indexer.MarkdownConverter{}
	docs := make([]Document, 0, len(paths))
	for _, path := range paths {
		out, err := conv.Convert(ctx, path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Conversion failed, skipping file")
			continue
		}
		docs = append(docs, Document{
			ID:       path,
			Content:  out.Markdown,
			Metadata: map[string]any{"name": out.Name, "path": path},
		})
	}
	return kb.Ingest(ctx, docs)
}

// Query answers text with the configured mode, consulting the per-project
// cache first. Identical concurrent misses are coalesced into one backend
// execution.
func (kb *KnowledgeBase) Query(ctx context.Context, text string, opts QueryOptions) ([]vector.Result, error) {
	start := time.Now()

	if strings.TrimSpace(text) == "" {
		return nil, kberr.New(kberr.InvalidInput, "query text required")
	}

	mode := opts.Mode
	if mode == "" {
		mode = search.ModeHybrid
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	alpha := search.DefaultAlpha
	if opts.Alpha != nil {
		alpha = *opts.Alpha
	}
	if opts.MMR && opts.Lambda == 0 {
		opts.Lambda = search.DefaultLambda
	}

	key := cacheKey(text, mode, topK, alpha, opts.Filter, opts.MMR, opts.Lambda)

	if !opts.NoCache {
		if cached, ok := kb.cache.Get(key); ok {
			kb.monitor.RecordQuery(kb.proj.ProjectID, time.Since(start), true, true)
			return cloneResults(cached), nil
		}
	}

	shared, err, _ := kb.flight.Do(key, func() (any, error) {
		results, err := kb.execute(ctx, text, mode, topK, alpha, opts)
		if err != nil {
			return nil, err
		}
		if !opts.NoCache {
			kb.cache.Put(key, project.QueryResults(results))
		}
		return results, nil
	})
	kb.monitor.RecordQuery(kb.proj.ProjectID, time.Since(start), err == nil, false)
	if err != nil {
		return nil, err
	}
	return cloneResults(shared.([]vector.Result)), nil
}

func (kb *KnowledgeBase) execute(ctx context.Context, text string, mode search.Mode, topK int, alpha float64, opts QueryOptions) ([]vector.Result, error) {
	if opts.MMR {
		return kb.engine.SearchMMR(ctx, text, topK, opts.Lambda, mode, alpha, opts.Filter)
	}
	switch mode {
	case search.ModeVector:
		return kb.engine.SearchVector(ctx, text, topK, opts.Filter)
	case search.ModeKeyword:
		return kb.engine.SearchKeyword(ctx, text, topK, opts.Filter)
	case search.ModeHybrid:
		return kb.engine.SearchHybrid(ctx, text, topK, alpha, opts.Filter)
	default:
		return nil, kberr.New(kberr.InvalidInput, "unknown search mode %q", mode)
	}
}

// GetStats returns a snapshot of the facade's state.
func (kb *KnowledgeBase) GetStats() Stats {
	return Stats{
		ProjectID:     kb.proj.ProjectID,
		DocumentCount: kb.repo.Len(),
		QueryCache:    kb.cache.Stats(),
		Embedding:     kb.embedder.Stats(),
		Health:        kb.monitor.ProjectHealth(kb.proj.ProjectID),
	}
}

// ClearCache empties the query cache.
func (kb *KnowledgeBase) ClearCache() {
	kb.cache.Clear()
}

// RebuildIndex rebuilds from the knowledge directories and invalidates the
// cache. It requires an indexer to be configured.
func (kb *KnowledgeBase) RebuildIndex(ctx context.Context) (indexer.Stats, error) {
	if kb.indexer == nil {
		return indexer.Stats{}, kberr.New(kberr.ConfigError,
			"no knowledge directories configured for project %s", kb.proj.ProjectID)
	}
	stats, err := kb.indexer.Rebuild(ctx)
	if err != nil {
		return stats, err
	}
	kb.cache.Clear()
	kb.monitor.SetDocumentCount(kb.proj.ProjectID, int64(kb.repo.Len()))
	return stats, nil
}

// Project returns the underlying project metadata.
func (kb *KnowledgeBase) Project() *project.Project {
	return kb.proj
}

// Indexer returns the directory indexer, or nil when no knowledge
// directories are configured.
func (kb *KnowledgeBase) Indexer() *indexer.Indexer {
	return kb.indexer
}

// normalizeQuery lowercases and collapses whitespace so trivially different
// spellings share a cache entry.
func normalizeQuery(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// cacheKey hashes the normalized query and all ranking parameters with
// FNV-64a, rendered base36.
func cacheKey(text string, mode search.Mode, topK int, alpha float64, filter map[string]any, mmr bool, lambda float64) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalizeQuery(text)))
	_, _ = fmt.Fprintf(h, "|%s|%d|%g|%t|%g", mode, topK, alpha, mmr, lambda)

	if len(filter) > 0 {
		keys := make([]string, 0, len(filter))
		for k := range filter {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(h, "|%s=%v", k, filter[k])
		}
	}
	return strconv.FormatUint(h.Sum64(), 36)
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func cloneResults(results []vector.Result) []vector.Result {
	out := make([]vector.Result, len(results))
	copy(out, results)
	return out
}
