// Package search implements the hybrid query engine: dense-vector search,
// keyword search (backend-native or inverted-index fallback), reciprocal rank
// fusion of the two, and optional MMR re-ranking for diversity.
package search

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/ragserve/internal/embedding"
	"github.com/thebtf/ragserve/internal/kberr"
	"github.com/thebtf/ragserve/internal/repository"
	"github.com/thebtf/ragserve/internal/vector"
)

// Mode selects the ranking strategy for a query.
type Mode string

const (
	ModeVector  Mode = "vector"
	ModeKeyword Mode = "keyword"
	ModeHybrid  Mode = "hybrid"
)

const (
	// RRFConstant is the additive smoothing term k in the fusion formula.
	RRFConstant = 60

	// MinCandidates is the floor on the per-mode candidate depth used for
	// fusion and re-ranking.
	MinCandidates = 20

	// DefaultAlpha weights vector vs keyword ranks in hybrid fusion.
	DefaultAlpha = 0.7

	// DefaultLambda trades relevance against diversity in MMR.
	DefaultLambda = 0.5
)

// Engine answers queries against one collection, with the repository serving
// the inverted-index keyword fallback and result metadata.
type Engine struct {
	embedder *embedding.Service
	coll     vector.Collection
	repo     *repository.Repository
}

// NewEngine wires an engine. All three dependencies are required.
func NewEngine(embedder *embedding.Service, coll vector.Collection, repo *repository.Repository) *Engine {
	return &Engine{embedder: embedder, coll: coll, repo: repo}
}

// SearchVector ranks by embedding similarity. An empty query returns an
// empty list, not an error.
func (e *Engine) SearchVector(ctx context.Context, text string, topK int, where map[string]any) ([]vector.Result, error) {
	if strings.TrimSpace(text) == "" {
		return []vector.Result{}, nil
	}
	queryVec, err := e.embedder.Embed(text)
	if err != nil {
		return nil, err
	}
	return e.coll.QueryVector(ctx, queryVec, topK, where)
}

// SearchKeyword ranks by lexical match. Backends with native full-text
// search handle ranking themselves; otherwise matches are counted against
// the repository's inverted index.
func (e *Engine) SearchKeyword(ctx context.Context, text string, topK int, where map[string]any) ([]vector.Result, error) {
	if strings.TrimSpace(text) == "" {
		return []vector.Result{}, nil
	}
	if e.coll.Capabilities().NativeFTS {
		return e.coll.QueryKeyword(ctx, text, topK, where)
	}
	return e.keywordFallback(text, topK, where), nil
}

// keywordFallback ranks documents by how many query terms they contain.
// Posting lists are copied out under the repository lock; counting and
// sorting happen lock-free.
func (e *Engine) keywordFallback(text string, topK int, where map[string]any) []vector.Result {
	terms := repository.Tokenize(text)
	if len(terms) == 0 || topK <= 0 {
		return []vector.Result{}
	}

	counts := make(map[string]int)
	for _, ids := range e.repo.Postings(terms) {
		for _, id := range ids {
			counts[id]++
		}
	}

	results := make([]vector.Result, 0, len(counts))
	for id, count := range counts {
		doc, ok := e.repo.Get(id)
		if !ok {
			continue
		}
		if where != nil && !vector.MatchesWhere(doc.Metadata, where) {
			continue
		}
		results = append(results, vector.Result{
			ID:       id,
			Score:    float64(count),
			Metadata: doc.Metadata,
		})
	}
	sortByScore(results)
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

// SearchHybrid fuses vector and keyword rankings with reciprocal rank
// fusion. alpha weights the vector list; alpha outside [0,1] is rejected.
func (e *Engine) SearchHybrid(ctx context.Context, text string, topK int, alpha float64, where map[string]any) ([]vector.Result, error) {
	if alpha < 0 || alpha > 1 {
		return nil, kberr.New(kberr.InvalidInput, "alpha must be in [0,1], got %g", alpha)
	}
	if strings.TrimSpace(text) == "" {
		return []vector.Result{}, nil
	}

	depth := max(MinCandidates, topK)

	vectorList, err := e.SearchVector(ctx, text, depth, where)
	if err != nil {
		return nil, err
	}
	keywordList, err := e.SearchKeyword(ctx, text, depth, where)
	if err != nil {
		return nil, err
	}

	fused := fuseRRF(vectorList, keywordList, alpha)
	if len(fused) > topK {
		fused = fused[:topK]
	}

	log.Debug().
		Int("vector", len(vectorList)).
		Int("keyword", len(keywordList)).
		Int("fused", len(fused)).
		Float64("alpha", alpha).
		Msg("Hybrid search fused")
	return fused, nil
}

// fuseRRF combines two ranked lists. A document absent from one list gets
// the sentinel rank len(list)+1, which always exceeds every real rank in it.
func fuseRRF(vectorList, keywordList []vector.Result, alpha float64) []vector.Result {
	vectorRank := make(map[string]int, len(vectorList))
	for i, r := range vectorList {
		vectorRank[r.ID] = i + 1
	}
	keywordRank := make(map[string]int, len(keywordList))
	for i, r := range keywordList {
		keywordRank[r.ID] = i + 1
	}

	metadata := make(map[string]map[string]any)
	for _, r := range keywordList {
		metadata[r.ID] = r.Metadata
	}
	for _, r := range vectorList {
		metadata[r.ID] = r.Metadata
	}

	vectorSentinel := len(vectorList) + 1
	keywordSentinel := len(keywordList) + 1

	fused := make([]vector.Result, 0, len(metadata))
	for id, meta := range metadata {
		rv, ok := vectorRank[id]
		if !ok {
			rv = vectorSentinel
		}
		rk, ok := keywordRank[id]
		if !ok {
			rk = keywordSentinel
		}
		score := alpha/float64(RRFConstant+rv) + (1-alpha)/float64(RRFConstant+rk)
		fused = append(fused, vector.Result{ID: id, Score: score, Metadata: meta})
	}
	sortByScore(fused)
	return fused
}

// sortByScore orders descending by score with id as a deterministic tiebreak.
func sortByScore(results []vector.Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}
