package search

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/ragserve/internal/embedding"
	"github.com/thebtf/ragserve/internal/kberr"
	"github.com/thebtf/ragserve/internal/repository"
	"github.com/thebtf/ragserve/internal/vector"
	"github.com/thebtf/ragserve/internal/vector/sqlitevec"
)

// fakeCollection is an in-memory collection with configurable capabilities,
// used to exercise the inverted-index keyword fallback.
type fakeCollection struct {
	vector.Collection
	nativeFTS bool
	records   map[string]vector.Record
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{records: make(map[string]vector.Record)}
}

func (f *fakeCollection) Capabilities() vector.Capabilities {
	return vector.Capabilities{NativeFTS: f.nativeFTS}
}

func (f *fakeCollection) Add(_ context.Context, ids []string, embeddings [][]float32, documents []string, metadatas []map[string]any) error {
	for i, id := range ids {
		var meta map[string]any
		if metadatas != nil {
			meta = metadatas[i]
		}
		f.records[id] = vector.Record{ID: id, Embedding: embeddings[i], Content: documents[i], Metadata: meta}
	}
	return nil
}

func (f *fakeCollection) QueryVector(_ context.Context, query []float32, topK int, where map[string]any) ([]vector.Result, error) {
	var results []vector.Result
	for _, rec := range f.records {
		if where != nil && !vector.MatchesWhere(rec.Metadata, where) {
			continue
		}
		sim := embedding.CosineSimilarity(query, rec.Embedding)
		results = append(results, vector.Result{
			ID:       rec.ID,
			Score:    vector.DistanceToSimilarity(1 - sim),
			Metadata: rec.Metadata,
		})
	}
	sortByScore(results)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (f *fakeCollection) Fetch(_ context.Context, ids []string) ([]vector.Record, error) {
	var out []vector.Record
	for _, id := range ids {
		if rec, ok := f.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// newCorpusEngine builds an engine over a real embedded store with a small
// three-document corpus.
func newCorpusEngine(t *testing.T) *Engine {
	t.Helper()
	ctx := context.Background()

	store, err := sqlitevec.NewStore(sqlitevec.Config{
		Path: filepath.Join(t.TempDir(), "vectors.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	coll, err := store.Collection(ctx, "kb_project_test")
	require.NoError(t, err)

	embedder, err := embedding.NewService(embedding.HashingModelVersion)
	require.NoError(t, err)

	repo := repository.New()
	docs := map[string]string{
		"d1": "python is a programming language used for scripting",
		"d2": "the weather today is sunny with light rain expected",
		"d3": "machine learning uses training data to build models",
	}
	for id, content := range docs {
		vec, err := embedder.Embed(content)
		require.NoError(t, err)
		require.NoError(t, coll.Add(ctx, []string{id}, [][]float32{vec},
			[]string{content}, []map[string]any{{"id": id}}))
		require.NoError(t, repo.AddDocument(repository.Document{
			ID: id, Content: content, Metadata: map[string]any{"id": id},
		}))
	}
	return NewEngine(embedder, coll, repo)
}

func TestSearchVectorRelevance(t *testing.T) {
	engine := newCorpusEngine(t)

	results, err := engine.SearchVector(context.Background(), "machine learning models", 3, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "d3", results[0].ID)
}

func TestSearchVectorEmptyQuery(t *testing.T) {
	engine := newCorpusEngine(t)

	for _, q := range []string{"", "   ", "\t\n"} {
		results, err := engine.SearchVector(context.Background(), q, 5, nil)
		require.NoError(t, err)
		assert.Empty(t, results)
	}
}

func TestSearchKeywordNative(t *testing.T) {
	engine := newCorpusEngine(t)

	results, err := engine.SearchKeyword(context.Background(), "python", 5, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "d1", results[0].ID)
}

func TestSearchKeywordFallback(t *testing.T) {
	embedder, err := embedding.NewService(embedding.HashingModelVersion)
	require.NoError(t, err)

	repo := repository.New()
	require.NoError(t, repo.AddDocument(repository.Document{
		ID: "d1", Content: "python web framework django",
		Metadata: map[string]any{"lang": "python"},
	}))
	require.NoError(t, repo.AddDocument(repository.Document{
		ID: "d2", Content: "python data science",
		Metadata: map[string]any{"lang": "python"},
	}))
	require.NoError(t, repo.AddDocument(repository.Document{
		ID: "d3", Content: "go concurrency patterns",
		Metadata: map[string]any{"lang": "go"},
	}))

	coll := newFakeCollection() // NativeFTS false
	engine := NewEngine(embedder, coll, repo)
	ctx := context.Background()

	// d1 matches both terms, d2 one, d3 none.
	results, err := engine.SearchKeyword(ctx, "python framework", 5, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "d1", results[0].ID)
	assert.Equal(t, "d2", results[1].ID)
	assert.Greater(t, results[0].Score, results[1].Score)

	// Metadata filter applies in the fallback path too.
	results, err = engine.SearchKeyword(ctx, "python", 5, map[string]any{"lang": "go"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchKeywordFallbackTiebreak(t *testing.T) {
	embedder, err := embedding.NewService(embedding.HashingModelVersion)
	require.NoError(t, err)
	repo := repository.New()
	require.NoError(t, repo.AddDocument(repository.Document{ID: "b", Content: "shared term"}))
	require.NoError(t, repo.AddDocument(repository.Document{ID: "a", Content: "shared term"}))
	engine := NewEngine(embedder, newFakeCollection(), repo)

	results, err := engine.SearchKeyword(context.Background(), "shared", 5, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
}

func TestSearchHybridAlphaValidation(t *testing.T) {
	engine := newCorpusEngine(t)

	for _, alpha := range []float64{-0.1, 1.1, 2} {
		_, err := engine.SearchHybrid(context.Background(), "python", 5, alpha, nil)
		assert.True(t, kberr.HasKind(err, kberr.InvalidInput), "alpha=%g", alpha)
	}
}

func TestSearchHybridSurfacesLexicalMatch(t *testing.T) {
	engine := newCorpusEngine(t)

	results, err := engine.SearchHybrid(context.Background(), "python", 3, 0.5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "d1", results[0].ID)
}

func TestFuseRRFMatchesFormula(t *testing.T) {
	vectorList := []vector.Result{
		{ID: "a", Score: 0.9},
		{ID: "b", Score: 0.8},
		{ID: "c", Score: 0.7},
	}
	keywordList := []vector.Result{
		{ID: "b", Score: 3},
		{ID: "d", Score: 2},
	}
	alpha := 0.7

	fused := fuseRRF(vectorList, keywordList, alpha)
	require.Len(t, fused, 4)

	byID := make(map[string]float64)
	for _, r := range fused {
		byID[r.ID] = r.Score
	}

	// Absent ranks use the sentinel len(list)+1: 4 for vector, 3 for keyword.
	assert.InDelta(t, alpha/(60+1)+(1-alpha)/(60+3), byID["a"], 1e-12)
	assert.InDelta(t, alpha/(60+2)+(1-alpha)/(60+1), byID["b"], 1e-12)
	assert.InDelta(t, alpha/(60+3)+(1-alpha)/(60+3), byID["c"], 1e-12)
	assert.InDelta(t, alpha/(60+4)+(1-alpha)/(60+2), byID["d"], 1e-12)

	// b leads: near-top in both lists.
	assert.Equal(t, "b", fused[0].ID)
}

func TestFuseRRFAlphaExtremes(t *testing.T) {
	vectorList := []vector.Result{{ID: "v1", Score: 1}, {ID: "v2", Score: 0.5}}
	keywordList := []vector.Result{{ID: "k1", Score: 2}, {ID: "v2", Score: 1}}

	// alpha=1: pure vector ordering on shared candidates.
	fused := fuseRRF(vectorList, keywordList, 1.0)
	assert.Equal(t, "v1", fused[0].ID)

	// alpha=0: pure keyword ordering.
	fused = fuseRRF(vectorList, keywordList, 0.0)
	assert.Equal(t, "k1", fused[0].ID)
}

func TestSearchHybridEmptyQuery(t *testing.T) {
	engine := newCorpusEngine(t)

	results, err := engine.SearchHybrid(context.Background(), "  ", 5, 0.7, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}
