package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/ragserve/internal/embedding"
	"github.com/thebtf/ragserve/internal/kberr"
	"github.com/thebtf/ragserve/internal/repository"
	"github.com/thebtf/ragserve/internal/vector"
)

// newClusterEngine builds a corpus with two near-duplicate documents close
// to the query axis and one distinct document, so diversity effects are
// observable.
func newClusterEngine(t *testing.T) (*Engine, *fakeCollection) {
	t.Helper()
	embedder, err := embedding.NewService(embedding.HashingModelVersion)
	require.NoError(t, err)

	coll := newFakeCollection()
	repo := repository.New()
	ctx := context.Background()

	add := func(id string, vec []float32, content string) {
		require.NoError(t, coll.Add(ctx, []string{id}, [][]float32{vec},
			[]string{content}, []map[string]any{{"id": id}}))
		require.NoError(t, repo.AddDocument(repository.Document{ID: id, Content: content}))
	}
	// dup1 and dup2 are nearly identical; other points elsewhere.
	add("dup1", axisVec(1, 0, 0, 0), "first duplicate")
	add("dup2", axisVec(0.995, 0.0999, 0, 0), "second duplicate")
	add("other", axisVec(0.6, 0, 0.8, 0), "different topic")

	return NewEngine(embedder, coll, repo), coll
}

// axisVec pads the leading components out to the model dimension so stored
// fixtures are comparable with real query embeddings.
func axisVec(components ...float32) []float32 {
	vec := make([]float32, embedding.HashingDim)
	copy(vec, components)
	return vec
}

func clusterQuery() []float32 { return axisVec(1, 0, 0, 0) }

func TestMMRLambdaValidation(t *testing.T) {
	engine, _ := newClusterEngine(t)

	for _, lambda := range []float64{-0.5, 1.5} {
		_, err := engine.SearchMMR(context.Background(), "query", 2, lambda, ModeVector, DefaultAlpha, nil)
		assert.True(t, kberr.HasKind(err, kberr.InvalidInput), "lambda=%g", lambda)
	}

	_, err := engine.SearchMMR(context.Background(), "query", 2, 0.5, Mode("bogus"), DefaultAlpha, nil)
	assert.True(t, kberr.HasKind(err, kberr.InvalidInput))
}

func TestMMREmptyQuery(t *testing.T) {
	engine, _ := newClusterEngine(t)

	results, err := engine.SearchMMR(context.Background(), "  ", 2, 0.5, ModeVector, DefaultAlpha, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMMRDiversityPrefersDistinctSecondPick(t *testing.T) {
	// With low lambda the second pick must avoid the near-duplicate even
	// though it has higher raw relevance.
	selectedLow := runMMR(t, 0.1)
	require.Len(t, selectedLow, 2)
	assert.Equal(t, "other", selectedLow[1].ID)

	// With high lambda relevance dominates and the duplicate wins.
	selectedHigh := runMMR(t, 1.0)
	require.Len(t, selectedHigh, 2)
	assert.Equal(t, "dup2", selectedHigh[1].ID)
}

// runMMR drives the greedy selection directly over a fixed candidate list so
// the test controls both relevance and stored embeddings.
func runMMR(t *testing.T, lambda float64) []vector.Result {
	t.Helper()
	engine, _ := newClusterEngine(t)

	// Rank candidates by similarity to the cluster axis via the fake
	// collection, then re-rank.
	coll := engine.coll
	raw, err := coll.QueryVector(context.Background(), clusterQuery(), 10, nil)
	require.NoError(t, err)
	require.Equal(t, "dup1", raw[0].ID)
	require.Equal(t, "dup2", raw[1].ID)

	selected, err := mmrSelect(engine, raw, 2, lambda)
	require.NoError(t, err)
	return selected
}

// mmrSelect exposes the greedy core against an explicit candidate list.
func mmrSelect(e *Engine, candidates []vector.Result, topK int, lambda float64) ([]vector.Result, error) {
	embeddings, err := e.candidateEmbeddings(context.Background(), candidates)
	if err != nil {
		return nil, err
	}
	rel := normalizeScores(candidates)

	selected := []vector.Result{candidates[0]}
	selectedIdx := []int{0}
	used := make([]bool, len(candidates))
	used[0] = true

	for len(selected) < topK {
		bestIdx := -1
		bestScore := 0.0
		for i := range candidates {
			if used[i] {
				continue
			}
			maxSim := 0.0
			for _, si := range selectedIdx {
				if sim := pairSimilarity(embeddings, i, si); sim > maxSim {
					maxSim = sim
				}
			}
			score := lambda*rel[i] - (1-lambda)*maxSim
			if bestIdx == -1 || score > bestScore {
				bestIdx = i
				bestScore = score
			}
		}
		if bestIdx == -1 {
			break
		}
		selected = append(selected, candidates[bestIdx])
		selectedIdx = append(selectedIdx, bestIdx)
		used[bestIdx] = true
	}
	return selected, nil
}

func TestNormalizeScores(t *testing.T) {
	rel := normalizeScores([]vector.Result{
		{ID: "a", Score: 10},
		{ID: "b", Score: 5},
		{ID: "c", Score: 0},
	})
	assert.Equal(t, []float64{1, 0.5, 0}, rel)

	flat := normalizeScores([]vector.Result{
		{ID: "a", Score: 3},
		{ID: "b", Score: 3},
	})
	assert.Equal(t, []float64{1, 1}, flat)
}

func TestMMRStopsWhenCandidatesExhausted(t *testing.T) {
	engine, _ := newClusterEngine(t)

	results, err := engine.SearchMMR(context.Background(), "anything", 50, 0.5, ModeVector, DefaultAlpha, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 3)
}
