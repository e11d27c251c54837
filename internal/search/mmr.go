package search

import (
	"context"

	"github.com/thebtf/ragserve/internal/embedding"
	"github.com/thebtf/ragserve/internal/kberr"
	"github.com/thebtf/ragserve/internal/vector"
)

// SearchMMR re-ranks a candidate list for diversity using maximal marginal
// relevance: each pick maximizes lambda*relevance minus (1-lambda) times the
// highest cosine similarity to anything already selected. The initial
// candidates come from the given mode; lambda near 1 is pure relevance,
// lambda near 0 is pure diversity.
func (e *Engine) SearchMMR(ctx context.Context, text string, topK int, lambda float64, mode Mode, alpha float64, where map[string]any) ([]vector.Result, error) {
	if lambda < 0 || lambda > 1 {
		return nil, kberr.New(kberr.InvalidInput, "lambda must be in [0,1], got %g", lambda)
	}

	// Over-fetch so re-ranking has something to diversify across.
	depth := max(MinCandidates, topK*2)

	var candidates []vector.Result
	var err error
	switch mode {
	case ModeVector:
		candidates, err = e.SearchVector(ctx, text, depth, where)
	case ModeKeyword:
		candidates, err = e.SearchKeyword(ctx, text, depth, where)
	case ModeHybrid, "":
		candidates, err = e.SearchHybrid(ctx, text, depth, alpha, where)
	default:
		return nil, kberr.New(kberr.InvalidInput, "unknown search mode %q", mode)
	}
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 || topK <= 0 {
		return []vector.Result{}, nil
	}
	if len(candidates) <= 1 {
		return candidates[:min(len(candidates), topK)], nil
	}

	embeddings, err := e.candidateEmbeddings(ctx, candidates)
	if err != nil {
		return nil, err
	}

	rel := normalizeScores(candidates)

	selected := make([]vector.Result, 0, topK)
	selectedIdx := make([]int, 0, topK)
	used := make([]bool, len(candidates))

	// The highest-relevance candidate always opens the selection.
	selected = append(selected, candidates[0])
	selectedIdx = append(selectedIdx, 0)
	used[0] = true

	for len(selected) < topK {
		bestIdx := -1
		bestScore := 0.0
		for i, cand := range candidates {
			if used[i] {
				continue
			}
			maxSim := 0.0
			for _, si := range selectedIdx {
				sim := pairSimilarity(embeddings, i, si)
				if sim > maxSim {
					maxSim = sim
				}
			}
			score := lambda*rel[i] - (1-lambda)*maxSim
			if bestIdx == -1 || score > bestScore ||
				(score == bestScore && cand.ID < candidates[bestIdx].ID) {
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

// candidateEmbeddings fetches stored embeddings for the candidate set,
// indexed by candidate position. Candidates without a stored embedding map
// to nil and contribute zero similarity.
func (e *Engine) candidateEmbeddings(ctx context.Context, candidates []vector.Result) ([][]float32, error) {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	records, err := e.coll.Fetch(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[string][]float32, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec.Embedding
	}
	out := make([][]float32, len(candidates))
	for i, c := range candidates {
		out[i] = byID[c.ID]
	}
	return out, nil
}

func pairSimilarity(embeddings [][]float32, i, j int) float64 {
	if embeddings[i] == nil || embeddings[j] == nil {
		return 0
	}
	return embedding.CosineSimilarity(embeddings[i], embeddings[j])
}

// normalizeScores min-max scales candidate scores to [0,1]. A flat list
// normalizes to all ones.
func normalizeScores(candidates []vector.Result) []float64 {
	minScore, maxScore := candidates[0].Score, candidates[0].Score
	for _, c := range candidates[1:] {
		if c.Score < minScore {
			minScore = c.Score
		}
		if c.Score > maxScore {
			maxScore = c.Score
		}
	}

	rel := make([]float64, len(candidates))
	if maxScore == minScore {
		for i := range rel {
			rel[i] = 1
		}
		return rel
	}
	for i, c := range candidates {
		rel[i] = (c.Score - minScore) / (maxScore - minScore)
	}
	return rel
}
