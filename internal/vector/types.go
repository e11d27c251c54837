// Package vector defines the storage capability used by the query engine:
// a Store of isolated collections holding (id, embedding, content, metadata)
// records with exact vector search and backend-native keyword search.
package vector

// Record is a stored document with its embedding.
type Record struct {
	ID        string         `json:"id"`
	Embedding []float32      `json:"embedding"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Result is a ranked search hit. Score semantics depend on the search kind:
// similarity in (0,1] for vector search, backend-native relevance for
// keyword search, fused score for hybrid.
type Result struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Health statuses reported by backends.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Health describes backend availability.
type Health struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

// Capabilities describes optional backend features the engine can exploit.
type Capabilities struct {
	// NativeFTS reports whether QueryKeyword uses backend-native full-text
	// ranking. Without it the engine falls back to inverted-index postings.
	NativeFTS bool
}

// DistanceToSimilarity converts a cosine distance to the similarity score
// used throughout the service: 1/(1+d). Identical vectors score 1.0 and the
// score decays monotonically with distance.
func DistanceToSimilarity(distance float64) float64 {
	return 1.0 / (1.0 + distance)
}
