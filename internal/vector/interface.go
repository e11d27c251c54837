package vector

import "context"

// Collection is one isolated namespace of vector records. All operations are
// scoped to the collection; records of other collections are never visible
// through it.
type Collection interface {
	// Add upserts records by id. The four slices must have equal length.
	Add(ctx context.Context, ids []string, embeddings [][]float32, documents []string, metadatas []map[string]any) error

	// QueryVector returns up to topK results sorted by similarity descending.
	// Similarity is 1/(1+cosine distance). The optional where map is an
	// equality/contains predicate over stored metadata.
	QueryVector(ctx context.Context, query []float32, topK int, where map[string]any) ([]Result, error)

	// QueryKeyword returns up to topK results ranked by the backend's native
	// full-text scoring.
	QueryKeyword(ctx context.Context, text string, topK int, where map[string]any) ([]Result, error)

	// Delete removes records by id list and/or metadata predicate. At least
	// one selector must be given.
	Delete(ctx context.Context, ids []string, where map[string]any) error

	// Fetch returns the stored records for the given ids. Missing ids are
	// skipped, not errors.
	Fetch(ctx context.Context, ids []string) ([]Record, error)

	// All returns every record in the collection. Intended for export.
	All(ctx context.Context) ([]Record, error)

	// Count returns the exact number of records in the collection.
	Count(ctx context.Context) (int64, error)

	// Capabilities describes optional features of the backing store.
	Capabilities() Capabilities
}

// Store owns collections. A single Store client is shared process-wide; it
// must be safe for concurrent use.
type Store interface {
	// Collection returns a handle for name, creating the collection if it
	// does not exist yet.
	Collection(ctx context.Context, name string) (Collection, error)

	// DeleteCollection removes a collection and all of its records.
	DeleteCollection(ctx context.Context, name string) error

	// Health reports store availability.
	Health(ctx context.Context) Health

	// Close releases resources. Idempotent.
	Close() error
}

// MatchesWhere evaluates the metadata predicate used by backends without a
// native filter pushdown: every key must be equal to the stored value, or
// contained in it when the stored value is a slice.
func MatchesWhere(metadata map[string]any, where map[string]any) bool {
	for k, want := range where {
		got, ok := metadata[k]
		if !ok {
			return false
		}
		if list, isList := got.([]any); isList {
			found := false
			for _, item := range list {
				if item == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if got != want {
			return false
		}
	}
	return true
}
