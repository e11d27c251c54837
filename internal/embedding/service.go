package embedding

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/ragserve/internal/cache"
	"github.com/thebtf/ragserve/internal/kberr"
)

// DefaultMemoSize is the default capacity of the embedding memoization cache.
const DefaultMemoSize = 4096

// DefaultBatchSize is the batch size used when EmbedBatch is called with a
// non-positive batch size.
const DefaultBatchSize = 64

// ServiceStats is a snapshot of service counters.
type ServiceStats struct {
	EmbeddingsGenerated uint64      `json:"embeddings_generated"`
	CacheHits           uint64      `json:"cache_hits"`
	CacheMisses         uint64      `json:"cache_misses"`
	TotalQueries        uint64      `json:"total_queries"`
	Cache               cache.Stats `json:"cache"`
}

// Service wraps a Model with memoization and normalization. All returned
// vectors are L2-normalized. Safe for concurrent use.
type Service struct {
	model Model
	memo  *cache.LRU[string, []float32]

	generated uint64
	hits      uint64
	misses    uint64
	queries   uint64
}

// NewService creates a service for the given model version with the default
// memo capacity. An empty version selects the registry default.
func NewService(version string) (*Service, error) {
	return NewServiceWithCache(version, DefaultMemoSize)
}

// NewServiceWithCache creates a service with an explicit memo capacity.
func NewServiceWithCache(version string, memoSize int) (*Service, error) {
	if version == "" {
		version = DefaultModelVersion()
	}
	model, err := GetModel(version)
	if err != nil {
		return nil, err
	}
	memo, err := cache.New[string, []float32](memoSize)
	if err != nil {
		return nil, err
	}
	return &Service{model: model, memo: memo}, nil
}

// Name returns the human-readable model name.
func (s *Service) Name() string { return s.model.Name() }

// Version returns the short model version string.
func (s *Service) Version() string { return s.model.Version() }

// Dimensions returns the embedding vector size.
func (s *Service) Dimensions() int { return s.model.Dimensions() }

// Embed returns the L2-normalized embedding for text, consulting the memo
// cache first. Empty input is rejected.
func (s *Service) Embed(text string) ([]float32, error) {
	atomic.AddUint64(&s.queries, 1)

	if strings.TrimSpace(text) == "" {
		return nil, kberr.New(kberr.InvalidInput, "cannot embed empty text")
	}

	key := memoKey(text)
	if vec, ok := s.memo.Get(key); ok {
		atomic.AddUint64(&s.hits, 1)
		return cloneVector(vec), nil
	}
	atomic.AddUint64(&s.misses, 1)

	vec, err := s.model.Embed(text)
	if err != nil {
		return nil, kberr.Wrap(kberr.EmbeddingError, err, "embed text")
	}
	normalizeL2(vec)
	atomic.AddUint64(&s.generated, 1)
	s.memo.Put(key, cloneVector(vec))
	return vec, nil
}

// EmbedBatch returns ordered embeddings for texts. Cached texts are served
// from the memo; the remainder goes to the model in batches of batchSize.
// Any empty text rejects the whole batch.
func (s *Service) EmbedBatch(texts []string, batchSize int) ([][]float32, error) {
	atomic.AddUint64(&s.queries, 1)

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	results := make([][]float32, len(texts))
	var uncached []string
	var uncachedIdx []int

	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, kberr.New(kberr.InvalidInput, "cannot embed empty text at index %d", i)
		}
		if vec, ok := s.memo.Get(memoKey(t)); ok {
			atomic.AddUint64(&s.hits, 1)
			results[i] = cloneVector(vec)
			continue
		}
		atomic.AddUint64(&s.misses, 1)
		uncached = append(uncached, t)
		uncachedIdx = append(uncachedIdx, i)
	}

	for start := 0; start < len(uncached); start += batchSize {
		end := min(start+batchSize, len(uncached))

		vectors, err := s.model.EmbedBatch(uncached[start:end])
		if err != nil {
			return nil, kberr.Wrap(kberr.EmbeddingError, err, "embed batch")
		}
		if len(vectors) != end-start {
			return nil, kberr.New(kberr.EmbeddingError,
				"model returned %d vectors for %d texts", len(vectors), end-start)
		}
		for j, vec := range vectors {
			normalizeL2(vec)
			atomic.AddUint64(&s.generated, 1)
			idx := uncachedIdx[start+j]
			s.memo.Put(memoKey(texts[idx]), cloneVector(vec))
			results[idx] = vec
		}
	}

	log.Debug().
		Int("total", len(texts)).
		Int("computed", len(uncached)).
		Msg("Embedded batch")

	return results, nil
}

// Stats returns a snapshot of the service counters.
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		EmbeddingsGenerated: atomic.LoadUint64(&s.generated),
		CacheHits:           atomic.LoadUint64(&s.hits),
		CacheMisses:         atomic.LoadUint64(&s.misses),
		TotalQueries:        atomic.LoadUint64(&s.queries),
		Cache:               s.memo.Stats(),
	}
}

// Close releases the underlying model.
func (s *Service) Close() error {
	return s.model.Close()
}

// memoKey hashes normalized text so arbitrarily large documents get
// fixed-size cache keys.
func memoKey(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
