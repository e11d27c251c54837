package embedding

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// HashingDim is the dimension of vectors produced by the feature-hashing model.
const HashingDim = 256

// Hashing model identity constants.
const (
	// HashingModelVersion is the short version string stored with vectors.
	HashingModelVersion = "hash-v1"
	// HashingModelName is the human-readable name.
	HashingModelName = "feature-hashing-256"
)

// hashingModel is a deterministic, dependency-free embedding model. Each
// lowercased whitespace token is hashed into a signed bucket of a fixed-size
// feature vector; the accumulated vector is L2-normalized. Texts sharing
// tokens therefore land close in cosine space, which is exactly the property
// retrieval ranking and tests rely on. It is the default model so the
// service runs with no external inference dependency; production deployments
// register a real model under its own version string.
type hashingModel struct{}

// Compile-time check that hashingModel implements Model.
var _ Model = (*hashingModel)(nil)

func newHashingModel() (Model, error) {
	return &hashingModel{}, nil
}

func (m *hashingModel) Name() string    { return HashingModelName }
func (m *hashingModel) Version() string { return HashingModelVersion }
func (m *hashingModel) Dimensions() int { return HashingDim }

// Embed generates a unit-normalized feature-hash vector for text.
func (m *hashingModel) Embed(text string) ([]float32, error) {
	vec := make([]float32, HashingDim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		bucket, sign := hashToken(token)
		vec[bucket] += sign
	}
	normalizeL2(vec)
	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts, in order.
func (m *hashingModel) EmbedBatch(texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(t)
		if err != nil {
			return nil, err
		}
		results[i] = v
	}
	return results, nil
}

func (m *hashingModel) Close() error { return nil }

// hashToken maps a token to a feature bucket and a sign in {-1, +1}.
// SHA-256 keeps the mapping stable across processes and platforms.
func hashToken(token string) (int, float32) {
	sum := sha256.Sum256([]byte(token))
	h := binary.LittleEndian.Uint64(sum[:8])
	bucket := int(h % HashingDim)
	sign := float32(1)
	if h&(1<<63) != 0 {
		sign = -1
	}
	return bucket, sign
}

// normalizeL2 scales vec to unit length in place. Zero vectors are left as-is.
func normalizeL2(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}

// CosineSimilarity computes the cosine similarity of two vectors. Vectors of
// different lengths come from different models and share no feature space, so
// they compare as 0 rather than panicking.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func init() {
	RegisterModel(ModelMetadata{
		Name:        HashingModelName,
		Version:     HashingModelVersion,
		Dimensions:  HashingDim,
		Description: "Deterministic feature-hashing model, no external runtime",
		Default:     true,
	}, newHashingModel)
}
