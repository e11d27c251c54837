package sqlitevec

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unicode"
)

// encodeEmbedding packs a float32 vector as a little-endian blob.
func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding unpacks a little-endian float32 blob.
func decodeEmbedding(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

// cosineDistance returns 1 - cos(a, b). Zero-norm vectors are treated as
// maximally distant.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 1.0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1.0
	}
	return 1.0 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// ftsMatchExpr turns free text into a safe FTS5 MATCH expression: each token
// is stripped to letters/digits, quoted, and OR-joined. Returns "" when the
// text yields no usable tokens.
func ftsMatchExpr(text string) string {
	var quoted []string
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		var b strings.Builder
		for _, r := range tok {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				b.WriteRune(r)
			}
		}
		if b.Len() > 0 {
			quoted = append(quoted, `"`+b.String()+`"`)
		}
	}
	return strings.Join(quoted, " OR ")
}
