package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"memory-gateway/memerr"
)

/*
Vectorizer turns text into embeddings of a fixed dimensionality.
*/
type Vectorizer interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// DefaultDimensions matches common sentence embedding models.
const DefaultDimensions = 384

/*
HashVectorizer is a deterministic feature hashing vectorizer for local
development and tests. Every lowercased word and adjacent word pair is
hashed to one signed component, so texts sharing words land close together
under cosine distance. Output vectors have unit length.
*/
type HashVectorizer struct {
	dimensions int
}

// NewHashVectorizer creates a hashing vectorizer; dims <= 0 selects DefaultDimensions.
func NewHashVectorizer(dims int) *HashVectorizer {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &HashVectorizer{dimensions: dims}
}

// Embed hashes the words of text into a unit vector.
func (h *HashVectorizer) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil, memerr.New(memerr.KindValidation, "text has no words to embed")
	}

	vec := make([]float32, h.dimensions)
	for i, token := range tokens {
		h.add(vec, token, 1)
		if i > 0 {
			h.add(vec, tokens[i-1]+" "+token, 0.5)
		}
	}
	return normalize(vec), nil
}

// Dimensions returns the embedding size.
func (h *HashVectorizer) Dimensions() int {
	return h.dimensions
}

func (h *HashVectorizer) add(vec []float32, feature string, weight float32) {
	hasher := fnv.New64a()
	hasher.Write([]byte(feature))
	sum := hasher.Sum64()

	idx := sum % uint64(len(vec))
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

/*
Tokenize splits text into lowercase words of letters and digits.
*/
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// normalize scales vec to unit length in place.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}

	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
