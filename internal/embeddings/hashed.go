package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashedEmbedder is an offline bag-of-words embedder: each lower-cased
// word is hashed into one of n buckets and the vector is L2-normalized.
// Texts sharing words score as similar, which is enough for related-card
// suggestions without a model.
type HashedEmbedder struct {
	n int
}

// NewHashedEmbedder creates a HashedEmbedder with n dimensions.
func NewHashedEmbedder(n int) *HashedEmbedder {
	return &HashedEmbedder{n: n}
}

func (e *HashedEmbedder) Name() string { return "hashed-bow" }

func (e *HashedEmbedder) Dimensions() int { return e.n }

// Embed implements Embedder.
func (e *HashedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *HashedEmbedder) vector(text string) []float32 {
	v := make([]float32, e.n)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if len(w) < 3 {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%uint32(e.n)]++
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		// chromem rejects zero vectors.
		v[0] = 1
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}
