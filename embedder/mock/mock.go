// Package mock provides a deterministic embedder for tests and offline runs.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/becomeliminal/chatrag/core"
)

// ModelVersion identifies vectors produced by the mock embedder.
const ModelVersion = "mock-fnv-384"

// Embedder hashes every word of the input to a pseudo-random direction and
// sums them, so texts sharing words score higher than unrelated texts.
type Embedder struct {
	dimensions   int
	modelVersion string

	calls    atomic.Int64
	failures atomic.Int64
	err      error
}

// Option configures the mock.
type Option func(*Embedder)

// WithDimensions overrides the vector size.
func WithDimensions(n int) Option {
	return func(e *Embedder) { e.dimensions = n }
}

// WithModelVersion overrides the reported model version.
func WithModelVersion(v string) Option {
	return func(e *Embedder) { e.modelVersion = v }
}

// WithFailures makes the next n calls return err.
func WithFailures(n int, err error) Option {
	return func(e *Embedder) {
		e.failures.Store(int64(n))
		e.err = err
	}
}

// New creates a mock embedder with 384 dimensions, matching all-MiniLM-L6-v2.
func New(opts ...Option) *Embedder {
	e := &Embedder{dimensions: 384, modelVersion: ModelVersion}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Embed returns the unit-length bag-of-words vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) (core.Vector, error) {
	e.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return core.Vector{}, err
	}
	if e.failures.Load() > 0 && e.failures.Add(-1) >= 0 {
		return core.Vector{}, e.err
	}

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		words = []string{text}
	}

	embedding := make([]float64, e.dimensions)
	for _, w := range words {
		h := fnv.New64a()
		h.Write([]byte(w))
		seed := h.Sum64()
		for i := range embedding {
			// LCG step, mapped to [-1, 1].
			seed = seed*6364136223846793005 + 1442695040888963407
			embedding[i] += float64(int64(seed)) / float64(math.MaxInt64)
		}
	}

	return core.Vector{Values: normalize(embedding), ModelVersion: e.modelVersion}, nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// ModelVersion returns the version stamped on every vector.
func (e *Embedder) ModelVersion() string {
	return e.modelVersion
}

// Calls reports how many times Embed ran, including failed calls.
func (e *Embedder) Calls() int {
	return int(e.calls.Load())
}

func normalize(vec []float64) []float32 {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, len(vec))
	for i, v := range vec {
		if norm == 0 {
			out[i] = float32(v)
			continue
		}
		out[i] = float32(v / norm)
	}
	return out
}
