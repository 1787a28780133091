// Package index stores chunk embeddings and answers nearest-neighbour
// queries scoped to one group and one embedding model version.
//
// Architecture:
//   - Index: the service object callers share. It owns the per-model
//     dimension registry, validates input, and applies the final ranking.
//   - Backend: the storage engine. Implementations live under index/store
//     (memory, chromem, qdrant, pgvector) and in storage/sqlite.
//
// Similarity is cosine. Scores from different model versions are not
// comparable, so every query is pinned to the model version of its vector.
package index

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/becomeliminal/chatrag/core"
)

// Backend is the vector storage engine behind an Index.
//
// Upsert must be atomic: a concurrent reader sees either the chunk with its
// embedding or neither. Upserting the same (chunk id, model version) twice
// replaces the first write.
type Backend interface {
	// Upsert stores a chunk together with one of its embeddings.
	Upsert(ctx context.Context, chunk core.Chunk, emb core.Embedding) error

	// Search returns candidates ranked by cosine similarity, highest first.
	// Backends may return more than k results; the Index applies the final
	// ordering and limit.
	Search(ctx context.Context, groupID, modelVersion string, vector []float32, timeRange *core.TimeRange, k int) ([]core.ScoredChunk, error)

	// Recent returns chunks embedded with modelVersion, newest end first.
	Recent(ctx context.Context, groupID, modelVersion string, timeRange *core.TimeRange, limit int) ([]core.Chunk, error)

	// DeleteBefore removes chunks of the group whose time range ends before
	// ts, across all model versions, and returns how many chunks went away.
	DeleteBefore(ctx context.Context, groupID string, ts time.Time) (int, error)

	// Dimensions reports the vector size already stored per model version.
	Dimensions(ctx context.Context) (map[string]int, error)

	// Close releases resources.
	Close() error
}

// Index is the vector index service. It is safe for concurrent use.
type Index struct {
	backend Backend

	mu   sync.RWMutex
	dims map[string]int // model version -> established dimension
}

// New wraps backend and loads the dimensions it already holds.
func New(ctx context.Context, backend Backend) (*Index, error) {
	dims, err := backend.Dimensions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dimensions: %w", err)
	}
	if dims == nil {
		dims = make(map[string]int)
	}
	for model, d := range dims {
		log.Printf("[INDEX] Model %s established with %d dimensions", model, d)
	}
	return &Index{backend: backend, dims: dims}, nil
}

// Upsert stores chunk with its embedding. It fails with
// core.ErrDimensionMismatch when the vector length differs from the
// dimension established for the embedding's model version; the first
// upsert for a model version establishes it.
func (ix *Index) Upsert(ctx context.Context, chunk core.Chunk, emb core.Embedding) error {
	if chunk.ID == "" || chunk.GroupID == "" {
		return fmt.Errorf("%w: chunk needs an id and a group", core.ErrInvalidInput)
	}
	if emb.ChunkID != chunk.ID {
		return fmt.Errorf("%w: embedding for %s attached to chunk %s", core.ErrInvalidInput, emb.ChunkID, chunk.ID)
	}
	if emb.ModelVersion == "" {
		return fmt.Errorf("%w: embedding has no model version", core.ErrInvalidInput)
	}
	if err := ix.checkDimensions(emb.ModelVersion, len(emb.Vector)); err != nil {
		return err
	}
	if err := validateVector(emb.Vector); err != nil {
		return err
	}
	if err := ix.establish(emb.ModelVersion, len(emb.Vector)); err != nil {
		return err
	}

	if err := ix.backend.Upsert(ctx, chunk, emb); err != nil {
		return fmt.Errorf("upsert chunk %s: %w", chunk.ID, err)
	}
	return nil
}

// Query returns up to k chunks of the group most similar to vector,
// ordered by descending score with ties going to the more recent chunk.
// Asking for more results than exist is not an error.
func (ix *Index) Query(ctx context.Context, groupID string, vector core.Vector, timeRange *core.TimeRange, k int) ([]core.ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}
	if vector.ModelVersion == "" {
		return nil, fmt.Errorf("%w: query vector has no model version", core.ErrInvalidInput)
	}
	ix.mu.RLock()
	dim, known := ix.dims[vector.ModelVersion]
	ix.mu.RUnlock()
	if known && dim != len(vector.Values) {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, model %s uses %d",
			core.ErrDimensionMismatch, len(vector.Values), vector.ModelVersion, dim)
	}
	if err := validateVector(vector.Values); err != nil {
		return nil, err
	}
	if !known {
		// Nothing was ever stored for this model.
		return nil, nil
	}

	results, err := ix.backend.Search(ctx, groupID, vector.ModelVersion, vector.Values, timeRange, k)
	if err != nil {
		return nil, fmt.Errorf("search group %s: %w", groupID, err)
	}
	return Rank(results, k), nil
}

// Recent returns the newest chunks of the group for the model version,
// bounded by timeRange when given.
func (ix *Index) Recent(ctx context.Context, groupID, modelVersion string, timeRange *core.TimeRange, limit int) ([]core.Chunk, error) {
	if limit <= 0 {
		return nil, nil
	}
	chunks, err := ix.backend.Recent(ctx, groupID, modelVersion, timeRange, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent chunks of %s: %w", groupID, err)
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		return newer(chunks[i], chunks[j])
	})
	if len(chunks) > limit {
		chunks = chunks[:limit]
	}
	return chunks, nil
}

// DeleteBefore removes chunks whose time range ends before ts.
func (ix *Index) DeleteBefore(ctx context.Context, groupID string, ts time.Time) (int, error) {
	n, err := ix.backend.DeleteBefore(ctx, groupID, ts)
	if err != nil {
		return 0, fmt.Errorf("delete chunks of %s before %s: %w", groupID, ts.Format(time.RFC3339), err)
	}
	log.Printf("[INDEX] Deleted %d chunks of group=%s ending before %s", n, groupID, ts.Format(time.RFC3339))
	return n, nil
}

// Dimension returns the established dimension for a model version.
func (ix *Index) Dimension(modelVersion string) (int, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	d, ok := ix.dims[modelVersion]
	return d, ok
}

// Close releases the backend.
func (ix *Index) Close() error {
	return ix.backend.Close()
}

// checkDimensions fails when the model's dimension is established and n
// differs, whatever else is wrong with the vector.
func (ix *Index) checkDimensions(modelVersion string, n int) error {
	ix.mu.RLock()
	existing, ok := ix.dims[modelVersion]
	ix.mu.RUnlock()
	if ok && existing != n {
		return fmt.Errorf("%w: vector has %d dimensions, model %s uses %d",
			core.ErrDimensionMismatch, n, modelVersion, existing)
	}
	return nil
}

func (ix *Index) establish(modelVersion string, dim int) error {
	ix.mu.RLock()
	existing, ok := ix.dims[modelVersion]
	ix.mu.RUnlock()

	if !ok {
		ix.mu.Lock()
		existing, ok = ix.dims[modelVersion]
		if !ok {
			ix.dims[modelVersion] = dim
			existing = dim
			log.Printf("[INDEX] Model %s established with %d dimensions", modelVersion, dim)
		}
		ix.mu.Unlock()
	}

	if existing != dim {
		return fmt.Errorf("%w: vector has %d dimensions, model %s uses %d",
			core.ErrDimensionMismatch, dim, modelVersion, existing)
	}
	return nil
}

// Rank sorts results by score descending, then by more recent end, then by
// chunk id, and keeps at most k.
func Rank(results []core.ScoredChunk, k int) []core.ScoredChunk {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return newer(a.Chunk, b.Chunk)
	})
	if k >= 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

func newer(a, b core.Chunk) bool {
	if !a.TimeRange.End.Equal(b.TimeRange.End) {
		return a.TimeRange.End.After(b.TimeRange.End)
	}
	return a.ID < b.ID
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Normalize returns v scaled to unit length.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	norm = math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func validateVector(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", core.ErrInvalidInput)
	}
	nonZero := false
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: vector contains non-finite values", core.ErrInvalidInput)
		}
		if x != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		return fmt.Errorf("%w: zero vector has no direction", core.ErrInvalidInput)
	}
	return nil
}
