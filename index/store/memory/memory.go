// Package memory is an in-process index backend using brute-force cosine
// similarity. It is the reference backend for tests and small deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/becomeliminal/chatrag/core"
	"github.com/becomeliminal/chatrag/index"
)

type partitionKey struct {
	groupID      string
	modelVersion string
}

// record keeps a chunk and its vector together so one write publishes both.
type record struct {
	chunk  core.Chunk
	vector []float32
}

type partition struct {
	mu      sync.RWMutex
	records map[string]record
}

// Store is the in-memory backend. Each (group, model version) pair is an
// independent partition with its own lock.
type Store struct {
	mu         sync.RWMutex
	partitions map[partitionKey]*partition
}

// New creates an empty store.
func New() *Store {
	return &Store{partitions: make(map[partitionKey]*partition)}
}

func (s *Store) partition(key partitionKey, create bool) *partition {
	s.mu.RLock()
	p, ok := s.partitions[key]
	s.mu.RUnlock()
	if ok || !create {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.partitions[key]; ok {
		return p
	}
	p = &partition{records: make(map[string]record)}
	s.partitions[key] = p
	return p
}

// Upsert stores the chunk and vector under one partition lock.
func (s *Store) Upsert(ctx context.Context, chunk core.Chunk, emb core.Embedding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := s.partition(partitionKey{chunk.GroupID, emb.ModelVersion}, true)

	vec := make([]float32, len(emb.Vector))
	copy(vec, emb.Vector)

	p.mu.Lock()
	p.records[chunk.ID] = record{chunk: chunk, vector: vec}
	p.mu.Unlock()
	return nil
}

// Search scores every chunk of the partition.
func (s *Store) Search(ctx context.Context, groupID, modelVersion string, vector []float32, timeRange *core.TimeRange, k int) ([]core.ScoredChunk, error) {
	p := s.partition(partitionKey{groupID, modelVersion}, false)
	if p == nil {
		return nil, nil
	}

	p.mu.RLock()
	results := make([]core.ScoredChunk, 0, len(p.records))
	for _, r := range p.records {
		if !timeRange.Overlaps(r.chunk.TimeRange) {
			continue
		}
		results = append(results, core.ScoredChunk{
			Chunk: r.chunk,
			Score: index.Cosine(vector, r.vector),
		})
	}
	p.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return index.Rank(results, k), nil
}

// Recent returns the partition's chunks, newest first.
func (s *Store) Recent(ctx context.Context, groupID, modelVersion string, timeRange *core.TimeRange, limit int) ([]core.Chunk, error) {
	p := s.partition(partitionKey{groupID, modelVersion}, false)
	if p == nil {
		return nil, nil
	}

	p.mu.RLock()
	results := make([]core.ScoredChunk, 0, len(p.records))
	for _, r := range p.records {
		if timeRange.Overlaps(r.chunk.TimeRange) {
			results = append(results, core.ScoredChunk{Chunk: r.chunk})
		}
	}
	p.mu.RUnlock()

	// Equal scores reduce Rank to recency order.
	ranked := index.Rank(results, limit)
	chunks := make([]core.Chunk, len(ranked))
	for i, r := range ranked {
		chunks[i] = r.Chunk
	}
	return chunks, ctx.Err()
}

// DeleteBefore drops matching chunks from every model partition of the group.
func (s *Store) DeleteBefore(ctx context.Context, groupID string, ts time.Time) (int, error) {
	s.mu.RLock()
	var parts []*partition
	for key, p := range s.partitions {
		if key.groupID == groupID {
			parts = append(parts, p)
		}
	}
	s.mu.RUnlock()

	removed := make(map[string]struct{})
	for _, p := range parts {
		p.mu.Lock()
		for id, r := range p.records {
			if r.chunk.TimeRange.End.Before(ts) {
				delete(p.records, id)
				removed[id] = struct{}{}
			}
		}
		p.mu.Unlock()
	}
	return len(removed), ctx.Err()
}

// Dimensions reports the vector size of each stored model version.
func (s *Store) Dimensions(ctx context.Context) (map[string]int, error) {
	dims := make(map[string]int)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, p := range s.partitions {
		if _, ok := dims[key.modelVersion]; ok {
			continue
		}
		p.mu.RLock()
		for _, r := range p.records {
			dims[key.modelVersion] = len(r.vector)
			break
		}
		p.mu.RUnlock()
	}
	return dims, nil
}

// Close is a no-op; everything lives in process memory.
func (s *Store) Close() error {
	return nil
}
