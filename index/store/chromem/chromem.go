// Package chromem is an index backend on chromem-go, a pure Go embedded
// vector database. Data lives in memory and can optionally be persisted to
// a directory.
package chromem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/chatrag/core"
	"github.com/becomeliminal/chatrag/index"
)

// metaDocID identifies the per-collection document that records the
// collection's vector dimension. It never matches chunk queries.
const metaDocID = "__collection_meta__"

const (
	kindKey   = "kind"
	kindChunk = "chunk"
	kindMeta  = "meta"
)

// partition is one collection, holding the chunks of a group embedded with
// one model version.
type partition struct {
	groupID      string
	modelVersion string
	col          *chromem.Collection
}

// ChromemStore wraps chromem-go for vector storage.
type ChromemStore struct {
	db          *chromem.DB
	collections map[string]*partition // collection name -> partition
	mu          sync.RWMutex
}

// New creates an in-memory store.
func New() (*ChromemStore, error) {
	return &ChromemStore{
		db:          chromem.NewDB(),
		collections: make(map[string]*partition),
	}, nil
}

// NewPersistent creates a store backed by dir, loading any collections
// already there.
func NewPersistent(dir string, compress bool) (*ChromemStore, error) {
	db, err := chromem.NewPersistentDB(dir, compress)
	if err != nil {
		return nil, fmt.Errorf("open chromem db %s: %w", dir, err)
	}

	s := &ChromemStore{db: db, collections: make(map[string]*partition)}
	for name, col := range db.ListCollections() {
		groupID, model, ok := parseCollectionName(name)
		if !ok {
			log.Printf("[CHROMEM] Ignoring foreign collection %q", name)
			continue
		}
		s.collections[name] = &partition{groupID: groupID, modelVersion: model, col: col}
	}
	log.Printf("[CHROMEM] Loaded %d collections from %s", len(s.collections), dir)
	return s, nil
}

func collectionName(groupID, modelVersion string) string {
	return groupID + "|" + modelVersion
}

func parseCollectionName(name string) (groupID, modelVersion string, ok bool) {
	return strings.Cut(name, "|")
}

// getCollection returns the collection for a group and model, or nil.
func (s *ChromemStore) getCollection(groupID, modelVersion string) *partition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collections[collectionName(groupID, modelVersion)]
}

// getOrCreateCollection returns the collection for a group and model,
// creating it with its dimension record on first use.
func (s *ChromemStore) getOrCreateCollection(ctx context.Context, groupID, modelVersion string, seed []float32) (*partition, error) {
	name := collectionName(groupID, modelVersion)

	s.mu.RLock()
	p, exists := s.collections[name]
	s.mu.RUnlock()
	if exists {
		return p, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if p, exists := s.collections[name]; exists {
		return p, nil
	}

	col, err := s.db.GetOrCreateCollection(
		name,
		map[string]string{"group_id": groupID, "model_version": modelVersion},
		nil, // We always provide embeddings
	)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	// The meta document carries a real vector so its length records the
	// collection's dimension.
	err = col.AddDocument(ctx, chromem.Document{
		ID:        metaDocID,
		Embedding: seed,
		Metadata:  map[string]string{kindKey: kindMeta},
		Content:   modelVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("add meta document: %w", err)
	}

	p = &partition{groupID: groupID, modelVersion: modelVersion, col: col}
	s.collections[name] = p
	log.Printf("[CHROMEM] Created collection group=%s model=%s dims=%d", groupID, modelVersion, len(seed))
	return p, nil
}

// Upsert stores the chunk as a single document, so content, metadata and
// embedding become visible together.
func (s *ChromemStore) Upsert(ctx context.Context, chunk core.Chunk, emb core.Embedding) error {
	p, err := s.getOrCreateCollection(ctx, chunk.GroupID, emb.ModelVersion, emb.Vector)
	if err != nil {
		return err
	}

	metadata, err := chunkMetadata(chunk)
	if err != nil {
		return fmt.Errorf("serialize chunk: %w", err)
	}

	err = p.col.AddDocument(ctx, chromem.Document{
		ID:        chunk.ID,
		Content:   chunk.Text,
		Embedding: emb.Vector,
		Metadata:  metadata,
	})
	if err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Search queries the whole collection so ranking and time filtering see
// every candidate.
func (s *ChromemStore) Search(ctx context.Context, groupID, modelVersion string, vector []float32, timeRange *core.TimeRange, k int) ([]core.ScoredChunk, error) {
	p := s.getCollection(groupID, modelVersion)
	if p == nil {
		return nil, nil
	}

	results, err := queryAll(ctx, p.col, vector)
	if err != nil {
		return nil, err
	}

	scored := make([]core.ScoredChunk, 0, len(results))
	for i, result := range results {
		chunk, err := deserializeChunk(groupID, result)
		if err != nil {
			log.Printf("[CHROMEM] Skipping result #%d: %v", i+1, err)
			continue
		}
		if !timeRange.Overlaps(chunk.TimeRange) {
			continue
		}
		scored = append(scored, core.ScoredChunk{Chunk: chunk, Score: float64(result.Similarity)})
	}
	return index.Rank(scored, k), nil
}

// Recent lists the collection and orders it by recency.
func (s *ChromemStore) Recent(ctx context.Context, groupID, modelVersion string, timeRange *core.TimeRange, limit int) ([]core.Chunk, error) {
	p := s.getCollection(groupID, modelVersion)
	if p == nil {
		return nil, nil
	}

	chunks, err := listChunks(ctx, p)
	if err != nil {
		return nil, err
	}

	candidates := make([]core.ScoredChunk, 0, len(chunks))
	for _, c := range chunks {
		if timeRange.Overlaps(c.TimeRange) {
			candidates = append(candidates, core.ScoredChunk{Chunk: c})
		}
	}
	ranked := index.Rank(candidates, limit)
	out := make([]core.Chunk, len(ranked))
	for i, r := range ranked {
		out[i] = r.Chunk
	}
	return out, nil
}

// DeleteBefore removes expired chunks from every model collection of the group.
func (s *ChromemStore) DeleteBefore(ctx context.Context, groupID string, ts time.Time) (int, error) {
	s.mu.RLock()
	var parts []*partition
	for _, p := range s.collections {
		if p.groupID == groupID {
			parts = append(parts, p)
		}
	}
	s.mu.RUnlock()

	removed := make(map[string]struct{})
	for _, p := range parts {
		chunks, err := listChunks(ctx, p)
		if err != nil {
			return 0, err
		}
		var ids []string
		for _, c := range chunks {
			if c.TimeRange.End.Before(ts) {
				ids = append(ids, c.ID)
			}
		}
		if len(ids) == 0 {
			continue
		}
		if err := p.col.Delete(ctx, nil, nil, ids...); err != nil {
			return 0, fmt.Errorf("delete documents: %w", err)
		}
		for _, id := range ids {
			removed[id] = struct{}{}
		}
	}
	return len(removed), nil
}

// Dimensions reads the meta document of each collection.
func (s *ChromemStore) Dimensions(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dims := make(map[string]int)
	for _, p := range s.collections {
		if _, ok := dims[p.modelVersion]; ok {
			continue
		}
		doc, err := p.col.GetByID(ctx, metaDocID)
		if err != nil {
			return nil, fmt.Errorf("read meta of %s: %w", p.col.Name, err)
		}
		dims[p.modelVersion] = len(doc.Embedding)
	}
	return dims, nil
}

// Close releases resources.
func (s *ChromemStore) Close() error {
	// chromem-go persists on write; nothing to flush
	return nil
}

// queryAll ranks every chunk document in the collection against vector.
func queryAll(ctx context.Context, col *chromem.Collection, vector []float32) ([]chromem.Result, error) {
	where := map[string]string{kindKey: kindChunk}

	// chromem-go requires nResults <= collection size, which a concurrent
	// delete can shrink between Count and the query.
	for attempt := 0; attempt < 3; attempt++ {
		n := col.Count()
		if n == 0 {
			return nil, nil
		}
		results, err := col.QueryEmbedding(ctx, vector, n, where, nil)
		if err == nil {
			return results, nil
		}
		if !isInsufficientDocsError(err) {
			return nil, fmt.Errorf("chromem query: %w", err)
		}
	}
	return nil, errors.New("chromem query: collection kept shrinking")
}

func listChunks(ctx context.Context, p *partition) ([]core.Chunk, error) {
	meta, err := p.col.GetByID(ctx, metaDocID)
	if err != nil {
		return nil, fmt.Errorf("read meta of %s: %w", p.col.Name, err)
	}
	results, err := queryAll(ctx, p.col, meta.Embedding)
	if err != nil {
		return nil, err
	}
	chunks := make([]core.Chunk, 0, len(results))
	for i, result := range results {
		chunk, err := deserializeChunk(p.groupID, result)
		if err != nil {
			log.Printf("[CHROMEM] Skipping document #%d: %v", i+1, err)
			continue
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// chunkMetadata flattens chunk fields into chromem's string metadata.
func chunkMetadata(chunk core.Chunk) (map[string]string, error) {
	ids, err := json.Marshal(chunk.SourceMessageIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal message ids: %w", err)
	}
	return map[string]string{
		kindKey:       kindChunk,
		"group_id":    chunk.GroupID,
		"start":       chunk.TimeRange.Start.UTC().Format(time.RFC3339Nano),
		"end":         chunk.TimeRange.End.UTC().Format(time.RFC3339Nano),
		"message_ids": string(ids),
		"token_count": strconv.Itoa(chunk.TokenCount),
	}, nil
}

// deserializeChunk converts a chromem result back to a chunk.
func deserializeChunk(groupID string, result chromem.Result) (core.Chunk, error) {
	start, err := time.Parse(time.RFC3339Nano, result.Metadata["start"])
	if err != nil {
		return core.Chunk{}, fmt.Errorf("parse start: %w", err)
	}
	end, err := time.Parse(time.RFC3339Nano, result.Metadata["end"])
	if err != nil {
		return core.Chunk{}, fmt.Errorf("parse end: %w", err)
	}
	var ids []string
	if raw := result.Metadata["message_ids"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return core.Chunk{}, fmt.Errorf("unmarshal message ids: %w", err)
		}
	}
	tokens, _ := strconv.Atoi(result.Metadata["token_count"])

	return core.Chunk{
		ID:               result.ID,
		GroupID:          groupID,
		TimeRange:        core.TimeRange{Start: start, End: end},
		SourceMessageIDs: ids,
		Text:             result.Content,
		TokenCount:       tokens,
	}, nil
}

// isInsufficientDocsError checks if error is due to insufficient documents.
func isInsufficientDocsError(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "nResults must be") || strings.Contains(errStr, "number of documents")
}
