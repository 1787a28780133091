// Package qdrant is an index backend on a Qdrant server reached over gRPC.
// Each embedding model version gets its own collection; groups and time
// ranges are payload filters backed by field indexes.
package qdrant

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/becomeliminal/chatrag/core"
	"github.com/becomeliminal/chatrag/index"
)

// Config configures the Qdrant backend.
type Config struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool

	// CollectionPrefix namespaces this deployment's collections.
	CollectionPrefix string
}

// DefaultConfig targets a local Qdrant on its default gRPC port.
var DefaultConfig = &Config{
	Host:             "localhost",
	Port:             6334,
	CollectionPrefix: "chatrag_",
}

// Store is the Qdrant backend.
type Store struct {
	client *qdrant.Client
	prefix string

	mu    sync.Mutex
	ready map[string]bool // collections known to exist
}

// New connects to Qdrant.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig
	}
	prefix := cfg.CollectionPrefix
	if prefix == "" {
		prefix = DefaultConfig.CollectionPrefix
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		APIKey:      cfg.APIKey,
		UseTLS:      cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{grpc.WithUserAgent("chatrag")},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	log.Printf("[QDRANT] Connected to %s:%d", cfg.Host, cfg.Port)
	return &Store{client: client, prefix: prefix, ready: make(map[string]bool)}, nil
}

// Collection names must survive arbitrary model version strings, so the
// version is hex encoded.
func (s *Store) collectionName(modelVersion string) string {
	return s.prefix + hex.EncodeToString([]byte(modelVersion))
}

func (s *Store) modelVersion(collection string) (string, bool) {
	encoded, ok := strings.CutPrefix(collection, s.prefix)
	if !ok {
		return "", false
	}
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (s *Store) ensureCollection(ctx context.Context, name string, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready[name] {
		return nil
	}

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, err)
	}
	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}

		wait := true
		indexes := map[string]qdrant.FieldType{
			"group_id": qdrant.FieldType_FieldTypeKeyword,
			"start_ts": qdrant.FieldType_FieldTypeFloat,
			"end_ts":   qdrant.FieldType_FieldTypeFloat,
		}
		for field, fieldType := range indexes {
			_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: name,
				Wait:           &wait,
				FieldName:      field,
				FieldType:      fieldType.Enum(),
			})
			if err != nil {
				return fmt.Errorf("index field %s: %w", field, err)
			}
		}
		log.Printf("[QDRANT] Created collection %s with %d dimensions", name, dim)
	}

	s.ready[name] = true
	return nil
}

// Upsert writes the chunk as the payload of a single point, so vector and
// chunk become visible together.
func (s *Store) Upsert(ctx context.Context, chunk core.Chunk, emb core.Embedding) error {
	name := s.collectionName(emb.ModelVersion)
	if err := s.ensureCollection(ctx, name, len(emb.Vector)); err != nil {
		return err
	}

	ids, err := json.Marshal(chunk.SourceMessageIDs)
	if err != nil {
		return fmt.Errorf("marshal message ids: %w", err)
	}
	payload, err := qdrant.TryValueMap(map[string]any{
		"chunk_id":    chunk.ID,
		"group_id":    chunk.GroupID,
		"start":       chunk.TimeRange.Start.UTC().Format(time.RFC3339Nano),
		"end":         chunk.TimeRange.End.UTC().Format(time.RFC3339Nano),
		"start_ts":    seconds(chunk.TimeRange.Start),
		"end_ts":      seconds(chunk.TimeRange.End),
		"message_ids": string(ids),
		"text":        chunk.Text,
		"token_count": chunk.TokenCount,
	})
	if err != nil {
		return fmt.Errorf("build payload: %w", err)
	}

	wait := true
	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Wait:           &wait,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(pointID(chunk.ID)),
			Vectors: qdrant.NewVectors(emb.Vector...),
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("upsert point: %w", err)
	}
	return nil
}

// Search asks Qdrant for twice the requested results so ties at the cut
// can still be reordered by recency.
func (s *Store) Search(ctx context.Context, groupID, modelVersion string, vector []float32, timeRange *core.TimeRange, k int) ([]core.ScoredChunk, error) {
	name := s.collectionName(modelVersion)
	limit := uint64(2*k + 1)

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(vector...),
		Filter:         groupFilter(groupID, timeRange),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query %s: %w", name, err)
	}

	results := make([]core.ScoredChunk, 0, len(points))
	for i, p := range points {
		chunk, err := chunkFromPayload(p.GetPayload())
		if err != nil {
			log.Printf("[QDRANT] Skipping result #%d: %v", i+1, err)
			continue
		}
		if !timeRange.Overlaps(chunk.TimeRange) {
			continue
		}
		results = append(results, core.ScoredChunk{Chunk: chunk, Score: float64(p.GetScore())})
	}
	return index.Rank(results, k), nil
}

// Recent scrolls the group's points ordered by end time.
func (s *Store) Recent(ctx context.Context, groupID, modelVersion string, timeRange *core.TimeRange, limit int) ([]core.Chunk, error) {
	name := s.collectionName(modelVersion)
	n := uint32(limit)

	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: name,
		Filter:         groupFilter(groupID, timeRange),
		Limit:          &n,
		WithPayload:    qdrant.NewWithPayload(true),
		OrderBy: &qdrant.OrderBy{
			Key:       "end_ts",
			Direction: qdrant.Direction_Desc.Enum(),
		},
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scroll %s: %w", name, err)
	}

	chunks := make([]core.Chunk, 0, len(points))
	for i, p := range points {
		chunk, err := chunkFromPayload(p.GetPayload())
		if err != nil {
			log.Printf("[QDRANT] Skipping point #%d: %v", i+1, err)
			continue
		}
		if timeRange.Overlaps(chunk.TimeRange) {
			chunks = append(chunks, chunk)
		}
	}
	return chunks, nil
}

// DeleteBefore finds expired points in every model collection, then deletes
// them by id so the returned count is exact.
func (s *Store) DeleteBefore(ctx context.Context, groupID string, ts time.Time) (int, error) {
	collections, err := s.collections(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := seconds(ts) + 0.001
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatchKeyword("group_id", groupID),
			qdrant.NewRange("end_ts", &qdrant.Range{Lt: &cutoff}),
		},
	}

	removed := make(map[string]struct{})
	for name := range collections {
		var ids []*qdrant.PointId
		var offset *qdrant.PointId
		for {
			page := uint32(256)
			points, next, err := s.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
				CollectionName: name,
				Filter:         filter,
				Offset:         offset,
				Limit:          &page,
				WithPayload:    qdrant.NewWithPayload(true),
			})
			if err != nil {
				return 0, fmt.Errorf("scroll %s: %w", name, err)
			}
			for _, p := range points {
				chunk, err := chunkFromPayload(p.GetPayload())
				if err != nil || !chunk.TimeRange.End.Before(ts) {
					continue
				}
				ids = append(ids, p.GetId())
				removed[chunk.ID] = struct{}{}
			}
			if next == nil {
				break
			}
			offset = next
		}
		if len(ids) == 0 {
			continue
		}

		wait := true
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Wait:           &wait,
			Points:         qdrant.NewPointsSelectorIDs(ids),
		})
		if err != nil {
			return 0, fmt.Errorf("delete from %s: %w", name, err)
		}
	}
	return len(removed), nil
}

// Dimensions reads the vector size of every collection under the prefix.
func (s *Store) Dimensions(ctx context.Context) (map[string]int, error) {
	collections, err := s.collections(ctx)
	if err != nil {
		return nil, err
	}

	dims := make(map[string]int, len(collections))
	for name, model := range collections {
		info, err := s.client.GetCollectionInfo(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("describe %s: %w", name, err)
		}
		size := info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
		dims[model] = int(size)
	}
	return dims, nil
}

// Drop deletes every collection under this store's prefix.
func (s *Store) Drop(ctx context.Context) error {
	collections, err := s.collections(ctx)
	if err != nil {
		return err
	}
	for name := range collections {
		if err := s.client.DeleteCollection(ctx, name); err != nil {
			return fmt.Errorf("delete collection %s: %w", name, err)
		}
	}
	s.mu.Lock()
	s.ready = make(map[string]bool)
	s.mu.Unlock()
	return nil
}

// Close closes the gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// collections maps this store's collection names to model versions.
func (s *Store) collections(ctx context.Context) (map[string]string, error) {
	names, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	out := make(map[string]string)
	for _, name := range names {
		if model, ok := s.modelVersion(name); ok {
			out[name] = model
		}
	}
	return out, nil
}

func groupFilter(groupID string, timeRange *core.TimeRange) *qdrant.Filter {
	must := []*qdrant.Condition{qdrant.NewMatchKeyword("group_id", groupID)}
	if timeRange != nil {
		// Widened by a millisecond; exact bounds are re-checked on the
		// decoded chunk since float seconds lose nanosecond precision.
		if !timeRange.Start.IsZero() {
			lo := seconds(timeRange.Start) - 0.001
			must = append(must, qdrant.NewRange("end_ts", &qdrant.Range{Gte: &lo}))
		}
		if !timeRange.End.IsZero() {
			hi := seconds(timeRange.End) + 0.001
			must = append(must, qdrant.NewRange("start_ts", &qdrant.Range{Lte: &hi}))
		}
	}
	return &qdrant.Filter{Must: must}
}

// pointID maps chunk ids onto the UUIDs Qdrant requires.
func pointID(chunkID string) string {
	if _, err := uuid.Parse(chunkID); err == nil {
		return chunkID
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}

func seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func chunkFromPayload(payload map[string]*qdrant.Value) (core.Chunk, error) {
	str := func(key string) string { return payload[key].GetStringValue() }

	start, err := time.Parse(time.RFC3339Nano, str("start"))
	if err != nil {
		return core.Chunk{}, fmt.Errorf("parse start: %w", err)
	}
	end, err := time.Parse(time.RFC3339Nano, str("end"))
	if err != nil {
		return core.Chunk{}, fmt.Errorf("parse end: %w", err)
	}
	var ids []string
	if raw := str("message_ids"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return core.Chunk{}, fmt.Errorf("unmarshal message ids: %w", err)
		}
	}
	id := str("chunk_id")
	if id == "" {
		return core.Chunk{}, fmt.Errorf("payload has no chunk_id")
	}

	return core.Chunk{
		ID:               id,
		GroupID:          str("group_id"),
		TimeRange:        core.TimeRange{Start: start, End: end},
		SourceMessageIDs: ids,
		Text:             str("text"),
		TokenCount:       int(payload["token_count"].GetIntegerValue()),
	}, nil
}

func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "doesn't exist")
}
