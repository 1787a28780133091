// Package storetest holds behaviour tests shared by every index backend.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/becomeliminal/chatrag/chunker"
	"github.com/becomeliminal/chatrag/core"
	"github.com/becomeliminal/chatrag/index"
)

// Base is the reference time for fixtures.
var Base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// Chunk builds a fixture chunk spanning [start, end] minutes after Base.
func Chunk(groupID, name string, start, end int) core.Chunk {
	ids := []string{name + "-1", name + "-2"}
	return core.Chunk{
		ID:      chunker.ChunkID(groupID, ids),
		GroupID: groupID,
		TimeRange: core.TimeRange{
			Start: Base.Add(time.Duration(start) * time.Minute),
			End:   Base.Add(time.Duration(end) * time.Minute),
		},
		SourceMessageIDs: ids,
		Text:             fmt.Sprintf("[%s] chunk %s", groupID, name),
		TokenCount:       4,
	}
}

// Embedding builds an embedding for chunk.
func Embedding(chunk core.Chunk, model string, v ...float32) core.Embedding {
	return core.Embedding{ChunkID: chunk.ID, Vector: v, ModelVersion: model}
}

// Run exercises a backend through the Index service. newBackend must return
// an empty backend each time it is called.
func Run(t *testing.T, newBackend func(t *testing.T) index.Backend) {
	t.Run("OrdersByScoreThenRecency", func(t *testing.T) {
		ix := open(t, newBackend(t))
		ctx := context.Background()

		old := Chunk("g1", "old", 0, 10)
		recent := Chunk("g1", "recent", 20, 30)
		far := Chunk("g1", "far", 40, 50)

		mustUpsert(t, ix, old, Embedding(old, "m1", 1, 0, 0))
		mustUpsert(t, ix, recent, Embedding(recent, "m1", 1, 0, 0))
		mustUpsert(t, ix, far, Embedding(far, "m1", 0, 1, 0))

		results, err := ix.Query(ctx, "g1", core.Vector{Values: []float32{1, 0, 0}, ModelVersion: "m1"}, nil, 10)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 3 {
			t.Fatalf("Expected 3 results, got %d", len(results))
		}
		if results[0].Chunk.ID != recent.ID || results[1].Chunk.ID != old.ID || results[2].Chunk.ID != far.ID {
			t.Errorf("Unexpected order: %s, %s, %s", results[0].Chunk.Text, results[1].Chunk.Text, results[2].Chunk.Text)
		}
		for i := 1; i < len(results); i++ {
			if results[i].Score > results[i-1].Score {
				t.Errorf("Scores increase at %d: %f > %f", i, results[i].Score, results[i-1].Score)
			}
		}
		if results[0].Score < 0.999 {
			t.Errorf("Expected identical vectors to score ~1, got %f", results[0].Score)
		}
		if got := results[0].Chunk; len(got.SourceMessageIDs) != 2 || got.Text != recent.Text || !got.TimeRange.End.Equal(recent.TimeRange.End) {
			t.Errorf("Chunk did not round-trip: %+v", got)
		}
	})

	t.Run("LimitsToK", func(t *testing.T) {
		ix := open(t, newBackend(t))
		for i := 0; i < 5; i++ {
			c := Chunk("g1", fmt.Sprintf("c%d", i), i*10, i*10+5)
			mustUpsert(t, ix, c, Embedding(c, "m1", 1, float32(i), 0))
		}

		results, err := ix.Query(context.Background(), "g1", core.Vector{Values: []float32{1, 0, 0}, ModelVersion: "m1"}, nil, 2)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("Expected 2 results, got %d", len(results))
		}

		results, err = ix.Query(context.Background(), "g1", core.Vector{Values: []float32{1, 0, 0}, ModelVersion: "m1"}, nil, 50)
		if err != nil {
			t.Fatalf("Query with large k failed: %v", err)
		}
		if len(results) != 5 {
			t.Errorf("Expected all 5 results, got %d", len(results))
		}
	})

	t.Run("FiltersByTimeRange", func(t *testing.T) {
		ix := open(t, newBackend(t))
		early := Chunk("g1", "early", 0, 10)
		late := Chunk("g1", "late", 100, 110)
		mustUpsert(t, ix, early, Embedding(early, "m1", 1, 0))
		mustUpsert(t, ix, late, Embedding(late, "m1", 1, 0))

		tr := &core.TimeRange{Start: Base.Add(90 * time.Minute), End: Base.Add(200 * time.Minute)}
		results, err := ix.Query(context.Background(), "g1", core.Vector{Values: []float32{1, 0}, ModelVersion: "m1"}, tr, 10)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 1 || results[0].Chunk.ID != late.ID {
			t.Errorf("Expected only the late chunk, got %d results", len(results))
		}
	})

	t.Run("IsolatesGroupsAndModels", func(t *testing.T) {
		ix := open(t, newBackend(t))
		a := Chunk("ga", "a", 0, 1)
		b := Chunk("gb", "b", 0, 1)
		mustUpsert(t, ix, a, Embedding(a, "m1", 1, 0))
		mustUpsert(t, ix, b, Embedding(b, "m1", 1, 0))
		mustUpsert(t, ix, a, Embedding(a, "m2", 0, 1, 0))

		results, err := ix.Query(context.Background(), "ga", core.Vector{Values: []float32{1, 0}, ModelVersion: "m1"}, nil, 10)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 1 || results[0].Chunk.ID != a.ID {
			t.Errorf("Expected only group ga's chunk, got %d results", len(results))
		}

		results, err = ix.Query(context.Background(), "ga", core.Vector{Values: []float32{0, 1, 0}, ModelVersion: "m2"}, nil, 10)
		if err != nil {
			t.Fatalf("Query m2 failed: %v", err)
		}
		if len(results) != 1 || results[0].Score < 0.999 {
			t.Errorf("Expected the m2 embedding to match exactly, got %+v", results)
		}
	})

	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		ix := open(t, newBackend(t))
		c := Chunk("g1", "dup", 0, 1)
		mustUpsert(t, ix, c, Embedding(c, "m1", 1, 0))
		mustUpsert(t, ix, c, Embedding(c, "m1", 1, 0))

		results, err := ix.Query(context.Background(), "g1", core.Vector{Values: []float32{1, 0}, ModelVersion: "m1"}, nil, 10)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 1 {
			t.Errorf("Expected 1 result after repeated upsert, got %d", len(results))
		}
	})

	t.Run("DeleteBefore", func(t *testing.T) {
		ix := open(t, newBackend(t))
		ctx := context.Background()
		old := Chunk("g1", "old", 0, 10)
		keep := Chunk("g1", "keep", 50, 60)
		other := Chunk("g2", "other", 0, 10)
		mustUpsert(t, ix, old, Embedding(old, "m1", 1, 0))
		mustUpsert(t, ix, old, Embedding(old, "m2", 1, 0, 0))
		mustUpsert(t, ix, keep, Embedding(keep, "m1", 1, 0))
		mustUpsert(t, ix, other, Embedding(other, "m1", 1, 0))

		n, err := ix.DeleteBefore(ctx, "g1", Base.Add(30*time.Minute))
		if err != nil {
			t.Fatalf("DeleteBefore failed: %v", err)
		}
		if n != 1 {
			t.Errorf("Expected 1 deleted chunk, got %d", n)
		}

		results, err := ix.Query(ctx, "g1", core.Vector{Values: []float32{1, 0}, ModelVersion: "m1"}, nil, 10)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 1 || results[0].Chunk.ID != keep.ID {
			t.Errorf("Expected only the kept chunk, got %d results", len(results))
		}
		results, err = ix.Query(ctx, "g2", core.Vector{Values: []float32{1, 0}, ModelVersion: "m1"}, nil, 10)
		if err != nil {
			t.Fatalf("Query g2 failed: %v", err)
		}
		if len(results) != 1 {
			t.Errorf("Expected other group untouched, got %d results", len(results))
		}
	})

	t.Run("RecentNewestFirst", func(t *testing.T) {
		ix := open(t, newBackend(t))
		for i := 0; i < 4; i++ {
			c := Chunk("g1", fmt.Sprintf("r%d", i), i*10, i*10+5)
			mustUpsert(t, ix, c, Embedding(c, "m1", 1, float32(i)))
		}

		chunks, err := ix.Recent(context.Background(), "g1", "m1", nil, 3)
		if err != nil {
			t.Fatalf("Recent failed: %v", err)
		}
		if len(chunks) != 3 {
			t.Fatalf("Expected 3 chunks, got %d", len(chunks))
		}
		for i := 1; i < len(chunks); i++ {
			if chunks[i].TimeRange.End.After(chunks[i-1].TimeRange.End) {
				t.Errorf("Chunks not newest first at %d", i)
			}
		}
	})

	t.Run("ReportsDimensions", func(t *testing.T) {
		backend := newBackend(t)
		ix := open(t, backend)
		c := Chunk("g1", "dims", 0, 1)
		mustUpsert(t, ix, c, Embedding(c, "m1", 1, 0, 0, 0))

		dims, err := backend.Dimensions(context.Background())
		if err != nil {
			t.Fatalf("Dimensions failed: %v", err)
		}
		if dims["m1"] != 4 {
			t.Errorf("Expected 4 dimensions for m1, got %d", dims["m1"])
		}
	})
}

func open(t *testing.T, backend index.Backend) *index.Index {
	t.Helper()
	ix, err := index.New(context.Background(), backend)
	if err != nil {
		t.Fatalf("Failed to open index: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func mustUpsert(t *testing.T, ix *index.Index, chunk core.Chunk, emb core.Embedding) {
	t.Helper()
	if err := ix.Upsert(context.Background(), chunk, emb); err != nil {
		t.Fatalf("Upsert %s failed: %v", chunk.Text, err)
	}
}
