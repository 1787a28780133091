package index_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/becomeliminal/chatrag/core"
	"github.com/becomeliminal/chatrag/index"
	"github.com/becomeliminal/chatrag/index/store/memory"
	"github.com/becomeliminal/chatrag/index/storetest"
)

func newIndex(t *testing.T) *index.Index {
	t.Helper()
	ix, err := index.New(context.Background(), memory.New())
	if err != nil {
		t.Fatalf("Failed to create index: %v", err)
	}
	return ix
}

func TestIndex_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t)

	a := storetest.Chunk("g1", "a", 0, 1)
	if err := ix.Upsert(ctx, a, storetest.Embedding(a, "m1", 1, 0, 0)); err != nil {
		t.Fatalf("First upsert failed: %v", err)
	}

	b := storetest.Chunk("g1", "b", 2, 3)
	for _, vec := range [][]float32{{1, 0}, {1, 0, 0, 0}} {
		err := ix.Upsert(ctx, b, storetest.Embedding(b, "m1", vec...))
		if !errors.Is(err, core.ErrDimensionMismatch) {
			t.Errorf("Expected ErrDimensionMismatch for %d dims, got %v", len(vec), err)
		}
	}

	// A different model version establishes its own dimension.
	if err := ix.Upsert(ctx, b, storetest.Embedding(b, "m2", 1, 0)); err != nil {
		t.Errorf("Upsert for new model version failed: %v", err)
	}

	_, err := ix.Query(ctx, "g1", core.Vector{Values: []float32{1, 0}, ModelVersion: "m1"}, nil, 5)
	if !errors.Is(err, core.ErrDimensionMismatch) {
		t.Errorf("Expected query dimension mismatch, got %v", err)
	}

	results, err := ix.Query(ctx, "g1", core.Vector{Values: []float32{1, 0, 0}, ModelVersion: "m1"}, nil, 5)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 || results[0].Chunk.ID != a.ID {
		t.Errorf("Rejected upserts must not be stored, got %d results", len(results))
	}
}

func TestIndex_RejectsInvalidEmbeddings(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t)
	c := storetest.Chunk("g1", "c", 0, 1)

	cases := map[string]core.Embedding{
		"zero vector":  storetest.Embedding(c, "m1", 0, 0),
		"empty vector": storetest.Embedding(c, "m1"),
		"no model":     storetest.Embedding(c, "", 1, 0),
		"wrong chunk":  {ChunkID: "other", Vector: []float32{1}, ModelVersion: "m1"},
	}
	for name, emb := range cases {
		t.Run(name, func(t *testing.T) {
			if err := ix.Upsert(ctx, c, emb); !errors.Is(err, core.ErrInvalidInput) {
				t.Errorf("Expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestIndex_EmptyVectorAfterEstablished(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t)
	a := storetest.Chunk("g1", "a", 0, 1)
	if err := ix.Upsert(ctx, a, storetest.Embedding(a, "m1", 1, 0, 0)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	b := storetest.Chunk("g1", "b", 1, 2)
	if err := ix.Upsert(ctx, b, storetest.Embedding(b, "m1")); !errors.Is(err, core.ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch for an empty vector, got %v", err)
	}
	_, err := ix.Query(ctx, "g1", core.Vector{ModelVersion: "m1"}, nil, 5)
	if !errors.Is(err, core.ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch for an empty query, got %v", err)
	}
}

func TestIndex_UnknownModelReturnsNothing(t *testing.T) {
	ix := newIndex(t)
	results, err := ix.Query(context.Background(), "g1", core.Vector{Values: []float32{1}, ModelVersion: "never-used"}, nil, 3)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected no results, got %d", len(results))
	}
}

func TestIndex_ConcurrentReadersAndWriters(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t)
	query := core.Vector{Values: []float32{1, 1}, ModelVersion: "m1"}

	seed := storetest.Chunk("g1", "seed", 0, 1)
	if err := ix.Upsert(ctx, seed, storetest.Embedding(seed, "m1", 1, 1)); err != nil {
		t.Fatalf("Seed upsert failed: %v", err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				c := storetest.Chunk("g1", fmt.Sprintf("w%d-%d", w, i), i, i+1)
				if err := ix.Upsert(ctx, c, storetest.Embedding(c, "m1", 1, float32(i+1))); err != nil {
					t.Errorf("Upsert failed: %v", err)
					return
				}
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				results, err := ix.Query(ctx, "g1", query, nil, 5)
				if err != nil {
					t.Errorf("Query failed: %v", err)
					return
				}
				for _, res := range results {
					if res.Chunk.ID == "" || res.Chunk.Text == "" {
						t.Errorf("Observed a partial record: %+v", res)
					}
				}
			}
		}()
	}
	wg.Wait()

	results, err := ix.Query(ctx, "g1", query, nil, 1000)
	if err != nil {
		t.Fatalf("Final query failed: %v", err)
	}
	if len(results) != 201 {
		t.Errorf("Expected 201 chunks, got %d", len(results))
	}
}

func TestRank_TieBreaksOnRecency(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(id string, end int, score float64) core.ScoredChunk {
		return core.ScoredChunk{
			Chunk: core.Chunk{ID: id, TimeRange: core.TimeRange{End: base.Add(time.Duration(end) * time.Hour)}},
			Score: score,
		}
	}

	ranked := index.Rank([]core.ScoredChunk{
		mk("a", 1, 0.5),
		mk("b", 3, 0.9),
		mk("c", 5, 0.5),
		mk("d", 2, 0.9),
	}, 3)

	want := []string{"b", "d", "c"}
	if len(ranked) != len(want) {
		t.Fatalf("Expected %d results, got %d", len(want), len(ranked))
	}
	for i, id := range want {
		if ranked[i].Chunk.ID != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, ranked[i].Chunk.ID)
		}
	}
}

func TestCosine(t *testing.T) {
	if got := index.Cosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("Expected orthogonal vectors to score 0, got %f", got)
	}
	if got := index.Cosine([]float32{2, 0}, []float32{-1, 0}); got != -1 {
		t.Errorf("Expected opposite vectors to score -1, got %f", got)
	}
	if got := index.Cosine([]float32{1, 2}, []float32{1}); got != 0 {
		t.Errorf("Expected mismatched lengths to score 0, got %f", got)
	}
}
