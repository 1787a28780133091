package retrieval_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/becomeliminal/chatrag/core"
	"github.com/becomeliminal/chatrag/embedder/mock"
	"github.com/becomeliminal/chatrag/index"
	"github.com/becomeliminal/chatrag/index/store/memory"
	"github.com/becomeliminal/chatrag/retrieval"
)

var base = time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)

// seed embeds each text as its own chunk in group g1, one hour apart.
func seed(t *testing.T, e core.Embedder, texts ...string) (*index.Index, []core.Chunk) {
	t.Helper()
	ctx := context.Background()
	ix, err := index.New(ctx, memory.New())
	if err != nil {
		t.Fatalf("Failed to create index: %v", err)
	}

	var chunks []core.Chunk
	for i, text := range texts {
		at := base.Add(time.Duration(i) * time.Hour)
		c := core.Chunk{
			ID:               "c" + string(rune('a'+i)),
			GroupID:          "g1",
			TimeRange:        core.TimeRange{Start: at, End: at.Add(time.Minute)},
			SourceMessageIDs: []string{"m" + string(rune('a'+i))},
			Text:             text,
			TokenCount:       len(text) / 4,
		}
		v, err := e.Embed(ctx, text)
		if err != nil {
			t.Fatalf("Failed to embed: %v", err)
		}
		emb := core.Embedding{ChunkID: c.ID, Vector: v.Values, ModelVersion: v.ModelVersion}
		if err := ix.Upsert(ctx, c, emb); err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}
		chunks = append(chunks, c)
	}
	return ix, chunks
}

func TestRetrieve_RanksAndThresholds(t *testing.T) {
	e := mock.New()
	ix, chunks := seed(t, e,
		"alice: dinner is at eight on friday",
		"bob: the train leaves tomorrow morning",
		"carol: friday dinner works for me",
	)

	r := retrieval.New(e, ix, &retrieval.Config{TopK: 5, MinScore: 0.2})
	got, err := r.Retrieve(context.Background(), core.Query{GroupID: "g1", Question: "friday dinner"}, 0)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("Expected 2 chunks above threshold, got %d", len(got))
	}
	for _, c := range got {
		if c.ID == chunks[1].ID {
			t.Error("Unrelated chunk should be below threshold")
		}
	}
}

func TestRetrieve_NoContextIsNotAnError(t *testing.T) {
	e := mock.New()
	ix, _ := seed(t, e, "alice: dinner is at eight")

	r := retrieval.New(e, ix, &retrieval.Config{TopK: 5, MinScore: 0.99})
	got, err := r.Retrieve(context.Background(), core.Query{GroupID: "g1", Question: "train times"}, 3)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected empty result, got %d", len(got))
	}

	got, err = r.Retrieve(context.Background(), core.Query{GroupID: "other", Question: "dinner"}, 3)
	if err != nil || len(got) != 0 {
		t.Errorf("Expected empty result for unknown group, got %d, %v", len(got), err)
	}
}

func TestRetrieve_TimeRange(t *testing.T) {
	e := mock.New()
	ix, chunks := seed(t, e,
		"alice: dinner at eight",
		"bob: dinner moved to nine",
	)

	r := retrieval.New(e, ix, &retrieval.Config{TopK: 5, MinScore: 0})
	q := core.Query{
		GroupID:   "g1",
		Question:  "dinner",
		TimeRange: &core.TimeRange{Start: base.Add(30 * time.Minute), End: base.Add(2 * time.Hour)},
	}
	got, err := r.Retrieve(context.Background(), q, 5)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != chunks[1].ID {
		t.Errorf("Expected only the chunk inside the range, got %v", got)
	}
}

func TestRetrieve_Errors(t *testing.T) {
	e := mock.New(mock.WithFailures(1, core.ErrEmbeddingUnavailable))
	ix, _ := seed(t, mock.New(), "alice: hi")
	r := retrieval.New(e, ix, nil)

	if _, err := r.Retrieve(context.Background(), core.Query{GroupID: "g1"}, 3); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for blank question, got %v", err)
	}
	if _, err := r.Retrieve(context.Background(), core.Query{GroupID: "g1", Question: "hi"}, 3); !errors.Is(err, core.ErrEmbeddingUnavailable) {
		t.Errorf("Expected embedder failure to propagate, got %v", err)
	}
}
