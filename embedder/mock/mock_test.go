package mock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/becomeliminal/chatrag/embedder/mock"
	"github.com/becomeliminal/chatrag/index"
)

func TestEmbedder_Deterministic(t *testing.T) {
	e := mock.New()
	ctx := context.Background()

	a, err := e.Embed(ctx, "Dinner is at eight on Friday")
	if err != nil {
		t.Fatalf("Failed to embed: %v", err)
	}
	b, err := e.Embed(ctx, "Dinner is at eight on Friday")
	if err != nil {
		t.Fatalf("Failed to embed: %v", err)
	}

	if a.Dimensions() != 384 {
		t.Errorf("Expected 384 dimensions, got %d", a.Dimensions())
	}
	if a.ModelVersion != mock.ModelVersion {
		t.Errorf("Expected model version %s, got %s", mock.ModelVersion, a.ModelVersion)
	}
	if got := index.Cosine(a.Values, b.Values); got < 0.9999 {
		t.Errorf("Expected identical vectors, cosine=%f", got)
	}
}

func TestEmbedder_SharedWordsScoreHigher(t *testing.T) {
	e := mock.New()
	ctx := context.Background()

	q, _ := e.Embed(ctx, "when is dinner?")
	related, _ := e.Embed(ctx, "dinner is at eight")
	unrelated, _ := e.Embed(ctx, "the train leaves tomorrow morning")

	if index.Cosine(q.Values, related.Values) <= index.Cosine(q.Values, unrelated.Values) {
		t.Error("Expected text sharing words to score higher")
	}
}

func TestEmbedder_Failures(t *testing.T) {
	boom := errors.New("boom")
	e := mock.New(mock.WithFailures(2, boom), mock.WithDimensions(8))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := e.Embed(ctx, "hello"); !errors.Is(err, boom) {
			t.Fatalf("Call %d: expected injected error, got %v", i+1, err)
		}
	}
	v, err := e.Embed(ctx, "hello")
	if err != nil {
		t.Fatalf("Expected recovery after failures, got %v", err)
	}
	if v.Dimensions() != 8 {
		t.Errorf("Expected 8 dimensions, got %d", v.Dimensions())
	}
	if e.Calls() != 3 {
		t.Errorf("Expected 3 calls, got %d", e.Calls())
	}
}
