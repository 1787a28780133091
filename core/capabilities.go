package core

import (
	"context"
	"time"
)

// Embedder converts text to vector embeddings.
// Implementations: titan.Embedder (Bedrock), onnx.Embedder (local model),
// mock.Embedder (testing).
//
// The returned Vector carries the model version that produced it so the
// index can keep vectors from different models apart.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) (Vector, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

// ModelVersioner is implemented by embedders that know their model version
// without embedding anything.
type ModelVersioner interface {
	ModelVersion() string
}

// Generator produces text from a fully assembled prompt.
// Implementations: claude.Generator (Anthropic API or Bedrock), mock.Generator.
type Generator interface {
	// Generate returns the complete model output. A partial output is
	// never returned; on failure the text is empty.
	Generate(ctx context.Context, prompt string, maxOutputTokens int) (string, error)
}

// TokenCounter estimates how many model tokens a text occupies.
type TokenCounter interface {
	Count(text string) int
}

// MessageHandler is the push side of an ingestor: it is invoked once per
// delivered message.
type MessageHandler func(ctx context.Context, msg Message) error

// MessageSource is the poll side of an ingestor.
type MessageSource interface {
	// FetchSince returns messages with a timestamp at or after ts,
	// ordered by timestamp.
	FetchSince(ctx context.Context, ts time.Time) ([]Message, error)
}

// GroupRegistry tracks which groups the system manages.
type GroupRegistry interface {
	ListGroups(ctx context.Context) ([]Group, error)
	GetGroup(ctx context.Context, groupID string) (Group, error)
	UpsertGroup(ctx context.Context, group Group) error
}
