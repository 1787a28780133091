// Package retrieval finds the chunks of a group most relevant to a
// question.
package retrieval

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/becomeliminal/chatrag/core"
)

// Searcher is the read side of the vector index.
type Searcher interface {
	Query(ctx context.Context, groupID string, vector core.Vector, timeRange *core.TimeRange, k int) ([]core.ScoredChunk, error)
}

// Config holds retriever configuration.
type Config struct {
	// TopK is used when Retrieve is called with k <= 0.
	TopK int

	// MinScore drops hits below this cosine similarity, even when they are
	// among the top k.
	MinScore float64

	// Debug logs every hit with its score.
	Debug bool
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = &Config{
	TopK:     8,
	MinScore: 0.3,
}

// Retriever embeds questions and searches the index.
type Retriever struct {
	embedder core.Embedder
	index    Searcher
	config   *Config
}

// New creates a retriever.
func New(embedder core.Embedder, index Searcher, config *Config) *Retriever {
	if config == nil {
		config = DefaultConfig
	}
	return &Retriever{embedder: embedder, index: index, config: config}
}

// Retrieve returns up to k chunks for q in relevance order. No chunk
// clearing the threshold yields an empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, q core.Query, k int) ([]core.Chunk, error) {
	hits, err := r.RetrieveScored(ctx, q, k)
	if err != nil {
		return nil, err
	}
	chunks := make([]core.Chunk, len(hits))
	for i, h := range hits {
		chunks[i] = h.Chunk
	}
	return chunks, nil
}

// RetrieveScored is Retrieve with the similarity scores kept.
func (r *Retriever) RetrieveScored(ctx context.Context, q core.Query, k int) ([]core.ScoredChunk, error) {
	if q.GroupID == "" || strings.TrimSpace(q.Question) == "" {
		return nil, fmt.Errorf("%w: query needs a group and a question", core.ErrInvalidInput)
	}
	if k <= 0 {
		k = r.config.TopK
	}

	vector, err := r.embedder.Embed(ctx, q.Question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	hits, err := r.index.Query(ctx, q.GroupID, vector, q.TimeRange, k)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	kept := hits[:0:0]
	for _, h := range hits {
		if r.config.Debug {
			log.Printf("[RETRIEVE]   chunk=%s score=%.3f end=%s", h.Chunk.ID, h.Score, h.Chunk.TimeRange.End.Format("2006-01-02 15:04"))
		}
		if h.Score < r.config.MinScore {
			continue
		}
		kept = append(kept, h)
	}

	log.Printf("[RETRIEVE] group=%s question=%q kept %d/%d chunks (min_score=%.2f)",
		q.GroupID, truncateLog(q.Question, 50), len(kept), len(hits), r.config.MinScore)
	return kept, nil
}

// truncateLog truncates text for logging.
func truncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
