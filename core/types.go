package core

import (
	"fmt"
	"time"
)

// Message is a single chat message delivered by an ingestor.
// Messages are immutable once ingested.
type Message struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	SenderID  string    `json:"sender_id"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// Validate checks the fields every stage of the pipeline relies on.
func (m Message) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: message id is empty", ErrInvalidInput)
	case m.GroupID == "":
		return fmt.Errorf("%w: message %s has no group id", ErrInvalidInput, m.ID)
	case m.Timestamp.IsZero():
		return fmt.Errorf("%w: message %s has no timestamp", ErrInvalidInput, m.ID)
	}
	return nil
}

// TimeRange is a closed interval [Start, End].
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether ts falls inside the range.
// A nil range is unbounded and contains every timestamp.
func (r *TimeRange) Contains(ts time.Time) bool {
	if r == nil {
		return true
	}
	if !r.Start.IsZero() && ts.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && ts.After(r.End) {
		return false
	}
	return true
}

// Overlaps reports whether other shares at least one instant with r.
// A zero Start or End on r leaves that side open.
func (r *TimeRange) Overlaps(other TimeRange) bool {
	if r == nil {
		return true
	}
	if !r.Start.IsZero() && other.End.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && other.Start.After(r.End) {
		return false
	}
	return true
}

// String renders the range for cache keys and logs.
func (r *TimeRange) String() string {
	if r == nil {
		return "*"
	}
	return r.Start.UTC().Format(time.RFC3339Nano) + "/" + r.End.UTC().Format(time.RFC3339Nano)
}

// Chunk is a bounded span of consecutive messages from one group, treated
// as a single retrievable unit. Text holds one rendered line per source
// message, in order. Chunks are never mutated; re-chunking supersedes them.
type Chunk struct {
	ID               string    `json:"id"`
	GroupID          string    `json:"group_id"`
	TimeRange        TimeRange `json:"time_range"`
	SourceMessageIDs []string  `json:"source_message_ids"`
	Text             string    `json:"text"`
	TokenCount       int       `json:"token_count"`
}

// Vector is an embedding produced by a specific model version.
type Vector struct {
	Values       []float32
	ModelVersion string
}

// Dimensions returns the vector length.
func (v Vector) Dimensions() int { return len(v.Values) }

// Embedding binds a vector to the chunk it represents.
// There is at most one Embedding per (ChunkID, ModelVersion).
type Embedding struct {
	ChunkID      string
	Vector       []float32
	ModelVersion string
}

// ScoredChunk is a query hit.
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

// Query is a question asked against one group's history.
type Query struct {
	GroupID   string     `json:"group_id"`
	Question  string     `json:"question"`
	TimeRange *TimeRange `json:"time_range,omitempty"`
	IssuedAt  time.Time  `json:"issued_at"`
}

// Answer is a generated response, owned by the cache.
type Answer struct {
	QueryHash     string     `json:"query_hash"`
	GroupID       string     `json:"group_id"`
	TimeRange     *TimeRange `json:"time_range,omitempty"`
	Text          string     `json:"text"`
	CitedChunkIDs []string   `json:"cited_chunk_ids"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

// Expired reports whether the answer may no longer be served at now.
func (a *Answer) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}

// Group is a chat group known to the system.
// Only managed groups are ingested and answered.
type Group struct {
	ID              string     `json:"group_id"`
	Name            string     `json:"group_name"`
	Managed         bool       `json:"managed"`
	LastSummarySync *time.Time `json:"last_summary_sync,omitempty"`
}

// Topic is curated background knowledge loaded into every managed group.
type Topic struct {
	Subject string `json:"subject"`
	Summary string `json:"summary"`
}

// Document renders the topic as the text that gets embedded.
func (t Topic) Document() string {
	return "# " + t.Subject + "\n" + t.Summary
}
