package rag

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/becomeliminal/chatrag/chunker"
	"github.com/becomeliminal/chatrag/core"
)

// ErrNoManagedGroups is returned when topics are loaded before any group
// is managed.
var ErrNoManagedGroups = fmt.Errorf("no managed groups found: %w", core.ErrNotFound)

// TopicsResult reports a topic load.
type TopicsResult struct {
	Topics  int `json:"topics"`
	Groups  int `json:"groups"`
	Records int `json:"count"`
}

// LoadTopics embeds each topic once and indexes it into every managed
// group, so questions in any group can draw on it. Cached answers of the
// touched groups are dropped.
func (p *Pipeline) LoadTopics(ctx context.Context, topics []core.Topic) (TopicsResult, error) {
	var res TopicsResult
	for i, t := range topics {
		if strings.TrimSpace(t.Subject) == "" || strings.TrimSpace(t.Summary) == "" {
			return res, fmt.Errorf("%w: topic %d needs a subject and a summary", core.ErrInvalidInput, i)
		}
	}
	if p.groups == nil {
		return res, ErrNoManagedGroups
	}
	groups, err := p.managedGroups(ctx)
	if err != nil {
		return res, err
	}
	if len(groups) == 0 {
		return res, ErrNoManagedGroups
	}

	loadedAt := time.Now().UTC()
	for _, t := range topics {
		doc := t.Document()
		v, err := p.embedder.Embed(ctx, doc)
		if err != nil {
			return res, fmt.Errorf("embed topic %q: %w", t.Subject, err)
		}
		p.learnModelVersion(v.ModelVersion)

		for _, g := range groups {
			chunk := core.Chunk{
				ID:         TopicChunkID(g.ID, loadedAt, t.Subject),
				GroupID:    g.ID,
				TimeRange:  core.TimeRange{Start: loadedAt, End: loadedAt},
				Text:       doc,
				TokenCount: p.counter.Count(doc),
			}
			emb := core.Embedding{ChunkID: chunk.ID, Vector: v.Values, ModelVersion: v.ModelVersion}
			if err := p.index.Upsert(ctx, chunk, emb); err != nil {
				return res, fmt.Errorf("index topic %q for group %s: %w", t.Subject, g.ID, err)
			}
			res.Records++
		}
		res.Topics++
	}

	for _, g := range groups {
		p.cache.InvalidateGroup(g.ID)
	}
	res.Groups = len(groups)
	log.Printf("[RAG] Loaded %d topics into %d managed groups (%d records)", res.Topics, res.Groups, res.Records)
	return res, nil
}

// TopicChunkID derives the chunk id of a topic loaded into a group.
func TopicChunkID(groupID string, loadedAt time.Time, subject string) string {
	name := groupID + "\x00" + loadedAt.Format(time.RFC3339Nano) + "\x00" + subject
	return uuid.NewSHA1(chunker.Namespace, []byte(name)).String()
}
