package rag

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/becomeliminal/chatrag/core"
)

// buffer holds a group's messages that do not yet form a closed chunk.
type buffer struct {
	mu       chan struct{} // one indexing pass per group at a time
	open     []core.Message
	lastSeen time.Time
}

// IngestResult reports what Ingest did with a batch.
type IngestResult struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Ignored    int `json:"ignored"`
	Chunks     int `json:"chunks"`
}

// HandleMessage ingests a single pushed message. It satisfies
// core.MessageHandler.
func (p *Pipeline) HandleMessage(ctx context.Context, msg core.Message) error {
	_, err := p.Ingest(ctx, []core.Message{msg})
	return err
}

// Ingest accepts messages from any number of groups. Messages of unmanaged
// groups are ignored and redelivered messages are skipped. Spans that can
// no longer grow are chunked, embedded and indexed right away; the rest
// waits in the group's buffer for more messages or an idle flush.
//
// Every group of the batch is buffered even when another group fails to
// index. A failed group keeps its messages buffered, so a later Ingest or
// Flush retries them; upserts are idempotent by chunk id. The returned
// error joins the failures of all groups.
func (p *Pipeline) Ingest(ctx context.Context, msgs []core.Message) (IngestResult, error) {
	var res IngestResult
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return res, err
		}
	}

	managed := make(map[string]bool)
	accepted := make([]core.Message, 0, len(msgs))
	for _, m := range msgs {
		ok, seen := managed[m.GroupID]
		if !seen {
			var err error
			if ok, err = p.isManaged(ctx, m.GroupID); err != nil {
				return res, err
			}
			managed[m.GroupID] = ok
		}
		if !ok {
			res.Ignored++
			continue
		}
		accepted = append(accepted, m)
	}

	fresh := accepted
	if p.messages != nil && len(accepted) > 0 {
		var err error
		if fresh, err = p.messages.SaveMessages(ctx, accepted); err != nil {
			return res, fmt.Errorf("save messages: %w", err)
		}
	}
	res.Duplicates = len(accepted) - len(fresh)
	res.Accepted = len(fresh)

	byGroup := make(map[string][]core.Message)
	var order []string
	for _, m := range fresh {
		if _, ok := byGroup[m.GroupID]; !ok {
			order = append(order, m.GroupID)
		}
		byGroup[m.GroupID] = append(byGroup[m.GroupID], m)
		p.cache.Invalidate(m.GroupID, m.Timestamp)
	}

	now := time.Now()
	var errs []error
	for _, groupID := range order {
		n, dups, err := p.indexGroup(ctx, groupID, byGroup[groupID], false, now)
		res.Chunks += n
		res.Duplicates += dups
		res.Accepted -= dups
		if err != nil {
			errs = append(errs, err)
		}
	}

	if res.Accepted > 0 || res.Ignored > 0 {
		log.Printf("[INGEST] Accepted %d messages (%d duplicates, %d ignored), indexed %d chunks",
			res.Accepted, res.Duplicates, res.Ignored, res.Chunks)
	}
	return res, errors.Join(errs...)
}

// Restore refills the group buffers from stored messages that no indexed
// chunk covers yet, such as spans still buffered when the process stopped
// or messages saved by a batch whose indexing failed. Closed spans among
// them are indexed right away. It returns the number of messages restored.
func (p *Pipeline) Restore(ctx context.Context) (int, error) {
	if p.messages == nil {
		return 0, nil
	}
	msgs, err := p.messages.Unindexed(ctx)
	if err != nil {
		return 0, fmt.Errorf("load unindexed messages: %w", err)
	}

	managed := make(map[string]bool)
	byGroup := make(map[string][]core.Message)
	var order []string
	for _, m := range msgs {
		ok, seen := managed[m.GroupID]
		if !seen {
			if ok, err = p.isManaged(ctx, m.GroupID); err != nil {
				return 0, err
			}
			managed[m.GroupID] = ok
			if ok {
				order = append(order, m.GroupID)
			}
		}
		if ok {
			byGroup[m.GroupID] = append(byGroup[m.GroupID], m)
		}
	}

	now := time.Now()
	restored, chunks := 0, 0
	var errs []error
	for _, groupID := range order {
		n, dups, err := p.indexGroup(ctx, groupID, byGroup[groupID], false, now)
		restored += len(byGroup[groupID]) - dups
		chunks += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if restored > 0 {
		log.Printf("[INGEST] Restored %d unindexed messages in %d groups, indexed %d chunks",
			restored, len(order), chunks)
	}
	return restored, errors.Join(errs...)
}

// FlushIdle closes the open chunk of every group quiet since IdleFlush
// before now. It returns the number of chunks indexed.
func (p *Pipeline) FlushIdle(ctx context.Context, now time.Time) (int, error) {
	return p.flush(ctx, now, func(b *buffer) bool {
		return now.Sub(b.lastSeen) >= p.config.IdleFlush
	})
}

// Flush closes every open chunk.
func (p *Pipeline) Flush(ctx context.Context) (int, error) {
	return p.flush(ctx, time.Now(), func(*buffer) bool { return true })
}

func (p *Pipeline) flush(ctx context.Context, now time.Time, due func(*buffer) bool) (int, error) {
	p.mu.Lock()
	groups := make([]string, 0, len(p.buffers))
	for id := range p.buffers {
		groups = append(groups, id)
	}
	p.mu.Unlock()
	sort.Strings(groups)

	total := 0
	for _, groupID := range groups {
		b := p.buffer(groupID)
		b.mu <- struct{}{}
		ready := len(b.open) > 0 && due(b)
		<-b.mu
		if !ready {
			continue
		}
		n, _, err := p.indexGroup(ctx, groupID, nil, true, now)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		log.Printf("[INGEST] Flushed %d open chunks", total)
	}
	return total, nil
}

// Pending reports how many messages wait in the group's open buffer.
func (p *Pipeline) Pending(groupID string) int {
	b := p.buffer(groupID)
	b.mu <- struct{}{}
	defer func() { <-b.mu }()
	return len(b.open)
}

func (p *Pipeline) buffer(groupID string) *buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buffers[groupID]
	if !ok {
		b = &buffer{mu: make(chan struct{}, 1)}
		p.buffers[groupID] = b
	}
	return b
}

// indexGroup merges msgs into the group's buffer and indexes every chunk
// that is closed, or all of them when final is set. It returns the chunks
// indexed and how many of msgs were already buffered.
func (p *Pipeline) indexGroup(ctx context.Context, groupID string, msgs []core.Message, final bool, now time.Time) (int, int, error) {
	b := p.buffer(groupID)
	select {
	case b.mu <- struct{}{}:
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
	defer func() { <-b.mu }()

	buffered := make(map[string]struct{}, len(b.open))
	for _, m := range b.open {
		buffered[m.ID] = struct{}{}
	}
	combined := append([]core.Message(nil), b.open...)
	dups := 0
	for _, m := range msgs {
		if _, ok := buffered[m.ID]; ok {
			dups++
			continue
		}
		buffered[m.ID] = struct{}{}
		combined = append(combined, m)
	}
	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].Timestamp.Before(combined[j].Timestamp)
	})
	if len(msgs) > dups {
		b.lastSeen = now
	}

	var (
		closed []core.Chunk
		open   []core.Message
		err    error
	)
	if final {
		closed, err = p.chunker.Chunk(combined)
	} else {
		closed, open, err = p.chunker.Split(combined)
	}
	if err != nil {
		return 0, dups, fmt.Errorf("chunk group %s: %w", groupID, err)
	}

	if err := p.embedAndUpsert(ctx, closed); err != nil {
		b.open = combined
		return 0, dups, fmt.Errorf("index group %s: %w", groupID, err)
	}
	b.open = open
	p.markIndexed(ctx, closed)

	// Answers cached while these messages sat in the buffer did not see
	// them; now that they are searchable those answers are stale.
	if len(closed) > 0 {
		stamps := make(map[string]time.Time, len(combined))
		for _, m := range combined {
			stamps[m.ID] = m.Timestamp
		}
		for _, c := range closed {
			for _, id := range c.SourceMessageIDs {
				p.cache.Invalidate(groupID, stamps[id])
			}
		}
	}
	return len(closed), dups, nil
}

// embedAndUpsert embeds chunks concurrently and writes each with its
// vector.
func (p *Pipeline) embedAndUpsert(ctx context.Context, chunks []core.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	limit := p.config.Concurrency
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, chunk := range chunks {
		g.Go(func() error {
			v, err := p.embedder.Embed(gctx, chunk.Text)
			if err != nil {
				return fmt.Errorf("embed chunk %s: %w", chunk.ID, err)
			}
			emb := core.Embedding{ChunkID: chunk.ID, Vector: v.Values, ModelVersion: v.ModelVersion}
			if err := p.index.Upsert(gctx, chunk, emb); err != nil {
				return err
			}
			p.learnModelVersion(v.ModelVersion)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	log.Printf("[INGEST] Embedded %d chunks for group=%s", len(chunks), chunks[0].GroupID)
	return nil
}

// markIndexed records the chunks' messages as indexed. A failure only
// means they are indexed again by the next Restore.
func (p *Pipeline) markIndexed(ctx context.Context, chunks []core.Chunk) {
	if p.messages == nil || len(chunks) == 0 {
		return
	}
	var ids []string
	for _, c := range chunks {
		ids = append(ids, c.SourceMessageIDs...)
	}
	if err := p.messages.MarkIndexed(ctx, ids); err != nil {
		log.Printf("[INGEST] Failed to mark %d messages indexed: %v", len(ids), err)
	}
}

func (p *Pipeline) learnModelVersion(v string) {
	p.versionMu.Lock()
	if p.modelVersion == "" {
		p.modelVersion = v
	}
	p.versionMu.Unlock()
}
