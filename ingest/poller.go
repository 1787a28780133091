package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/becomeliminal/chatrag/core"
)

// Poller is a pull ingestor. It fetches messages at or after the newest
// timestamp it handed over and passes them to the handler in timestamp
// order. The cursor is the timestamp plus the ids already delivered at it,
// so a message sharing that timestamp but written after a poll is still
// delivered.
type Poller struct {
	source   core.MessageSource
	handler  core.MessageHandler
	interval time.Duration

	mu    sync.Mutex
	since time.Time
	seen  map[string]struct{} // ids delivered at since
}

// NewPoller creates a poller delivering messages at or after since.
func NewPoller(source core.MessageSource, handler core.MessageHandler, interval time.Duration, since time.Time) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		source:   source,
		handler:  handler,
		interval: interval,
		since:    since,
		seen:     make(map[string]struct{}),
	}
}

// Since returns the timestamp of the last delivered message.
func (p *Poller) Since() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.since
}

// Poll fetches once and delivers what it got. Delivery stops at the first
// handler failure so the failed message is fetched again next time.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msgs, err := p.source.FetchSince(ctx, p.since)
	if err != nil {
		return 0, fmt.Errorf("fetch messages: %w", err)
	}

	delivered := 0
	for _, msg := range msgs {
		if msg.Timestamp.Before(p.since) {
			continue
		}
		if _, ok := p.seen[msg.ID]; ok && msg.Timestamp.Equal(p.since) {
			continue
		}
		if err := p.handler(ctx, msg); err != nil {
			return delivered, fmt.Errorf("handle message %s: %w", msg.ID, err)
		}
		delivered++
		if msg.Timestamp.After(p.since) {
			p.since = msg.Timestamp
			clear(p.seen)
		}
		p.seen[msg.ID] = struct{}{}
	}
	return delivered, nil
}

// Run polls every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		n, err := p.Poll(ctx)
		if err != nil {
			log.Printf("[INGEST] Poll failed after %d messages: %v", n, err)
		} else if n > 0 {
			log.Printf("[INGEST] Polled %d messages", n)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
