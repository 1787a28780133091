// Package cache stores generated answers so repeated questions about the
// same group and time range are answered once.
//
// Three rules govern an entry:
//   - It is served only until its ExpiresAt, checked against the cache clock
//     on every read.
//   - It is dropped when a message is ingested whose timestamp falls inside
//     the entry's time range (an absent range covers all time).
//   - Concurrent misses for one key share a single computation. That
//     computation runs detached from any one caller and is cancelled only
//     when every caller waiting on it has gone.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/becomeliminal/chatrag/core"
)

// ComputeFunc produces an answer on a miss.
type ComputeFunc func(ctx context.Context) (*core.Answer, error)

// Config holds cache configuration.
type Config struct {
	// TTL is how long an answer may be served.
	TTL time.Duration

	// MaxEntries bounds the number of stored answers.
	MaxEntries int64
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = &Config{
	TTL:        10 * time.Minute,
	MaxEntries: 10_000,
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache is the answer cache. It is safe for concurrent use.
type Cache struct {
	store *ristretto.Cache
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	flights map[string]*flight
	deps    map[string]map[string]dependency // group -> key -> stored entry
}

// dependency records what a stored entry was computed from.
type dependency struct {
	timeRange *core.TimeRange
	expiresAt time.Time
}

// flight is one in-progress computation.
type flight struct {
	done   chan struct{}
	answer *core.Answer
	err    error

	groupID   string
	timeRange *core.TimeRange

	waiters int
	cancel  context.CancelFunc
	stale   bool // invalidated while computing: return, don't store
}

// New creates a cache.
func New(config *Config, opts ...Option) (*Cache, error) {
	if config == nil {
		config = DefaultConfig
	}
	maxEntries := config.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultConfig.MaxEntries
	}

	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create answer store: %w", err)
	}

	c := &Cache{
		store:   store,
		ttl:     config.TTL,
		now:     time.Now,
		flights: make(map[string]*flight),
		deps:    make(map[string]map[string]dependency),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetOrCompute returns the cached answer for q, or runs compute once for
// all concurrent callers asking the same thing. Failed, cancelled or empty
// computations are never stored. A caller whose ctx ends stops waiting and
// gets ctx's error.
func (c *Cache) GetOrCompute(ctx context.Context, q core.Query, compute ComputeFunc) (*core.Answer, error) {
	key := Key(q)

	if answer, ok := c.lookup(key); ok {
		log.Printf("[CACHE] Hit for group=%s key=%s", q.GroupID, key[:12])
		return answer, nil
	}

	c.mu.Lock()
	f, inFlight := c.flights[key]
	if inFlight {
		f.waiters++
	} else {
		// Another caller may have stored the answer since the lookup.
		if answer, ok := c.lookup(key); ok {
			c.mu.Unlock()
			return answer, nil
		}
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{
			done:      make(chan struct{}),
			groupID:   q.GroupID,
			timeRange: q.TimeRange,
			waiters:   1,
			cancel:    cancel,
		}
		c.flights[key] = f
		go c.run(fctx, key, f, compute)
	}
	c.mu.Unlock()

	if inFlight {
		log.Printf("[CACHE] Joining in-flight computation for group=%s key=%s", q.GroupID, key[:12])
	}

	select {
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return clone(f.answer), nil
	case <-ctx.Done():
		c.leave(key, f)
		return nil, ctx.Err()
	}
}

func (c *Cache) run(ctx context.Context, key string, f *flight, compute ComputeFunc) {
	defer f.cancel()

	answer, err := compute(ctx)
	if err == nil && answer == nil {
		err = errors.New("compute returned no answer")
	}
	if err == nil && ctx.Err() != nil {
		// Every caller left; the result has nobody to go to.
		err = ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flights[key] == f {
		delete(c.flights, key)
	}

	if err != nil {
		f.err = err
		close(f.done)
		return
	}

	now := c.now()
	stored := clone(answer)
	stored.QueryHash = key
	stored.GroupID = f.groupID
	stored.TimeRange = f.timeRange
	stored.CreatedAt = now
	stored.ExpiresAt = now.Add(c.ttl)
	f.answer = stored

	if f.stale {
		log.Printf("[CACHE] Not storing answer for group=%s: invalidated while computing", f.groupID)
	} else if c.ttl > 0 {
		c.store.SetWithTTL(key, stored, 1, c.ttl)
		c.store.Wait()
		group := c.deps[f.groupID]
		if group == nil {
			group = make(map[string]dependency)
			c.deps[f.groupID] = group
		}
		group[key] = dependency{timeRange: f.timeRange, expiresAt: stored.ExpiresAt}
	}
	close(f.done)
}

// leave drops one waiter and cancels the computation when none remain.
func (c *Cache) leave(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	log.Printf("[CACHE] All callers left, cancelled computation for group=%s", f.groupID)
}

func (c *Cache) lookup(key string) (*core.Answer, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return nil, false
	}
	answer := v.(*core.Answer)
	if answer.Expired(c.now()) {
		c.store.Del(key)
		return nil, false
	}
	return clone(answer), true
}

// Invalidate drops answers of the group whose time range contains ts and
// marks matching in-flight computations so their results are not stored.
// It returns the number of stored answers dropped.
func (c *Cache) Invalidate(groupID string, ts time.Time) int {
	return c.invalidate(groupID, func(r *core.TimeRange) bool { return r.Contains(ts) })
}

// InvalidateGroup drops every answer of the group.
func (c *Cache) InvalidateGroup(groupID string) int {
	return c.invalidate(groupID, func(*core.TimeRange) bool { return true })
}

func (c *Cache) invalidate(groupID string, affected func(*core.TimeRange) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, f := range c.flights {
		if f.groupID == groupID && affected(f.timeRange) {
			f.stale = true
		}
	}

	now := c.now()
	dropped := 0
	for key, dep := range c.deps[groupID] {
		switch {
		case !now.Before(dep.expiresAt):
			delete(c.deps[groupID], key)
		case affected(dep.timeRange):
			c.store.Del(key)
			delete(c.deps[groupID], key)
			dropped++
		}
	}
	if len(c.deps[groupID]) == 0 {
		delete(c.deps, groupID)
	}

	if dropped > 0 {
		log.Printf("[CACHE] Invalidated %d answers for group=%s", dropped, groupID)
	}
	return dropped
}

// Close stops the store's background goroutines.
func (c *Cache) Close() {
	c.store.Close()
}

// Key hashes the group, the normalized question and the time range.
func Key(q core.Query) string {
	h := sha256.New()
	h.Write([]byte(q.GroupID))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(q.Question)))
	h.Write([]byte{0})
	h.Write([]byte(q.TimeRange.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize lower-cases the question, collapses whitespace and trims
// trailing punctuation, so trivially different phrasings share a key.
func Normalize(question string) string {
	q := strings.Join(strings.Fields(strings.ToLower(question)), " ")
	return strings.TrimSpace(strings.TrimRight(q, "?!. "))
}

func clone(a *core.Answer) *core.Answer {
	out := *a
	out.CitedChunkIDs = append([]string(nil), a.CitedChunkIDs...)
	if a.TimeRange != nil {
		tr := *a.TimeRange
		out.TimeRange = &tr
	}
	return &out
}
