package rag

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/becomeliminal/chatrag/cache"
	"github.com/becomeliminal/chatrag/chunker"
	"github.com/becomeliminal/chatrag/core"
	"github.com/becomeliminal/chatrag/index"
	"github.com/becomeliminal/chatrag/prompt"
	"github.com/becomeliminal/chatrag/retrieval"
	"github.com/becomeliminal/chatrag/tokens"
)

// DegradedMessage is what users see when a provider is down.
const DegradedMessage = "Sorry, I'm temporarily unable to answer. Please try again in a few minutes."

// Config holds pipeline configuration.
type Config struct {
	// TopK is how many chunks a question retrieves.
	TopK int

	// MinScore is the retrieval similarity threshold.
	MinScore float64

	// ContextBudget bounds the excerpt tokens in a prompt.
	ContextBudget int

	// MaxAnswerTokens bounds generated answers.
	MaxAnswerTokens int

	// MaxSummaryTokens bounds generated summaries.
	MaxSummaryTokens int

	// SummaryChunks is how many recent chunks a summary considers.
	SummaryChunks int

	// Concurrency bounds parallel embedding calls during ingest.
	Concurrency int

	// IdleFlush closes a group's open chunk after this much quiet.
	IdleFlush time.Duration

	// Retention deletes chunks older than this. Zero keeps everything.
	Retention time.Duration

	// Debug enables per-result logging.
	Debug bool
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = &Config{
	TopK:             8,
	MinScore:         0.3,
	ContextBudget:    3000,
	MaxAnswerTokens:  512,
	MaxSummaryTokens: 1024,
	SummaryChunks:    20,
	Concurrency:      4,
	IdleFlush:        30 * time.Minute,
}

// MessageStore persists raw messages and tracks which of them are covered
// by indexed chunks, so buffered messages survive a restart.
type MessageStore interface {
	// SaveMessages returns only the messages not seen before.
	SaveMessages(ctx context.Context, msgs []core.Message) ([]core.Message, error)
	MarkIndexed(ctx context.Context, ids []string) error
	Unindexed(ctx context.Context) ([]core.Message, error)
}

// Deps are the pipeline's collaborators.
type Deps struct {
	Embedder  core.Embedder
	Generator core.Generator
	Index     *index.Index

	// Cache is optional; nil builds one from cache.DefaultConfig.
	Cache *cache.Cache

	// Chunker is optional; nil uses chunker defaults with Counter.
	Chunker *chunker.Chunker

	// Counter is optional; nil uses the heuristic estimate.
	Counter core.TokenCounter

	// Groups gates ingest and questions to managed groups when set.
	Groups core.GroupRegistry

	// Messages persists raw messages and deduplicates redeliveries when set.
	Messages MessageStore
}

// Pipeline is the RAG service object. It is safe for concurrent use.
type Pipeline struct {
	embedder  core.Embedder
	generator core.Generator
	index     *index.Index
	retriever *retrieval.Retriever
	assembler *prompt.Assembler
	cache     *cache.Cache
	chunker   *chunker.Chunker
	counter   core.TokenCounter
	groups    core.GroupRegistry
	messages  MessageStore
	config    *Config

	mu      sync.Mutex
	buffers map[string]*buffer

	versionMu    sync.Mutex
	modelVersion string
}

// New creates a pipeline.
func New(deps Deps, config *Config) (*Pipeline, error) {
	if deps.Embedder == nil || deps.Generator == nil || deps.Index == nil {
		return nil, fmt.Errorf("%w: embedder, generator and index are required", core.ErrInvalidInput)
	}
	if config == nil {
		config = DefaultConfig
	}
	if deps.Counter == nil {
		deps.Counter = tokens.Heuristic{}
	}
	if deps.Chunker == nil {
		deps.Chunker = chunker.New(chunker.WithTokenCounter(deps.Counter))
	}
	if deps.Cache == nil {
		c, err := cache.New(nil)
		if err != nil {
			return nil, err
		}
		deps.Cache = c
	}

	p := &Pipeline{
		embedder:  deps.Embedder,
		generator: deps.Generator,
		index:     deps.Index,
		retriever: retrieval.New(deps.Embedder, deps.Index, &retrieval.Config{
			TopK:     config.TopK,
			MinScore: config.MinScore,
			Debug:    config.Debug,
		}),
		assembler: prompt.NewAssembler(deps.Counter),
		cache:     deps.Cache,
		chunker:   deps.Chunker,
		counter:   deps.Counter,
		groups:    deps.Groups,
		messages:  deps.Messages,
		config:    config,
		buffers:   make(map[string]*buffer),
	}
	if v, ok := deps.Embedder.(core.ModelVersioner); ok {
		p.modelVersion = v.ModelVersion()
	}
	return p, nil
}

// Ask answers a question about a group from its indexed history.
func (p *Pipeline) Ask(ctx context.Context, q core.Query) (*core.Answer, error) {
	if err := p.checkQuery(ctx, q.GroupID); err != nil {
		return nil, err
	}
	if q.IssuedAt.IsZero() {
		q.IssuedAt = time.Now()
	}

	answer, err := p.cache.GetOrCompute(ctx, q, func(ctx context.Context) (*core.Answer, error) {
		chunks, err := p.retriever.Retrieve(ctx, q, p.config.TopK)
		if err != nil {
			return nil, fmt.Errorf("retrieve context: %w", err)
		}
		pc := p.assembler.Assemble(chunks, p.config.ContextBudget)
		return p.generate(ctx, prompt.Build(q.Question, pc), pc, p.config.MaxAnswerTokens)
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[RAG] Answered group=%s question=%q with %d cited chunks",
		q.GroupID, truncateLog(q.Question, 50), len(answer.CitedChunkIDs))
	return answer, nil
}

// Summarize summarizes a group's most recent conversation, bounded by
// timeRange when given.
func (p *Pipeline) Summarize(ctx context.Context, groupID string, timeRange *core.TimeRange) (*core.Answer, error) {
	if err := p.checkQuery(ctx, groupID); err != nil {
		return nil, err
	}
	q := core.Query{GroupID: groupID, Question: prompt.SummaryQuestion, TimeRange: timeRange, IssuedAt: time.Now()}

	answer, err := p.cache.GetOrCompute(ctx, q, func(ctx context.Context) (*core.Answer, error) {
		model, err := p.currentModelVersion(ctx)
		if err != nil {
			return nil, err
		}
		recent, err := p.index.Recent(ctx, groupID, model, timeRange, p.config.SummaryChunks)
		if err != nil {
			return nil, fmt.Errorf("load recent chunks: %w", err)
		}

		// Newest chunks win the budget; the prompt reads oldest first.
		picked := p.assembler.Assemble(recent, p.config.ContextBudget)
		chosen := make([]core.Chunk, 0, len(picked.ChunkIDs))
		for _, c := range recent {
			if slices.Contains(picked.ChunkIDs, c.ID) {
				chosen = append(chosen, c)
			}
		}
		slices.Reverse(chosen)
		pc := p.assembler.Assemble(chosen, p.config.ContextBudget)

		return p.generate(ctx, prompt.BuildSummary(pc), pc, p.config.MaxSummaryTokens)
	})
	if err != nil {
		return nil, err
	}

	if p.groups != nil {
		p.markSummarized(ctx, groupID, answer.CreatedAt)
	}
	return answer, nil
}

func (p *Pipeline) generate(ctx context.Context, text string, pc prompt.Context, maxTokens int) (*core.Answer, error) {
	if pc.Empty() {
		log.Printf("[RAG] No relevant context, asking generator to decline")
	}
	out, err := p.generator.Generate(ctx, text, maxTokens)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}
	return &core.Answer{Text: out, CitedChunkIDs: pc.ChunkIDs}, nil
}

// checkQuery rejects questions about unknown or unmanaged groups.
func (p *Pipeline) checkQuery(ctx context.Context, groupID string) error {
	if groupID == "" {
		return fmt.Errorf("%w: group id is required", core.ErrInvalidInput)
	}
	managed, err := p.isManaged(ctx, groupID)
	if err != nil {
		return err
	}
	if !managed {
		return fmt.Errorf("group %s is not managed: %w", groupID, core.ErrNotFound)
	}
	return nil
}

func (p *Pipeline) isManaged(ctx context.Context, groupID string) (bool, error) {
	if p.groups == nil {
		return true, nil
	}
	g, err := p.groups.GetGroup(ctx, groupID)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up group %s: %w", groupID, err)
	}
	return g.Managed, nil
}

func (p *Pipeline) markSummarized(ctx context.Context, groupID string, at time.Time) {
	g, err := p.groups.GetGroup(ctx, groupID)
	if err != nil {
		log.Printf("[RAG] Failed to load group %s for summary sync: %v", groupID, err)
		return
	}
	g.LastSummarySync = &at
	if err := p.groups.UpsertGroup(ctx, g); err != nil {
		log.Printf("[RAG] Failed to record summary sync for %s: %v", groupID, err)
	}
}

// currentModelVersion returns the embedder's model version, learning it
// from a probe embedding when the embedder does not report it.
func (p *Pipeline) currentModelVersion(ctx context.Context) (string, error) {
	p.versionMu.Lock()
	defer p.versionMu.Unlock()
	if p.modelVersion != "" {
		return p.modelVersion, nil
	}
	v, err := p.embedder.Embed(ctx, prompt.SummaryQuestion)
	if err != nil {
		return "", fmt.Errorf("probe model version: %w", err)
	}
	p.modelVersion = v.ModelVersion
	return p.modelVersion, nil
}

// Retain deletes a group's chunks that ended before cutoff and drops its
// cached answers.
func (p *Pipeline) Retain(ctx context.Context, groupID string, cutoff time.Time) (int, error) {
	n, err := p.index.DeleteBefore(ctx, groupID, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.cache.InvalidateGroup(groupID)
	}
	return n, nil
}

// RetainAll applies the configured retention to every managed group.
func (p *Pipeline) RetainAll(ctx context.Context, now time.Time) (int, error) {
	if p.config.Retention <= 0 || p.groups == nil {
		return 0, nil
	}
	groups, err := p.managedGroups(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, g := range groups {
		n, err := p.Retain(ctx, g.ID, now.Add(-p.config.Retention))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Run flushes idle groups and applies retention every interval until ctx
// is cancelled.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if _, err := p.FlushIdle(ctx, now); err != nil {
				log.Printf("[RAG] Idle flush failed: %v", err)
			}
			if _, err := p.RetainAll(ctx, now); err != nil {
				log.Printf("[RAG] Retention failed: %v", err)
			}
		}
	}
}

func (p *Pipeline) managedGroups(ctx context.Context) ([]core.Group, error) {
	all, err := p.groups.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	var managed []core.Group
	for _, g := range all {
		if g.Managed {
			managed = append(managed, g)
		}
	}
	return managed, nil
}

// Close releases the cache.
func (p *Pipeline) Close() {
	p.cache.Close()
}

// UserMessage maps a pipeline error to text safe to show chat users.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case core.IsUnavailable(err):
		return DegradedMessage
	case errors.Is(err, core.ErrNotFound):
		return "This group is not set up for summaries."
	case errors.Is(err, core.ErrInvalidInput):
		return "Sorry, I couldn't understand that request."
	case errors.Is(err, context.DeadlineExceeded):
		return DegradedMessage
	default:
		return "Sorry, something went wrong."
	}
}

// truncateLog truncates text for logging.
func truncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
