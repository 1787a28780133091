package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/becomeliminal/chatrag/cache"
	"github.com/becomeliminal/chatrag/chunker"
	"github.com/becomeliminal/chatrag/config"
	"github.com/becomeliminal/chatrag/core"
	embedmock "github.com/becomeliminal/chatrag/embedder/mock"
	"github.com/becomeliminal/chatrag/embedder/titan"
	"github.com/becomeliminal/chatrag/generator/claude"
	genmock "github.com/becomeliminal/chatrag/generator/mock"
	"github.com/becomeliminal/chatrag/index"
	"github.com/becomeliminal/chatrag/index/store/chromem"
	"github.com/becomeliminal/chatrag/index/store/memory"
	"github.com/becomeliminal/chatrag/index/store/pgvector"
	"github.com/becomeliminal/chatrag/index/store/qdrant"
	"github.com/becomeliminal/chatrag/rag"
	"github.com/becomeliminal/chatrag/retry"
	"github.com/becomeliminal/chatrag/storage/sqlite"
	"github.com/becomeliminal/chatrag/tokens"
)

// app is a fully wired pipeline and its stores.
type app struct {
	config   *config.Config
	store    *sqlite.Store
	index    *index.Index
	pipeline *rag.Pipeline
	closers  []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = sqlite.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	backend, err := newBackend(cfg, a.store)
	if err != nil {
		return nil, err
	}
	a.index, err = index.New(ctx, backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.index.Close)

	embedder, err := newEmbedder(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if c, ok := embedder.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	generator, err := newGenerator(ctx, cfg)
	if err != nil {
		return nil, err
	}

	counter := newCounter(cfg.Tokenizer)
	answers, err := cache.New(&cache.Config{TTL: cfg.Cache.TTL, MaxEntries: cfg.Cache.MaxEntries})
	if err != nil {
		return nil, err
	}

	a.pipeline, err = rag.New(rag.Deps{
		Embedder:  retry.WrapEmbedder(embedder, retryPolicy(cfg.Retry)),
		Generator: retry.WrapGenerator(generator, retryPolicy(cfg.Retry)),
		Index:     a.index,
		Cache:     answers,
		Chunker: chunker.New(
			chunker.WithMaxTokens(cfg.Chunker.MaxTokens),
			chunker.WithMaxGap(cfg.Chunker.MaxGap),
			chunker.WithTokenCounter(counter),
		),
		Counter:  counter,
		Groups:   a.store,
		Messages: a.store,
	}, &rag.Config{
		TopK:             cfg.Retrieval.TopK,
		MinScore:         cfg.Retrieval.MinScore,
		ContextBudget:    cfg.Pipeline.ContextBudget,
		MaxAnswerTokens:  cfg.Pipeline.MaxAnswerTokens,
		MaxSummaryTokens: cfg.Pipeline.MaxSummaryTokens,
		SummaryChunks:    cfg.Pipeline.SummaryChunks,
		Concurrency:      cfg.Ingest.Concurrency,
		IdleFlush:        cfg.Pipeline.IdleFlush,
		Retention:        cfg.Pipeline.Retention,
		Debug:            cfg.Debug(),
	})
	if err != nil {
		answers.Close()
		return nil, err
	}

	// Failed groups stay buffered and are retried by the next flush.
	if _, err := a.pipeline.Restore(ctx); err != nil {
		log.Printf("[APP] Restoring unindexed messages failed: %v", err)
	}
	return a, nil
}

// Close releases everything newApp opened, newest first.
func (a *app) Close() {
	if a.pipeline != nil {
		a.pipeline.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("[APP] Close failed: %v", err)
		}
	}
	a.closers = nil
}

func newBackend(cfg *config.Config, store *sqlite.Store) (index.Backend, error) {
	s := cfg.Storage
	switch s.Backend {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return store, nil
	case "chromem":
		if s.ChromemPath == "" {
			return chromem.New()
		}
		return chromem.NewPersistent(s.ChromemPath, true)
	case "qdrant":
		return qdrant.New(&qdrant.Config{
			Host:             s.Qdrant.Host,
			Port:             s.Qdrant.Port,
			APIKey:           s.Qdrant.APIKey,
			UseTLS:           s.Qdrant.UseTLS,
			CollectionPrefix: s.Qdrant.CollectionPrefix,
		})
	case "pgvector":
		return pgvector.Open(s.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", s.Backend)
	}
}

func newEmbedder(ctx context.Context, cfg *config.Config) (core.Embedder, error) {
	e := cfg.Embedder
	switch e.Provider {
	case "titan":
		return titan.New(ctx, &titan.Config{
			Region:     e.Region,
			ModelID:    e.Model,
			Dimensions: e.Dimensions,
			Normalize:  true,
		})
	case "onnx":
		return newONNXEmbedder(e)
	case "mock":
		opts := []embedmock.Option{}
		if e.Dimensions > 0 {
			opts = append(opts, embedmock.WithDimensions(e.Dimensions))
		}
		return embedmock.New(opts...), nil
	default:
		return nil, fmt.Errorf("unknown embedder provider %q", e.Provider)
	}
}

func newGenerator(ctx context.Context, cfg *config.Config) (core.Generator, error) {
	g := cfg.Generator
	switch g.Provider {
	case "anthropic", "bedrock":
		model := g.Model
		if g.Provider == "bedrock" && model == config.Default().Generator.Model {
			// The Anthropic model name is not a Bedrock model id.
			model = ""
		}
		return claude.New(ctx, &claude.Config{
			Provider: g.Provider,
			APIKey:   g.APIKey,
			Region:   g.Region,
			Model:    model,
			BaseURL:  g.BaseURL,
		})
	case "mock":
		return &genmock.Generator{Respond: genmock.Summarizer}, nil
	default:
		return nil, fmt.Errorf("unknown generator provider %q", g.Provider)
	}
}

func newCounter(encoding string) core.TokenCounter {
	if encoding == "heuristic" {
		return tokens.Heuristic{}
	}
	return tokens.New(encoding)
}

func retryPolicy(r config.RetryConfig) *retry.Policy {
	return &retry.Policy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
		Multiplier:      retry.DefaultPolicy.Multiplier,
		Limiter:         retry.NewLimiter(r.RatePerSecond, r.Burst),
	}
}

var errONNXDisabled = errors.New("onnx embedder not compiled in; rebuild with -tags onnx")
