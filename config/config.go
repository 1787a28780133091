// Package config loads service configuration.
//
// Values are layered: built-in defaults, then the YAML file, then a .env
// file, then the process environment. Later layers win; a .env entry never
// overrides a variable already set in the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedder  EmbedderConfig  `yaml:"embedder"`
	Generator GeneratorConfig `yaml:"generator"`
	Chunker   ChunkerConfig   `yaml:"chunker"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Cache     CacheConfig     `yaml:"cache"`
	Retry     RetryConfig     `yaml:"retry"`
	Ingest    IngestConfig    `yaml:"ingest"`

	// Tokenizer names the tiktoken encoding, "heuristic" for the estimate.
	Tokenizer string `yaml:"tokenizer"`

	// LogLevel "debug" turns on per-result logging.
	LogLevel string `yaml:"log_level"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr              string `yaml:"addr"`
	BasicAuthUser     string `yaml:"basic_auth_user"`
	BasicAuthPassword string `yaml:"basic_auth_password"`
}

// StorageConfig selects the message store and the vector index backend.
type StorageConfig struct {
	// SQLitePath holds messages and groups, and vectors for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`

	// Backend is one of memory, sqlite, chromem, qdrant or pgvector.
	Backend string `yaml:"backend"`

	// ChromemPath persists the chromem backend; empty keeps it in memory.
	ChromemPath string `yaml:"chromem_path"`

	Qdrant QdrantConfig `yaml:"qdrant"`

	// PostgresDSN is used by the pgvector backend.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// QdrantConfig holds Qdrant connection settings.
type QdrantConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	APIKey           string `yaml:"api_key"`
	UseTLS           bool   `yaml:"use_tls"`
	CollectionPrefix string `yaml:"collection_prefix"`
}

// EmbedderConfig selects the embedding provider.
type EmbedderConfig struct {
	// Provider is one of titan, onnx or mock.
	Provider   string `yaml:"provider"`
	Region     string `yaml:"region"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`

	ONNX ONNXConfig `yaml:"onnx"`
}

// ONNXConfig locates the local model files.
type ONNXConfig struct {
	SharedLibraryPath string `yaml:"shared_library_path"`
	ModelPath         string `yaml:"model_path"`
	TokenizerPath     string `yaml:"tokenizer_path"`
}

// GeneratorConfig selects the generation provider.
type GeneratorConfig struct {
	// Provider is one of anthropic, bedrock or mock.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Region   string `yaml:"region"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

// ChunkerConfig bounds chunks.
type ChunkerConfig struct {
	MaxTokens int           `yaml:"max_tokens"`
	MaxGap    time.Duration `yaml:"max_gap"`
}

// RetrievalConfig tunes retrieval.
type RetrievalConfig struct {
	TopK     int     `yaml:"top_k"`
	MinScore float64 `yaml:"min_score"`
}

// PipelineConfig tunes prompt assembly, generation and housekeeping.
type PipelineConfig struct {
	ContextBudget    int           `yaml:"context_budget"`
	MaxAnswerTokens  int           `yaml:"max_answer_tokens"`
	MaxSummaryTokens int           `yaml:"max_summary_tokens"`
	SummaryChunks    int           `yaml:"summary_chunks"`
	IdleFlush        time.Duration `yaml:"idle_flush"`
	Retention        time.Duration `yaml:"retention"`
	JanitorInterval  time.Duration `yaml:"janitor_interval"`
}

// CacheConfig sizes the answer cache.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int64         `yaml:"max_entries"`
}

// RetryConfig is the provider retry policy.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`

	// RatePerSecond limits provider calls; zero disables limiting.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// IngestConfig configures ingestion.
type IngestConfig struct {
	Concurrency int `yaml:"concurrency"`

	// FeedURL is a websocket streaming messages; empty disables the feed.
	FeedURL   string `yaml:"feed_url"`
	FeedToken string `yaml:"feed_token"`

	// PollDatabase is a SQLite database another process writes messages
	// to, such as a chat bridge. It is polled every PollInterval; an empty
	// path or a zero interval disables polling.
	PollDatabase string        `yaml:"poll_database"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Storage: StorageConfig{
			SQLitePath: "chatrag.db",
			Backend:    "sqlite",
			Qdrant: QdrantConfig{
				Host:             "localhost",
				Port:             6334,
				CollectionPrefix: "chatrag_",
			},
		},
		Embedder: EmbedderConfig{
			Provider:   "titan",
			Region:     "eu-central-1",
			Model:      "amazon.titan-embed-text-v2:0",
			Dimensions: 1024,
		},
		Generator: GeneratorConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-20250514",
			Region:   "eu-central-1",
		},
		Chunker:   ChunkerConfig{MaxTokens: 512, MaxGap: 30 * time.Minute},
		Retrieval: RetrievalConfig{TopK: 8, MinScore: 0.3},
		Pipeline: PipelineConfig{
			ContextBudget:    3000,
			MaxAnswerTokens:  512,
			MaxSummaryTokens: 1024,
			SummaryChunks:    20,
			IdleFlush:        30 * time.Minute,
			JanitorInterval:  time.Minute,
		},
		Cache: CacheConfig{TTL: 10 * time.Minute, MaxEntries: 10000},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		Ingest:    IngestConfig{Concurrency: 4},
		Tokenizer: "cl100k_base",
		LogLevel:  "info",
	}
}

// Load builds the configuration from defaults, the YAML file at path, the
// .env file at envFile and the environment. A missing file is skipped;
// empty paths skip that layer.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Debug reports whether verbose logging is on.
func (c *Config) Debug() bool {
	return strings.EqualFold(c.LogLevel, "debug")
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "sqlite", "chromem", "qdrant", "pgvector":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "pgvector" && c.Storage.PostgresDSN == "" {
		return errors.New("pgvector backend needs storage.postgres_dsn")
	}
	switch c.Embedder.Provider {
	case "titan", "onnx", "mock":
	default:
		return fmt.Errorf("unknown embedder provider %q", c.Embedder.Provider)
	}
	switch c.Generator.Provider {
	case "anthropic", "bedrock", "mock":
	default:
		return fmt.Errorf("unknown generator provider %q", c.Generator.Provider)
	}
	if c.Chunker.MaxTokens <= 0 {
		return errors.New("chunker.max_tokens must be positive")
	}
	if c.Retrieval.TopK <= 0 {
		return errors.New("retrieval.top_k must be positive")
	}
	if c.Pipeline.ContextBudget <= 0 {
		return errors.New("pipeline.context_budget must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be positive")
	}
	return nil
}

type envVar struct {
	name  string
	apply func(c *Config, v string) error
}

// envVars maps environment variables onto the configuration. The unprefixed
// names are the ones the chat bot deployments already set.
var envVars = []envVar{
	{"CHATRAG_ADDR", str(func(c *Config) *string { return &c.Server.Addr })},
	{"CHATRAG_BACKEND", str(func(c *Config) *string { return &c.Storage.Backend })},
	{"CHATRAG_SQLITE_PATH", str(func(c *Config) *string { return &c.Storage.SQLitePath })},
	{"CHATRAG_CHROMEM_PATH", str(func(c *Config) *string { return &c.Storage.ChromemPath })},
	{"CHATRAG_QDRANT_HOST", str(func(c *Config) *string { return &c.Storage.Qdrant.Host })},
	{"CHATRAG_QDRANT_PORT", integer(func(c *Config) *int { return &c.Storage.Qdrant.Port })},
	{"CHATRAG_QDRANT_API_KEY", str(func(c *Config) *string { return &c.Storage.Qdrant.APIKey })},
	{"CHATRAG_POSTGRES_DSN", str(func(c *Config) *string { return &c.Storage.PostgresDSN })},
	{"CHATRAG_EMBEDDER", str(func(c *Config) *string { return &c.Embedder.Provider })},
	{"CHATRAG_EMBEDDING_MODEL", str(func(c *Config) *string { return &c.Embedder.Model })},
	{"CHATRAG_EMBEDDING_DIMENSIONS", integer(func(c *Config) *int { return &c.Embedder.Dimensions })},
	{"CHATRAG_GENERATOR", str(func(c *Config) *string { return &c.Generator.Provider })},
	{"CHATRAG_GENERATION_MODEL", str(func(c *Config) *string { return &c.Generator.Model })},
	{"CHATRAG_TOP_K", integer(func(c *Config) *int { return &c.Retrieval.TopK })},
	{"CHATRAG_MIN_SCORE", float(func(c *Config) *float64 { return &c.Retrieval.MinScore })},
	{"CHATRAG_CONTEXT_BUDGET", integer(func(c *Config) *int { return &c.Pipeline.ContextBudget })},
	{"CHATRAG_RETENTION", duration(func(c *Config) *time.Duration { return &c.Pipeline.Retention })},
	{"CHATRAG_CACHE_TTL", duration(func(c *Config) *time.Duration { return &c.Cache.TTL })},
	{"CHATRAG_FEED_URL", str(func(c *Config) *string { return &c.Ingest.FeedURL })},
	{"CHATRAG_FEED_TOKEN", str(func(c *Config) *string { return &c.Ingest.FeedToken })},
	{"CHATRAG_POLL_DATABASE", str(func(c *Config) *string { return &c.Ingest.PollDatabase })},
	{"CHATRAG_POLL_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Ingest.PollInterval })},
	{"DB_URI", applyDBURI},
	{"AWS_REGION", func(c *Config, v string) error {
		c.Embedder.Region = v
		c.Generator.Region = v
		return nil
	}},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.LogLevel })},
	{"DEBUG", func(c *Config, v string) error {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		if on {
			c.LogLevel = "debug"
		}
		return nil
	}},
	{"WHATSAPP_BASIC_AUTH_USER", str(func(c *Config) *string { return &c.Server.BasicAuthUser })},
	{"WHATSAPP_BASIC_AUTH_PASSWORD", str(func(c *Config) *string { return &c.Server.BasicAuthPassword })},
	{"ANTHROPIC_API_KEY", str(func(c *Config) *string { return &c.Generator.APIKey })},
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.apply(c, v); err != nil {
			return fmt.Errorf("parse %s: %w", ev.name, err)
		}
	}
	return nil
}

// applyDBURI accepts a postgres URL for the pgvector backend or a sqlite
// path, with or without the sqlite:/// scheme.
func applyDBURI(c *Config, v string) error {
	switch {
	case strings.HasPrefix(v, "postgres://"), strings.HasPrefix(v, "postgresql://"):
		c.Storage.Backend = "pgvector"
		c.Storage.PostgresDSN = v
	case strings.HasPrefix(v, "sqlite:///"):
		c.Storage.SQLitePath = strings.TrimPrefix(v, "sqlite:///")
	case strings.Contains(v, "://"):
		return fmt.Errorf("unsupported database uri %q", v)
	default:
		c.Storage.SQLitePath = v
	}
	return nil
}

func str(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func integer(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func float(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

func duration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}
