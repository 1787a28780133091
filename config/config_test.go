package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/chatrag/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// unsetAfter removes variables a .env file sets, since godotenv writes them
// to the process environment.
func unsetAfter(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		_, existed := os.LookupEnv(name)
		require.False(t, existed, "%s must not be set for this test", name)
		t.Cleanup(func() { os.Unsetenv(name) })
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "info")
	cfg, err := config.Load("", "")
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Retrieval.TopK)
	assert.Equal(t, 3000, cfg.Pipeline.ContextBudget)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Chunker.MaxGap)
	assert.False(t, cfg.Debug())
}

func TestLoad_MissingFilesAreSkipped(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "none.yaml"), filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
}

func TestLoad_Precedence(t *testing.T) {
	yamlPath := writeFile(t, "chatrag.yaml", `
retrieval:
  top_k: 5
  min_score: 0.5
cache:
  ttl: 2m
chunker:
  max_gap: 45m
pipeline:
  context_budget: 2000
`)
	envPath := writeFile(t, ".env", "CHATRAG_TOP_K=6\nCHATRAG_CONTEXT_BUDGET=1500\n")
	unsetAfter(t, "CHATRAG_TOP_K", "CHATRAG_CONTEXT_BUDGET")
	t.Setenv("CHATRAG_MIN_SCORE", "0.4")

	cfg, err := config.Load(yamlPath, envPath)
	require.NoError(t, err)

	// YAML over defaults.
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 45*time.Minute, cfg.Chunker.MaxGap)
	// .env over YAML.
	assert.Equal(t, 6, cfg.Retrieval.TopK)
	assert.Equal(t, 1500, cfg.Pipeline.ContextBudget)
	// Environment over YAML.
	assert.InDelta(t, 0.4, cfg.Retrieval.MinScore, 1e-9)
	// Untouched defaults survive.
	assert.Equal(t, 512, cfg.Chunker.MaxTokens)
}

func TestLoad_EnvironmentBeatsDotEnv(t *testing.T) {
	envPath := writeFile(t, ".env", "LOG_LEVEL=info\n")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := config.Load("", envPath)
	require.NoError(t, err)
	assert.True(t, cfg.Debug())
}

func TestLoad_BotVariables(t *testing.T) {
	t.Setenv("DB_URI", "postgres://bot:secret@db:5432/bot")
	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("DEBUG", "true")
	t.Setenv("WHATSAPP_BASIC_AUTH_USER", "bot")
	t.Setenv("WHATSAPP_BASIC_AUTH_PASSWORD", "pw")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := config.Load("", "")
	require.NoError(t, err)

	assert.Equal(t, "pgvector", cfg.Storage.Backend)
	assert.Equal(t, "postgres://bot:secret@db:5432/bot", cfg.Storage.PostgresDSN)
	assert.Equal(t, "us-east-1", cfg.Embedder.Region)
	assert.Equal(t, "us-east-1", cfg.Generator.Region)
	assert.True(t, cfg.Debug())
	assert.Equal(t, "bot", cfg.Server.BasicAuthUser)
	assert.Equal(t, "pw", cfg.Server.BasicAuthPassword)
	assert.Equal(t, "sk-test", cfg.Generator.APIKey)
}

func TestLoad_SQLiteURI(t *testing.T) {
	t.Setenv("DB_URI", "sqlite:///data/bot.db")

	cfg, err := config.Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "data/bot.db", cfg.Storage.SQLitePath)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("bad yaml", func(t *testing.T) {
		_, err := config.Load(writeFile(t, "bad.yaml", "retrieval: [1"), "")
		assert.Error(t, err)
	})
	t.Run("bad env number", func(t *testing.T) {
		t.Setenv("CHATRAG_TOP_K", "many")
		_, err := config.Load("", "")
		assert.ErrorContains(t, err, "CHATRAG_TOP_K")
	})
	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("CHATRAG_BACKEND", "cassandra")
		_, err := config.Load("", "")
		assert.ErrorContains(t, err, "cassandra")
	})
	t.Run("unsupported uri", func(t *testing.T) {
		t.Setenv("DB_URI", "mysql://x")
		_, err := config.Load("", "")
		assert.ErrorContains(t, err, "DB_URI")
	})
	t.Run("pgvector without dsn", func(t *testing.T) {
		_, err := config.Load(writeFile(t, "pg.yaml", "storage:\n  backend: pgvector\n"), "")
		assert.ErrorContains(t, err, "postgres_dsn")
	})
}
