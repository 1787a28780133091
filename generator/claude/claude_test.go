package claude_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/becomeliminal/chatrag/core"
	"github.com/becomeliminal/chatrag/generator/claude"
)

func newServer(t *testing.T, status int, body string, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if seen != nil {
			raw, _ := io.ReadAll(r.Body)
			json.Unmarshal(raw, seen)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newGenerator(t *testing.T, url string) *claude.Generator {
	t.Helper()
	g, err := claude.New(context.Background(), &claude.Config{
		APIKey:  "test-key",
		BaseURL: url,
		Model:   "claude-test",
	})
	if err != nil {
		t.Fatalf("Failed to create generator: %v", err)
	}
	return g
}

const okBody = `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
"content":[{"type":"text","text":"Dinner is at eight."}],
"stop_reason":"end_turn","usage":{"input_tokens":12,"output_tokens":5}}`

func TestGenerate(t *testing.T) {
	var seen map[string]any
	srv := newServer(t, http.StatusOK, okBody, &seen)
	g := newGenerator(t, srv.URL)

	out, err := g.Generate(context.Background(), "When is dinner?", 256)
	if err != nil {
		t.Fatalf("Failed to generate: %v", err)
	}
	if out != "Dinner is at eight." {
		t.Errorf("Unexpected output %q", out)
	}

	if seen["model"] != "claude-test" || seen["max_tokens"] != float64(256) {
		t.Errorf("Unexpected request: %v", seen)
	}
	system, _ := seen["system"].([]any)
	if len(system) != 1 {
		t.Fatalf("Expected one system block, got %v", seen["system"])
	}
	if !strings.Contains(system[0].(map[string]any)["text"].(string), "enough information") {
		t.Error("Expected default system prompt")
	}
}

func TestGenerate_TruncatedIsMalformed(t *testing.T) {
	body := strings.Replace(okBody, `"end_turn"`, `"max_tokens"`, 1)
	g := newGenerator(t, newServer(t, http.StatusOK, body, nil).URL)

	_, err := g.Generate(context.Background(), "q", 5)
	if !errors.Is(err, core.ErrMalformedResponse) {
		t.Errorf("Expected ErrMalformedResponse, got %v", err)
	}
}

func TestGenerate_EmptyIsMalformed(t *testing.T) {
	body := strings.Replace(okBody, `"Dinner is at eight."`, `"  "`, 1)
	g := newGenerator(t, newServer(t, http.StatusOK, body, nil).URL)

	_, err := g.Generate(context.Background(), "q", 64)
	if !errors.Is(err, core.ErrMalformedResponse) {
		t.Errorf("Expected ErrMalformedResponse, got %v", err)
	}
}

func TestGenerate_StatusClassification(t *testing.T) {
	errBody := `{"type":"error","error":{"type":"x","message":"nope"}}`

	g := newGenerator(t, newServer(t, http.StatusBadRequest, errBody, nil).URL)
	if _, err := g.Generate(context.Background(), "q", 64); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("Expected 400 to be permanent, got %v", err)
	}

	g = newGenerator(t, newServer(t, http.StatusTooManyRequests, errBody, nil).URL)
	_, err := g.Generate(context.Background(), "q", 64)
	if err == nil || errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("Expected 429 to stay retryable, got %v", err)
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := claude.New(context.Background(), &claude.Config{Provider: "openai"})
	if !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}
