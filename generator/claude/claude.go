// Package claude generates answers with Anthropic's Messages API, either
// directly or through AWS Bedrock.
package claude

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/becomeliminal/chatrag/core"
)

// DefaultSystemPrompt frames every generation.
const DefaultSystemPrompt = `You summarize and answer questions about a group chat.
Use only the conversation excerpts provided in the prompt.
If the excerpts say no relevant context was found, or do not contain the answer, reply exactly:
"I don't have enough information to answer that."
Be concise. Refer to people by the names shown in the excerpts.`

// Config configures the generator.
type Config struct {
	// Provider is "anthropic" or "bedrock".
	Provider string

	// APIKey authenticates against the Anthropic API. Empty falls back to
	// ANTHROPIC_API_KEY.
	APIKey string

	// Region is the AWS region for the bedrock provider.
	Region string

	// Model is the model identifier for the chosen provider.
	Model string

	// System is the system prompt.
	System string

	// BaseURL overrides the API endpoint.
	BaseURL string
}

// DefaultConfig talks to the Anthropic API.
var DefaultConfig = &Config{
	Provider: "anthropic",
	Model:    "claude-sonnet-4-20250514",
	Region:   "eu-central-1",
	System:   DefaultSystemPrompt,
}

// DefaultBedrockModel is the Bedrock inference profile for the default model.
const DefaultBedrockModel = "eu.anthropic.claude-sonnet-4-20250514-v1:0"

// Generator calls Messages.New once per prompt. Retries are left to the
// caller, so the SDK's own retry loop is disabled.
type Generator struct {
	client anthropic.Client
	model  string
	system string
}

// New creates a generator for cfg.Provider.
func New(ctx context.Context, cfg *Config) (*Generator, error) {
	if cfg == nil {
		cfg = DefaultConfig
	}
	c := *cfg
	if c.System == "" {
		c.System = DefaultSystemPrompt
	}

	opts := []option.RequestOption{option.WithMaxRetries(0)}
	switch c.Provider {
	case "", "anthropic":
		if c.Model == "" {
			c.Model = DefaultConfig.Model
		}
		if c.APIKey != "" {
			opts = append(opts, option.WithAPIKey(c.APIKey))
		}
	case "bedrock":
		if c.Model == "" {
			c.Model = DefaultBedrockModel
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, config.WithRegion(c.Region)))
	default:
		return nil, fmt.Errorf("unknown provider %q: %w", c.Provider, core.ErrInvalidInput)
	}
	if c.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.BaseURL))
	}

	log.Printf("[CLAUDE] Using provider=%s model=%s", c.Provider, c.Model)
	return &Generator{
		client: anthropic.NewClient(opts...),
		model:  c.Model,
		system: c.System,
	}, nil
}

// Generate returns the model's text for prompt. A response cut off by the
// output limit, or one without text, fails with core.ErrMalformedResponse so
// partial output is never used. Requests the API rejects outright fail with
// core.ErrInvalidInput.
func (g *Generator) Generate(ctx context.Context, prompt string, maxOutputTokens int) (string, error) {
	resp, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: int64(maxOutputTokens),
		System: []anthropic.TextBlockParam{
			{Text: g.system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) && permanent(apiErr.StatusCode) {
			return "", fmt.Errorf("claude API rejected request: %w: %w", core.ErrInvalidInput, err)
		}
		return "", fmt.Errorf("claude API error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	out := strings.TrimSpace(text.String())

	switch {
	case resp.StopReason == anthropic.StopReasonMaxTokens:
		return "", fmt.Errorf("response truncated at %d tokens: %w", maxOutputTokens, core.ErrMalformedResponse)
	case out == "":
		return "", fmt.Errorf("response has no text (stop_reason=%s): %w", resp.StopReason, core.ErrMalformedResponse)
	}

	log.Printf("[CLAUDE] Generated %d chars (in=%d out=%d tokens)",
		len(out), resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return out, nil
}

// permanent reports client errors that a retry cannot fix.
func permanent(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return false
	}
	return status >= 400 && status < 500
}
