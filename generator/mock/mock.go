// Package mock provides a scripted generator for tests and offline runs.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Generator records prompts and answers from a script.
type Generator struct {
	mu      sync.Mutex
	prompts []string

	// Respond builds the reply. Nil echoes a fixed answer.
	Respond func(prompt string) (string, error)

	// Delay is applied before answering; a cancelled context aborts it.
	Delay time.Duration
}

// New creates a generator that replies with answer.
func New(answer string) *Generator {
	return &Generator{
		Respond: func(string) (string, error) { return answer, nil },
	}
}

// Generate records prompt, waits Delay, then calls Respond.
func (g *Generator) Generate(ctx context.Context, prompt string, maxOutputTokens int) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	respond := g.Respond
	g.mu.Unlock()

	if g.Delay > 0 {
		select {
		case <-time.After(g.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if respond == nil {
		return "I don't have enough information to answer that.", nil
	}
	return respond(prompt)
}

// Calls reports how many prompts were received.
func (g *Generator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

// LastPrompt returns the most recent prompt.
func (g *Generator) LastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

// Summarizer lists up to five transcript lines from the prompt, which gives
// offline runs a readable result.
func Summarizer(prompt string) (string, error) {
	var picked []string
	for _, line := range strings.Split(prompt, "\n") {
		if strings.HasPrefix(line, "[") && len(picked) < 5 {
			picked = append(picked, "- "+line)
		}
	}
	if len(picked) == 0 {
		return "I don't have enough information to answer that.", nil
	}
	return strings.Join(picked, "\n"), nil
}
