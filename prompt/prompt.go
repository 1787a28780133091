// Package prompt turns retrieved chunks into generator prompts under a
// token budget.
package prompt

import (
	"fmt"
	"strings"

	"github.com/becomeliminal/chatrag/core"
	"github.com/becomeliminal/chatrag/tokens"
)

// NoContextMarker stands in for the excerpts when nothing relevant was
// retrieved, so the model can say it lacks information instead of guessing.
const NoContextMarker = "[no relevant context found]"

// NoInformationAnswer is the reply the model is told to give when the
// excerpts cannot answer the question.
const NoInformationAnswer = "I don't have enough information to answer that."

// Context is the assembled excerpt block.
type Context struct {
	// Text is the excerpts, or NoContextMarker.
	Text string

	// ChunkIDs lists the chunks included, in order.
	ChunkIDs []string

	// Tokens is the budget consumed by the excerpts.
	Tokens int
}

// Empty reports whether no chunk made it into the context.
func (c Context) Empty() bool {
	return len(c.ChunkIDs) == 0
}

// Assembler packs chunks into a Context.
type Assembler struct {
	counter core.TokenCounter
}

// NewAssembler creates an assembler counting tokens with counter. A nil
// counter uses the heuristic estimate.
func NewAssembler(counter core.TokenCounter) *Assembler {
	if counter == nil {
		counter = tokens.Heuristic{}
	}
	return &Assembler{counter: counter}
}

// Assemble includes chunks in the given order until the next one would
// exceed budget, then stops; chunks are never cut. Messages already
// included through an earlier chunk are dropped from later ones before
// their cost is counted, and a chunk with nothing new is skipped.
func (a *Assembler) Assemble(chunks []core.Chunk, budget int) Context {
	var (
		parts []string
		ids   []string
		used  int
	)
	seen := make(map[string]struct{})

	for _, chunk := range chunks {
		text, cost, ok := a.fresh(chunk, seen)
		if !ok {
			continue
		}
		if used+cost > budget {
			break
		}
		for _, id := range chunk.SourceMessageIDs {
			seen[id] = struct{}{}
		}
		parts = append(parts, text)
		ids = append(ids, chunk.ID)
		used += cost
	}

	if len(parts) == 0 {
		return Context{Text: NoContextMarker}
	}
	return Context{Text: strings.Join(parts, "\n\n"), ChunkIDs: ids, Tokens: used}
}

// fresh returns the part of chunk not yet seen and its token cost. Chunks
// whose text does not carry one line per source message (topics) are taken
// whole.
func (a *Assembler) fresh(chunk core.Chunk, seen map[string]struct{}) (string, int, bool) {
	lines := strings.Split(chunk.Text, "\n")
	if len(chunk.SourceMessageIDs) == 0 || len(lines) != len(chunk.SourceMessageIDs) {
		return chunk.Text, a.cost(chunk), chunk.Text != ""
	}

	kept := make([]string, 0, len(lines))
	for i, id := range chunk.SourceMessageIDs {
		if _, dup := seen[id]; !dup {
			kept = append(kept, lines[i])
		}
	}
	switch len(kept) {
	case 0:
		return "", 0, false
	case len(lines):
		return chunk.Text, a.cost(chunk), true
	}

	cost := 0
	for _, l := range kept {
		cost += a.counter.Count(l)
	}
	return strings.Join(kept, "\n"), cost, true
}

func (a *Assembler) cost(chunk core.Chunk) int {
	if chunk.TokenCount > 0 {
		return chunk.TokenCount
	}
	return a.counter.Count(chunk.Text)
}

// Build renders the prompt for answering question from c.
func Build(question string, c Context) string {
	return fmt.Sprintf(`Below are excerpts from a group chat, one message per line as "[time] sender: text".
If the excerpts are %s or do not contain the answer, reply exactly: %q

<excerpts>
%s
</excerpts>

Question: %s`, NoContextMarker, NoInformationAnswer, c.Text, strings.TrimSpace(question))
}

// SummaryQuestion is the question used for cache keys of summaries.
const SummaryQuestion = "summarize the conversation"

// BuildSummary renders the prompt for summarizing c.
func BuildSummary(c Context) string {
	return fmt.Sprintf(`Below are excerpts from a group chat, one message per line as "[time] sender: text".
If the excerpts are %s, reply exactly: %q

<excerpts>
%s
</excerpts>

Summarize the conversation: the main topics, decisions made, and open questions, as short bullet points.`,
		NoContextMarker, NoInformationAnswer, c.Text)
}
