// Package chunker groups chat messages into size-bounded, time-coherent
// chunks that become the unit of embedding and retrieval.
package chunker

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/becomeliminal/chatrag/core"
	"github.com/becomeliminal/chatrag/tokens"
)

// DefaultMaxTokens is the default token budget of a single chunk.
const DefaultMaxTokens = 512

// DefaultMaxGap is the default silence after which a new chunk starts.
const DefaultMaxGap = 30 * time.Minute

// LineTimeFormat is the timestamp layout used when rendering messages.
const LineTimeFormat = "2006-01-02 15:04"

// Namespace seeds deterministic chunk ids.
var Namespace = uuid.MustParse("a3c1f3a6-2f5e-4c8e-9a5c-6d0b1f7e2c41")

// Chunker splits message sequences into chunks.
// It holds no mutable state and is safe for concurrent use.
type Chunker struct {
	maxTokens int
	maxGap    time.Duration
	counter   core.TokenCounter
}

// Option configures the chunker.
type Option func(*Chunker)

// WithMaxTokens sets the token budget per chunk.
func WithMaxTokens(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithMaxGap sets the largest gap between consecutive messages of one chunk.
// Zero disables gap splitting.
func WithMaxGap(d time.Duration) Option {
	return func(c *Chunker) {
		if d >= 0 {
			c.maxGap = d
		}
	}
}

// WithTokenCounter sets the token estimator.
func WithTokenCounter(counter core.TokenCounter) Option {
	return func(c *Chunker) {
		if counter != nil {
			c.counter = counter
		}
	}
}

// New creates a chunker with the given options.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		maxTokens: DefaultMaxTokens,
		maxGap:    DefaultMaxGap,
		counter:   tokens.Heuristic{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chunk splits messages into chunks covering every message exactly once.
//
// A new chunk starts when adding the next message would exceed the token
// budget, when the gap to the previous message exceeds the gap threshold,
// or when the group changes. A single message larger than the budget
// becomes a chunk of its own; message text is never split.
func (c *Chunker) Chunk(messages []core.Message) ([]core.Chunk, error) {
	closed, open, err := c.Split(messages)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		closed = append(closed, c.build(open))
	}
	return closed, nil
}

// Split works like Chunk but holds back the trailing span, which later
// messages could still extend. Boundaries are decided left to right, so
// re-running Split over the held back span plus new messages yields the
// same chunks a single pass over everything would.
func (c *Chunker) Split(messages []core.Message) (closed []core.Chunk, open []core.Message, err error) {
	if err := validate(messages); err != nil {
		return nil, nil, err
	}

	var (
		current []line
		used    int
	)
	for _, msg := range messages {
		l := c.render(msg)
		if len(current) > 0 && c.breaksBefore(current, used, l) {
			closed = append(closed, c.assemble(current))
			current, used = nil, 0
		}
		current = append(current, l)
		used += l.tokens
	}

	for _, l := range current {
		open = append(open, l.msg)
	}
	return closed, open, nil
}

// line is one rendered message with its token cost.
type line struct {
	msg    core.Message
	text   string
	tokens int
}

func (c *Chunker) render(msg core.Message) line {
	text := RenderLine(msg)
	return line{msg: msg, text: text, tokens: c.counter.Count(text)}
}

func (c *Chunker) breaksBefore(current []line, used int, next line) bool {
	last := current[len(current)-1].msg
	if last.GroupID != next.msg.GroupID {
		return true
	}
	if c.maxGap > 0 && next.msg.Timestamp.Sub(last.Timestamp) > c.maxGap {
		return true
	}
	return used+next.tokens > c.maxTokens
}

func (c *Chunker) build(messages []core.Message) core.Chunk {
	lines := make([]line, len(messages))
	for i, msg := range messages {
		lines[i] = c.render(msg)
	}
	return c.assemble(lines)
}

func (c *Chunker) assemble(lines []line) core.Chunk {
	ids := make([]string, len(lines))
	texts := make([]string, len(lines))
	total := 0
	for i, l := range lines {
		ids[i] = l.msg.ID
		texts[i] = l.text
		total += l.tokens
	}

	first, last := lines[0].msg, lines[len(lines)-1].msg
	return core.Chunk{
		ID:      ChunkID(first.GroupID, ids),
		GroupID: first.GroupID,
		TimeRange: core.TimeRange{
			Start: first.Timestamp,
			End:   last.Timestamp,
		},
		SourceMessageIDs: ids,
		Text:             strings.Join(texts, "\n"),
		TokenCount:       total,
	}
}

// RenderLine renders a message as a single chunk line.
func RenderLine(msg core.Message) string {
	sender := msg.SenderID
	if sender == "" {
		sender = "unknown"
	}
	return fmt.Sprintf("[%s] %s: %s", msg.Timestamp.UTC().Format(LineTimeFormat), sender, foldLines(msg.Text))
}

// ChunkID derives a stable id from the group and member message ids.
func ChunkID(groupID string, messageIDs []string) string {
	name := groupID + "\x00" + strings.Join(messageIDs, "\x00")
	return uuid.NewSHA1(Namespace, []byte(name)).String()
}

// foldLines keeps one message per chunk line.
func foldLines(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func validate(messages []core.Message) error {
	seen := make(map[string]struct{}, len(messages))
	lastSeen := make(map[string]time.Time)
	for _, msg := range messages {
		if err := msg.Validate(); err != nil {
			return err
		}
		if _, dup := seen[msg.ID]; dup {
			return fmt.Errorf("%w: duplicate message id %s", core.ErrInvalidInput, msg.ID)
		}
		seen[msg.ID] = struct{}{}

		if prev, ok := lastSeen[msg.GroupID]; ok && msg.Timestamp.Before(prev) {
			return fmt.Errorf("%w: message %s is out of timestamp order in group %s",
				core.ErrInvalidInput, msg.ID, msg.GroupID)
		}
		lastSeen[msg.GroupID] = msg.Timestamp
	}
	return nil
}
