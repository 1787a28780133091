package chunker_test

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/becomeliminal/chatrag/chunker"
	"github.com/becomeliminal/chatrag/core"
)

// perLine charges a fixed number of tokens per rendered line, or the
// recorded amount for lines containing a marker.
type perLine struct {
	cost  int
	heavy map[string]int
}

func (p perLine) Count(text string) int {
	for marker, n := range p.heavy {
		if strings.Contains(text, marker) {
			return n
		}
	}
	return p.cost
}

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func msg(id, group string, minute int, text string) core.Message {
	return core.Message{
		ID:        id,
		GroupID:   group,
		SenderID:  "alice",
		Timestamp: base.Add(time.Duration(minute) * time.Minute),
		Text:      text,
	}
}

func conversation(n int) []core.Message {
	msgs := make([]core.Message, n)
	for i := range msgs {
		msgs[i] = msg(fmt.Sprintf("m%d", i+1), "g1", i, fmt.Sprintf("message number %d", i+1))
	}
	return msgs
}

func TestChunker_SplitsOnTokenBudget(t *testing.T) {
	c := chunker.New(
		chunker.WithMaxTokens(25),
		chunker.WithMaxGap(time.Hour),
		chunker.WithTokenCounter(perLine{cost: 10}),
	)

	chunks, err := c.Chunk(conversation(5))
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}

	want := [][]string{{"m1", "m2"}, {"m3", "m4"}, {"m5"}}
	if len(chunks) != len(want) {
		t.Fatalf("Expected %d chunks, got %d", len(want), len(chunks))
	}
	for i, ch := range chunks {
		if !reflect.DeepEqual(ch.SourceMessageIDs, want[i]) {
			t.Errorf("Chunk %d: expected %v, got %v", i, want[i], ch.SourceMessageIDs)
		}
		if ch.TokenCount != 10*len(want[i]) {
			t.Errorf("Chunk %d: expected %d tokens, got %d", i, 10*len(want[i]), ch.TokenCount)
		}
	}
}

func TestChunker_SplitsOnGap(t *testing.T) {
	c := chunker.New(
		chunker.WithMaxTokens(1000),
		chunker.WithMaxGap(30*time.Minute),
		chunker.WithTokenCounter(perLine{cost: 1}),
	)

	msgs := []core.Message{
		msg("m1", "g1", 0, "lunch?"),
		msg("m2", "g1", 5, "sure"),
		msg("m3", "g1", 35, "exactly thirty minutes later is still the same topic"),
		msg("m4", "g1", 120, "new topic after a long silence"),
	}

	chunks, err := c.Chunk(msgs)
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}
	if !reflect.DeepEqual(chunks[0].SourceMessageIDs, []string{"m1", "m2", "m3"}) {
		t.Errorf("Unexpected first chunk: %v", chunks[0].SourceMessageIDs)
	}
	if !chunks[0].TimeRange.Start.Equal(msgs[0].Timestamp) || !chunks[0].TimeRange.End.Equal(msgs[2].Timestamp) {
		t.Errorf("Unexpected time range: %+v", chunks[0].TimeRange)
	}
}

func TestChunker_NeverMixesGroups(t *testing.T) {
	c := chunker.New(chunker.WithTokenCounter(perLine{cost: 1}))

	msgs := []core.Message{
		msg("a1", "ga", 0, "hi"),
		msg("b1", "gb", 1, "hello"),
		msg("a2", "ga", 2, "again"),
	}

	chunks, err := c.Chunk(msgs)
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(chunks))
	}
	for _, ch := range chunks {
		for _, id := range ch.SourceMessageIDs {
			if id[0] != ch.GroupID[1] {
				t.Errorf("Chunk for group %s contains message %s", ch.GroupID, id)
			}
		}
	}
}

func TestChunker_OversizedMessageStandsAlone(t *testing.T) {
	c := chunker.New(
		chunker.WithMaxTokens(20),
		chunker.WithTokenCounter(perLine{cost: 5, heavy: map[string]int{"HUGE": 100}}),
	)

	msgs := []core.Message{
		msg("m1", "g1", 0, "small"),
		msg("m2", "g1", 1, "HUGE wall of text"),
		msg("m3", "g1", 2, "small again"),
	}

	chunks, err := c.Chunk(msgs)
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(chunks))
	}
	if chunks[1].TokenCount != 100 || !strings.Contains(chunks[1].Text, "HUGE wall of text") {
		t.Errorf("Oversized message was altered: %+v", chunks[1])
	}
}

func TestChunker_CoverageAndDeterminism(t *testing.T) {
	c := chunker.New(chunker.WithMaxTokens(33), chunker.WithTokenCounter(perLine{cost: 7}))
	msgs := conversation(23)

	first, err := c.Chunk(msgs)
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}
	second, err := c.Chunk(msgs)
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("Expected identical chunks for identical input")
	}

	var covered []string
	for _, ch := range first {
		covered = append(covered, ch.SourceMessageIDs...)
		if lines := strings.Count(ch.Text, "\n") + 1; lines != len(ch.SourceMessageIDs) {
			t.Errorf("Chunk %s has %d lines for %d messages", ch.ID, lines, len(ch.SourceMessageIDs))
		}
	}
	if len(covered) != len(msgs) {
		t.Fatalf("Expected %d covered messages, got %d", len(msgs), len(covered))
	}
	for i, id := range covered {
		if id != msgs[i].ID {
			t.Fatalf("Coverage mismatch at %d: expected %s, got %s", i, msgs[i].ID, id)
		}
	}
}

func TestChunker_SplitMatchesBatch(t *testing.T) {
	c := chunker.New(chunker.WithMaxTokens(33), chunker.WithTokenCounter(perLine{cost: 7}))
	msgs := conversation(17)

	batch, err := c.Chunk(msgs)
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}

	var (
		incremental []core.Chunk
		pending     []core.Message
	)
	for start := 0; start < len(msgs); start += 3 {
		end := min(start+3, len(msgs))
		closed, open, err := c.Split(append(pending, msgs[start:end]...))
		if err != nil {
			t.Fatalf("Split failed: %v", err)
		}
		incremental = append(incremental, closed...)
		pending = open
	}
	tail, err := c.Chunk(pending)
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}
	incremental = append(incremental, tail...)

	if !reflect.DeepEqual(batch, incremental) {
		t.Errorf("Incremental chunking diverged from batch:\nbatch=%v\nincremental=%v", ids(batch), ids(incremental))
	}
}

func TestChunker_RejectsMalformedInput(t *testing.T) {
	c := chunker.New()

	cases := map[string][]core.Message{
		"duplicate id":  {msg("m1", "g1", 0, "a"), msg("m1", "g1", 1, "b")},
		"out of order":  {msg("m1", "g1", 5, "a"), msg("m2", "g1", 1, "b")},
		"missing group": {msg("m1", "", 0, "a")},
	}
	for name, msgs := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Chunk(msgs)
			if !errors.Is(err, core.ErrInvalidInput) {
				t.Errorf("Expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestRenderLine_FoldsNewlines(t *testing.T) {
	line := chunker.RenderLine(msg("m1", "g1", 0, "first line\nsecond   line"))
	if strings.Contains(line, "\n") {
		t.Errorf("Rendered line contains a newline: %q", line)
	}
	if line != "[2024-03-01 09:00] alice: first line second line" {
		t.Errorf("Unexpected rendering: %q", line)
	}
}

func ids(chunks []core.Chunk) [][]string {
	out := make([][]string, len(chunks))
	for i, ch := range chunks {
		out[i] = ch.SourceMessageIDs
	}
	return out
}
