package tokens_test

import (
	"testing"

	"github.com/becomeliminal/chatrag/tokens"
)

func TestHeuristic_Count(t *testing.T) {
	h := tokens.Heuristic{}

	cases := map[string]int{
		"":         0,
		"a":        1,
		"abcd":     1,
		"abcde":    2,
		"12345678": 2,
	}
	for text, want := range cases {
		if got := h.Count(text); got != want {
			t.Errorf("Count(%q) = %d, want %d", text, got, want)
		}
	}
}

func TestTiktoken_Count(t *testing.T) {
	counter, err := tokens.NewTiktoken(tokens.DefaultEncoding)
	if err != nil {
		t.Fatalf("Failed to load encoding: %v", err)
	}

	if got := counter.Count(""); got != 0 {
		t.Errorf("Expected 0 tokens for empty text, got %d", got)
	}

	short := counter.Count("hello")
	long := counter.Count("hello there, this is a considerably longer sentence about lunch plans")
	if short <= 0 {
		t.Errorf("Expected positive token count, got %d", short)
	}
	if long <= short {
		t.Errorf("Expected longer text to have more tokens: short=%d long=%d", short, long)
	}

	again, err := tokens.NewTiktoken(tokens.DefaultEncoding)
	if err != nil {
		t.Fatalf("Failed to load encoding twice: %v", err)
	}
	if again != counter {
		t.Error("Expected encoder to be cached per encoding name")
	}
}

func TestFixed_Count(t *testing.T) {
	f := tokens.Fixed{"chunk a": 50}
	if got := f.Count("chunk a"); got != 50 {
		t.Errorf("Expected recorded count 50, got %d", got)
	}
	if got := f.Count("abcdefgh"); got != 2 {
		t.Errorf("Expected heuristic fallback 2, got %d", got)
	}
}
