// Package tokens estimates model token counts for chunking and prompt
// budgeting.
package tokens

import (
	"fmt"
	"log"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/becomeliminal/chatrag/core"
)

// DefaultEncoding is compatible with current Claude and GPT-4 class models
// closely enough for budgeting.
const DefaultEncoding = "cl100k_base"

func init() {
	// Encodings ship inside the binary; nothing is downloaded at runtime.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Tiktoken counts tokens with a BPE encoding.
type Tiktoken struct {
	encoding *tiktoken.Tiktoken
	mu       sync.Mutex
}

var (
	encoders   = make(map[string]*Tiktoken)
	encodersMu sync.Mutex
)

// NewTiktoken returns a counter for the named encoding. Encoders are cached
// per name since loading the BPE ranks is expensive.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}

	encodersMu.Lock()
	defer encodersMu.Unlock()

	if t, ok := encoders[encoding]; ok {
		return t, nil
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	t := &Tiktoken{encoding: enc}
	encoders[encoding] = t
	return t, nil
}

// Count returns the number of tokens in text.
func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.encoding.Encode(text, nil, nil))
}

// Heuristic approximates tokens as one per four bytes of UTF-8, rounded up.
// It is deterministic and needs no data files.
type Heuristic struct{}

// Count returns the estimated token count.
func (Heuristic) Count(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// New returns a tiktoken counter for encoding, falling back to Heuristic
// when the encoding cannot be loaded.
func New(encoding string) core.TokenCounter {
	t, err := NewTiktoken(encoding)
	if err != nil {
		log.Printf("[TOKENS] Falling back to heuristic counter: %v", err)
		return Heuristic{}
	}
	return t
}

// Fixed is a counter that looks up precomputed counts, falling back to
// Heuristic for unknown texts. Useful when token counts come from elsewhere.
type Fixed map[string]int

// Count returns the recorded count for text.
func (f Fixed) Count(text string) int {
	if n, ok := f[text]; ok {
		return n
	}
	return Heuristic{}.Count(text)
}
