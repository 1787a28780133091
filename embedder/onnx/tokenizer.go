package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Special token ids of the bert-base-uncased vocabulary.
const (
	unkID = 100
	clsID = 101
	sepID = 102
)

// Tokenizer is a lower-casing WordPiece tokenizer driven by the vocab of a
// Hugging Face tokenizer.json.
type Tokenizer struct {
	vocab map[string]int
}

// LoadTokenizer reads the vocabulary from tokenizer.json.
func LoadTokenizer(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}

	var file struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tokenizer: %w", err)
	}
	if len(file.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer %s has no vocab", path)
	}
	return &Tokenizer{vocab: file.Model.Vocab}, nil
}

// Encode returns [CLS] tokens [SEP], truncated to maxLen ids.
func (t *Tokenizer) Encode(text string, maxLen int) []int64 {
	ids := []int64{clsID}
	for _, id := range t.Tokenize(text) {
		if len(ids) == maxLen-1 {
			break
		}
		ids = append(ids, id)
	}
	return append(ids, sepID)
}

// Tokenize converts text to WordPiece ids without special tokens.
func (t *Tokenizer) Tokenize(text string) []int64 {
	var ids []int64
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]")
		if word == "" {
			continue
		}
		if id, ok := t.vocab[word]; ok {
			ids = append(ids, int64(id))
			continue
		}
		for _, piece := range t.wordPieces(word) {
			id, ok := t.vocab[piece]
			if !ok {
				id = unkID
			}
			ids = append(ids, int64(id))
		}
	}
	return ids
}

// wordPieces splits word greedily into the longest known prefixes;
// continuation pieces carry the ## marker.
func (t *Tokenizer) wordPieces(word string) []string {
	var pieces []string
	start := 0
	for start < len(word) {
		end := len(word)
		found := false
		for end > start {
			sub := word[start:end]
			if start > 0 {
				sub = "##" + sub
			}
			if _, ok := t.vocab[sub]; ok {
				pieces = append(pieces, sub)
				start = end
				found = true
				break
			}
			end--
		}
		if !found {
			pieces = append(pieces, "[UNK]")
			start++
		}
	}
	return pieces
}
