package onnx_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/becomeliminal/chatrag/embedder/onnx"
)

func writeVocab(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	vocab := `{"model":{"vocab":{"[UNK]":100,"[CLS]":101,"[SEP]":102,"dinner":2000,"at":2001,"play":2002,"##ing":2003,"eight":2004}}}`
	if err := os.WriteFile(path, []byte(vocab), 0o644); err != nil {
		t.Fatalf("Failed to write vocab: %v", err)
	}
	return path
}

func TestTokenizer_WordPiece(t *testing.T) {
	tok, err := onnx.LoadTokenizer(writeVocab(t))
	if err != nil {
		t.Fatalf("Failed to load tokenizer: %v", err)
	}

	got := tok.Tokenize("Dinner at EIGHT, playing xyz!")
	want := []int64{2000, 2001, 2004, 2002, 2003, 100, 100, 100}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestTokenizer_EncodeTruncates(t *testing.T) {
	tok, err := onnx.LoadTokenizer(writeVocab(t))
	if err != nil {
		t.Fatalf("Failed to load tokenizer: %v", err)
	}

	got := tok.Encode("dinner at eight dinner at eight", 5)
	want := []int64{101, 2000, 2001, 2004, 102}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestLoadTokenizer_Errors(t *testing.T) {
	if _, err := onnx.LoadTokenizer(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "empty.json")
	os.WriteFile(path, []byte(`{"model":{"vocab":{}}}`), 0o644)
	if _, err := onnx.LoadTokenizer(path); err == nil {
		t.Error("Expected error for empty vocab")
	}
}
