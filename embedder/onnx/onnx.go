//go:build onnx

// Package onnx embeds text locally with an all-MiniLM-L6-v2 ONNX export.
// Build with -tags onnx; the ONNX Runtime shared library must be installed.
package onnx

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/becomeliminal/chatrag/core"
)

// ModelVersion identifies vectors from the bundled MiniLM model.
const ModelVersion = "all-MiniLM-L6-v2"

// Config configures the ONNX embedder.
type Config struct {
	// SharedLibraryPath locates libonnxruntime. Empty uses the loader's
	// default search path.
	SharedLibraryPath string

	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the tokenizer.json file.
	TokenizerPath string

	// Dimensions is the embedding vector size.
	Dimensions int

	// MaxSequenceLength bounds the token window, [CLS] and [SEP] included.
	MaxSequenceLength int
}

// DefaultConfig holds the MiniLM shape.
var DefaultConfig = &Config{
	Dimensions:        384,
	MaxSequenceLength: 128,
}

var initOnce sync.Once
var initErr error

// Embedder runs mean-pooled MiniLM inference.
type Embedder struct {
	mu        sync.Mutex
	session   *ort.DynamicAdvancedSession
	tokenizer *Tokenizer
	cfg       Config
}

// New initializes ONNX Runtime and opens the model.
func New(cfg *Config) (*Embedder, error) {
	if cfg == nil || cfg.ModelPath == "" {
		return nil, fmt.Errorf("model path is required: %w", core.ErrInvalidInput)
	}
	c := *cfg
	if c.Dimensions == 0 {
		c.Dimensions = DefaultConfig.Dimensions
	}
	if c.MaxSequenceLength == 0 {
		c.MaxSequenceLength = DefaultConfig.MaxSequenceLength
	}

	initOnce.Do(func() {
		if c.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(c.SharedLibraryPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("initialize onnx runtime: %w", initErr)
	}

	tokenizer, err := LoadTokenizer(c.TokenizerPath)
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(c.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	log.Printf("[ONNX] Loaded %s (%d dimensions)", c.ModelPath, c.Dimensions)
	return &Embedder{session: session, tokenizer: tokenizer, cfg: c}, nil
}

// Embed returns the unit-length mean-pooled embedding of text.
func (e *Embedder) Embed(ctx context.Context, text string) (core.Vector, error) {
	if err := ctx.Err(); err != nil {
		return core.Vector{}, err
	}

	maxLen := e.cfg.MaxSequenceLength
	ids := e.tokenizer.Encode(text, maxLen)

	inputIDs := make([]int64, maxLen)
	attention := make([]int64, maxLen)
	typeIDs := make([]int64, maxLen)
	copy(inputIDs, ids)
	for i := range ids {
		attention[i] = 1
	}

	shape := ort.NewShape(1, int64(maxLen))
	var inputs []ort.Value
	for _, data := range [][]int64{inputIDs, attention, typeIDs} {
		tensor, err := ort.NewTensor(shape, data)
		if err != nil {
			return core.Vector{}, fmt.Errorf("create input tensor: %w", err)
		}
		defer tensor.Destroy()
		inputs = append(inputs, tensor)
	}

	outputs := []ort.Value{nil}
	e.mu.Lock()
	err := e.session.Run(inputs, outputs)
	e.mu.Unlock()
	if err != nil {
		return core.Vector{}, fmt.Errorf("run inference: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return core.Vector{}, fmt.Errorf("unexpected output tensor type: %w", core.ErrMalformedResponse)
	}

	values, err := e.pool(out.GetShape(), out.GetData(), attention)
	if err != nil {
		return core.Vector{}, err
	}
	return core.Vector{Values: values, ModelVersion: ModelVersion}, nil
}

// pool averages the hidden states of attended tokens. Exports that already
// pool return [1, hidden].
func (e *Embedder) pool(shape ort.Shape, data []float32, attention []int64) ([]float32, error) {
	dim := e.cfg.Dimensions
	embedding := make([]float32, dim)

	switch len(shape) {
	case 2:
		if len(data) < dim {
			return nil, fmt.Errorf("output has %d values, want %d: %w", len(data), dim, core.ErrMalformedResponse)
		}
		copy(embedding, data[:dim])
	case 3:
		seqLen, hidden := int(shape[1]), int(shape[2])
		if shape[0] != 1 || hidden != dim {
			return nil, fmt.Errorf("output shape %v, want [1 _ %d]: %w", shape, dim, core.ErrMalformedResponse)
		}
		var attended float32
		for i := 0; i < seqLen; i++ {
			if attention[i] == 0 {
				continue
			}
			attended++
			row := data[i*hidden : (i+1)*hidden]
			for j, v := range row {
				embedding[j] += v
			}
		}
		for j := range embedding {
			embedding[j] /= attended
		}
	default:
		return nil, fmt.Errorf("unexpected output shape %v: %w", shape, core.ErrMalformedResponse)
	}

	var norm float64
	for _, v := range embedding {
		norm += float64(v) * float64(v)
	}
	if norm == 0 || math.IsNaN(norm) {
		return nil, fmt.Errorf("degenerate embedding: %w", core.ErrMalformedResponse)
	}
	scale := float32(1 / math.Sqrt(norm))
	for j := range embedding {
		embedding[j] *= scale
	}
	return embedding, nil
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.cfg.Dimensions
}

// ModelVersion returns the version stamped on every vector.
func (e *Embedder) ModelVersion() string {
	return ModelVersion
}

// Close releases the ONNX session.
func (e *Embedder) Close() error {
	if e.session == nil {
		return nil
	}
	return e.session.Destroy()
}
