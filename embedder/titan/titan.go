// Package titan embeds text with Amazon Titan Text Embeddings V2 on AWS
// Bedrock.
package titan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/becomeliminal/chatrag/core"
)

// DefaultModelID is Titan Text Embeddings V2.
const DefaultModelID = "amazon.titan-embed-text-v2:0"

// InvokeModelAPI is the slice of the Bedrock runtime client the embedder
// uses.
type InvokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config configures the Titan embedder.
type Config struct {
	// Region is the AWS region hosting Bedrock.
	Region string

	// ModelID is the Bedrock model identifier.
	ModelID string

	// Dimensions is the output size. Titan V2 accepts 256, 512 or 1024.
	Dimensions int

	// Normalize asks Bedrock for unit-length vectors.
	Normalize bool
}

// DefaultConfig matches the region and model the bot was deployed with.
var DefaultConfig = &Config{
	Region:     "eu-central-1",
	ModelID:    DefaultModelID,
	Dimensions: 1024,
	Normalize:  true,
}

// Embedder calls Bedrock InvokeModel once per text.
type Embedder struct {
	client       InvokeModelAPI
	cfg          Config
	modelVersion string
}

type request struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
	Normalize  bool   `json:"normalize"`
}

type response struct {
	Embedding           []float64 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

// New loads AWS credentials from the default chain and creates the
// embedder.
func New(ctx context.Context, cfg *Config) (*Embedder, error) {
	if cfg == nil {
		cfg = DefaultConfig
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithClient(bedrockruntime.NewFromConfig(awsCfg), cfg), nil
}

// NewWithClient creates the embedder on an existing client.
func NewWithClient(client InvokeModelAPI, cfg *Config) *Embedder {
	if cfg == nil {
		cfg = DefaultConfig
	}
	c := *cfg
	if c.ModelID == "" {
		c.ModelID = DefaultModelID
	}
	if c.Dimensions == 0 {
		c.Dimensions = DefaultConfig.Dimensions
	}
	return &Embedder{
		client: client,
		cfg:    c,
		// Titan's output size is a request parameter, so it is part of
		// the version: 512 and 1024 dimension vectors are not comparable.
		modelVersion: fmt.Sprintf("%s@%d", c.ModelID, c.Dimensions),
	}
}

// Embed returns the vector for text. Responses that are empty, non-finite
// or of the wrong size fail with core.ErrMalformedResponse.
func (e *Embedder) Embed(ctx context.Context, text string) (core.Vector, error) {
	if strings.TrimSpace(text) == "" {
		return core.Vector{}, fmt.Errorf("embed empty text: %w", core.ErrInvalidInput)
	}

	body, err := json.Marshal(request{
		InputText:  text,
		Dimensions: e.cfg.Dimensions,
		Normalize:  e.cfg.Normalize,
	})
	if err != nil {
		return core.Vector{}, fmt.Errorf("marshal request: %w", err)
	}

	out, err := e.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(e.cfg.ModelID),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		var validation *types.ValidationException
		if errors.As(err, &validation) {
			return core.Vector{}, fmt.Errorf("invoke %s: %w: %w", e.cfg.ModelID, core.ErrInvalidInput, err)
		}
		return core.Vector{}, fmt.Errorf("invoke %s: %w", e.cfg.ModelID, err)
	}

	var resp response
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return core.Vector{}, fmt.Errorf("decode response: %w: %w", core.ErrMalformedResponse, err)
	}
	values, err := e.validate(resp.Embedding)
	if err != nil {
		return core.Vector{}, err
	}

	log.Printf("[TITAN] Embedded %d input tokens", resp.InputTextTokenCount)
	return core.Vector{Values: values, ModelVersion: e.modelVersion}, nil
}

// Dimensions returns the configured output size.
func (e *Embedder) Dimensions() int {
	return e.cfg.Dimensions
}

// ModelVersion returns the version stamped on every vector.
func (e *Embedder) ModelVersion() string {
	return e.modelVersion
}

func (e *Embedder) validate(raw []float64) ([]float32, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty embedding: %w", core.ErrMalformedResponse)
	}
	if len(raw) != e.cfg.Dimensions {
		return nil, fmt.Errorf("embedding has %d dimensions, requested %d: %w",
			len(raw), e.cfg.Dimensions, core.ErrMalformedResponse)
	}
	values := make([]float32, len(raw))
	for i, v := range raw {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite value at %d: %w", i, core.ErrMalformedResponse)
		}
		values[i] = float32(v)
	}
	return values, nil
}
