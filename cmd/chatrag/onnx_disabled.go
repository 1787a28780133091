//go:build !onnx

package main

import (
	"github.com/becomeliminal/chatrag/config"
	"github.com/becomeliminal/chatrag/core"
)

func newONNXEmbedder(config.EmbedderConfig) (core.Embedder, error) {
	return nil, errONNXDisabled
}
