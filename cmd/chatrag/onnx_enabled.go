//go:build onnx

package main

import (
	"github.com/becomeliminal/chatrag/config"
	"github.com/becomeliminal/chatrag/core"
	"github.com/becomeliminal/chatrag/embedder/onnx"
)

func newONNXEmbedder(e config.EmbedderConfig) (core.Embedder, error) {
	dims := e.Dimensions
	if dims == config.Default().Embedder.Dimensions {
		dims = onnx.DefaultConfig.Dimensions
	}
	return onnx.New(&onnx.Config{
		SharedLibraryPath: e.ONNX.SharedLibraryPath,
		ModelPath:         e.ONNX.ModelPath,
		TokenizerPath:     e.ONNX.TokenizerPath,
		Dimensions:        dims,
	})
}
