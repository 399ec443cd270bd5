//go:build !onnx
// +build !onnx

package embeddings

import (
	"go.uber.org/zap"
)

// Stub implementation used when the 'onnx' build tag is not set.
func NewTransformerBackend(logger *zap.Logger, modelPath string, hiddenSize int) TransformerBackend {
	logger.Warn("ONNX backend requested but binary was built without the onnx tag",
		zap.String("model", modelPath))
	return nil
}
