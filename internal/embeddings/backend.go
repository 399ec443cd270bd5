package embeddings

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/raaihank/sentence-pooler/internal/pooling"
)

// BackendType selects the encoder implementation
type BackendType string

const (
	// HashBackend derives token vectors deterministically from token IDs
	HashBackend BackendType = "hash"

	// OnnxBackendType runs a transformer through ONNX Runtime (build tag 'onnx')
	OnnxBackendType BackendType = "onnx"
)

// DefaultHiddenSize matches all-MiniLM-L6-v2
const DefaultHiddenSize = 384

// TransformerBackend defines a pluggable encoder. Implementations may use ONNX
// Runtime, TensorRT, or other engines.
type TransformerBackend interface {
	// Forward runs a single inference for a tokenized batch and returns the
	// per-token hidden states with shape (BatchSize, SeqLen, HiddenSize).
	Forward(ctx context.Context, batch *TokenizedBatch) (*pooling.TokenEmbeddings, error)
	// HiddenSize returns the width of each token vector.
	HiddenSize() int
	// IsReady returns whether the backend is initialized and ready.
	IsReady() bool
	// Close releases any native resources.
	Close() error
}

// ParseBackendType maps a config value to a BackendType
func ParseBackendType(name string) (BackendType, error) {
	switch BackendType(name) {
	case HashBackend, OnnxBackendType:
		return BackendType(name), nil
	case "":
		return HashBackend, nil
	default:
		return "", fmt.Errorf("%w: unknown backend %q (must be one of: hash, onnx)", ErrConfigError, name)
	}
}

// NewBackend creates the encoder selected by config. The ONNX backend is only
// available in builds with the 'onnx' tag.
func NewBackend(logger *zap.Logger, config *ModelConfig) (TransformerBackend, error) {
	backendType, err := ParseBackendType(string(config.Backend))
	if err != nil {
		return nil, err
	}

	switch backendType {
	case OnnxBackendType:
		if config.ModelPath == "" {
			return nil, fmt.Errorf("%w: model_path is required for the onnx backend", ErrConfigError)
		}
		backend := NewTransformerBackend(logger, config.ModelPath, config.HiddenSize)
		if backend == nil {
			return nil, fmt.Errorf("%w: onnx backend unavailable (build with -tags onnx)", ErrModelNotLoaded)
		}
		return backend, nil
	default:
		hidden := config.HiddenSize
		if hidden <= 0 {
			hidden = DefaultHiddenSize
		}
		return NewHashEncoder(hidden), nil
	}
}
