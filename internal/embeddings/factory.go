package embeddings

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/sentence-pooler/internal/pooling"
)

// ServiceConfig contains configuration for building an embedding service
type ServiceConfig struct {
	Model   ModelConfig   `yaml:"model" mapstructure:"model"`
	Pooling PoolingConfig `yaml:"pooling" mapstructure:"pooling"`
}

// Factory creates embedding services based on configuration
type Factory struct {
	logger *zap.Logger
}

// NewFactory creates a new embedding service factory
func NewFactory(logger *zap.Logger) *Factory {
	return &Factory{
		logger: logger,
	}
}

// CreateService builds the configured backend and wraps it in a Service.
// cache may be nil.
func (f *Factory) CreateService(config ServiceConfig, cache Cache) (*Service, error) {
	if err := ValidateServiceConfig(config); err != nil {
		return nil, err
	}

	backend, err := NewBackend(f.logger, &config.Model)
	if err != nil {
		return nil, err
	}
	if config.Model.Backend == "" {
		config.Model.Backend = HashBackend
	}

	service, err := NewService(config.Model, config.Pooling, backend, cache, f.logger)
	if err != nil {
		backend.Close()
		return nil, err
	}

	f.logger.Info("Created embedding service",
		zap.String("backend", string(config.Model.Backend)),
		zap.String("strategy", string(service.DefaultStrategy())))
	return service, nil
}

// ValidateServiceConfig validates the embedding service configuration
func ValidateServiceConfig(config ServiceConfig) error {
	if _, err := ParseBackendType(string(config.Model.Backend)); err != nil {
		return err
	}

	if config.Model.ModelName == "" {
		return fmt.Errorf("%w: model name is required", ErrConfigError)
	}

	if config.Model.MaxLength < 0 {
		return fmt.Errorf("%w: max_length cannot be negative", ErrConfigError)
	}

	if config.Model.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be positive", ErrConfigError)
	}

	if config.Model.HiddenSize < 0 {
		return fmt.Errorf("%w: hidden_size cannot be negative", ErrConfigError)
	}

	if config.Pooling.Strategy != "" {
		if _, err := pooling.ParseStrategy(string(config.Pooling.Strategy)); err != nil {
			return fmt.Errorf("%w: %v", ErrConfigError, err)
		}
	}

	if config.Pooling.Workers < 0 {
		return fmt.Errorf("%w: pooling workers cannot be negative", ErrConfigError)
	}

	return nil
}

// CreateDefaultConfig creates a default configuration for a backend
func CreateDefaultConfig(backend BackendType) ServiceConfig {
	config := ServiceConfig{
		Model: ModelConfig{
			ModelName:    "sentence-transformers/all-MiniLM-L6-v2",
			Backend:      backend,
			HiddenSize:   DefaultHiddenSize,
			MaxLength:    DefaultMaxLength,
			BatchSize:    32,
			ModelTimeout: 30 * time.Second,
		},
		Pooling: PoolingConfig{
			Strategy:  pooling.Mean,
			Workers:   1,
			Normalize: true,
		},
	}

	if backend == OnnxBackendType {
		config.Model.ModelPath = "./models/model.onnx"
		config.Model.VocabPath = "./models/vocab.txt"
	}

	return config
}
