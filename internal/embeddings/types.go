package embeddings

import (
	"time"

	"github.com/raaihank/sentence-pooler/internal/pooling"
)

// ModelConfig contains encoder model configuration
type ModelConfig struct {
	ModelName    string        `yaml:"model_name" mapstructure:"model_name"`       // "sentence-transformers/all-MiniLM-L6-v2"
	Backend      BackendType   `yaml:"backend" mapstructure:"backend"`             // "hash" or "onnx"
	ModelPath    string        `yaml:"model_path" mapstructure:"model_path"`       // "./models/minilm-l6-v2.onnx"
	VocabPath    string        `yaml:"vocab_path" mapstructure:"vocab_path"`       // "./models/vocab.txt"
	HiddenSize   int           `yaml:"hidden_size" mapstructure:"hidden_size"`     // 384, hash backend only
	MaxLength    int           `yaml:"max_length" mapstructure:"max_length"`       // 128
	BatchSize    int           `yaml:"batch_size" mapstructure:"batch_size"`       // 32
	ModelTimeout time.Duration `yaml:"model_timeout" mapstructure:"model_timeout"` // 30s
}

// PoolingConfig controls how token embeddings become sentence embeddings
type PoolingConfig struct {
	Strategy   pooling.Strategy `yaml:"strategy" mapstructure:"strategy"`       // "mean" or "cls"
	Workers    int              `yaml:"workers" mapstructure:"workers"`         // rows pooled concurrently
	StrictMask bool             `yaml:"strict_mask" mapstructure:"strict_mask"` // reject masks outside {0,1}
	Normalize  bool             `yaml:"normalize" mapstructure:"normalize"`     // L2-normalize pooled output
}

// Options overrides the service defaults for a single request
type Options struct {
	Strategy  pooling.Strategy
	Normalize *bool
}

// EmbeddingResult represents the result of embedding generation
type EmbeddingResult struct {
	Embedding   []float32        `json:"embedding"`
	Duration    time.Duration    `json:"duration"`
	TokenCount  int              `json:"token_count"`
	Truncated   bool             `json:"truncated"`
	Strategy    pooling.Strategy `json:"strategy"`
	ServiceType string           `json:"service_type"`
	CacheHit    bool             `json:"cache_hit"`
}

// BatchEmbeddingResult represents the result of batch embedding generation
type BatchEmbeddingResult struct {
	Embeddings  [][]float32      `json:"embeddings"`
	Dimensions  int              `json:"dimensions"`
	Duration    time.Duration    `json:"duration"`
	TotalTokens int              `json:"total_tokens"`
	Successful  int              `json:"successful"`
	Failed      int              `json:"failed"`
	Errors      []error          `json:"errors,omitempty"`
	Strategy    pooling.Strategy `json:"strategy"`
	ServiceType string           `json:"service_type"`
	CacheHits   int              `json:"cache_hits"`
}

// ModelStats represents model performance statistics
type ModelStats struct {
	TotalInferences   int64         `json:"total_inferences"`
	TotalTokens       int64         `json:"total_tokens"`
	SuccessfulRuns    int64         `json:"successful_runs"`
	FailedRuns        int64         `json:"failed_runs"`
	CacheHits         int64         `json:"cache_hits"`
	CacheMisses       int64         `json:"cache_misses"`
	AvgInferenceTime  time.Duration `json:"avg_inference_time"`
	AvgTokensPerText  float64       `json:"avg_tokens_per_text"`
	ModelLoadTime     time.Duration `json:"model_load_time"`
	LastInferenceTime time.Time     `json:"last_inference_time"`
	CacheHitRatio     float64       `json:"cache_hit_ratio"`
	ErrorRate         float64       `json:"error_rate"`
	ServiceType       string        `json:"service_type"`
	StartTime         time.Time     `json:"start_time"`
}

// EmbeddingError defines custom error types
type EmbeddingError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *EmbeddingError) Error() string {
	return e.Message
}

// Common error types
var (
	ErrInvalidInput       = &EmbeddingError{Type: "invalid_input", Message: "invalid input text", Code: 1001}
	ErrModelNotLoaded     = &EmbeddingError{Type: "model_not_loaded", Message: "model not loaded", Code: 1002}
	ErrInferenceFailed    = &EmbeddingError{Type: "inference_failed", Message: "inference failed", Code: 1003}
	ErrCacheError         = &EmbeddingError{Type: "cache_error", Message: "cache operation failed", Code: 1004}
	ErrConfigError        = &EmbeddingError{Type: "config_error", Message: "configuration error", Code: 1005}
	ErrTimeoutError       = &EmbeddingError{Type: "timeout_error", Message: "operation timed out", Code: 1007}
	ErrTokenizationFailed = &EmbeddingError{Type: "tokenization_failed", Message: "tokenization failed", Code: 1008}
)
