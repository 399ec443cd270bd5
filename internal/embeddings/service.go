package embeddings

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/sentence-pooler/internal/pooling"
)

// Service turns texts into sentence embeddings:
// tokenizer -> encoder backend -> pooling -> optional L2 normalization.
// Results are cached by model, strategy, normalization and text.
type Service struct {
	config    ModelConfig
	pooling   PoolingConfig
	logger    *zap.Logger
	tokenizer *Tokenizer
	backend   TransformerBackend
	pooler    *pooling.Pooler
	cache     Cache
	stats     *ModelStats
	mu        sync.RWMutex
	startTime time.Time
}

// NewService wires a backend and an optional cache into an embedding service
func NewService(config ModelConfig, poolCfg PoolingConfig, backend TransformerBackend, cache Cache, logger *zap.Logger) (*Service, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend cannot be nil", ErrConfigError)
	}
	start := time.Now()

	if poolCfg.Strategy == "" {
		poolCfg.Strategy = pooling.Mean
	}
	strategy, err := pooling.ParseStrategy(string(poolCfg.Strategy))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigError, err)
	}
	poolCfg.Strategy = strategy

	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}

	tokenizer, err := NewTokenizer(config.VocabPath, config.MaxLength)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tokenizer: %w", err)
	}

	service := &Service{
		config:    config,
		pooling:   poolCfg,
		logger:    logger,
		tokenizer: tokenizer,
		backend:   backend,
		pooler:    &pooling.Pooler{Workers: poolCfg.Workers, StrictMask: poolCfg.StrictMask},
		cache:     cache,
		startTime: start,
		stats: &ModelStats{
			ServiceType:   string(config.Backend),
			StartTime:     start,
			ModelLoadTime: time.Since(start),
		},
	}

	logger.Info("Embedding service initialized",
		zap.String("model_name", config.ModelName),
		zap.String("backend", string(config.Backend)),
		zap.String("strategy", string(strategy)),
		zap.Bool("normalize", poolCfg.Normalize),
		zap.Int("hidden_size", backend.HiddenSize()),
		zap.Int("max_length", tokenizer.MaxLength()),
		zap.Int("vocab_size", tokenizer.VocabSize()),
		zap.Bool("cache", cache != nil))

	return service, nil
}

// GenerateEmbedding embeds a single text
func (s *Service) GenerateEmbedding(ctx context.Context, text string, opts Options) (*EmbeddingResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrInvalidInput)
	}
	strategy, normalize, err := s.resolve(opts)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	key := s.cacheKey(strategy, normalize, text)

	if cached := s.lookup(ctx, []string{key}); cached[0] != nil {
		s.recordCache(1, 0)
		duration := time.Since(start)
		s.record(1, 0, duration, true)
		return &EmbeddingResult{
			Embedding:   cached[0],
			Duration:    duration,
			Strategy:    strategy,
			ServiceType: string(s.config.Backend),
			CacheHit:    true,
		}, nil
	}
	s.recordCache(0, 1)

	vectors, batch, err := s.embedChunk(ctx, strategy, normalize, []string{text})
	if err != nil {
		s.record(1, 0, time.Since(start), false)
		return nil, err
	}
	s.store(ctx, []string{key}, vectors)

	duration := time.Since(start)
	s.record(1, batch.Lengths[0], duration, true)

	return &EmbeddingResult{
		Embedding:   vectors[0],
		Duration:    duration,
		TokenCount:  batch.Lengths[0],
		Truncated:   batch.Truncated[0],
		Strategy:    strategy,
		ServiceType: string(s.config.Backend),
	}, nil
}

// GenerateBatchEmbeddings embeds texts in chunks of batch_size. A failed chunk
// leaves nil embeddings at its positions and does not abort the rest.
func (s *Service) GenerateBatchEmbeddings(ctx context.Context, texts []string, opts Options) (*BatchEmbeddingResult, error) {
	strategy, normalize, err := s.resolve(opts)
	if err != nil {
		return nil, err
	}
	result := &BatchEmbeddingResult{
		Embeddings:  make([][]float32, len(texts)),
		Dimensions:  s.backend.HiddenSize(),
		Strategy:    strategy,
		ServiceType: string(s.config.Backend),
	}
	if len(texts) == 0 {
		return result, nil
	}

	start := time.Now()

	var pending []int
	keys := make([]string, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("%w: text %d is empty", ErrInvalidInput, i))
			continue
		}
		keys[i] = s.cacheKey(strategy, normalize, text)
		pending = append(pending, i)
	}

	var misses []int
	if len(pending) > 0 {
		lookupKeys := make([]string, len(pending))
		for j, i := range pending {
			lookupKeys[j] = keys[i]
		}
		cached := s.lookup(ctx, lookupKeys)
		for j, i := range pending {
			if cached[j] != nil {
				result.Embeddings[i] = cached[j]
				result.Successful++
				result.CacheHits++
				continue
			}
			misses = append(misses, i)
		}
	}
	s.recordCache(result.CacheHits, len(misses))

	batchSize := s.config.BatchSize
	for lo := 0; lo < len(misses); lo += batchSize {
		hi := lo + batchSize
		if hi > len(misses) {
			hi = len(misses)
		}
		idx := misses[lo:hi]

		select {
		case <-ctx.Done():
			result.Failed += len(idx)
			result.Errors = append(result.Errors,
				fmt.Errorf("%w: batch processing cancelled at item %d", ErrTimeoutError, idx[0]))
			continue
		default:
		}

		chunk := make([]string, len(idx))
		chunkKeys := make([]string, len(idx))
		for j, i := range idx {
			chunk[j] = texts[i]
			chunkKeys[j] = keys[i]
		}

		vectors, batch, err := s.embedChunk(ctx, strategy, normalize, chunk)
		if err != nil {
			s.logger.Error("Failed to process batch", zap.Error(err), zap.Int("batch_start", idx[0]))
			result.Failed += len(idx)
			result.Errors = append(result.Errors, err)
			continue
		}
		for j, i := range idx {
			result.Embeddings[i] = vectors[j]
		}
		result.Successful += len(idx)
		result.TotalTokens += batch.TotalTokens()
		s.store(ctx, chunkKeys, vectors)
	}

	result.Duration = time.Since(start)
	if dims := s.backend.HiddenSize(); dims > 0 {
		result.Dimensions = dims
	}

	s.record(int64(result.Successful), result.TotalTokens, result.Duration, true)
	if result.Failed > 0 {
		s.record(int64(result.Failed), 0, 0, false)
	}

	s.logger.Debug("Batch embedding generation completed",
		zap.Int("batch_size", len(texts)),
		zap.Int("successful", result.Successful),
		zap.Int("failed", result.Failed),
		zap.Int("cache_hits", result.CacheHits),
		zap.String("strategy", string(strategy)),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// embedChunk runs one forward pass and pools its output
func (s *Service) embedChunk(ctx context.Context, strategy pooling.Strategy, normalize bool, texts []string) ([][]float32, *TokenizedBatch, error) {
	if s.config.ModelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ModelTimeout)
		defer cancel()
	}

	batch, err := s.tokenizer.TokenizeBatch(texts)
	if err != nil {
		return nil, nil, err
	}

	hidden, err := s.backend.Forward(ctx, batch)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, nil, fmt.Errorf("%w: %v", ErrTimeoutError, err)
		}
		return nil, nil, fmt.Errorf("failed to run encoder: %w", err)
	}

	mask, err := batch.Mask()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTokenizationFailed, err)
	}

	pooled, err := s.pooler.Pool(strategy, hidden, mask)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: pooling: %w", ErrInferenceFailed, err)
	}

	vectors := pooled.Rows()
	if normalize {
		for i, v := range vectors {
			vectors[i] = NormalizeEmbedding(v)
		}
	}
	return vectors, batch, nil
}

func (s *Service) resolve(opts Options) (pooling.Strategy, bool, error) {
	strategy := s.pooling.Strategy
	if opts.Strategy != "" {
		parsed, err := pooling.ParseStrategy(string(opts.Strategy))
		if err != nil {
			return "", false, err
		}
		strategy = parsed
	}
	normalize := s.pooling.Normalize
	if opts.Normalize != nil {
		normalize = *opts.Normalize
	}
	return strategy, normalize, nil
}

func (s *Service) cacheKey(strategy pooling.Strategy, normalize bool, text string) string {
	hash := sha256.Sum256([]byte(text))
	variant := "raw"
	if normalize {
		variant = "l2"
	}
	return fmt.Sprintf("%s:%s:%s:%x", s.config.ModelName, strategy, variant, hash[:16])
}

// lookup never fails; cache errors are logged and treated as misses
func (s *Service) lookup(ctx context.Context, keys []string) [][]float32 {
	if s.cache == nil {
		return make([][]float32, len(keys))
	}
	cached, err := s.cache.MGet(ctx, keys)
	if err != nil || len(cached) != len(keys) {
		if err != nil {
			s.logger.Warn("Cache lookup failed", zap.Error(err))
		}
		return make([][]float32, len(keys))
	}
	return cached
}

func (s *Service) store(ctx context.Context, keys []string, vectors [][]float32) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetBatch(ctx, keys, vectors); err != nil {
		s.logger.Warn("Failed to cache embeddings", zap.Error(err), zap.Int("count", len(keys)))
	}
}

func (s *Service) record(texts int64, tokens int, duration time.Duration, success bool) {
	if texts == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	updateStats(s.stats, texts, tokens, duration, success)
}

func (s *Service) recordCache(hits, misses int) {
	if s.cache == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.CacheHits += int64(hits)
	s.stats.CacheMisses += int64(misses)
}

// Pooler returns the pooler configured for this service
func (s *Service) Pooler() *pooling.Pooler {
	return s.pooler
}

// DefaultStrategy returns the configured pooling strategy
func (s *Service) DefaultStrategy() pooling.Strategy {
	return s.pooling.Strategy
}

// Dimensions returns the embedding width
func (s *Service) Dimensions() int {
	return s.backend.HiddenSize()
}

// ComputeSimilarity computes cosine similarity between embeddings
func (s *Service) ComputeSimilarity(embedding1, embedding2 []float32) float32 {
	return CosineSimilarity(embedding1, embedding2)
}

// GetStats returns a snapshot of service statistics
func (s *Service) GetStats() *ModelStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := *s.stats
	return &stats
}

// GetModelInfo returns information about the loaded model
func (s *Service) GetModelInfo() map[string]interface{} {
	return map[string]interface{}{
		"model_name":  s.config.ModelName,
		"backend":     s.config.Backend,
		"ready":       s.backend.IsReady(),
		"hidden_size": s.backend.HiddenSize(),
		"max_length":  s.tokenizer.MaxLength(),
		"vocab_size":  s.tokenizer.VocabSize(),
		"strategy":    s.pooling.Strategy,
		"normalize":   s.pooling.Normalize,
		"workers":     s.pooling.Workers,
		"strict_mask": s.pooling.StrictMask,
	}
}

// HealthCheck runs a one-token forward pass through the whole pipeline
func (s *Service) HealthCheck(ctx context.Context) error {
	if !s.backend.IsReady() {
		return fmt.Errorf("%w: backend not ready", ErrModelNotLoaded)
	}
	if _, _, err := s.embedChunk(ctx, s.pooling.Strategy, false, []string{"health"}); err != nil {
		return fmt.Errorf("pipeline health check failed: %w", err)
	}
	return nil
}

// Close releases the backend. The cache is owned by the caller.
func (s *Service) Close() error {
	s.logger.Info("Closing embedding service")
	return s.backend.Close()
}
