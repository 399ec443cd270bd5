package embeddings

import (
	"context"
)

// EmbeddingService defines the interface for sentence embedding services
type EmbeddingService interface {
	GenerateEmbedding(ctx context.Context, text string, opts Options) (*EmbeddingResult, error)
	GenerateBatchEmbeddings(ctx context.Context, texts []string, opts Options) (*BatchEmbeddingResult, error)
	ComputeSimilarity(vec1, vec2 []float32) float32
	GetStats() *ModelStats
	HealthCheck(ctx context.Context) error
	Close() error
}

// Cache stores pooled embeddings by key. A nil entry in MGet's result is a miss.
type Cache interface {
	MGet(ctx context.Context, keys []string) ([][]float32, error)
	SetBatch(ctx context.Context, keys []string, embeddings [][]float32) error
}

// Ensure Service implements the interface
var _ EmbeddingService = (*Service)(nil)
