package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/sentence-pooler/internal/embeddings"
	"github.com/raaihank/sentence-pooler/internal/pooling"
	"github.com/raaihank/sentence-pooler/internal/vector"
)

// Store finds stored vectors close to a query embedding
type Store interface {
	FindSimilar(ctx context.Context, embedding []float32, options *vector.SearchOptions) ([]*vector.SimilarityResult, error)
}

// Embedder embeds a single query text
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string, opts embeddings.Options) (*embeddings.EmbeddingResult, error)
}

// Config contains similarity search configuration
type Config struct {
	Limit         int           `yaml:"limit" mapstructure:"limit"`                   // 5
	MaxLimit      int           `yaml:"max_limit" mapstructure:"max_limit"`           // 100
	MinSimilarity float32       `yaml:"min_similarity" mapstructure:"min_similarity"` // 0.7
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`               // 2s
}

// Query is a nearest-neighbour request
type Query struct {
	Text          string           `json:"text"`
	Strategy      pooling.Strategy `json:"strategy,omitempty"`
	Limit         int              `json:"limit,omitempty"`
	MinSimilarity *float32         `json:"min_similarity,omitempty"`
	Label         *int             `json:"label,omitempty"`
}

// Match is one stored sentence close to the query
type Match struct {
	ID         int64   `json:"id"`
	Text       string  `json:"text"`
	LabelText  string  `json:"label_text,omitempty"`
	Label      int     `json:"label"`
	Similarity float32 `json:"similarity"`
}

// Result holds the matches of a query, best first
type Result struct {
	Strategy       pooling.Strategy `json:"strategy"`
	Matches        []Match          `json:"matches"`
	Best           *Match           `json:"best,omitempty"`
	ProcessingTime time.Duration    `json:"processing_time"`
}

// Engine embeds a query with the same model and pooling strategy used at
// ingest time and looks up its neighbours in the vector store.
type Engine struct {
	store    Store
	embedder Embedder
	model    string
	config   *Config
	logger   *zap.Logger
}

// NewEngine creates a new similarity search engine
func NewEngine(store Store, embedder Embedder, model string, config *Config, logger *zap.Logger) *Engine {
	if config == nil {
		config = &Config{}
	}
	if config.Limit <= 0 {
		config.Limit = 5
	}
	if config.MaxLimit <= 0 {
		config.MaxLimit = 100
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	return &Engine{
		store:    store,
		embedder: embedder,
		model:    model,
		config:   config,
		logger:   logger,
	}
}

// Search returns the stored sentences most similar to query.Text. Only rows
// pooled by the same model and strategy are compared.
func (e *Engine) Search(ctx context.Context, query Query) (*Result, error) {
	start := time.Now()
	if strings.TrimSpace(query.Text) == "" {
		return nil, fmt.Errorf("%w: query text cannot be empty", embeddings.ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	embedded, err := e.embedder.GenerateEmbedding(ctx, query.Text, embeddings.Options{Strategy: query.Strategy})
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}

	options := &vector.SearchOptions{
		Limit:         e.limit(query.Limit),
		MinSimilarity: e.config.MinSimilarity,
		Model:         e.model,
		Strategy:      string(embedded.Strategy),
		LabelFilter:   query.Label,
	}
	if query.MinSimilarity != nil {
		options.MinSimilarity = *query.MinSimilarity
	}

	similar, err := e.store.FindSimilar(ctx, embedded.Embedding, options)
	if err != nil {
		return nil, fmt.Errorf("vector similarity search failed: %w", err)
	}

	result := &Result{
		Strategy: embedded.Strategy,
		Matches:  make([]Match, 0, len(similar)),
	}
	for _, s := range similar {
		if s.Vector == nil {
			continue
		}
		result.Matches = append(result.Matches, Match{
			ID:         s.Vector.ID,
			Text:       s.Vector.Text,
			LabelText:  s.Vector.LabelText,
			Label:      s.Vector.Label,
			Similarity: s.Similarity,
		})
	}
	if len(result.Matches) > 0 {
		best := result.Matches[0]
		result.Best = &best
	}
	result.ProcessingTime = time.Since(start)

	e.logger.Debug("Similarity search completed",
		zap.String("strategy", string(result.Strategy)),
		zap.Int("matches", len(result.Matches)),
		zap.Float32("min_similarity", options.MinSimilarity),
		zap.Duration("processing_time", result.ProcessingTime))

	return result, nil
}

func (e *Engine) limit(requested int) int {
	if requested <= 0 {
		return e.config.Limit
	}
	if requested > e.config.MaxLimit {
		return e.config.MaxLimit
	}
	return requested
}
