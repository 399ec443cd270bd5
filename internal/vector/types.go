package vector

import (
	"time"
)

// PooledVector is a stored sentence embedding with its provenance
type PooledVector struct {
	ID         int64     `db:"id" json:"id"`
	Text       string    `db:"text" json:"text"`
	TextHash   string    `db:"text_hash" json:"text_hash"`
	Model      string    `db:"model" json:"model"`
	Strategy   string    `db:"strategy" json:"strategy"`
	Normalized bool      `db:"normalized" json:"normalized"`
	LabelText  string    `db:"label_text" json:"label_text"`
	Label      int       `db:"label" json:"label"`
	Embedding  []float32 `db:"-" json:"embedding"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// SimilarityResult represents a vector similarity search result
type SimilarityResult struct {
	Vector     *PooledVector `json:"vector"`
	Similarity float32       `json:"similarity"`
	Distance   float32       `json:"distance"`
}

// SearchOptions contains options for vector similarity search
type SearchOptions struct {
	Limit         int     `json:"limit"`
	MinSimilarity float32 `json:"min_similarity"`
	Model         string  `json:"model,omitempty"`
	Strategy      string  `json:"strategy,omitempty"`
	LabelFilter   *int    `json:"label_filter,omitempty"`
}

// VectorStats represents database statistics
type VectorStats struct {
	TotalVectors int64            `json:"total_vectors"`
	ByStrategy   map[string]int64 `json:"by_strategy"`
	Models       int64            `json:"models"`
}

// BatchInsertResult represents the result of a batch insert operation
type BatchInsertResult struct {
	Inserted int64         `json:"inserted"`
	Failed   int64         `json:"failed"`
	Duration time.Duration `json:"duration"`
	Errors   []error       `json:"errors,omitempty"`
}
