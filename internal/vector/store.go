package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

// maxRowsPerInsert keeps multi-row inserts below the 65535 bind parameter limit
const maxRowsPerInsert = 1000

// Store handles pooled embedding storage with PostgreSQL + pgvector
type Store struct {
	db     *sqlx.DB
	table  string
	logger *zap.Logger
}

// Config contains database configuration
type Config struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	Table           string        `yaml:"table" mapstructure:"table"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// storedRow mirrors a table row
type storedRow struct {
	PooledVector
	Vector pgvector.Vector `db:"embedding"`
}

// NewStore creates a new vector store instance
func NewStore(config *Config, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	table := config.Table
	if table == "" {
		table = "pooled_embeddings"
	}
	if !validIdentifier(table) {
		db.Close()
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	store := &Store{
		db:     db,
		table:  table,
		logger: logger,
	}

	if err := store.ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("Vector store initialized successfully",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.String("table", table),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns))

	return store, nil
}

func (s *Store) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// EnsureSchema installs pgvector and creates the embeddings table for the
// given dimensionality.
func (s *Store) EnsureSchema(ctx context.Context, dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("dimensions must be positive, got %d", dimensions)
	}

	statements := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			text TEXT NOT NULL,
			text_hash TEXT NOT NULL,
			model TEXT NOT NULL,
			strategy TEXT NOT NULL,
			normalized BOOLEAN NOT NULL DEFAULT FALSE,
			label_text TEXT NOT NULL DEFAULT '',
			label INTEGER NOT NULL DEFAULT 0,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (text_hash, model, strategy, normalized)
		)`, s.table, dimensions),
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	s.logger.Info("Vector schema ready", zap.String("table", s.table), zap.Int("dimensions", dimensions))
	return nil
}

// Insert adds or refreshes a pooled vector
func (s *Store) Insert(ctx context.Context, vector *PooledVector) error {
	if vector.TextHash == "" {
		vector.TextHash = HashText(vector.Text)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (text, text_hash, model, strategy, normalized, label_text, label, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (text_hash, model, strategy, normalized)
		DO UPDATE SET embedding = EXCLUDED.embedding, label_text = EXCLUDED.label_text,
			label = EXCLUDED.label, updated_at = NOW()
		RETURNING id, created_at, updated_at`, s.table)

	err := s.db.QueryRowxContext(ctx, query,
		vector.Text,
		vector.TextHash,
		vector.Model,
		vector.Strategy,
		vector.Normalized,
		vector.LabelText,
		vector.Label,
		pgvector.NewVector(vector.Embedding),
	).Scan(&vector.ID, &vector.CreatedAt, &vector.UpdatedAt)

	if err != nil {
		s.logger.Error("Failed to insert vector",
			zap.Error(err),
			zap.String("strategy", vector.Strategy),
			zap.String("label_text", vector.LabelText))
		return fmt.Errorf("failed to insert vector: %w", err)
	}

	s.logger.Debug("Vector inserted successfully",
		zap.Int64("id", vector.ID),
		zap.String("strategy", vector.Strategy))

	return nil
}

// BatchInsert adds multiple vectors with multi-row inserts. Existing rows for
// the same text, model, strategy and normalization are left untouched.
func (s *Store) BatchInsert(ctx context.Context, vectors []*PooledVector) (*BatchInsertResult, error) {
	result := &BatchInsertResult{}
	if len(vectors) == 0 {
		return result, nil
	}

	start := time.Now()

	for lo := 0; lo < len(vectors); lo += maxRowsPerInsert {
		hi := lo + maxRowsPerInsert
		if hi > len(vectors) {
			hi = len(vectors)
		}
		chunk := vectors[lo:hi]

		query, args := buildInsertQuery(s.table, chunk)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			result.Failed += int64(len(chunk))
			result.Errors = append(result.Errors, err)
			s.logger.Error("Batch insert failed", zap.Error(err), zap.Int("chunk_start", lo))
			continue
		}

		inserted, err := res.RowsAffected()
		if err != nil {
			s.logger.Warn("Could not get rows affected", zap.Error(err))
			inserted = int64(len(chunk))
		}
		result.Inserted += inserted
	}

	result.Duration = time.Since(start)
	duplicates := int64(len(vectors)) - result.Inserted - result.Failed

	s.logger.Info("Batch insert completed",
		zap.Int64("inserted", result.Inserted),
		zap.Int64("duplicates_skipped", duplicates),
		zap.Int64("failed", result.Failed),
		zap.Duration("duration", result.Duration))

	if len(result.Errors) > 0 && result.Inserted == 0 {
		return result, fmt.Errorf("batch insert failed: %w", result.Errors[0])
	}
	return result, nil
}

func buildInsertQuery(table string, vectors []*PooledVector) (string, []interface{}) {
	const cols = 8
	valueStrings := make([]string, 0, len(vectors))
	args := make([]interface{}, 0, len(vectors)*cols)

	for i, v := range vectors {
		if v.TextHash == "" {
			v.TextHash = HashText(v.Text)
		}
		placeholders := make([]string, cols)
		for c := range placeholders {
			placeholders[c] = "$" + strconv.Itoa(i*cols+c+1)
		}
		valueStrings = append(valueStrings, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			v.Text,
			v.TextHash,
			v.Model,
			v.Strategy,
			v.Normalized,
			v.LabelText,
			v.Label,
			pgvector.NewVector(v.Embedding),
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (text, text_hash, model, strategy, normalized, label_text, label, embedding)
		VALUES %s
		ON CONFLICT (text_hash, model, strategy, normalized) DO NOTHING`,
		table, strings.Join(valueStrings, ","))

	return query, args
}

// FindSimilar finds vectors closest to the given embedding by cosine distance
func (s *Store) FindSimilar(ctx context.Context, embedding []float32, options *SearchOptions) ([]*SimilarityResult, error) {
	if options == nil {
		options = &SearchOptions{
			Limit:         5,
			MinSimilarity: 0.7,
		}
	}
	if options.Limit <= 0 {
		options.Limit = 5
	}

	query, args := buildSearchQuery(s.table, pgvector.NewVector(embedding), options)

	start := time.Now()
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("Similarity search failed", zap.Error(err))
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	defer rows.Close()

	var results []*SimilarityResult
	for rows.Next() {
		var row struct {
			storedRow
			Similarity float32 `db:"similarity"`
			Distance   float32 `db:"distance"`
		}
		if err := rows.StructScan(&row); err != nil {
			s.logger.Error("Failed to scan similarity result", zap.Error(err))
			continue
		}

		vector := row.PooledVector
		vector.Embedding = row.Vector.Slice()

		results = append(results, &SimilarityResult{
			Vector:     &vector,
			Similarity: row.Similarity,
			Distance:   row.Distance,
		})
	}
	if err := rows.Err(); err != nil {
		return results, fmt.Errorf("similarity search failed: %w", err)
	}

	s.logger.Debug("Similarity search completed",
		zap.Int("results", len(results)),
		zap.Duration("duration", time.Since(start)),
		zap.Float32("min_similarity", options.MinSimilarity))

	return results, nil
}

func buildSearchQuery(table string, embedding pgvector.Vector, options *SearchOptions) (string, []interface{}) {
	whereClause := "WHERE (1 - (embedding <=> $1)) >= $2"
	args := []interface{}{embedding, options.MinSimilarity}
	argIndex := 3

	if options.Model != "" {
		whereClause += fmt.Sprintf(" AND model = $%d", argIndex)
		args = append(args, options.Model)
		argIndex++
	}

	if options.Strategy != "" {
		whereClause += fmt.Sprintf(" AND strategy = $%d", argIndex)
		args = append(args, options.Strategy)
		argIndex++
	}

	if options.LabelFilter != nil {
		whereClause += fmt.Sprintf(" AND label = $%d", argIndex)
		args = append(args, *options.LabelFilter)
		argIndex++
	}

	query := fmt.Sprintf(`
		SELECT
			id, text, text_hash, model, strategy, normalized, label_text, label,
			embedding, created_at, updated_at,
			(1 - (embedding <=> $1)) AS similarity,
			(embedding <=> $1) AS distance
		FROM %s
		%s
		ORDER BY embedding <=> $1
		LIMIT $%d`, table, whereClause, argIndex)

	args = append(args, options.Limit)
	return query, args
}

// GetStats returns database statistics
func (s *Store) GetStats(ctx context.Context) (*VectorStats, error) {
	stats := &VectorStats{ByStrategy: map[string]int64{}}

	query := fmt.Sprintf(`SELECT COUNT(*), COUNT(DISTINCT model) FROM %s`, s.table)
	if err := s.db.QueryRowxContext(ctx, query).Scan(&stats.TotalVectors, &stats.Models); err != nil {
		return nil, fmt.Errorf("failed to get vector stats: %w", err)
	}

	var perStrategy []struct {
		Strategy string `db:"strategy"`
		Count    int64  `db:"count"`
	}
	query = fmt.Sprintf(`SELECT strategy, COUNT(*) AS count FROM %s GROUP BY strategy`, s.table)
	if err := s.db.SelectContext(ctx, &perStrategy, query); err != nil {
		return nil, fmt.Errorf("failed to get strategy stats: %w", err)
	}
	for _, p := range perStrategy {
		stats.ByStrategy[p.Strategy] = p.Count
	}

	return stats, nil
}

// CreateIndex creates the vector similarity index for better performance
func (s *Store) CreateIndex(ctx context.Context) error {
	var count int64
	if err := s.db.GetContext(ctx, &count, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)); err != nil {
		return fmt.Errorf("failed to count vectors: %w", err)
	}

	if count < 1000 {
		s.logger.Info("Skipping index creation, not enough vectors", zap.Int64("count", count))
		return nil
	}

	s.logger.Info("Creating vector similarity index...", zap.Int64("vector_count", count))

	query := fmt.Sprintf(`
		CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_%s_embedding
		ON %s USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`, s.table, s.table)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}

	s.logger.Info("Vector similarity index created successfully")
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HashText returns the dedup key for a text
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func validIdentifier(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z'):
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// maskDatabaseURL masks the password in a database URL for logging
func maskDatabaseURL(url string) string {
	scheme := strings.Index(url, "://")
	at := strings.LastIndex(url, "@")
	if scheme < 0 || at < scheme {
		return url
	}
	userinfo := url[scheme+3 : at]
	colon := strings.Index(userinfo, ":")
	if colon < 0 {
		return url
	}
	return url[:scheme+3] + userinfo[:colon+1] + "***" + url[at:]
}
