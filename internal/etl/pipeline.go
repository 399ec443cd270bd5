package etl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/sentence-pooler/internal/embeddings"
	"github.com/raaihank/sentence-pooler/internal/pooling"
	"github.com/raaihank/sentence-pooler/internal/vector"
)

// Embedder produces pooled embeddings for a batch of texts
type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string, opts embeddings.Options) (*embeddings.BatchEmbeddingResult, error)
}

// Writer persists pooled vectors
type Writer interface {
	BatchInsert(ctx context.Context, vectors []*vector.PooledVector) (*vector.BatchInsertResult, error)
	CreateIndex(ctx context.Context) error
}

// Pipeline reads a dataset, pools an embedding for every record and writes
// the results to the vector store.
type Pipeline struct {
	writer    Writer
	embedder  Embedder
	model     string
	normalize bool
	config    *Config
	logger    *zap.Logger
	stats     *ProcessingStats
	mu        sync.RWMutex
}

// NewPipeline creates a new ETL pipeline. writer may be nil in dry-run mode.
func NewPipeline(writer Writer, embedder Embedder, model string, normalize bool, config *Config, logger *zap.Logger) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if writer == nil && !config.DryRun {
		return nil, fmt.Errorf("writer is required unless dry_run is set")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 256
	}
	if config.ProgressReport <= 0 {
		config.ProgressReport = 1000
	}
	if config.MaxTextLength <= 0 {
		config.MaxTextLength = 10000
	}
	if config.Strategy != "" {
		if _, err := pooling.ParseStrategy(config.Strategy); err != nil {
			return nil, err
		}
	}

	return &Pipeline{
		writer:    writer,
		embedder:  embedder,
		model:     model,
		normalize: normalize,
		config:    config,
		logger:    logger,
		stats: &ProcessingStats{
			StartTime: time.Now(),
		},
	}, nil
}

// ProcessFile processes a dataset file (CSV, Parquet, or JSON lines)
func (p *Pipeline) ProcessFile(ctx context.Context, filePath string) (*ProcessingResult, error) {
	format := DetectFileFormat(filePath)
	p.logger.Info("Starting ETL pipeline",
		zap.String("file", filePath),
		zap.String("format", string(format)),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Bool("dry_run", p.config.DryRun))

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s file: %w", format, err)
	}
	defer file.Close()

	var reader RecordReader
	switch format {
	case FormatParquet:
		pr := newParquetReader(file)
		defer pr.Close()
		reader = pr
	case FormatJSON:
		reader = newJSONReader(file)
	default:
		cr, err := newCSVReader(file)
		if err != nil {
			return nil, err
		}
		reader = cr
	}

	return p.Process(ctx, reader)
}

// Process drains reader in batches
func (p *Pipeline) Process(ctx context.Context, reader RecordReader) (*ProcessingResult, error) {
	start := time.Now()
	result := &ProcessingResult{}
	p.resetStats()

	var reportedAt int64
	for {
		select {
		case <-ctx.Done():
			result.Duration = time.Since(start)
			return result, ctx.Err()
		default:
		}

		batch, done, err := p.readBatch(reader, result)
		if err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("failed to read batch: %w", err)
		}

		if len(batch) > 0 {
			if err := p.processBatch(ctx, batch, result); err != nil {
				p.logger.Error("Batch processing failed", zap.Error(err))
				result.ProcessedFailed += int64(len(batch))
				result.Errors = append(result.Errors, err.Error())
			}
		}

		if result.TotalRecords-reportedAt >= int64(p.config.ProgressReport) {
			reportedAt = result.TotalRecords
			p.reportProgress(result)
		}

		if done {
			break
		}
	}

	result.Duration = time.Since(start)

	if p.config.CreateIndex && !p.config.DryRun && result.ProcessedOK > 0 {
		indexStart := time.Now()
		if err := p.writer.CreateIndex(ctx); err != nil {
			p.logger.Warn("Failed to create vector index", zap.Error(err))
		} else {
			p.logger.Info("Vector index step finished", zap.Duration("duration", time.Since(indexStart)))
		}
	}

	p.logger.Info("ETL pipeline completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("invalid_records", result.InvalidRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("duplicates", result.Duplicates),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("embedding_time", result.EmbeddingTime),
		zap.Duration("database_time", result.DatabaseTime))

	return result, nil
}

// readBatch reads up to BatchSize valid records. done reports end of input.
func (p *Pipeline) readBatch(reader RecordReader, result *ProcessingResult) ([]*DataRecord, bool, error) {
	var batch []*DataRecord
	for len(batch) < p.config.BatchSize {
		record, err := reader.Next()
		if err == io.EOF {
			return batch, true, nil
		}
		result.TotalRecords++
		p.mu.Lock()
		p.stats.RecordsRead++
		p.mu.Unlock()

		if errors.Is(err, errSkipRecord) {
			p.logger.Warn("Skipping record", zap.Error(err))
			p.markInvalid(result)
			continue
		}
		if err != nil {
			result.TotalRecords--
			return batch, true, err
		}

		if !p.validateRecord(record) {
			p.markInvalid(result)
			continue
		}
		batch = append(batch, record)
	}
	return batch, false, nil
}

func (p *Pipeline) markInvalid(result *ProcessingResult) {
	result.InvalidRecords++
	p.mu.Lock()
	p.stats.RecordsInvalid++
	p.mu.Unlock()
}

// processBatch embeds one batch and writes it
func (p *Pipeline) processBatch(ctx context.Context, batch []*DataRecord, result *ProcessingResult) error {
	p.mu.Lock()
	p.stats.CurrentBatch++
	p.stats.RecordsValid += int64(len(batch))
	p.mu.Unlock()

	texts := make([]string, len(batch))
	for i, record := range batch {
		texts[i] = record.Text
	}

	embeddingStart := time.Now()
	normalize := p.normalize
	embedded, err := p.embedder.GenerateBatchEmbeddings(ctx, texts, embeddings.Options{
		Strategy:  pooling.Strategy(p.config.Strategy),
		Normalize: &normalize,
	})
	if err != nil {
		return fmt.Errorf("batch embedding generation failed: %w", err)
	}
	result.EmbeddingTime += time.Since(embeddingStart)

	if len(embedded.Embeddings) != len(batch) {
		return fmt.Errorf("embedding count mismatch: got %d, expected %d",
			len(embedded.Embeddings), len(batch))
	}

	vectors := make([]*vector.PooledVector, 0, len(batch))
	for i, record := range batch {
		if embedded.Embeddings[i] == nil {
			continue
		}
		vectors = append(vectors, &vector.PooledVector{
			Text:       record.Text,
			TextHash:   vector.HashText(record.Text),
			Model:      p.model,
			Strategy:   string(embedded.Strategy),
			Normalized: normalize,
			LabelText:  record.LabelText,
			Label:      record.Label,
			Embedding:  embedded.Embeddings[i],
		})
	}
	for _, e := range embedded.Errors {
		result.Errors = append(result.Errors, e.Error())
	}
	failed := int64(len(batch) - len(vectors))
	result.ProcessedFailed += failed

	p.mu.Lock()
	p.stats.EmbeddingsGen += int64(len(vectors))
	p.mu.Unlock()

	if p.config.DryRun || len(vectors) == 0 {
		result.ProcessedOK += int64(len(vectors))
		return nil
	}

	dbStart := time.Now()
	inserted, err := p.insertWithRetry(ctx, vectors)
	result.DatabaseTime += time.Since(dbStart)
	if err != nil {
		result.ProcessedFailed += int64(len(vectors))
		result.Errors = append(result.Errors, err.Error())
		return nil
	}

	result.ProcessedOK += int64(len(vectors))
	result.Duplicates += int64(len(vectors)) - inserted

	p.mu.Lock()
	p.stats.DatabaseWrites += inserted
	p.mu.Unlock()

	p.logger.Debug("Batch processed successfully",
		zap.Int("batch_size", len(batch)),
		zap.Int64("inserted", inserted),
		zap.Int64("failed", failed),
		zap.Duration("embedding_time", dbStart.Sub(embeddingStart)),
		zap.Duration("database_time", time.Since(dbStart)))

	return nil
}

// insertWithRetry retries failed inserts MaxRetries times, RetryDelay apart
func (p *Pipeline) insertWithRetry(ctx context.Context, vectors []*vector.PooledVector) (int64, error) {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			p.logger.Warn("Retrying batch insert",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", p.config.MaxRetries),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(p.config.RetryDelay):
			}
		}

		res, err := p.writer.BatchInsert(ctx, vectors)
		if err == nil {
			return res.Inserted, nil
		}
		lastErr = err
	}
	return 0, fmt.Errorf("database batch insert failed after %d attempts: %w", p.config.MaxRetries+1, lastErr)
}

// validateRecord validates a data record
func (p *Pipeline) validateRecord(record *DataRecord) bool {
	if strings.TrimSpace(record.Text) == "" {
		p.logger.Debug("Invalid record: empty text")
		return false
	}

	if !p.config.ValidateData {
		return true
	}

	if len(record.Text) > p.config.MaxTextLength {
		p.logger.Debug("Invalid record: text too long", zap.Int("length", len(record.Text)))
		return false
	}

	if record.Label < 0 {
		p.logger.Debug("Invalid record: negative label", zap.Int("label", record.Label))
		return false
	}

	return true
}

// reportProgress reports current processing progress
func (p *Pipeline) reportProgress(result *ProcessingResult) {
	p.mu.Lock()
	elapsed := time.Since(p.stats.StartTime)
	if elapsed > 0 {
		p.stats.ProcessingRate = float64(result.TotalRecords) / elapsed.Seconds()
	}
	rate := p.stats.ProcessingRate
	p.mu.Unlock()

	p.logger.Info("Processing progress",
		zap.Int64("records_processed", result.TotalRecords),
		zap.Int64("records_ok", result.ProcessedOK),
		zap.Int64("records_failed", result.ProcessedFailed),
		zap.Float64("rate_per_sec", rate),
		zap.Duration("elapsed", elapsed))
}

// resetStats resets processing statistics
func (p *Pipeline) resetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats = &ProcessingStats{
		StartTime: time.Now(),
	}
}

// GetStats returns current processing statistics
func (p *Pipeline) GetStats() *ProcessingStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := *p.stats
	return &stats
}
