package etl

import (
	"path/filepath"
	"strings"
	"time"
)

// DataRecord represents a single record from the input dataset
type DataRecord struct {
	Text      string `csv:"text" parquet:"text" json:"text"`
	LabelText string `csv:"label_text" parquet:"label_text" json:"label_text"`
	Label     int    `csv:"label" parquet:"label" json:"label"`
}

// ProcessingResult represents the result of processing a dataset
type ProcessingResult struct {
	TotalRecords    int64         `json:"total_records"`
	InvalidRecords  int64         `json:"invalid_records"`
	ProcessedOK     int64         `json:"processed_ok"`
	ProcessedFailed int64         `json:"processed_failed"`
	Duplicates      int64         `json:"duplicates"`
	Duration        time.Duration `json:"duration"`
	EmbeddingTime   time.Duration `json:"embedding_time"`
	DatabaseTime    time.Duration `json:"database_time"`
	Errors          []string      `json:"errors,omitempty"`
}

// Config contains ETL pipeline configuration
type Config struct {
	BatchSize      int           `yaml:"batch_size" mapstructure:"batch_size"`           // 256
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries"`         // 3
	RetryDelay     time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`         // 5s
	ValidateData   bool          `yaml:"validate_data" mapstructure:"validate_data"`     // true
	MaxTextLength  int           `yaml:"max_text_length" mapstructure:"max_text_length"` // 10000
	CreateIndex    bool          `yaml:"create_index" mapstructure:"create_index"`       // true
	ProgressReport int           `yaml:"progress_report" mapstructure:"progress_report"` // 1000
	DryRun         bool          `yaml:"dry_run" mapstructure:"dry_run"`
	Strategy       string        `yaml:"strategy" mapstructure:"strategy"` // overrides pooling.strategy when set
}

// ProcessingStats tracks real-time processing statistics
type ProcessingStats struct {
	StartTime      time.Time `json:"start_time"`
	RecordsRead    int64     `json:"records_read"`
	RecordsValid   int64     `json:"records_valid"`
	RecordsInvalid int64     `json:"records_invalid"`
	EmbeddingsGen  int64     `json:"embeddings_generated"`
	DatabaseWrites int64     `json:"database_writes"`
	CurrentBatch   int64     `json:"current_batch"`
	ProcessingRate float64   `json:"processing_rate"` // records per second
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSON    FileFormat = "json"
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON
	default:
		return FormatCSV
	}
}
