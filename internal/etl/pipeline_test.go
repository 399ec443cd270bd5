package etl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/raaihank/sentence-pooler/internal/embeddings"
	"github.com/raaihank/sentence-pooler/internal/pooling"
	"github.com/raaihank/sentence-pooler/internal/vector"
)

// lengthEmbedder embeds a text as [len(text)] and refuses texts containing "fail"
type lengthEmbedder struct {
	calls int
}

func (e *lengthEmbedder) GenerateBatchEmbeddings(ctx context.Context, texts []string, opts embeddings.Options) (*embeddings.BatchEmbeddingResult, error) {
	e.calls++
	strategy := opts.Strategy
	if strategy == "" {
		strategy = pooling.Mean
	}
	result := &embeddings.BatchEmbeddingResult{
		Embeddings: make([][]float32, len(texts)),
		Strategy:   strategy,
	}
	for i, t := range texts {
		if strings.Contains(t, "fail") {
			result.Failed++
			result.Errors = append(result.Errors, embeddings.ErrInferenceFailed)
			continue
		}
		result.Embeddings[i] = []float32{float32(len(t))}
		result.Successful++
	}
	return result, nil
}

type memoryWriter struct {
	mu        sync.Mutex
	vectors   []*vector.PooledVector
	failTimes int
	calls     int
	indexed   bool
}

func (w *memoryWriter) BatchInsert(ctx context.Context, vectors []*vector.PooledVector) (*vector.BatchInsertResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failTimes > 0 {
		w.failTimes--
		return nil, errors.New("connection reset")
	}
	w.vectors = append(w.vectors, vectors...)
	return &vector.BatchInsertResult{Inserted: int64(len(vectors))}, nil
}

func (w *memoryWriter) CreateIndex(ctx context.Context) error {
	w.indexed = true
	return nil
}

func testConfig() *Config {
	return &Config{
		BatchSize:     2,
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
		ValidateData:  true,
		MaxTextLength: 100,
		CreateIndex:   true,
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestPipeline(t *testing.T, w Writer, e Embedder, config *Config) *Pipeline {
	t.Helper()
	p, err := NewPipeline(w, e, "test-model", true, config, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	return p
}

func TestPipelineCSV(t *testing.T) {
	path := writeFile(t, "data.csv", "text,label_text,label\n"+
		"hello world,greeting,0\n"+
		",empty,0\n"+
		"\"quoted, text\",misc,true\n"+
		"third,misc,2\n"+
		"fourth,misc,1\n")

	writer := &memoryWriter{}
	embedder := &lengthEmbedder{}
	p := newTestPipeline(t, writer, embedder, testConfig())

	result, err := p.ProcessFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ProcessFile failed: %v", err)
	}

	if result.TotalRecords != 5 {
		t.Errorf("Expected 5 records, got %d", result.TotalRecords)
	}
	if result.InvalidRecords != 1 {
		t.Errorf("Expected 1 invalid record, got %d", result.InvalidRecords)
	}
	if result.ProcessedOK != 4 {
		t.Errorf("Expected 4 processed, got %d", result.ProcessedOK)
	}
	if embedder.calls != 2 {
		t.Errorf("Expected 2 embedding batches, got %d", embedder.calls)
	}
	if len(writer.vectors) != 4 {
		t.Fatalf("Expected 4 stored vectors, got %d", len(writer.vectors))
	}

	quoted := writer.vectors[1]
	if quoted.Text != "quoted, text" || quoted.Label != 1 || quoted.LabelText != "misc" {
		t.Errorf("Unexpected parsed record %+v", quoted)
	}
	if quoted.Embedding[0] != float32(len("quoted, text")) {
		t.Errorf("Unexpected embedding %v", quoted.Embedding)
	}
	if quoted.Model != "test-model" || quoted.Strategy != "mean" || !quoted.Normalized {
		t.Errorf("Unexpected provenance %+v", quoted)
	}
	if quoted.TextHash != vector.HashText("quoted, text") {
		t.Error("Expected text hash to be set")
	}
	if writer.vectors[2].Label != 2 {
		t.Errorf("Expected integer label 2, got %d", writer.vectors[2].Label)
	}
	if !writer.indexed {
		t.Error("Expected CreateIndex to run")
	}
}

func TestPipelineCSVHeaderOrder(t *testing.T) {
	path := writeFile(t, "data.csv", "label,text\n1,only text\n")
	writer := &memoryWriter{}
	p := newTestPipeline(t, writer, &lengthEmbedder{}, testConfig())

	if _, err := p.ProcessFile(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	if len(writer.vectors) != 1 || writer.vectors[0].Text != "only text" || writer.vectors[0].Label != 1 {
		t.Errorf("Unexpected vectors %+v", writer.vectors)
	}

	missing := writeFile(t, "bad.csv", "label,body\n1,x\n")
	if _, err := p.ProcessFile(context.Background(), missing); err == nil {
		t.Error("Expected error for CSV without text column")
	}
}

func TestPipelineJSON(t *testing.T) {
	path := writeFile(t, "data.jsonl",
		`{"text":"first","label_text":"a","label":0}`+"\n"+
			`{"text":"second","label_text":"b","label":1}`+"\n"+
			`{"text":"third"}`+"\n")

	writer := &memoryWriter{}
	p := newTestPipeline(t, writer, &lengthEmbedder{}, testConfig())

	result, err := p.ProcessFile(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if result.ProcessedOK != 3 || len(writer.vectors) != 3 {
		t.Errorf("Expected 3 processed, got %d (%d stored)", result.ProcessedOK, len(writer.vectors))
	}
	if writer.vectors[1].LabelText != "b" {
		t.Errorf("Unexpected label text %q", writer.vectors[1].LabelText)
	}
}

func TestPipelineJSONSyntaxError(t *testing.T) {
	path := writeFile(t, "data.json", `{"text":"ok"}`+"\n"+`{"text":`)
	p := newTestPipeline(t, &memoryWriter{}, &lengthEmbedder{}, testConfig())

	if _, err := p.ProcessFile(context.Background(), path); err == nil {
		t.Error("Expected error for truncated JSON")
	}
}

func TestPipelineParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.parquet")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := parquet.NewGenericWriter[DataRecord](f)
	rows := []DataRecord{
		{Text: "parquet one", LabelText: "x", Label: 0},
		{Text: "parquet two", LabelText: "y", Label: 1},
		{Text: "parquet three", LabelText: "z", Label: 0},
	}
	if _, err := w.Write(rows); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	writer := &memoryWriter{}
	p := newTestPipeline(t, writer, &lengthEmbedder{}, testConfig())

	result, err := p.ProcessFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ProcessFile failed: %v", err)
	}
	if result.ProcessedOK != 3 {
		t.Errorf("Expected 3 processed, got %d", result.ProcessedOK)
	}
	if len(writer.vectors) != 3 || writer.vectors[1].Text != "parquet two" || writer.vectors[1].Label != 1 {
		t.Errorf("Unexpected vectors %+v", writer.vectors)
	}
}

func TestPipelineRetries(t *testing.T) {
	t.Run("RecoversWithinRetries", func(t *testing.T) {
		writer := &memoryWriter{failTimes: 2}
		config := testConfig()
		config.BatchSize = 10
		p := newTestPipeline(t, writer, &lengthEmbedder{}, config)

		result, err := p.Process(context.Background(), newJSONReader(strings.NewReader(`{"text":"a"}{"text":"b"}`)))
		if err != nil {
			t.Fatal(err)
		}
		if writer.calls != 3 {
			t.Errorf("Expected 3 insert attempts, got %d", writer.calls)
		}
		if result.ProcessedOK != 2 || result.ProcessedFailed != 0 {
			t.Errorf("Expected 2 ok / 0 failed, got %d / %d", result.ProcessedOK, result.ProcessedFailed)
		}
	})

	t.Run("GivesUp", func(t *testing.T) {
		writer := &memoryWriter{failTimes: 10}
		config := testConfig()
		config.BatchSize = 10
		p := newTestPipeline(t, writer, &lengthEmbedder{}, config)

		result, err := p.Process(context.Background(), newJSONReader(strings.NewReader(`{"text":"a"}`)))
		if err != nil {
			t.Fatal(err)
		}
		if writer.calls != 3 {
			t.Errorf("Expected 3 insert attempts, got %d", writer.calls)
		}
		if result.ProcessedFailed != 1 || len(result.Errors) != 1 {
			t.Errorf("Expected 1 failure, got %d (%v)", result.ProcessedFailed, result.Errors)
		}
	})
}

func TestPipelineEmbeddingFailures(t *testing.T) {
	writer := &memoryWriter{}
	p := newTestPipeline(t, writer, &lengthEmbedder{}, testConfig())

	result, err := p.Process(context.Background(),
		newJSONReader(strings.NewReader(`{"text":"ok"}{"text":"please fail"}{"text":"fine"}`)))
	if err != nil {
		t.Fatal(err)
	}
	if result.ProcessedOK != 2 || result.ProcessedFailed != 1 {
		t.Errorf("Expected 2 ok / 1 failed, got %d / %d", result.ProcessedOK, result.ProcessedFailed)
	}
	if len(writer.vectors) != 2 {
		t.Errorf("Expected 2 stored vectors, got %d", len(writer.vectors))
	}
}

func TestPipelineDryRun(t *testing.T) {
	config := testConfig()
	config.DryRun = true
	config.Strategy = "cls"
	embedder := &lengthEmbedder{}
	p := newTestPipeline(t, nil, embedder, config)

	result, err := p.Process(context.Background(), newJSONReader(strings.NewReader(`{"text":"a"}{"text":"b"}{"text":"c"}`)))
	if err != nil {
		t.Fatal(err)
	}
	if result.ProcessedOK != 3 {
		t.Errorf("Expected 3 processed, got %d", result.ProcessedOK)
	}
	if stats := p.GetStats(); stats.EmbeddingsGen != 3 || stats.DatabaseWrites != 0 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestNewPipelineValidation(t *testing.T) {
	if _, err := NewPipeline(&memoryWriter{}, nil, "m", false, testConfig(), zap.NewNop()); err == nil {
		t.Error("Expected error without embedder")
	}
	if _, err := NewPipeline(nil, &lengthEmbedder{}, "m", false, testConfig(), zap.NewNop()); err == nil {
		t.Error("Expected error without writer outside dry run")
	}

	config := testConfig()
	config.Strategy = "max"
	_, err := NewPipeline(&memoryWriter{}, &lengthEmbedder{}, "m", false, config, zap.NewNop())
	if !errors.Is(err, pooling.ErrUnknownStrategy) {
		t.Errorf("Expected ErrUnknownStrategy, got %v", err)
	}
}

func TestPipelineCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestPipeline(t, &memoryWriter{}, &lengthEmbedder{}, testConfig())
	_, err := p.Process(ctx, newJSONReader(strings.NewReader(`{"text":"a"}`)))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestDetectFileFormat(t *testing.T) {
	tests := map[string]FileFormat{
		"data.csv":        FormatCSV,
		"DATA.PARQUET":    FormatParquet,
		"rows.jsonl":      FormatJSON,
		"rows.json":       FormatJSON,
		"rows.ndjson":     FormatJSON,
		"no_extension":    FormatCSV,
		"dir.v2/data.tsv": FormatCSV,
	}
	for name, want := range tests {
		if got := DetectFileFormat(name); got != want {
			t.Errorf("DetectFileFormat(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestParseLabel(t *testing.T) {
	tests := map[string]int{"1": 1, "0": 0, "true": 1, "FALSE": 0, " 3 ": 3, "": 0, "abc": 0}
	for in, want := range tests {
		if got := parseLabel(in); got != want {
			t.Errorf("parseLabel(%q) = %d, want %d", in, got, want)
		}
	}
}
