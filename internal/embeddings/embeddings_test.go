package embeddings

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/raaihank/sentence-pooler/internal/pooling"
)

// positionBackend emits value l+1 for every real token at position l and
// 1000 for padding, so pooled outputs are easy to predict.
type positionBackend struct {
	hidden int
	err    error
	calls  int
}

func (b *positionBackend) Forward(ctx context.Context, batch *TokenizedBatch) (*pooling.TokenEmbeddings, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	data := make([]float32, batch.BatchSize*batch.SeqLen*b.hidden)
	for i := 0; i < batch.BatchSize; i++ {
		for l := 0; l < batch.SeqLen; l++ {
			v := float32(l + 1)
			if batch.AttentionMask[i*batch.SeqLen+l] == 0 {
				v = 1000
			}
			for h := 0; h < b.hidden; h++ {
				data[(i*batch.SeqLen+l)*b.hidden+h] = v
			}
		}
	}
	return pooling.NewTokenEmbeddings(batch.BatchSize, batch.SeqLen, b.hidden, data)
}

func (b *positionBackend) HiddenSize() int { return b.hidden }
func (b *positionBackend) IsReady() bool   { return true }
func (b *positionBackend) Close() error    { return nil }

type mapCache struct {
	mu   sync.Mutex
	data map[string][]float32
}

func newMapCache() *mapCache {
	return &mapCache{data: map[string][]float32{}}
}

func (c *mapCache) MGet(ctx context.Context, keys []string) ([][]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]float32, len(keys))
	for i, k := range keys {
		out[i] = c.data[k]
	}
	return out, nil
}

func (c *mapCache) SetBatch(ctx context.Context, keys []string, embeddings [][]float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, k := range keys {
		c.data[k] = embeddings[i]
	}
	return nil
}

func testModelConfig() ModelConfig {
	return ModelConfig{
		ModelName: "test-model",
		Backend:   HashBackend,
		MaxLength: 16,
		BatchSize: 8,
	}
}

func newTestService(t *testing.T, backend TransformerBackend, cache Cache, strategy pooling.Strategy) *Service {
	t.Helper()
	service, err := NewService(testModelConfig(), PoolingConfig{Strategy: strategy}, backend, cache, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	return service
}

func boolPtr(b bool) *bool { return &b }

func mustTokenize(t *testing.T, tok *Tokenizer, texts ...string) *TokenizedBatch {
	t.Helper()
	batch, err := tok.TokenizeBatch(texts)
	if err != nil {
		t.Fatalf("TokenizeBatch failed: %v", err)
	}
	return batch
}

func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// TestTokenizer tests tokenization, padding and mask generation
func TestTokenizer(t *testing.T) {
	t.Run("HashedBatchPadding", func(t *testing.T) {
		tok, err := NewTokenizer("", 16)
		if err != nil {
			t.Fatalf("Failed to create tokenizer: %v", err)
		}

		batch := mustTokenize(t, tok, "hello world", "hi")
		if batch.BatchSize != 2 || batch.SeqLen != 4 {
			t.Fatalf("Expected shape (2, 4), got (%d, %d)", batch.BatchSize, batch.SeqLen)
		}
		if batch.InputIDs[0] != hashedClsID || batch.InputIDs[4] != hashedClsID {
			t.Errorf("Expected [CLS] at position 0 of every row, got %v", batch.InputIDs)
		}
		if batch.InputIDs[3] != hashedSepID || batch.InputIDs[6] != hashedSepID {
			t.Errorf("Expected [SEP] after the last real token, got %v", batch.InputIDs)
		}
		if batch.InputIDs[7] != hashedPadID {
			t.Errorf("Expected [PAD] at padded position, got %d", batch.InputIDs[7])
		}

		wantMask := []int64{1, 1, 1, 1, 1, 1, 1, 0}
		for i, m := range wantMask {
			if batch.AttentionMask[i] != m {
				t.Fatalf("Mask mismatch at %d: got %v, want %v", i, batch.AttentionMask, wantMask)
			}
		}
		if batch.Lengths[0] != 4 || batch.Lengths[1] != 3 {
			t.Errorf("Unexpected lengths %v", batch.Lengths)
		}
		if batch.TotalTokens() != 7 {
			t.Errorf("Expected 7 total tokens, got %d", batch.TotalTokens())
		}

		mask, err := batch.Mask()
		if err != nil {
			t.Fatalf("Mask() failed: %v", err)
		}
		if mask.Shape() != [2]int{2, 4} {
			t.Errorf("Expected mask shape [2 4], got %v", mask.Shape())
		}
	})

	t.Run("HashedIDsDeterministic", func(t *testing.T) {
		tok, _ := NewTokenizer("", 16)
		a, _, _ := tok.Tokenize("Same words")
		b, _, _ := tok.Tokenize("same WORDS")
		if len(a) != len(b) {
			t.Fatalf("Length mismatch: %v vs %v", a, b)
		}
		for i := range a {
			if a[i] != b[i] {
				t.Errorf("Expected case-insensitive IDs, got %v vs %v", a, b)
			}
			if i > 0 && i < len(a)-1 && a[i] < hashedFirstID {
				t.Errorf("Hashed ID %d collides with special token range", a[i])
			}
		}
	})

	t.Run("Truncation", func(t *testing.T) {
		tok, _ := NewTokenizer("", 4)
		ids, truncated, err := tok.Tokenize("a b c d e")
		if err != nil {
			t.Fatal(err)
		}
		if len(ids) != 4 {
			t.Errorf("Expected 4 ids, got %d", len(ids))
		}
		if !truncated {
			t.Error("Expected truncated=true")
		}
		if ids[3] != hashedSepID {
			t.Errorf("Expected [SEP] to survive truncation, got %v", ids)
		}
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		tok, _ := NewTokenizer("", 8)
		batch := mustTokenize(t, tok)
		if batch.BatchSize != 0 || batch.SeqLen != 0 {
			t.Errorf("Expected empty batch, got (%d, %d)", batch.BatchSize, batch.SeqLen)
		}
	})

	t.Run("WordPieceVocab", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "vocab.txt")
		vocabLines := []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "un", "##aff", "##able", "hello"}
		if err := os.WriteFile(path, []byte(strings.Join(vocabLines, "\n")+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}

		tok, err := NewTokenizer(path, 16)
		if err != nil {
			t.Fatalf("Failed to load vocab: %v", err)
		}
		if tok.VocabSize() != len(vocabLines) {
			t.Errorf("Expected vocab size %d, got %d", len(vocabLines), tok.VocabSize())
		}

		ids, _, err := tok.Tokenize("unaffable Hello xyz")
		if err != nil {
			t.Fatalf("Tokenize failed: %v", err)
		}
		want := []int64{2, 4, 5, 6, 7, 1, 3}
		if len(ids) != len(want) {
			t.Fatalf("Got %v, want %v", ids, want)
		}
		for i := range want {
			if ids[i] != want[i] {
				t.Fatalf("Got %v, want %v", ids, want)
			}
		}
	})

	t.Run("VocabMissingSpecialToken", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "vocab.txt")
		if err := os.WriteFile(path, []byte("[PAD]\n[UNK]\nhello\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := NewTokenizer(path, 16)
		if !errors.Is(err, ErrTokenizationFailed) {
			t.Errorf("Expected ErrTokenizationFailed, got %v", err)
		}
	})
}

// TestBasicTokenize tests text cleanup and splitting
func TestBasicTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"punctuation", "Hello, World!", []string{"hello", ",", "world", "!"}},
		{"accents", "Café naïve", []string{"cafe", "naive"}},
		{"whitespace", "  tabs\tand\nnewlines ", []string{"tabs", "and", "newlines"}},
		{"cjk", "我爱", []string{"我", "爱"}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := basicTokenize(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("basicTokenize(%q) = %v, want %v", tt.in, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("basicTokenize(%q) = %v, want %v", tt.in, got, tt.want)
				}
			}
		})
	}
}

// TestHashEncoder tests the deterministic encoder
func TestHashEncoder(t *testing.T) {
	tok, _ := NewTokenizer("", 16)
	enc := NewHashEncoder(32)
	ctx := context.Background()

	t.Run("Shape", func(t *testing.T) {
		batch := mustTokenize(t, tok, "hello world", "hi")
		out, err := enc.Forward(ctx, batch)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if out.Shape() != [3]int{2, 4, 32} {
			t.Errorf("Expected shape [2 4 32], got %v", out.Shape())
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		batch := mustTokenize(t, tok, "the quick brown fox")
		a, _ := enc.Forward(ctx, batch)
		b, _ := NewHashEncoder(32).Forward(ctx, batch)
		for i := range a.Data {
			if a.Data[i] != b.Data[i] {
				t.Fatalf("Encoder not deterministic at %d: %f vs %f", i, a.Data[i], b.Data[i])
			}
		}
	})

	t.Run("SummaryTokenDependsOnText", func(t *testing.T) {
		a, _ := enc.Forward(ctx, mustTokenize(t, tok, "first sentence"))
		b, _ := enc.Forward(ctx, mustTokenize(t, tok, "another one"))
		same := true
		for h := range a.At(0, 0) {
			if a.At(0, 0)[h] != b.At(0, 0)[h] {
				same = false
				break
			}
		}
		if same {
			t.Error("Position 0 should carry sentence context")
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := enc.Forward(cctx, mustTokenize(t, tok, "x"))
		if !errors.Is(err, ErrTimeoutError) {
			t.Errorf("Expected ErrTimeoutError, got %v", err)
		}
	})
}

// TestService tests the tokenize -> encode -> pool pipeline
func TestService(t *testing.T) {
	ctx := context.Background()
	noNorm := Options{Normalize: boolPtr(false)}

	t.Run("MeanIgnoresPadding", func(t *testing.T) {
		service := newTestService(t, &positionBackend{hidden: 4}, nil, pooling.Mean)

		// "hello world" -> 4 tokens, mean of 1..4 = 2.5
		// "hi" -> 3 tokens + 1 padding, mean of 1..3 = 2.0
		result, err := service.GenerateBatchEmbeddings(ctx, []string{"hello world", "hi"}, noNorm)
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		if result.Successful != 2 || result.Failed != 0 {
			t.Fatalf("Expected 2 successes, got %d/%d", result.Successful, result.Failed)
		}
		if result.Dimensions != 4 {
			t.Errorf("Expected 4 dimensions, got %d", result.Dimensions)
		}
		for h, v := range result.Embeddings[0] {
			if v != 2.5 {
				t.Errorf("Row 0 dim %d: got %f, want 2.5", h, v)
			}
		}
		for h, v := range result.Embeddings[1] {
			if v != 2.0 {
				t.Errorf("Row 1 dim %d: got %f, want 2.0", h, v)
			}
		}
		if result.TotalTokens != 7 {
			t.Errorf("Expected 7 tokens, got %d", result.TotalTokens)
		}
	})

	t.Run("CLSSelectsFirstPosition", func(t *testing.T) {
		service := newTestService(t, &positionBackend{hidden: 4}, nil, pooling.CLS)

		result, err := service.GenerateEmbedding(ctx, "a longer sentence here", noNorm)
		if err != nil {
			t.Fatalf("GenerateEmbedding failed: %v", err)
		}
		for h, v := range result.Embedding {
			if v != 1 {
				t.Errorf("dim %d: got %f, want 1", h, v)
			}
		}
		if result.Strategy != pooling.CLS {
			t.Errorf("Expected strategy cls, got %s", result.Strategy)
		}
		if result.TokenCount != 6 {
			t.Errorf("Expected 6 tokens, got %d", result.TokenCount)
		}
	})

	t.Run("StrategyOverride", func(t *testing.T) {
		service := newTestService(t, &positionBackend{hidden: 2}, nil, pooling.CLS)

		result, err := service.GenerateEmbedding(ctx, "hello world", Options{Strategy: "MEAN", Normalize: boolPtr(false)})
		if err != nil {
			t.Fatalf("GenerateEmbedding failed: %v", err)
		}
		if result.Strategy != pooling.Mean || result.Embedding[0] != 2.5 {
			t.Errorf("Expected mean override, got %s %v", result.Strategy, result.Embedding)
		}

		_, err = service.GenerateEmbedding(ctx, "hello", Options{Strategy: "max"})
		if !errors.Is(err, pooling.ErrUnknownStrategy) {
			t.Errorf("Expected ErrUnknownStrategy, got %v", err)
		}
	})

	t.Run("Normalize", func(t *testing.T) {
		service := newTestService(t, NewHashEncoder(64), nil, pooling.Mean)

		result, err := service.GenerateEmbedding(ctx, "normalize me", Options{Normalize: boolPtr(true)})
		if err != nil {
			t.Fatalf("GenerateEmbedding failed: %v", err)
		}
		if n := l2Norm(result.Embedding); math.Abs(n-1) > 1e-5 {
			t.Errorf("Expected unit norm, got %f", n)
		}
	})

	t.Run("EmptyText", func(t *testing.T) {
		service := newTestService(t, &positionBackend{hidden: 2}, nil, pooling.Mean)

		_, err := service.GenerateEmbedding(ctx, "   ", Options{})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Expected ErrInvalidInput, got %v", err)
		}

		result, err := service.GenerateBatchEmbeddings(ctx, []string{"ok", ""}, Options{})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		if result.Successful != 1 || result.Failed != 1 {
			t.Errorf("Expected 1/1, got %d/%d", result.Successful, result.Failed)
		}
		if result.Embeddings[1] != nil {
			t.Error("Expected nil embedding for empty text")
		}
	})

	t.Run("BackendFailure", func(t *testing.T) {
		backend := &positionBackend{hidden: 2, err: ErrInferenceFailed}
		service := newTestService(t, backend, nil, pooling.Mean)

		result, err := service.GenerateBatchEmbeddings(ctx, []string{"a", "b"}, Options{})
		if err != nil {
			t.Fatalf("Batch should report per-item failures, got %v", err)
		}
		if result.Failed != 2 || len(result.Errors) != 1 {
			t.Errorf("Expected 2 failures in 1 error, got %d in %d", result.Failed, len(result.Errors))
		}
		if !errors.Is(result.Errors[0], ErrInferenceFailed) {
			t.Errorf("Expected ErrInferenceFailed, got %v", result.Errors[0])
		}

		stats := service.GetStats()
		if stats.FailedRuns != 2 {
			t.Errorf("Expected 2 failed runs, got %d", stats.FailedRuns)
		}
	})

	t.Run("BatchChunking", func(t *testing.T) {
		backend := &positionBackend{hidden: 2}
		config := testModelConfig()
		config.BatchSize = 2
		service, err := NewService(config, PoolingConfig{Strategy: pooling.Mean}, backend, nil, zap.NewNop())
		if err != nil {
			t.Fatal(err)
		}

		result, err := service.GenerateBatchEmbeddings(ctx, []string{"a", "b", "c", "d", "e"}, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if result.Successful != 5 {
			t.Errorf("Expected 5 successes, got %d", result.Successful)
		}
		if backend.calls != 3 {
			t.Errorf("Expected 3 forward passes, got %d", backend.calls)
		}
	})

	t.Run("Cache", func(t *testing.T) {
		backend := &positionBackend{hidden: 2}
		cache := newMapCache()
		service := newTestService(t, backend, cache, pooling.Mean)

		first, err := service.GenerateEmbedding(ctx, "cached text", noNorm)
		if err != nil {
			t.Fatal(err)
		}
		if first.CacheHit {
			t.Error("First call should miss")
		}

		second, err := service.GenerateEmbedding(ctx, "cached text", noNorm)
		if err != nil {
			t.Fatal(err)
		}
		if !second.CacheHit {
			t.Error("Second call should hit")
		}
		if backend.calls != 1 {
			t.Errorf("Expected 1 forward pass, got %d", backend.calls)
		}

		// A different strategy is a different cache entry
		third, _ := service.GenerateEmbedding(ctx, "cached text", Options{Strategy: pooling.CLS, Normalize: boolPtr(false)})
		if third.CacheHit {
			t.Error("CLS lookup should not reuse the mean entry")
		}

		batch, err := service.GenerateBatchEmbeddings(ctx, []string{"cached text", "fresh"}, noNorm)
		if err != nil {
			t.Fatal(err)
		}
		if batch.CacheHits != 1 {
			t.Errorf("Expected 1 batch cache hit, got %d", batch.CacheHits)
		}

		stats := service.GetStats()
		if stats.CacheHits != 2 || stats.CacheMisses != 3 {
			t.Errorf("Expected 2 hits / 3 misses, got %d / %d", stats.CacheHits, stats.CacheMisses)
		}
	})

	t.Run("HealthCheck", func(t *testing.T) {
		service := newTestService(t, NewHashEncoder(8), nil, pooling.CLS)
		if err := service.HealthCheck(ctx); err != nil {
			t.Errorf("Health check failed: %v", err)
		}
		info := service.GetModelInfo()
		if info["hidden_size"] != 8 {
			t.Errorf("Expected hidden_size 8, got %v", info["hidden_size"])
		}
	})

	t.Run("NilBackend", func(t *testing.T) {
		_, err := NewService(testModelConfig(), PoolingConfig{}, nil, nil, zap.NewNop())
		if !errors.Is(err, ErrConfigError) {
			t.Errorf("Expected ErrConfigError, got %v", err)
		}
	})
}

// TestFactory tests service construction from configuration
func TestFactory(t *testing.T) {
	factory := NewFactory(zap.NewNop())

	t.Run("HashDefault", func(t *testing.T) {
		service, err := factory.CreateService(CreateDefaultConfig(HashBackend), nil)
		if err != nil {
			t.Fatalf("Failed to create service: %v", err)
		}
		defer service.Close()

		if service.Dimensions() != DefaultHiddenSize {
			t.Errorf("Expected %d dimensions, got %d", DefaultHiddenSize, service.Dimensions())
		}
		if service.DefaultStrategy() != pooling.Mean {
			t.Errorf("Expected mean default, got %s", service.DefaultStrategy())
		}

		result, err := service.GenerateEmbedding(context.Background(), "end to end", Options{})
		if err != nil {
			t.Fatalf("GenerateEmbedding failed: %v", err)
		}
		if len(result.Embedding) != DefaultHiddenSize {
			t.Errorf("Expected %d values, got %d", DefaultHiddenSize, len(result.Embedding))
		}
	})

	t.Run("OnnxUnavailable", func(t *testing.T) {
		config := CreateDefaultConfig(OnnxBackendType)
		config.Model.ModelPath = filepath.Join(t.TempDir(), "missing.onnx")
		config.Model.VocabPath = ""
		_, err := factory.CreateService(config, nil)
		if !errors.Is(err, ErrModelNotLoaded) {
			t.Errorf("Expected ErrModelNotLoaded, got %v", err)
		}
	})
}

// TestServiceConfig tests configuration validation
func TestServiceConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ServiceConfig)
		wantErr bool
	}{
		{"default", func(c *ServiceConfig) {}, false},
		{"unknown backend", func(c *ServiceConfig) { c.Model.Backend = "torch" }, true},
		{"missing model name", func(c *ServiceConfig) { c.Model.ModelName = "" }, true},
		{"zero batch size", func(c *ServiceConfig) { c.Model.BatchSize = 0 }, true},
		{"bad strategy", func(c *ServiceConfig) { c.Pooling.Strategy = "max" }, true},
		{"negative workers", func(c *ServiceConfig) { c.Pooling.Workers = -1 }, true},
		{"empty strategy uses default", func(c *ServiceConfig) { c.Pooling.Strategy = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := CreateDefaultConfig(HashBackend)
			tt.mutate(&config)
			err := ValidateServiceConfig(config)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateServiceConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestUtilityFunctions tests vector helpers
func TestUtilityFunctions(t *testing.T) {
	t.Run("NormalizeEmbedding", func(t *testing.T) {
		got := NormalizeEmbedding([]float32{3, 4})
		if math.Abs(float64(got[0])-0.6) > 1e-6 || math.Abs(float64(got[1])-0.8) > 1e-6 {
			t.Errorf("Expected [0.6 0.8], got %v", got)
		}

		zero := []float32{0, 0}
		if out := NormalizeEmbedding(zero); out[0] != 0 || out[1] != 0 {
			t.Errorf("Zero vector should stay zero, got %v", out)
		}
	})

	t.Run("CosineSimilarity", func(t *testing.T) {
		if s := CosineSimilarity([]float32{1, 0}, []float32{1, 0}); math.Abs(float64(s)-1) > 1e-6 {
			t.Errorf("Identical vectors: got %f", s)
		}
		if s := CosineSimilarity([]float32{1, 0}, []float32{0, 1}); s != 0 {
			t.Errorf("Orthogonal vectors: got %f", s)
		}
		if s := CosineSimilarity([]float32{1}, []float32{1, 2}); s != 0 {
			t.Errorf("Mismatched lengths: got %f", s)
		}
	})

	t.Run("ParseBackendType", func(t *testing.T) {
		if b, err := ParseBackendType(""); err != nil || b != HashBackend {
			t.Errorf("Empty backend should default to hash, got %s %v", b, err)
		}
		if _, err := ParseBackendType("gpu"); !errors.Is(err, ErrConfigError) {
			t.Errorf("Expected ErrConfigError, got %v", err)
		}
	})
}
