//go:build onnx
// +build onnx

package embeddings

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/raaihank/sentence-pooler/internal/pooling"
)

// OnnxBackend implements TransformerBackend using ONNX Runtime (via yalue/onnxruntime_go).
type OnnxBackend struct {
	session    *ort.DynamicAdvancedSession
	inputNames []string
	outputName string
	hidden     int
	logger     *zap.Logger
	ready      bool
	mu         sync.RWMutex
}

// NewTransformerBackend initializes the ONNX Runtime backend. Requires build tag 'onnx'.
func NewTransformerBackend(logger *zap.Logger, modelPath string, hiddenSize int) TransformerBackend {
	if shlib := os.Getenv("ONNXRUNTIME_SHARED_LIB"); shlib != "" {
		ort.SetSharedLibraryPath(shlib)
	} else if shlib := os.Getenv("ORT_SHLIB"); shlib != "" {
		ort.SetSharedLibraryPath(shlib)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		logger.Error("ONNX Runtime environment init failed", zap.Error(err))
		return nil
	}

	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		logger.Error("Failed to inspect ONNX model IO", zap.Error(err), zap.String("model", modelPath))
		return nil
	}

	preferredInputs := []string{"input_ids", "attention_mask", "token_type_ids"}
	available := map[string]string{}
	for _, ii := range inputsInfo {
		available[strings.ToLower(ii.Name)] = ii.Name
	}
	var inputNames []string
	for _, name := range preferredInputs {
		if declared, ok := available[name]; ok {
			inputNames = append(inputNames, declared)
		}
	}
	if len(inputNames) == 0 && len(inputsInfo) > 0 {
		sorted := make([]string, 0, len(inputsInfo))
		for _, ii := range inputsInfo {
			sorted = append(sorted, ii.Name)
		}
		sort.Strings(sorted)
		inputNames = sorted
	}

	if len(outputsInfo) == 0 {
		logger.Error("ONNX model reports no outputs", zap.String("model", modelPath))
		return nil
	}
	// Pooling needs per-token states, not a model-side pooled output
	outputName := outputsInfo[0].Name
	for _, oi := range outputsInfo {
		name := strings.ToLower(oi.Name)
		if name == "last_hidden_state" || name == "token_embeddings" {
			outputName = oi.Name
			break
		}
	}

	sess, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, []string{outputName}, nil)
	if err != nil {
		logger.Error("ONNX Runtime session creation failed", zap.Error(err), zap.String("model", modelPath))
		return nil
	}

	if hiddenSize <= 0 {
		hiddenSize = DefaultHiddenSize
	}

	logger.Info("ONNX Runtime backend ready",
		zap.String("model", modelPath),
		zap.Strings("inputs", inputNames),
		zap.String("output", outputName))
	return &OnnxBackend{
		session:    sess,
		inputNames: inputNames,
		outputName: outputName,
		hidden:     hiddenSize,
		logger:     logger,
		ready:      true,
	}
}

// IsReady reports whether the backend is initialized.
func (b *OnnxBackend) IsReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready && b.session != nil
}

// HiddenSize returns the hidden width observed on the last run, or the
// configured hint before the first run.
func (b *OnnxBackend) HiddenSize() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hidden
}

// Close releases session and environment resources.
func (b *OnnxBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
	ort.DestroyEnvironment()
	b.ready = false
	return nil
}

// Forward runs inference and returns last_hidden_state as (batch, seq, hidden).
func (b *OnnxBackend) Forward(ctx context.Context, batch *TokenizedBatch) (*pooling.TokenEmbeddings, error) {
	if !b.IsReady() {
		return nil, fmt.Errorf("%w: onnx backend not ready", ErrModelNotLoaded)
	}
	if batch.BatchSize == 0 {
		return pooling.NewTokenEmbeddings(0, 0, b.HiddenSize(), nil)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeoutError, ctx.Err())
	default:
	}

	shape := ort.NewShape(int64(batch.BatchSize), int64(batch.SeqLen))
	idsTensor, err := ort.NewTensor[int64](shape, batch.InputIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: input_ids tensor: %v", ErrInferenceFailed, err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor[int64](shape, batch.AttentionMask)
	if err != nil {
		return nil, fmt.Errorf("%w: attention_mask tensor: %v", ErrInferenceFailed, err)
	}
	defer maskTensor.Destroy()
	typeTensor, err := ort.NewTensor[int64](shape, batch.TokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: token_type_ids tensor: %v", ErrInferenceFailed, err)
	}
	defer typeTensor.Destroy()

	inputs := make([]ort.Value, 0, len(b.inputNames))
	for _, rawName := range b.inputNames {
		name := strings.ToLower(rawName)
		switch {
		case strings.Contains(name, "mask") || strings.Contains(name, "attention"):
			inputs = append(inputs, maskTensor)
		case strings.Contains(name, "token_type") || strings.Contains(name, "segment"):
			inputs = append(inputs, typeTensor)
		default:
			inputs = append(inputs, idsTensor)
		}
	}

	outputs := make([]ort.Value, 1)
	if err := b.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("%w: onnx run failed: %v", ErrInferenceFailed, err)
	}
	if outputs[0] == nil {
		return nil, fmt.Errorf("%w: onnx returned no outputs", ErrInferenceFailed)
	}
	defer outputs[0].Destroy()

	outTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%w: unexpected output type (want float32 tensor)", ErrInferenceFailed)
	}
	outShape := outTensor.GetShape()
	if len(outShape) != 3 {
		return nil, fmt.Errorf("%w: output %q has shape %v, want (batch, seq, hidden)",
			ErrInferenceFailed, b.outputName, outShape)
	}

	hidden := int(outShape[2])
	// ORT owns the output buffer; copy before Destroy
	data := make([]float32, len(outTensor.GetData()))
	copy(data, outTensor.GetData())

	embeddings, err := pooling.NewTokenEmbeddings(int(outShape[0]), int(outShape[1]), hidden, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}

	b.mu.Lock()
	b.hidden = hidden
	b.mu.Unlock()

	return embeddings, nil
}
