package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/raaihank/sentence-pooler/internal/pooling"
)

// contextWeight scales the sequence summary mixed into every real token
const contextWeight = 0.5

// HashEncoder provides fast deterministic token embeddings using
// cryptographic hashing of token IDs.
//
// Each real position receives its token vector, a small positional term and
// the mean of the sequence's token vectors, so position 0 carries a summary of
// the whole text the way a trained [CLS] state does. Padding positions get the
// [PAD] vector and no context.
type HashEncoder struct {
	hidden int
	tokens sync.Map // int64 -> []float32
}

// NewHashEncoder creates a hash encoder emitting vectors of the given width
func NewHashEncoder(hidden int) *HashEncoder {
	return &HashEncoder{hidden: hidden}
}

// Forward computes hidden states for the batch
func (e *HashEncoder) Forward(ctx context.Context, batch *TokenizedBatch) (*pooling.TokenEmbeddings, error) {
	if batch == nil {
		return nil, fmt.Errorf("%w: nil batch", ErrInvalidInput)
	}

	b, l, h := batch.BatchSize, batch.SeqLen, e.hidden
	data := make([]float32, b*l*h)
	summary := make([]float32, h)

	for i := 0; i < b; i++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTimeoutError, ctx.Err())
		default:
		}

		row := batch.InputIDs[i*l : (i+1)*l]
		mask := batch.AttentionMask[i*l : (i+1)*l]

		for k := range summary {
			summary[k] = 0
		}
		var valid float32
		for j, id := range row {
			if mask[j] == 0 {
				continue
			}
			valid++
			for k, v := range e.tokenVector(id) {
				summary[k] += v
			}
		}
		if valid > 0 {
			for k := range summary {
				summary[k] /= valid
			}
		}

		for j, id := range row {
			out := data[(i*l+j)*h : (i*l+j+1)*h]
			copy(out, e.tokenVector(id))
			if mask[j] == 0 {
				continue
			}
			for k := range out {
				out[k] += contextWeight*summary[k] + positional(j, k, h)
			}
		}
	}

	return pooling.NewTokenEmbeddings(b, l, h, data)
}

// tokenVector expands sha256(id || counter) into h values in [-1, 1]
func (e *HashEncoder) tokenVector(id int64) []float32 {
	if v, ok := e.tokens.Load(id); ok {
		return v.([]float32)
	}

	vec := make([]float32, e.hidden)
	var seed [16]byte
	binary.LittleEndian.PutUint64(seed[:8], uint64(id))
	for k := 0; k < e.hidden; {
		binary.LittleEndian.PutUint64(seed[8:], uint64(k))
		sum := sha256.Sum256(seed[:])
		for off := 0; off+4 <= len(sum) && k < e.hidden; off += 4 {
			u := binary.LittleEndian.Uint32(sum[off : off+4])
			vec[k] = float32(u)/float32(math.MaxUint32)*2 - 1
			k++
		}
	}

	actual, _ := e.tokens.LoadOrStore(id, vec)
	return actual.([]float32)
}

// positional is a scaled sinusoidal encoding
func positional(pos, k, hidden int) float32 {
	angle := float64(pos) / math.Pow(10000, float64(2*(k/2))/float64(hidden))
	if k%2 == 0 {
		return float32(0.1 * math.Sin(angle))
	}
	return float32(0.1 * math.Cos(angle))
}

// HiddenSize returns the vector width
func (e *HashEncoder) HiddenSize() int {
	return e.hidden
}

// IsReady always reports true
func (e *HashEncoder) IsReady() bool {
	return true
}

// Close is a no-op
func (e *HashEncoder) Close() error {
	return nil
}
