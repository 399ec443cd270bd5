package pooling

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Pooler reduces per-token embeddings to one embedding per sequence. The zero
// value pools serially and accepts any integer mask weights. A nil *Pooler
// behaves like the zero value.
//
// A Pooler holds no mutable state and is safe for concurrent use.
type Pooler struct {
	// Workers bounds how many batch rows are pooled concurrently. Values <= 1
	// pool every row on the calling goroutine.
	Workers int

	// StrictMask rejects attention masks containing values other than 0 and 1
	StrictMask bool
}

// Default pools serially with lenient mask handling
var Default = &Pooler{}

// Pool runs the given strategy. The mask is only consulted by Mean.
func (p *Pooler) Pool(strategy Strategy, embeddings *TokenEmbeddings, mask *AttentionMask) (*PooledEmbedding, error) {
	switch strategy {
	case CLS:
		return p.CLS(embeddings)
	case Mean:
		return p.Mean(embeddings, mask)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, string(strategy))
	}
}

// CLS selects the embedding at sequence position 0 of every batch element.
// The result is a copy and never aliases the input.
func (p *Pooler) CLS(embeddings *TokenEmbeddings) (*PooledEmbedding, error) {
	if err := embeddings.validate(); err != nil {
		return nil, err
	}
	if embeddings.SeqLen == 0 && embeddings.Batch > 0 {
		return nil, fmt.Errorf("%w: cannot select position 0 from shape (%d, 0, %d)",
			ErrEmptySequence, embeddings.Batch, embeddings.Hidden)
	}

	out := newPooledEmbedding(embeddings.Batch, embeddings.Hidden)
	p.forEachRow(embeddings.Batch, func(b int) {
		copy(out.row(b), embeddings.At(b, 0))
	})
	return out, nil
}

// Mean computes the attention-mask-weighted average over the sequence axis.
//
// A row whose mask weights sum to zero produces the zero vector: the weight sum
// is clamped to 1 before dividing, so fully padded rows never yield NaN or Inf.
func (p *Pooler) Mean(embeddings *TokenEmbeddings, mask *AttentionMask) (*PooledEmbedding, error) {
	if err := embeddings.validate(); err != nil {
		return nil, err
	}
	if err := mask.validate(); err != nil {
		return nil, err
	}
	if mask.Batch != embeddings.Batch || mask.SeqLen != embeddings.SeqLen {
		return nil, fmt.Errorf("%w: cannot broadcast mask of shape (%d, %d) to embeddings of shape (%d, %d, %d)",
			ErrShapeMismatch, mask.Batch, mask.SeqLen, embeddings.Batch, embeddings.SeqLen, embeddings.Hidden)
	}
	if p != nil && p.StrictMask {
		if err := mask.CheckBinary(); err != nil {
			return nil, err
		}
	}

	out := newPooledEmbedding(embeddings.Batch, embeddings.Hidden)
	p.forEachRow(embeddings.Batch, func(b int) {
		meanRow(out.row(b), embeddings, mask, b)
	})
	return out, nil
}

// meanRow writes the pooled vector of sequence b into dst. Weights are
// identical across the hidden axis, so the weight sum is computed once.
// Zero-weight positions are skipped, so padding never contributes to the
// result even when it holds NaN or Inf.
func meanRow(dst []float32, embeddings *TokenEmbeddings, mask *AttentionMask, b int) {
	weights := mask.Row(b)

	var sum float32
	for l, m := range weights {
		w := float32(m)
		if w == 0 {
			continue
		}
		sum += w
		for h, v := range embeddings.At(b, l) {
			dst[h] += v * w
		}
	}

	if sum == 0 {
		sum = 1 // clamp to avoid division by zero
	}
	for h := range dst {
		dst[h] /= sum
	}
}

// forEachRow calls fn for every batch row. Each call writes a disjoint output
// row, so rows may run concurrently.
func (p *Pooler) forEachRow(batch int, fn func(b int)) {
	if p == nil || p.Workers <= 1 || batch <= 1 {
		for b := 0; b < batch; b++ {
			fn(b)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(p.Workers)
	for b := 0; b < batch; b++ {
		b := b
		g.Go(func() error {
			fn(b)
			return nil
		})
	}
	_ = g.Wait()
}

// PoolCLS selects the summary token with the default pooler
func PoolCLS(embeddings *TokenEmbeddings) (*PooledEmbedding, error) {
	return Default.CLS(embeddings)
}

// PoolMean mean-pools with the default pooler
func PoolMean(embeddings *TokenEmbeddings, mask *AttentionMask) (*PooledEmbedding, error) {
	return Default.Mean(embeddings, mask)
}
