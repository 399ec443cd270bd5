package pooling

import (
	"fmt"
	"math"
	"strings"
)

// Strategy selects how a sequence of token embeddings is reduced to one vector
type Strategy string

const (
	// CLS takes the embedding at sequence position 0 (the summary token)
	CLS Strategy = "cls"

	// Mean averages the token embeddings whose attention mask is set
	Mean Strategy = "mean"
)

// ParseStrategy converts a strategy name into a Strategy
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(name))) {
	case CLS:
		return CLS, nil
	case Mean:
		return Mean, nil
	default:
		return "", fmt.Errorf("%w: %q (must be one of: cls, mean)", ErrUnknownStrategy, name)
	}
}

// AllStrategies returns every supported strategy
func AllStrategies() []Strategy {
	return []Strategy{CLS, Mean}
}

// String implements fmt.Stringer
func (s Strategy) String() string {
	return string(s)
}

// TokenEmbeddings is a (Batch, SeqLen, Hidden) float32 tensor stored row-major
type TokenEmbeddings struct {
	Batch  int
	SeqLen int
	Hidden int
	Data   []float32
}

// NewTokenEmbeddings wraps data as a (batch, seqLen, hidden) tensor. The data is
// borrowed, not copied.
func NewTokenEmbeddings(batch, seqLen, hidden int, data []float32) (*TokenEmbeddings, error) {
	if batch < 0 || seqLen < 0 || hidden < 0 {
		return nil, fmt.Errorf("%w: negative dimension in shape (%d, %d, %d)", ErrInvalidTensor, batch, seqLen, hidden)
	}
	want, ok := elementCount(batch, seqLen, hidden)
	if _, pooledOK := elementCount(batch, hidden); !ok || !pooledOK {
		return nil, fmt.Errorf("%w: shape (%d, %d, %d) is too large", ErrInvalidTensor, batch, seqLen, hidden)
	}
	if len(data) != want {
		return nil, fmt.Errorf("%w: token embeddings data length %d does not match shape (%d, %d, %d)",
			ErrInvalidTensor, len(data), batch, seqLen, hidden)
	}
	return &TokenEmbeddings{Batch: batch, SeqLen: seqLen, Hidden: hidden, Data: data}, nil
}

// elementCount multiplies dims and reports false if the product overflows int
func elementCount(dims ...int) (int, bool) {
	n := 1
	for _, d := range dims {
		if d != 0 && n > math.MaxInt/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// TokenEmbeddingsFromNested copies a [batch][seq][hidden] slice into a tensor.
// Every sequence must have the same length and every vector the same width.
func TokenEmbeddingsFromNested(nested [][][]float32) (*TokenEmbeddings, error) {
	batch := len(nested)
	if batch == 0 {
		return &TokenEmbeddings{}, nil
	}

	seqLen := len(nested[0])
	hidden := 0
	if seqLen > 0 {
		hidden = len(nested[0][0])
	}

	data := make([]float32, 0, batch*seqLen*hidden)
	for b, seq := range nested {
		if len(seq) != seqLen {
			return nil, fmt.Errorf("%w: sequence %d has length %d, expected %d", ErrInvalidTensor, b, len(seq), seqLen)
		}
		for l, vec := range seq {
			if len(vec) != hidden {
				return nil, fmt.Errorf("%w: token (%d, %d) has width %d, expected %d", ErrInvalidTensor, b, l, len(vec), hidden)
			}
			data = append(data, vec...)
		}
	}

	return &TokenEmbeddings{Batch: batch, SeqLen: seqLen, Hidden: hidden, Data: data}, nil
}

// Shape returns (Batch, SeqLen, Hidden)
func (t *TokenEmbeddings) Shape() [3]int {
	return [3]int{t.Batch, t.SeqLen, t.Hidden}
}

// At returns the hidden vector of token l in sequence b. The slice aliases the
// tensor storage.
func (t *TokenEmbeddings) At(b, l int) []float32 {
	off := (b*t.SeqLen + l) * t.Hidden
	return t.Data[off : off+t.Hidden]
}

func (t *TokenEmbeddings) validate() error {
	if t == nil {
		return fmt.Errorf("%w: token embeddings are nil", ErrInvalidTensor)
	}
	if _, err := NewTokenEmbeddings(t.Batch, t.SeqLen, t.Hidden, t.Data); err != nil {
		return err
	}
	return nil
}

// AttentionMask is a (Batch, SeqLen) tensor marking real tokens with 1 and
// padding with 0.
type AttentionMask struct {
	Batch  int
	SeqLen int
	Data   []int64
}

// NewAttentionMask wraps data as a (batch, seqLen) mask. The data is borrowed.
func NewAttentionMask(batch, seqLen int, data []int64) (*AttentionMask, error) {
	if batch < 0 || seqLen < 0 {
		return nil, fmt.Errorf("%w: negative dimension in shape (%d, %d)", ErrInvalidTensor, batch, seqLen)
	}
	want, ok := elementCount(batch, seqLen)
	if !ok {
		return nil, fmt.Errorf("%w: shape (%d, %d) is too large", ErrInvalidTensor, batch, seqLen)
	}
	if len(data) != want {
		return nil, fmt.Errorf("%w: attention mask data length %d does not match shape (%d, %d)",
			ErrInvalidTensor, len(data), batch, seqLen)
	}
	return &AttentionMask{Batch: batch, SeqLen: seqLen, Data: data}, nil
}

// AttentionMaskFromNested copies a [batch][seq] slice into a mask
func AttentionMaskFromNested(nested [][]int64) (*AttentionMask, error) {
	batch := len(nested)
	if batch == 0 {
		return &AttentionMask{}, nil
	}

	seqLen := len(nested[0])
	data := make([]int64, 0, batch*seqLen)
	for b, row := range nested {
		if len(row) != seqLen {
			return nil, fmt.Errorf("%w: mask row %d has length %d, expected %d", ErrInvalidTensor, b, len(row), seqLen)
		}
		data = append(data, row...)
	}

	return &AttentionMask{Batch: batch, SeqLen: seqLen, Data: data}, nil
}

// Shape returns (Batch, SeqLen)
func (m *AttentionMask) Shape() [2]int {
	return [2]int{m.Batch, m.SeqLen}
}

// Row returns the mask of sequence b. The slice aliases the mask storage.
func (m *AttentionMask) Row(b int) []int64 {
	return m.Data[b*m.SeqLen : (b+1)*m.SeqLen]
}

// ValidTokens counts the positions of sequence b whose mask is non-zero
func (m *AttentionMask) ValidTokens(b int) int {
	n := 0
	for _, v := range m.Row(b) {
		if v != 0 {
			n++
		}
	}
	return n
}

// CheckBinary reports an error if any mask entry is outside {0, 1}
func (m *AttentionMask) CheckBinary() error {
	for i, v := range m.Data {
		if v != 0 && v != 1 {
			return fmt.Errorf("%w: value %d at (%d, %d)", ErrInvalidMask, v, i/m.SeqLen, i%m.SeqLen)
		}
	}
	return nil
}

func (m *AttentionMask) validate() error {
	if m == nil {
		return fmt.Errorf("%w: attention mask is nil", ErrInvalidTensor)
	}
	if _, err := NewAttentionMask(m.Batch, m.SeqLen, m.Data); err != nil {
		return err
	}
	return nil
}

// PooledEmbedding is a freshly allocated (Batch, Hidden) float32 tensor
type PooledEmbedding struct {
	Batch  int
	Hidden int
	Data   []float32
}

func newPooledEmbedding(batch, hidden int) *PooledEmbedding {
	return &PooledEmbedding{
		Batch:  batch,
		Hidden: hidden,
		Data:   make([]float32, batch*hidden),
	}
}

// Shape returns (Batch, Hidden)
func (p *PooledEmbedding) Shape() [2]int {
	return [2]int{p.Batch, p.Hidden}
}

// Row returns a copy of the pooled vector for sequence b
func (p *PooledEmbedding) Row(b int) []float32 {
	out := make([]float32, p.Hidden)
	copy(out, p.row(b))
	return out
}

// Rows returns a copy of every pooled vector
func (p *PooledEmbedding) Rows() [][]float32 {
	rows := make([][]float32, p.Batch)
	for b := range rows {
		rows[b] = p.Row(b)
	}
	return rows
}

func (p *PooledEmbedding) row(b int) []float32 {
	return p.Data[b*p.Hidden : (b+1)*p.Hidden]
}
