package embeddings

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/raaihank/sentence-pooler/internal/pooling"
)

// DefaultMaxLength is the sequence cap used when none is configured
const DefaultMaxLength = 128

// TokenizedBatch holds token IDs for a batch of texts padded to the longest
// sequence. All slices are flat: [BatchSize * SeqLen].
type TokenizedBatch struct {
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64
	BatchSize     int
	SeqLen        int
	Lengths       []int  // real tokens per text, including [CLS] and [SEP]
	Truncated     []bool // whether the text was cut at MaxLength
}

// Mask returns the attention mask as a pooling tensor. The mask data is shared
// with the batch.
func (b *TokenizedBatch) Mask() (*pooling.AttentionMask, error) {
	return pooling.NewAttentionMask(b.BatchSize, b.SeqLen, b.AttentionMask)
}

// TotalTokens sums the real token counts over the batch
func (b *TokenizedBatch) TotalTokens() int {
	n := 0
	for _, l := range b.Lengths {
		n += l
	}
	return n
}

// Tokenizer performs BERT-style WordPiece tokenization
type Tokenizer struct {
	vocab     *vocab
	maxLength int
}

// NewTokenizer loads vocabPath, or uses hashed token IDs when it is empty
func NewTokenizer(vocabPath string, maxLength int) (*Tokenizer, error) {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if maxLength < 2 {
		return nil, fmt.Errorf("%w: max_length must leave room for [CLS] and [SEP]", ErrConfigError)
	}

	v := hashedVocab()
	if vocabPath != "" {
		loaded, err := loadVocab(vocabPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTokenizationFailed, err)
		}
		v = loaded
	}

	return &Tokenizer{vocab: v, maxLength: maxLength}, nil
}

// MaxLength returns the sequence cap including special tokens
func (t *Tokenizer) MaxLength() int {
	return t.maxLength
}

// VocabSize returns the number of token IDs the tokenizer can emit
func (t *Tokenizer) VocabSize() int {
	return t.vocab.size
}

// Tokenize converts one text into [CLS] tokens... [SEP], unpadded
func (t *Tokenizer) Tokenize(text string) (ids []int64, truncated bool, err error) {
	tokens, err := t.vocab.encode(text)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrTokenizationFailed, err)
	}

	maxTokens := t.maxLength - 2
	if len(tokens) > maxTokens {
		tokens = tokens[:maxTokens]
		truncated = true
	}

	ids = make([]int64, 0, len(tokens)+2)
	ids = append(ids, t.vocab.clsID)
	ids = append(ids, tokens...)
	ids = append(ids, t.vocab.sepID)
	return ids, truncated, nil
}

// TokenizeBatch tokenizes texts and pads them to the longest sequence
func (t *Tokenizer) TokenizeBatch(texts []string) (*TokenizedBatch, error) {
	batch := &TokenizedBatch{
		BatchSize: len(texts),
		Lengths:   make([]int, len(texts)),
		Truncated: make([]bool, len(texts)),
	}
	if len(texts) == 0 {
		return batch, nil
	}

	seqs := make([][]int64, len(texts))
	for i, text := range texts {
		ids, truncated, err := t.Tokenize(text)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		seqs[i], batch.Truncated[i] = ids, truncated
		batch.Lengths[i] = len(ids)
		if len(ids) > batch.SeqLen {
			batch.SeqLen = len(ids)
		}
	}

	total := batch.BatchSize * batch.SeqLen
	batch.InputIDs = make([]int64, total)
	batch.AttentionMask = make([]int64, total)
	batch.TokenTypeIDs = make([]int64, total)

	for i, ids := range seqs {
		off := i * batch.SeqLen
		copy(batch.InputIDs[off:], ids)
		for j := len(ids); j < batch.SeqLen; j++ {
			batch.InputIDs[off+j] = t.vocab.padID
		}
		for j := range ids {
			batch.AttentionMask[off+j] = 1
		}
	}

	return batch, nil
}

// basicTokenize feeds the hashed vocabulary. It cleans, lowercases and strips
// accents, then splits on whitespace, punctuation and CJK ideographs.
func basicTokenize(text string) []string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == 0 || r == 0xFFFD || isControl(r):
			continue
		case isWhitespace(r):
			b.WriteRune(' ')
		case isChineseChar(r):
			b.WriteRune(' ')
			b.WriteRune(r)
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}

	cleaned := stripAccents(strings.ToLower(b.String()))

	var tokens []string
	for _, word := range strings.Fields(cleaned) {
		tokens = append(tokens, splitOnPunctuation(word)...)
	}
	return tokens
}

func stripAccents(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range norm.NFD.String(text) {
		if unicode.In(r, unicode.Mn) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func splitOnPunctuation(word string) []string {
	var tokens []string
	start := -1
	for i, r := range word {
		if isPunctuation(r) {
			if start >= 0 {
				tokens = append(tokens, word[start:i])
				start = -1
			}
			tokens = append(tokens, string(r))
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		tokens = append(tokens, word[start:])
	}
	return tokens
}

func isWhitespace(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r)
}

func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) ||
		(r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isChineseChar(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
