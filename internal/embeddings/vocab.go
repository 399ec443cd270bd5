package embeddings

import (
	"fmt"
	"hash/fnv"
	"os"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
)

// BERT special token IDs, used when no vocabulary file is configured.
const (
	hashedPadID     = 0
	hashedUnkID     = 100
	hashedClsID     = 101
	hashedSepID     = 102
	hashedFirstID   = 1000
	hashedVocabSize = 30522
)

// vocab maps text to WordPiece IDs. A vocab.txt file is served by a BERT
// WordPiece tokenizer; without one the hashing trick buckets every basic
// token into the BERT ID range.
type vocab struct {
	wordpiece *tokenizer.Tokenizer // nil for hashed vocabularies
	size      int
	hashed    bool

	padID int64
	unkID int64
	clsID int64
	sepID int64
}

// loadVocab reads a vocab.txt file where line n (0-indexed) is token ID n
func loadVocab(path string) (*vocab, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("vocab: %w", err)
	}

	model, err := wordpiece.NewWordPieceFromFile(path, "[UNK]")
	if err != nil {
		return nil, fmt.Errorf("vocab: %w", err)
	}

	tk := tokenizer.NewTokenizer(model)
	tk.WithNormalizer(normalizer.NewBertNormalizer(true, true, true, true))
	tk.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())

	v := &vocab{wordpiece: tk, size: tk.GetVocabSize(false)}
	if v.size == 0 {
		return nil, fmt.Errorf("vocab: file is empty: %s", path)
	}

	specials := []struct {
		name string
		dest *int64
	}{
		{"[PAD]", &v.padID},
		{"[UNK]", &v.unkID},
		{"[CLS]", &v.clsID},
		{"[SEP]", &v.sepID},
	}
	for _, s := range specials {
		id, ok := tk.TokenToId(s.name)
		if !ok {
			return nil, fmt.Errorf("vocab: missing special token %s", s.name)
		}
		*s.dest = int64(id)
	}

	return v, nil
}

// hashedVocab returns a vocabulary that needs no file
func hashedVocab() *vocab {
	return &vocab{
		size:   hashedVocabSize,
		hashed: true,
		padID:  hashedPadID,
		unkID:  hashedUnkID,
		clsID:  hashedClsID,
		sepID:  hashedSepID,
	}
}

// encode returns the subword IDs of text without special tokens
func (v *vocab) encode(text string) ([]int64, error) {
	if v.hashed {
		tokens := basicTokenize(text)
		ids := make([]int64, len(tokens))
		for i, tok := range tokens {
			ids[i] = hashedID(tok)
		}
		return ids, nil
	}

	encoding, err := v.wordpiece.EncodeSingle(text, false)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(encoding.Ids))
	for i, id := range encoding.Ids {
		ids[i] = int64(id)
	}
	return ids, nil
}

func hashedID(token string) int64 {
	h := fnv.New32a()
	h.Write([]byte(token))
	return hashedFirstID + int64(h.Sum32()%uint32(hashedVocabSize-hashedFirstID))
}
