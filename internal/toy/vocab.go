package toy

import (
	"fmt"
	"strings"
)

// Vocabulary maps token ids to printable text pieces. Token 0 is reserved
// as the end-of-sequence marker; a handful of low ids cover whitespace and
// punctuation, the rest are synthetic words.
type Vocabulary struct {
	pieces []string
	index  map[string]int
}

const eosToken = 0

var basePieces = []string{
	"<eos>", " ", "\n", ".", ",", "?", "!",
}

var baseWords = []string{
	"the", "of", "and", "to", "in", "is", "it", "that", "was", "for",
	"on", "are", "as", "with", "his", "they", "at", "be", "this", "have",
	"from", "or", "one", "had", "by", "word", "but", "not", "what", "all",
	"were", "we", "when", "your", "can", "said", "there", "use", "an", "each",
}

// NewVocabulary builds a vocabulary with exactly size entries. Sizes beyond
// the base word list are padded with numbered words so every id decodes.
func NewVocabulary(size int) *Vocabulary {
	if size < len(basePieces) {
		size = len(basePieces)
	}
	v := &Vocabulary{
		pieces: make([]string, 0, size),
		index:  make(map[string]int, size),
	}
	v.pieces = append(v.pieces, basePieces...)
	for i := 0; len(v.pieces) < size; i++ {
		if i < len(baseWords) {
			v.pieces = append(v.pieces, baseWords[i])
		} else {
			v.pieces = append(v.pieces, fmt.Sprintf("w%d", i))
		}
	}
	for id, p := range v.pieces {
		v.index[p] = id
	}
	return v
}

// Size returns the number of token ids in the vocabulary.
func (v *Vocabulary) Size() int { return len(v.pieces) }

// EOS returns the end-of-sequence token id.
func (v *Vocabulary) EOS() int { return eosToken }

// Decode renders token ids as text. The end-of-sequence token decodes to
// the empty string; unknown ids are an error.
func (v *Vocabulary) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(v.pieces) {
			return "", fmt.Errorf("toy: token %d out of range", id)
		}
		if id == eosToken {
			continue
		}
		b.WriteString(v.pieces[id])
	}
	return b.String(), nil
}

// Encode splits text on whitespace and maps each word to a token id,
// separating words with the space token. Words outside the vocabulary are
// folded onto a synthetic id so any prompt encodes.
func (v *Vocabulary) Encode(text string) []int {
	words := strings.Fields(text)
	ids := make([]int, 0, 2*len(words))
	for i, w := range words {
		if i > 0 {
			ids = append(ids, v.index[" "])
		}
		id, ok := v.index[w]
		if !ok {
			id = len(basePieces) + hash(w)%(len(v.pieces)-len(basePieces))
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		ids = append(ids, v.index[" "])
	}
	return ids
}

func hash(s string) int {
	h := 2166136261
	for i := 0; i < len(s); i++ {
		h = (h ^ int(s[i])) * 16777619
		h &= 0x7fffffff
	}
	return h
}
