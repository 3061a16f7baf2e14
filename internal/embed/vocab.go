package embed

import (
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	cserrors "github.com/Aman-CERP/codesearch/internal/errors"
)

// DefaultMaxTokens bounds the tokens of one input, special tokens included.
const DefaultMaxTokens = 512

// maxWordBytes turns longer words into the unknown token.
const maxWordBytes = 100

// Upper bounds on how much NFKC normalization and case folding can grow a
// string.
const (
	maxNormExpansion = 18
	maxFoldExpansion = 3
)

// Vocab is a greedy longest-match subword tokenizer over the GGUF token
// list. BERT vocabularies mark continuations with "##"; SentencePiece style
// vocabularies mark word starts with "▁". It is read-only after
// construction.
type Vocab struct {
	ids        map[string]int32
	size       int
	unk        int32
	cls        int32 // or BOS; -1 when absent
	sep        int32
	lower      bool
	wordPrefix string
	contPrefix string
	maxPiece   int // longest piece in bytes, prefixes excluded
}

func newVocab(f *File) (*Vocab, error) {
	if len(f.vocab) == 0 {
		return nil, cserrors.ModelCorrupt(f.Path, "missing "+KeyTokens, nil)
	}
	v := &Vocab{ids: f.vocab, size: f.vocabLen, unk: -1, cls: -1, sep: -1}

	model, _ := f.String(KeyTokenizer)
	switch model {
	case "bert", "":
		v.contPrefix = "##"
		v.lower = true
		v.cls = v.tokenID(f, KeyClsToken, "[CLS]")
		v.sep = v.tokenID(f, KeySepToken, "[SEP]")
		v.unk = v.tokenID(f, KeyUnknownToken, "[UNK]")
	case "gpt2":
		v.wordPrefix = "Ġ"
		v.cls = v.tokenID(f, KeyBosToken, "")
		v.unk = v.tokenID(f, KeyUnknownToken, "")
	default:
		v.wordPrefix = "▁"
		v.cls = v.tokenID(f, KeyBosToken, "<s>")
		v.unk = v.tokenID(f, KeyUnknownToken, "<unk>")
	}

	for piece := range v.ids {
		n := len(piece)
		switch {
		case v.contPrefix != "" && len(piece) > len(v.contPrefix) && piece[:len(v.contPrefix)] == v.contPrefix:
			n -= len(v.contPrefix)
		case v.wordPrefix != "" && len(piece) > len(v.wordPrefix) && piece[:len(v.wordPrefix)] == v.wordPrefix:
			n -= len(v.wordPrefix)
		}
		if n > v.maxPiece {
			v.maxPiece = n
		}
	}
	return v, nil
}

// tokenID resolves a special token from metadata, falling back to a
// well-known piece. Returns -1 when neither exists.
func (v *Vocab) tokenID(f *File, key, piece string) int32 {
	if id, ok := f.Uint(key); ok && int(id) < v.size {
		return int32(id)
	}
	if piece != "" {
		if id, ok := v.ids[piece]; ok {
			return id
		}
	}
	return -1
}

// Size returns the number of tokens.
func (v *Vocab) Size() int {
	return v.size
}

// Encode appends the token ids of text to ids, never growing it past
// cap(ids). scratch must hold maxWordBytes plus the longest prefix. When gov
// is set the normalized copies of text stay within its ceiling. It fails
// with TokenizationFailed for invalid UTF-8 or text without any token.
func (v *Vocab) Encode(text string, ids []int32, scratch []byte, gov *MemoryGovernor) ([]int32, error) {
	if !utf8.ValidString(text) {
		return nil, cserrors.New(cserrors.ErrCodeTokenizationFailed, "text is not valid UTF-8", nil)
	}
	limit := cap(ids)
	if v.sep >= 0 {
		limit--
	}
	if v.cls >= 0 {
		ids = append(ids, v.cls)
	}
	if len(ids) >= limit {
		return nil, cserrors.Newf(cserrors.ErrCodeTokenizationFailed, "token budget %d leaves no room for text", cap(ids))
	}
	body := len(ids)

	// Tokens past the limit are dropped anyway, so only a prefix of a very
	// long text is normalized.
	maxBytes := limit * maxWordBytes
	if gov != nil {
		growth := int64(maxNormExpansion)
		if v.lower {
			growth *= maxFoldExpansion
		}
		maxBytes = min(maxBytes, int(gov.Ceiling()/growth))
	}
	if len(text) > maxBytes {
		cut := maxBytes
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	text = norm.NFKC.String(text)
	if gov != nil {
		if err := gov.CheckCeiling(int64(len(text))); err != nil {
			return nil, err
		}
	}
	if v.lower {
		text = cases.Fold().String(text)
		if gov != nil {
			if err := gov.CheckCeiling(int64(len(text))); err != nil {
				return nil, err
			}
		}
	}

	emit := func(word string) {
		if len(ids) < limit {
			ids = v.appendWord(ids, word, limit, scratch)
		}
	}
	start := -1
	for i, r := range text {
		switch {
		case unicode.IsSpace(r) || unicode.IsControl(r):
			if start >= 0 {
				emit(text[start:i])
				start = -1
			}
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			if start >= 0 {
				emit(text[start:i])
				start = -1
			}
			emit(text[i : i+utf8.RuneLen(r)])
		default:
			if start < 0 {
				start = i
			}
		}
	}
	if start >= 0 {
		emit(text[start:])
	}

	if len(ids) == body {
		return nil, cserrors.New(cserrors.ErrCodeTokenizationFailed, "text produced no tokens", nil)
	}
	if v.sep >= 0 {
		ids = append(ids, v.sep)
	}
	return ids, nil
}

// appendWord splits word into the longest known pieces. A word with an
// unmatchable remainder becomes the unknown token, or nothing without one.
// The caller guarantees len(ids) < limit.
func (v *Vocab) appendWord(ids []int32, word string, limit int, scratch []byte) []int32 {
	unknown := func(ids []int32) []int32 {
		if v.unk >= 0 {
			return append(ids, v.unk)
		}
		return ids
	}
	if len(word) > maxWordBytes {
		return unknown(ids)
	}

	mark := len(ids)
	for start := 0; start < len(word); {
		prefix := v.contPrefix
		if start == 0 {
			prefix = v.wordPrefix
		}
		found, end := int32(-1), min(len(word), start+v.maxPiece)
		for ; end > start; end-- {
			if end < len(word) && !utf8.RuneStart(word[end]) {
				continue
			}
			cand := append(append(scratch[:0], prefix...), word[start:end]...)
			if id, ok := v.ids[string(cand)]; ok {
				found = id
				break
			}
		}
		if found < 0 {
			return unknown(ids[:mark])
		}
		if len(ids) >= limit {
			return ids
		}
		ids = append(ids, found)
		start = end
	}
	return ids
}
