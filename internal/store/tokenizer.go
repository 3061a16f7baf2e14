package store

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Default term length bounds, in runes.
const (
	DefaultMinTermLength = 2
	DefaultMaxTermLength = 50
)

// Token is one term with its byte span in the normalized text.
type Token struct {
	Term  string
	Start int
	End   int
}

// TokenizerConfig configures a Tokenizer.
type TokenizerConfig struct {
	MinLength int
	MaxLength int
	StopWords []string
}

// Tokenizer is the single tokenization used for both indexing and querying.
// Text is NFKC normalized, split into identifier runs (letters, digits,
// underscores), and each run is split again on snake_case and camelCase
// boundaries. Terms are Unicode case folded.
//
// A Tokenizer is immutable and safe for concurrent use.
type Tokenizer struct {
	minLen int
	maxLen int
	stop   map[string]struct{}
}

// NewTokenizer builds a Tokenizer. Zero length bounds take the defaults.
func NewTokenizer(cfg TokenizerConfig) *Tokenizer {
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultMinTermLength
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxTermLength
	}
	fold := cases.Fold()
	stop := make(map[string]struct{}, len(cfg.StopWords))
	for _, w := range cfg.StopWords {
		stop[fold.String(norm.NFKC.String(w))] = struct{}{}
	}
	return &Tokenizer{minLen: cfg.MinLength, maxLen: cfg.MaxLength, stop: stop}
}

// Tokenize returns the terms of text in order of appearance.
func (t *Tokenizer) Tokenize(text string) []string {
	tokens := t.Tokens(text)
	terms := make([]string, len(tokens))
	for i, tok := range tokens {
		terms[i] = tok.Term
	}
	return terms
}

// Tokens returns the terms of text with their spans. A compound identifier
// yields the whole identifier followed by its parts, so "getUserByID"
// matches both "getuserbyid" and "user".
func (t *Tokenizer) Tokens(text string) []Token {
	text = norm.NFKC.String(text)
	// Casers carry state and are not safe for concurrent use.
	fold := cases.Fold()

	var out []Token
	add := func(raw string, start, end int) {
		term := fold.String(raw)
		n := utf8.RuneCountInString(term)
		if n < t.minLen || n > t.maxLen {
			return
		}
		if _, ok := t.stop[term]; ok {
			return
		}
		out = append(out, Token{Term: term, Start: start, End: end})
	}

	emitWord := func(start, end int) {
		word := text[start:end]
		parts := splitIdentifier(word)
		if len(parts) > 1 {
			trimmed := strings.Trim(word, "_")
			lead := strings.Index(word, trimmed)
			add(trimmed, start+lead, start+lead+len(trimmed))
		}
		for _, p := range parts {
			add(word[p[0]:p[1]], start+p[0], start+p[1])
		}
	}

	wordStart := -1
	for i, r := range text {
		if isWordRune(r) {
			if wordStart < 0 {
				wordStart = i
			}
			continue
		}
		if wordStart >= 0 {
			emitWord(wordStart, i)
			wordStart = -1
		}
	}
	if wordStart >= 0 {
		emitWord(wordStart, len(text))
	}
	return out
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// splitIdentifier returns the byte ranges of the snake_case and camelCase
// parts of word.
func splitIdentifier(word string) [][2]int {
	var parts [][2]int
	start := -1
	for i, r := range word {
		if r == '_' {
			if start >= 0 {
				parts = appendCamel(parts, word, start, i)
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		parts = appendCamel(parts, word, start, len(word))
	}
	return parts
}

// appendCamel splits word[from:to] on case transitions. An upper-case rune
// starts a new part when the previous rune is lower case or the next rune is
// lower case, which keeps acronyms together: "parseHTTPRequest" becomes
// parse, HTTP, Request.
func appendCamel(parts [][2]int, word string, from, to int) [][2]int {
	type runeAt struct {
		r   rune
		off int
	}
	seg := word[from:to]
	rs := make([]runeAt, 0, len(seg))
	for i, r := range seg {
		rs = append(rs, runeAt{r: r, off: from + i})
	}

	start := from
	for i := 1; i < len(rs); i++ {
		if !unicode.IsUpper(rs[i].r) {
			continue
		}
		prevLower := unicode.IsLower(rs[i-1].r)
		nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1].r)
		if prevLower || nextLower {
			parts = append(parts, [2]int{start, rs[i].off})
			start = rs[i].off
		}
	}
	return append(parts, [2]int{start, to})
}
