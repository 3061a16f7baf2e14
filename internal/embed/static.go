package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"unicode"

	cserrors "github.com/Aman-CERP/codesearch/internal/errors"
	"github.com/Aman-CERP/codesearch/internal/store"
)

// StaticEmbedder generates embeddings from token and character-trigram
// hashes. It needs no model file, so a project without one still gets a
// deterministic semantic source of reduced quality.
type StaticEmbedder struct {
	tok    *store.Tokenizer
	closed atomic.Bool
}

var _ Embedder = (*StaticEmbedder)(nil)

// programmingStopWords are keywords too common in code to carry meaning.
var programmingStopWords = []string{
	"func", "function", "def", "class", "return", "import", "const", "var",
	"let", "int", "string", "bool", "void", "true", "false", "nil", "null",
	"this", "self", "new",
}

// Weights for vector generation
const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

// NewStaticEmbedder creates a static embedder.
func NewStaticEmbedder() *StaticEmbedder {
	return &StaticEmbedder{tok: store.NewTokenizer(store.TokenizerConfig{
		MinLength: 1,
		MaxLength: store.DefaultMaxTermLength,
		StopWords: programmingStopWords,
	})}
}

// Embed hashes tokens and trigrams of text into a unit vector. Blank text
// yields the zero vector.
func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.closed.Load() {
		return nil, fmt.Errorf("embedder is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, cserrors.FromContext(err, "embed")
	}

	vector := make([]float32, StaticDimensions)
	if strings.TrimSpace(text) == "" {
		return vector, nil
	}
	for _, token := range e.tok.Tokenize(text) {
		vector[hashToIndex(token)] += tokenWeight
	}
	letters := ngramText(text)
	for i := 0; i+ngramSize <= len(letters); i++ {
		vector[hashToIndex(string(letters[i:i+ngramSize]))] += ngramWeight
	}
	normalize(vector)
	return vector, nil
}

// ngramText lowercases text and keeps only letters and digits.
func ngramText(text string) []rune {
	out := make([]rune, 0, len(text))
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			out = append(out, unicode.ToLower(r))
		}
	}
	return out
}

// hashToIndex uses FNV-64 to map a string to a dimension.
func hashToIndex(s string) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % StaticDimensions)
}

// EmbedBatch embeds each text in order.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) []BatchResult {
	results := make([]BatchResult, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		results[i] = BatchResult{Vector: vec, Err: err}
	}
	return results
}

// Dimensions returns the embedding dimension.
func (e *StaticEmbedder) Dimensions() int {
	return StaticDimensions
}

// ModelName returns the model identifier.
func (e *StaticEmbedder) ModelName() string {
	return "static"
}

// Close marks the embedder closed.
func (e *StaticEmbedder) Close() error {
	e.closed.Store(true)
	return nil
}
