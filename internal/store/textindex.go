package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/Aman-CERP/codesearch/internal/chunk"
)

const (
	// ExactTokenizerName is the bleve tokenizer backed by Tokenizer.
	ExactTokenizerName = "codesearch_exact"

	// ExactAnalyzerName is the analyzer used for the content field.
	ExactAnalyzerName = "codesearch_exact_analyzer"

	// DefaultCandidateLimit bounds how many chunks a lookup returns.
	DefaultCandidateLimit = 1000
)

func init() {
	_ = registry.RegisterTokenizer(ExactTokenizerName, exactTokenizerConstructor)
}

// TextIndex is a bleve full-text index over chunk text. It narrows exact
// substring lookups to the chunks that contain every query term; the caller
// verifies the substring on the returned chunks.
type TextIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

type textDocument struct {
	Content string `json:"content"`
	Path    string `json:"path"`
}

// NewTextIndex opens or creates the index at path. An empty path creates an
// in-memory index. A corrupt on-disk index is cleared and recreated.
func NewTextIndex(path string) (*TextIndex, error) {
	m, err := textMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to create index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(m)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		idx, err = bleve.Open(path)
		switch {
		case errors.Is(err, bleve.ErrorIndexPathDoesNotExist):
			idx, err = bleve.New(path, m)
		case err != nil:
			slog.Warn("text_index_open_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, fmt.Errorf("text index at %s unusable and cannot be removed: %w", path, rmErr)
			}
			idx, err = bleve.New(path, m)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open text index: %w", err)
	}
	return &TextIndex{index: idx, path: path}, nil
}

func textMapping() (*mapping.IndexMappingImpl, error) {
	m := bleve.NewIndexMapping()
	err := m.AddCustomAnalyzer(ExactAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": ExactTokenizerName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}
	m.DefaultAnalyzer = ExactAnalyzerName
	return m, nil
}

// Apply indexes upserted chunks and removes deleted chunk IDs in one batch.
func (t *TextIndex) Apply(ctx context.Context, upserts []chunk.Chunk, deletes []string) error {
	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("text index is closed")
	}

	batch := t.index.NewBatch()
	for _, id := range deletes {
		batch.Delete(id)
	}
	for _, c := range upserts {
		if err := batch.Index(c.ID, textDocument{Content: c.Text, Path: c.FilePath}); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", c.ID, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

// Candidates returns the IDs of chunks that may contain q as a substring.
// A word run of q bounded by other characters on both sides must appear as
// a whole term; a run touching either end of q may be part of a longer
// identifier, so it is matched as a term suffix, prefix or infix. ok is
// false when q has no indexable term, in which case the index cannot narrow
// the lookup and the caller must scan.
func (t *TextIndex) Candidates(ctx context.Context, q string, limit int) (ids []string, ok bool, err error) {
	terms := narrowingQueries(q)
	if len(terms) == 0 {
		return nil, false, nil
	}
	if limit <= 0 {
		limit = DefaultCandidateLimit
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, true, fmt.Errorf("text index is closed")
	}

	req := bleve.NewSearchRequest(bleve.NewConjunctionQuery(terms...))
	req.Size = limit
	res, err := t.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, true, fmt.Errorf("text search failed: %w", err)
	}
	ids = make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, true, nil
}

// narrowingQueries builds one content query per word run of q.
func narrowingQueries(q string) []query.Query {
	var out []query.Query
	add := func(start, end int) {
		toks := exactTokenizer.Tokens(q[start:end])
		if len(toks) == 0 {
			return
		}
		term := toks[0].Term
		leftOpen, rightOpen := start == 0, end == len(q)
		var tq query.FieldableQuery
		switch {
		case leftOpen && rightOpen:
			tq = bleve.NewWildcardQuery("*" + term + "*")
		case leftOpen:
			tq = bleve.NewWildcardQuery("*" + term)
		case rightOpen:
			tq = bleve.NewWildcardQuery(term + "*")
		default:
			tq = bleve.NewTermQuery(term)
		}
		tq.SetField("content")
		out = append(out, tq)
	}

	start := -1
	for i, r := range q {
		if isWordRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			add(start, i)
			start = -1
		}
	}
	if start >= 0 {
		add(start, len(q))
	}
	return out
}

// Count returns the number of indexed chunks.
func (t *TextIndex) Count() (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return 0, fmt.Errorf("text index is closed")
	}
	return t.index.DocCount()
}

// IDs returns the IDs of every indexed chunk, sorted.
func (t *TextIndex) IDs(ctx context.Context) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, fmt.Errorf("text index is closed")
	}
	n, err := t.index.DocCount()
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = int(n)
	res, err := t.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("text search failed: %w", err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close releases the index.
func (t *TextIndex) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.index.Close()
}

// exactTokenizer keeps every term, including stop words and single
// characters, so narrowing never drops a chunk that holds the substring.
var exactTokenizer = NewTokenizer(TokenizerConfig{MinLength: 1, MaxLength: DefaultMaxTermLength})

func exactTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return bleveTokenizer{tok: exactTokenizer}, nil
}

type bleveTokenizer struct {
	tok *Tokenizer
}

func (b bleveTokenizer) Tokenize(input []byte) analysis.TokenStream {
	tokens := b.tok.Tokens(string(input))
	stream := make(analysis.TokenStream, 0, len(tokens))
	for i, tok := range tokens {
		stream = append(stream, &analysis.Token{
			Term:     []byte(tok.Term),
			Start:    tok.Start,
			End:      tok.End,
			Position: i + 1,
			Type:     analysis.AlphaNumeric,
		})
	}
	return stream
}
