package search

import (
	"context"
	"sort"
	"strings"

	"github.com/Aman-CERP/codesearch/internal/chunk"
	cserrors "github.com/Aman-CERP/codesearch/internal/errors"
	"github.com/Aman-CERP/codesearch/internal/store"
)

// DefaultExactLimit caps the lines one exact lookup returns.
const DefaultExactLimit = 500

// ExactMatcher finds lines containing the query, ignoring case. A text
// index narrows the chunks to verify when one is configured; without it, or
// for queries it cannot narrow, every chunk is scanned.
type ExactMatcher struct {
	chunks *chunk.Store
	text   *store.TextIndex
	limit  int
}

var _ ExactFinder = (*ExactMatcher)(nil)

// NewExactMatcher returns a matcher over chunks. text may be nil.
func NewExactMatcher(chunks *chunk.Store, text *store.TextIndex) *ExactMatcher {
	return &ExactMatcher{chunks: chunks, text: text, limit: DefaultExactLimit}
}

// FindExact returns matching lines ordered by file path then line. A line
// covered by overlapping chunks is reported once.
func (m *ExactMatcher) FindExact(ctx context.Context, query string) ([]ExactMatch, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return []ExactMatch{}, nil
	}

	candidates, err := m.candidates(ctx, query)
	if err != nil {
		return nil, err
	}

	type lineKey struct {
		file string
		line int
	}
	seen := make(map[lineKey]bool)
	matches := make([]ExactMatch, 0)
	for i, c := range candidates {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, cserrors.FromContext(err, "exact search")
			}
		}
		if !strings.Contains(strings.ToLower(c.Text), needle) {
			continue
		}
		for j, line := range strings.Split(c.Text, "\n") {
			if !strings.Contains(strings.ToLower(line), needle) {
				continue
			}
			k := lineKey{c.FilePath, c.StartLine + j}
			if seen[k] {
				continue
			}
			seen[k] = true
			matches = append(matches, ExactMatch{FilePath: c.FilePath, Line: k.line, Text: line})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].FilePath != matches[j].FilePath {
			return matches[i].FilePath < matches[j].FilePath
		}
		return matches[i].Line < matches[j].Line
	})
	if len(matches) > m.limit {
		matches = matches[:m.limit]
	}
	return matches, nil
}

func (m *ExactMatcher) candidates(ctx context.Context, query string) ([]chunk.Chunk, error) {
	if m.text == nil {
		return m.chunks.All(), nil
	}
	ids, ok, err := m.text.Candidates(ctx, strings.TrimSpace(query), store.DefaultCandidateLimit)
	if err != nil {
		return nil, err
	}
	if !ok {
		return m.chunks.All(), nil
	}
	out := make([]chunk.Chunk, 0, len(ids))
	for _, id := range ids {
		// IDs indexed after the last chunk snapshot are skipped.
		if c, ok := m.chunks.Get(id); ok {
			out = append(out, c)
		}
	}
	return out, nil
}
