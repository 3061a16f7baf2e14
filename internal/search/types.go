// Package search ranks chunks for a query by fusing exact, statistical and
// semantic candidates and attaches neighboring chunks as context.
package search

import (
	"context"

	"github.com/Aman-CERP/codesearch/internal/chunk"
	"github.com/Aman-CERP/codesearch/internal/store"
)

// MatchKind names the source that produced a candidate.
type MatchKind string

const (
	MatchExact       MatchKind = "exact"
	MatchStatistical MatchKind = "statistical"
	MatchSemantic    MatchKind = "semantic"
)

// Context is a result chunk with its neighbors in the same file. Above and
// Below are nil at a file boundary.
type Context struct {
	Above  *chunk.Chunk `json:"above,omitempty"`
	Target chunk.Chunk  `json:"target"`
	Below  *chunk.Chunk `json:"below,omitempty"`
}

// SearchResult is one ranked chunk. Score is in [0, 1].
type SearchResult struct {
	ChunkID    string      `json:"chunk_id"`
	Score      float64     `json:"score"`
	MatchKinds []MatchKind `json:"match_kinds"`
	Context    Context     `json:"context"`
}

// ExactMatch is one line holding the query verbatim.
type ExactMatch struct {
	FilePath string `json:"file_path"`
	Line     int    `json:"line"`
	Text     string `json:"text"`
}

// ExactFinder finds lines containing a query.
type ExactFinder interface {
	FindExact(ctx context.Context, query string) ([]ExactMatch, error)
}

// StatisticalSearcher scores chunks by term statistics.
type StatisticalSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]store.BM25Result, error)
	Generation() uint64
}

// QueryEmbedder embeds a search query.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// VectorSearcher returns the chunks nearest to a query vector.
type VectorSearcher interface {
	Nearest(ctx context.Context, query []float32, k int) ([]store.VectorHit, error)
	Generation() uint64
}

// ChunkSource resolves chunk IDs and neighbors.
type ChunkSource interface {
	Get(id string) (chunk.Chunk, bool)
	Neighbors(id string) (above, below *chunk.Chunk)
	ChunkAt(filePath string, line int) (chunk.Chunk, bool)
	Generation() uint64
}
