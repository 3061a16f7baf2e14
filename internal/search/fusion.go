package search

import (
	"sort"

	"github.com/Aman-CERP/codesearch/internal/chunk"
)

// Candidate is one raw hit from a source.
type Candidate struct {
	ChunkID string
	Raw     float64
}

// SourceHits are the candidates of one source.
type SourceHits struct {
	Kind       MatchKind
	Candidates []Candidate
}

// Fused is a merged candidate before context is attached.
type Fused struct {
	Chunk chunk.Chunk
	Score float64
	Kinds []MatchKind
}

// Normalize min-max normalizes raw scores of one source into [0, 1] within
// the current result set. When every raw score is equal the spread carries
// no information: exact hits and positive BM25 scores map to 1, a zero BM25
// score to 0, and a cosine s to (s+1)/2.
func Normalize(kind MatchKind, raws []float64) []float64 {
	out := make([]float64, len(raws))
	if len(raws) == 0 {
		return out
	}
	lo, hi := raws[0], raws[0]
	for _, r := range raws[1:] {
		lo, hi = min(lo, r), max(hi, r)
	}

	if hi == lo {
		for i, r := range raws {
			switch kind {
			case MatchExact:
				out[i] = 1
			case MatchSemantic:
				out[i] = clamp01((r + 1) / 2)
			default:
				if r > 0 {
					out[i] = 1
				}
			}
		}
		return out
	}
	for i, r := range raws {
		out[i] = (r - lo) / (hi - lo)
	}
	return out
}

func clamp01(v float64) float64 {
	return min(1, max(0, v))
}

// kindOrder fixes the order MatchKinds are reported in.
var kindOrder = map[MatchKind]int{MatchExact: 0, MatchStatistical: 1, MatchSemantic: 2}

// Fuse normalizes each source, merges candidates by chunk ID keeping the
// maximum normalized score, and sorts by score descending, then file path,
// start line and chunk ID. Candidates whose chunk no longer exists are
// dropped.
func Fuse(sources []SourceHits, chunks ChunkSource) []Fused {
	merged := make(map[string]*Fused)
	for _, src := range sources {
		raws := make([]float64, len(src.Candidates))
		for i, c := range src.Candidates {
			raws[i] = c.Raw
		}
		norm := Normalize(src.Kind, raws)

		for i, c := range src.Candidates {
			f, ok := merged[c.ChunkID]
			if !ok {
				ch, found := chunks.Get(c.ChunkID)
				if !found {
					continue
				}
				f = &Fused{Chunk: ch, Score: norm[i]}
				merged[c.ChunkID] = f
			}
			f.Score = max(f.Score, norm[i])
			f.addKind(src.Kind)
		}
	}

	out := make([]Fused, 0, len(merged))
	for _, f := range merged {
		out = append(out, *f)
	}
	SortFused(out)
	return out
}

func (f *Fused) addKind(k MatchKind) {
	for _, have := range f.Kinds {
		if have == k {
			return
		}
	}
	f.Kinds = append(f.Kinds, k)
	sort.Slice(f.Kinds, func(i, j int) bool { return kindOrder[f.Kinds[i]] < kindOrder[f.Kinds[j]] })
}

// SortFused orders results by score descending with deterministic ties.
func SortFused(results []Fused) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Chunk.FilePath != b.Chunk.FilePath {
			return a.Chunk.FilePath < b.Chunk.FilePath
		}
		if a.Chunk.StartLine != b.Chunk.StartLine {
			return a.Chunk.StartLine < b.Chunk.StartLine
		}
		return a.Chunk.ID < b.Chunk.ID
	})
}
