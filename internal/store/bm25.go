package store

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/codesearch/internal/chunk"
	cserrors "github.com/Aman-CERP/codesearch/internal/errors"
)

// BM25Config holds the BM25 ranking parameters.
type BM25Config struct {
	// K1 controls term frequency saturation. Default: 1.2
	K1 float64
	// B controls document length normalization. Default: 0.75
	B float64
}

// DefaultBM25Config returns the standard parameters.
func DefaultBM25Config() BM25Config {
	return BM25Config{K1: 1.2, B: 0.75}
}

// BM25Result is one scored chunk.
type BM25Result struct {
	ChunkID string
	Score   float64
}

// BM25Stats describes the published snapshot.
type BM25Stats struct {
	BuildID    string
	Generation uint64
	Chunks     int
	Terms      int
	AvgLength  float64
	Files      int
}

// Segment holds the term statistics of one file's chunks. Segments are
// immutable once built; a reindex replaces a file's segment wholesale.
type Segment struct {
	File    string
	Lengths map[string]int            // chunk ID -> token count
	TF      map[string]map[string]int // chunk ID -> term -> count
	DF      map[string]int            // term -> chunks of this file containing it
}

// bm25Snapshot is a merged, validated view over all segments. Readers load
// it through an atomic pointer and never observe a partial build.
type bm25Snapshot struct {
	buildID    string
	generation uint64
	segments   map[string]*Segment

	n        int
	totalLen int
	avgLen   float64
	df       map[string]int
	tf       map[string]map[string]int
	lengths  map[string]int
	postings map[string][]string // term -> chunk IDs, ascending
}

// BM25Index scores chunks with Okapi BM25 over a segment-merged snapshot.
// Search and Score are lock free; Index and ReindexFiles are serialized.
type BM25Index struct {
	cfg    BM25Config
	tok    *Tokenizer
	logger *slog.Logger

	mu   sync.Mutex // serializes builds
	snap atomic.Pointer[bm25Snapshot]
}

// BM25Option configures a BM25Index.
type BM25Option func(*BM25Index)

// WithBM25Logger sets the logger for build events.
func WithBM25Logger(l *slog.Logger) BM25Option {
	return func(b *BM25Index) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBM25Index returns an index with an empty published snapshot.
func NewBM25Index(cfg BM25Config, tok *Tokenizer, opts ...BM25Option) *BM25Index {
	if cfg.K1 <= 0 {
		cfg.K1 = DefaultBM25Config().K1
	}
	if cfg.B < 0 || cfg.B > 1 {
		cfg.B = DefaultBM25Config().B
	}
	if tok == nil {
		tok = NewTokenizer(TokenizerConfig{})
	}
	b := &BM25Index{cfg: cfg, tok: tok, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	empty, _ := merge(map[string]*Segment{})
	b.snap.Store(empty)
	return b
}

// Tokenizer returns the tokenizer shared by indexing and querying.
func (b *BM25Index) Tokenizer() *Tokenizer {
	return b.tok
}

// BuildSegment tokenizes the chunks of one file.
func (b *BM25Index) BuildSegment(file string, chunks []chunk.Chunk) *Segment {
	seg := &Segment{
		File:    file,
		Lengths: make(map[string]int, len(chunks)),
		TF:      make(map[string]map[string]int, len(chunks)),
		DF:      make(map[string]int),
	}
	for _, c := range chunks {
		terms := b.tok.Tokenize(c.Text)
		tf := make(map[string]int, len(terms))
		for _, t := range terms {
			tf[t]++
		}
		seg.Lengths[c.ID] = len(terms)
		seg.TF[c.ID] = tf
		for t := range tf {
			seg.DF[t]++
		}
	}
	return seg
}

// Index replaces the whole table with the given corpus.
func (b *BM25Index) Index(ctx context.Context, chunks []chunk.Chunk) error {
	byFile := make(map[string][]chunk.Chunk)
	for _, c := range chunks {
		byFile[c.FilePath] = append(byFile[c.FilePath], c)
	}

	segments := make([]*Segment, 0, len(byFile))
	for file, cs := range byFile {
		if err := ctx.Err(); err != nil {
			return cserrors.FromContext(err, "bm25 index")
		}
		segments = append(segments, b.BuildSegment(file, cs))
	}
	return b.publish(segments, nil, true)
}

// ReindexFiles rebuilds the segments of the changed files, drops the removed
// files and merges everything into a new snapshot. Unchanged files are not
// re-tokenized.
func (b *BM25Index) ReindexFiles(ctx context.Context, changed map[string][]chunk.Chunk, removed []string) error {
	segments := make([]*Segment, 0, len(changed))
	for file, cs := range changed {
		if err := ctx.Err(); err != nil {
			return cserrors.FromContext(err, "bm25 reindex")
		}
		segments = append(segments, b.BuildSegment(file, cs))
	}
	return b.publish(segments, removed, false)
}

// ApplySegments installs prebuilt segments. It is the entry point for
// callers that maintain their own statistics; inconsistent segments fail with
// IndexInconsistent and leave the published snapshot untouched.
func (b *BM25Index) ApplySegments(segments []*Segment, removed []string) error {
	return b.publish(segments, removed, false)
}

func (b *BM25Index) publish(segments []*Segment, removed []string, replaceAll bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	old := b.snap.Load()

	next := make(map[string]*Segment, len(old.segments)+len(segments))
	if !replaceAll {
		for f, s := range old.segments {
			next[f] = s
		}
	}
	for _, f := range removed {
		delete(next, f)
	}
	for _, s := range segments {
		if len(s.Lengths) == 0 {
			delete(next, s.File)
			continue
		}
		next[s.File] = s
	}

	snap, err := merge(next)
	if err != nil {
		b.logger.Error("bm25_build_rejected",
			slog.String("error", err.Error()),
			slog.String("live_build_id", old.buildID))
		return err
	}
	snap.generation = old.generation + 1
	b.snap.Store(snap)

	b.logger.Info("bm25_snapshot_published",
		slog.String("build_id", snap.buildID),
		slog.Uint64("generation", snap.generation),
		slog.Int("chunks", snap.n),
		slog.Int("terms", len(snap.df)),
		slog.Int("files", len(snap.segments)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// merge sums segment statistics into a snapshot and validates it.
func merge(segments map[string]*Segment) (*bm25Snapshot, error) {
	snap := &bm25Snapshot{
		buildID:  uuid.NewString(),
		segments: segments,
		df:       make(map[string]int),
		tf:       make(map[string]map[string]int),
		lengths:  make(map[string]int),
		postings: make(map[string][]string),
	}

	for _, seg := range segments {
		if err := validateSegment(seg); err != nil {
			return nil, err
		}
		for id, l := range seg.Lengths {
			if _, dup := snap.lengths[id]; dup {
				return nil, cserrors.IndexInconsistent("chunk %s appears in more than one segment", id)
			}
			snap.lengths[id] = l
			snap.tf[id] = seg.TF[id]
			snap.totalLen += l
			for t := range seg.TF[id] {
				snap.postings[t] = append(snap.postings[t], id)
			}
		}
		for t, n := range seg.DF {
			snap.df[t] += n
		}
	}

	snap.n = len(snap.lengths)
	if snap.n > 0 {
		snap.avgLen = float64(snap.totalLen) / float64(snap.n)
	}
	for _, ids := range snap.postings {
		sort.Strings(ids)
	}
	if err := snap.validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

func validateSegment(seg *Segment) error {
	if len(seg.Lengths) != len(seg.TF) {
		return cserrors.IndexInconsistent("segment %s: %d lengths for %d frequency rows",
			seg.File, len(seg.Lengths), len(seg.TF))
	}
	df := make(map[string]int)
	for id, row := range seg.TF {
		l, ok := seg.Lengths[id]
		if !ok {
			return cserrors.IndexInconsistent("segment %s: chunk %s has frequencies but no length", seg.File, id)
		}
		sum := 0
		for t, n := range row {
			if n <= 0 {
				return cserrors.IndexInconsistent("segment %s: chunk %s has non-positive frequency for %q", seg.File, id, t)
			}
			sum += n
			df[t]++
		}
		if sum != l {
			return cserrors.IndexInconsistent("segment %s: chunk %s length %d but frequencies sum to %d",
				seg.File, id, l, sum)
		}
	}
	if len(df) != len(seg.DF) {
		return cserrors.IndexInconsistent("segment %s: %d document frequencies for %d terms",
			seg.File, len(seg.DF), len(df))
	}
	for t, n := range df {
		if seg.DF[t] != n {
			return cserrors.IndexInconsistent("segment %s: df[%q]=%d, postings say %d", seg.File, t, seg.DF[t], n)
		}
	}
	return nil
}

func (s *bm25Snapshot) validate() error {
	if len(s.df) != len(s.postings) {
		return cserrors.IndexInconsistent("%d document frequencies for %d posting lists", len(s.df), len(s.postings))
	}
	for t, ids := range s.postings {
		if s.df[t] != len(ids) {
			return cserrors.IndexInconsistent("df[%q]=%d but %d postings", t, s.df[t], len(ids))
		}
	}
	if s.n == 0 {
		if s.totalLen != 0 || s.avgLen != 0 {
			return cserrors.IndexInconsistent("empty corpus with total length %d", s.totalLen)
		}
		return nil
	}
	if want := float64(s.totalLen) / float64(s.n); math.Abs(want-s.avgLen) > 1e-9 {
		return cserrors.IndexInconsistent("avg length %f, expected %f", s.avgLen, want)
	}
	return nil
}

// Score returns the BM25 score of one chunk for query. It is zero for a
// chunk that shares no term with the query or is not indexed.
func (b *BM25Index) Score(query, chunkID string) float64 {
	snap := b.snap.Load()
	return snap.score(b.cfg, uniqueTerms(b.tok.Tokenize(query)), chunkID)
}

// Search returns the top limit chunks by descending score, ties by chunk ID
// ascending. An empty query or corpus yields no results.
func (b *BM25Index) Search(ctx context.Context, query string, limit int) ([]BM25Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, cserrors.FromContext(err, "bm25 search")
	}
	snap := b.snap.Load()
	terms := uniqueTerms(b.tok.Tokenize(query))
	if len(terms) == 0 || snap.n == 0 || limit <= 0 {
		return []BM25Result{}, nil
	}

	candidates := make(map[string]struct{})
	for _, t := range terms {
		for _, id := range snap.postings[t] {
			candidates[id] = struct{}{}
		}
	}

	results := make([]BM25Result, 0, len(candidates))
	for id := range candidates {
		if s := snap.score(b.cfg, terms, id); s > 0 {
			results = append(results, BM25Result{ChunkID: id, Score: s})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *bm25Snapshot) score(cfg BM25Config, terms []string, chunkID string) float64 {
	row, ok := s.tf[chunkID]
	if !ok || s.n == 0 {
		return 0
	}
	norm := 1.0
	if s.avgLen > 0 {
		norm = 1 - cfg.B + cfg.B*float64(s.lengths[chunkID])/s.avgLen
	}
	var total float64
	for _, t := range terms {
		tf := row[t]
		if tf == 0 {
			continue
		}
		total += s.idf(t) * float64(tf) * (cfg.K1 + 1) / (float64(tf) + cfg.K1*norm)
	}
	return total
}

// idf is the non-negative BM25 inverse document frequency.
func (s *bm25Snapshot) idf(term string) float64 {
	df := float64(s.df[term])
	return math.Log(1 + (float64(s.n)-df+0.5)/(df+0.5))
}

// Contains reports whether chunkID is in the published snapshot.
func (b *BM25Index) Contains(chunkID string) bool {
	_, ok := b.snap.Load().lengths[chunkID]
	return ok
}

// Generation increases by one with every published snapshot.
func (b *BM25Index) Generation() uint64 {
	return b.snap.Load().generation
}

// Stats describes the published snapshot.
func (b *BM25Index) Stats() BM25Stats {
	snap := b.snap.Load()
	return BM25Stats{
		BuildID:    snap.buildID,
		Generation: snap.generation,
		Chunks:     snap.n,
		Terms:      len(snap.df),
		AvgLength:  snap.avgLen,
		Files:      len(snap.segments),
	}
}

// uniqueTerms drops repeated query terms so a term counts once per query.
func uniqueTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := terms[:0]
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
