package search

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/codesearch/internal/chunk"
	cserrors "github.com/Aman-CERP/codesearch/internal/errors"
	"github.com/Aman-CERP/codesearch/internal/logging"
	"github.com/Aman-CERP/codesearch/internal/store"
	"github.com/Aman-CERP/codesearch/internal/symbols"
)

// --- Test Helpers ---

type countingBM25 struct {
	*store.BM25Index
	calls atomic.Int32
}

func (c *countingBM25) Search(ctx context.Context, q string, limit int) ([]store.BM25Result, error) {
	c.calls.Add(1)
	return c.BM25Index.Search(ctx, q, limit)
}

type failingBM25 struct{ err error }

func (f failingBM25) Search(context.Context, string, int) ([]store.BM25Result, error) {
	return nil, f.err
}
func (f failingBM25) Generation() uint64 { return 0 }

type failingExact struct{ err error }

func (f failingExact) FindExact(context.Context, string) ([]ExactMatch, error) { return nil, f.err }

type blockingExact struct{}

func (blockingExact) FindExact(ctx context.Context, _ string) ([]ExactMatch, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type blockingBM25 struct{}

func (blockingBM25) Search(ctx context.Context, _ string, _ int) ([]store.BM25Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (blockingBM25) Generation() uint64 { return 0 }

// slowEmbedder blocks every query until the context is done.
type slowEmbedder struct{}

func (slowEmbedder) EmbedQuery(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// flakyEmbedder fails while down is set.
type flakyEmbedder struct{ down atomic.Bool }

func (f *flakyEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	if f.down.Load() {
		return nil, errors.New("model unavailable")
	}
	return []float32{1, 0}, nil
}

type fakeQueryEmbedder struct{ err error }

func (f fakeQueryEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

type fakeVectors struct{ hits []store.VectorHit }

func (f fakeVectors) Nearest(context.Context, []float32, int) ([]store.VectorHit, error) {
	return f.hits, nil
}
func (f fakeVectors) Generation() uint64 { return 0 }

// mutableVectors serves hits that change along with the generation.
type mutableVectors struct {
	hits []store.VectorHit
	gen  uint64
}

func (m *mutableVectors) Nearest(context.Context, []float32, int) ([]store.VectorHit, error) {
	return m.hits, nil
}
func (m *mutableVectors) Generation() uint64 { return m.gen }

func (m *mutableVectors) set(hits ...store.VectorHit) {
	m.hits = hits
	m.gen++
}

type fakeSymbols map[string][]symbols.Symbol

func (f fakeSymbols) SymbolsFor(path string) []symbols.Symbol { return f[path] }

type engineFixture struct {
	chunks *chunk.Store
	bm25   *countingBM25
	engine *Engine
}

func newEngineFixture(t *testing.T, chunks []chunk.Chunk, opts ...EngineOption) *engineFixture {
	t.Helper()
	f := &engineFixture{chunks: chunk.NewStore()}
	f.bm25 = &countingBM25{BM25Index: store.NewBM25Index(store.DefaultBM25Config(),
		store.NewTokenizer(store.TokenizerConfig{}), store.WithBM25Logger(logging.Discard()))}
	f.index(t, chunks)

	opts = append([]EngineOption{WithLogger(logging.Discard())}, opts...)
	e, err := NewEngine(f.chunks, NewExactMatcher(f.chunks, nil), f.bm25, opts...)
	require.NoError(t, err)
	f.engine = e
	return f
}

func (f *engineFixture) index(t *testing.T, chunks []chunk.Chunk) {
	t.Helper()
	f.chunks.Replace(chunks)
	require.NoError(t, f.bm25.Index(context.Background(), chunks))
}

func resultIDs(results []SearchResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ChunkID
	}
	return ids
}

// --- Tests ---

func TestNewEngine_RequiresDependencies(t *testing.T) {
	s := chunk.NewStore()
	bm25 := store.NewBM25Index(store.DefaultBM25Config(), store.NewTokenizer(store.TokenizerConfig{}))
	exact := NewExactMatcher(s, nil)

	_, err := NewEngine(nil, exact, bm25)
	assert.ErrorIs(t, err, ErrNilDependency)
	_, err = NewEngine(s, nil, bm25)
	assert.ErrorIs(t, err, ErrNilDependency)
	_, err = NewEngine(s, exact, nil)
	assert.ErrorIs(t, err, ErrNilDependency)
	_, err = NewEngine(s, exact, bm25, WithSemantic(fakeQueryEmbedder{}, nil))
	assert.ErrorIs(t, err, ErrNilDependency)
}

// TS05: authenticate scenario with three-chunk context
func TestEngine_AuthenticateScenario(t *testing.T) {
	// Given: two chunks of one file
	auth := chunk.New("auth.rs", 1, 1, "fn authenticate() {}")
	logout := chunk.New("auth.rs", 3, 3, "fn logout() {}")
	f := newEngineFixture(t, []chunk.Chunk{auth, logout})

	// When: querying "authenticate"
	results, err := f.engine.Search(context.Background(), "authenticate", DefaultOptions())
	require.NoError(t, err)

	// Then: only the first chunk ranks, found by exact and BM25, with its
	// neighbor below and nothing above
	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, auth.ID, r.ChunkID)
	assert.Equal(t, 1.0, r.Score)
	assert.Equal(t, []MatchKind{MatchExact, MatchStatistical}, r.MatchKinds)
	assert.Nil(t, r.Context.Above)
	require.NotNil(t, r.Context.Below)
	assert.Equal(t, logout.ID, r.Context.Below.ID)
	assert.Equal(t, auth, r.Context.Target)
}

func TestEngine_ZeroHitsIsEmptyNotError(t *testing.T) {
	// Given: a corpus and a semantic source that finds nothing
	f := newEngineFixture(t,
		[]chunk.Chunk{chunk.New("a.go", 1, 1, "func a() {}")},
		WithSemantic(fakeQueryEmbedder{}, fakeVectors{}))

	// When: querying a term that appears nowhere
	results, err := f.engine.Search(context.Background(), "nonexistent", DefaultOptions())

	// Then: the result is empty and there is no error
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestEngine_BlankQuery(t *testing.T) {
	f := newEngineFixture(t, []chunk.Chunk{chunk.New("a.go", 1, 1, "x")})

	results, err := f.engine.Search(context.Background(), "  \t", DefaultOptions())

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, int32(0), f.bm25.calls.Load())
}

// TS06: equal scores order by file path then start line on every run
func TestEngine_TieOrderingIsDeterministic(t *testing.T) {
	// Given: three identical chunks in two files, query cache off
	z := chunk.New("z.go", 1, 1, "alpha beta")
	a10 := chunk.New("a.go", 10, 10, "alpha beta")
	a1 := chunk.New("a.go", 1, 1, "alpha beta")
	cfg := DefaultEngineConfig()
	cfg.QueryCacheSize = 0
	f := newEngineFixture(t, []chunk.Chunk{z, a10, a1}, WithEngineConfig(cfg))

	for i := 0; i < 5; i++ {
		// When: searching repeatedly
		results, err := f.engine.Search(context.Background(), "alpha", DefaultOptions())
		require.NoError(t, err)

		// Then: ordering is (file_path, start_line) ascending
		assert.Equal(t, []string{a1.ID, a10.ID, z.ID}, resultIDs(results))
		for j := 1; j < len(results); j++ {
			assert.GreaterOrEqual(t, results[j-1].Score, results[j].Score)
		}
	}
}

func TestEngine_MaxResults(t *testing.T) {
	chunks := []chunk.Chunk{
		chunk.New("a.go", 1, 1, "alpha"),
		chunk.New("b.go", 1, 1, "alpha"),
		chunk.New("c.go", 1, 1, "alpha"),
	}
	f := newEngineFixture(t, chunks)

	results, err := f.engine.Search(context.Background(), "alpha", Options{MaxResults: 2})

	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestEngine_SemanticOnlyCandidate(t *testing.T) {
	// Given: a chunk only the semantic source finds
	lexical := chunk.New("a.go", 1, 1, "login handler")
	semantic := chunk.New("b.go", 1, 1, "credential check")
	vectors := fakeVectors{hits: []store.VectorHit{{ChunkID: semantic.ID, Similarity: 0.8}}}
	f := newEngineFixture(t, []chunk.Chunk{lexical, semantic},
		WithSemantic(fakeQueryEmbedder{}, vectors))

	// When: querying
	results, err := f.engine.Search(context.Background(), "login", DefaultOptions())
	require.NoError(t, err)

	// Then: both chunks rank, the semantic one scored (0.8+1)/2
	require.Len(t, results, 2)
	assert.Equal(t, lexical.ID, results[0].ChunkID)
	assert.Equal(t, semantic.ID, results[1].ChunkID)
	assert.InDelta(t, 0.9, results[1].Score, 1e-6)
	assert.Equal(t, []MatchKind{MatchSemantic}, results[1].MatchKinds)
}

func TestEngine_SemanticFailureDegrades(t *testing.T) {
	// Given: a semantic source whose embedder fails
	var logs bytes.Buffer
	auth := chunk.New("auth.go", 1, 1, "func authenticate() {}")
	f := newEngineFixture(t, []chunk.Chunk{auth},
		WithSemantic(fakeQueryEmbedder{err: errors.New("model unavailable")}, fakeVectors{}),
		WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))

	// When: querying
	results, err := f.engine.Search(context.Background(), "authenticate", DefaultOptions())

	// Then: exact and BM25 still answer and the degradation is logged
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, auth.ID, results[0].ChunkID)
	assert.Contains(t, logs.String(), `"msg":"search_degraded"`)
	assert.Contains(t, logs.String(), `"source":"semantic"`)
}

func TestEngine_AllSourcesFailed(t *testing.T) {
	// Given: every source fails
	boom := errors.New("boom")
	s := chunk.NewStore()
	e, err := NewEngine(s, failingExact{err: boom}, failingBM25{err: boom},
		WithSemantic(fakeQueryEmbedder{err: boom}, fakeVectors{}),
		WithLogger(logging.Discard()))
	require.NoError(t, err)

	// When: querying
	_, err = e.Search(context.Background(), "anything", DefaultOptions())

	// Then: one aggregate error names every source
	require.Error(t, err)
	assert.Equal(t, cserrors.ErrCodeAllSourcesFailed, cserrors.GetCode(err))
	assert.ErrorIs(t, err, boom)
	for _, name := range []string{"exact", "statistical", "semantic"} {
		assert.Contains(t, err.Error(), name)
	}
}

func TestEngine_Timeout(t *testing.T) {
	// Given: every source blocks until the deadline
	s := chunk.NewStore()
	cfg := DefaultEngineConfig()
	cfg.Timeout = 20 * time.Millisecond
	e, err := NewEngine(s, blockingExact{}, blockingBM25{},
		WithSemantic(slowEmbedder{}, fakeVectors{}),
		WithEngineConfig(cfg), WithLogger(logging.Discard()))
	require.NoError(t, err)

	// When: querying
	_, err = e.Search(context.Background(), "anything", DefaultOptions())

	// Then: the call returns a retryable Timeout
	require.Error(t, err)
	assert.Equal(t, cserrors.ErrCodeTimeout, cserrors.GetCode(err))
	assert.True(t, cserrors.IsRetryable(err))
}

func TestEngine_TestFileFiltering(t *testing.T) {
	impl := chunk.New("auth.go", 1, 1, "func authenticate() {}")
	test := chunk.New("auth_test.go", 1, 1, "func TestAuthenticate() { authenticate() }")

	tests := []struct {
		name    string
		include bool
		want    []string
	}{
		{"test files excluded by default", false, []string{impl.ID}},
		{"test files included on request", true, []string{impl.ID, test.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t, []chunk.Chunk{impl, test})

			results, err := f.engine.Search(context.Background(), "authenticate",
				Options{IncludeTestFiles: tt.include})

			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, resultIDs(results))
		})
	}
}

func TestEngine_SymbolBoost(t *testing.T) {
	// Given: b.go declares Authenticate but scores lowest on BM25
	a := chunk.New("a.go", 1, 1, "authenticate session session")
	b := chunk.New("b.go", 1, 1, "func Authenticate() error")
	provider := fakeSymbols{
		"b.go": {{Name: "Authenticate", Kind: symbols.KindFunction, StartLine: 1, EndLine: 1}},
		// Outside the chunk's range.
		"a.go": {{Name: "session", Kind: symbols.KindConstant, StartLine: 40, EndLine: 40}},
	}

	tests := []struct {
		name  string
		opts  []EngineOption
		wantB float64
	}{
		{"without symbols", nil, 0},
		{"with symbols", []EngineOption{WithSymbols(provider)}, DefaultSymbolBoost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t, []chunk.Chunk{a, b}, tt.opts...)

			// When: querying both terms
			results, err := f.engine.Search(context.Background(), "authenticate session", DefaultOptions())
			require.NoError(t, err)

			// Then: a stays on top and only b is boosted
			require.Len(t, results, 2)
			assert.Equal(t, a.ID, results[0].ChunkID)
			assert.Equal(t, 1.0, results[0].Score)
			assert.Equal(t, b.ID, results[1].ChunkID)
			assert.InDelta(t, tt.wantB, results[1].Score, 1e-9)
		})
	}
}

func TestEngine_QueryCacheFollowsGeneration(t *testing.T) {
	// Given: one matching chunk
	first := chunk.New("a.go", 1, 1, "alpha")
	f := newEngineFixture(t, []chunk.Chunk{first})
	ctx := context.Background()

	// When: the same query runs twice
	r1, err := f.engine.Search(ctx, "alpha", DefaultOptions())
	require.NoError(t, err)
	r2, err := f.engine.Search(ctx, "alpha", DefaultOptions())
	require.NoError(t, err)

	// Then: the second call is served from the cache
	assert.Equal(t, r1, r2)
	assert.Equal(t, int32(1), f.bm25.calls.Load())

	// When: the corpus is reindexed
	second := chunk.New("b.go", 1, 1, "alpha")
	f.index(t, []chunk.Chunk{first, second})
	r3, err := f.engine.Search(ctx, "alpha", DefaultOptions())
	require.NoError(t, err)

	// Then: the cached list is not reused
	assert.Equal(t, int32(2), f.bm25.calls.Load())
	assert.Len(t, r3, 2)
}

func TestEngine_CachedResultsAreCopies(t *testing.T) {
	f := newEngineFixture(t, []chunk.Chunk{chunk.New("a.go", 1, 1, "alpha")})
	ctx := context.Background()

	r1, err := f.engine.Search(ctx, "alpha", DefaultOptions())
	require.NoError(t, err)
	require.Len(t, r1, 1)
	r1[0].MatchKinds[0] = "mutated"

	r2, err := f.engine.Search(ctx, "alpha", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, MatchExact, r2[0].MatchKinds[0])
}

func TestEngine_SlowSemanticSourceDegrades(t *testing.T) {
	// Given: an embedder that never answers within the search deadline
	var logs bytes.Buffer
	alpha := chunk.New("a.go", 1, 1, "alpha")
	cfg := DefaultEngineConfig()
	cfg.Timeout = 50 * time.Millisecond
	f := newEngineFixture(t, []chunk.Chunk{alpha},
		WithSemantic(slowEmbedder{}, fakeVectors{}),
		WithEngineConfig(cfg),
		WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))

	// When: querying a term the text sources match
	results, err := f.engine.Search(context.Background(), "alpha", DefaultOptions())

	// Then: exact and BM25 answer and the late source is logged as degraded
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, alpha.ID, results[0].ChunkID)
	assert.ElementsMatch(t, []MatchKind{MatchExact, MatchStatistical}, results[0].MatchKinds)
	assert.Contains(t, logs.String(), `"msg":"search_degraded"`)
	assert.Contains(t, logs.String(), `"source":"semantic"`)
}

func TestEngine_CallerCancellationAborts(t *testing.T) {
	f := newEngineFixture(t, []chunk.Chunk{chunk.New("a.go", 1, 1, "alpha")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Search(ctx, "alpha", DefaultOptions())

	require.Error(t, err)
	assert.Equal(t, cserrors.ErrCodeCancelled, cserrors.GetCode(err))
}

func TestEngine_QueryCacheFollowsVectorGeneration(t *testing.T) {
	// Given: chunks a and b, where only a matches the text sources
	a := chunk.New("a.go", 1, 1, "alpha")
	b := chunk.New("b.go", 1, 1, "beta")
	vectors := &mutableVectors{}
	f := newEngineFixture(t, []chunk.Chunk{a, b}, WithSemantic(fakeQueryEmbedder{}, vectors))
	ctx := context.Background()

	before, err := f.engine.Search(ctx, "alpha", DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, []string{a.ID}, resultIDs(before))

	// When: only the vector store changes
	vectors.set(store.VectorHit{ChunkID: b.ID, Similarity: 0.9})
	after, err := f.engine.Search(ctx, "alpha", DefaultOptions())

	// Then: the new semantic hit is served instead of the cached list
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, resultIDs(after))
	assert.Equal(t, int32(2), f.bm25.calls.Load())
}

func TestEngine_DegradedResultsAreNotCached(t *testing.T) {
	// Given: a semantic source that is down for the first query
	a := chunk.New("a.go", 1, 1, "alpha")
	b := chunk.New("b.go", 1, 1, "beta")
	embedder := &flakyEmbedder{}
	embedder.down.Store(true)
	vectors := fakeVectors{hits: []store.VectorHit{{ChunkID: b.ID, Similarity: 0.9}}}
	f := newEngineFixture(t, []chunk.Chunk{a, b}, WithSemantic(embedder, vectors))
	ctx := context.Background()

	degraded, err := f.engine.Search(ctx, "alpha", DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, []string{a.ID}, resultIDs(degraded))

	// When: the source recovers and the same query runs again
	embedder.down.Store(false)
	recovered, err := f.engine.Search(ctx, "alpha", DefaultOptions())

	// Then: the semantic hit is back
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, resultIDs(recovered))

	// And: the full answer is cached from then on
	_, err = f.engine.Search(ctx, "alpha", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.bm25.calls.Load())
}
