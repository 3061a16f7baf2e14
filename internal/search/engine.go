package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/codesearch/internal/chunk"
	cserrors "github.com/Aman-CERP/codesearch/internal/errors"
	"github.com/Aman-CERP/codesearch/internal/store"
	"github.com/Aman-CERP/codesearch/internal/symbols"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// Engine runs the exact, statistical and semantic sources of a query in
// parallel and ranks the fused result. All methods are safe for concurrent
// use.
type Engine struct {
	chunks   ChunkSource
	exact    ExactFinder
	bm25     StatisticalSearcher
	embedder QueryEmbedder  // nil disables the semantic source
	vectors  VectorSearcher // paired with embedder
	symbols  symbols.Provider
	tok      *store.Tokenizer
	config   EngineConfig
	cache    *lru.Cache[string, []SearchResult]
	logger   *slog.Logger
}

// EngineOption configures the search engine.
type EngineOption func(*Engine)

// WithSemantic enables the semantic source.
func WithSemantic(embedder QueryEmbedder, vectors VectorSearcher) EngineOption {
	return func(e *Engine) {
		e.embedder = embedder
		e.vectors = vectors
	}
}

// WithSymbols enables the symbol boost.
func WithSymbols(p symbols.Provider) EngineOption {
	return func(e *Engine) {
		e.symbols = p
	}
}

// WithTokenizer sets the tokenizer used to match query terms to symbol
// names. Use the statistical index's tokenizer so both agree.
func WithTokenizer(tok *store.Tokenizer) EngineOption {
	return func(e *Engine) {
		e.tok = tok
	}
}

// WithEngineConfig overrides the engine tuning.
func WithEngineConfig(cfg EngineConfig) EngineOption {
	return func(e *Engine) {
		e.config = cfg
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates an engine. chunks, exact and bm25 are required.
func NewEngine(chunks ChunkSource, exact ExactFinder, bm25 StatisticalSearcher, opts ...EngineOption) (*Engine, error) {
	if chunks == nil || exact == nil || bm25 == nil {
		return nil, ErrNilDependency
	}
	e := &Engine{
		chunks: chunks,
		exact:  exact,
		bm25:   bm25,
		config: DefaultEngineConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if (e.embedder == nil) != (e.vectors == nil) {
		return nil, fmt.Errorf("semantic source needs both an embedder and a vector store: %w", ErrNilDependency)
	}
	if e.tok == nil {
		e.tok = store.NewTokenizer(store.TokenizerConfig{})
	}
	if e.config.QueryCacheSize > 0 {
		cache, err := lru.New[string, []SearchResult](e.config.QueryCacheSize)
		if err != nil {
			return nil, fmt.Errorf("create query cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

// sourceResult is the outcome of one source.
type sourceResult struct {
	kind MatchKind
	hits []Candidate
	err  error
}

// Search returns up to opts.MaxResults ranked results with context. Zero
// candidates give an empty list and a nil error. A failing source degrades
// the query to the remaining ones; only when every source fails is an
// AllSourcesFailed error returned, naming each failure.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]SearchResult, error) {
	start := time.Now()
	opts = opts.withDefaults()
	query = strings.TrimSpace(query)
	if query == "" {
		return []SearchResult{}, nil
	}

	key := e.cacheKey(query, opts)
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			return cloneResults(cached), nil
		}
	}

	sctx := ctx
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	// A source that misses the search deadline fails alone; only the
	// caller's own context aborts the query.
	sources := e.runSources(sctx, query, opts.sourceLimit())
	if err := ctx.Err(); err != nil {
		return nil, cserrors.FromContext(err, "search")
	}

	var hits []SourceHits
	var failed []error
	for _, s := range sources {
		if s.err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", s.kind, s.err))
			continue
		}
		hits = append(hits, SourceHits{Kind: s.kind, Candidates: s.hits})
	}
	if len(hits) == 0 {
		if allDeadline(failed) {
			return nil, cserrors.FromContext(sctx.Err(), "search")
		}
		names := make([]string, len(sources))
		for i, s := range sources {
			names[i] = string(s.kind)
		}
		return nil, cserrors.New(cserrors.ErrCodeAllSourcesFailed,
			"all search sources failed: "+strings.Join(names, ", "), errors.Join(failed...))
	}
	for _, s := range sources {
		if s.err != nil {
			e.logger.Warn("search_degraded",
				slog.String("source", string(s.kind)),
				slog.String("error", s.err.Error()),
				slog.Int("remaining_sources", len(hits)))
		}
	}

	fused := Fuse(hits, e.chunks)
	if !opts.IncludeTestFiles {
		fused = filterTestFiles(fused)
	}
	e.applySymbolBoost(query, fused)
	if len(fused) > opts.MaxResults {
		fused = fused[:opts.MaxResults]
	}
	results := e.withContext(fused)

	// Degraded answers are not cached so a recovered source is used again.
	if e.cache != nil && len(failed) == 0 {
		e.cache.Add(key, cloneResults(results))
	}
	e.logger.Debug("search_completed",
		slog.String("query", truncateQuery(query, 50)),
		slog.Int("results", len(results)),
		slog.Int("failed_sources", len(failed)),
		slog.Duration("elapsed", time.Since(start)))
	return results, nil
}

// runSources queries every configured source in parallel. Source errors are
// returned per source and never cancel the others.
func (e *Engine) runSources(ctx context.Context, query string, limit int) []sourceResult {
	results := []sourceResult{{kind: MatchExact}, {kind: MatchStatistical}}
	if e.embedder != nil {
		results = append(results, sourceResult{kind: MatchSemantic})
	}

	var g errgroup.Group
	for i := range results {
		r := &results[i]
		g.Go(func() error {
			switch r.kind {
			case MatchExact:
				r.hits, r.err = e.exactHits(ctx, query)
			case MatchStatistical:
				r.hits, r.err = e.statisticalHits(ctx, query, limit)
			case MatchSemantic:
				r.hits, r.err = e.semanticHits(ctx, query, limit)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// exactHits maps matching lines to the chunks holding them. Every exact hit
// carries the same raw score.
func (e *Engine) exactHits(ctx context.Context, query string) ([]Candidate, error) {
	matches, err := e.exact.FindExact(ctx, query)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	out := make([]Candidate, 0, len(matches))
	for _, m := range matches {
		c, ok := e.chunks.ChunkAt(m.FilePath, m.Line)
		if !ok || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, Candidate{ChunkID: c.ID, Raw: 1})
	}
	return out, nil
}

func (e *Engine) statisticalHits(ctx context.Context, query string, limit int) ([]Candidate, error) {
	res, err := e.bm25.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, len(res))
	for i, r := range res {
		out[i] = Candidate{ChunkID: r.ChunkID, Raw: r.Score}
	}
	return out, nil
}

func (e *Engine) semanticHits(ctx context.Context, query string, limit int) ([]Candidate, error) {
	vec, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	res, err := e.vectors.Nearest(ctx, vec, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, len(res))
	for i, r := range res {
		out[i] = Candidate{ChunkID: r.ChunkID, Raw: float64(r.Similarity)}
	}
	return out, nil
}

func filterTestFiles(fused []Fused) []Fused {
	out := fused[:0]
	for _, f := range fused {
		if !chunk.IsTestFile(f.Chunk.FilePath) {
			out = append(out, f)
		}
	}
	return out
}

// applySymbolBoost raises results whose chunk declares a symbol named like
// a query term, then restores the ordering.
func (e *Engine) applySymbolBoost(query string, fused []Fused) {
	if e.symbols == nil || e.config.SymbolBoost <= 0 || len(fused) == 0 {
		return
	}
	terms := make(map[string]bool)
	for _, t := range e.tok.Tokenize(query) {
		terms[t] = true
	}
	if len(terms) == 0 {
		return
	}

	boosted := false
	for i := range fused {
		c := fused[i].Chunk
		for _, sym := range e.symbols.SymbolsFor(c.FilePath) {
			if sym.StartLine < c.StartLine || sym.StartLine > c.EndLine {
				continue
			}
			if e.symbolMatches(sym.Name, terms) {
				fused[i].Score = min(1, fused[i].Score+e.config.SymbolBoost)
				boosted = true
				break
			}
		}
	}
	if boosted {
		SortFused(fused)
	}
}

// symbolMatches reports whether the whole symbol name, as the tokenizer
// folds it, is a query term.
func (e *Engine) symbolMatches(name string, terms map[string]bool) bool {
	toks := e.tok.Tokenize(name)
	return len(toks) > 0 && terms[toks[0]]
}

func (e *Engine) withContext(fused []Fused) []SearchResult {
	results := make([]SearchResult, len(fused))
	for i, f := range fused {
		above, below := e.chunks.Neighbors(f.Chunk.ID)
		results[i] = SearchResult{
			ChunkID:    f.Chunk.ID,
			Score:      f.Score,
			MatchKinds: f.Kinds,
			Context:    Context{Above: above, Target: f.Chunk, Below: below},
		}
	}
	return results
}

// cacheKey ties a cached result list to the index generations it was
// computed from, so a reindex invalidates it.
func (e *Engine) cacheKey(query string, opts Options) string {
	var vecGen uint64
	if e.vectors != nil {
		vecGen = e.vectors.Generation()
	}
	return fmt.Sprintf("%d/%d/%d/%d/%t/%s",
		e.chunks.Generation(), e.bm25.Generation(), vecGen, opts.MaxResults, opts.IncludeTestFiles, query)
}

// allDeadline reports whether every error is an expired deadline.
func allDeadline(errs []error) bool {
	for _, err := range errs {
		if !cserrors.IsDeadline(err) {
			return false
		}
	}
	return len(errs) > 0
}

func cloneResults(in []SearchResult) []SearchResult {
	out := make([]SearchResult, len(in))
	for i, r := range in {
		r.MatchKinds = append([]MatchKind(nil), r.MatchKinds...)
		out[i] = r
	}
	return out
}

// truncateQuery shortens a query for logging.
func truncateQuery(q string, n int) string {
	if len(q) <= n {
		return q
	}
	return q[:n] + "..."
}

// Purge drops every cached result list.
func (e *Engine) Purge() {
	if e.cache != nil {
		e.cache.Purge()
	}
}
