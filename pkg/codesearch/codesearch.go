// Package codesearch is the handle a host process holds on one project's
// search index. A Core owns every store, the embedder and the memory
// governor; nothing in the pipeline is a package-level singleton, so two
// Cores over different roots never share state.
//
// Usage:
//
//	core, err := codesearch.New(ctx, root, cfg)
//	if err != nil {
//	    return err
//	}
//	defer core.Close()
//
//	if _, err := core.Index(ctx); err != nil {
//	    return err
//	}
//	results, err := core.Search(ctx, "authenticate", search.DefaultOptions())
package codesearch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Aman-CERP/codesearch/internal/chunk"
	"github.com/Aman-CERP/codesearch/internal/config"
	"github.com/Aman-CERP/codesearch/internal/embed"
	"github.com/Aman-CERP/codesearch/internal/index"
	"github.com/Aman-CERP/codesearch/internal/search"
	"github.com/Aman-CERP/codesearch/internal/store"
	"github.com/Aman-CERP/codesearch/internal/symbols"
	"github.com/Aman-CERP/codesearch/internal/telemetry"
	"github.com/Aman-CERP/codesearch/internal/watcher"
)

// File names inside the data directory.
const (
	ChunkDBName   = "chunks.db"
	TextIndexName = "text.bleve"
)

var (
	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("codesearch core is closed")
	// ErrTelemetryOff is returned by Stats when telemetry is disabled.
	ErrTelemetryOff = errors.New("telemetry is disabled")
)

// Option configures New.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	embedder embed.Embedder
	memory   bool
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEmbedder uses e instead of opening embeddings.model_path. The Core
// takes ownership and closes it.
func WithEmbedder(e embed.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// InMemory keeps every store in memory and writes nothing to the data
// directory.
func InMemory() Option {
	return func(o *options) { o.memory = true }
}

// Core is one project's index and search pipeline.
type Core struct {
	root    string
	dataDir string
	cfg     *config.Config
	logger  *slog.Logger

	governor *embed.MemoryGovernor
	embedder *embed.CachedEmbedder
	chunks   *chunk.Store
	bm25     *store.BM25Index
	text     *store.TextIndex
	vectors  *store.HNSWStore
	db       *store.ChunkDB
	symbols  *symbols.Extractor
	engine   *search.Engine
	coord    *index.Coordinator
	lock     *index.DirLock
	metrics  *telemetry.Recorder // nil when telemetry is off

	embedTimeout time.Duration

	closeMu sync.RWMutex
	closed  bool
}

// New builds a Core for root and restores any index persisted under its
// data directory. A nil cfg loads the configuration found at root.
//
// Without embeddings.model_path the static hash embedder is used, so exact
// and statistical search work with no model file and semantic results are
// lexical approximations.
func New(ctx context.Context, root string, cfg *config.Config, opts ...Option) (_ *Core, err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	root, err = filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if cfg == nil {
		if cfg, err = config.Load(root); err != nil {
			return nil, err
		}
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Core{root: root, cfg: cfg, logger: o.logger}
	if !o.memory {
		c.dataDir = config.DataDir(root)
		if err := os.MkdirAll(c.dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		c.lock = index.NewDirLock(c.dataDir)
	}
	defer func() {
		if err != nil {
			_ = c.release()
		}
	}()

	if err := c.openEmbedder(o.embedder); err != nil {
		return nil, err
	}
	if err := c.openStores(ctx); err != nil {
		return nil, err
	}
	if err := c.wire(); err != nil {
		return nil, err
	}

	restored, err := c.coord.Restore(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Info("core_ready",
		slog.String("root", root),
		slog.String("model", c.embedder.ModelName()),
		slog.Int("dimensions", c.embedder.Dimensions()),
		slog.Bool("restored", restored),
		slog.Int("chunks", c.chunks.Len()))
	return c, nil
}

func (c *Core) openEmbedder(given embed.Embedder) error {
	ec := c.cfg.Embeddings
	ceiling, err := ec.AllocCeilingBytes()
	if err != nil {
		return err
	}
	budget, err := ec.MemoryBudgetBytes()
	if err != nil {
		return err
	}
	window, err := ec.WindowBytes()
	if err != nil {
		return err
	}
	if c.embedTimeout, err = ec.EmbedTimeout(); err != nil {
		return err
	}
	c.governor = embed.NewMemoryGovernor(ceiling, budget)

	inner := given
	prefixes := embed.Prefixes{Query: ec.QueryPrefix, Document: ec.DocumentPrefix}
	switch {
	case inner != nil:
	case ec.ModelPath != "":
		path := ec.ModelPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.root, path)
		}
		inner, err = embed.Open(path, embed.Options{
			Governor:    c.governor,
			WindowBytes: window,
			MaxTokens:   ec.MaxTokens,
			Workers:     ec.Workers,
			Logger:      c.logger,
		})
		if err != nil {
			return err
		}
	default:
		// Prefix words would only add noise to a hashed bag of tokens.
		inner = embed.NewStaticEmbedder()
		prefixes = embed.Prefixes{}
	}
	c.embedder = embed.NewCachedEmbedder(inner, embed.NewCache(ec.CacheSize, c.logger), prefixes)
	return nil
}

func (c *Core) openStores(ctx context.Context) error {
	sc := c.cfg.Search
	tok := store.NewTokenizer(store.TokenizerConfig{
		MinLength: sc.MinTermLength,
		MaxLength: sc.MaxTermLength,
		StopWords: sc.StopWords,
	})
	c.chunks = chunk.NewStore()
	c.bm25 = store.NewBM25Index(store.BM25Config{K1: sc.K1, B: sc.B}, tok, store.WithBM25Logger(c.logger))

	var err error
	if c.text, err = store.NewTextIndex(c.path(TextIndexName)); err != nil {
		return err
	}
	if c.vectors, err = store.NewHNSWStore(store.VectorStoreConfig{Dimensions: c.embedder.Dimensions()}); err != nil {
		return err
	}
	if c.db, err = store.OpenChunkDB(c.path(ChunkDBName)); err != nil {
		return err
	}
	if c.symbols, err = symbols.NewExtractor(c.root, c.logger); err != nil {
		return err
	}
	if c.cfg.Telemetry.On() {
		st, err := telemetry.NewSQLiteStore(ctx, c.db.DB())
		if err != nil {
			return err
		}
		c.metrics = telemetry.NewRecorder(st, telemetry.DefaultConfig())
	}
	return nil
}

func (c *Core) wire() error {
	sc, pc := c.cfg.Search, c.cfg.Performance
	maxFile, err := pc.MaxFileBytes()
	if err != nil {
		return err
	}
	timeout, err := sc.SearchTimeout()
	if err != nil {
		return err
	}
	chunker, err := chunk.NewLineChunker(sc.ChunkSize, sc.ChunkOverlap)
	if err != nil {
		return err
	}

	c.coord, err = index.NewCoordinator(index.CoordinatorConfig{
		RootPath:         c.root,
		DataDir:          c.dataDir,
		IncludePatterns:  c.cfg.Paths.Include,
		ExcludePatterns:  c.cfg.Paths.Exclude,
		RespectGitignore: c.cfg.Paths.RespectGitignore(),
		MaxFileSize:      maxFile,
		MaxFiles:         pc.MaxFiles,
		Workers:          pc.IndexWorkers,
		BatchSize:        c.cfg.Embeddings.BatchSize,
		Logger:           c.logger,
	}, index.Stores{
		Chunks:  c.chunks,
		BM25:    c.bm25,
		Text:    c.text,
		Vectors: c.vectors,
		DB:      c.db,
	}, chunker, c.embedder)
	if err != nil {
		return err
	}

	c.engine, err = search.NewEngine(c.chunks, search.NewExactMatcher(c.chunks, c.text), c.bm25,
		search.WithSemantic(c.embedder, c.vectors),
		search.WithSymbols(c.symbols),
		search.WithTokenizer(c.bm25.Tokenizer()),
		search.WithEngineConfig(search.EngineConfig{
			SymbolBoost:    sc.SymbolBoost,
			QueryCacheSize: sc.QueryCacheSize,
			Timeout:        timeout,
		}),
		search.WithLogger(c.logger))
	return err
}

func (c *Core) path(name string) string {
	if c.dataDir == "" {
		return ""
	}
	return filepath.Join(c.dataDir, name)
}

// Root returns the absolute project root.
func (c *Core) Root() string { return c.root }

// DataDir returns the index directory, or "" for an in-memory Core.
func (c *Core) DataDir() string { return c.dataDir }

// Config returns the configuration the Core was built with.
func (c *Core) Config() *config.Config { return c.cfg }

// Governor returns the memory governor bounding model reads.
func (c *Core) Governor() *embed.MemoryGovernor { return c.governor }

// Embedder returns the cached embedder used for queries and documents.
func (c *Core) Embedder() *embed.CachedEmbedder { return c.embedder }

// Search ranks chunks for query. opts.IncludeTestFiles is ORed with the
// configured default and a zero MaxResults takes the configured one.
func (c *Core) Search(ctx context.Context, query string, opts search.Options) ([]search.SearchResult, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.closeMu.RUnlock()

	if opts.MaxResults <= 0 {
		opts.MaxResults = c.cfg.Search.MaxResults
	}
	opts.IncludeTestFiles = opts.IncludeTestFiles || c.cfg.Search.IncludeTestFiles
	start := time.Now()
	results, err := c.engine.Search(ctx, query, opts)
	c.record(query, results, start, err)
	return results, err
}

func (c *Core) record(query string, results []search.SearchResult, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	var sources []string
	seen := make(map[search.MatchKind]bool, 3)
	for _, r := range results {
		for _, k := range r.MatchKinds {
			if !seen[k] {
				seen[k] = true
				sources = append(sources, string(k))
			}
		}
	}
	c.metrics.Record(telemetry.Event{
		Query:   query,
		Terms:   c.bm25.Tokenizer().Tokenize(query),
		Results: len(results),
		Sources: sources,
		Latency: time.Since(start),
		Failed:  err != nil,
		At:      start,
	})
}

// Stats reports search telemetry for the last days days. It fails when
// telemetry is disabled.
func (c *Core) Stats(ctx context.Context, days int) (*telemetry.Report, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.closeMu.RUnlock()
	if c.metrics == nil {
		return nil, ErrTelemetryOff
	}
	return c.metrics.Report(ctx, days)
}

// EmbedBatch embeds texts as documents. Results are positional; a failed
// entry carries its own error and the rest are still returned. The call is
// bounded by embeddings.timeout.
func (c *Core) EmbedBatch(ctx context.Context, texts []string) ([]embed.BatchResult, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.closeMu.RUnlock()

	if c.embedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.embedTimeout)
		defer cancel()
	}
	return c.embedder.EmbedDocuments(ctx, texts), nil
}

// Index scans the whole root and brings every store up to date.
func (c *Core) Index(ctx context.Context) (*index.Result, error) {
	return c.update(func() (*index.Result, error) { return c.coord.Index(ctx) })
}

// Reindex updates only changedFiles: changed files are re-chunked, their
// new chunks embedded and upserted, and vanished files dropped.
func (c *Core) Reindex(ctx context.Context, changedFiles []string) (*index.Result, error) {
	return c.update(func() (*index.Result, error) { return c.coord.Reindex(ctx, changedFiles) })
}

// Check verifies the statistical index, the text index, the vector store
// and the chunk database against the chunk store.
func (c *Core) Check(ctx context.Context) (*index.CheckResult, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.closeMu.RUnlock()
	return c.coord.Check(ctx)
}

// Repair fixes the issues of a previous Check.
func (c *Core) Repair(ctx context.Context, issues []index.Inconsistency) (*index.CheckResult, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.closeMu.RUnlock()
	if err := c.lockData(); err != nil {
		return nil, err
	}
	defer c.unlockData()
	return c.coord.Repair(ctx, issues)
}

// Watch reindexes files as they change under the root until ctx is done.
// Each debounced batch is one Reindex.
func (c *Core) Watch(ctx context.Context) error {
	if err := c.acquire(); err != nil {
		return err
	}
	debounce, err := c.cfg.Performance.Debounce()
	c.closeMu.RUnlock()
	if err != nil {
		return err
	}

	w, err := watcher.New(c.root, watcher.Options{
		DebounceWindow:  debounce,
		ExcludePatterns: c.cfg.Paths.Exclude,
		Logger:          c.logger,
	})
	if err != nil {
		return err
	}
	c.logger.Info("watch_started", slog.String("root", c.root))
	return watcher.Run(ctx, w, func(ctx context.Context, paths []string) error {
		res, err := c.Reindex(ctx, paths)
		if err != nil {
			return err
		}
		c.logger.Info("watch_reindexed",
			slog.Int("files", res.Files),
			slog.Int("removed", res.Removed),
			slog.Int("embedded", res.Embedded))
		return nil
	})
}

func (c *Core) update(fn func() (*index.Result, error)) (*index.Result, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.closeMu.RUnlock()
	if err := c.lockData(); err != nil {
		return nil, err
	}
	defer c.unlockData()
	return fn()
}

// lockData takes the cross-process data directory lock for one update.
func (c *Core) lockData() error {
	if c.lock == nil {
		return nil
	}
	return c.lock.TryLock()
}

func (c *Core) unlockData() {
	if c.lock == nil {
		return
	}
	if err := c.lock.Unlock(); err != nil {
		c.logger.Warn("unlock_failed", slog.String("error", err.Error()))
	}
}

func (c *Core) acquire() error {
	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		return ErrClosed
	}
	return nil
}

// Close releases the model file, the databases and the text index. Calls
// after the first return nil.
func (c *Core) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.release()
}

func (c *Core) release() error {
	var errs []error
	if c.metrics != nil {
		errs = append(errs, c.metrics.Close())
	}
	if c.embedder != nil {
		errs = append(errs, c.embedder.Close())
	}
	if c.vectors != nil {
		errs = append(errs, c.vectors.Close())
	}
	if c.text != nil {
		errs = append(errs, c.text.Close())
	}
	if c.db != nil {
		errs = append(errs, c.db.Close())
	}
	if c.lock != nil {
		errs = append(errs, c.lock.Unlock())
	}
	return errors.Join(errs...)
}
