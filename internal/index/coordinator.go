// Package index keeps the chunk store, the statistical and text indexes, the
// vector store and the chunk database in step with the files under a root.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/codesearch/internal/chunk"
	"github.com/Aman-CERP/codesearch/internal/embed"
	cserrors "github.com/Aman-CERP/codesearch/internal/errors"
	"github.com/Aman-CERP/codesearch/internal/scanner"
	"github.com/Aman-CERP/codesearch/internal/store"
)

// VectorFileName is the vector graph file inside the data directory.
const VectorFileName = "vectors.hnsw"

// Compaction defaults. The vector graph is rebuilt once orphaned nodes
// reach both the ratio and the count.
const (
	DefaultCompactRatio      = 0.25
	DefaultCompactMinOrphans = 256
)

// CoordinatorConfig contains configuration for the Coordinator.
type CoordinatorConfig struct {
	// RootPath is the project root; every indexed path is relative to it.
	RootPath string

	// DataDir receives the vector graph on every update. Empty keeps the
	// vectors in memory only.
	DataDir string

	IncludePatterns []string
	ExcludePatterns []string

	// RespectGitignore skips files ignored by .gitignore.
	RespectGitignore bool

	// MaxFileSize skips larger files. Zero uses the scanner default.
	MaxFileSize int64

	// MaxFiles caps a full scan. Zero is unlimited.
	MaxFiles int

	// Workers is the number of files read and chunked in parallel.
	Workers int

	// BatchSize is the number of chunks per embedding batch.
	BatchSize int

	// CompactRatio and CompactMinOrphans trigger a vector graph rebuild
	// after an update. A negative ratio disables compaction.
	CompactRatio      float64
	CompactMinOrphans int

	Logger *slog.Logger
}

// Stores are the structures a Coordinator maintains. Chunks and BM25 are
// required; the rest are optional. Vectors requires an embedder.
type Stores struct {
	Chunks  *chunk.Store
	BM25    *store.BM25Index
	Text    *store.TextIndex
	Vectors *store.HNSWStore
	DB      *store.ChunkDB
}

// Result summarizes one update.
type Result struct {
	Files    int // files chunked
	Removed  int // files dropped from the index
	Chunks   int // chunks in the store afterwards
	Embedded int // chunks embedded
	Failed   int // chunks whose embedding failed
	Duration time.Duration
}

// Coordinator applies full and incremental updates. Updates are serialized;
// searches run concurrently against the previously published state until
// each structure publishes its new one.
type Coordinator struct {
	config   CoordinatorConfig
	stores   Stores
	chunker  *chunk.LineChunker
	embedder *embed.CachedEmbedder
	logger   *slog.Logger

	mu sync.Mutex
}

// NewCoordinator creates a coordinator. embedder may be nil when there is no
// vector store.
func NewCoordinator(cfg CoordinatorConfig, stores Stores, chunker *chunk.LineChunker, embedder *embed.CachedEmbedder) (*Coordinator, error) {
	if stores.Chunks == nil || stores.BM25 == nil {
		return nil, errors.New("chunk store and BM25 index are required")
	}
	if chunker == nil {
		return nil, errors.New("chunker is required")
	}
	if stores.Vectors != nil && embedder == nil {
		return nil, errors.New("vector store requires an embedder")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = embed.DefaultBatchSize
	}
	cfg.BatchSize = min(cfg.BatchSize, embed.MaxBatchSize)
	if cfg.CompactRatio == 0 {
		cfg.CompactRatio = DefaultCompactRatio
	}
	if cfg.CompactMinOrphans <= 0 {
		cfg.CompactMinOrphans = DefaultCompactMinOrphans
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		config:   cfg,
		stores:   stores,
		chunker:  chunker,
		embedder: embedder,
		logger:   logger,
	}, nil
}

func (c *Coordinator) scanOptions() scanner.Options {
	return scanner.Options{
		Root:             c.config.RootPath,
		IncludePatterns:  c.config.IncludePatterns,
		ExcludePatterns:  c.config.ExcludePatterns,
		MaxFileSize:      c.config.MaxFileSize,
		MaxFiles:         c.config.MaxFiles,
		RespectGitignore: c.config.RespectGitignore,
	}
}

// Index scans the whole root, re-chunks every file and drops files that are
// gone. Chunks whose content did not change keep their vectors.
func (c *Coordinator) Index(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()

	files, err := scanner.Collect(ctx, c.scanOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", c.config.RootPath, err)
	}
	changed, records, err := c.chunkFiles(ctx, files)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, path := range c.stores.Chunks.Files() {
		if _, ok := records[path]; !ok {
			removed = append(removed, path)
		}
	}
	return c.apply(ctx, changed, records, removed, start)
}

// Reindex re-chunks the given files and updates every structure. Paths are
// relative to the root or absolute under it. A path that no longer exists
// or is no longer indexable is removed.
func (c *Coordinator) Reindex(ctx context.Context, changedFiles []string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()

	opts := c.scanOptions()
	var (
		files   []scanner.FileInfo
		removed []string
		seen    = make(map[string]bool)
	)
	for _, p := range changedFiles {
		rel, err := c.relative(p)
		if err != nil {
			c.logger.Warn("reindex_path_skipped", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		if seen[rel] {
			continue
		}
		seen[rel] = true

		info, err := scanner.Stat(opts, rel)
		if err != nil {
			return nil, err
		}
		if info == nil {
			for _, f := range c.indexedUnder(rel) {
				if f == rel || !seen[f] {
					seen[f] = true
					removed = append(removed, f)
				}
			}
			continue
		}
		files = append(files, *info)
	}

	changed, records, err := c.chunkFiles(ctx, files)
	if err != nil {
		return nil, err
	}
	return c.apply(ctx, changed, records, removed, start)
}

// indexedUnder returns rel itself plus every indexed file below it, so a
// removed directory drops everything it held.
func (c *Coordinator) indexedUnder(rel string) []string {
	out := []string{rel}
	prefix := rel + "/"
	for _, f := range c.stores.Chunks.Files() {
		if strings.HasPrefix(f, prefix) {
			out = append(out, f)
		}
	}
	return out
}

func (c *Coordinator) relative(p string) (string, error) {
	if !filepath.IsAbs(p) {
		return filepath.ToSlash(filepath.Clean(p)), nil
	}
	root, err := filepath.Abs(c.config.RootPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// chunkFiles reads and chunks files in parallel. Unreadable files are
// logged and skipped.
func (c *Coordinator) chunkFiles(ctx context.Context, files []scanner.FileInfo) (map[string][]chunk.Chunk, map[string]store.FileRecord, error) {
	chunked := make([][]chunk.Chunk, len(files))
	ok := make([]bool, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Workers)
	for i := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			content, err := os.ReadFile(files[i].AbsPath)
			if err != nil {
				c.logger.Warn("file_read_failed",
					slog.String("path", files[i].Path),
					slog.String("error", err.Error()))
				return nil
			}
			chunked[i] = c.chunker.Chunk(files[i].Path, content)
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, cserrors.FromContext(err, "chunk files")
	}

	changed := make(map[string][]chunk.Chunk, len(files))
	records := make(map[string]store.FileRecord, len(files))
	for i, f := range files {
		if !ok[i] {
			continue
		}
		changed[f.Path] = chunked[i]
		records[f.Path] = store.FileRecord{Path: f.Path, ModTime: f.ModTime, Size: f.Size, Chunks: len(chunked[i])}
	}
	return changed, records, nil
}

// apply publishes one update. Vectors are computed first because embedding
// is the slow step; each structure then publishes in turn, the chunk store
// last, so a search never resolves an ID the chunk store does not hold yet.
func (c *Coordinator) apply(ctx context.Context, changed map[string][]chunk.Chunk, records map[string]store.FileRecord, removed []string, start time.Time) (*Result, error) {
	oldIDs := make(map[string]bool)
	for path := range changed {
		for _, ch := range c.stores.Chunks.FileChunks(path) {
			oldIDs[ch.ID] = true
		}
	}
	for _, path := range removed {
		for _, ch := range c.stores.Chunks.FileChunks(path) {
			oldIDs[ch.ID] = true
		}
	}

	newIDs := make(map[string]bool)
	var upserts []chunk.Chunk
	for _, path := range sortedKeys(changed) {
		for _, ch := range changed[path] {
			newIDs[ch.ID] = true
			if !oldIDs[ch.ID] || !c.hasVector(ch.ID) {
				upserts = append(upserts, ch)
			}
		}
	}
	var deletes []string
	for id := range oldIDs {
		if !newIDs[id] {
			deletes = append(deletes, id)
		}
	}
	sort.Strings(deletes)

	res := &Result{Files: len(changed), Removed: len(removed)}
	if err := c.embed(ctx, upserts, res); err != nil {
		return nil, err
	}
	if c.stores.Vectors != nil && len(deletes) > 0 {
		if err := c.stores.Vectors.Delete(ctx, deletes); err != nil {
			return nil, fmt.Errorf("failed to delete vectors: %w", err)
		}
	}
	if c.stores.Text != nil {
		if err := c.stores.Text.Apply(ctx, textUpserts(changed, oldIDs), deletes); err != nil {
			return nil, fmt.Errorf("failed to update text index: %w", err)
		}
	}
	if err := c.stores.BM25.ReindexFiles(ctx, changed, removed); err != nil {
		return nil, fmt.Errorf("failed to update BM25 index: %w", err)
	}
	gen := c.stores.Chunks.Apply(changed, removed)

	if err := c.persist(ctx, changed, records, removed); err != nil {
		return nil, err
	}

	res.Chunks = c.stores.Chunks.Len()
	res.Duration = time.Since(start)
	c.logger.Info("index_updated",
		slog.Int("files", res.Files),
		slog.Int("removed", res.Removed),
		slog.Int("chunks", res.Chunks),
		slog.Int("embedded", res.Embedded),
		slog.Int("embed_failed", res.Failed),
		slog.Uint64("generation", gen),
		slog.Duration("duration", res.Duration))
	return res, nil
}

func (c *Coordinator) hasVector(id string) bool {
	return c.stores.Vectors == nil || c.stores.Vectors.Contains(id)
}

// textUpserts returns the chunks the text index does not hold yet.
func textUpserts(changed map[string][]chunk.Chunk, oldIDs map[string]bool) []chunk.Chunk {
	var out []chunk.Chunk
	for _, chunks := range changed {
		for _, ch := range chunks {
			if !oldIDs[ch.ID] {
				out = append(out, ch)
			}
		}
	}
	return out
}

// embed embeds chunks in batches and upserts the vectors. A chunk whose
// embedding fails is logged and left without a vector; only cancellation
// aborts the update.
func (c *Coordinator) embed(ctx context.Context, chunks []chunk.Chunk, res *Result) error {
	if c.stores.Vectors == nil || len(chunks) == 0 {
		return nil
	}
	for from := 0; from < len(chunks); from += c.config.BatchSize {
		if err := ctx.Err(); err != nil {
			c.logger.Info("index_interrupted",
				slog.Int("embedded", res.Embedded),
				slog.Int("total", len(chunks)))
			return cserrors.FromContext(err, "embed chunks")
		}
		batch := chunks[from:min(from+c.config.BatchSize, len(chunks))]
		texts := make([]string, len(batch))
		for i, ch := range batch {
			texts[i] = ch.Text
		}

		results := c.embedder.EmbedDocuments(ctx, texts)
		ids := make([]string, 0, len(batch))
		vecs := make([][]float32, 0, len(batch))
		for i, r := range results {
			if r.Err != nil {
				if cserrors.GetCode(r.Err) == cserrors.ErrCodeCancelled || cserrors.GetCode(r.Err) == cserrors.ErrCodeTimeout {
					return r.Err
				}
				res.Failed++
				c.logger.Warn("chunk_embed_failed",
					slog.String("chunk_id", batch[i].ID),
					slog.String("file", batch[i].FilePath),
					slog.String("error", r.Err.Error()))
				continue
			}
			ids = append(ids, batch[i].ID)
			vecs = append(vecs, r.Vector)
		}
		if len(ids) == 0 {
			continue
		}
		if err := c.stores.Vectors.UpsertBatch(ctx, ids, vecs); err != nil {
			return fmt.Errorf("failed to upsert vectors: %w", err)
		}
		res.Embedded += len(ids)
	}
	return nil
}

// persist writes the update to the chunk database and the vector file.
func (c *Coordinator) persist(ctx context.Context, changed map[string][]chunk.Chunk, records map[string]store.FileRecord, removed []string) error {
	if db := c.stores.DB; db != nil {
		if err := db.RemoveFiles(ctx, removed); err != nil {
			return err
		}
		for _, path := range sortedKeys(changed) {
			if err := db.ReplaceFile(ctx, records[path], changed[path]); err != nil {
				return err
			}
		}
		if err := db.SetState(ctx, store.StateKeyLastIndexed, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return err
		}
		if c.embedder != nil {
			if err := db.SetState(ctx, store.StateKeyEmbeddingModel, c.embedder.ModelName()); err != nil {
				return err
			}
			if err := db.SetState(ctx, store.StateKeyEmbeddingDimension, strconv.Itoa(c.embedder.Dimensions())); err != nil {
				return err
			}
		}
	}
	if err := c.compact(ctx); err != nil {
		return err
	}
	return c.saveVectors()
}

// compact rebuilds the vector graph when too many replaced or deleted
// nodes have piled up.
func (c *Coordinator) compact(ctx context.Context) error {
	if c.stores.Vectors == nil || c.config.CompactRatio < 0 {
		return nil
	}
	stats := c.stores.Vectors.Stats()
	if stats.Orphans < c.config.CompactMinOrphans || stats.OrphanRatio() < c.config.CompactRatio {
		return nil
	}
	start := time.Now()
	removed, err := c.stores.Vectors.Compact(ctx)
	if err != nil {
		return fmt.Errorf("failed to compact vectors: %w", err)
	}
	c.logger.Info("vectors_compacted",
		slog.Int("orphans_removed", removed),
		slog.Int("live", stats.Live),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// saveVectors writes the vector graph when the coordinator has a data
// directory.
func (c *Coordinator) saveVectors() error {
	if c.stores.Vectors == nil || c.config.DataDir == "" {
		return nil
	}
	if err := c.stores.Vectors.Save(filepath.Join(c.config.DataDir, VectorFileName)); err != nil {
		return fmt.Errorf("failed to save vectors: %w", err)
	}
	return nil
}

// Restore loads a previous index from the chunk database and the vector
// file. It reports false when there is nothing stored. Vectors saved by a
// different model, or missing, are recomputed.
func (c *Coordinator) Restore(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	db := c.stores.DB
	if db == nil {
		return false, nil
	}
	chunks, err := db.Chunks(ctx)
	if err != nil {
		return false, err
	}
	if len(chunks) == 0 {
		return false, nil
	}

	if err := c.stores.BM25.Index(ctx, chunks); err != nil {
		return false, fmt.Errorf("failed to rebuild BM25 index: %w", err)
	}
	if c.stores.Text != nil {
		if n, err := c.stores.Text.Count(); err != nil || n != uint64(len(chunks)) {
			if err := c.stores.Text.Apply(ctx, chunks, nil); err != nil {
				return false, fmt.Errorf("failed to rebuild text index: %w", err)
			}
		}
	}
	c.stores.Chunks.Replace(chunks)

	if c.stores.Vectors != nil {
		c.restoreVectors(ctx, db)
		var missing []chunk.Chunk
		for _, ch := range chunks {
			if !c.stores.Vectors.Contains(ch.ID) {
				missing = append(missing, ch)
			}
		}
		if len(missing) > 0 {
			res := &Result{}
			if err := c.embed(ctx, missing, res); err != nil {
				return false, err
			}
			c.logger.Info("vectors_regenerated",
				slog.Int("count", res.Embedded),
				slog.Int("failed", res.Failed))
			if err := c.saveVectors(); err != nil {
				return false, err
			}
		}
	}

	c.logger.Info("index_restored",
		slog.Int("chunks", len(chunks)),
		slog.Uint64("generation", c.stores.Chunks.Generation()))
	return true, nil
}

// restoreVectors loads the vector file when it was written by the current
// model. Any failure leaves the store empty so every vector is recomputed.
func (c *Coordinator) restoreVectors(ctx context.Context, db *store.ChunkDB) {
	if c.config.DataDir == "" {
		return
	}
	model, err := db.State(ctx, store.StateKeyEmbeddingModel)
	if err != nil || model != c.embedder.ModelName() {
		c.logger.Info("vectors_stale",
			slog.String("stored_model", model),
			slog.String("model", c.embedder.ModelName()))
		return
	}
	path := filepath.Join(c.config.DataDir, VectorFileName)
	if err := c.stores.Vectors.Load(path); err != nil {
		c.logger.Warn("vectors_load_failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
