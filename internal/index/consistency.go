package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Aman-CERP/codesearch/internal/chunk"
	cserrors "github.com/Aman-CERP/codesearch/internal/errors"
	"github.com/Aman-CERP/codesearch/internal/store"
)

// InconsistencyType categorizes detected issues.
type InconsistencyType int

const (
	// InconsistencyMissingBM25 is a stored chunk absent from the BM25 index.
	InconsistencyMissingBM25 InconsistencyType = iota
	// InconsistencyMissingVector is a stored chunk without a vector.
	InconsistencyMissingVector
	// InconsistencyOrphanVector is a vector whose chunk no longer exists.
	InconsistencyOrphanVector
	// InconsistencyMissingText is a stored chunk absent from the text index.
	InconsistencyMissingText
	// InconsistencyOrphanText is a text index entry whose chunk no longer exists.
	InconsistencyOrphanText
	// InconsistencyMissingDB is a stored chunk absent from the chunk database.
	InconsistencyMissingDB
	// InconsistencyStaleDB is a database row whose chunk no longer exists.
	InconsistencyStaleDB
)

// String returns a human-readable description of the inconsistency type.
func (t InconsistencyType) String() string {
	switch t {
	case InconsistencyMissingBM25:
		return "missing_bm25"
	case InconsistencyMissingVector:
		return "missing_vector"
	case InconsistencyOrphanVector:
		return "orphan_vector"
	case InconsistencyMissingText:
		return "missing_text"
	case InconsistencyOrphanText:
		return "orphan_text"
	case InconsistencyMissingDB:
		return "missing_db"
	case InconsistencyStaleDB:
		return "stale_db"
	default:
		return "unknown"
	}
}

// Inconsistency represents a detected cross-store issue.
type Inconsistency struct {
	Type    InconsistencyType
	ChunkID string
	// FilePath is set for chunk database issues.
	FilePath string
}

// CheckResult contains the outcome of a consistency check.
type CheckResult struct {
	// Checked is the number of chunks verified.
	Checked int
	// Inconsistencies contains all detected issues.
	Inconsistencies []Inconsistency
	// Duration is how long the check took.
	Duration time.Duration
}

// Consistent reports whether the check found nothing.
func (r *CheckResult) Consistent() bool {
	return len(r.Inconsistencies) == 0
}

// Check compares the BM25 index, the text index, the vector store and the
// chunk database against the chunk store, which is the source of truth.
func (c *Coordinator) Check(ctx context.Context) (*CheckResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.check(ctx)
}

func (c *Coordinator) check(ctx context.Context) (*CheckResult, error) {
	start := time.Now()
	all := c.stores.Chunks.All()
	known := make(map[string]bool, len(all))
	var issues []Inconsistency

	var texts map[string]bool
	if c.stores.Text != nil {
		ids, err := c.stores.Text.IDs(ctx)
		if err != nil {
			return nil, cserrors.FromContext(err, "consistency check")
		}
		texts = make(map[string]bool, len(ids))
		for _, id := range ids {
			texts[id] = true
		}
	}
	var rows map[string]string
	if c.stores.DB != nil {
		var err error
		if rows, err = c.stores.DB.ChunkFiles(ctx); err != nil {
			return nil, cserrors.FromContext(err, "consistency check")
		}
	}

	for i, ch := range all {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, cserrors.FromContext(err, "consistency check")
			}
		}
		known[ch.ID] = true
		if !c.stores.BM25.Contains(ch.ID) {
			issues = append(issues, Inconsistency{Type: InconsistencyMissingBM25, ChunkID: ch.ID})
		}
		if c.stores.Vectors != nil && !c.stores.Vectors.Contains(ch.ID) {
			issues = append(issues, Inconsistency{Type: InconsistencyMissingVector, ChunkID: ch.ID})
		}
		if texts != nil && !texts[ch.ID] {
			issues = append(issues, Inconsistency{Type: InconsistencyMissingText, ChunkID: ch.ID})
		}
		if rows != nil {
			if path, ok := rows[ch.ID]; !ok || path != ch.FilePath {
				issues = append(issues, Inconsistency{Type: InconsistencyMissingDB, ChunkID: ch.ID, FilePath: ch.FilePath})
			}
		}
	}
	if c.stores.Vectors != nil {
		for _, id := range c.stores.Vectors.IDs() {
			if !known[id] {
				issues = append(issues, Inconsistency{Type: InconsistencyOrphanVector, ChunkID: id})
			}
		}
	}
	for _, id := range sortedKeys(texts) {
		if !known[id] {
			issues = append(issues, Inconsistency{Type: InconsistencyOrphanText, ChunkID: id})
		}
	}
	for _, id := range sortedKeys(rows) {
		if !known[id] {
			issues = append(issues, Inconsistency{Type: InconsistencyStaleDB, ChunkID: id, FilePath: rows[id]})
		}
	}

	return &CheckResult{
		Checked:         len(all),
		Inconsistencies: issues,
		Duration:        time.Since(start),
	}, nil
}

// Repair fixes the issues a check found. Orphan vectors and text entries
// are deleted, missing vectors are recomputed, missing text entries are
// indexed, a BM25 index missing chunks is rebuilt from the chunk store and
// every file with a database issue is rewritten from the chunk store. The
// result of a follow-up check is returned; any issue left is an
// IndexInconsistent error.
func (c *Coordinator) Repair(ctx context.Context, issues []Inconsistency) (*CheckResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		orphans      []string
		missing      []chunk.Chunk
		textOrphans  []string
		textMissing  []chunk.Chunk
		dbFiles      = make(map[string]bool)
		rebuildBM25  bool
		vectorsDirty bool
	)
	for _, issue := range issues {
		switch issue.Type {
		case InconsistencyOrphanVector:
			orphans = append(orphans, issue.ChunkID)
		case InconsistencyMissingVector:
			if ch, ok := c.stores.Chunks.Get(issue.ChunkID); ok {
				missing = append(missing, ch)
			}
		case InconsistencyMissingBM25:
			rebuildBM25 = true
		case InconsistencyOrphanText:
			textOrphans = append(textOrphans, issue.ChunkID)
		case InconsistencyMissingText:
			if ch, ok := c.stores.Chunks.Get(issue.ChunkID); ok {
				textMissing = append(textMissing, ch)
			}
		case InconsistencyMissingDB, InconsistencyStaleDB:
			dbFiles[issue.FilePath] = true
		}
	}

	if len(orphans) > 0 && c.stores.Vectors != nil {
		if err := c.stores.Vectors.Delete(ctx, orphans); err != nil {
			return nil, err
		}
		vectorsDirty = true
		c.logger.Info("orphan_vectors_deleted", slog.Int("count", len(orphans)))
	}
	if len(missing) > 0 && c.stores.Vectors != nil {
		res := &Result{}
		if err := c.embed(ctx, missing, res); err != nil {
			return nil, err
		}
		vectorsDirty = vectorsDirty || res.Embedded > 0
		c.logger.Info("missing_vectors_regenerated",
			slog.Int("count", res.Embedded),
			slog.Int("failed", res.Failed))
	}
	if vectorsDirty {
		if err := c.saveVectors(); err != nil {
			return nil, err
		}
	}
	if rebuildBM25 {
		if err := c.stores.BM25.Index(ctx, c.stores.Chunks.All()); err != nil {
			return nil, err
		}
		c.logger.Info("bm25_rebuilt", slog.Int("chunks", c.stores.Chunks.Len()))
	}
	if (len(textMissing) > 0 || len(textOrphans) > 0) && c.stores.Text != nil {
		if err := c.stores.Text.Apply(ctx, textMissing, textOrphans); err != nil {
			return nil, err
		}
		c.logger.Info("text_index_repaired",
			slog.Int("indexed", len(textMissing)),
			slog.Int("deleted", len(textOrphans)))
	}
	if len(dbFiles) > 0 && c.stores.DB != nil {
		if err := c.repairDB(ctx, dbFiles); err != nil {
			return nil, err
		}
	}

	after, err := c.check(ctx)
	if err != nil {
		return nil, err
	}
	if !after.Consistent() {
		return after, cserrors.IndexInconsistent("%d issues remain after repair, run a full index", len(after.Inconsistencies))
	}
	return after, nil
}

// repairDB rewrites each file's rows from the chunk store and drops files
// the chunk store no longer holds.
func (c *Coordinator) repairDB(ctx context.Context, paths map[string]bool) error {
	db := c.stores.DB
	records, err := db.Files(ctx)
	if err != nil {
		return err
	}
	var removed []string
	rewritten := 0
	for _, path := range sortedKeys(paths) {
		chunks := c.stores.Chunks.FileChunks(path)
		if len(chunks) == 0 {
			removed = append(removed, path)
			continue
		}
		rec, ok := records[path]
		if !ok {
			rec = store.FileRecord{Path: path}
			if info, err := os.Stat(filepath.Join(c.config.RootPath, filepath.FromSlash(path))); err == nil {
				rec.ModTime = info.ModTime()
				rec.Size = info.Size()
			}
		}
		rec.Chunks = len(chunks)
		if err := db.ReplaceFile(ctx, rec, chunks); err != nil {
			return err
		}
		rewritten++
	}
	if err := db.RemoveFiles(ctx, removed); err != nil {
		return err
	}
	c.logger.Info("chunk_db_repaired",
		slog.Int("rewritten", rewritten),
		slog.Int("removed", len(removed)))
	return nil
}
