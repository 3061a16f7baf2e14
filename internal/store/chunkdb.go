package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/Aman-CERP/codesearch/internal/chunk"
)

// State keys kept in the chunk database.
const (
	StateKeyEmbeddingModel     = "embedding_model"
	StateKeyEmbeddingDimension = "embedding_dimension"
	StateKeyLastIndexed        = "last_indexed"
)

// FileRecord is the indexed state of one file.
type FileRecord struct {
	Path    string
	ModTime time.Time
	Size    int64
	Chunks  int
}

// ChunkDB persists chunks and file state in SQLite so a later process can
// restore the chunk store without re-reading the tree.
type ChunkDB struct {
	db   *sql.DB
	path string
}

// OpenChunkDB opens or creates the database at path. An empty path opens an
// in-memory database.
func OpenChunkDB(path string) (*ChunkDB, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single connection: the in-memory database is per connection, and one
	// writer avoids lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", p, err)
		}
	}

	c := &ChunkDB{db: db, path: path}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return c, nil
}

func (c *ChunkDB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS files (
		path      TEXT PRIMARY KEY,
		mod_time  INTEGER NOT NULL,
		size      INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id           TEXT PRIMARY KEY,
		file_path    TEXT NOT NULL REFERENCES files(path) ON DELETE CASCADE,
		start_line   INTEGER NOT NULL,
		end_line     INTEGER NOT NULL,
		content      TEXT NOT NULL,
		content_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_path, start_line);

	CREATE TABLE IF NOT EXISTS state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := c.db.Exec(schema)
	return err
}

// ReplaceFile stores the chunks of one file, replacing what was stored for it.
func (c *ChunkDB) ReplaceFile(ctx context.Context, rec FileRecord, chunks []chunk.Chunk) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_path = ?`, rec.Path); err != nil {
		return fmt.Errorf("failed to clear chunks of %s: %w", rec.Path, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO files (path, mod_time, size) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET mod_time = excluded.mod_time, size = excluded.size`,
		rec.Path, rec.ModTime.UnixNano(), rec.Size); err != nil {
		return fmt.Errorf("failed to upsert file %s: %w", rec.Path, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (id, file_path, start_line, end_line, content, content_hash) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, ch := range chunks {
		if _, err := stmt.ExecContext(ctx, ch.ID, ch.FilePath, ch.StartLine, ch.EndLine, ch.Text, ch.ContentHash); err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", ch.ID, err)
		}
	}
	return tx.Commit()
}

// RemoveFiles deletes files and their chunks.
func (c *ChunkDB) RemoveFiles(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, p := range paths {
		if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, p); err != nil {
			return fmt.Errorf("failed to delete file %s: %w", p, err)
		}
	}
	return tx.Commit()
}

// Chunks loads every stored chunk ordered by file and start line.
func (c *ChunkDB) Chunks(ctx context.Context) ([]chunk.Chunk, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, file_path, start_line, end_line, content, content_hash FROM chunks ORDER BY file_path, start_line`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var out []chunk.Chunk
	for rows.Next() {
		var ch chunk.Chunk
		if err := rows.Scan(&ch.ID, &ch.FilePath, &ch.StartLine, &ch.EndLine, &ch.Text, &ch.ContentHash); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// ChunkFiles returns the file path of every stored chunk keyed by chunk ID.
func (c *ChunkDB) ChunkFiles(ctx context.Context) (map[string]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, file_path FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		out[id] = path
	}
	return out, rows.Err()
}

// Files returns the stored file records keyed by path.
func (c *ChunkDB) Files(ctx context.Context) (map[string]FileRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT f.path, f.mod_time, f.size, COUNT(c.id)
		 FROM files f LEFT JOIN chunks c ON c.file_path = f.path
		 GROUP BY f.path`)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	out := make(map[string]FileRecord)
	for rows.Next() {
		var (
			rec   FileRecord
			mtime int64
		)
		if err := rows.Scan(&rec.Path, &mtime, &rec.Size, &rec.Chunks); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		rec.ModTime = time.Unix(0, mtime)
		out[rec.Path] = rec
	}
	return out, rows.Err()
}

// State returns the value stored under key, or "" if unset.
func (c *ChunkDB) State(ctx context.Context, key string) (string, error) {
	var v string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read state %s: %w", key, err)
	}
	return v, nil
}

// SetState stores value under key.
func (c *ChunkDB) SetState(ctx context.Context, key, value string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO state (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write state %s: %w", key, err)
	}
	return nil
}

// Reset deletes all stored files, chunks and state.
func (c *ChunkDB) Reset(ctx context.Context) error {
	for _, q := range []string{`DELETE FROM chunks`, `DELETE FROM files`, `DELETE FROM state`} {
		if _, err := c.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to reset chunk database: %w", err)
		}
	}
	slog.Debug("chunk_db_reset", slog.String("path", c.path))
	return nil
}

// DB returns the underlying handle for tables kept beside the chunks. The
// handle is closed by Close.
func (c *ChunkDB) DB() *sql.DB {
	return c.db
}

// Close closes the database.
func (c *ChunkDB) Close() error {
	return c.db.Close()
}
