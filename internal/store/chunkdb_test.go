package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/codesearch/internal/chunk"
)

func TestChunkDB_ReplaceAndLoad(t *testing.T) {
	ctx := context.Background()
	db, err := OpenChunkDB("")
	require.NoError(t, err)
	defer db.Close()

	mtime := time.Unix(1700000000, 42)
	a1 := chunk.New("a.go", 1, 10, "first")
	a2 := chunk.New("a.go", 9, 12, "second")
	b1 := chunk.New("b.go", 1, 2, "other")
	require.NoError(t, db.ReplaceFile(ctx, FileRecord{Path: "a.go", ModTime: mtime, Size: 10}, []chunk.Chunk{a2, a1}))
	require.NoError(t, db.ReplaceFile(ctx, FileRecord{Path: "b.go", ModTime: mtime, Size: 5}, []chunk.Chunk{b1}))

	chunks, err := db.Chunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []chunk.Chunk{a1, a2, b1}, chunks)

	files, err := db.Files(ctx)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, 2, files["a.go"].Chunks)
	assert.True(t, mtime.Equal(files["a.go"].ModTime))

	// When: a.go is replaced with a single chunk
	a3 := chunk.New("a.go", 1, 3, "rewritten")
	require.NoError(t, db.ReplaceFile(ctx, FileRecord{Path: "a.go", ModTime: mtime.Add(time.Second), Size: 9}, []chunk.Chunk{a3}))

	// Then: the old chunks are gone
	chunks, err = db.Chunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []chunk.Chunk{a3, b1}, chunks)
}

func TestChunkDB_RemoveFilesCascades(t *testing.T) {
	ctx := context.Background()
	db, err := OpenChunkDB("")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.ReplaceFile(ctx, FileRecord{Path: "a.go", ModTime: time.Now()}, []chunk.Chunk{chunk.New("a.go", 1, 1, "x")}))
	require.NoError(t, db.RemoveFiles(ctx, []string{"a.go", "never.go"}))

	chunks, err := db.Chunks(ctx)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	files, err := db.Files(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestChunkDB_StatePersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chunks.db")

	db, err := OpenChunkDB(path)
	require.NoError(t, err)
	v, err := db.State(ctx, StateKeyEmbeddingModel)
	require.NoError(t, err)
	assert.Empty(t, v)
	require.NoError(t, db.SetState(ctx, StateKeyEmbeddingModel, "model-a"))
	require.NoError(t, db.SetState(ctx, StateKeyEmbeddingModel, "model-b"))
	require.NoError(t, db.Close())

	db, err = OpenChunkDB(path)
	require.NoError(t, err)
	defer db.Close()
	v, err = db.State(ctx, StateKeyEmbeddingModel)
	require.NoError(t, err)
	assert.Equal(t, "model-b", v)

	require.NoError(t, db.Reset(ctx))
	v, err = db.State(ctx, StateKeyEmbeddingModel)
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestChunkDB_ChunkFiles(t *testing.T) {
	ctx := context.Background()
	db, err := OpenChunkDB("")
	require.NoError(t, err)
	defer db.Close()

	a := chunk.New("a.go", 1, 1, "x")
	b := chunk.New("b.go", 1, 1, "y")
	require.NoError(t, db.ReplaceFile(ctx, FileRecord{Path: "a.go", ModTime: time.Now()}, []chunk.Chunk{a}))
	require.NoError(t, db.ReplaceFile(ctx, FileRecord{Path: "b.go", ModTime: time.Now()}, []chunk.Chunk{b}))

	files, err := db.ChunkFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{a.ID: "a.go", b.ID: "b.go"}, files)
}
