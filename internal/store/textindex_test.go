package store

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/codesearch/internal/chunk"
)

func TestTextIndex_CandidatesRequireEveryTerm(t *testing.T) {
	ctx := context.Background()
	idx, err := NewTextIndex("")
	require.NoError(t, err)
	defer idx.Close()

	auth := chunk.New("auth.go", 1, 3, "func Authenticate(user string) error {\n\treturn nil\n}")
	logout := chunk.New("auth.go", 5, 5, "func Logout(user string) {}")
	require.NoError(t, idx.Apply(ctx, []chunk.Chunk{auth, logout}, nil))

	ids, ok, err := idx.Candidates(ctx, "Authenticate(user", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{auth.ID}, ids)

	ids, ok, err = idx.Candidates(ctx, "user string", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ElementsMatch(t, []string{auth.ID, logout.ID}, ids)

	n, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestTextIndex_QueryWithoutTermsCannotNarrow(t *testing.T) {
	idx, err := NewTextIndex("")
	require.NoError(t, err)
	defer idx.Close()

	ids, ok, err := idx.Candidates(context.Background(), "{} ()", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, ids)
}

func TestTextIndex_DeleteAndReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "text.bleve")

	// Given: an on-disk index with two chunks, one then deleted
	idx, err := NewTextIndex(path)
	require.NoError(t, err)
	a := chunk.New("a.go", 1, 1, "alpha beta")
	b := chunk.New("b.go", 1, 1, "alpha gamma")
	require.NoError(t, idx.Apply(ctx, []chunk.Chunk{a, b}, nil))
	require.NoError(t, idx.Apply(ctx, nil, []string{a.ID}))
	require.NoError(t, idx.Close())

	// When: reopening
	idx, err = NewTextIndex(path)
	require.NoError(t, err)
	defer idx.Close()

	// Then: only the surviving chunk is found
	ids, _, err := idx.Candidates(ctx, "alpha", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids)
}

func TestTextIndex_Closed(t *testing.T) {
	idx, err := NewTextIndex("")
	require.NoError(t, err)
	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())

	_, _, err = idx.Candidates(context.Background(), "alpha", 0)
	assert.Error(t, err)
}

func TestTextIndex_CandidatesKeepPartialIdentifiers(t *testing.T) {
	// Given: a chunk whose identifiers only partly appear in queries
	ctx := context.Background()
	idx, err := NewTextIndex("")
	require.NoError(t, err)
	defer idx.Close()
	c := chunk.New("user.go", 1, 1, "token := getUserAuthToken(ctx)")
	require.NoError(t, idx.Apply(ctx, []chunk.Chunk{c}, nil))

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"infix of one identifier", "serAuthTo", []string{c.ID}},
		{"suffix then whole word", "AuthToken(ctx", []string{c.ID}},
		{"prefix after whole word", "token := getU", []string{c.ID}},
		{"interior word must be whole", "x := getUser (y", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, ok, err := idx.Candidates(ctx, tt.query, 0)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.ElementsMatch(t, tt.want, ids)
		})
	}
}

func TestTextIndex_IDs(t *testing.T) {
	ctx := context.Background()
	idx, err := NewTextIndex("")
	require.NoError(t, err)
	defer idx.Close()

	ids, err := idx.IDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	a := chunk.New("a.go", 1, 1, "alpha")
	b := chunk.New("b.go", 1, 1, "{}")
	c := chunk.New("c.go", 1, 1, "gamma")
	require.NoError(t, idx.Apply(ctx, []chunk.Chunk{a, b, c}, nil))
	require.NoError(t, idx.Apply(ctx, nil, []string{c.ID}))

	// Then: chunks without indexable terms are listed too
	ids, err = idx.IDs(ctx)
	require.NoError(t, err)
	want := []string{a.ID, b.ID}
	sort.Strings(want)
	assert.Equal(t, want, ids)
}
