package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/codesearch/internal/logging"
)

func newTestCached(inner Embedder) *CachedEmbedder {
	return NewCachedEmbedder(inner, NewCache(16, logging.Discard()), DefaultPrefixes)
}

func TestCachedEmbedder_HitSkipsInner(t *testing.T) {
	// Given: a cached embedder that has seen "x"
	inner := &fakeEmbedder{}
	c := newTestCached(inner)
	first, err := c.Embed(context.Background(), "x")
	require.NoError(t, err)

	// When: embedding "x" again
	second, err := c.Embed(context.Background(), "x")
	require.NoError(t, err)

	// Then: the inner embedder ran once
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"x"}, inner.seen())
}

func TestCachedEmbedder_KeyIncludesModel(t *testing.T) {
	assert.NotEqual(t, CacheKey("a", "text"), CacheKey("b", "text"))
	assert.Equal(t, CacheKey("a", "text"), CacheKey("a", "text"))
	assert.Len(t, CacheKey("a", "text"), 64)
}

func TestCachedEmbedder_Prefixes(t *testing.T) {
	inner := &fakeEmbedder{}
	c := newTestCached(inner)

	_, err := c.EmbedQuery(context.Background(), "find auth")
	require.NoError(t, err)
	results := c.EmbedDocuments(context.Background(), []string{"func auth() {}"})
	require.NoError(t, results[0].Err)

	assert.Equal(t, []string{"search_query: find auth", "search_document: func auth() {}"}, inner.seen())
}

func TestCachedEmbedder_BatchKeepsPartialProgress(t *testing.T) {
	// Given: an inner embedder failing one of three texts
	inner := &fakeEmbedder{fail: map[string]bool{"b": true}}
	c := newTestCached(inner)

	// When: embedding the batch twice
	first := c.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	inner.fail = nil
	second := c.EmbedBatch(context.Background(), []string{"a", "b", "c"})

	// Then: the first run cached the two successes and the retry only
	// embedded the failed text
	assert.NoError(t, first[0].Err)
	assert.Error(t, first[1].Err)
	assert.NoError(t, first[2].Err)
	assert.Equal(t, []string{"a", "b", "c", "b"}, inner.seen())
	for i := range second {
		require.NoError(t, second[i].Err)
	}
	assert.Equal(t, first[0].Vector, second[0].Vector)
	assert.Equal(t, 3, c.Cache().Len())
}

func TestCachedEmbedder_Passthrough(t *testing.T) {
	inner := &fakeEmbedder{}
	c := NewCachedEmbedder(inner, nil, Prefixes{})
	assert.Equal(t, 2, c.Dimensions())
	assert.Equal(t, "fake", c.ModelName())
	assert.Same(t, inner, c.Inner())
	assert.Equal(t, DefaultCacheSize, c.Cache().Capacity())
	assert.NoError(t, c.Close())
}

func TestStaticEmbedder(t *testing.T) {
	e := NewStaticEmbedder()
	ctx := context.Background()

	a, err := e.Embed(ctx, "func authenticateUser() error")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "func authenticateUser() error")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, StaticDimensions)
	assertUnit(t, a)

	blank, err := e.Embed(ctx, "   ")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, StaticDimensions), blank)

	results := e.EmbedBatch(ctx, []string{"one", "two"})
	require.Len(t, results, 2)
	assert.NotEqual(t, results[0].Vector, results[1].Vector)

	require.NoError(t, e.Close())
	_, err = e.Embed(ctx, "x")
	assert.Error(t, err)
}
