package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Prefixes are the task prefixes prepended before embedding.
type Prefixes struct {
	Query    string
	Document string
}

// DefaultPrefixes are the prefixes nomic-style embedding models are trained
// with.
var DefaultPrefixes = Prefixes{
	Query:    "search_query: ",
	Document: "search_document: ",
}

// CachedEmbedder wraps an Embedder with a Cache to avoid redundant
// embedding computations. Same texts return cached results.
type CachedEmbedder struct {
	inner    Embedder
	cache    *Cache
	prefixes Prefixes
}

var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder creates a cached embedder wrapping inner. A nil cache
// gets a default-sized one.
func NewCachedEmbedder(inner Embedder, cache *Cache, prefixes Prefixes) *CachedEmbedder {
	if cache == nil {
		cache = NewCache(DefaultCacheSize, nil)
	}
	return &CachedEmbedder{inner: inner, cache: cache, prefixes: prefixes}
}

// CacheKey returns the content hash a vector for text is cached under.
// The model name is part of the key so switching models never serves stale
// vectors.
func CacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Embed returns the cached embedding of text, computing it on a miss.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.cache.getOrEmbed(ctx, CacheKey(c.inner.ModelName(), text), text, c.inner)
}

// EmbedBatch checks the cache for each text and embeds only the misses in
// one inner batch. Every successful entry is cached, so a cancelled batch
// keeps the progress it made.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) []BatchResult {
	results := make([]BatchResult, len(texts))
	model := c.inner.ModelName()

	keys := make([]string, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))
	for i, text := range texts {
		keys[i] = CacheKey(model, text)
		if vec, ok := c.cache.Get(keys[i]); ok {
			results[i].Vector = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return results
	}

	for j, r := range c.inner.EmbedBatch(ctx, missTexts) {
		i := missIdx[j]
		results[i] = r
		if r.Err == nil {
			c.cache.Put(keys[i], r.Vector)
		}
	}
	return results
}

// EmbedQuery embeds a search query with the query prefix.
func (c *CachedEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return c.Embed(ctx, c.prefixes.Query+query)
}

// EmbedDocuments embeds chunk texts with the document prefix.
func (c *CachedEmbedder) EmbedDocuments(ctx context.Context, texts []string) []BatchResult {
	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = c.prefixes.Document + t
	}
	return c.EmbedBatch(ctx, prefixed)
}

// Cache returns the underlying cache.
func (c *CachedEmbedder) Cache() *Cache {
	return c.cache
}

// Dimensions returns the embedding dimension (passthrough to inner).
func (c *CachedEmbedder) Dimensions() int {
	return c.inner.Dimensions()
}

// ModelName returns the model identifier (passthrough to inner).
func (c *CachedEmbedder) ModelName() string {
	return c.inner.ModelName()
}

// Close closes the inner embedder.
func (c *CachedEmbedder) Close() error {
	return c.inner.Close()
}

// Inner returns the underlying embedder.
func (c *CachedEmbedder) Inner() Embedder {
	return c.inner
}
