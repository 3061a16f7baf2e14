package embed

import (
	"context"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	cserrors "github.com/Aman-CERP/codesearch/internal/errors"
)

// DefaultCacheSize is the default number of cached vectors.
// At 768 dimensions * 4 bytes * 10000 entries ≈ 30MB memory.
const DefaultCacheSize = 10000

// Cache is a bounded LRU of vectors keyed by content hash. Entries are
// private copies: Put copies in and Get copies out, so a caller can never
// observe a vector that is still being written.
type Cache struct {
	entries  *lru.Cache[string, []float32]
	capacity int
	logger   *slog.Logger
}

// NewCache returns a cache holding up to capacity vectors. A non-positive
// capacity takes DefaultCacheSize.
func NewCache(capacity int, logger *slog.Logger) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	entries, _ := lru.New[string, []float32](capacity)
	return &Cache{entries: entries, capacity: capacity, logger: logger}
}

// Get returns a copy of the vector stored under hash and marks it recently
// used.
func (c *Cache) Get(hash string) ([]float32, bool) {
	vec, ok := c.entries.Get(hash)
	if !ok {
		return nil, false
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, true
}

// Put stores a copy of vec. A full cache evicts exactly the least recently
// used entry. Empty or non-finite vectors are not stored.
func (c *Cache) Put(hash string, vec []float32) {
	if len(vec) == 0 || ValidateVector(vec) != nil {
		return
	}
	entry := make([]float32, len(vec))
	copy(entry, vec)
	if c.entries.Add(hash, entry) {
		c.logger.Debug("embedding_cache_evicted",
			slog.String("code", cserrors.ErrCodeCacheFull),
			slog.Int("capacity", c.capacity))
	}
}

// Len returns the number of cached vectors.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Capacity returns the maximum number of cached vectors.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.entries.Purge()
}

// getOrEmbed returns the vector cached under key, embedding text with e on a
// miss.
func (c *Cache) getOrEmbed(ctx context.Context, key string, text string, e Embedder) ([]float32, error) {
	if vec, ok := c.Get(key); ok {
		return vec, nil
	}
	vec, err := e.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.Put(key, vec)
	return vec, nil
}
