package search

import "time"

// Defaults for query options and engine tuning.
const (
	// DefaultMaxResults is the number of results returned when unset
	DefaultMaxResults = 20

	// DefaultSymbolBoost is added to results declaring a queried symbol
	DefaultSymbolBoost = 0.1

	// DefaultQueryCacheSize is the number of cached result lists
	DefaultQueryCacheSize = 100

	// minSourceLimit is the fewest candidates asked of each source
	minSourceLimit = 50
)

// Options configures a single query.
type Options struct {
	// MaxResults caps the returned results (default: 20).
	MaxResults int

	// IncludeTestFiles keeps results from test sources (default: false).
	IncludeTestFiles bool
}

// DefaultOptions returns the default query options.
func DefaultOptions() Options {
	return Options{MaxResults: DefaultMaxResults}
}

func (o Options) withDefaults() Options {
	if o.MaxResults <= 0 {
		o.MaxResults = DefaultMaxResults
	}
	return o
}

// sourceLimit is the candidate count asked of each source. Sources return
// more than MaxResults so test-file filtering still leaves enough results.
func (o Options) sourceLimit() int {
	return max(o.MaxResults*3, minSourceLimit)
}

// EngineConfig tunes an Engine.
type EngineConfig struct {
	// SymbolBoost is added (capped at 1) to results declaring a queried
	// symbol. Zero disables the boost.
	SymbolBoost float64

	// QueryCacheSize is the number of cached result lists. Zero disables
	// the cache.
	QueryCacheSize int

	// Timeout bounds one Search call. Zero means no deadline beyond the
	// caller's.
	Timeout time.Duration
}

// DefaultEngineConfig returns the default engine tuning.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SymbolBoost:    DefaultSymbolBoost,
		QueryCacheSize: DefaultQueryCacheSize,
		Timeout:        5 * time.Second,
	}
}
