// Package config loads codesearch configuration from defaults, YAML files,
// a project .env file and CODESEARCH_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// ProjectConfigName is the project-level config file name.
	ProjectConfigName = ".codesearch.yaml"
	// DataDirName is the per-project directory holding index files.
	DataDirName = ".codesearch"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "CODESEARCH_"
)

// Config is the root configuration.
type Config struct {
	Version     int               `yaml:"version" json:"version"`
	Paths       PathsConfig       `yaml:"paths" json:"paths"`
	Search      SearchConfig      `yaml:"search" json:"search"`
	Embeddings  EmbeddingsConfig  `yaml:"embeddings" json:"embeddings"`
	Performance PerformanceConfig `yaml:"performance" json:"performance"`
	Server      ServerConfig      `yaml:"server" json:"server"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" json:"telemetry"`
}

// PathsConfig selects which files are indexed.
type PathsConfig struct {
	Include []string `yaml:"include" json:"include"`
	Exclude []string `yaml:"exclude" json:"exclude"`

	// Gitignore honors .gitignore files; nil means true.
	Gitignore *bool `yaml:"gitignore,omitempty" json:"gitignore,omitempty"`
}

// SearchConfig configures chunking, BM25 and fusion.
type SearchConfig struct {
	K1               float64  `yaml:"bm25_k1" json:"bm25_k1"`
	B                float64  `yaml:"bm25_b" json:"bm25_b"`
	MinTermLength    int      `yaml:"min_term_length" json:"min_term_length"`
	MaxTermLength    int      `yaml:"max_term_length" json:"max_term_length"`
	StopWords        []string `yaml:"stop_words" json:"stop_words"`
	ChunkSize        int      `yaml:"chunk_size" json:"chunk_size"`       // lines per chunk
	ChunkOverlap     int      `yaml:"chunk_overlap" json:"chunk_overlap"` // lines shared with previous chunk
	MaxResults       int      `yaml:"max_results" json:"max_results"`
	IncludeTestFiles bool     `yaml:"include_test_files" json:"include_test_files"`
	SymbolBoost      float64  `yaml:"symbol_boost" json:"symbol_boost"`
	QueryCacheSize   int      `yaml:"query_cache_size" json:"query_cache_size"`
	Timeout          string   `yaml:"timeout" json:"timeout"`
}

// EmbeddingsConfig configures the bounded model reader and its cache.
type EmbeddingsConfig struct {
	// ModelPath is a GGUF file. Empty selects the static hash embedder.
	ModelPath      string `yaml:"model_path" json:"model_path"`
	BatchSize      int    `yaml:"batch_size" json:"batch_size"`
	Workers        int    `yaml:"workers" json:"workers"`
	CacheSize      int    `yaml:"cache_size" json:"cache_size"`
	AllocCeiling   string `yaml:"alloc_ceiling" json:"alloc_ceiling"`
	MemoryBudget   string `yaml:"memory_budget" json:"memory_budget"`
	WindowSize     string `yaml:"window_size" json:"window_size"`
	MaxTokens      int    `yaml:"max_tokens" json:"max_tokens"`
	Timeout        string `yaml:"timeout" json:"timeout"`
	QueryPrefix    string `yaml:"query_prefix" json:"query_prefix"`
	DocumentPrefix string `yaml:"document_prefix" json:"document_prefix"`
}

// PerformanceConfig bounds indexing work.
type PerformanceConfig struct {
	MaxFiles      int    `yaml:"max_files" json:"max_files"`
	MaxFileSize   string `yaml:"max_file_size" json:"max_file_size"`
	IndexWorkers  int    `yaml:"index_workers" json:"index_workers"`
	WatchDebounce string `yaml:"watch_debounce" json:"watch_debounce"`
}

// TelemetryConfig controls local search statistics.
type TelemetryConfig struct {
	// Enabled records query statistics in the chunk database; nil means true.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// On reports whether telemetry is recorded.
func (t TelemetryConfig) On() bool {
	return t.Enabled == nil || *t.Enabled
}

// ServerConfig holds host-facing settings.
type ServerConfig struct {
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// DefaultStopWords are common English words only; programming keywords are
// deliberately absent so "for" or "if" stay searchable.
var DefaultStopWords = []string{
	"the", "and", "or", "a", "an", "is", "it", "in", "to",
	"of", "as", "at", "by", "with", "this", "that", "from",
}

// NewConfig returns a configuration populated with defaults.
func NewConfig() *Config {
	workers := runtime.NumCPU()
	if workers > 4 {
		workers = 4
	}

	return &Config{
		Version: 1,
		Paths: PathsConfig{
			Include: []string{},
			Exclude: []string{
				"**/node_modules/**",
				"**/.git/**",
				"**/vendor/**",
				"**/target/**",
				"**/dist/**",
				"**/" + DataDirName + "/**",
			},
		},
		Search: SearchConfig{
			K1:             1.2,
			B:              0.75,
			MinTermLength:  2,
			MaxTermLength:  50,
			StopWords:      append([]string(nil), DefaultStopWords...),
			ChunkSize:      100,
			ChunkOverlap:   10,
			MaxResults:     20,
			SymbolBoost:    0.1,
			QueryCacheSize: 100,
			Timeout:        "10s",
		},
		Embeddings: EmbeddingsConfig{
			BatchSize:      32,
			Workers:        workers,
			CacheSize:      10000,
			AllocCeiling:   "1MiB",
			MemoryBudget:   "100MiB",
			WindowSize:     "256KiB",
			MaxTokens:      512,
			Timeout:        "30s",
			QueryPrefix:    "search_query: ",
			DocumentPrefix: "search_document: ",
		},
		Performance: PerformanceConfig{
			MaxFiles:      100000,
			MaxFileSize:   "1MiB",
			IndexWorkers:  runtime.NumCPU(),
			WatchDebounce: "500ms",
		},
		Server: ServerConfig{
			LogLevel: "info",
		},
	}
}

// GetUserConfigPath returns the path of the user/global config file.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "codesearch", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "codesearch", "config.yaml")
	}
	return filepath.Join(home, ".config", "codesearch", "config.yaml")
}

// loadUserConfig returns nil config and nil error when no user file exists.
func loadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()
	if !fileExists(configPath) {
		return nil, nil
	}

	var parsed Config
	if err := parseYAML(configPath, &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

// Load loads configuration for the project rooted at dir.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/codesearch/config.yaml)
//  3. Project config (.codesearch.yaml in dir)
//  4. Project .env file (never overrides the real environment)
//  5. Environment variables (CODESEARCH_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	projectPath := filepath.Join(dir, ProjectConfigName)
	if fileExists(projectPath) {
		var parsed Config
		if err := parseYAML(projectPath, &parsed); err != nil {
			return nil, err
		}
		cfg.mergeWith(&parsed)
	}

	dotenv, err := readDotEnv(dir)
	if err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func readDotEnv(dir string) (map[string]string, error) {
	path := filepath.Join(dir, ".env")
	if !fileExists(path) {
		return nil, nil
	}
	vals, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return vals, nil
}

func parseYAML(path string, into *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	if len(other.Paths.Include) > 0 {
		c.Paths.Include = other.Paths.Include
	}
	if len(other.Paths.Exclude) > 0 {
		// Merge with defaults rather than replace
		c.Paths.Exclude = append(c.Paths.Exclude, other.Paths.Exclude...)
	}
	if other.Paths.Gitignore != nil {
		v := *other.Paths.Gitignore
		c.Paths.Gitignore = &v
	}

	s, o := &c.Search, other.Search
	if o.K1 != 0 {
		s.K1 = o.K1
	}
	if o.B != 0 {
		s.B = o.B
	}
	if o.MinTermLength != 0 {
		s.MinTermLength = o.MinTermLength
	}
	if o.MaxTermLength != 0 {
		s.MaxTermLength = o.MaxTermLength
	}
	if o.StopWords != nil {
		s.StopWords = o.StopWords
	}
	if o.ChunkSize != 0 {
		s.ChunkSize = o.ChunkSize
	}
	if o.ChunkOverlap != 0 {
		s.ChunkOverlap = o.ChunkOverlap
	}
	if o.MaxResults != 0 {
		s.MaxResults = o.MaxResults
	}
	if o.IncludeTestFiles {
		s.IncludeTestFiles = true
	}
	if o.SymbolBoost != 0 {
		s.SymbolBoost = o.SymbolBoost
	}
	if o.QueryCacheSize != 0 {
		s.QueryCacheSize = o.QueryCacheSize
	}
	if o.Timeout != "" {
		s.Timeout = o.Timeout
	}

	e, oe := &c.Embeddings, other.Embeddings
	if oe.ModelPath != "" {
		e.ModelPath = oe.ModelPath
	}
	if oe.BatchSize != 0 {
		e.BatchSize = oe.BatchSize
	}
	if oe.Workers != 0 {
		e.Workers = oe.Workers
	}
	if oe.CacheSize != 0 {
		e.CacheSize = oe.CacheSize
	}
	if oe.AllocCeiling != "" {
		e.AllocCeiling = oe.AllocCeiling
	}
	if oe.MemoryBudget != "" {
		e.MemoryBudget = oe.MemoryBudget
	}
	if oe.WindowSize != "" {
		e.WindowSize = oe.WindowSize
	}
	if oe.MaxTokens != 0 {
		e.MaxTokens = oe.MaxTokens
	}
	if oe.Timeout != "" {
		e.Timeout = oe.Timeout
	}
	if oe.QueryPrefix != "" {
		e.QueryPrefix = oe.QueryPrefix
	}
	if oe.DocumentPrefix != "" {
		e.DocumentPrefix = oe.DocumentPrefix
	}

	p, op := &c.Performance, other.Performance
	if op.MaxFiles != 0 {
		p.MaxFiles = op.MaxFiles
	}
	if op.MaxFileSize != "" {
		p.MaxFileSize = op.MaxFileSize
	}
	if op.IndexWorkers != 0 {
		p.IndexWorkers = op.IndexWorkers
	}
	if op.WatchDebounce != "" {
		p.WatchDebounce = op.WatchDebounce
	}

	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}
	if other.Telemetry.Enabled != nil {
		v := *other.Telemetry.Enabled
		c.Telemetry.Enabled = &v
	}
}

// applyEnvOverrides applies CODESEARCH_* values. Unparseable values are
// ignored so that Validate reports on the file-level configuration.
func (c *Config) applyEnvOverrides(lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f >= 0 {
				*dst = f
			}
		}
	}

	float("BM25_K1", &c.Search.K1)
	float("BM25_B", &c.Search.B)
	num("MAX_RESULTS", &c.Search.MaxResults)
	float("SYMBOL_BOOST", &c.Search.SymbolBoost)
	if v, ok := lookup(EnvPrefix + "INCLUDE_TEST_FILES"); ok {
		// explicit false is honored here, unlike in YAML merging
		c.Search.IncludeTestFiles = strings.EqualFold(v, "true") || v == "1"
	}

	if v, ok := lookup(EnvPrefix + "GITIGNORE"); ok {
		respect := strings.EqualFold(v, "true") || v == "1"
		c.Paths.Gitignore = &respect
	}

	str("MODEL_PATH", &c.Embeddings.ModelPath)
	num("CACHE_SIZE", &c.Embeddings.CacheSize)
	num("EMBED_WORKERS", &c.Embeddings.Workers)
	num("BATCH_SIZE", &c.Embeddings.BatchSize)
	str("ALLOC_CEILING", &c.Embeddings.AllocCeiling)
	str("MEMORY_BUDGET", &c.Embeddings.MemoryBudget)
	str("EMBED_TIMEOUT", &c.Embeddings.Timeout)

	str("LOG_LEVEL", &c.Server.LogLevel)
	if v, ok := lookup(EnvPrefix + "TELEMETRY"); ok {
		on := strings.EqualFold(v, "true") || v == "1"
		c.Telemetry.Enabled = &on
	}
}

// Validate checks the final configuration.
func (c *Config) Validate() error {
	if c.Search.K1 < 0 {
		return fmt.Errorf("search.bm25_k1 must be non-negative, got %f", c.Search.K1)
	}
	if c.Search.B < 0 || c.Search.B > 1 {
		return fmt.Errorf("search.bm25_b must be between 0 and 1, got %f", c.Search.B)
	}
	if c.Search.ChunkSize <= 0 {
		return fmt.Errorf("search.chunk_size must be positive, got %d", c.Search.ChunkSize)
	}
	if c.Search.ChunkOverlap < 0 || c.Search.ChunkOverlap >= c.Search.ChunkSize {
		return fmt.Errorf("search.chunk_overlap must be in [0, chunk_size), got %d", c.Search.ChunkOverlap)
	}
	if c.Search.MaxResults <= 0 {
		return fmt.Errorf("search.max_results must be positive, got %d", c.Search.MaxResults)
	}
	if c.Search.MinTermLength < 1 || c.Search.MaxTermLength < c.Search.MinTermLength {
		return fmt.Errorf("search term length bounds invalid: min=%d max=%d",
			c.Search.MinTermLength, c.Search.MaxTermLength)
	}
	if c.Search.SymbolBoost < 0 || c.Search.SymbolBoost > 1 {
		return fmt.Errorf("search.symbol_boost must be between 0 and 1, got %f", c.Search.SymbolBoost)
	}
	if c.Embeddings.CacheSize <= 0 {
		return fmt.Errorf("embeddings.cache_size must be positive, got %d", c.Embeddings.CacheSize)
	}
	if c.Embeddings.Workers <= 0 {
		return fmt.Errorf("embeddings.workers must be positive, got %d", c.Embeddings.Workers)
	}

	ceiling, err := c.Embeddings.AllocCeilingBytes()
	if err != nil {
		return err
	}
	budget, err := c.Embeddings.MemoryBudgetBytes()
	if err != nil {
		return err
	}
	if budget < ceiling {
		return fmt.Errorf("embeddings.memory_budget (%s) must be at least alloc_ceiling (%s)",
			humanize.IBytes(uint64(budget)), humanize.IBytes(uint64(ceiling)))
	}
	window, err := c.Embeddings.WindowBytes()
	if err != nil {
		return err
	}
	if c.Embeddings.MaxTokens < 0 {
		return fmt.Errorf("embeddings.max_tokens must not be negative, got %d", c.Embeddings.MaxTokens)
	}
	if n := int64(c.Embeddings.MaxTokens) * maxTokenBytes; n > ceiling {
		return fmt.Errorf("embeddings.max_tokens (%d) needs up to %s of text per input, above alloc_ceiling (%s)",
			c.Embeddings.MaxTokens, humanize.IBytes(uint64(n)), humanize.IBytes(uint64(ceiling)))
	}
	if window > ceiling {
		return fmt.Errorf("embeddings.window_size (%s) must not exceed alloc_ceiling (%s)",
			humanize.IBytes(uint64(window)), humanize.IBytes(uint64(ceiling)))
	}
	if _, err := c.Embeddings.EmbedTimeout(); err != nil {
		return err
	}
	if _, err := c.Search.SearchTimeout(); err != nil {
		return err
	}
	if _, err := c.Performance.MaxFileBytes(); err != nil {
		return err
	}
	if _, err := c.Performance.Debounce(); err != nil {
		return err
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	return nil
}

// maxTokenBytes is the longest word the tokenizer keeps as one token.
const maxTokenBytes = 100

// RespectGitignore reports whether .gitignore files are honored.
func (p PathsConfig) RespectGitignore() bool {
	return p.Gitignore == nil || *p.Gitignore
}

// AllocCeilingBytes returns the per-allocation ceiling in bytes.
func (e EmbeddingsConfig) AllocCeilingBytes() (int64, error) {
	return parseSize("embeddings.alloc_ceiling", e.AllocCeiling)
}

// MemoryBudgetBytes returns the total outstanding-allocation budget in bytes.
func (e EmbeddingsConfig) MemoryBudgetBytes() (int64, error) {
	return parseSize("embeddings.memory_budget", e.MemoryBudget)
}

// WindowBytes returns the tensor read window in bytes.
func (e EmbeddingsConfig) WindowBytes() (int64, error) {
	return parseSize("embeddings.window_size", e.WindowSize)
}

// EmbedTimeout returns the per-call embedding deadline. Zero disables it.
func (e EmbeddingsConfig) EmbedTimeout() (time.Duration, error) {
	return parseDuration("embeddings.timeout", e.Timeout)
}

// SearchTimeout returns the per-query deadline. Zero disables it.
func (s SearchConfig) SearchTimeout() (time.Duration, error) {
	return parseDuration("search.timeout", s.Timeout)
}

// MaxFileBytes returns the largest file the scanner will index.
func (p PerformanceConfig) MaxFileBytes() (int64, error) {
	return parseSize("performance.max_file_size", p.MaxFileSize)
}

// Debounce returns the watcher debounce window.
func (p PerformanceConfig) Debounce() (time.Duration, error) {
	return parseDuration("performance.watch_debounce", p.WatchDebounce)
}

func parseSize(field, v string) (int64, error) {
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid size %q: %w", field, v, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%s must be positive", field)
	}
	return int64(n), nil
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" || v == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, v, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must be non-negative", field)
	}
	return d, nil
}

// FindProjectRoot walks up from startDir looking for .git or a
// .codesearch.yaml file. Falls back to startDir itself.
func FindProjectRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	currentDir := absDir
	for {
		if dirExists(filepath.Join(currentDir, ".git")) ||
			fileExists(filepath.Join(currentDir, ProjectConfigName)) {
			return currentDir, nil
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return absDir, nil
		}
		currentDir = parentDir
	}
}

// DataDir returns the index directory for a project root.
func DataDir(root string) string {
	return filepath.Join(root, DataDirName)
}

// WriteYAML writes the configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
