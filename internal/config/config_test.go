package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the user config lookup at an empty temp directory.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	return t.TempDir()
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// =============================================================================
// AC01: Default Configuration Tests
// =============================================================================

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	// Given: no configuration file exists
	cfg := NewConfig()

	// Then: all defaults should be applied
	require.NotNil(t, cfg)
	assert.Equal(t, 1, cfg.Version)

	assert.Equal(t, 1.2, cfg.Search.K1)
	assert.Equal(t, 0.75, cfg.Search.B)
	assert.Equal(t, 20, cfg.Search.MaxResults)
	assert.False(t, cfg.Search.IncludeTestFiles)
	assert.Equal(t, 100, cfg.Search.ChunkSize)
	assert.Equal(t, 2, cfg.Search.MinTermLength)
	assert.Equal(t, 50, cfg.Search.MaxTermLength)
	assert.Contains(t, cfg.Search.StopWords, "the")
	assert.NotContains(t, cfg.Search.StopWords, "for")

	assert.Equal(t, 10000, cfg.Embeddings.CacheSize)
	ceiling, err := cfg.Embeddings.AllocCeilingBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), ceiling)
	budget, err := cfg.Embeddings.MemoryBudgetBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(100<<20), budget)

	assert.Contains(t, cfg.Paths.Exclude, "**/.git/**")
	assert.NoError(t, cfg.Validate())
}

// =============================================================================
// AC02: Precedence Tests
// =============================================================================

func TestLoad_ProjectFileOverridesDefaults(t *testing.T) {
	// Given: a project config
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ProjectConfigName), `
search:
  bm25_k1: 1.5
  max_results: 5
  include_test_files: true
embeddings:
  alloc_ceiling: 2MiB
  cache_size: 50
paths:
  exclude: ["**/generated/**"]
`)

	// When: loading
	cfg, err := Load(dir)
	require.NoError(t, err)

	// Then: file values win, untouched fields keep defaults
	assert.Equal(t, 1.5, cfg.Search.K1)
	assert.Equal(t, 0.75, cfg.Search.B)
	assert.Equal(t, 5, cfg.Search.MaxResults)
	assert.True(t, cfg.Search.IncludeTestFiles)
	assert.Equal(t, 50, cfg.Embeddings.CacheSize)
	assert.Contains(t, cfg.Paths.Exclude, "**/generated/**")
	assert.Contains(t, cfg.Paths.Exclude, "**/.git/**")
	ceiling, _ := cfg.Embeddings.AllocCeilingBytes()
	assert.Equal(t, int64(2<<20), ceiling)
}

func TestLoad_UserConfigBelowProjectConfig(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	dir := t.TempDir()
	writeFile(t, filepath.Join(xdg, "codesearch", "config.yaml"), "search:\n  max_results: 7\n  bm25_b: 0.5\n")
	writeFile(t, filepath.Join(dir, ProjectConfigName), "search:\n  max_results: 9\n")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Search.MaxResults)
	assert.Equal(t, 0.5, cfg.Search.B)
}

func TestLoad_EnvOverridesFileAndDotEnv(t *testing.T) {
	// Given: a file, a .env and a real env var for overlapping keys
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ProjectConfigName), "search:\n  max_results: 5\n")
	writeFile(t, filepath.Join(dir, ".env"),
		"CODESEARCH_MAX_RESULTS=6\nCODESEARCH_CACHE_SIZE=77\nCODESEARCH_INCLUDE_TEST_FILES=true\n")
	t.Setenv("CODESEARCH_MAX_RESULTS", "8")

	// When: loading
	cfg, err := Load(dir)
	require.NoError(t, err)

	// Then: real env beats .env, .env beats the file
	assert.Equal(t, 8, cfg.Search.MaxResults)
	assert.Equal(t, 77, cfg.Embeddings.CacheSize)
	assert.True(t, cfg.Search.IncludeTestFiles)
}

func TestLoad_Gitignore(t *testing.T) {
	tests := []struct {
		name    string
		project string
		env     string
		want    bool
	}{
		{name: "TS01: honored by default", want: true},
		{name: "TS02: disabled in project file", project: "paths:\n  gitignore: false\n", want: false},
		{name: "TS03: env re-enables", project: "paths:\n  gitignore: false\n", env: "1", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			if tt.project != "" {
				writeFile(t, filepath.Join(dir, ProjectConfigName), tt.project)
			}
			if tt.env != "" {
				t.Setenv("CODESEARCH_GITIGNORE", tt.env)
			}

			cfg, err := Load(dir)

			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Paths.RespectGitignore())
		})
	}
}

func TestLoad_InvalidYAMLFails(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ProjectConfigName), "search: [unclosed")

	_, err := Load(dir)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}

// =============================================================================
// AC03: Validation Tests
// =============================================================================

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"b above one", func(c *Config) { c.Search.B = 1.5 }, "bm25_b"},
		{"zero max results", func(c *Config) { c.Search.MaxResults = 0 }, "max_results"},
		{"overlap too large", func(c *Config) { c.Search.ChunkOverlap = c.Search.ChunkSize }, "chunk_overlap"},
		{"bad size", func(c *Config) { c.Embeddings.AllocCeiling = "lots" }, "alloc_ceiling"},
		{"budget below ceiling", func(c *Config) { c.Embeddings.MemoryBudget = "512KiB" }, "memory_budget"},
		{"window above ceiling", func(c *Config) { c.Embeddings.WindowSize = "2MiB" }, "window_size"},
		{"bad timeout", func(c *Config) { c.Embeddings.Timeout = "soon" }, "embeddings.timeout"},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "loud" }, "log_level"},
		{"zero cache", func(c *Config) { c.Embeddings.CacheSize = 0 }, "cache_size"},
		{"negative max tokens", func(c *Config) { c.Embeddings.MaxTokens = -1 }, "max_tokens"},
		{"max tokens above ceiling", func(c *Config) { c.Embeddings.MaxTokens = 20000 }, "max_tokens"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDurations_ParseAndZeroDisables(t *testing.T) {
	cfg := NewConfig()
	d, err := cfg.Embeddings.EmbedTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	cfg.Search.Timeout = "0"
	d, err = cfg.Search.SearchTimeout()
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestFindProjectRoot_WalksUpToGitDir(t *testing.T) {
	// Given: root/.git and a nested directory
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	// When: searching from the nested directory
	got, err := FindProjectRoot(nested)

	// Then: the root is found
	require.NoError(t, err)
	assert.Equal(t, root, got)
	assert.Equal(t, filepath.Join(root, DataDirName), DataDir(root))
}

func TestWriteYAML_RoundTrips(t *testing.T) {
	dir := isolate(t)
	cfg := NewConfig()
	cfg.Search.MaxResults = 3
	require.NoError(t, cfg.WriteYAML(filepath.Join(dir, ProjectConfigName)))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Search.MaxResults)
}
