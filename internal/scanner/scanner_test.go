package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func paths(files []FileInfo) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	sort.Strings(out)
	return out
}

func TestCollect_SkipsExcludedBinaryAndSensitive(t *testing.T) {
	// Given: a tree with source, vendored, binary, secret and generated files
	root := makeTree(t, map[string]string{
		"main.go":                 "package main\n",
		"internal/auth/auth.go":   "package auth\n",
		"node_modules/x/index.js": "x",
		".git/HEAD":               "ref",
		"bin/tool":                "\x00\x01ELF",
		".env":                    "SECRET=1",
		"web/app.min.js":          "minified",
		"gen/out.pb.go":           "package gen\n",
	})

	// When: scanning with an extra exclusion
	files, err := Collect(context.Background(), Options{Root: root, ExcludePatterns: []string{"gen/**"}})
	require.NoError(t, err)

	// Then: only real sources remain
	assert.Equal(t, []string{"internal/auth/auth.go", "main.go"}, paths(files))
}

func TestCollect_IncludeSizeAndLimit(t *testing.T) {
	root := makeTree(t, map[string]string{
		"a.go":   "package a\n",
		"b.py":   "x = 1\n",
		"big.go": "package big\n" + strings.Repeat("x", 2048),
	})

	files, err := Collect(context.Background(), Options{Root: root, IncludePatterns: []string{"*.go"}, MaxFileSize: 1024})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, paths(files))

	limited, err := Collect(context.Background(), Options{Root: root, MaxFiles: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestScan_RootMustBeDirectory(t *testing.T) {
	root := makeTree(t, map[string]string{"f.go": "package f\n"})

	_, err := Scan(context.Background(), Options{Root: filepath.Join(root, "f.go")})
	assert.Error(t, err)
	_, err = Scan(context.Background(), Options{Root: filepath.Join(root, "missing")})
	assert.Error(t, err)
}

func TestCollect_CancelledContext(t *testing.T) {
	root := makeTree(t, map[string]string{"a.go": "package a\n", "b.go": "package b\n"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Collect(ctx, Options{Root: root})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, rel string
		want         bool
	}{
		{"**/vendor/**", "vendor/", true},
		{"**/vendor/**", "a/vendor/x.go", true},
		{"**/vendor/**", "vendorized.go", false},
		{"dist/**", "dist/app.js", true},
		{"dist/**", "src/dist.go", false},
		{"**/*.min.js", "web/a/app.min.js", true},
		{"*.go", "deep/dir/x.go", true},
		{"cmd/*.go", "cmd/main.go", true},
		{"cmd/*.go", "cmd/sub/main.go", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.pattern, tt.rel), "%s vs %s", tt.pattern, tt.rel)
	}
}

func TestStat(t *testing.T) {
	root := makeTree(t, map[string]string{
		"main.go":           "package main\n",
		"empty.go":          "",
		"bin/tool":          "\x00\x01ELF",
		".env":              "SECRET=1",
		"vendor/dep/dep.go": "package dep\n",
		"docs/guide.md":     "# guide\n",
	})
	opts := Options{Root: root, ExcludePatterns: []string{"vendor/**"}, IncludePatterns: []string{"**/*.go", "**/*.md", "bin/*", ".env"}}

	tests := []struct {
		rel  string
		want bool
	}{
		{"main.go", true},
		{"./docs/../main.go", true},
		{"docs/guide.md", true},
		{"missing.go", false},
		{"empty.go", false},
		{"bin/tool", false},
		{".env", false},
		{"vendor/dep/dep.go", false},
		{"../outside.go", false},
		{"docs", false},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			info, err := Stat(opts, tt.rel)
			require.NoError(t, err)
			if !tt.want {
				assert.Nil(t, info)
				return
			}
			require.NotNil(t, info)
			assert.False(t, strings.HasPrefix(info.Path, "."))
			assert.Equal(t, filepath.Join(root, filepath.FromSlash(info.Path)), info.AbsPath)
		})
	}
}

func gitignoreTree(t *testing.T) string {
	t.Helper()
	return makeTree(t, map[string]string{
		".gitignore":          "*.log\nbuild/\n",
		"main.go":             "package main\n",
		"debug.log":           "trace\n",
		"build/out.go":        "package build\n",
		"web/.gitignore":      "dist/\n!keep.log\n",
		"web/app.js":          "app()\n",
		"web/keep.log":        "kept\n",
		"web/dist/bundle.js":  "bundle()\n",
		"api/dist/handler.go": "package dist\n",
	})
}

func TestCollect_RespectsGitignore(t *testing.T) {
	// Given: root and nested .gitignore files
	root := gitignoreTree(t)

	// When: scanning with and without gitignore support
	ignoring, err := Collect(context.Background(), Options{Root: root, RespectGitignore: true})
	require.NoError(t, err)
	all, err := Collect(context.Background(), Options{Root: root})
	require.NoError(t, err)

	// Then: nested patterns apply below their directory only
	assert.Equal(t, []string{
		".gitignore",
		"api/dist/handler.go",
		"main.go",
		"web/.gitignore",
		"web/app.js",
		"web/keep.log",
	}, paths(ignoring))
	assert.Len(t, all, 9)
}

func TestStat_RespectsGitignore(t *testing.T) {
	root := gitignoreTree(t)
	opts := Options{Root: root, RespectGitignore: true}

	tests := []struct {
		rel  string
		want bool
	}{
		{"main.go", true},
		{"debug.log", false},
		{"build/out.go", false},
		{"web/keep.log", true},
		{"web/dist/bundle.js", false},
		{"api/dist/handler.go", true},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			info, err := Stat(opts, tt.rel)

			require.NoError(t, err)
			assert.Equal(t, tt.want, info != nil)
		})
	}
}
