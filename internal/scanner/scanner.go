// Package scanner discovers indexable text files under a project root,
// honoring exclusion patterns, .gitignore files, a size limit and binary
// detection.
package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Aman-CERP/codesearch/internal/gitignore"
)

// DefaultMaxFileSize is the default largest file indexed (1 MiB).
const DefaultMaxFileSize = 1 << 20

// FileInfo describes one discovered file.
type FileInfo struct {
	Path    string // slash-separated, relative to the root
	AbsPath string
	Size    int64
	ModTime time.Time
}

// Options configures a scan.
type Options struct {
	Root            string
	IncludePatterns []string // empty includes everything
	ExcludePatterns []string
	MaxFileSize     int64
	MaxFiles        int // 0 means unlimited

	// RespectGitignore skips paths ignored by .gitignore files at the root
	// and in every directory below it.
	RespectGitignore bool
}

// Result is one item on the scan channel; exactly one field is set.
type Result struct {
	File  *FileInfo
	Error error
}

// always skipped regardless of configuration
var defaultExcludes = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/__pycache__/**",
	"**/*.min.js",
	"**/*.min.css",
	"**/go.sum",
	"**/package-lock.json",
	"**/yarn.lock",
	"**/Cargo.lock",
	"**/*.gguf",
}

// never indexed, they may hold credentials
var sensitivePatterns = []string{
	".env*",
	"*.pem",
	"*.key",
	"id_rsa*",
	"*.p12",
	"credentials*",
}

// Scan walks opts.Root and streams matching files. The channel is closed
// when the walk ends or ctx is cancelled.
func Scan(ctx context.Context, opts Options) (<-chan Result, error) {
	root := opts.Root
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to stat root directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path is not a directory: %s", absRoot)
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}

	results := make(chan Result, 64)
	go func() {
		defer close(results)
		walk(ctx, absRoot, opts, results)
	}()
	return results, nil
}

// Collect runs Scan to completion and returns every file, failing on the
// first walk error.
func Collect(ctx context.Context, opts Options) ([]FileInfo, error) {
	ch, err := Scan(ctx, opts)
	if err != nil {
		return nil, err
	}
	var files []FileInfo
	for r := range ch {
		if r.Error != nil {
			return nil, r.Error
		}
		files = append(files, *r.File)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return files, nil
}

var errLimit = errors.New("file limit reached")

func walk(ctx context.Context, absRoot string, opts Options, results chan<- Result) {
	var ignore *gitignore.Matcher
	if opts.RespectGitignore {
		ignore = gitignore.New()
		_ = ignore.AddFile(filepath.Join(absRoot, gitignore.FileName), "")
	}

	count := 0
	err := filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return nil // unreadable entries are skipped
		}
		rel, err := filepath.Rel(absRoot, p)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if Excluded(rel+"/", opts.ExcludePatterns) {
				return filepath.SkipDir
			}
			if ignore != nil {
				if ignore.Ignored(rel, true) {
					return filepath.SkipDir
				}
				_ = ignore.AddFile(filepath.Join(p, gitignore.FileName), rel)
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 || !d.Type().IsRegular() {
			return nil
		}
		if Excluded(rel, opts.ExcludePatterns) || (ignore != nil && ignore.Ignored(rel, false)) {
			return nil
		}
		info, err := d.Info()
		if err != nil || !admit(rel, p, info, opts) {
			return nil
		}

		select {
		case results <- Result{File: &FileInfo{Path: rel, AbsPath: p, Size: info.Size(), ModTime: info.ModTime()}}:
		case <-ctx.Done():
			return ctx.Err()
		}
		count++
		if opts.MaxFiles > 0 && count >= opts.MaxFiles {
			return errLimit
		}
		return nil
	})

	if err != nil && !errors.Is(err, errLimit) && !errors.Is(err, context.Canceled) {
		select {
		case results <- Result{Error: err}:
		case <-ctx.Done():
		}
	}
}

// Stat applies the scan rules to one slash-separated path relative to
// opts.Root. It returns nil and no error when the file does not exist or
// would not be indexed.
func Stat(opts Options, rel string) (*FileInfo, error) {
	root := opts.Root
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}

	rel = path.Clean(filepath.ToSlash(rel))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
		return nil, nil
	}
	p := filepath.Join(absRoot, filepath.FromSlash(rel))
	info, err := os.Lstat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() || Excluded(rel, opts.ExcludePatterns) || !admit(rel, p, info, opts) {
		return nil, nil
	}
	if opts.RespectGitignore {
		ignored, err := gitignored(absRoot, rel)
		if err != nil || ignored {
			return nil, err
		}
	}
	return &FileInfo{Path: rel, AbsPath: p, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// gitignored loads the ignore files from the root down to the directory
// holding rel and reports whether rel is ignored.
func gitignored(absRoot, rel string) (bool, error) {
	m := gitignore.New()
	if err := m.AddFile(filepath.Join(absRoot, gitignore.FileName), ""); err != nil {
		return false, err
	}
	dirs := strings.Split(rel, "/")
	for i := 1; i < len(dirs); i++ {
		base := strings.Join(dirs[:i], "/")
		if err := m.AddFile(filepath.Join(absRoot, filepath.FromSlash(base), gitignore.FileName), base); err != nil {
			return false, err
		}
	}
	return m.Ignored(rel, false), nil
}

// admit checks the include patterns, the size bounds and binary content of
// a regular file that is not excluded.
func admit(rel, p string, info fs.FileInfo, opts Options) bool {
	if len(opts.IncludePatterns) > 0 && !matchesAny(rel, opts.IncludePatterns) {
		return false
	}
	if info.Size() > opts.MaxFileSize || info.Size() == 0 {
		return false
	}
	return !isBinary(p)
}

// Excluded reports whether a slash-separated relative path is excluded by
// the defaults, the sensitive patterns or extra. Directory paths end in "/".
func Excluded(rel string, extra []string) bool {
	base := path.Base(strings.TrimSuffix(rel, "/"))
	if !strings.HasSuffix(rel, "/") {
		for _, p := range sensitivePatterns {
			if ok, _ := path.Match(p, base); ok {
				return true
			}
		}
	}
	return matchesAny(rel, defaultExcludes) || matchesAny(rel, extra)
}

func matchesAny(rel string, patterns []string) bool {
	for _, p := range patterns {
		if Match(p, rel) {
			return true
		}
	}
	return false
}

// Match reports whether a slash-separated relative path matches a pattern.
// Supported forms:
//
//	**/name/**  any path with a directory component "name"
//	dir/**      anything under dir
//	**/*.ext    a base name glob at any depth
//	glob        path.Match against the whole path, then the base name
func Match(pattern, rel string) bool {
	isDir := strings.HasSuffix(rel, "/")
	rel = strings.TrimSuffix(rel, "/")
	parts := strings.Split(rel, "/")

	switch {
	case strings.HasPrefix(pattern, "**/") && strings.HasSuffix(pattern, "/**"):
		name := strings.TrimSuffix(strings.TrimPrefix(pattern, "**/"), "/**")
		dirs := parts
		if !isDir {
			dirs = parts[:len(parts)-1]
		}
		for _, part := range dirs {
			if part == name {
				return true
			}
		}
		return false
	case strings.HasSuffix(pattern, "/**"):
		prefix := strings.TrimSuffix(pattern, "/**")
		return rel == prefix || strings.HasPrefix(rel, prefix+"/")
	case strings.HasPrefix(pattern, "**/"):
		if isDir {
			return false
		}
		ok, _ := path.Match(strings.TrimPrefix(pattern, "**/"), parts[len(parts)-1])
		return ok
	}

	if ok, _ := path.Match(pattern, rel); ok {
		return true
	}
	if !strings.Contains(pattern, "/") && !isDir {
		ok, _ := path.Match(pattern, parts[len(parts)-1])
		return ok
	}
	return false
}

// isBinary looks for NUL bytes in the first 512 bytes.
func isBinary(p string) bool {
	f, err := os.Open(p)
	if err != nil {
		return true
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 512)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return true
	}
	return bytes.IndexByte(buf[:n], 0) >= 0
}
