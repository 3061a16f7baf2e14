package gitignore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
)

// FileName is the per-directory ignore file.
const FileName = ".gitignore"

// Matcher holds patterns from any number of ignore files. It is safe for
// concurrent use.
type Matcher struct {
	mu       sync.RWMutex
	patterns []pattern
}

type pattern struct {
	base     string   // directory of the ignore file, "" for the root
	segments []string // slash-separated glob segments
	negate   bool
	dirOnly  bool
	anchored bool // matched against the whole path below base
}

// New returns an empty matcher.
func New() *Matcher {
	return &Matcher{}
}

// Add reads patterns from r. base is the slash-separated directory, relative
// to the project root, that the patterns apply under.
func (m *Matcher) Add(base string, r io.Reader) error {
	base = strings.Trim(base, "/")
	var parsed []pattern
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if p, ok := parse(sc.Text(), base); ok {
			parsed = append(parsed, p)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read ignore patterns: %w", err)
	}

	m.mu.Lock()
	m.patterns = append(m.patterns, parsed...)
	m.mu.Unlock()
	return nil
}

// AddLines adds patterns given one per element.
func (m *Matcher) AddLines(base string, lines ...string) {
	_ = m.Add(base, strings.NewReader(strings.Join(lines, "\n")))
}

// AddFile reads the ignore file at path. A missing file adds nothing.
func (m *Matcher) AddFile(path, base string) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return m.Add(base, f)
}

// Len returns the number of patterns held.
func (m *Matcher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.patterns)
}

// Ignored reports whether the slash-separated path rel, relative to the
// project root, is ignored.
func (m *Matcher) Ignored(rel string, isDir bool) bool {
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.patterns) == 0 {
		return false
	}

	for i := 0; i < len(rel); i++ {
		if rel[i] == '/' && m.decide(rel[:i], true) {
			return true
		}
	}
	return m.decide(rel, isDir)
}

// decide applies every pattern in order; the last match wins.
func (m *Matcher) decide(rel string, isDir bool) bool {
	ignored := false
	for i := range m.patterns {
		if m.patterns[i].matches(rel, isDir) {
			ignored = !m.patterns[i].negate
		}
	}
	return ignored
}

func parse(line, base string) (pattern, bool) {
	line = strings.TrimSuffix(line, "\r")
	line = trimTrailingSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return pattern{}, false
	}

	p := pattern{base: base}
	switch {
	case strings.HasPrefix(line, `\#`), strings.HasPrefix(line, `\!`):
		line = line[1:]
	case strings.HasPrefix(line, "!"):
		p.negate = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		p.dirOnly = true
		line = strings.TrimRight(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		p.anchored = true
		line = strings.TrimLeft(line, "/")
	}
	if line == "" {
		return pattern{}, false
	}
	if strings.Contains(line, "/") {
		p.anchored = true
	}
	p.segments = strings.Split(line, "/")
	return p, true
}

// trimTrailingSpace drops unescaped trailing spaces; "\ " keeps one.
func trimTrailingSpace(s string) string {
	trimmed := strings.TrimRight(s, " ")
	if strings.HasSuffix(trimmed, `\`) && len(trimmed) < len(s) {
		return trimmed[:len(trimmed)-1] + " "
	}
	return trimmed
}

func (p *pattern) matches(rel string, isDir bool) bool {
	if p.dirOnly && !isDir {
		return false
	}
	if p.base != "" {
		if !strings.HasPrefix(rel, p.base+"/") {
			return false
		}
		rel = rel[len(p.base)+1:]
	}
	if !p.anchored {
		ok, _ := path.Match(p.segments[0], path.Base(rel))
		return ok
	}
	return matchSegments(p.segments, strings.Split(rel, "/"))
}

func matchSegments(pat, name []string) bool {
	if len(pat) == 0 {
		return len(name) == 0
	}
	if pat[0] == "**" {
		if len(pat) == 1 {
			return len(name) > 0
		}
		for i := 0; i <= len(name); i++ {
			if matchSegments(pat[1:], name[i:]) {
				return true
			}
		}
		return false
	}
	if len(name) == 0 {
		return false
	}
	if ok, _ := path.Match(pat[0], name[0]); !ok {
		return false
	}
	return matchSegments(pat[1:], name[1:])
}
