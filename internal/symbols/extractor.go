// Package symbols extracts declared symbol names from source files with
// tree-sitter. The search engine consumes it through SymbolsFor to boost
// results whose chunk declares a queried name.
package symbols

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	sitter "github.com/smacker/go-tree-sitter"
)

// Kind is the kind of a declared symbol.
type Kind string

const (
	KindFunction  Kind = "function"
	KindMethod    Kind = "method"
	KindClass     Kind = "class"
	KindInterface Kind = "interface"
	KindType      Kind = "type"
	KindConstant  Kind = "constant"
)

// Symbol is one declaration. Lines are 1-based and inclusive.
type Symbol struct {
	Name      string
	Kind      Kind
	StartLine int
	EndLine   int
}

// Provider returns the symbols declared in a file. Implementations return
// nil for unsupported or unreadable files rather than failing.
type Provider interface {
	SymbolsFor(filePath string) []Symbol
}

// DefaultCacheSize is the number of files whose symbols are memoized.
const DefaultCacheSize = 2048

type cacheEntry struct {
	modTime time.Time
	size    int64
	symbols []Symbol
}

// Extractor is a Provider backed by tree-sitter. File paths are resolved
// against Root. Results are memoized per file and invalidated when the
// file's size or modification time changes.
type Extractor struct {
	root    string
	cache   *lru.Cache[string, cacheEntry]
	parsers sync.Pool
	logger  *slog.Logger
}

var _ Provider = (*Extractor)(nil)

// NewExtractor creates an Extractor rooted at root.
func NewExtractor(root string, logger *slog.Logger) (*Extractor, error) {
	cache, err := lru.New[string, cacheEntry](DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create symbol cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		root:    root,
		cache:   cache,
		parsers: sync.Pool{New: func() any { return sitter.NewParser() }},
		logger:  logger,
	}, nil
}

// SymbolsFor implements Provider.
func (e *Extractor) SymbolsFor(filePath string) []Symbol {
	lang, ok := languageFor(filePath)
	if !ok {
		return nil
	}

	abs := filePath
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(e.root, filePath)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil
	}
	if entry, ok := e.cache.Get(filePath); ok && entry.modTime.Equal(info.ModTime()) && entry.size == info.Size() {
		return entry.symbols
	}

	source, err := os.ReadFile(abs)
	if err != nil {
		return nil
	}
	syms, err := e.Extract(context.Background(), lang, source)
	if err != nil {
		e.logger.Debug("symbol_extract_failed",
			slog.String("file", filePath),
			slog.String("error", err.Error()))
		return nil
	}

	e.cache.Add(filePath, cacheEntry{modTime: info.ModTime(), size: info.Size(), symbols: syms})
	return syms
}

// ExtractSource parses source as the language implied by path.
func (e *Extractor) ExtractSource(ctx context.Context, path string, source []byte) ([]Symbol, error) {
	lang, ok := languageFor(path)
	if !ok {
		return nil, fmt.Errorf("unsupported language for %s", path)
	}
	return e.Extract(ctx, lang, source)
}

// Extract parses source and walks the tree collecting declarations.
func (e *Extractor) Extract(ctx context.Context, lang *language, source []byte) ([]Symbol, error) {
	parser := e.parsers.Get().(*sitter.Parser)
	defer e.parsers.Put(parser)

	parser.SetLanguage(lang.ts)
	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse source: %w", err)
	}
	if tree == nil {
		return nil, fmt.Errorf("failed to parse source: nil tree")
	}
	defer tree.Close()

	var out []Symbol
	walk(tree.RootNode(), func(n *sitter.Node) {
		kind, ok := lang.kinds[n.Type()]
		if !ok {
			return
		}
		name := nodeName(n, source)
		if name == "" {
			return
		}
		out = append(out, Symbol{
			Name:      name,
			Kind:      kind,
			StartLine: int(n.StartPoint().Row) + 1,
			EndLine:   int(n.EndPoint().Row) + 1,
		})
	})
	return out, nil
}

func walk(n *sitter.Node, visit func(*sitter.Node)) {
	if n == nil || n.IsNull() {
		return
	}
	visit(n)
	for i := 0; i < int(n.NamedChildCount()); i++ {
		walk(n.NamedChild(i), visit)
	}
}

// nodeName reads the "name" field, which every mapped declaration type
// exposes in its grammar.
func nodeName(n *sitter.Node, source []byte) string {
	name := n.ChildByFieldName("name")
	if name == nil || name.IsNull() {
		return ""
	}
	return name.Content(source)
}
