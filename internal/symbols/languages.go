package symbols

import (
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// language maps declaration node types to symbol kinds for one grammar.
type language struct {
	name  string
	ts    *sitter.Language
	kinds map[string]Kind
}

var jsKinds = map[string]Kind{
	"function_declaration":           KindFunction,
	"generator_function_declaration": KindFunction,
	"method_definition":              KindMethod,
	"class_declaration":              KindClass,
}

var tsKinds = map[string]Kind{
	"function_declaration":   KindFunction,
	"method_definition":      KindMethod,
	"class_declaration":      KindClass,
	"interface_declaration":  KindInterface,
	"type_alias_declaration": KindType,
	"enum_declaration":       KindType,
}

var languages = map[string]*language{
	".go": {
		name: "go",
		ts:   golang.GetLanguage(),
		kinds: map[string]Kind{
			"function_declaration": KindFunction,
			"method_declaration":   KindMethod,
			"type_spec":            KindType,
			"const_spec":           KindConstant,
		},
	},
	".py": {
		name: "python",
		ts:   python.GetLanguage(),
		kinds: map[string]Kind{
			"function_definition": KindFunction,
			"class_definition":    KindClass,
		},
	},
	".rs": {
		name: "rust",
		ts:   rust.GetLanguage(),
		kinds: map[string]Kind{
			"function_item": KindFunction,
			"struct_item":   KindType,
			"enum_item":     KindType,
			"trait_item":    KindInterface,
			"const_item":    KindConstant,
		},
	},
	".js":  {name: "javascript", ts: javascript.GetLanguage(), kinds: jsKinds},
	".mjs": {name: "javascript", ts: javascript.GetLanguage(), kinds: jsKinds},
	".jsx": {name: "javascript", ts: javascript.GetLanguage(), kinds: jsKinds},
	".ts":  {name: "typescript", ts: typescript.GetLanguage(), kinds: tsKinds},
	".tsx": {name: "tsx", ts: tsx.GetLanguage(), kinds: tsKinds},
}

// languageFor returns the grammar for a path, by extension.
func languageFor(path string) (*language, bool) {
	lang, ok := languages[strings.ToLower(filepath.Ext(path))]
	return lang, ok
}

// Supported reports whether symbols can be extracted from path.
func Supported(path string) bool {
	_, ok := languageFor(path)
	return ok
}
