package symbols

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goSource = `package auth

const MaxRetries = 3

type User struct {
	Name string
}

func Authenticate(u *User) error {
	return nil
}

func (u *User) Logout() {}
`

func names(syms []Symbol) map[string]Kind {
	out := make(map[string]Kind, len(syms))
	for _, s := range syms {
		out[s.Name] = s.Kind
	}
	return out
}

func TestExtractSource_Go(t *testing.T) {
	// Given: a Go file with each declaration kind
	e, err := NewExtractor(t.TempDir(), nil)
	require.NoError(t, err)

	// When: extracting
	syms, err := e.ExtractSource(context.Background(), "auth.go", []byte(goSource))
	require.NoError(t, err)

	// Then: every declaration is found with its kind
	got := names(syms)
	assert.Equal(t, KindFunction, got["Authenticate"])
	assert.Equal(t, KindMethod, got["Logout"])
	assert.Equal(t, KindType, got["User"])
	assert.Equal(t, KindConstant, got["MaxRetries"])

	for _, s := range syms {
		if s.Name == "Authenticate" {
			assert.Equal(t, 9, s.StartLine)
			assert.Equal(t, 11, s.EndLine)
		}
	}
}

func TestExtractSource_Python(t *testing.T) {
	e, err := NewExtractor(t.TempDir(), nil)
	require.NoError(t, err)

	syms, err := e.ExtractSource(context.Background(), "svc.py",
		[]byte("class Session:\n    def close(self):\n        pass\n\ndef login():\n    pass\n"))
	require.NoError(t, err)

	got := names(syms)
	assert.Equal(t, KindClass, got["Session"])
	assert.Equal(t, KindFunction, got["login"])
	assert.Equal(t, KindFunction, got["close"])
}

func TestExtractSource_Unsupported(t *testing.T) {
	e, err := NewExtractor(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = e.ExtractSource(context.Background(), "notes.txt", []byte("hello"))
	assert.Error(t, err)
	assert.False(t, Supported("notes.txt"))
	assert.True(t, Supported("main.GO"))
}

func TestSymbolsFor_CachesAndInvalidatesOnChange(t *testing.T) {
	// Given: a file on disk
	root := t.TempDir()
	path := filepath.Join(root, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a\nfunc One() {}\n"), 0o644))
	e, err := NewExtractor(root, nil)
	require.NoError(t, err)

	// When: reading twice, then rewriting the file
	first := e.SymbolsFor("a.go")
	second := e.SymbolsFor("a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a\nfunc One() {}\nfunc Two() {}\n"), 0o644))
	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))
	third := e.SymbolsFor("a.go")

	// Then: the cache serves the same result until the file changes
	assert.Len(t, first, 1)
	assert.Equal(t, first, second)
	assert.Len(t, third, 2)
	assert.Nil(t, e.SymbolsFor("missing.go"))
}
