package chunk

import (
	"path"
	"strings"
)

var testDirs = map[string]bool{
	"test": true, "tests": true, "spec": true, "specs": true,
	"__tests__": true, "testdata": true,
}

// IsTestFile reports whether a slash-separated path looks like a test
// source: a file under a test directory, or a name with a test marker such
// as foo_test.go, test_foo.py, foo.spec.ts or foo.test.js.
func IsTestFile(filePath string) bool {
	p := strings.ToLower(strings.ReplaceAll(filePath, "\\", "/"))
	dir, base := path.Split(p)

	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if testDirs[part] {
			return true
		}
	}

	stem := strings.TrimSuffix(base, path.Ext(base))
	switch {
	case strings.HasSuffix(stem, "_test"), strings.HasSuffix(stem, "_spec"):
		return true
	case strings.HasPrefix(stem, "test_"), strings.HasPrefix(stem, "spec_"):
		return true
	case strings.HasSuffix(stem, ".test"), strings.HasSuffix(stem, ".spec"):
		return true
	case stem == "tests" || stem == "test":
		return true
	}
	return false
}
