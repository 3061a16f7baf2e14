// Package gitignore decides which project paths git would ignore.
//
// Patterns follow the gitignore syntax: globs with *, ? and character
// classes, ** across directories, a leading / to anchor at the file's
// directory, a trailing / for directories only, and ! to re-include.
// The last matching pattern wins, and nothing below an ignored directory
// can be re-included.
//
// Patterns read from a nested .gitignore apply only below that file's
// directory:
//
//	m := gitignore.New()
//	_ = m.AddFile("/repo/.gitignore", "")
//	_ = m.AddFile("/repo/web/.gitignore", "web")
//
//	if m.Ignored("web/dist/app.js", false) {
//	    // skip it
//	}
package gitignore
