// Package logging configures structured JSON logging for codesearch.
//
// Logs go to a size-rotated file under ~/.codesearch/logs/ and optionally to
// stderr. Components log through *slog.Logger with snake_case event names.
package logging
