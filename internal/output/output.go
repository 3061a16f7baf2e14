// Package output formats CLI output as plain text for terminals and as JSON
// for pipes and scripts.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Format selects how results are written.
type Format string

const (
	FormatAuto Format = "auto"
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Resolve turns a --format flag into a concrete format. Auto picks text
// when out is a terminal and JSON otherwise.
func Resolve(flag string, out io.Writer) (Format, error) {
	switch f := Format(strings.ToLower(flag)); f {
	case FormatText, FormatJSON:
		return f, nil
	case FormatAuto, "":
		if IsTerminal(out) {
			return FormatText, nil
		}
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want auto, text or json)", flag)
	}
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Writer provides formatted output for CLI.
type Writer struct {
	out    io.Writer
	format Format
}

// New creates a Writer. FormatAuto is resolved against out.
func New(out io.Writer, format Format) *Writer {
	if format == FormatAuto || format == "" {
		format, _ = Resolve(string(FormatAuto), out)
	}
	return &Writer{out: out, format: format}
}

// JSON reports whether the writer emits JSON.
func (w *Writer) JSON() bool {
	return w.format == FormatJSON
}

// Encode writes v as indented JSON.
func (w *Writer) Encode(v any) error {
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Status prints a status message with an icon. In JSON mode status lines
// are suppressed so stdout stays parseable.
// Errors from writing are intentionally ignored for console output.
func (w *Writer) Status(icon, msg string) {
	if w.JSON() {
		return
	}
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Statusf prints a formatted status message with an icon.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) {
	w.Status("✅", fmt.Sprintf(format, args...))
}

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) {
	w.Status("⚠️ ", fmt.Sprintf(format, args...))
}

// Printf writes text output verbatim. It is a no-op in JSON mode.
func (w *Writer) Printf(format string, args ...any) {
	if w.JSON() {
		return
	}
	_, _ = fmt.Fprintf(w.out, format, args...)
}

// Code prints a code block indented under a gutter of line numbers
// starting at first.
func (w *Writer) Code(content string, first int) {
	if w.JSON() {
		return
	}
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	width := len(fmt.Sprint(first + len(lines) - 1))
	for i, line := range lines {
		_, _ = fmt.Fprintf(w.out, "  %*d │ %s\n", width, first+i, line)
	}
}

// Newline prints an empty line in text mode.
func (w *Writer) Newline() {
	w.Printf("\n")
}
