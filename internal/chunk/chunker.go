package chunk

import (
	"fmt"
	"path/filepath"
	"strings"
)

// LineChunker splits text into windows of Size lines, each sharing Overlap
// lines with the previous window.
type LineChunker struct {
	Size    int
	Overlap int
}

// NewLineChunker validates the window parameters.
func NewLineChunker(size, overlap int) (*LineChunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return &LineChunker{Size: size, Overlap: overlap}, nil
}

// Chunk splits content of filePath. Empty or whitespace-only content yields
// no chunks. CRLF line endings are normalized.
func (c *LineChunker) Chunk(filePath string, content []byte) []Chunk {
	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	text = strings.TrimSuffix(text, "\n")
	lines := strings.Split(text, "\n")
	path := filepath.ToSlash(filePath)

	var chunks []Chunk
	for start := 1; start <= len(lines); {
		end := start + c.Size - 1
		if end > len(lines) {
			end = len(lines)
		}
		body := strings.Join(lines[start-1:end], "\n")
		if strings.TrimSpace(body) != "" {
			chunks = append(chunks, New(path, start, end, body))
		}
		if end == len(lines) {
			break
		}
		start = end - c.Overlap + 1
	}
	return chunks
}
