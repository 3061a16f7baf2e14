// Package chunk splits source files into overlapping line-range chunks and
// holds them in a snapshot store that publishes whole-file replacements
// atomically.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Default chunking parameters, in lines.
const (
	DefaultChunkLines   = 100
	DefaultOverlapLines = 10
)

// Chunk is a retrievable line range of one file. Lines are 1-based and
// inclusive. A Chunk is immutable once created; a reindex of its file
// replaces every chunk of that file.
type Chunk struct {
	ID          string `json:"id"`        // sha256(file_path:start_line:content_hash)[:16]
	FilePath    string `json:"file_path"` // relative to project root, slash separated
	StartLine   int    `json:"start_line"`
	EndLine     int    `json:"end_line"`
	Text        string `json:"text"`
	ContentHash string `json:"content_hash"` // hex sha256 of Text
}

// HashContent returns the hex sha256 of text.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// MakeID derives the stable chunk identifier.
func MakeID(filePath string, startLine int, contentHash string) string {
	h := sha256.New()
	h.Write([]byte(filePath))
	h.Write([]byte{':'})
	h.Write([]byte(strconv.Itoa(startLine)))
	h.Write([]byte{':'})
	h.Write([]byte(contentHash))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// New builds a Chunk, computing its hash and ID.
func New(filePath string, startLine, endLine int, text string) Chunk {
	hash := HashContent(text)
	return Chunk{
		ID:          MakeID(filePath, startLine, hash),
		FilePath:    filePath,
		StartLine:   startLine,
		EndLine:     endLine,
		Text:        text,
		ContentHash: hash,
	}
}

// Contains reports whether line falls inside the chunk.
func (c Chunk) Contains(line int) bool {
	return line >= c.StartLine && line <= c.EndLine
}
