package embed

import (
	"context"

	"github.com/chewxy/math32"
	"github.com/viterin/vek/vek32"

	cserrors "github.com/Aman-CERP/codesearch/internal/errors"
)

// Batch size limits for embedding requests.
const (
	// MinBatchSize is the minimum allowed batch size
	MinBatchSize = 1

	// MaxBatchSize caps a single EmbedBatch call issued by the indexer
	MaxBatchSize = 256

	// DefaultBatchSize is the default batch size for embedding requests
	DefaultBatchSize = 32
)

// StaticDimensions is the embedding dimension of the static embedder.
const StaticDimensions = 256

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates the embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds every text. Results are positional and each entry
	// carries either a vector or its own error.
	EmbedBatch(ctx context.Context, texts []string) []BatchResult

	// Dimensions returns the embedding dimension
	Dimensions() int

	// ModelName returns the model identifier
	ModelName() string

	// Close releases resources
	Close() error
}

// BatchResult is one positional entry of EmbedBatch.
type BatchResult struct {
	Vector []float32
	Err    error
}

// Vectors returns the vectors of results in order, failing with the first
// entry error.
func Vectors(results []BatchResult) ([][]float32, error) {
	out := make([][]float32, len(results))
	for i, r := range results {
		if r.Err != nil {
			return nil, r.Err
		}
		out[i] = r.Vector
	}
	return out, nil
}

// ValidateVector rejects vectors holding NaN or Inf.
func ValidateVector(v []float32) error {
	for i, x := range v {
		if math32.IsNaN(x) || math32.IsInf(x, 0) {
			return cserrors.Newf(cserrors.ErrCodeModelCorrupt, "vector element %d is %v", i, x)
		}
	}
	return nil
}

// normalize scales v to unit length in place. A zero vector is left as is.
func normalize(v []float32) {
	n := math32.Sqrt(vek32.Dot(v, v))
	if n == 0 {
		return
	}
	vek32.MulNumber_Inplace(v, 1/n)
}
