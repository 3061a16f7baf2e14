package embed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/viterin/vek/vek32"

	cserrors "github.com/Aman-CERP/codesearch/internal/errors"
)

// Tensor names the model reads.
const (
	TensorTokenEmbedding = "token_embd.weight"
)

// projectionTensors are tried in order; the first present one is used.
var projectionTensors = []string{"output.weight", "embed.proj.weight"}

// DefaultWindowBytes is the raw tensor bytes read per window.
const DefaultWindowBytes = 256 << 10

// Options configures Open. Zero values take defaults.
type Options struct {
	Governor    *MemoryGovernor
	WindowBytes int64
	MaxTokens   int
	Workers     int // EmbedBatch pool size. Default: GOMAXPROCS
	Logger      *slog.Logger
}

// Model embeds text with a GGUF embedding table. It is read-only after Open
// and safe for concurrent use: tensor rows are read with ReadAt and every
// call draws its scratch from its own arena.
type Model struct {
	path  string
	fh    *os.File
	info  *File
	vocab *Vocab
	embd  *matrix
	proj  *matrix // nil without a projection
	dim   int

	gov       *MemoryGovernor
	maxTokens int
	workers   int
	logger    *slog.Logger
	closed    atomic.Bool
}

var _ Embedder = (*Model)(nil)

// Open parses the model at path and validates everything Embed needs. It
// fails with ModelNotFound when the file is missing and ModelCorrupt when a
// required tensor or the vocabulary is absent or unusable.
func Open(path string, opts Options) (*Model, error) {
	if opts.Governor == nil {
		opts.Governor = NewMemoryGovernor(0, 0)
	}
	if opts.WindowBytes <= 0 {
		opts.WindowBytes = DefaultWindowBytes
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	info, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	vocab, err := newVocab(info)
	if err != nil {
		return nil, err
	}

	ceiling := opts.Governor.Ceiling()
	desc, ok := info.Tensor(TensorTokenEmbedding)
	if !ok {
		return nil, cserrors.ModelCorrupt(path, "missing tensor "+TensorTokenEmbedding, nil)
	}
	embd, err := newMatrix(desc, opts.WindowBytes, ceiling)
	if err != nil {
		return nil, cserrors.ModelCorrupt(path, err.Error(), nil)
	}
	if vocab.Size() > embd.rows {
		return nil, cserrors.ModelCorrupt(path,
			fmt.Sprintf("vocabulary has %d tokens but %s has %d rows", vocab.Size(), TensorTokenEmbedding, embd.rows), nil)
	}

	m := &Model{
		path:      path,
		info:      info,
		vocab:     vocab,
		embd:      embd,
		dim:       embd.cols,
		gov:       opts.Governor,
		maxTokens: opts.MaxTokens,
		workers:   opts.Workers,
		logger:    opts.Logger,
	}
	for _, name := range projectionTensors {
		desc, ok := info.Tensor(name)
		if !ok {
			continue
		}
		proj, err := newMatrix(desc, opts.WindowBytes, ceiling)
		if err != nil {
			return nil, cserrors.ModelCorrupt(path, err.Error(), nil)
		}
		if proj.cols != embd.cols {
			return nil, cserrors.ModelCorrupt(path,
				fmt.Sprintf("projection %s expects %d inputs, embeddings have %d", name, proj.cols, embd.cols), nil)
		}
		m.proj = proj
		m.dim = proj.rows
		break
	}

	// The pooled and projected vectors are single allocations.
	if err := opts.Governor.CheckCeiling(int64(max(embd.cols, m.dim)) * 4); err != nil {
		return nil, err
	}

	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model data: %w", err)
	}
	m.fh = fh

	m.logger.Info("model_opened",
		slog.String("path", path),
		slog.String("name", m.ModelName()),
		slog.Int("dimensions", m.dim),
		slog.Int("vocab", vocab.Size()),
		slog.Int("tensors", len(info.Tensors)),
		slog.String("embedding_kind", desc.Kind.String()),
		slog.Bool("projection", m.proj != nil),
		slog.String("window", humanize.IBytes(uint64(embd.winBytes))))
	return m, nil
}

// Info returns the parsed header.
func (m *Model) Info() *File {
	return m.info
}

// Dimensions returns the length of the vectors Embed returns.
func (m *Model) Dimensions() int {
	return m.dim
}

// ModelName returns general.name, or the file name without extension.
func (m *Model) ModelName() string {
	if name, ok := m.info.String(KeyName); ok && name != "" {
		return name
	}
	return strings.TrimSuffix(filepath.Base(m.path), filepath.Ext(m.path))
}

// Embed returns the L2-normalized embedding of text. The returned slice is
// owned by the caller.
func (m *Model) Embed(ctx context.Context, text string) ([]float32, error) {
	a := NewArena(m.gov)
	defer a.Release()
	return m.embedWith(ctx, a, text)
}

// EmbedBatch embeds texts on a pool of workers, each with its own arena.
func (m *Model) EmbedBatch(ctx context.Context, texts []string) []BatchResult {
	return runBatch(ctx, texts, batchConfig{
		workers: m.workers,
		gov:     m.gov,
		logger:  m.logger,
		embed:   m.embedWith,
	})
}

// embedWith runs one embedding with all scratch taken from a.
func (m *Model) embedWith(ctx context.Context, a *Arena, text string) ([]float32, error) {
	if m.closed.Load() {
		return nil, fmt.Errorf("model is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, cserrors.FromContext(err, "embed")
	}

	ids, err := a.Int32s(m.maxTokens)
	if err != nil {
		return nil, err
	}
	scratch, err := a.Bytes(maxWordBytes + 8)
	if err != nil {
		return nil, err
	}
	ids, err = m.vocab.Encode(text, ids, scratch, m.gov)
	if err != nil {
		return nil, err
	}

	w, err := m.embd.newWindow(a)
	if err != nil {
		return nil, err
	}
	pooled, err := a.Float32s(m.embd.cols)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		err := m.embd.streamRow(ctx, m.fh, w, int(id), m.path, func(off int, vals []float32) {
			vek32.Add_Inplace(pooled[off:off+len(vals)], vals)
		})
		if err != nil {
			return nil, err
		}
	}
	vek32.MulNumber_Inplace(pooled, 1/float32(len(ids)))

	out := pooled
	if m.proj != nil {
		if out, err = m.project(ctx, a, pooled); err != nil {
			return nil, err
		}
	}

	if err := ValidateVector(out); err != nil {
		return nil, cserrors.ModelCorrupt(m.path, "non-finite embedding output", err)
	}
	normalize(out)

	if err := m.gov.CheckCeiling(int64(len(out)) * 4); err != nil {
		return nil, err
	}
	vec := make([]float32, len(out))
	copy(vec, out)
	return vec, nil
}

// project multiplies the projection matrix by in, one window of one output
// row at a time.
func (m *Model) project(ctx context.Context, a *Arena, in []float32) ([]float32, error) {
	w, err := m.proj.newWindow(a)
	if err != nil {
		return nil, err
	}
	out, err := a.Float32s(m.proj.rows)
	if err != nil {
		return nil, err
	}
	for j := range out {
		var acc float32
		err := m.proj.streamRow(ctx, m.fh, w, j, m.path, func(off int, vals []float32) {
			acc += vek32.Dot(vals, in[off:off+len(vals)])
		})
		if err != nil {
			return nil, err
		}
		out[j] = acc
	}
	return out, nil
}

// Close releases the model file. Calls after Close fail.
func (m *Model) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return m.fh.Close()
}
