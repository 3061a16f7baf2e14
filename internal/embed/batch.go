package embed

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	cserrors "github.com/Aman-CERP/codesearch/internal/errors"
)

type batchConfig struct {
	workers int
	gov     *MemoryGovernor
	logger  *slog.Logger
	embed   func(ctx context.Context, a *Arena, text string) ([]float32, error)
}

// runBatch embeds texts with at most cfg.workers calls in flight. Each
// worker slot owns one arena for the whole batch, reset between texts and
// released when the batch ends. Entries not started before the context
// ends get the context error.
func runBatch(ctx context.Context, texts []string, cfg batchConfig) []BatchResult {
	results := make([]BatchResult, len(texts))
	if len(texts) == 0 {
		return results
	}
	workers := max(1, min(cfg.workers, len(texts)))

	arenas := make(chan *Arena, workers)
	for range workers {
		arenas <- NewArena(cfg.gov)
	}
	defer func() {
		close(arenas)
		for a := range arenas {
			a.Release()
		}
	}()

	var done atomic.Int64
	var g errgroup.Group
	g.SetLimit(workers)
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			cerr := cserrors.FromContext(err, "embed batch")
			for j := i; j < len(texts); j++ {
				results[j].Err = cerr
			}
			break
		}
		g.Go(func() error {
			a := <-arenas
			defer func() {
				a.Reset()
				arenas <- a
			}()
			vec, err := cfg.embed(ctx, a, text)
			results[i] = BatchResult{Vector: vec, Err: err}
			if err == nil {
				done.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		cfg.logger.Warn("embed_batch_cancelled",
			slog.Int("total", len(texts)),
			slog.Int("completed", int(done.Load())),
			slog.String("reason", ctx.Err().Error()))
	}
	return results
}
