package watcher

import (
	"context"
	"errors"
	"log/slog"

	cserrors "github.com/Aman-CERP/codesearch/internal/errors"
)

// ReindexFunc handles the distinct relative paths of one debounced batch.
type ReindexFunc func(ctx context.Context, paths []string) error

// Run starts w and hands every batch to fn until ctx is cancelled. A failed
// batch is logged and watching continues. Run returns nil on cancellation.
func Run(ctx context.Context, w *Watcher, fn ReindexFunc) error {
	startErr := make(chan error, 1)
	go func() { startErr <- w.Start(ctx) }()

	batches := w.Batches()
	watchErrs := w.Errors()
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			<-startErr
			return nil

		case err := <-startErr:
			_ = w.Stop()
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err

		case events, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			paths := Paths(events)
			if err := fn(ctx, paths); err != nil {
				if ctx.Err() == nil && cserrors.GetCode(err) != cserrors.ErrCodeCancelled {
					w.logger.Warn("reindex_failed",
						slog.Int("paths", len(paths)),
						slog.String("error", err.Error()))
				}
				continue
			}
			w.logger.Debug("reindex_batch", slog.Int("paths", len(paths)))

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			w.logger.Warn("watch_error", slog.String("error", err.Error()))
		}
	}
}
