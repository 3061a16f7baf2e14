// Package watcher turns file system notifications under a project root into
// debounced batches of relative paths.
//
// Events come from fsnotify. New directories are watched as they appear and
// the files they already hold are reported as created. Rapid changes from
// editors and git checkouts are coalesced by a Debouncer before a batch is
// emitted, and paths excluded by the scanner rules never leave the watcher.
//
// Usage:
//
//	w, err := watcher.New(root, watcher.Options{ExcludePatterns: cfg.Paths.Exclude})
//	if err != nil {
//	    return err
//	}
//	return watcher.Run(ctx, w, func(ctx context.Context, paths []string) error {
//	    _, err := coordinator.Reindex(ctx, paths)
//	    return err
//	})
package watcher
