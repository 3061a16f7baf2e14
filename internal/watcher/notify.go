package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Aman-CERP/codesearch/internal/scanner"
)

// ErrStarted is returned when Start is called twice.
var ErrStarted = errors.New("watcher already started")

// Watcher watches a directory tree with fsnotify and emits debounced
// batches of relative paths.
type Watcher struct {
	fs        *fsnotify.Watcher
	debouncer *Debouncer
	root      string
	opts      Options
	logger    *slog.Logger

	batches chan []FileEvent
	errors  chan error
	stopCh  chan struct{}

	mu      sync.Mutex
	dirs    map[string]bool // watched directories, relative to root
	started bool

	stopOnce sync.Once
	dropped  atomic.Uint64
}

// New creates a watcher for root. Watching begins with Start.
func New(root string, opts Options) (*Watcher, error) {
	opts = opts.WithDefaults()
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", abs)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		fs:        fsw,
		debouncer: NewDebouncer(opts.DebounceWindow, opts.Logger),
		root:      abs,
		opts:      opts,
		logger:    opts.Logger,
		batches:   make(chan []FileEvent, opts.EventBufferSize),
		errors:    make(chan error, 16),
		stopCh:    make(chan struct{}),
		dirs:      make(map[string]bool),
	}, nil
}

// Start registers every non-excluded directory and then processes events
// until Stop is called or ctx is cancelled. It blocks.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrStarted
	}
	w.started = true
	w.mu.Unlock()

	defer close(w.errors)
	go w.forward()

	if err := w.addTree(w.root, false); err != nil {
		_ = w.Stop()
		return fmt.Errorf("add directories to watcher: %w", err)
	}
	w.logger.Debug("watch_started", slog.String("root", w.root), slog.Int("directories", w.watched()))

	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			select {
			case w.errors <- err:
			default:
				w.logger.Warn("watch_error", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop releases the fsnotify handle and closes Batches. Safe to call
// multiple times.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.fs.Close()
		w.debouncer.Stop()
	})
	return err
}

// Batches returns the channel of debounced event batches. It is closed
// after Stop.
func (w *Watcher) Batches() <-chan []FileEvent {
	return w.batches
}

// Errors returns non-fatal watch errors. It is closed when Start returns.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// DroppedBatches returns the number of batches dropped because the consumer
// fell behind.
func (w *Watcher) DroppedBatches() uint64 {
	return w.dropped.Load()
}

func (w *Watcher) forward() {
	defer close(w.batches)
	for events := range w.debouncer.Output() {
		select {
		case w.batches <- events:
		default:
			n := w.dropped.Add(1)
			w.logger.Warn("watch_batch_dropped",
				slog.Int("batch_size", len(events)),
				slog.Uint64("total_dropped", n))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || rel == "." {
		return
	}
	rel = filepath.ToSlash(rel)
	now := time.Now()

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		op := OpDelete
		if event.Op&fsnotify.Rename != 0 {
			op = OpRename
		}
		isDir := w.forget(rel)
		if w.excluded(rel, isDir) {
			return
		}
		w.debouncer.Add(FileEvent{Path: rel, Operation: op, IsDir: isDir, Timestamp: now})

	case event.Op&fsnotify.Create != 0:
		info, err := os.Lstat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if w.excluded(rel, true) {
				return
			}
			if err := w.addTree(event.Name, true); err != nil {
				w.logger.Warn("watch_add_failed", slog.String("path", rel), slog.String("error", err.Error()))
			}
			return
		}
		if w.excluded(rel, false) {
			return
		}
		w.debouncer.Add(FileEvent{Path: rel, Operation: OpCreate, Timestamp: now})

	case event.Op&fsnotify.Write != 0:
		if w.excluded(rel, false) {
			return
		}
		w.debouncer.Add(FileEvent{Path: rel, Operation: OpModify, Timestamp: now})
	}
}

// addTree watches dir and every non-excluded directory below it. With
// report set, files found along the way are queued as created, since they
// may have landed before the watch existed.
func (w *Watcher) addTree(dir string, report bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped
		}
		rel, err := filepath.Rel(w.root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if !d.IsDir() {
			if report && d.Type().IsRegular() && !w.excluded(rel, false) {
				w.debouncer.Add(FileEvent{Path: rel, Operation: OpCreate, Timestamp: time.Now()})
			}
			return nil
		}
		if rel != "." && w.excluded(rel, true) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(p); err != nil {
			return err
		}
		w.mu.Lock()
		w.dirs[rel] = true
		w.mu.Unlock()
		return nil
	})
}

// forget drops rel and everything below it from the watched set and
// reports whether rel was a watched directory.
func (w *Watcher) forget(rel string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dirs[rel] {
		return false
	}
	prefix := rel + "/"
	for d := range w.dirs {
		if d == rel || strings.HasPrefix(d, prefix) {
			delete(w.dirs, d)
			// fsnotify drops removed directories itself; a renamed one keeps
			// its watch under the old name.
			_ = w.fs.Remove(filepath.Join(w.root, filepath.FromSlash(d)))
		}
	}
	return true
}

func (w *Watcher) watched() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}

func (w *Watcher) excluded(rel string, isDir bool) bool {
	if isDir {
		rel += "/"
	}
	return scanner.Excluded(rel, w.opts.ExcludePatterns)
}
