package integration

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/codesearch/internal/search"
	"github.com/Aman-CERP/codesearch/pkg/codesearch"
)

func startWatch(t *testing.T, core *codesearch.Core) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- core.Watch(ctx) }()
	t.Cleanup(cancel)

	// fsnotify registers directories asynchronously
	time.Sleep(300 * time.Millisecond)
	return cancel, done
}

func found(t *testing.T, core *codesearch.Core, query, file string) bool {
	t.Helper()
	results, err := core.Search(context.Background(), query, search.Options{})
	if err != nil {
		return false
	}
	return slices.Contains(resultFiles(results), file)
}

func TestIntegration_Watch_ReindexesChanges(t *testing.T) {
	skipShort(t)

	// Given: an indexed project being watched
	core, root := indexedCore(t, sampleProject)
	cancel, done := startWatch(t, core)

	// When: a file is created
	writeFiles(t, root, map[string]string{
		"internal/billing/invoice.go": "package billing\n\nfunc issueInvoice() {}\n",
	})

	// Then: it becomes searchable
	require.Eventually(t, func() bool {
		return found(t, core, "issueInvoice", "internal/billing/invoice.go")
	}, 5*time.Second, 50*time.Millisecond)

	// When: the new directory is removed
	require.NoError(t, os.RemoveAll(filepath.Join(root, "internal", "billing")))

	// Then: its chunks disappear
	require.Eventually(t, func() bool {
		return !found(t, core, "issueInvoice", "internal/billing/invoice.go")
	}, 5*time.Second, 50*time.Millisecond)

	// When: the watch is cancelled
	cancel()

	// Then: Watch returns cleanly
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestIntegration_Watch_ModifiedFile(t *testing.T) {
	skipShort(t)

	core, root := indexedCore(t, sampleProject)
	startWatch(t, core)

	writeFiles(t, root, map[string]string{
		"internal/store/cache.go": "package store\n\nfunc evictOldest() {}\n",
	})

	require.Eventually(t, func() bool {
		return found(t, core, "evictOldest", "internal/store/cache.go")
	}, 5*time.Second, 50*time.Millisecond)

	check, err := core.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, check.Consistent())
}
