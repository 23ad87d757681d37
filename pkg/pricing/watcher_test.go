package pricing

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReload(t *testing.T) {
	t.Setenv("NEXT_PRICE", "5")
	path := writeCatalog(t, t.TempDir(), catalogYAML)
	table := NewTable(nil)

	w := NewWatcher(path, table, nil)
	c, err := w.Reload()
	require.NoError(t, err)
	assert.Equal(t, "2025-06-01", c.Version)
	assert.Equal(t, "2025-06-01", table.Version())

	require.NoError(t, os.WriteFile(path, []byte("version: broken\nproviders:\n  x:\n    default_model: a\n"), 0o644))
	_, err = w.Reload()
	assert.ErrorIs(t, err, ErrInvalidCatalog)
	assert.Equal(t, "2025-06-01", table.Version(), "bad file must not replace the active catalog")
}

func TestWatcherPicksUpChanges(t *testing.T) {
	t.Setenv("NEXT_PRICE", "5")
	path := writeCatalog(t, t.TempDir(), catalogYAML)
	table := NewTable(nil)

	w := NewWatcher(path, table, nil)
	w.debounce = 10 * time.Millisecond
	reloaded := make(chan string, 4)
	w.OnReload(func(c *Catalog, err error) {
		if err != nil {
			return
		}
		select {
		case reloaded <- c.Version:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("version: v2\nmodels:\n  gpt-4o: {input: 1, output: 1}\n"), 0o644))

	select {
	case v := <-reloaded:
		assert.Equal(t, "v2", v)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}
	assert.Equal(t, "v2", table.Version())

	cancel()
	require.NoError(t, <-done)
}
