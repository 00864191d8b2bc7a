package workspace

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherRelevant(t *testing.T) {
	w := &watcher{root: "/ws"}

	for path, want := range map[string]string{
		"/ws/MEMORY.md":       "MEMORY.md",
		"/ws/notes/today.md":  filepath.Join("notes", "today.md"),
		"/ws/.MEMORY.md.tmp1": "",
		"/ws/.git/HEAD":       "",
		"/ws/SOUL.md~":        "",
		"/ws/SOUL.md.swp":     "",
		"/elsewhere/file":     "",
	} {
		rel, ok := w.relevant(path)
		assert.Equal(t, want != "", ok, path)
		assert.Equal(t, want, rel, path)
	}
}

func TestWatcherBatchesBurst(t *testing.T) {
	root := t.TempDir()

	var mu sync.Mutex
	seen := map[string]int{}
	w, err := startWatcher(root, 50*time.Millisecond, func(rel string) {
		mu.Lock()
		defer mu.Unlock()
		seen[rel]++
	})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, w.stop()) })

	sub := filepath.Join(root, "notes")
	require.NoError(t, os.Mkdir(sub, 0700))
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, "MEMORY.md"), []byte{byte('a' + i)}, 0600))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["MEMORY.md"] > 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, seen["MEMORY.md"], "a burst collapses into one notification")
	mu.Unlock()

	require.NoError(t, os.WriteFile(filepath.Join(sub, "today.md"), []byte("x"), 0600))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[filepath.Join("notes", "today.md")] > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w, err := startWatcher(t.TempDir(), 0, func(string) {})
	require.NoError(t, err)
	assert.Equal(t, defaultSettle, w.settle)
	require.NoError(t, w.stop())
	require.NoError(t, w.stop())
}
