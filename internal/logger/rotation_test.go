package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriter(t *testing.T) {
	t.Run("rotates when max size is exceeded", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "vigil.log")

		w, err := NewRotatingWriter(logFile, 1, 0, false)
		require.NoError(t, err)

		chunk := []byte(strings.Repeat("x", 600*1024))
		_, err = w.Write(chunk)
		require.NoError(t, err)
		_, err = w.Write(chunk)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		rotated, err := filepath.Glob(logFile + ".*")
		require.NoError(t, err)
		assert.Len(t, rotated, 1)

		info, err := os.Stat(logFile)
		require.NoError(t, err)
		assert.Equal(t, int64(len(chunk)), info.Size())
	})

	t.Run("oversized write lands whole", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "vigil.log")
		w, err := NewRotatingWriter(logFile, 1, 0, false)
		require.NoError(t, err)

		big := []byte(strings.Repeat("y", 2<<20))
		n, err := w.Write(big)
		require.NoError(t, err)
		assert.Equal(t, len(big), n)
		require.NoError(t, w.Close())

		rotated, _ := filepath.Glob(logFile + ".*")
		assert.Empty(t, rotated, "an empty file is never rotated")
	})

	t.Run("compresses rotated segments", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "vigil.log")
		w, err := NewRotatingWriter(logFile, 1, 0, true)
		require.NoError(t, err)

		first := strings.Repeat("a", 700*1024)
		_, err = w.Write([]byte(first))
		require.NoError(t, err)
		_, err = w.Write([]byte(strings.Repeat("b", 700*1024)))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		gz, err := filepath.Glob(logFile + ".*.gz")
		require.NoError(t, err)
		require.Len(t, gz, 1)
		plain, _ := filepath.Glob(logFile + ".*[0-9]")
		assert.Empty(t, plain)

		f, err := os.Open(gz[0])
		require.NoError(t, err)
		defer f.Close()
		zr, err := gzip.NewReader(f)
		require.NoError(t, err)
		data, err := io.ReadAll(zr)
		require.NoError(t, err)
		assert.Equal(t, first, string(data))
	})

	t.Run("prunes segments past max age", func(t *testing.T) {
		dir := t.TempDir()
		logFile := filepath.Join(dir, "vigil.log")
		old := logFile + "." + time.Now().AddDate(0, 0, -10).Format(rotatedStamp) + ".gz"
		recent := logFile + "." + time.Now().Add(-time.Hour).Format(rotatedStamp)
		unrelated := logFile + ".bak"
		for _, p := range []string{old, recent, unrelated} {
			require.NoError(t, os.WriteFile(p, []byte("x"), 0600))
		}

		w, err := NewRotatingWriter(logFile, 1, 7, false)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		assert.NoFileExists(t, old)
		assert.FileExists(t, recent)
		assert.FileExists(t, unrelated)
	})

	t.Run("concurrent writes", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "vigil.log")
		w, err := NewRotatingWriter(logFile, 10, 0, false)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					_, _ = w.Write([]byte("line\n"))
				}
			}()
		}
		wg.Wait()
		require.NoError(t, w.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Equal(t, 800, strings.Count(string(data), "line\n"))

		_, err = w.Write([]byte("late\n"))
		assert.ErrorIs(t, err, os.ErrClosed)
	})
}
