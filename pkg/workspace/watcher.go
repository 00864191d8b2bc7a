package workspace

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const defaultSettle = 100 * time.Millisecond

// watcher batches fsnotify events under root and reports each changed path,
// relative to root, once the directory has been quiet for settle.
type watcher struct {
	root   string
	settle time.Duration
	notify func(rel string)

	fsw  *fsnotify.Watcher
	quit chan struct{}
	done chan struct{}

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	stopped bool
}

func startWatcher(root string, settle time.Duration, notify func(rel string)) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if settle <= 0 {
		settle = defaultSettle
	}
	w := &watcher{
		root:    root,
		settle:  settle,
		notify:  notify,
		fsw:     fsw,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		pending: make(map[string]struct{}),
	}
	if err := w.watchTree(root); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch workspace: %w", err)
	}
	go w.loop()
	return w, nil
}

func (w *watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			rel, ok := w.relevant(ev.Name)
			if !ok {
				continue
			}
			if ev.Has(fsnotify.Create) {
				// new subdirectories are watched too; errors surface per path
				_ = w.watchTree(ev.Name)
			}
			w.queue(rel)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Str("path", w.root).Msg("Workspace watch error")
		case <-w.quit:
			return
		}
	}
}

func (w *watcher) queue(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.pending[rel] = struct{}{}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.settle, w.flush)
	} else {
		w.timer.Reset(w.settle)
	}
}

func (w *watcher) flush() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	batch := make([]string, 0, len(w.pending))
	for rel := range w.pending {
		batch = append(batch, rel)
	}
	clear(w.pending)
	w.mu.Unlock()

	sort.Strings(batch)
	for _, rel := range batch {
		w.notify(rel)
	}
}

// watchTree adds dir and every visible directory below it.
func (w *watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if _, ok := w.relevant(p); !ok && p != w.root {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("Failed to watch workspace directory")
		}
		return nil
	})
}

// relevant maps path onto root. Hidden entries, which include atomic-write
// temp files, and editor backups are dropped.
func (w *watcher) relevant(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	rel = filepath.Clean(rel)
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part != "." && strings.HasPrefix(part, ".") {
			return "", false
		}
	}
	if strings.HasSuffix(rel, "~") || strings.HasSuffix(rel, ".swp") {
		return "", false
	}
	return rel, true
}

func (w *watcher) stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.quit)
	err := w.fsw.Close()
	<-w.done
	return err
}
