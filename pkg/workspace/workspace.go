// Package workspace implements the workspace contract: a directory of plain
// text files supplying instructions, persona, identity, tool notes, durable
// memory and the heartbeat checklist.
//
// Fields are typed and versioned. Only memory and identity are agent-writable;
// every other field is written by humans only. An optional workspace.yaml can
// move files, tighten access and change size caps. Contents are cached and the
// cache is invalidated by an fsnotify watcher.
//
// Example usage:
//
//	ws, err := workspace.Open("~/.vigil/workspace", workspace.Options{Watch: true})
//	if err != nil {
//		return err
//	}
//	defer ws.Close()
//
//	prompt := ws.Compile()
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Options configures a workspace.
type Options struct {
	// Watch starts an fsnotify watcher that invalidates cached fields.
	Watch bool
	// StabilityThreshold debounces file events (default: 100ms).
	StabilityThreshold time.Duration
	// OnChange is called with the field name after an external change.
	OnChange func(field string)
}

// Workspace reads and writes contract fields under a root directory.
type Workspace struct {
	root  string
	opts  Options
	cache *fieldCache

	mu       sync.RWMutex
	contract Contract
	watcher  *watcher
	writeMu  sync.Mutex
	closed   bool
}

// compileOrder is the order fields appear in the compiled system prompt.
var compileOrder = []struct {
	field string
	title string
}{
	{FieldIdentity, "Identity"},
	{FieldPersona, "Persona"},
	{FieldInstructions, "Instructions"},
	{FieldTools, "Tool notes"},
	{FieldMemory, "Memory"},
}

// Open loads the contract for root, creating the directory when missing.
func Open(root string, opts Options) (*Workspace, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace path is required")
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	contract, err := LoadContract(root)
	if err != nil {
		return nil, err
	}

	ws := &Workspace{
		root:     root,
		opts:     opts,
		cache:    newFieldCache(),
		contract: contract,
	}

	if opts.Watch {
		w, err := startWatcher(root, opts.StabilityThreshold, ws.handleFileEvent)
		if err != nil {
			return nil, err
		}
		ws.watcher = w
	}

	log.Info().
		Str("path", root).
		Str("contract_version", contract.Version.String()).
		Bool("watch", opts.Watch).
		Msg("Workspace opened")

	return ws, nil
}

// Root returns the workspace directory.
func (w *Workspace) Root() string { return w.root }

// Contract returns a copy of the active contract.
func (w *Workspace) Contract() Contract {
	w.mu.RLock()
	defer w.mu.RUnlock()

	fields := make(map[string]FieldSpec, len(w.contract.Fields))
	for k, v := range w.contract.Fields {
		fields[k] = v
	}
	return Contract{Version: w.contract.Version, Fields: fields}
}

// Field returns the spec of name.
func (w *Workspace) Field(name string) (FieldSpec, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	spec, ok := w.contract.Fields[name]
	if !ok {
		return FieldSpec{}, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return spec, nil
}

// ReadField returns the field's text. A field whose file does not exist yet
// reads as empty.
func (w *Workspace) ReadField(name string) (string, error) {
	spec, err := w.Field(name)
	if err != nil {
		return "", err
	}
	if f, ok := w.cache.get(name); ok {
		return f.Content, nil
	}

	data, err := os.ReadFile(w.path(spec))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", spec.File, err)
	}
	content := string(data)
	if err := ValidateContent(spec, content); err != nil {
		return "", err
	}

	w.cache.set(name, content)
	return content, nil
}

// WriteField replaces an agent-writable field atomically.
func (w *Workspace) WriteField(name, content string) error {
	spec, err := w.Field(name)
	if err != nil {
		return err
	}
	if !spec.Writable() {
		return fmt.Errorf("%w: %s", ErrReadOnly, name)
	}
	if err := ValidateContent(spec, content); err != nil {
		return err
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	closed := w.closed
	w.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	path := w.path(spec)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", spec.File, err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", spec.File, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync %s: %w", spec.File, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", spec.File, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", spec.File, err)
	}

	w.cache.set(name, content)

	log.Info().
		Str("field", name).
		Int("bytes", len(content)).
		Msg("Workspace field written")
	return nil
}

// Compile renders the prompt-bearing fields as one system prompt. Empty
// fields are skipped; the heartbeat checklist is read by the scheduler only.
func (w *Workspace) Compile() string {
	var b strings.Builder
	for _, section := range compileOrder {
		content, err := w.ReadField(section.field)
		if err != nil {
			log.Warn().Err(err).Str("field", section.field).Msg("Skipping workspace field")
			continue
		}
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n\n%s", section.title, content)
	}
	return b.String()
}

// Invalidate drops a field from the cache.
func (w *Workspace) Invalidate(field string) {
	w.cache.delete(field)
}

// Close stops the watcher.
func (w *Workspace) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.cache.clear()
	if w.watcher != nil {
		return w.watcher.stop()
	}
	return nil
}

func (w *Workspace) path(spec FieldSpec) string {
	return filepath.Join(w.root, spec.File)
}

// handleFileEvent maps a changed path onto its field, or reloads the
// contract when the manifest changed.
func (w *Workspace) handleFileEvent(rel string) {
	if rel == ManifestFile {
		contract, err := LoadContract(w.root)
		if err != nil {
			log.Error().Err(err).Msg("Workspace contract reload failed, keeping the previous contract")
			return
		}
		w.mu.Lock()
		w.contract = contract
		w.mu.Unlock()
		w.cache.clear()
		log.Info().Str("contract_version", contract.Version.String()).Msg("Workspace contract reloaded")
		return
	}

	w.mu.RLock()
	var field string
	for name, spec := range w.contract.Fields {
		if spec.File == rel {
			field = name
			break
		}
	}
	w.mu.RUnlock()
	if field == "" {
		return
	}

	w.cache.delete(field)
	log.Debug().Str("field", field).Str("path", rel).Msg("Workspace field invalidated")
	if w.opts.OnChange != nil {
		w.opts.OnChange(field)
	}
}
