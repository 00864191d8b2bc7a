package toolexecutor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// AllowlistEntry is a standing approval for host commands.
type AllowlistEntry struct {
	Command string    `json:"command,omitempty"` // exact match
	Pattern string    `json:"pattern,omitempty"` // glob
	AddedBy string    `json:"added_by,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// Allowlist holds host commands that skip the approval gate. It is filled by
// allow-always answers and persisted as JSON.
type Allowlist struct {
	filePath string
	entries  []AllowlistEntry
	mu       sync.RWMutex
}

// NewAllowlist loads the allowlist at filePath. An empty path keeps it in
// memory only.
func NewAllowlist(filePath string) (*Allowlist, error) {
	al := &Allowlist{filePath: filePath}
	if filePath == "" {
		return al, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", filePath).Msg("Allowlist file does not exist, will create on first save")
			return al, nil
		}
		return nil, fmt.Errorf("failed to load allowlist: %w", err)
	}
	if err := json.Unmarshal(data, &al.entries); err != nil {
		return nil, fmt.Errorf("failed to parse allowlist: %w", err)
	}

	log.Info().
		Str("path", filePath).
		Int("count", len(al.entries)).
		Msg("Allowlist loaded")

	return al, nil
}

// Add appends an entry and saves the file. Duplicates are ignored.
func (al *Allowlist) Add(entry AllowlistEntry) error {
	if entry.Command == "" && entry.Pattern == "" {
		return fmt.Errorf("either command or pattern must be specified")
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	for _, existing := range al.entries {
		if existing.Command == entry.Command && existing.Pattern == entry.Pattern {
			return nil
		}
	}
	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now().UTC()
	}
	al.entries = append(al.entries, entry)

	log.Info().
		Str("command", entry.Command).
		Str("pattern", entry.Pattern).
		Str("added_by", entry.AddedBy).
		Msg("Added to allowlist")

	return al.saveLocked()
}

// IsAllowed reports whether command matches an entry.
func (al *Allowlist) IsAllowed(command string) bool {
	if al == nil {
		return false
	}
	al.mu.RLock()
	defer al.mu.RUnlock()

	for _, entry := range al.entries {
		if entry.Command != "" && entry.Command == command {
			return true
		}
		if entry.Pattern != "" && matchGlob(entry.Pattern, command) {
			return true
		}
	}
	return false
}

// List returns a copy of the entries.
func (al *Allowlist) List() []AllowlistEntry {
	al.mu.RLock()
	defer al.mu.RUnlock()

	entries := make([]AllowlistEntry, len(al.entries))
	copy(entries, al.entries)
	return entries
}

func (al *Allowlist) saveLocked() error {
	if al.filePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(al.filePath), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(al.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal allowlist: %w", err)
	}

	tmp := al.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write allowlist: %w", err)
	}
	return os.Rename(tmp, al.filePath)
}

// matchGlob matches * and ? wildcards. A bare * matches everything,
// including commands containing path separators.
func matchGlob(pattern, str string) bool {
	if pattern == "*" {
		return true
	}

	matched, err := filepath.Match(pattern, str)
	if err != nil {
		log.Warn().
			Err(err).
			Str("pattern", pattern).
			Msg("Invalid glob pattern")
		return false
	}
	return matched
}
