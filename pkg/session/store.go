package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/vigil/internal/observability"
	"github.com/harun/vigil/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const maxLineSize = 16 * 1024 * 1024

// Option configures a Store.
type Option func(*Store)

// WithRedactor applies fn to turn text before it is persisted.
func WithRedactor(fn func(string) string) Option {
	return func(s *Store) { s.redact = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store persists sessions: JSONL transcripts, SQLite metadata and a zstd archive.
type Store struct {
	transcripts string
	meta        *MetaStore
	archive     *Archive
	redact      func(string) string
	now         func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.RWMutex
	// nextSeq caches reconciled sequence counters; guarded by the key's lock.
	seqMu   sync.Mutex
	nextSeq map[string]int64
}

// New opens a store rooted at dir.
func New(dir string, opts ...Option) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		return nil, errors.New("session store directory is required")
	}

	transcripts := filepath.Join(dir, "transcripts")
	if err := os.MkdirAll(transcripts, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	meta, err := OpenMeta(filepath.Join(dir, "meta.db"))
	if err != nil {
		return nil, err
	}

	archive, err := NewArchive(filepath.Join(dir, "archive"))
	if err != nil {
		_ = meta.Close()
		return nil, err
	}

	s := &Store{
		transcripts: transcripts,
		meta:        meta,
		archive:     archive,
		redact:      func(s string) string { return s },
		now:         time.Now,
		locks:       make(map[string]*sync.RWMutex),
		nextSeq:     make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}

	log.Info().Str("dir", dir).Msg("Session store initialized")
	return s, nil
}

// Meta exposes the metadata database for components that persist small
// durable records alongside sessions.
func (s *Store) Meta() *MetaStore { return s.meta }

// Archive returns the cold-storage archive.
func (s *Store) Archive() *Archive { return s.archive }

// Close closes the metadata database.
func (s *Store) Close() error {
	return s.meta.Close()
}

// ValidateKey checks that a session key is non-empty and path-safe.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case strings.Contains(key, ".."):
		return fmt.Errorf("%w: cannot contain '..'", ErrInvalidKey)
	case strings.ContainsAny(key, "/\\"):
		return fmt.Errorf("%w: cannot contain path separators", ErrInvalidKey)
	case strings.Contains(key, "\x00"):
		return fmt.Errorf("%w: cannot contain null bytes", ErrInvalidKey)
	case len(key) > 200:
		return fmt.Errorf("%w: too long", ErrInvalidKey)
	}
	return nil
}

func (s *Store) lockFor(key string) *sync.RWMutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.RWMutex{}
	s.locks[key] = l
	return l
}

func (s *Store) path(key string) string {
	return filepath.Join(s.transcripts, key+".jsonl")
}

// Load returns the active view of an existing session.
func (s *Store) Load(ctx context.Context, key string) (*Session, error) {
	ctx, span := tracing.StartSpan(ctx, "vigil.session", "session.load", attribute.String("session_key", key))
	start := time.Now()

	if err := ValidateKey(key); err != nil {
		tracing.EndSpan(span, err)
		return nil, err
	}

	l := s.lockFor(key)
	l.RLock()
	sess, err := s.load(ctx, key)
	l.RUnlock()

	observability.RecordSessionLoad(time.Since(start))
	if !errors.Is(err, ErrNotFound) {
		tracing.EndSpan(span, err)
	} else {
		span.End()
	}
	return sess, err
}

// LoadOrCreate returns the session for key, creating it on first use.
func (s *Store) LoadOrCreate(ctx context.Context, key string) (*Session, error) {
	sess, err := s.Load(ctx, key)
	if !errors.Is(err, ErrNotFound) {
		return sess, err
	}

	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	if _, err := s.ensure(ctx, key); err != nil {
		return nil, err
	}
	return s.load(ctx, key)
}

// load reads metadata and the active transcript suffix; callers hold the key lock.
func (s *Store) load(ctx context.Context, key string) (*Session, error) {
	meta, err := s.meta.get(ctx, key)
	if err != nil {
		return nil, err
	}

	turns, err := s.readTranscript(ctx, key, meta.Marker)
	if err != nil {
		return nil, err
	}

	next := meta.NextSeq
	if n := len(turns); n > 0 && turns[n-1].Seq >= next {
		next = turns[n-1].Seq + 1
	}

	return &Session{
		Key:          key,
		Turns:        turns,
		State:        meta.State,
		Marker:       meta.Marker,
		Summary:      meta.Summary,
		NextSeq:      next,
		CreatedAt:    meta.CreatedAt,
		LastActivity: meta.LastActivity,
		Compactions:  meta.Compactions,
	}, nil
}

// readTranscript returns turns with Seq >= marker. Unparseable lines are
// skipped with a warning.
func (s *Store) readTranscript(ctx context.Context, key string, marker int64) ([]Turn, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return []Turn{}, nil
		}
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer f.Close()

	turns := []Turn{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t Turn
		if err := json.Unmarshal(line, &t); err != nil {
			logger.Warn().Str("session_key", key).Int("line", lineNum).Err(err).Msg("Skipping unreadable transcript line")
			continue
		}
		if t.Seq < marker {
			continue
		}
		turns = append(turns, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	return turns, nil
}

// ensure creates metadata if needed and reconciles the sequence counter with
// the transcript on first use in this process; callers hold the write lock.
func (s *Store) ensure(ctx context.Context, key string) (int64, error) {
	s.seqMu.Lock()
	next, ok := s.nextSeq[key]
	s.seqMu.Unlock()
	if ok {
		return next, nil
	}

	fileNext, err := s.repairTail(key)
	if err != nil {
		return 0, err
	}

	meta, err := s.meta.get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		if err := s.meta.create(ctx, key, fileNext, s.now()); err != nil {
			return 0, fmt.Errorf("%w: create session: %v", ErrPersist, err)
		}
		next = fileNext
	case err != nil:
		return 0, fmt.Errorf("%w: read session meta: %v", ErrPersist, err)
	default:
		next = max(meta.NextSeq, fileNext)
	}

	s.seqMu.Lock()
	s.nextSeq[key] = next
	s.seqMu.Unlock()
	return next, nil
}

// repairTail truncates a torn final line left by a crash mid-append, so the
// next append starts on a fresh line, and returns max(seq)+1 of the file.
func (s *Store) repairTail(key string) (int64, error) {
	path := s.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read session file: %w", err)
	}

	if len(data) > 0 && data[len(data)-1] != '\n' {
		cut := bytes.LastIndexByte(data, '\n') + 1
		if err := os.Truncate(path, int64(cut)); err != nil {
			return 0, fmt.Errorf("failed to repair session file: %w", err)
		}
		log.Warn().Str("session_key", key).Int("dropped_bytes", len(data)-cut).Msg("Repaired torn transcript tail")
		data = data[:cut]
	}

	var next int64
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		var probe struct {
			Seq int64 `json:"seq"`
		}
		if json.Unmarshal(line, &probe) == nil && probe.Seq >= next {
			next = probe.Seq + 1
		}
	}
	return next, nil
}

// Append assigns the next sequence number to turn and durably appends it.
// Failures writing the transcript or metadata wrap ErrPersist.
func (s *Store) Append(ctx context.Context, key string, turn Turn) (Turn, error) {
	ctx, span := tracing.StartSpan(ctx, "vigil.session", "session.append",
		attribute.String("session_key", key),
		attribute.String("kind", string(turn.Kind)),
	)
	start := time.Now()

	turn, err := s.append(ctx, key, turn)

	observability.RecordSessionAppend(time.Since(start))
	tracing.EndSpan(span, err)
	return turn, err
}

func (s *Store) append(ctx context.Context, key string, turn Turn) (Turn, error) {
	if err := ValidateKey(key); err != nil {
		return Turn{}, err
	}
	if turn.Kind == "" {
		turn.Kind = KindMessage
	}
	if err := turn.Validate(); err != nil {
		return Turn{}, err
	}

	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	next, err := s.ensure(ctx, key)
	if err != nil {
		return Turn{}, err
	}

	turn = s.redactTurn(turn)
	turn.Seq = next
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	if turn.TokenEstimate == 0 {
		turn.TokenEstimate = turn.Estimate()
	}

	line, err := jsonLine(turn)
	if err != nil {
		return Turn{}, err
	}

	if err := appendLine(s.path(key), line); err != nil {
		return Turn{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	s.seqMu.Lock()
	s.nextSeq[key] = next + 1
	s.seqMu.Unlock()

	if err := s.meta.touch(ctx, key, next+1, turn.Timestamp); err != nil {
		return Turn{}, fmt.Errorf("%w: update session meta: %v", ErrPersist, err)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("session_key", key).
		Int64("seq", turn.Seq).
		Str("role", string(turn.Role)).
		Str("kind", string(turn.Kind)).
		Msg("Turn appended")

	return turn, nil
}

func jsonLine(t Turn) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal turn: %w", err)
	}
	return append(data, '\n'), nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync transcript: %w", err)
	}
	return f.Close()
}

func (s *Store) redactTurn(t Turn) Turn {
	t.Content = s.redact(t.Content)
	if len(t.ToolCalls) > 0 {
		calls := make([]ToolCall, len(t.ToolCalls))
		for i, c := range t.ToolCalls {
			if len(c.Arguments) > 0 {
				red := s.redact(string(c.Arguments))
				if json.Valid([]byte(red)) {
					c.Arguments = json.RawMessage(red)
				} else {
					quoted, _ := json.Marshal(red)
					c.Arguments = quoted
				}
			}
			calls[i] = c
		}
		t.ToolCalls = calls
	}
	if len(t.ToolResults) > 0 {
		results := make([]ToolResult, len(t.ToolResults))
		for i, r := range t.ToolResults {
			r.Output = s.redact(r.Output)
			r.Error = s.redact(r.Error)
			results[i] = r
		}
		t.ToolResults = results
	}
	return t
}

// State returns a copy of the session's state map.
func (s *Store) State(ctx context.Context, key string) (map[string]any, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	l := s.lockFor(key)
	l.RLock()
	defer l.RUnlock()

	meta, err := s.meta.get(ctx, key)
	if err != nil {
		return nil, err
	}
	return meta.State, nil
}

// SetState sets one state entry; a nil value removes it.
func (s *Store) SetState(ctx context.Context, key, name string, value any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if name == "" {
		return errors.New("state key cannot be empty")
	}

	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	if _, err := s.ensure(ctx, key); err != nil {
		return err
	}
	meta, err := s.meta.get(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if value == nil {
		delete(meta.State, name)
	} else {
		meta.State[name] = value
	}
	if err := s.meta.setState(ctx, key, meta.State); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// List returns all known sessions, most recently active first.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	return s.meta.list(ctx)
}

// Delete removes a session, its metadata and its archive. It is only ever
// invoked by an explicit operator action.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	if _, err := s.meta.get(ctx, key); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	if err := s.meta.delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete session meta: %w", err)
	}
	if err := s.archive.Remove(key); err != nil {
		return fmt.Errorf("failed to delete session archive: %w", err)
	}

	s.seqMu.Lock()
	delete(s.nextSeq, key)
	s.seqMu.Unlock()

	log.Info().Str("session_key", key).Msg("Session deleted")
	return nil
}
