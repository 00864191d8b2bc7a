package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

// sessionMeta is the mutable, non-transcript part of a session.
type sessionMeta struct {
	Key          string
	CreatedAt    time.Time
	LastActivity time.Time
	Marker       int64
	NextSeq      int64
	Summary      *Turn
	State        map[string]any
	Compactions  int
}

// compactionRecord is one row of the compaction log.
type compactionRecord struct {
	Key           string
	FromSeq       int64
	ToSeq         int64
	FlushSeq      int64
	ArchivePath   string
	SummarySource string
	CreatedAt     time.Time
}

// MetaStore keeps session metadata and a small key/value table in SQLite.
type MetaStore struct {
	db *sql.DB
}

const metaSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	key TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	last_activity INTEGER NOT NULL,
	marker INTEGER NOT NULL DEFAULT 0,
	next_seq INTEGER NOT NULL DEFAULT 0,
	summary TEXT,
	state TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS compactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_key TEXT NOT NULL,
	from_seq INTEGER NOT NULL,
	to_seq INTEGER NOT NULL,
	flush_seq INTEGER NOT NULL,
	archive_path TEXT NOT NULL,
	summary_source TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_compactions_session ON compactions(session_key);
CREATE TABLE IF NOT EXISTS kv (
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
);
`

// OpenMeta opens (or creates) the metadata database at path.
func OpenMeta(path string) (*MetaStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create meta directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(metaSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init meta schema: %w", err)
	}
	return &MetaStore{db: db}, nil
}

// Close closes the database.
func (m *MetaStore) Close() error {
	return m.db.Close()
}

// retryOnBusy retries f with capped exponential backoff while SQLite reports
// BUSY or LOCKED.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func (m *MetaStore) get(ctx context.Context, key string) (*sessionMeta, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT created_at, last_activity, marker, next_seq, summary, state,
			(SELECT COUNT(*) FROM compactions WHERE session_key = ?)
		 FROM sessions WHERE key = ?`, key, key)

	var (
		created, last int64
		summary       sql.NullString
		state         string
		meta          = &sessionMeta{Key: key}
	)
	if err := row.Scan(&created, &last, &meta.Marker, &meta.NextSeq, &summary, &state, &meta.Compactions); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	meta.CreatedAt = time.UnixMilli(created)
	meta.LastActivity = time.UnixMilli(last)

	if summary.Valid && summary.String != "" {
		var t Turn
		if err := json.Unmarshal([]byte(summary.String), &t); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		meta.Summary = &t
	}
	if err := json.Unmarshal([]byte(state), &meta.State); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if meta.State == nil {
		meta.State = map[string]any{}
	}
	return meta, nil
}

func (m *MetaStore) create(ctx context.Context, key string, nextSeq int64, now time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := m.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO sessions (key, created_at, last_activity, next_seq) VALUES (?, ?, ?, ?)`,
			key, now.UnixMilli(), now.UnixMilli(), nextSeq)
		return err
	})
}

func (m *MetaStore) touch(ctx context.Context, key string, nextSeq int64, at time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := m.db.ExecContext(ctx,
			`UPDATE sessions SET last_activity = ?, next_seq = ? WHERE key = ?`,
			at.UnixMilli(), nextSeq, key)
		return err
	})
}

func (m *MetaStore) setState(ctx context.Context, key string, state map[string]any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := m.db.ExecContext(ctx, `UPDATE sessions SET state = ? WHERE key = ?`, string(data), key)
		return err
	})
}

// commitCompaction advances the marker and records the summary in one
// transaction. The marker only moves forward.
func (m *MetaStore) commitCompaction(ctx context.Context, rec compactionRecord, summary Turn) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	return retryOnBusy(ctx, 5, func() error {
		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET marker = ?, summary = ? WHERE key = ? AND marker < ?`,
			rec.ToSeq, string(data), rec.Key, rec.ToSeq)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrMarkerRegression
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO compactions (session_key, from_seq, to_seq, flush_seq, archive_path, summary_source, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.Key, rec.FromSeq, rec.ToSeq, rec.FlushSeq, rec.ArchivePath, rec.SummarySource, rec.CreatedAt.UnixMilli()); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (m *MetaStore) compactions(ctx context.Context, key string) ([]compactionRecord, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT from_seq, to_seq, flush_seq, archive_path, summary_source, created_at
		 FROM compactions WHERE session_key = ? ORDER BY id`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []compactionRecord
	for rows.Next() {
		rec := compactionRecord{Key: key}
		var created int64
		if err := rows.Scan(&rec.FromSeq, &rec.ToSeq, &rec.FlushSeq, &rec.ArchivePath, &rec.SummarySource, &created); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.UnixMilli(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (m *MetaStore) list(ctx context.Context) ([]Info, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT s.key, s.next_seq, s.marker, s.created_at, s.last_activity,
			(SELECT COUNT(*) FROM compactions c WHERE c.session_key = s.key)
		 FROM sessions s ORDER BY s.last_activity DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var info Info
		var created, last int64
		if err := rows.Scan(&info.Key, &info.Turns, &info.Marker, &created, &last, &info.Compactions); err != nil {
			return nil, err
		}
		info.CreatedAt = time.UnixMilli(created)
		info.LastActivity = time.UnixMilli(last)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (m *MetaStore) delete(ctx context.Context, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM compactions WHERE session_key = ?`, key); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// GetKV reads a value from the key/value table. found is false when absent.
func (m *MetaStore) GetKV(ctx context.Context, namespace, key string) (value string, found bool, err error) {
	err = m.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// PutKV upserts a value in the key/value table.
func (m *MetaStore) PutKV(ctx context.Context, namespace, key, value string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := m.db.ExecContext(ctx,
			`INSERT INTO kv (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			namespace, key, value, time.Now().UnixMilli())
		return err
	})
}

// ListKV returns all values in a namespace.
func (m *MetaStore) ListKV(ctx context.Context, namespace string) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
