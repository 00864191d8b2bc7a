package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/vigil/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// CompactRequest describes one compaction: every active turn with
// Seq < Cut is replaced by Summary.
type CompactRequest struct {
	Cut           int64
	Summary       string
	SummarySource string // "model" or "fallback"
	RunID         string
}

// Compaction is a committed entry of the compaction log.
type Compaction struct {
	FromSeq       int64     `json:"from_seq"`
	ToSeq         int64     `json:"to_seq"`
	FlushSeq      int64     `json:"flush_seq"`
	ArchivePath   string    `json:"archive_path"`
	SummarySource string    `json:"summary_source"`
	CreatedAt     time.Time `json:"created_at"`
}

// Compact summarizes a transcript prefix. The flush turn must already be
// persisted: it is the most recent flush since the previous compaction and
// sits at or after the cut, so it survives in the active suffix. The raw
// prefix goes to the archive before the marker moves, and the active
// transcript is rewritten last; a crash in between leaves stale lines that
// loads filter by marker.
func (s *Store) Compact(ctx context.Context, key string, req CompactRequest) (Compaction, error) {
	ctx, span := tracing.StartSpan(ctx, "vigil.session", "session.compact",
		attribute.String("session_key", key),
		attribute.Int64("cut", req.Cut),
	)
	rec, err := s.compact(ctx, key, req)
	tracing.EndSpan(span, err)
	return rec, err
}

func (s *Store) compact(ctx context.Context, key string, req CompactRequest) (Compaction, error) {
	if err := ValidateKey(key); err != nil {
		return Compaction{}, err
	}

	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	sess, err := s.load(ctx, key)
	if err != nil {
		return Compaction{}, err
	}

	if req.Cut <= sess.Marker {
		return Compaction{}, fmt.Errorf("%w: cut %d <= marker %d", ErrMarkerRegression, req.Cut, sess.Marker)
	}
	if req.Cut > sess.NextSeq {
		return Compaction{}, fmt.Errorf("cut %d beyond last turn %d", req.Cut, sess.NextSeq-1)
	}
	flushSeq := sess.LastFlushSeq()
	if flushSeq < 0 || flushSeq < req.Cut {
		return Compaction{}, ErrFlushMissing
	}

	var prefix, suffix []Turn
	for _, t := range sess.Turns {
		if t.Seq < req.Cut {
			prefix = append(prefix, t)
		} else {
			suffix = append(suffix, t)
		}
	}

	archivePath, err := s.archive.Write(key, sess.Marker, req.Cut-1, prefix)
	if err != nil {
		return Compaction{}, fmt.Errorf("%w: archive prefix: %v", ErrPersist, err)
	}

	now := s.now()
	summary := Turn{
		Role:      RoleSystem,
		Kind:      KindSummary,
		Content:   s.redact(req.Summary),
		Timestamp: now,
		RunID:     req.RunID,
	}
	summary.TokenEstimate = summary.Estimate()

	rec := Compaction{
		FromSeq:       sess.Marker,
		ToSeq:         req.Cut,
		FlushSeq:      flushSeq,
		ArchivePath:   archivePath,
		SummarySource: req.SummarySource,
		CreatedAt:     now,
	}
	if err := s.meta.commitCompaction(ctx, compactionRecord{
		Key:           key,
		FromSeq:       rec.FromSeq,
		ToSeq:         rec.ToSeq,
		FlushSeq:      rec.FlushSeq,
		ArchivePath:   rec.ArchivePath,
		SummarySource: rec.SummarySource,
		CreatedAt:     rec.CreatedAt,
	}, summary); err != nil {
		if errors.Is(err, ErrMarkerRegression) {
			return Compaction{}, err
		}
		return Compaction{}, fmt.Errorf("%w: commit compaction: %v", ErrPersist, err)
	}

	if err := s.rewriteTranscript(key, suffix); err != nil {
		log.Warn().Err(err).Str("session_key", key).Msg("Failed to truncate active transcript; stale prefix is filtered by marker")
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().
		Str("session_key", key).
		Int64("from", rec.FromSeq).
		Int64("to", rec.ToSeq).
		Int("archived", len(prefix)).
		Str("summary_source", rec.SummarySource).
		Msg("Session compacted")

	return rec, nil
}

func (s *Store) rewriteTranscript(key string, turns []Turn) error {
	var buf []byte
	for _, t := range turns {
		line, err := jsonLine(t)
		if err != nil {
			return err
		}
		buf = append(buf, line...)
	}
	return writeFileAtomic(s.path(key), buf)
}

// Compactions returns the compaction log for a session, oldest first.
func (s *Store) Compactions(ctx context.Context, key string) ([]Compaction, error) {
	recs, err := s.meta.compactions(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]Compaction, len(recs))
	for i, r := range recs {
		out[i] = Compaction{
			FromSeq:       r.FromSeq,
			ToSeq:         r.ToSeq,
			FlushSeq:      r.FlushSeq,
			ArchivePath:   r.ArchivePath,
			SummarySource: r.SummarySource,
			CreatedAt:     r.CreatedAt,
		}
	}
	return out, nil
}
