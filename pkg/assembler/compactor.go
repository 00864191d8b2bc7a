package assembler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/vigil/internal/observability"
	"github.com/harun/vigil/internal/tracing"
	"github.com/harun/vigil/pkg/provider"
	"github.com/harun/vigil/pkg/session"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// FlushPrompt is the synthetic turn appended before history is truncated.
const FlushPrompt = "Context is about to be compacted: older turns will be replaced by a summary. " +
	"Before that happens, write any fact you must keep verbatim to durable memory " +
	"(workspace_write to the memory field, or state_set). Reply briefly when done."

const summarySystem = "You condense conversation history for an assistant that will continue the conversation. " +
	"Keep facts, decisions, user preferences, open tasks and anything the assistant promised to do. " +
	"Be concise. Output only the summary."

// ErrNothingToCompact is returned when the session has no prefix old enough to summarize.
var ErrNothingToCompact = errors.New("nothing to compact")

// Store is the part of the session store compaction needs.
type Store interface {
	Load(ctx context.Context, key string) (*session.Session, error)
	Append(ctx context.Context, key string, turn session.Turn) (session.Turn, error)
	Compact(ctx context.Context, key string, req session.CompactRequest) (session.Compaction, error)
}

// Summarizer condenses a transcript prefix, folding in the previous summary.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, turns []session.Turn) (string, error)
}

// FlushFunc runs one model turn so the agent can act on the flush prompt.
type FlushFunc func(ctx context.Context) error

// Compactor performs the flush, summarize, truncate sequence.
type Compactor struct {
	store      Store
	asm        *Assembler
	summarizer Summarizer
}

// NewCompactor wires a compactor.
func NewCompactor(store Store, asm *Assembler, summarizer Summarizer) *Compactor {
	return &Compactor{store: store, asm: asm, summarizer: summarizer}
}

// Compact summarizes everything before the cut point. The flush turn is
// persisted and the flush model turn finishes (or times out) before the store
// is asked to truncate.
func (c *Compactor) Compact(ctx context.Context, key, runID string, flush FlushFunc) (session.Compaction, error) {
	ctx, span := tracing.StartSpan(ctx, "vigil.assembler", "assembler.compact", attribute.String("session_key", key))
	rec, err := c.compact(ctx, key, runID, flush)
	tracing.EndSpan(span, err)
	return rec, err
}

func (c *Compactor) compact(ctx context.Context, key, runID string, flush FlushFunc) (session.Compaction, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	sess, err := c.store.Load(ctx, key)
	if err != nil {
		return session.Compaction{}, err
	}
	cut, ok := c.asm.CutPoint(sess)
	if !ok {
		return session.Compaction{}, ErrNothingToCompact
	}

	if _, err := c.store.Append(ctx, key, session.Turn{
		Role:    session.RoleSystem,
		Kind:    session.KindFlush,
		Content: FlushPrompt,
		RunID:   runID,
	}); err != nil {
		return session.Compaction{}, err
	}

	if flush != nil {
		flushCtx, cancel := context.WithTimeout(ctx, c.asm.cfg.FlushTimeout)
		err := flush(flushCtx)
		cancel()
		if ctx.Err() != nil {
			return session.Compaction{}, ctx.Err()
		}
		if err != nil {
			// A timed-out or failed flush still precedes truncation.
			logger.Warn().Err(err).Msg("Memory flush turn did not complete")
		}
	}

	sess, err = c.store.Load(ctx, key)
	if err != nil {
		return session.Compaction{}, err
	}
	var prefix []session.Turn
	for _, t := range sess.Turns {
		if t.Seq < cut {
			prefix = append(prefix, t)
		}
	}
	previous := ""
	if sess.Summary != nil {
		previous = sess.Summary.Content
	}

	summary, source := c.summarize(ctx, previous, prefix)
	rec, err := c.store.Compact(ctx, key, session.CompactRequest{
		Cut:           cut,
		Summary:       summary,
		SummarySource: source,
		RunID:         runID,
	})
	if err != nil {
		return session.Compaction{}, err
	}

	observability.RecordCompaction(tracing.GetAgentID(ctx), source)
	return rec, nil
}

func (c *Compactor) summarize(ctx context.Context, previous string, prefix []session.Turn) (string, string) {
	if c.summarizer != nil {
		sctx, cancel := context.WithTimeout(ctx, c.asm.cfg.FlushTimeout)
		summary, err := c.summarizer.Summarize(sctx, previous, prefix)
		cancel()
		if err == nil && strings.TrimSpace(summary) != "" {
			return summary, "model"
		}
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Err(err).Msg("Summarizer failed, falling back to truncation notice")
	}
	return fallbackSummary(previous, prefix), "fallback"
}

func fallbackSummary(previous string, prefix []session.Turn) string {
	notice := fmt.Sprintf("[History compacted: %d earlier turns were truncated without a summary.]", len(prefix))
	if previous == "" {
		return notice
	}
	return previous + "\n\n" + notice
}

// ModelSummarizer summarizes with a single model call.
type ModelSummarizer struct {
	Call      func(ctx context.Context, req provider.Request) (*provider.Response, error)
	MaxTokens int
}

// Summarize implements Summarizer.
func (m *ModelSummarizer) Summarize(ctx context.Context, previous string, turns []session.Turn) (string, error) {
	if m.Call == nil {
		return "", errors.New("summarizer has no model")
	}
	maxTokens := m.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	resp, err := m.Call(ctx, provider.Request{
		System:    summarySystem,
		Messages:  []provider.Message{{Role: provider.RoleUser, Content: transcriptText(previous, turns)}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func transcriptText(previous string, turns []session.Turn) string {
	var b strings.Builder
	if previous != "" {
		b.WriteString("Earlier summary:\n")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation to summarize:\n")
	for _, t := range turns {
		if t.Content != "" {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
		for _, call := range t.ToolCalls {
			r, _ := t.ResultFor(call.ID)
			out := r.Output
			if len(out) > 500 {
				out = out[:500] + "..."
			}
			fmt.Fprintf(&b, "%s called %s(%s) -> %s %s\n", t.Role, call.Name, string(call.Arguments), r.Status, out)
		}
	}
	return b.String()
}
