package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/vigil/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit record kinds.
const (
	AuditApproval = "approval"
	AuditPolicy   = "policy"
	AuditSecurity = "security"
	AuditSession  = "session"
)

// AuditEvent is one security-relevant decision.
type AuditEvent struct {
	Kind   string
	Actor  string
	Action string
	Status string
	Detail map[string]interface{}
	At     time.Time
}

// AuditLog appends one JSON line per event.
type AuditLog struct {
	mu  sync.Mutex
	out zerolog.Logger
	c   io.Closer
}

var audit atomic.Pointer[AuditLog]

func init() {
	audit.Store(newAuditLog(os.Stderr, nil))
}

func newAuditLog(w io.Writer, c io.Closer) *AuditLog {
	return &AuditLog{out: zerolog.New(w), c: c}
}

// GetAuditLogger returns the process audit log. It writes to stderr until
// InitAuditLogger succeeds.
func GetAuditLogger() *AuditLog {
	return audit.Load()
}

// InitAuditLogger switches the process audit log to an append-only file.
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if prev := audit.Swap(newAuditLog(f, f)); prev != nil {
		_ = prev.Close()
	}
	return nil
}

// Record writes ev with the correlation ids found in ctx. A recording span
// also gets the event attached.
func (a *AuditLog) Record(ctx context.Context, ev AuditEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	ids := tracing.FromContext(ctx)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("audit."+ev.Kind, trace.WithAttributes(
			attribute.String("audit.action", ev.Action),
			attribute.String("audit.status", ev.Status),
			attribute.String("audit.actor", ev.Actor),
		))
		if ids.TraceID == "" {
			ids.TraceID = span.SpanContext().TraceID().String()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.out.Log().
		Time("ts", ev.At.UTC()).
		Str("kind", ev.Kind).
		Str("action", ev.Action).
		Str("status", ev.Status)
	if ev.Actor != "" {
		e = e.Str("actor", ev.Actor)
	}
	if ids.TraceID != "" {
		e = e.Str("trace_id", ids.TraceID)
	}
	if ids.RunID != "" {
		e = e.Str("run_id", ids.RunID)
	}
	if ids.SessionKey != "" {
		e = e.Str("session_key", ids.SessionKey)
	}
	if len(ev.Detail) > 0 {
		e = e.Interface("detail", ev.Detail)
	}
	e.Send()
}

// Close closes the underlying file, if any.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.c == nil {
		return nil
	}
	err := a.c.Close()
	a.c = nil
	return err
}

// RecordApprovalAudit records how a host-execution approval was settled.
func RecordApprovalAudit(ctx context.Context, toolName, actor, status string, detail map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{Kind: AuditApproval, Actor: actor, Action: "approval:" + toolName, Status: status, Detail: detail})
}

// RecordPolicyAudit records a tool call rejected by policy.
func RecordPolicyAudit(ctx context.Context, toolName, actor, reason string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Kind:   AuditPolicy,
		Actor:  actor,
		Action: "deny:" + toolName,
		Status: "denied",
		Detail: map[string]interface{}{"reason": reason},
	})
}

func RecordSecurityAudit(ctx context.Context, action, actor, status string, detail map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{Kind: AuditSecurity, Actor: actor, Action: action, Status: status, Detail: detail})
}

// RecordSessionAudit records an operator action on a session.
func RecordSessionAudit(ctx context.Context, action, actor string, detail map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{Kind: AuditSession, Actor: actor, Action: action, Status: "success", Detail: detail})
}
