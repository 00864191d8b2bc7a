package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/vigil/internal/observability"
	"github.com/harun/vigil/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

const (
	DefaultApprovalTimeout = 60 * time.Second

	EventApprovalRequest  = "tool.approval_request"
	EventApprovalResolved = "tool.approval_resolved"
)

// Decision is an operator's answer to an approval request.
type Decision string

const (
	DecisionAllowOnce   Decision = "allow-once"
	DecisionAllowAlways Decision = "allow-always"
	DecisionDeny        Decision = "deny"
)

// ParseDecision parses a decision, accepting a few short aliases.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow-once", "allow", "approve", "yes", "y":
		return DecisionAllowOnce, nil
	case "allow-always", "always":
		return DecisionAllowAlways, nil
	case "deny", "reject", "no", "n":
		return DecisionDeny, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
}

// Emitter publishes an event to operator channels.
type Emitter func(ctx context.Context, event string, data map[string]any)

// ApprovalRequest describes one suspended host command.
type ApprovalRequest struct {
	ID         string    `json:"approval_id"`
	Tool       string    `json:"tool"`
	Command    string    `json:"command"`
	SessionKey string    `json:"session_key,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ApprovalOutcome is how a request ended.
type ApprovalOutcome struct {
	Approved bool
	TimedOut bool
	Decision Decision
	Actor    string
}

type pendingApproval struct {
	req    ApprovalRequest
	answer chan ApprovalOutcome
}

// ApprovalGate suspends host commands until an operator resolves them or the
// timeout denies them.
type ApprovalGate struct {
	timeout   time.Duration
	emit      Emitter
	allowlist *Allowlist
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingApproval
}

// NewApprovalGate creates a gate. A zero timeout uses DefaultApprovalTimeout;
// allowlist may be nil.
func NewApprovalGate(timeout time.Duration, emit Emitter, allowlist *Allowlist) *ApprovalGate {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	if emit == nil {
		emit = func(context.Context, string, map[string]any) {}
	}
	return &ApprovalGate{
		timeout:   timeout,
		emit:      emit,
		allowlist: allowlist,
		now:       time.Now,
		pending:   make(map[string]*pendingApproval),
	}
}

// Timeout returns the gate's timeout.
func (g *ApprovalGate) Timeout() time.Duration { return g.timeout }

// Allowlisted reports whether command holds a standing approval.
func (g *ApprovalGate) Allowlisted(command string) bool {
	return g.allowlist.IsAllowed(command)
}

// Request blocks until the request is resolved, times out or ctx ends. A
// timeout is a denial, not an error.
func (g *ApprovalGate) Request(ctx context.Context, tool, command string) (ApprovalOutcome, error) {
	id, err := gonanoid.New()
	if err != nil {
		return ApprovalOutcome{}, fmt.Errorf("approval id: %w", err)
	}

	now := g.now()
	p := &pendingApproval{
		req: ApprovalRequest{
			ID:         id,
			Tool:       tool,
			Command:    command,
			SessionKey: tracing.GetSessionKey(ctx),
			RunID:      tracing.GetRunID(ctx),
			CreatedAt:  now,
			ExpiresAt:  now.Add(g.timeout),
		},
		answer: make(chan ApprovalOutcome, 1),
	}

	g.mu.Lock()
	g.pending[id] = p
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, id)
		g.mu.Unlock()
	}()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().
		Str("approval_id", id).
		Str("tool", tool).
		Str("command", command).
		Dur("timeout", g.timeout).
		Msg("Requesting approval")

	g.emit(ctx, EventApprovalRequest, map[string]any{
		"approval_id": id,
		"tool":        tool,
		"command":     command,
		"session_key": p.req.SessionKey,
		"run_id":      p.req.RunID,
		"timeout_ms":  g.timeout.Milliseconds(),
		"expires_at":  p.req.ExpiresAt.UnixMilli(),
	})

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case out := <-p.answer:
		g.emit(ctx, EventApprovalResolved, map[string]any{
			"approval_id": id,
			"decision":    string(out.Decision),
			"actor":       out.Actor,
			"timed_out":   false,
		})
		return out, nil

	case <-timer.C:
		logger.Warn().
			Str("approval_id", id).
			Str("tool", tool).
			Dur("timeout", g.timeout).
			Msg("Approval request timed out")
		observability.RecordApprovalAudit(ctx, tool, "timeout", "denied", map[string]interface{}{
			"approval_id": id,
			"command":     command,
			"timed_out":   true,
		})
		g.emit(tracing.Detach(ctx), EventApprovalResolved, map[string]any{
			"approval_id": id,
			"decision":    string(DecisionDeny),
			"timed_out":   true,
		})
		return ApprovalOutcome{TimedOut: true, Decision: DecisionDeny, Actor: "timeout"}, nil

	case <-ctx.Done():
		return ApprovalOutcome{}, ctx.Err()
	}
}

// Resolve answers a pending request.
func (g *ApprovalGate) Resolve(id string, decision Decision, actor string) error {
	switch decision {
	case DecisionAllowOnce, DecisionAllowAlways, DecisionDeny:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	g.mu.Lock()
	p, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}

	out := ApprovalOutcome{Decision: decision, Actor: actor}
	switch decision {
	case DecisionAllowOnce:
		out.Approved = true
	case DecisionAllowAlways:
		out.Approved = true
		if g.allowlist != nil {
			if err := g.allowlist.Add(AllowlistEntry{Command: p.req.Command, AddedBy: actor}); err != nil {
				log.Error().Err(err).Str("approval_id", id).Msg("Failed to persist allowlist entry")
			}
		}
	}

	status := "denied"
	if out.Approved {
		status = "approved"
	}
	observability.RecordApprovalAudit(context.Background(), p.req.Tool, actor, status, map[string]interface{}{
		"approval_id": id,
		"command":     p.req.Command,
		"decision":    string(decision),
		"session_key": p.req.SessionKey,
	})
	log.Info().
		Str("approval_id", id).
		Str("decision", string(decision)).
		Str("actor", actor).
		Msg("Approval resolved")

	p.answer <- out
	return nil
}

// Pending lists unresolved requests, oldest first.
func (g *ApprovalGate) Pending() []ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]ApprovalRequest, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
