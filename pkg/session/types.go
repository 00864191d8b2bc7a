package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleTool   Role = "tool"
	RoleSystem Role = "system"
)

// TurnKind distinguishes ordinary conversation from synthetic runtime turns.
type TurnKind string

const (
	KindMessage TurnKind = "message"
	KindFlush   TurnKind = "flush"
	KindSummary TurnKind = "summary"
	KindAborted TurnKind = "aborted"
	KindNotice  TurnKind = "notice"
)

// Isolation is the execution directive attached to a tool call.
type Isolation string

const (
	IsolationSandboxed Isolation = "sandboxed"
	IsolationHost      Isolation = "host"
)

// ToolStatus is the lifecycle state of a tool call's result.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolSucceeded ToolStatus = "succeeded"
	ToolFailed    ToolStatus = "failed"
	ToolTimedOut  ToolStatus = "timed_out"
)

// Terminal reports whether the status is final.
func (s ToolStatus) Terminal() bool {
	return s == ToolSucceeded || s == ToolFailed || s == ToolTimedOut
}

// ToolCall is a model-requested action.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Isolation Isolation       `json:"isolation,omitempty"`
}

// ToolResult is the outcome of one ToolCall.
type ToolResult struct {
	CallID     string     `json:"call_id"`
	Name       string     `json:"name"`
	Status     ToolStatus `json:"status"`
	Code       string     `json:"code,omitempty"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	Truncated  bool       `json:"truncated,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`

	// Isolation is where a command actually ran. Empty for in-process tools.
	Isolation Isolation `json:"isolation,omitempty"`
}

// Turn is one immutable transcript entry. An agent turn that requested tools
// carries both the calls and their terminal results.
type Turn struct {
	Seq           int64        `json:"seq"`
	Role          Role         `json:"role"`
	Kind          TurnKind     `json:"kind"`
	Content       string       `json:"content,omitempty"`
	ToolCalls     []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults   []ToolResult `json:"tool_results,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
	TokenEstimate int          `json:"token_estimate"`
	RunID         string       `json:"run_id,omitempty"`
	Model         string       `json:"model,omitempty"`
	Profile       string       `json:"profile,omitempty"`
	Suppressed    bool         `json:"suppressed,omitempty"`
}

// Validate checks a turn before it is persisted.
func (t Turn) Validate() error {
	switch t.Role {
	case RoleUser, RoleAgent, RoleTool, RoleSystem:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidTurn, t.Role)
	}
	switch t.Kind {
	case KindMessage, KindFlush, KindSummary, KindAborted, KindNotice:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTurn, t.Kind)
	}
	if t.Content == "" && len(t.ToolCalls) == 0 {
		return fmt.Errorf("%w: empty turn", ErrInvalidTurn)
	}

	if len(t.ToolResults) != len(t.ToolCalls) {
		return fmt.Errorf("%w: %d tool calls but %d results", ErrInvalidTurn, len(t.ToolCalls), len(t.ToolResults))
	}
	seen := make(map[string]bool, len(t.ToolCalls))
	for _, c := range t.ToolCalls {
		if c.ID == "" || c.Name == "" {
			return fmt.Errorf("%w: tool call missing id or name", ErrInvalidTurn)
		}
		if seen[c.ID] {
			return fmt.Errorf("%w: duplicate tool call id %s", ErrInvalidTurn, c.ID)
		}
		seen[c.ID] = true
	}
	for _, r := range t.ToolResults {
		if !seen[r.CallID] {
			return fmt.Errorf("%w: result for unknown call %s", ErrInvalidTurn, r.CallID)
		}
		if !r.Status.Terminal() {
			return fmt.Errorf("%w: call %s has non-terminal status %q", ErrInvalidTurn, r.CallID, r.Status)
		}
		delete(seen, r.CallID)
	}
	return nil
}

// ResultFor returns the result paired with call id.
func (t Turn) ResultFor(callID string) (ToolResult, bool) {
	for _, r := range t.ToolResults {
		if r.CallID == callID {
			return r, true
		}
	}
	return ToolResult{}, false
}

// Session is a loaded view of one conversation. Turns holds only the active
// suffix at or after Marker.
type Session struct {
	Key          string         `json:"key"`
	Turns        []Turn         `json:"turns"`
	State        map[string]any `json:"state"`
	Marker       int64          `json:"marker"`
	Summary      *Turn          `json:"summary,omitempty"`
	NextSeq      int64          `json:"next_seq"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	Compactions  int            `json:"compactions"`
}

// LastFlushSeq returns the sequence number of the most recent active flush turn, or -1.
func (s *Session) LastFlushSeq() int64 {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].Kind == KindFlush {
			return s.Turns[i].Seq
		}
	}
	return -1
}

// Info summarizes a session for listings.
type Info struct {
	Key          string    `json:"key"`
	Turns        int64     `json:"turns"`
	Marker       int64     `json:"marker"`
	Compactions  int       `json:"compactions"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// EstimateTokens approximates token count as one token per four characters.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// Estimate returns the token estimate of everything a turn sends to a model.
func (t Turn) Estimate() int {
	n := EstimateTokens(t.Content)
	for _, c := range t.ToolCalls {
		n += EstimateTokens(c.Name) + EstimateTokens(string(c.Arguments))
	}
	for _, r := range t.ToolResults {
		n += EstimateTokens(r.Output) + EstimateTokens(r.Error)
	}
	return n
}
