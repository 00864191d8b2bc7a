// Package assembler compiles a bounded model input from a session.
//
// The request is the compiled system prompt (capped), the compaction summary
// if present, then every active turn. Idle sessions get their older tool
// output pruned from the request only; the transcript is never touched here.
package assembler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harun/vigil/pkg/provider"
	"github.com/harun/vigil/pkg/session"
)

const (
	// pruneMinChars keeps short tool output intact even when pruning.
	pruneMinChars = 256
	summaryHeader = "[Summary of earlier conversation]\n"
)

// Config bounds the assembled request.
type Config struct {
	PromptBudgetChars int
	InputBudgetTokens int
	ReserveTokens     int
	PruneIdleAfter    time.Duration
	PruneKeepRecent   int
	KeepRecentTurns   int
	FlushTimeout      time.Duration
}

// DefaultConfig returns the budgets used when an agent sets none.
func DefaultConfig() Config {
	return Config{
		PromptBudgetChars: 24000,
		InputBudgetTokens: 150000,
		ReserveTokens:     20000,
		PruneIdleAfter:    5 * time.Minute,
		PruneKeepRecent:   4,
		KeepRecentTurns:   8,
		FlushTimeout:      60 * time.Second,
	}
}

// Context is one assembled model input.
type Context struct {
	System          string
	SystemTruncated bool
	Messages        []provider.Message
	Tools           []provider.ToolSpec
	Tokens          int
	Pruned          int
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithClock overrides the time source used for idle pruning.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// Assembler builds requests. It holds no session state.
type Assembler struct {
	cfg Config
	now func() time.Time
}

// New returns an Assembler with cfg; zero fields take defaults.
func New(cfg Config, opts ...Option) *Assembler {
	def := DefaultConfig()
	if cfg.PromptBudgetChars <= 0 {
		cfg.PromptBudgetChars = def.PromptBudgetChars
	}
	if cfg.InputBudgetTokens <= 0 {
		cfg.InputBudgetTokens = def.InputBudgetTokens
	}
	if cfg.ReserveTokens < 0 || cfg.ReserveTokens >= cfg.InputBudgetTokens {
		cfg.ReserveTokens = cfg.InputBudgetTokens / 8
	}
	if cfg.KeepRecentTurns <= 0 {
		cfg.KeepRecentTurns = def.KeepRecentTurns
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	a := &Assembler{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Config returns the effective configuration.
func (a *Assembler) Config() Config { return a.cfg }

// Assemble builds the request for sess. lastActive is when the session was
// last active before the current run; old tool outputs are pruned once it is
// older than PruneIdleAfter, and a zero value never prunes. instructions is
// the compiled workspace text; tools are appended to the system prompt as a
// listing and passed through as structured specs.
func (a *Assembler) Assemble(sess *session.Session, lastActive time.Time, instructions string, tools []provider.ToolSpec) Context {
	system, truncated := a.compileSystem(instructions, tools)

	prune := a.cfg.PruneIdleAfter > 0 &&
		!lastActive.IsZero() &&
		a.now().Sub(lastActive) > a.cfg.PruneIdleAfter

	var msgs []provider.Message
	if sess.Summary != nil && sess.Summary.Content != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: summaryHeader + sess.Summary.Content})
	}

	pruned := 0
	keepFrom := len(sess.Turns) - a.cfg.PruneKeepRecent
	for i, t := range sess.Turns {
		m, n := renderTurn(t, prune && i < keepFrom)
		msgs = append(msgs, m...)
		pruned += n
	}

	c := Context{
		System:          system,
		SystemTruncated: truncated,
		Messages:        msgs,
		Tools:           tools,
		Pruned:          pruned,
	}
	c.Tokens = Estimate(c)
	return c
}

// NeedsCompaction reports whether c exceeds the input budget minus the reserve.
func (a *Assembler) NeedsCompaction(c Context) bool {
	return c.Tokens > a.cfg.InputBudgetTokens-a.cfg.ReserveTokens
}

// CutPoint picks the first Seq to keep: the newest KeepRecentTurns turns stay
// active, everything before them is summarized. ok is false when there is
// nothing old enough to compact.
func (a *Assembler) CutPoint(sess *session.Session) (int64, bool) {
	if len(sess.Turns) <= a.cfg.KeepRecentTurns {
		return 0, false
	}
	cut := sess.Turns[len(sess.Turns)-a.cfg.KeepRecentTurns].Seq
	if cut <= sess.Marker {
		return 0, false
	}
	return cut, true
}

func (a *Assembler) compileSystem(instructions string, tools []provider.ToolSpec) (string, bool) {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(instructions))
	if len(tools) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## Tools\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
	}
	return capText(b.String(), a.cfg.PromptBudgetChars)
}

// capText truncates s to at most budget bytes on a rune boundary, ending with
// a marker that says how much was cut.
func capText(s string, budget int) (string, bool) {
	if len(s) <= budget {
		return s, false
	}
	marker := fmt.Sprintf("\n[system prompt truncated: %d chars omitted]", len(s)-budget)
	keep := budget - len(marker)
	if keep < 0 {
		keep = 0
	}
	for keep > 0 && !utf8.RuneStart(s[keep]) {
		keep--
	}
	return s[:keep] + marker, true
}

// renderTurn converts a persisted turn into provider messages. An agent turn
// with tool calls becomes an assistant message followed by one tool message
// per result, in call order.
func renderTurn(t session.Turn, prune bool) ([]provider.Message, int) {
	switch t.Role {
	case session.RoleUser:
		return []provider.Message{{Role: provider.RoleUser, Content: t.Content}}, 0
	case session.RoleSystem:
		return []provider.Message{{Role: provider.RoleUser, Content: systemNote(t)}}, 0
	case session.RoleTool:
		return []provider.Message{{Role: provider.RoleUser, Content: "[tool] " + t.Content}}, 0
	}

	if t.Kind == session.KindAborted {
		return []provider.Message{{Role: provider.RoleUser, Content: systemNote(t)}}, 0
	}

	out := []provider.Message{{Role: provider.RoleAssistant, Content: t.Content}}
	if len(t.ToolCalls) == 0 {
		return out, 0
	}
	calls := make([]provider.ToolCall, len(t.ToolCalls))
	for i, c := range t.ToolCalls {
		calls[i] = provider.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	out[0].ToolCalls = calls

	pruned := 0
	for _, c := range t.ToolCalls {
		r, ok := t.ResultFor(c.ID)
		if !ok {
			continue
		}
		content := resultText(r)
		if prune && len(content) > pruneMinChars {
			content = fmt.Sprintf("[tool output pruned: %d chars]", len(content))
			pruned++
		}
		out = append(out, provider.Message{
			Role:       provider.RoleTool,
			Content:    content,
			ToolCallID: c.ID,
			IsError:    r.Status != session.ToolSucceeded,
		})
	}
	return out, pruned
}

func systemNote(t session.Turn) string {
	if t.Kind == session.KindAborted {
		return "[system] previous run aborted: " + t.Content
	}
	return "[system] " + t.Content
}

func resultText(r session.ToolResult) string {
	switch {
	case r.Status == session.ToolSucceeded:
		return r.Output
	case r.Output != "" && r.Error != "":
		return fmt.Sprintf("%s: %s\n%s", r.Code, r.Error, r.Output)
	case r.Error != "":
		return fmt.Sprintf("%s: %s", r.Code, r.Error)
	default:
		return fmt.Sprintf("%s: %s", r.Status, r.Output)
	}
}

// Estimate returns the token estimate of an assembled context.
func Estimate(c Context) int {
	n := session.EstimateTokens(c.System)
	for _, m := range c.Messages {
		n += session.EstimateTokens(m.Content)
		for _, tc := range m.ToolCalls {
			n += session.EstimateTokens(tc.Name) + session.EstimateTokens(string(tc.Arguments))
		}
	}
	for _, t := range c.Tools {
		if schema, err := json.Marshal(t.Schema); err == nil {
			n += session.EstimateTokens(string(schema))
		}
		n += session.EstimateTokens(t.Name) + session.EstimateTokens(t.Description)
	}
	return n
}
