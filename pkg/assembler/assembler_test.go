package assembler

import (
	"strings"
	"testing"
	"time"

	"github.com/harun/vigil/pkg/provider"
	"github.com/harun/vigil/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func toolTurn(seq int64, output string) session.Turn {
	return session.Turn{
		Seq:       seq,
		Role:      session.RoleAgent,
		Kind:      session.KindMessage,
		Content:   "checking",
		ToolCalls: []session.ToolCall{{ID: "c1", Name: "exec", Arguments: []byte(`{"command":"ls"}`)}},
		ToolResults: []session.ToolResult{{
			CallID: "c1", Name: "exec", Status: session.ToolSucceeded, Output: output,
		}},
	}
}

func TestAssembleOrder(t *testing.T) {
	a := New(Config{}, WithClock(func() time.Time { return now }))
	sess := &session.Session{
		Key:          "main",
		Marker:       4,
		Summary:      &session.Turn{Role: session.RoleSystem, Kind: session.KindSummary, Content: "they like tea"},
		LastActivity: now,
		Turns: []session.Turn{
			{Seq: 4, Role: session.RoleUser, Kind: session.KindMessage, Content: "hello"},
			toolTurn(5, "file.txt"),
			{Seq: 6, Role: session.RoleAgent, Kind: session.KindMessage, Content: "done"},
		},
	}

	c := a.Assemble(sess, sess.LastActivity, "You are vigil.", []provider.ToolSpec{{Name: "exec", Description: "run a command"}})

	assert.Contains(t, c.System, "You are vigil.")
	assert.Contains(t, c.System, "- exec: run a command")
	assert.False(t, c.SystemTruncated)

	require.Len(t, c.Messages, 5)
	assert.Equal(t, provider.RoleUser, c.Messages[0].Role)
	assert.True(t, strings.HasPrefix(c.Messages[0].Content, summaryHeader))
	assert.Equal(t, "hello", c.Messages[1].Content)
	assert.Equal(t, provider.RoleAssistant, c.Messages[2].Role)
	require.Len(t, c.Messages[2].ToolCalls, 1)
	assert.Equal(t, provider.RoleTool, c.Messages[3].Role)
	assert.Equal(t, "c1", c.Messages[3].ToolCallID)
	assert.Equal(t, "file.txt", c.Messages[3].Content)
	assert.Equal(t, "done", c.Messages[4].Content)
	assert.Greater(t, c.Tokens, 0)
}

func TestAssembleCapsSystemPrompt(t *testing.T) {
	a := New(Config{PromptBudgetChars: 100})
	long := strings.Repeat("é", 200)

	c := a.Assemble(&session.Session{}, time.Time{}, long, nil)
	assert.True(t, c.SystemTruncated)
	assert.LessOrEqual(t, len(c.System), 100)
	assert.Contains(t, c.System, "[system prompt truncated:")
	assert.True(t, strings.HasPrefix(c.System, "é"))
	assert.NotContains(t, c.System, "�")
}

func TestAssemblePrunesOnlyIdleSessions(t *testing.T) {
	big := strings.Repeat("x", 2000)
	turns := []session.Turn{
		toolTurn(0, big),
		toolTurn(1, big),
		{Seq: 2, Role: session.RoleUser, Kind: session.KindMessage, Content: "again"},
	}
	a := New(Config{PruneIdleAfter: time.Minute, PruneKeepRecent: 2}, WithClock(func() time.Time { return now }))

	active := &session.Session{Turns: turns, LastActivity: now.Add(-30 * time.Second)}
	c := a.Assemble(active, active.LastActivity, "", nil)
	assert.Equal(t, 0, c.Pruned)
	assert.Equal(t, big, c.Messages[1].Content)

	idle := &session.Session{Turns: turns, LastActivity: now.Add(-time.Hour)}
	c = a.Assemble(idle, idle.LastActivity, "", nil)
	assert.Equal(t, 1, c.Pruned)
	assert.Equal(t, "[tool output pruned: 2000 chars]", c.Messages[1].Content)
	// The newest tool turn falls inside the recency window.
	assert.Equal(t, big, c.Messages[3].Content)

	// The session itself is untouched.
	assert.Equal(t, big, idle.Turns[0].ToolResults[0].Output)
}

func TestAssembleFailedResultIsError(t *testing.T) {
	turn := toolTurn(0, "")
	turn.ToolResults[0].Status = session.ToolFailed
	turn.ToolResults[0].Code = "policy_denied"
	turn.ToolResults[0].Error = "tool exec is not allowed"

	c := New(Config{}).Assemble(&session.Session{Turns: []session.Turn{turn}}, time.Time{}, "", nil)
	require.Len(t, c.Messages, 2)
	assert.True(t, c.Messages[1].IsError)
	assert.Equal(t, "policy_denied: tool exec is not allowed", c.Messages[1].Content)
}

func TestNeedsCompaction(t *testing.T) {
	a := New(Config{InputBudgetTokens: 1000, ReserveTokens: 200})
	assert.False(t, a.NeedsCompaction(Context{Tokens: 800}))
	assert.True(t, a.NeedsCompaction(Context{Tokens: 801}))
}

func TestCutPoint(t *testing.T) {
	a := New(Config{KeepRecentTurns: 2})

	sess := &session.Session{Marker: 3}
	for seq := int64(3); seq < 8; seq++ {
		sess.Turns = append(sess.Turns, session.Turn{Seq: seq})
	}
	cut, ok := a.CutPoint(sess)
	require.True(t, ok)
	assert.Equal(t, int64(6), cut)

	sess.Turns = sess.Turns[3:]
	_, ok = a.CutPoint(sess)
	assert.False(t, ok)
}
