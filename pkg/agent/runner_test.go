package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/vigil/pkg/assembler"
	"github.com/harun/vigil/pkg/provider"
	"github.com/harun/vigil/pkg/router"
	"github.com/harun/vigil/pkg/sandbox"
	"github.com/harun/vigil/pkg/session"
	"github.com/harun/vigil/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockRouter replays canned responses and streams their text in small chunks.
type mockRouter struct {
	mock.Mock
	mu       sync.Mutex
	requests []provider.Request
}

func (m *mockRouter) Call(ctx context.Context, agentID, sessionKey string, chain router.Chain, req provider.Request, opts ...router.CallOption) (*router.CallResult, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	args := m.Called(agentID, sessionKey)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	resp := args.Get(0).(*provider.Response)
	if req.OnDelta != nil {
		for _, chunk := range chunks(resp.Content, 3) {
			req.OnDelta(chunk)
		}
	}
	return &router.CallResult{
		Response: resp,
		Handle:   router.CallHandle{Model: chain[0].Model, Provider: chain[0].Provider, ProfileID: "p1"},
		Attempts: 1,
	}, nil
}

func chunks(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func text(s string) *provider.Response {
	return &provider.Response{Content: s, StopReason: "end_turn"}
}

func toolCall(id, name string, args any) *provider.Response {
	raw, _ := json.Marshal(args)
	return &provider.Response{
		ToolCalls:  []provider.ToolCall{{ID: id, Name: name, Arguments: raw}},
		StopReason: "tool_use",
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []string
	data   []map[string]any
}

func (e *eventLog) emit(_ context.Context, event string, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	e.data = append(e.data, data)
}

func (e *eventLog) count(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev == event {
			n++
		}
	}
	return n
}

func (e *eventLog) deltas() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var b strings.Builder
	for i, ev := range e.events {
		if ev == EventDelta {
			if s, ok := e.data[i]["text"].(string); ok {
				b.WriteString(s)
			}
		}
	}
	return b.String()
}

type fakeRunner struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRunner) Run(ctx context.Context, spec sandbox.Spec, req sandbox.Request) (sandbox.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return sandbox.Result{Stdout: []byte("ran " + req.Command)}, nil
}

type harness struct {
	runner  *Runner
	store   *session.Store
	router  *mockRouter
	tools   *toolexecutor.Registry
	broker  *toolexecutor.Broker
	exec    *fakeRunner
	states  []State
	statesM sync.Mutex
}

type harnessOption func(*Config, *harness)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	store, err := session.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store:  store,
		router: &mockRouter{},
		tools:  toolexecutor.NewRegistry(),
		exec:   &fakeRunner{},
	}
	require.NoError(t, h.tools.Register(toolexecutor.ToolDefinition{
		Name:        "echo",
		Description: "Echo text back",
		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "Text to echo", Required: true}},
		Handler: func(ctx context.Context, inv toolexecutor.Invocation) (string, error) {
			return inv.Params["text"].(string), nil
		},
	}))
	require.NoError(t, h.tools.Register(toolexecutor.ToolDefinition{
		Name:        "wait",
		Description: "Block until canceled",
		Handler: func(ctx context.Context, inv toolexecutor.Invocation) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}))
	require.NoError(t, h.tools.Register(toolexecutor.ExecTool(h.exec)))
	h.broker = toolexecutor.NewBroker(h.tools, h.exec, nil)

	cfg := Config{
		Agent: AgentConfig{
			ID:    "main",
			Chain: router.Chain{{Model: "claude-test", Provider: "anthropic"}},
			Policy: toolexecutor.Policy{
				Allow:   []string{"echo", "wait"},
				Timeout: 5 * time.Second,
			},
			MaxModelCalls: 4,
		},
		Sessions: store,
		Router:   h.router,
		Tools:    h.broker,
		OnTransition: func(_ string, _, to State) {
			h.statesM.Lock()
			h.states = append(h.states, to)
			h.statesM.Unlock()
		},
	}
	for _, o := range opts {
		o(&cfg, h)
	}

	h.runner, err = NewRunner(cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) transcript(t *testing.T, key string) []session.Turn {
	t.Helper()
	sess, err := h.store.Load(context.Background(), key)
	require.NoError(t, err)
	return sess.Turns
}

func TestNewRunnerValidation(t *testing.T) {
	_, err := NewRunner(Config{})
	assert.ErrorContains(t, err, "session store")

	store, err := session.New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, err = NewRunner(Config{Sessions: store, Router: &mockRouter{}, Tools: toolexecutor.NewBroker(toolexecutor.NewRegistry(), nil, nil)})
	assert.ErrorContains(t, err, "empty model chain")

	r, err := NewRunner(Config{
		Sessions: store,
		Router:   &mockRouter{},
		Tools:    toolexecutor.NewBroker(toolexecutor.NewRegistry(), nil, nil),
		Agent:    AgentConfig{Chain: router.Chain{{Model: "m", Provider: "openai"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "main", r.Agent().ID)
	assert.Equal(t, DefaultMaxModelCalls, r.Agent().MaxModelCalls)
}

func TestRunCompleted(t *testing.T) {
	h := newHarness(t)
	h.router.On("Call", "main", "main").Return(text("Hello there!"), nil).Once()
	events := &eventLog{}

	res, err := h.runner.Run(context.Background(), RunParams{SessionKey: "main", Prompt: "hi", Emit: events.emit})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, "Hello there!", res.Reply)
	assert.Equal(t, 1, res.ModelCalls)
	assert.Equal(t, "claude-test", res.Model)
	assert.NotEmpty(t, res.RunID)

	assert.Equal(t, "Hello there!", events.deltas())
	assert.Equal(t, 1, events.count(EventRunStart))
	assert.Equal(t, 1, events.count(EventMessage))
	assert.Equal(t, 1, events.count(EventRunEnd))

	turns := h.transcript(t, "main")
	require.Len(t, turns, 2)
	assert.Equal(t, session.RoleUser, turns[0].Role)
	assert.Equal(t, session.RoleAgent, turns[1].Role)
	assert.Equal(t, res.RunID, turns[1].RunID)
	assert.Equal(t, "p1", turns[1].Profile)

	assert.Equal(t, []State{StateAwaitingModel, StateTerminal}, h.states)
	assert.False(t, h.runner.IsRunning("main"))
	h.router.AssertExpectations(t)
}

func TestRunToolLoop(t *testing.T) {
	h := newHarness(t)
	h.router.On("Call", "main", "main").Return(toolCall("c1", "echo", map[string]any{"text": "ping"}), nil).Once()
	h.router.On("Call", "main", "main").Return(text("pong"), nil).Once()
	events := &eventLog{}

	res, err := h.runner.Run(context.Background(), RunParams{SessionKey: "main", Prompt: "echo ping", Emit: events.emit})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 2, res.ModelCalls)
	assert.Equal(t, 1, res.ToolCalls)
	assert.Equal(t, 1, events.count(EventToolCall))
	assert.Equal(t, 1, events.count(EventToolResult))

	turns := h.transcript(t, "main")
	require.Len(t, turns, 3)
	require.Len(t, turns[1].ToolResults, 1)
	assert.Equal(t, session.ToolSucceeded, turns[1].ToolResults[0].Status)
	assert.Equal(t, "ping", turns[1].ToolResults[0].Output)
	assert.Empty(t, turns[1].ToolCalls[0].Isolation)
	assert.NoError(t, turns[1].Validate())

	assert.Equal(t, []State{
		StateAwaitingModel, StateToolDispatch,
		StateAssembling, StateAwaitingModel, StateTerminal,
	}, h.states)

	// The second request carries the tool result back to the model.
	h.router.mu.Lock()
	last := h.router.requests[len(h.router.requests)-1]
	h.router.mu.Unlock()
	var sawResult bool
	for _, m := range last.Messages {
		if m.Role == provider.RoleTool && m.ToolCallID == "c1" {
			sawResult = true
			assert.Equal(t, "ping", m.Content)
		}
	}
	assert.True(t, sawResult)
}

func TestRunModelCallCap(t *testing.T) {
	h := newHarness(t)
	h.router.On("Call", "main", "main").Return(toolCall("c", "echo", map[string]any{"text": "again"}), nil)
	events := &eventLog{}

	res, err := h.runner.Run(context.Background(), RunParams{SessionKey: "main", Prompt: "loop", Emit: events.emit})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCapReached, res.Outcome)
	assert.Equal(t, 4, res.ModelCalls)
	h.router.AssertNumberOfCalls(t, "Call", 4)

	turns := h.transcript(t, "main")
	last := turns[len(turns)-1]
	assert.Equal(t, session.KindNotice, last.Kind)
	assert.Contains(t, last.Content, "4 model calls")
	for _, turn := range turns {
		assert.NoError(t, turn.Validate())
	}
}

func TestRunNoReplySuppressed(t *testing.T) {
	h := newHarness(t)
	h.router.On("Call", "main", "main").Return(text("NO_REPLY"), nil).Once()
	events := &eventLog{}

	res, err := h.runner.Run(context.Background(), RunParams{SessionKey: "main", Prompt: "ok thanks", Emit: events.emit})
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoReply, res.Outcome)
	assert.True(t, res.Suppressed)
	assert.Empty(t, events.deltas())
	assert.Equal(t, 0, events.count(EventMessage))

	turns := h.transcript(t, "main")
	require.Len(t, turns, 2)
	assert.True(t, turns[1].Suppressed)
	assert.Equal(t, NoReply, turns[1].Content)
}

func TestRunHeartbeatOK(t *testing.T) {
	h := newHarness(t)
	h.router.On("Call", "main", "main").Return(text(" HEARTBEAT_OK\n"), nil).Once()
	events := &eventLog{}

	res, err := h.runner.Run(context.Background(), RunParams{
		SessionKey: "main",
		Prompt:     "Review the heartbeat checklist.",
		Kind:       KindHeartbeat,
		Emit:       events.emit,
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoReply, res.Outcome)
	assert.Empty(t, events.deltas())
	assert.Equal(t, 0, events.count(EventMessage))

	turns := h.transcript(t, "main")
	require.Len(t, turns, 2)
	assert.Equal(t, session.RoleSystem, turns[0].Role)
	assert.True(t, turns[1].Suppressed)
}

func TestRunHeartbeatSentinelOnlyForHeartbeats(t *testing.T) {
	h := newHarness(t)
	h.router.On("Call", "main", "main").Return(text("HEARTBEAT_OK"), nil).Once()

	res, err := h.runner.Run(context.Background(), RunParams{SessionKey: "main", Prompt: "say HEARTBEAT_OK"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
}

func TestRunFailedOnChainExhausted(t *testing.T) {
	h := newHarness(t)
	h.router.On("Call", "main", "main").Return(nil, fmt.Errorf("%w: all profiles cooling down", router.ErrChainExhausted)).Once()
	events := &eventLog{}

	res, err := h.runner.Run(context.Background(), RunParams{SessionKey: "main", Prompt: "hi", Emit: events.emit})
	require.Error(t, err)
	assert.ErrorIs(t, err, router.ErrChainExhausted)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, events.count(EventMessage))
	events.mu.Lock()
	for i, ev := range events.events {
		if ev == EventMessage {
			assert.Equal(t, true, events.data[i]["error"])
		}
	}
	events.mu.Unlock()

	turns := h.transcript(t, "main")
	require.Len(t, turns, 2)
	assert.Equal(t, session.KindAborted, turns[1].Kind)
	assert.Contains(t, turns[1].Content, "run failed")
}

func TestRunAbortedMidTool(t *testing.T) {
	h := newHarness(t)
	h.router.On("Call", "main", "main").Return(&provider.Response{
		ToolCalls: []provider.ToolCall{
			{ID: "w1", Name: "wait", Arguments: json.RawMessage(`{}`)},
			{ID: "e1", Name: "echo", Arguments: json.RawMessage(`{"text":"never"}`)},
		},
	}, nil).Once()

	started := make(chan struct{})
	var once sync.Once
	events := func(_ context.Context, event string, data map[string]any) {
		if event == EventToolCall {
			once.Do(func() { close(started) })
		}
	}

	done := make(chan Result, 1)
	go func() {
		res, err := h.runner.Run(context.Background(), RunParams{SessionKey: "main", Prompt: "wait", Emit: events})
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	assert.Eventually(t, func() bool { return h.runner.IsRunning("main") }, time.Second, 5*time.Millisecond)
	require.True(t, h.runner.Abort("main"))

	var res Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after abort")
	}
	assert.Equal(t, OutcomeAborted, res.Outcome)

	turns := h.transcript(t, "main")
	require.Len(t, turns, 3)
	tools := turns[1]
	require.NoError(t, tools.Validate())
	require.Len(t, tools.ToolResults, 2)
	assert.Equal(t, toolexecutor.CodeCanceled, tools.ToolResults[0].Code)
	assert.Equal(t, toolexecutor.CodeCanceled, tools.ToolResults[1].Code)
	assert.Equal(t, session.KindAborted, turns[2].Kind)
	assert.False(t, h.runner.Abort("main"))
}

func TestRunApprovalTimeoutContinues(t *testing.T) {
	gateEvents := &eventLog{}
	h := newHarness(t, func(cfg *Config, h *harness) {
		gate := toolexecutor.NewApprovalGate(30*time.Millisecond, gateEvents.emit, nil)
		h.broker = toolexecutor.NewBroker(h.tools, h.exec, gate)
		cfg.Tools = h.broker
		cfg.Agent.Policy = toolexecutor.Policy{
			Allow:           []string{"exec"},
			HostExec:        true,
			RequireApproval: true,
			Timeout:         5 * time.Second,
		}
	})
	h.router.On("Call", "main", "main").Return(toolCall("x1", "exec", map[string]any{"command": "reboot", "elevated": true}), nil).Once()
	h.router.On("Call", "main", "main").Return(text("I could not run that; approval timed out."), nil).Once()

	res, err := h.runner.Run(context.Background(), RunParams{SessionKey: "main", Prompt: "reboot please"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 2, res.ModelCalls)
	assert.Equal(t, 0, h.exec.calls)

	turns := h.transcript(t, "main")
	require.Len(t, turns, 3)
	require.Len(t, turns[1].ToolResults, 1)
	assert.Equal(t, session.ToolFailed, turns[1].ToolResults[0].Status)
	assert.Equal(t, toolexecutor.CodeApprovalTimeout, turns[1].ToolResults[0].Code)
	assert.Equal(t, 1, gateEvents.count(toolexecutor.EventApprovalResolved))
	// The elevated call is recorded as host execution.
	require.Len(t, turns[1].ToolCalls, 1)
	assert.Equal(t, session.IsolationHost, turns[1].ToolCalls[0].Isolation)
}

func TestRunPrunesToolOutputAfterIdleGap(t *testing.T) {
	big := strings.Repeat("x", 2000)
	seed := func(t *testing.T, h *harness, at time.Time) {
		t.Helper()
		ctx := context.Background()
		_, err := h.store.LoadOrCreate(ctx, "main")
		require.NoError(t, err)
		for i := 0; i < 6; i++ {
			id := fmt.Sprintf("call_%d", i)
			_, err := h.store.Append(ctx, "main", session.Turn{
				Role:        session.RoleAgent,
				Kind:        session.KindMessage,
				ToolCalls:   []session.ToolCall{{ID: id, Name: "echo"}},
				ToolResults: []session.ToolResult{{CallID: id, Name: "echo", Status: session.ToolSucceeded, Output: big}},
				Timestamp:   at,
			})
			require.NoError(t, err)
		}
	}
	withPruning := func(cfg *Config, _ *harness) {
		cfg.Assembler = assembler.New(assembler.Config{PruneIdleAfter: 5 * time.Minute, PruneKeepRecent: 2})
	}
	prunedOutputs := func(h *harness) int {
		h.router.mu.Lock()
		defer h.router.mu.Unlock()
		n := 0
		for _, m := range h.router.requests[0].Messages {
			if strings.HasPrefix(m.Content, "[tool output pruned") {
				n++
			}
		}
		return n
	}

	t.Run("idle session", func(t *testing.T) {
		h := newHarness(t, withPruning)
		seed(t, h, time.Now().Add(-2*time.Hour))
		h.router.On("Call", "main", "main").Return(text("Welcome back."), nil).Once()

		_, err := h.runner.Run(context.Background(), RunParams{SessionKey: "main", Prompt: "hi again"})
		require.NoError(t, err)
		// The prompt and the newest tool turn stay inside the recency window.
		assert.Equal(t, 5, prunedOutputs(h))

		turns := h.transcript(t, "main")
		assert.Equal(t, big, turns[0].ToolResults[0].Output)
	})

	t.Run("active session", func(t *testing.T) {
		h := newHarness(t, withPruning)
		seed(t, h, time.Now().Add(-time.Minute))
		h.router.On("Call", "main", "main").Return(text("Sure."), nil).Once()

		_, err := h.runner.Run(context.Background(), RunParams{SessionKey: "main", Prompt: "next"})
		require.NoError(t, err)
		assert.Zero(t, prunedOutputs(h))
	})
}

func TestRunCompactsBeforeModelCall(t *testing.T) {
	var asm *assembler.Assembler
	h := newHarness(t, func(cfg *Config, h *harness) {
		asm = assembler.New(assembler.Config{InputBudgetTokens: 200, ReserveTokens: 0, KeepRecentTurns: 2})
		cfg.Assembler = asm
		cfg.Compactor = assembler.NewCompactor(h.store, asm, nil)
	})

	ctx := context.Background()
	_, err := h.store.LoadOrCreate(ctx, "main")
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		role := session.RoleUser
		if i%2 == 1 {
			role = session.RoleAgent
		}
		_, err := h.store.Append(ctx, "main", session.Turn{
			Role:    role,
			Kind:    session.KindMessage,
			Content: strings.Repeat(fmt.Sprintf("turn %d ", i), 40),
		})
		require.NoError(t, err)
	}

	// First call answers the flush prompt, second is the real reply.
	h.router.On("Call", "main", "main").Return(text("Nothing to save."), nil).Once()
	h.router.On("Call", "main", "main").Return(text("Done."), nil).Once()

	res, err := h.runner.Run(ctx, RunParams{SessionKey: "main", Prompt: "continue"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 1, res.ModelCalls)

	sess, err := h.store.Load(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Compactions)
	require.NotNil(t, sess.Summary)
	assert.Greater(t, sess.Marker, int64(0))

	var sawFlush bool
	for _, turn := range sess.Turns {
		if turn.Kind == session.KindFlush {
			sawFlush = true
		}
	}
	assert.True(t, sawFlush)
	h.router.AssertExpectations(t)
}

func TestRunRejectsInvalidKey(t *testing.T) {
	h := newHarness(t)
	res, err := h.runner.Run(context.Background(), RunParams{SessionKey: "../etc", Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	h.router.AssertNotCalled(t, "Call", mock.Anything, mock.Anything)
}

func TestAbortAllAndActive(t *testing.T) {
	h := newHarness(t)
	h.router.On("Call", "main", mock.Anything).Return(toolCall("w", "wait", map[string]any{}), nil)

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			res, err := h.runner.Run(context.Background(), RunParams{SessionKey: key, Prompt: "wait"})
			assert.NoError(t, err)
			assert.Equal(t, OutcomeAborted, res.Outcome)
		}(key)
	}

	assert.Eventually(t, func() bool { return len(h.runner.Active()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.runner.AbortAll())
	wg.Wait()
	assert.Empty(t, h.runner.Active())
}

func TestLegalTransitions(t *testing.T) {
	assert.True(t, legal(StateAssembling, StateAwaitingModel))
	assert.True(t, legal(StateAwaitingModel, StateToolDispatch))
	assert.True(t, legal(StateToolDispatch, StateAssembling))
	assert.False(t, legal(StateAssembling, StateToolDispatch))
	assert.False(t, legal(StateTerminal, StateAssembling))
}
