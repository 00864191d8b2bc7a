package toolexecutor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/vigil/internal/tracing"
	"github.com/harun/vigil/pkg/sandbox"
	"github.com/harun/vigil/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu     sync.Mutex
	specs  []sandbox.Spec
	result sandbox.Result
	err    error
	block  bool
}

func (f *fakeRunner) Run(ctx context.Context, spec sandbox.Spec, req sandbox.Request) (sandbox.Result, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return sandbox.Result{ExitCode: -1}, ctx.Err()
	}
	return f.result, f.err
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
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

func (e *eventLog) snapshot() ([]string, []map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...), append([]map[string]any(nil), e.data...)
}

func testPolicy(t *testing.T) Policy {
	t.Helper()
	return Policy{
		Allow: []string{"*"},
		Sandbox: sandbox.Spec{
			Isolation:  sandbox.IsolationContainer,
			Filesystem: sandbox.FilesystemReadOnly,
			Network:    sandbox.NetworkNone,
			Image:      "alpine:3.20",
			Timeout:    5 * time.Second,
			Workspace:  t.TempDir(),
		},
	}
}

func newTestBroker(t *testing.T, runner *fakeRunner, gate *ApprovalGate) *Broker {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, runner, nil, nil))
	return NewBroker(reg, runner, gate)
}

func execCall(args map[string]any) session.ToolCall {
	raw, _ := json.Marshal(args)
	return session.ToolCall{ID: "call_1", Name: "exec", Arguments: raw}
}

func TestBroker_Dispatch_SandboxedExec(t *testing.T) {
	runner := &fakeRunner{result: sandbox.Result{Stdout: []byte("hello\n")}}
	b := newTestBroker(t, runner, nil)

	res := b.Dispatch(context.Background(), execCall(map[string]any{"command": "echo hello"}), testPolicy(t))
	assert.Equal(t, session.ToolSucceeded, res.Status)
	assert.Equal(t, "hello\n", res.Output)
	assert.Equal(t, "call_1", res.CallID)
	assert.Equal(t, "exec", res.Name)

	require.Equal(t, 1, runner.calls())
	assert.Equal(t, sandbox.IsolationContainer, runner.specs[0].Isolation)
	assert.Equal(t, sandbox.FilesystemReadOnly, runner.specs[0].Filesystem)
	assert.Equal(t, session.IsolationSandboxed, res.Isolation)
}

func TestBroker_Dispatch_PolicyDenied(t *testing.T) {
	runner := &fakeRunner{}
	b := newTestBroker(t, runner, nil)

	policy := testPolicy(t)
	policy.Deny = []string{"exec"}

	res := b.Dispatch(context.Background(), execCall(map[string]any{"command": "ls"}), policy)
	assert.Equal(t, session.ToolFailed, res.Status)
	assert.Equal(t, CodePolicyDenied, res.Code)
	assert.Zero(t, runner.calls())
}

func TestBroker_Dispatch_DefaultDeny(t *testing.T) {
	b := newTestBroker(t, &fakeRunner{}, nil)
	policy := testPolicy(t)
	policy.Allow = nil

	res := b.Dispatch(context.Background(), execCall(map[string]any{"command": "ls"}), policy)
	assert.Equal(t, CodePolicyDenied, res.Code)
}

func TestBroker_Dispatch_UnknownTool(t *testing.T) {
	b := newTestBroker(t, &fakeRunner{}, nil)

	res := b.Dispatch(context.Background(), session.ToolCall{ID: "c", Name: "browser"}, testPolicy(t))
	assert.Equal(t, session.ToolFailed, res.Status)
	assert.Equal(t, CodeNotFound, res.Code)
}

func TestBroker_Dispatch_InvalidArguments(t *testing.T) {
	runner := &fakeRunner{}
	b := newTestBroker(t, runner, nil)

	tests := []struct {
		name string
		args json.RawMessage
	}{
		{name: "missing command", args: json.RawMessage(`{}`)},
		{name: "wrong type", args: json.RawMessage(`{"command": 42}`)},
		{name: "unknown field", args: json.RawMessage(`{"command": "ls", "shell": "zsh"}`)},
		{name: "not an object", args: json.RawMessage(`["ls"]`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := b.Dispatch(context.Background(), session.ToolCall{ID: "c", Name: "exec", Arguments: tt.args}, testPolicy(t))
			assert.Equal(t, session.ToolFailed, res.Status)
			assert.Equal(t, CodeInvalidArguments, res.Code)
		})
	}
	assert.Zero(t, runner.calls())
}

func TestBroker_Dispatch_HostExecNotAuthorized(t *testing.T) {
	runner := &fakeRunner{}
	b := newTestBroker(t, runner, nil)

	res := b.Dispatch(context.Background(), execCall(map[string]any{"command": "ls", "elevated": true}), testPolicy(t))
	assert.Equal(t, CodePolicyDenied, res.Code)
	assert.Zero(t, runner.calls())

	call := execCall(map[string]any{"command": "ls"})
	call.Isolation = session.IsolationHost
	res = b.Dispatch(context.Background(), call, testPolicy(t))
	assert.Equal(t, CodePolicyDenied, res.Code)
}

func TestBroker_Dispatch_HostExecWithoutApproval(t *testing.T) {
	runner := &fakeRunner{result: sandbox.Result{Stdout: []byte("ok")}}
	b := newTestBroker(t, runner, nil)

	policy := testPolicy(t)
	policy.HostExec = true

	res := b.Dispatch(context.Background(), execCall(map[string]any{"command": "ls", "elevated": true}), policy)
	require.Equal(t, session.ToolSucceeded, res.Status)
	assert.Equal(t, sandbox.IsolationNone, runner.specs[0].Isolation)
	assert.Equal(t, sandbox.FilesystemReadWrite, runner.specs[0].Filesystem)
	assert.Equal(t, session.IsolationHost, res.Isolation)
}

func TestBroker_Dispatch_UnisolatedPolicyRunsAsHost(t *testing.T) {
	unisolated := func(t *testing.T) Policy {
		p := testPolicy(t)
		p.Sandbox.Isolation = sandbox.IsolationNone
		p.Sandbox.Image = ""
		return p
	}

	t.Run("needs authorization", func(t *testing.T) {
		runner := &fakeRunner{}
		b := newTestBroker(t, runner, nil)

		res := b.Dispatch(context.Background(), execCall(map[string]any{"command": "rm -rf ~/x"}), unisolated(t))
		assert.Equal(t, session.ToolFailed, res.Status)
		assert.Equal(t, CodePolicyDenied, res.Code)
		assert.Zero(t, runner.calls())
	})

	t.Run("needs approval", func(t *testing.T) {
		runner := &fakeRunner{}
		events := &eventLog{}
		b := newTestBroker(t, runner, NewApprovalGate(50*time.Millisecond, events.emit, nil))

		policy := unisolated(t)
		policy.HostExec = true
		policy.RequireApproval = true

		res := b.Dispatch(context.Background(), execCall(map[string]any{"command": "rm -rf ~/x"}), policy)
		assert.Equal(t, CodeApprovalTimeout, res.Code)
		assert.Equal(t, session.IsolationHost, res.Isolation)
		assert.Zero(t, runner.calls())
	})
}

func TestBroker_Dispatch_ApprovalTimeoutDenies(t *testing.T) {
	runner := &fakeRunner{}
	events := &eventLog{}
	gate := NewApprovalGate(50*time.Millisecond, events.emit, nil)
	b := newTestBroker(t, runner, gate)

	policy := testPolicy(t)
	policy.HostExec = true
	policy.RequireApproval = true

	ctx := tracing.WithSessionKey(context.Background(), "main")
	res := b.Dispatch(ctx, execCall(map[string]any{"command": "rm -rf build", "elevated": true}), policy)

	assert.Equal(t, session.ToolFailed, res.Status)
	assert.Equal(t, CodeApprovalTimeout, res.Code)
	assert.Contains(t, res.Error, "timed out")
	assert.Zero(t, runner.calls())
	assert.Empty(t, gate.Pending())

	names, data := events.snapshot()
	require.Equal(t, []string{EventApprovalRequest, EventApprovalResolved}, names)
	assert.Equal(t, "rm -rf build", data[0]["command"])
	assert.Equal(t, "main", data[0]["session_key"])
	assert.Equal(t, true, data[1]["timed_out"])
}

func TestBroker_Dispatch_ApprovalGranted(t *testing.T) {
	runner := &fakeRunner{result: sandbox.Result{Stdout: []byte("done")}}
	gate := NewApprovalGate(5*time.Second, nil, nil)
	b := newTestBroker(t, runner, gate)

	policy := testPolicy(t)
	policy.HostExec = true
	policy.RequireApproval = true

	done := make(chan session.ToolResult, 1)
	go func() {
		done <- b.Dispatch(context.Background(), execCall(map[string]any{"command": "make", "elevated": true}), policy)
	}()

	require.Eventually(t, func() bool { return len(gate.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, gate.Resolve(gate.Pending()[0].ID, DecisionAllowOnce, "owner"))

	res := <-done
	assert.Equal(t, session.ToolSucceeded, res.Status)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, 1, runner.calls())
}

func TestBroker_Dispatch_ApprovalDenied(t *testing.T) {
	runner := &fakeRunner{}
	gate := NewApprovalGate(5*time.Second, nil, nil)
	b := newTestBroker(t, runner, gate)

	policy := testPolicy(t)
	policy.HostExec = true
	policy.RequireApproval = true

	done := make(chan session.ToolResult, 1)
	go func() {
		done <- b.Dispatch(context.Background(), execCall(map[string]any{"command": "make", "elevated": true}), policy)
	}()

	require.Eventually(t, func() bool { return len(gate.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, gate.Resolve(gate.Pending()[0].ID, DecisionDeny, "owner"))

	res := <-done
	assert.Equal(t, CodeApprovalDenied, res.Code)
	assert.Zero(t, runner.calls())
}

func TestBroker_Dispatch_ApprovalWithoutGate(t *testing.T) {
	b := newTestBroker(t, &fakeRunner{}, nil)

	policy := testPolicy(t)
	policy.HostExec = true
	policy.RequireApproval = true

	res := b.Dispatch(context.Background(), execCall(map[string]any{"command": "ls", "elevated": true}), policy)
	assert.Equal(t, CodeApprovalDenied, res.Code)
}

func TestBroker_Dispatch_AllowlistSkipsGate(t *testing.T) {
	al, err := NewAllowlist("")
	require.NoError(t, err)
	require.NoError(t, al.Add(AllowlistEntry{Pattern: "git *"}))

	runner := &fakeRunner{}
	events := &eventLog{}
	b := newTestBroker(t, runner, NewApprovalGate(time.Second, events.emit, al))

	policy := testPolicy(t)
	policy.HostExec = true
	policy.RequireApproval = true

	res := b.Dispatch(context.Background(), execCall(map[string]any{"command": "git status", "elevated": true}), policy)
	assert.Equal(t, session.ToolSucceeded, res.Status)
	names, _ := events.snapshot()
	assert.Empty(t, names)
}

func TestBroker_Dispatch_Timeout(t *testing.T) {
	runner := &fakeRunner{result: sandbox.Result{ExitCode: -1, TimedOut: true}, err: sandbox.ErrExecutionTimeout}
	b := newTestBroker(t, runner, nil)

	res := b.Dispatch(context.Background(), execCall(map[string]any{"command": "sleep 60"}), testPolicy(t))
	assert.Equal(t, session.ToolTimedOut, res.Status)
	assert.Equal(t, CodeTimeout, res.Code)
}

func TestBroker_Dispatch_Canceled(t *testing.T) {
	runner := &fakeRunner{block: true}
	b := newTestBroker(t, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	res := b.Dispatch(ctx, execCall(map[string]any{"command": "sleep 60"}), testPolicy(t))
	assert.Equal(t, session.ToolFailed, res.Status)
	assert.Equal(t, CodeCanceled, res.Code)
}

func TestBroker_Dispatch_NonZeroExit(t *testing.T) {
	runner := &fakeRunner{result: sandbox.Result{Stdout: []byte("partial"), Stderr: []byte("boom\n"), ExitCode: 2}}
	b := newTestBroker(t, runner, nil)

	res := b.Dispatch(context.Background(), execCall(map[string]any{"command": "make"}), testPolicy(t))
	assert.Equal(t, session.ToolFailed, res.Status)
	assert.Equal(t, CodeExecutionError, res.Code)
	assert.Equal(t, "partial\n[stderr]\nboom\n[exit code 2]", res.Output)
}

func TestBroker_Dispatch_TruncatesOutput(t *testing.T) {
	runner := &fakeRunner{result: sandbox.Result{Stdout: []byte(strings.Repeat("x", 20*1024))}}
	b := newTestBroker(t, runner, nil)

	res := b.Dispatch(context.Background(), execCall(map[string]any{"command": "yes"}), testPolicy(t))
	assert.True(t, res.Truncated)
	assert.True(t, strings.HasSuffix(res.Output, "[output truncated]"))
	assert.Less(t, len(res.Output), 11*1024)
}

func TestBroker_Dispatch_InvalidSandbox(t *testing.T) {
	runner := &fakeRunner{}
	b := newTestBroker(t, runner, nil)

	policy := testPolicy(t)
	policy.Sandbox.Image = ""

	res := b.Dispatch(context.Background(), execCall(map[string]any{"command": "ls"}), policy)
	assert.Equal(t, CodePolicyDenied, res.Code)
	assert.Zero(t, runner.calls())
}

func TestBroker_Dispatch_InProcessToolTimeout(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(ToolDefinition{
		Name:        "slow",
		Description: "waits for its context",
		Handler: func(ctx context.Context, _ Invocation) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}))
	b := NewBroker(reg, &fakeRunner{}, nil)

	policy := testPolicy(t)
	policy.Timeout = 20 * time.Millisecond

	res := b.Dispatch(context.Background(), session.ToolCall{ID: "c", Name: "slow"}, policy)
	assert.Equal(t, session.ToolTimedOut, res.Status)
	assert.Equal(t, CodeTimeout, res.Code)
}
