package agent

import (
	"context"
	"time"

	"github.com/harun/vigil/pkg/provider"
	"github.com/harun/vigil/pkg/router"
	"github.com/harun/vigil/pkg/toolexecutor"
)

// Sentinel replies that end a run without delivering anything.
const (
	NoReply     = "NO_REPLY"
	HeartbeatOK = "HEARTBEAT_OK"
)

// DefaultMaxModelCalls bounds model calls per run.
const DefaultMaxModelCalls = 10

// Events emitted to a run's EventFunc.
const (
	EventRunStart   = "run.start"
	EventRunEnd     = "run.end"
	EventDelta      = "chat.delta"
	EventMessage    = "chat.message"
	EventToolCall   = "chat.tool_call"
	EventToolResult = "chat.tool_result"
)

// State is a node of the run state machine.
type State string

const (
	StateAssembling    State = "assembling"
	StateAwaitingModel State = "awaiting_model"
	StateToolDispatch  State = "tool_dispatch"
	StateTerminal      State = "terminal"
)

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	StateAssembling:    {StateAwaitingModel, StateTerminal},
	StateAwaitingModel: {StateToolDispatch, StateTerminal},
	StateToolDispatch:  {StateAssembling, StateTerminal},
}

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeNoReply    Outcome = "no_reply"
	OutcomeCapReached Outcome = "cap_reached"
	OutcomeFailed     Outcome = "failed"
	OutcomeAborted    Outcome = "aborted"
)

// RunKind is what triggered a run.
type RunKind string

const (
	KindMessage   RunKind = "message"
	KindHeartbeat RunKind = "heartbeat"
	KindCron      RunKind = "cron"
)

// EventFunc receives streaming and lifecycle events of a run.
type EventFunc func(ctx context.Context, event string, data map[string]any)

// AgentConfig describes one agent.
type AgentConfig struct {
	ID            string
	Chain         router.Chain
	Policy        toolexecutor.Policy
	MaxModelCalls int
	Temperature   float64
	MaxTokens     int
}

// RunParams is the input of one run.
type RunParams struct {
	SessionKey string
	Prompt     string
	Kind       RunKind
	// Chain overrides the agent's fallback chain when set.
	Chain router.Chain
	Emit  EventFunc
}

// Result is the outcome of one run.
type Result struct {
	RunID      string         `json:"run_id"`
	SessionKey string         `json:"session_key"`
	Outcome    Outcome        `json:"outcome"`
	Reply      string         `json:"reply,omitempty"`
	Suppressed bool           `json:"suppressed,omitempty"`
	ModelCalls int            `json:"model_calls"`
	ToolCalls  int            `json:"tool_calls"`
	Model      string         `json:"model,omitempty"`
	Profile    string         `json:"profile,omitempty"`
	Usage      provider.Usage `json:"usage"`
	Duration   time.Duration  `json:"duration"`
	Error      string         `json:"error,omitempty"`
}

// ActiveRun describes a run in progress.
type ActiveRun struct {
	RunID      string    `json:"run_id"`
	SessionKey string    `json:"session_key"`
	Kind       RunKind   `json:"kind"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at"`
}
