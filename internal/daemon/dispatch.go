package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/vigil/internal/tracing"
	"github.com/harun/vigil/pkg/agent"
	"github.com/harun/vigil/pkg/commandqueue"
	"github.com/harun/vigil/pkg/router"
	"github.com/rs/zerolog/log"
)

// queueWarnAfter logs runs that wait behind a busy session this long.
const queueWarnAfter = 30 * time.Second

var ErrUnknownAgent = errors.New("unknown agent")

// agentRuntime is one configured agent and its runner.
type agentRuntime struct {
	id         string
	runner     *agent.Runner
	runTimeout time.Duration
}

// Inbound is one event bound for an agent: a chat message or a scheduler fire.
type Inbound struct {
	AgentID    string
	SessionKey string
	Prompt     string
	Kind       agent.RunKind
	Chain      router.Chain
	Emit       agent.EventFunc
	Source     string
}

// Dispatcher routes inbound events onto the session lanes of the command queue.
// Runs of one session key never overlap; different keys run in parallel.
type Dispatcher struct {
	queue        *commandqueue.Queue
	agents       map[string]*agentRuntime
	defaultAgent string
}

// NewDispatcher creates a dispatcher. The first agent is the default.
func NewDispatcher(queue *commandqueue.Queue, agents []*agentRuntime) (*Dispatcher, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("at least one agent is required")
	}
	d := &Dispatcher{
		queue:        queue,
		agents:       make(map[string]*agentRuntime, len(agents)),
		defaultAgent: agents[0].id,
	}
	for _, a := range agents {
		d.agents[a.id] = a
	}
	return d, nil
}

func (d *Dispatcher) agent(id string) (*agentRuntime, error) {
	if id == "" {
		id = d.defaultAgent
	}
	a, ok := d.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return a, nil
}

// Submit queues a run on the session's lane and returns a channel that
// receives its result. The run is queued before Submit returns.
func (d *Dispatcher) Submit(ctx context.Context, in Inbound) <-chan commandqueue.Result {
	a, err := d.agent(in.AgentID)
	if err != nil {
		ch := make(chan commandqueue.Result, 1)
		ch <- commandqueue.Result{Err: err}
		return ch
	}

	ctx = tracing.WithSessionKey(ctx, in.SessionKey)
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.WithTraceID(ctx, tracing.NewTraceID())
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().
		Str("agent_id", a.id).
		Str("source", in.Source).
		Str("kind", string(in.Kind)).
		Msg("Dispatching inbound event")

	lane := commandqueue.SessionLane(in.SessionKey)
	return d.queue.Submit(ctx, lane, func(ctx context.Context) (interface{}, error) {
		if a.runTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.runTimeout)
			defer cancel()
		}
		return a.runner.Run(ctx, agent.RunParams{
			SessionKey: in.SessionKey,
			Prompt:     in.Prompt,
			Kind:       in.Kind,
			Chain:      in.Chain,
			Emit:       in.Emit,
		})
	}, &commandqueue.TaskOptions{
		WarnAfter: queueWarnAfter,
		OnWait: func(wait time.Duration, queuePos int) {
			logger.Warn().
				Dur("waited", wait).
				Int("position", queuePos).
				Msg("Run still waiting for its session")
		},
	})
}

// Dispatch queues a run and waits for it to finish.
func (d *Dispatcher) Dispatch(ctx context.Context, in Inbound) (agent.Result, error) {
	var res commandqueue.Result
	select {
	case res = <-d.Submit(ctx, in):
	case <-ctx.Done():
		return agent.Result{SessionKey: in.SessionKey, Outcome: agent.OutcomeAborted}, ctx.Err()
	}
	if res.Err != nil {
		if r, ok := res.Value.(agent.Result); ok {
			return r, res.Err
		}
		return agent.Result{SessionKey: in.SessionKey, Outcome: agent.OutcomeFailed, Error: res.Err.Error()}, res.Err
	}
	r, _ := res.Value.(agent.Result)
	return r, nil
}

// Abort cancels the active run of a session on every agent.
func (d *Dispatcher) Abort(sessionKey string) bool {
	aborted := false
	for _, a := range d.agents {
		if a.runner.Abort(sessionKey) {
			aborted = true
		}
	}
	return aborted
}

// AbortAll cancels every active run.
func (d *Dispatcher) AbortAll() int {
	n := 0
	for _, a := range d.agents {
		n += a.runner.AbortAll()
	}
	return n
}

// IsRunning reports whether a session has a run in progress or queued.
func (d *Dispatcher) IsRunning(sessionKey string) bool {
	for _, a := range d.agents {
		if a.runner.IsRunning(sessionKey) {
			return true
		}
	}
	return d.queue.Busy(commandqueue.SessionLane(sessionKey))
}

// Active lists runs in progress across agents.
func (d *Dispatcher) Active() []agent.ActiveRun {
	var out []agent.ActiveRun
	for _, a := range d.agents {
		out = append(out, a.runner.Active()...)
	}
	return out
}
