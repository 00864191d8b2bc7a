package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/vigil/internal/observability"
	"github.com/harun/vigil/internal/tracing"
	"github.com/harun/vigil/pkg/assembler"
	"github.com/harun/vigil/pkg/provider"
	"github.com/harun/vigil/pkg/router"
	"github.com/harun/vigil/pkg/session"
	"github.com/harun/vigil/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "vigil.agent"

// SessionStore is the part of the session store a run needs.
type SessionStore interface {
	LoadOrCreate(ctx context.Context, key string) (*session.Session, error)
	Append(ctx context.Context, key string, turn session.Turn) (session.Turn, error)
}

// ModelRouter performs model calls over a fallback chain.
type ModelRouter interface {
	Call(ctx context.Context, agentID, sessionKey string, chain router.Chain, req provider.Request, opts ...router.CallOption) (*router.CallResult, error)
}

// ToolBroker dispatches tool calls and describes the allowed tools.
type ToolBroker interface {
	Dispatch(ctx context.Context, call session.ToolCall, policy toolexecutor.Policy) session.ToolResult
	Specs(policy *toolexecutor.Policy) []provider.ToolSpec
}

// Instructions compiles the workspace into system prompt text.
type Instructions interface {
	Compile() string
}

// Compactor runs the flush, summarize, truncate sequence.
type Compactor interface {
	Compact(ctx context.Context, key, runID string, flush assembler.FlushFunc) (session.Compaction, error)
}

// Config holds runner dependencies.
type Config struct {
	Agent     AgentConfig
	Sessions  SessionStore
	Router    ModelRouter
	Tools     ToolBroker
	Workspace Instructions
	Assembler *assembler.Assembler
	Compactor Compactor

	// OnTransition observes state changes.
	OnTransition func(runID string, from, to State)
}

// Runner executes agent runs. It does not serialize runs itself; callers
// submit runs through a per-session lane.
type Runner struct {
	cfg Config

	runsMu sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	info   ActiveRun
	cancel context.CancelFunc
}

// NewRunner validates cfg and returns a runner.
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("model router is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool broker is required")
	}
	if len(cfg.Agent.Chain) == 0 {
		return nil, fmt.Errorf("agent %q has an empty model chain", cfg.Agent.ID)
	}
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = "main"
	}
	if cfg.Agent.MaxModelCalls <= 0 {
		cfg.Agent.MaxModelCalls = DefaultMaxModelCalls
	}
	if cfg.Assembler == nil {
		cfg.Assembler = assembler.New(assembler.Config{})
	}

	return &Runner{
		cfg:    cfg,
		active: make(map[string]*activeRun),
	}, nil
}

// Agent returns the effective agent configuration.
func (r *Runner) Agent() AgentConfig { return r.cfg.Agent }

// Run executes one run to a terminal outcome. The returned error is non-nil
// only for failed runs; aborted, capped and suppressed runs report through
// Result.Outcome.
func (r *Runner) Run(ctx context.Context, params RunParams) (Result, error) {
	if params.Kind == "" {
		params.Kind = KindMessage
	}
	if err := session.ValidateKey(params.SessionKey); err != nil {
		return Result{SessionKey: params.SessionKey, Outcome: OutcomeFailed, Error: err.Error()}, err
	}

	chain := params.Chain
	if len(chain) == 0 {
		chain = r.cfg.Agent.Chain
	}

	ctx, runID := tracing.NewRunContext(ctx, r.cfg.Agent.ID, params.SessionKey)
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.run",
		attribute.String("session_key", params.SessionKey),
		attribute.String("kind", string(params.Kind)),
	)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	r.register(params, runID, start, cancel)
	defer r.unregister(params.SessionKey, runID)

	sentinels := []string{NoReply}
	if params.Kind == KindHeartbeat {
		sentinels = append(sentinels, HeartbeatOK)
	}

	ru := &run{
		r:         r,
		params:    params,
		chain:     chain,
		runID:     runID,
		sentinels: sentinels,
		logger:    tracing.LoggerFromContext(ctx, log.Logger),
		state:     StateAssembling,
		result: Result{
			RunID:      runID,
			SessionKey: params.SessionKey,
		},
	}

	ru.logger.Info().Str("kind", string(params.Kind)).Msg("Run started")
	ru.emit(ctx, EventRunStart, map[string]any{"kind": string(params.Kind)})

	err := ru.execute(runCtx)

	ru.result.Duration = time.Since(start)
	observability.RecordAgentRun(r.cfg.Agent.ID, string(ru.result.Outcome), ru.result.ModelCalls, ru.result.Duration)

	ru.emit(ctx, EventRunEnd, map[string]any{
		"outcome":     string(ru.result.Outcome),
		"model_calls": ru.result.ModelCalls,
		"duration_ms": ru.result.Duration.Milliseconds(),
		"suppressed":  ru.result.Suppressed,
	})
	ru.logger.Info().
		Str("outcome", string(ru.result.Outcome)).
		Int("model_calls", ru.result.ModelCalls).
		Int("tool_calls", ru.result.ToolCalls).
		Dur("duration", ru.result.Duration).
		Msg("Run finished")

	span.SetAttributes(
		attribute.String("outcome", string(ru.result.Outcome)),
		attribute.Int("model_calls", ru.result.ModelCalls),
	)
	tracing.EndSpan(span, err)
	return ru.result, err
}

// Abort cancels the active run of a session.
func (r *Runner) Abort(sessionKey string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	a, ok := r.active[sessionKey]
	if !ok {
		log.Debug().Str("session_key", sessionKey).Msg("No active run to abort")
		return false
	}
	log.Info().Str("session_key", sessionKey).Str("run_id", a.info.RunID).Msg("Aborting run")
	a.cancel()
	return true
}

// AbortAll cancels every active run and returns how many there were.
func (r *Runner) AbortAll() int {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	for _, a := range r.active {
		a.cancel()
	}
	return len(r.active)
}

// IsRunning reports whether a session has an active run.
func (r *Runner) IsRunning(sessionKey string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	_, ok := r.active[sessionKey]
	return ok
}

// Active lists runs in progress, oldest first.
func (r *Runner) Active() []ActiveRun {
	r.runsMu.Lock()
	out := make([]ActiveRun, 0, len(r.active))
	for _, a := range r.active {
		out = append(out, a.info)
	}
	r.runsMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (r *Runner) register(params RunParams, runID string, start time.Time, cancel context.CancelFunc) {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	r.active[params.SessionKey] = &activeRun{
		info: ActiveRun{
			RunID:      runID,
			SessionKey: params.SessionKey,
			Kind:       params.Kind,
			State:      StateAssembling,
			StartedAt:  start,
		},
		cancel: cancel,
	}
}

func (r *Runner) unregister(sessionKey, runID string) {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	if a, ok := r.active[sessionKey]; ok && a.info.RunID == runID {
		delete(r.active, sessionKey)
	}
}

func (r *Runner) setState(sessionKey, runID string, s State) {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	if a, ok := r.active[sessionKey]; ok && a.info.RunID == runID {
		a.info.State = s
	}
}

// run is the state of one execution.
type run struct {
	r         *Runner
	params    RunParams
	chain     router.Chain
	runID     string
	sentinels []string
	logger    zerolog.Logger

	// lastActive is the session's activity time before this run's prompt.
	lastActive time.Time

	state     State
	result    Result
	assembled assembler.Context
	pending   *router.CallResult
	compacted bool
}

func (ru *run) execute(ctx context.Context) error {
	key := ru.params.SessionKey
	sess, err := ru.r.cfg.Sessions.LoadOrCreate(ctx, key)
	if err != nil {
		return ru.end(ctx, err)
	}
	ru.lastActive = sess.LastActivity

	if strings.TrimSpace(ru.params.Prompt) != "" {
		role := session.RoleUser
		if ru.params.Kind != KindMessage {
			role = session.RoleSystem
		}
		if _, err := ru.r.cfg.Sessions.Append(ctx, key, session.Turn{
			Role:    role,
			Kind:    session.KindMessage,
			Content: ru.params.Prompt,
			RunID:   ru.runID,
		}); err != nil {
			return ru.end(ctx, err)
		}
	}

	for ru.state != StateTerminal {
		var err error
		switch ru.state {
		case StateAssembling:
			err = ru.assemble(ctx)
		case StateAwaitingModel:
			err = ru.awaitModel(ctx)
		case StateToolDispatch:
			err = ru.dispatchTools(ctx)
		}
		if err != nil {
			return ru.end(ctx, err)
		}
	}
	return nil
}

// end routes an error to the aborted or failed terminal state.
func (ru *run) end(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		ru.abort(ctx)
		return nil
	}
	return ru.fail(ctx, err)
}

func (ru *run) transition(to State) {
	if !legal(ru.state, to) {
		ru.logger.Error().Str("from", string(ru.state)).Str("to", string(to)).Msg("Illegal run state transition")
	}
	from := ru.state
	ru.state = to
	ru.r.setState(ru.params.SessionKey, ru.runID, to)
	ru.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("Run state changed")
	if ru.r.cfg.OnTransition != nil {
		ru.r.cfg.OnTransition(ru.runID, from, to)
	}
}

func legal(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (ru *run) assemble(ctx context.Context) error {
	c, err := ru.build(ctx)
	if err != nil {
		return err
	}

	if ru.r.cfg.Compactor != nil && !ru.compacted && ru.r.cfg.Assembler.NeedsCompaction(c) {
		ru.compacted = true
		ru.logger.Info().Int("tokens", c.Tokens).Msg("Context over budget, compacting")

		_, err := ru.r.cfg.Compactor.Compact(ctx, ru.params.SessionKey, ru.runID, ru.flush)
		switch {
		case err == nil:
			if c, err = ru.build(ctx); err != nil {
				return err
			}
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, session.ErrPersist):
			return err
		default:
			ru.logger.Warn().Err(err).Msg("Compaction skipped")
		}
	}

	ru.assembled = c
	ru.transition(StateAwaitingModel)
	return nil
}

func (ru *run) build(ctx context.Context) (assembler.Context, error) {
	sess, err := ru.r.cfg.Sessions.LoadOrCreate(ctx, ru.params.SessionKey)
	if err != nil {
		return assembler.Context{}, err
	}
	instructions := ""
	if ru.r.cfg.Workspace != nil {
		instructions = ru.r.cfg.Workspace.Compile()
	}
	tools := ru.r.cfg.Tools.Specs(&ru.r.cfg.Agent.Policy)
	return ru.r.cfg.Assembler.Assemble(sess, ru.lastActive, instructions, tools), nil
}

func (ru *run) request(c assembler.Context) provider.Request {
	return provider.Request{
		System:      c.System,
		Messages:    c.Messages,
		Tools:       c.Tools,
		Temperature: ru.r.cfg.Agent.Temperature,
		MaxTokens:   ru.r.cfg.Agent.MaxTokens,
	}
}

func (ru *run) awaitModel(ctx context.Context) error {
	if ru.result.ModelCalls >= ru.r.cfg.Agent.MaxModelCalls {
		return ru.capReached(ctx)
	}

	filter := newSentinelFilter(ru.sentinels, func(text string) {
		ru.emit(ctx, EventDelta, map[string]any{"text": text})
	})
	req := ru.request(ru.assembled)
	req.OnDelta = filter.Write

	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.model_call",
		attribute.Int("call", ru.result.ModelCalls+1),
	)
	res, err := ru.r.cfg.Router.Call(ctx, ru.r.cfg.Agent.ID, ru.params.SessionKey, ru.chain, req,
		router.WithResetHook(func(h router.CallHandle) {
			if filter.Released() {
				ru.emit(ctx, EventDelta, map[string]any{"reset": true, "model": h.Model})
			}
			filter.Reset()
		}),
	)
	tracing.EndSpan(span, err)
	ru.result.ModelCalls++
	if err != nil {
		return err
	}

	ru.account(res)
	filter.Finish(res.Response.Content)

	if len(res.Response.ToolCalls) == 0 {
		return ru.finish(ctx, res)
	}
	ru.pending = res
	ru.transition(StateToolDispatch)
	return nil
}

func (ru *run) account(res *router.CallResult) {
	ru.result.Model = res.Handle.Model
	ru.result.Profile = res.Handle.ProfileID
	ru.result.Usage.InputTokens += res.Response.Usage.InputTokens
	ru.result.Usage.OutputTokens += res.Response.Usage.OutputTokens
}

// finish persists the final reply. Sentinel and empty replies are persisted
// with delivery suppressed.
func (ru *run) finish(ctx context.Context, res *router.CallResult) error {
	content := strings.TrimSpace(res.Response.Content)
	suppressed := content == "" || isSentinel(content, ru.sentinels)
	if content == "" {
		content = NoReply
	}

	if _, err := ru.r.cfg.Sessions.Append(ctx, ru.params.SessionKey, session.Turn{
		Role:       session.RoleAgent,
		Kind:       session.KindMessage,
		Content:    content,
		RunID:      ru.runID,
		Model:      res.Handle.Model,
		Profile:    res.Handle.ProfileID,
		Suppressed: suppressed,
	}); err != nil {
		return err
	}

	ru.result.Reply = content
	ru.result.Suppressed = suppressed
	if suppressed {
		ru.result.Outcome = OutcomeNoReply
	} else {
		ru.result.Outcome = OutcomeCompleted
		ru.emit(ctx, EventMessage, map[string]any{
			"role":    string(session.RoleAgent),
			"content": content,
			"model":   res.Handle.Model,
		})
	}
	ru.transition(StateTerminal)
	return nil
}

func (ru *run) dispatchTools(ctx context.Context) error {
	res := ru.pending
	ru.pending = nil

	calls, results := ru.dispatch(ctx, res.Response.ToolCalls)
	ru.result.ToolCalls += len(calls)

	persistCtx := ctx
	if ctx.Err() != nil {
		persistCtx = tracing.Detach(ctx)
	}
	if _, err := ru.r.cfg.Sessions.Append(persistCtx, ru.params.SessionKey, session.Turn{
		Role:        session.RoleAgent,
		Kind:        session.KindMessage,
		Content:     res.Response.Content,
		ToolCalls:   calls,
		ToolResults: results,
		RunID:       ru.runID,
		Model:       res.Handle.Model,
		Profile:     res.Handle.ProfileID,
	}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ru.transition(StateAssembling)
	return nil
}

// dispatch runs tool calls in order. Calls left over after cancellation get
// a canceled result without running, so every call ends terminal.
func (ru *run) dispatch(ctx context.Context, requested []provider.ToolCall) ([]session.ToolCall, []session.ToolResult) {
	calls := make([]session.ToolCall, len(requested))
	results := make([]session.ToolResult, len(requested))
	seen := make(map[string]bool, len(requested))

	for i, tc := range requested {
		id := tc.ID
		if id == "" || seen[id] {
			id = "call_" + uuid.NewString()
		}
		seen[id] = true

		call := session.ToolCall{
			ID:        id,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		}
		calls[i] = call

		if err := ctx.Err(); err != nil {
			results[i] = session.ToolResult{
				CallID: id,
				Name:   tc.Name,
				Status: session.ToolFailed,
				Code:   toolexecutor.CodeCanceled,
				Error:  err.Error(),
			}
			continue
		}

		ru.emit(ctx, EventToolCall, map[string]any{
			"call_id":   id,
			"name":      tc.Name,
			"arguments": string(tc.Arguments),
		})
		results[i] = ru.r.cfg.Tools.Dispatch(ctx, call, ru.r.cfg.Agent.Policy)
		calls[i].Isolation = results[i].Isolation
		ru.emit(ctx, EventToolResult, map[string]any{
			"call_id":     id,
			"name":        tc.Name,
			"status":      string(results[i].Status),
			"code":        results[i].Code,
			"output":      results[i].Output,
			"error":       results[i].Error,
			"duration_ms": results[i].DurationMs,
		})
	}
	return calls, results
}

// flush runs the one model turn that lets the agent save memory before
// compaction. It does not count toward the model call cap.
func (ru *run) flush(ctx context.Context) error {
	c, err := ru.build(ctx)
	if err != nil {
		return err
	}
	res, err := ru.r.cfg.Router.Call(ctx, ru.r.cfg.Agent.ID, ru.params.SessionKey, ru.chain, ru.request(c))
	if err != nil {
		return err
	}
	ru.account(res)

	turn := session.Turn{
		Role:    session.RoleAgent,
		Kind:    session.KindMessage,
		Content: res.Response.Content,
		RunID:   ru.runID,
		Model:   res.Handle.Model,
		Profile: res.Handle.ProfileID,
	}
	if len(res.Response.ToolCalls) > 0 {
		turn.ToolCalls, turn.ToolResults = ru.dispatch(ctx, res.Response.ToolCalls)
		ru.result.ToolCalls += len(turn.ToolCalls)
	}
	if turn.Content == "" && len(turn.ToolCalls) == 0 {
		return nil
	}
	_, err = ru.r.cfg.Sessions.Append(tracing.Detach(ctx), ru.params.SessionKey, turn)
	return err
}

func (ru *run) capReached(ctx context.Context) error {
	msg := fmt.Sprintf("Stopped after %d model calls without a final reply.", ru.r.cfg.Agent.MaxModelCalls)
	if _, err := ru.r.cfg.Sessions.Append(ctx, ru.params.SessionKey, session.Turn{
		Role:    session.RoleSystem,
		Kind:    session.KindNotice,
		Content: msg,
		RunID:   ru.runID,
	}); err != nil {
		return err
	}

	ru.logger.Warn().Int("max_model_calls", ru.r.cfg.Agent.MaxModelCalls).Msg("Model call cap reached")
	ru.result.Outcome = OutcomeCapReached
	ru.result.Reply = msg
	ru.emit(ctx, EventMessage, map[string]any{
		"role":    string(session.RoleSystem),
		"content": msg,
	})
	ru.transition(StateTerminal)
	return nil
}

func (ru *run) abort(ctx context.Context) {
	ru.result.Outcome = OutcomeAborted
	if _, err := ru.r.cfg.Sessions.Append(tracing.Detach(ctx), ru.params.SessionKey, session.Turn{
		Role:    session.RoleSystem,
		Kind:    session.KindAborted,
		Content: "run aborted before completion",
		RunID:   ru.runID,
	}); err != nil {
		ru.logger.Error().Err(err).Msg("Failed to persist aborted turn")
	}
	ru.logger.Info().Str("state", string(ru.state)).Msg("Run aborted")
	ru.transition(StateTerminal)
}

// fail persists an aborted turn and emits exactly one failure notification.
func (ru *run) fail(ctx context.Context, err error) error {
	ru.result.Outcome = OutcomeFailed
	ru.result.Error = err.Error()

	if _, perr := ru.r.cfg.Sessions.Append(tracing.Detach(ctx), ru.params.SessionKey, session.Turn{
		Role:    session.RoleSystem,
		Kind:    session.KindAborted,
		Content: "run failed: " + err.Error(),
		RunID:   ru.runID,
	}); perr != nil {
		ru.logger.Error().Err(perr).Msg("Failed to persist aborted turn")
	}

	ru.logger.Error().Err(err).Str("state", string(ru.state)).Msg("Run failed")
	ru.emit(ctx, EventMessage, map[string]any{
		"role":    string(session.RoleSystem),
		"content": failureNotice(err),
		"error":   true,
	})
	ru.transition(StateTerminal)
	return fmt.Errorf("run %s: %w", ru.runID, err)
}

func failureNotice(err error) string {
	switch {
	case errors.Is(err, router.ErrChainExhausted), errors.Is(err, router.ErrEmptyChain):
		return "No model is available right now, so this message was not answered. Please try again later."
	case errors.Is(err, session.ErrPersist):
		return "The conversation could not be saved, so this run was stopped."
	default:
		return "This run failed: " + err.Error()
	}
}

func (ru *run) emit(ctx context.Context, event string, data map[string]any) {
	if ru.params.Emit == nil {
		return
	}
	data["run_id"] = ru.runID
	data["session_key"] = ru.params.SessionKey
	ru.params.Emit(ctx, event, data)
}
