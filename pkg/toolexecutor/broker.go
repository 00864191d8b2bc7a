package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/vigil/internal/observability"
	"github.com/harun/vigil/internal/tracing"
	"github.com/harun/vigil/pkg/provider"
	"github.com/harun/vigil/pkg/sandbox"
	"github.com/harun/vigil/pkg/session"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "vigil.toolexecutor"

// CommandRunner runs a shell command under a sandbox spec.
type CommandRunner interface {
	Run(ctx context.Context, spec sandbox.Spec, req sandbox.Request) (sandbox.Result, error)
}

// Broker validates tool calls against policy and executes them.
type Broker struct {
	registry *Registry
	runner   CommandRunner
	gate     *ApprovalGate
}

// NewBroker creates a broker. gate may be nil, in which case policies that
// require approval deny every host command.
func NewBroker(registry *Registry, runner CommandRunner, gate *ApprovalGate) *Broker {
	return &Broker{registry: registry, runner: runner, gate: gate}
}

// Registry returns the broker's tool registry.
func (b *Broker) Registry() *Registry { return b.registry }

// Gate returns the approval gate, or nil.
func (b *Broker) Gate() *ApprovalGate { return b.gate }

// Runner returns the command runner.
func (b *Broker) Runner() CommandRunner { return b.runner }

// Specs returns the model-facing schemas of the tools policy allows.
func (b *Broker) Specs(policy *Policy) []provider.ToolSpec { return b.registry.Specs(policy) }

// Dispatch runs one call to a terminal result. It never returns an error;
// every failure becomes a failed or timed out result the model can read.
func (b *Broker) Dispatch(ctx context.Context, call session.ToolCall, policy Policy) (res session.ToolResult) {
	start := time.Now()
	var isolation session.Isolation

	ctx, span := tracing.StartSpan(ctx, tracerName, "toolexecutor.dispatch",
		attribute.String("tool", call.Name),
		attribute.String("call_id", call.ID),
	)
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	defer func() {
		res.CallID = call.ID
		res.Name = call.Name
		res.DurationMs = time.Since(start).Milliseconds()
		res.Isolation = isolation
		label := string(isolation)
		if label == "" {
			label = "in_process"
		}
		observability.RecordToolDispatch(call.Name, label, string(res.Status), res.Code, time.Since(start))
		span.SetAttributes(
			attribute.String("status", string(res.Status)),
			attribute.String("code", res.Code),
		)
		var spanErr error
		if res.Status != session.ToolSucceeded {
			spanErr = errors.New(res.Error)
		}
		tracing.EndSpan(span, spanErr)

		logger.Debug().
			Str("tool", call.Name).
			Str("call_id", call.ID).
			Str("status", string(res.Status)).
			Str("code", res.Code).
			Dur("duration", time.Since(start)).
			Msg("Tool dispatched")
	}()

	// 1. allow/deny
	if !policy.IsToolAllowed(call.Name) {
		reason := fmt.Sprintf("tool %q is not allowed by agent policy", call.Name)
		observability.RecordPolicyAudit(ctx, call.Name, tracing.GetAgentID(ctx), reason)
		logger.Warn().Str("tool", call.Name).Msg("Tool execution blocked by policy")
		return failed(CodePolicyDenied, reason)
	}

	def, schema, ok := b.registry.Get(call.Name)
	if !ok {
		return failed(CodeNotFound, fmt.Sprintf("%v: %s", ErrToolNotFound, call.Name))
	}

	params := map[string]interface{}{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &params); err != nil {
			return failed(CodeInvalidArguments, fmt.Sprintf("%v: arguments must be a JSON object: %v", ErrInvalidArguments, err))
		}
		if params == nil {
			params = map[string]interface{}{}
		}
	}
	if err := validateParameters(schema, params); err != nil {
		return failed(CodeInvalidArguments, err.Error())
	}

	inv := Invocation{
		Call:       call,
		Params:     params,
		SessionKey: tracing.GetSessionKey(ctx),
	}

	if def.Command {
		// 2. host authorization and approval. A policy without isolation
		// runs every command on the host.
		inv.Host = call.Isolation == session.IsolationHost ||
			params["elevated"] == true ||
			policy.Sandbox.Isolation == sandbox.IsolationNone
		isolation = session.IsolationSandboxed
		if inv.Host {
			isolation = session.IsolationHost
			if r, stop := b.authorizeHost(ctx, call, params, policy); stop {
				return r
			}
		}

		// 3. sandbox spec
		inv.Spec = policy.resolveSpec(inv.Host)
		if err := inv.Spec.Validate(); err != nil {
			return failed(CodePolicyDenied, fmt.Sprintf("no valid sandbox for this call: %v", err))
		}
	}

	// 4. execute
	execCtx := ctx
	if !def.Command {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, policy.timeout())
		defer cancel()
	}

	output, err := def.Handler(execCtx, inv)
	output, truncated := truncateOutput(output)

	switch {
	case err == nil:
		return session.ToolResult{Status: session.ToolSucceeded, Output: output, Truncated: truncated}

	case ctx.Err() != nil:
		return session.ToolResult{Status: session.ToolFailed, Code: CodeCanceled, Output: output, Error: ctx.Err().Error(), Truncated: truncated}

	case errors.Is(err, sandbox.ErrExecutionTimeout), errors.Is(err, context.DeadlineExceeded):
		logger.Warn().Str("tool", call.Name).Err(err).Msg("Tool execution timeout")
		return session.ToolResult{Status: session.ToolTimedOut, Code: CodeTimeout, Output: output, Error: err.Error(), Truncated: truncated}

	case errors.Is(err, ErrInvalidArguments):
		return session.ToolResult{Status: session.ToolFailed, Code: CodeInvalidArguments, Error: err.Error()}

	case errors.Is(err, ErrToolNotFound):
		return session.ToolResult{Status: session.ToolFailed, Code: CodeNotFound, Error: err.Error()}

	default:
		logger.Error().Str("tool", call.Name).Err(err).Msg("Tool execution failed")
		return session.ToolResult{Status: session.ToolFailed, Code: CodeExecutionError, Output: output, Error: err.Error(), Truncated: truncated}
	}
}

// authorizeHost applies host authorization and the approval gate. When stop
// is true the returned result ends the call.
func (b *Broker) authorizeHost(ctx context.Context, call session.ToolCall, params map[string]interface{}, policy Policy) (session.ToolResult, bool) {
	actor := tracing.GetAgentID(ctx)
	command, _ := params["command"].(string)

	if !policy.HostExec {
		reason := "host execution is not authorized for this agent"
		observability.RecordPolicyAudit(ctx, call.Name, actor, reason)
		return failed(CodePolicyDenied, reason), true
	}
	if !policy.RequireApproval {
		return session.ToolResult{}, false
	}
	if b.gate == nil {
		reason := "host execution requires approval but no approval channel is configured"
		observability.RecordPolicyAudit(ctx, call.Name, actor, reason)
		return failed(CodeApprovalDenied, reason), true
	}
	if b.gate.Allowlisted(command) {
		observability.RecordApprovalAudit(ctx, call.Name, "allowlist", "approved", map[string]interface{}{
			"command": command,
		})
		return session.ToolResult{}, false
	}

	out, err := b.gate.Request(ctx, call.Name, command)
	switch {
	case err != nil:
		return session.ToolResult{Status: session.ToolFailed, Code: CodeCanceled, Error: err.Error()}, true
	case out.TimedOut:
		return failed(CodeApprovalTimeout, fmt.Sprintf("approval request timed out after %v; the command was not run", b.gate.Timeout())), true
	case !out.Approved:
		return failed(CodeApprovalDenied, fmt.Sprintf("operator %s denied the command", out.Actor)), true
	}
	return session.ToolResult{}, false
}

func failed(code, msg string) session.ToolResult {
	return session.ToolResult{Status: session.ToolFailed, Code: code, Error: msg}
}
