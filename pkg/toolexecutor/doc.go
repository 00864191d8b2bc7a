// Package toolexecutor is the tool broker: it turns a model-requested tool
// call into exactly one terminal result while enforcing agent policy.
//
// Invariants:
// - Every Dispatch returns a terminal session.ToolResult; tool errors never escape.
// - Checks run in order: allow/deny, host authorization and approval, sandbox spec, execute.
// - Host execution is never attempted without HostExec, and with approvals
//   enabled an unanswered request is denied at the timeout.
// - Arguments are schema-validated before any handler runs.
//
// Usage:
//
//	broker := toolexecutor.NewBroker(registry, sb, gate)
//	res := broker.Dispatch(ctx, call, policy)
package toolexecutor
