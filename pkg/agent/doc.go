// Package agent runs the bounded agent loop for one session.
//
// A run moves through an explicit state machine:
//
//	ASSEMBLING -> AWAITING_MODEL -> (TOOL_DISPATCH -> ASSEMBLING -> AWAITING_MODEL)* -> TERMINAL
//
// Invariants:
// - Every tool call of a persisted agent turn has exactly one terminal result.
// - A run makes at most MaxModelCalls model calls.
// - Cancellation persists an aborted turn with a detached context.
// - Model calls go through the router only; tool calls through the broker only.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{...})
//	result, err := runner.Run(ctx, agent.RunParams{
//		SessionKey: "main",
//		Prompt:     "hello",
//		Emit:       broadcaster.Emit,
//	})
package agent
