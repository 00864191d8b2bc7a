package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext adds the correlation ids present in ctx to base.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	f := FromContext(ctx)
	lc := base.With()
	for _, kv := range [...]struct{ key, val string }{
		{"trace_id", f.TraceID},
		{"run_id", f.RunID},
		{"agent_id", f.AgentID},
		{"session_key", f.SessionKey},
		{"job_id", f.JobID},
	} {
		if kv.val != "" {
			lc = lc.Str(kv.key, kv.val)
		}
	}
	return lc.Logger()
}

// Detach returns a context carrying ctx's correlation ids and span but none
// of its cancellation, for writes that must land after the caller gave up.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
