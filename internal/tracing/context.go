package tracing

import (
	"context"

	"github.com/google/uuid"
)

// Fields are the correlation ids carried through a request or run.
type Fields struct {
	TraceID    string
	RunID      string
	AgentID    string
	SessionKey string
	JobID      string
}

type fieldsKey struct{}

// FromContext returns the correlation ids set on ctx.
func FromContext(ctx context.Context) Fields {
	if ctx == nil {
		return Fields{}
	}
	f, _ := ctx.Value(fieldsKey{}).(Fields)
	return f
}

func with(ctx context.Context, set func(*Fields)) context.Context {
	f := FromContext(ctx)
	set(&f)
	return context.WithValue(ctx, fieldsKey{}, f)
}

// NewTraceID returns a fresh random trace id.
func NewTraceID() string {
	return uuid.NewString()
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return with(ctx, func(f *Fields) { f.TraceID = id })
}

func WithSessionKey(ctx context.Context, key string) context.Context {
	return with(ctx, func(f *Fields) { f.SessionKey = key })
}

// WithJobID tags ctx with the scheduled job that triggered the work.
func WithJobID(ctx context.Context, id string) context.Context {
	return with(ctx, func(f *Fields) { f.JobID = id })
}

func GetTraceID(ctx context.Context) string    { return FromContext(ctx).TraceID }
func GetRunID(ctx context.Context) string      { return FromContext(ctx).RunID }
func GetAgentID(ctx context.Context) string    { return FromContext(ctx).AgentID }
func GetSessionKey(ctx context.Context) string { return FromContext(ctx).SessionKey }

// NewRunContext prepares the context for one agent run. An existing trace ID
// is kept so a run triggered from an RPC stays on the caller's trace.
func NewRunContext(ctx context.Context, agentID, sessionKey string) (context.Context, string) {
	runID := uuid.NewString()
	ctx = with(ctx, func(f *Fields) {
		if f.TraceID == "" {
			f.TraceID = NewTraceID()
		}
		f.RunID = runID
		f.AgentID = agentID
		f.SessionKey = sessionKey
	})
	return ctx, runID
}
