package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))
	assert.Equal(t, Fields{}, FromContext(nil)) //nolint:staticcheck

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithSessionKey(ctx, "main")
	child := WithJobID(ctx, "digest")

	assert.Equal(t, Fields{TraceID: "trace-1", SessionKey: "main", JobID: "digest"}, FromContext(child))
	assert.Empty(t, FromContext(ctx).JobID, "parent context is unchanged")
}

func TestNewRunContext(t *testing.T) {
	t.Run("creates trace when missing", func(t *testing.T) {
		ctx, runID := NewRunContext(WithJobID(context.Background(), "digest"), "default", "main")
		assert.NotEmpty(t, runID)
		assert.Equal(t, runID, GetRunID(ctx))
		assert.NotEmpty(t, GetTraceID(ctx))
		assert.Equal(t, "main", GetSessionKey(ctx))
		assert.Equal(t, "default", GetAgentID(ctx))
		assert.Equal(t, "digest", FromContext(ctx).JobID)
	})

	t.Run("keeps caller trace", func(t *testing.T) {
		parent := WithTraceID(context.Background(), "trace-rpc")
		ctx, runID := NewRunContext(parent, "default", "main")
		assert.Equal(t, "trace-rpc", GetTraceID(ctx))

		_, second := NewRunContext(parent, "default", "main")
		assert.NotEqual(t, runID, second)
	})
}
