package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
	assert.Len(t, id1, 36)
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithRunID(ctx, "run-456")
	ctx = WithRole(ctx, "manager")
	ctx = WithSessionID(ctx, "u1")
	ctx = WithRequestID(ctx, "req-1")

	tc := FromContext(ctx)
	assert.Equal(t, "trace-123", tc.TraceID)
	assert.Equal(t, "run-456", tc.RunID)
	assert.Equal(t, "manager", tc.Role)
	assert.Equal(t, "u1", tc.SessionID)
	assert.Equal(t, "req-1", tc.RequestID)
}

func TestEmptyContext(t *testing.T) {
	tc := FromContext(context.Background())
	assert.Equal(t, &TraceContext{}, tc)
}

func TestNewTurnContext(t *testing.T) {
	t.Run("keeps an existing trace id", func(t *testing.T) {
		parent := WithTraceID(context.Background(), "trace-parent")
		ctx := NewTurnContext(parent, "coder", "u1")

		assert.Equal(t, "trace-parent", GetTraceID(ctx))
		assert.NotEmpty(t, GetRunID(ctx))
		assert.Equal(t, "coder", GetRole(ctx))
		assert.Equal(t, "u1", GetSessionID(ctx))
	})

	t.Run("generates a trace id when missing", func(t *testing.T) {
		ctx := NewTurnContext(context.Background(), "router", "u2")
		assert.NotEmpty(t, GetTraceID(ctx))
	})

	t.Run("each turn gets its own run id", func(t *testing.T) {
		a := NewTurnContext(context.Background(), "manager", "u1")
		b := NewTurnContext(context.Background(), "manager", "u1")
		assert.NotEqual(t, GetRunID(a), GetRunID(b))
	})
}
