package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOperateAndGet(t *testing.T) {
	token := NewToken()
	logger := zap.NewNop()
	token.Add("logger", logger)
	token.Add("count", 3)

	_, ok := Get[*zap.Logger](context.Background(), "logger")
	assert.False(t, ok, "no token active")

	ctx := Operate(context.Background(), token)
	got, ok := Get[*zap.Logger](ctx, "logger")
	require.True(t, ok)
	assert.Same(t, logger, got)

	_, ok = Get[string](ctx, "count")
	assert.False(t, ok, "wrong type")
	_, ok = Get[int](ctx, "missing")
	assert.False(t, ok)

	assert.Equal(t, ctx, Operate(ctx, token), "reentrant operate keeps the context")
	assert.Equal(t, 2, token.Len())
}
