package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextLogger_AddsConnectionFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cl := NewContextLogger(zap.New(core).Sugar())

	ctx := WithIdentity(WithAddress(context.Background(), "i1.abc"), "alice")
	ctx = WithClientIP(ctx, "10.0.0.1")
	cl.WithContext(ctx).Infow("connected")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "i1.abc", fields["address"])
		assert.Equal(t, "alice", fields["identity"])
		assert.Equal(t, "10.0.0.1", fields["client_ip"])
	}
	assert.Equal(t, "10.0.0.1", ClientIPFromContext(ctx))
	assert.Empty(t, ClientIPFromContext(context.Background()))
}

func TestContextLogger_PlainContext(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cl := NewContextLogger(zap.New(core).Sugar())

	cl.WithContext(context.Background()).Debugw("nothing attached")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Empty(t, entries[0].ContextMap())
	}
}

func TestNew_FallsBackOnUnknownLevel(t *testing.T) {
	l := New("loud", "json")
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
}
