package log

import (
	"context"
	"testing"

	"github.com/pbinitiative/zenworkflow/internal/appcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	core, logs := observer.New(zapcore.DebugLevel)
	previous := Logger()
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(previous) })
	return logs
}

func TestContextualLoggingAddsIdentity(t *testing.T) {
	// setup
	logs := observe(t)
	ctx := appcontext.WithTenant(context.Background(), "acme")
	ctx = appcontext.WithUser(ctx, "alice", []string{"clerks"})

	// when
	Infof(ctx, "started instance %s", "i-1")

	// then
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "started instance i-1", entry.Message)
	assert.Equal(t, zapcore.InfoLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, "acme", fields["tenantId"])
	assert.Equal(t, "alice", fields["userId"])
}

func TestPlainLoggingHasNoContextFields(t *testing.T) {
	// setup
	logs := observe(t)

	// when
	Error("failed to start: %s", "boom")
	Debugf(context.Background(), "idle")

	// then
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "failed to start: boom", logs.All()[0].Message)
	assert.Empty(t, logs.All()[0].ContextMap())
	assert.Equal(t, zapcore.DebugLevel, logs.All()[1].Level)
}
