package js

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunScriptSeesVariables(t *testing.T) {
	rt := NewJsRuntime(t.Context(), 2, 1)

	res, err := rt.RunScript(t.Context(), "amount * 2", map[string]any{"amount": int64(21)})

	require.NoError(t, err)
	assert.EqualValues(t, 42, res)
}

func TestRunScriptDoesNotLeakVariables(t *testing.T) {
	rt := NewJsRuntime(t.Context(), 1, 1)

	_, err := rt.RunScript(t.Context(), "secret", map[string]any{"secret": "x"})
	require.NoError(t, err)

	_, err = rt.RunScript(t.Context(), "secret", nil)
	assert.Error(t, err)
}

func TestRunScriptReturnsObjects(t *testing.T) {
	rt := NewJsRuntime(t.Context(), 1, 1)

	res, err := rt.RunScript(t.Context(), "({total: items.length, ok: true})", map[string]any{"items": []any{"a", "b"}})

	require.NoError(t, err)
	m, ok := res.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, m["total"])
	assert.Equal(t, true, m["ok"])
}

func TestRunScriptIsInterruptedByContext(t *testing.T) {
	rt := NewJsRuntime(t.Context(), 1, 1)
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	_, err := rt.RunScript(ctx, "while (true) {}", nil)

	assert.Error(t, err)

	// the pool replaces the interrupted runner
	res, err := rt.RunScript(t.Context(), "1 + 1", nil)
	assert.NoError(t, err)
	assert.EqualValues(t, 2, res)
}

func TestRunScriptReportsSyntaxErrors(t *testing.T) {
	rt := NewJsRuntime(t.Context(), 1, 1)

	_, err := rt.RunScript(t.Context(), "this is not js", nil)

	assert.Error(t, err)
}
