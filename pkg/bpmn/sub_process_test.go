// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"testing"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubProcessPropagatesDeclaredOutputsOnly(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "sub_process.yaml")

	// when
	instance := engine.start(t, "sub-process", map[string]any{"x": 1})

	// then
	assert.Equal(t, runtime.InstanceCompleted, instance.State)
	vars, err := engine.GetVariables(t.Context(), instance.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), vars["result"])
	assert.NotContains(t, vars, "scratch")
	assert.Equal(t, int64(1), vars["x"])
}

func TestSubProcessTokensLiveInNestedScope(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "sub_process.yaml")

	// when
	instance := engine.start(t, "sub-process", map[string]any{"x": 41})

	// then
	owner := engine.tokens(t, instance.Id, "calculate")
	require.Len(t, owner, 1)
	assert.Equal(t, runtime.ActivityCompleted, owner[0].State)
	for _, nodeId := range []string{"sub-start", "add", "scratch", "sub-end"} {
		nested := engine.tokens(t, instance.Id, nodeId)
		require.Len(t, nested, 1, nodeId)
		assert.Equal(t, owner[0].Id, nested[0].ScopeId, nodeId)
		assert.Equal(t, runtime.ActivityCompleted, nested[0].State, nodeId)
	}
	scopes, err := engine.storage.FindScopes(t.Context(), instance.Id)
	require.NoError(t, err)
	require.Len(t, scopes, 1)
	assert.Equal(t, int64(42), scopes[0].Variables["result"])
	assert.Equal(t, "temporary", scopes[0].Variables["scratch"])
}

func TestSubProcessCancelWithdrawsNestedTokens(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	m := loadModel(t, "sub_process.yaml")
	m.Key = "sub-process-wait"
	m.Nodes[1].Nodes[2].Type = model.NodeTypeIntermediateCatchEvent
	m.Nodes[1].Nodes[2].Script = ""
	m.Nodes[1].Nodes[2].ResultVariable = ""
	m.Nodes[1].Nodes[2].Event = &model.EventDefinition{Kind: model.EventKindSignal, Name: "continue"}
	_, err := engine.CreateDefinition(t.Context(), testTenant, m)
	require.NoError(t, err)
	require.NoError(t, engine.Publish(t.Context(), testTenant, m.Key, 1))
	instance := engine.start(t, m.Key, map[string]any{"x": 1})
	require.Equal(t, runtime.InstanceRunning, instance.State)

	// when
	require.NoError(t, engine.Cancel(t.Context(), instance.Id, ""))

	// then
	assert.Equal(t, runtime.ActivityWithdrawn, engine.tokens(t, instance.Id, "calculate")[0].State)
	assert.Equal(t, runtime.ActivityWithdrawn, engine.tokens(t, instance.Id, "scratch")[0].State)
}
