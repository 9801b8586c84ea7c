// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package e2e

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/pbinitiative/zenworkflow/internal/rest/public"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestApiMessage(t *testing.T) {
	_, err := deployDefinition(t, "message_event.yaml")
	require.NoError(t, err)
	orderId := uuid.NewString()

	instance, err := createProcessInstance(t, "message-event", map[string]any{
		"orderId": orderId,
		"testVar": 123,
	}, "")
	require.NoError(t, err)
	other, err := createProcessInstance(t, "message-event", map[string]any{
		"orderId": uuid.NewString(),
	}, "")
	require.NoError(t, err)

	t.Run("publish message", func(t *testing.T) {
		correlated, err := publishMessage(t, "payment-received", orderId, map[string]any{
			"test-var": "test",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, correlated)

		processInstance, err := getProcessInstance(t, instance.Id)
		assert.NoError(t, err)
		assert.Equal(t, runtime.InstanceCompleted, processInstance.State)
		assert.Equal(t, "test", processInstance.Variables["test-var"])
		assert.Equal(t, int64(123), processInstance.Variables["testVar"])

		waiting, err := getProcessInstance(t, other.Id)
		assert.NoError(t, err)
		assert.Equal(t, runtime.InstanceRunning, waiting.State)
	})

	t.Run("publish message twice", func(t *testing.T) {
		correlated, err := publishMessage(t, "payment-received", orderId, nil)
		require.NoError(t, err)
		assert.Zero(t, correlated)
	})
}

func publishMessage(t testing.TB, name string, correlationKey string, variables map[string]any) (int, error) {
	var resp public.CorrelateMessageResponse
	err := app.NewRequest(t).
		WithPath("/v1/messages").
		WithMethod(http.MethodPost).
		WithBody(public.CorrelateMessageRequest{
			Name:           name,
			CorrelationKey: correlationKey,
			Variables:      variables,
		}).
		DoInto(&resp)
	if err != nil {
		return 0, fmt.Errorf("failed to publish message %s: %w", name, err)
	}
	return resp.Correlated, nil
}
