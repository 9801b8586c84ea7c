package e2e

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/pbinitiative/zenworkflow/internal/rest/public"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestApiIncident(t *testing.T) {
	_, err := deployDefinition(t, "simple_task.yaml")
	require.NoError(t, err)
	instance, err := createProcessInstance(t, "simple-task", nil, "")
	require.NoError(t, err)
	job, err := activityOf(t, instance.Id, "id")
	require.NoError(t, err)

	t.Run("failed job raises incident", func(t *testing.T) {
		err := failJob(t, job.Id, "external worker crashed")
		require.NoError(t, err)

		failed, err := getProcessInstance(t, instance.Id)
		require.NoError(t, err)
		assert.Equal(t, runtime.InstanceFailed, failed.State)

		incidents, err := getIncidents(t, instance.Id)
		require.NoError(t, err)
		require.Len(t, incidents, 1)
		assert.Equal(t, "external worker crashed", incidents[0].Message)
		assert.Nil(t, incidents[0].ResolvedAt)
	})

	t.Run("resolved incident retries the job", func(t *testing.T) {
		incidents, err := getIncidents(t, instance.Id)
		require.NoError(t, err)
		require.Len(t, incidents, 1)

		err = resolveIncident(t, incidents[0].Key)
		require.NoError(t, err)
		running, err := getProcessInstance(t, instance.Id)
		require.NoError(t, err)
		assert.Equal(t, runtime.InstanceRunning, running.State)

		retried, err := activityOf(t, instance.Id, "id")
		require.NoError(t, err)
		require.NoError(t, completeJob(t, retried.Id, map[string]any{"done": true}))
		completed, err := getProcessInstance(t, instance.Id)
		require.NoError(t, err)
		assert.Equal(t, runtime.InstanceCompleted, completed.State)

		err = resolveIncident(t, incidents[0].Key)
		assert.Error(t, err)
	})
}

func resolveIncident(t testing.TB, key int64) error {
	err := app.NewRequest(t).
		WithPath(fmt.Sprintf("/v1/incidents/%d/resolve", key)).
		WithMethod(http.MethodPost).
		DoInto(nil)
	if err != nil {
		return fmt.Errorf("failed to resolve incident: %w", err)
	}
	return nil
}

func getIncidents(t testing.TB, instanceId string) ([]runtime.Incident, error) {
	var resp public.ListResponse[runtime.Incident]
	if err := app.NewRequest(t).WithPath("/v1/instances/" + instanceId + "/incidents").DoInto(&resp); err != nil {
		return nil, fmt.Errorf("failed to get incidents of %s: %w", instanceId, err)
	}
	return resp.Items, nil
}

func failJob(t testing.TB, activityId int64, reason string) error {
	return app.NewRequest(t).
		WithPath(fmt.Sprintf("/v1/jobs/%d/fail", activityId)).
		WithMethod(http.MethodPost).
		WithBody(public.ReasonRequest{Reason: reason}).
		DoInto(nil)
}

func completeJob(t testing.TB, activityId int64, variables map[string]any) error {
	return app.NewRequest(t).
		WithPath(fmt.Sprintf("/v1/jobs/%d/complete", activityId)).
		WithMethod(http.MethodPost).
		WithBody(public.CompleteJobRequest{Variables: variables}).
		DoInto(nil)
}
