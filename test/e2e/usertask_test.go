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

func TestRestApiUsertask(t *testing.T) {
	_, err := deployDefinition(t, "approval.yaml")
	require.NoError(t, err)
	instance, err := createProcessInstance(t, "approval", map[string]any{"amount": 250}, "")
	require.NoError(t, err)

	tasks, err := getTasks(t, "?instanceId="+instance.Id)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, runtime.TaskCreated, task.Status)
	assert.Equal(t, "approval-form", task.FormKey)

	t.Run("candidate sees the task", func(t *testing.T) {
		candidate, err := getTasks(t, "?candidateUser=bob&instanceId="+instance.Id)
		require.NoError(t, err)
		assert.Len(t, candidate, 1)
	})

	t.Run("non candidate can not claim", func(t *testing.T) {
		_, status, _, err := app.NewRequest(t).
			WithPath(fmt.Sprintf("/v1/tasks/%d/claim", task.Id)).
			WithMethod(http.MethodPost).
			WithUser("mallory").
			Do()
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("claim delegate and complete", func(t *testing.T) {
		claimed, err := taskAction(t, task.Id, "claim", "alice", nil)
		require.NoError(t, err)
		assert.Equal(t, "alice", claimed.Assignee)

		delegated, err := taskAction(t, task.Id, "delegate", "alice", public.DelegateTaskRequest{UserId: "bob"})
		require.NoError(t, err)
		assert.Equal(t, runtime.TaskDelegated, delegated.Status)
		assert.Equal(t, "alice", delegated.Owner)

		commented, err := taskAction(t, task.Id, "comments", "bob", public.CommentRequest{Text: "amount checked"})
		require.NoError(t, err)
		assert.Equal(t, "bob", commented.Assignee)

		completed, err := taskAction(t, task.Id, "complete", "bob", public.CompleteTaskRequest{
			Action:    "approve",
			Variables: map[string]any{"approved": true},
		})
		require.NoError(t, err)
		assert.Equal(t, runtime.TaskCompleted, completed.Status)

		finished, err := getProcessInstance(t, instance.Id)
		require.NoError(t, err)
		assert.Equal(t, runtime.InstanceCompleted, finished.State)
		assert.Equal(t, true, finished.Variables["approved"])
	})

	t.Run("history records every action", func(t *testing.T) {
		var history public.ListResponse[runtime.TaskAction]
		err := app.NewRequest(t).WithPath(fmt.Sprintf("/v1/tasks/%d/history", task.Id)).DoInto(&history)
		require.NoError(t, err)
		kinds := make([]runtime.TaskActionKind, 0, history.Count)
		for _, action := range history.Items {
			kinds = append(kinds, action.Kind)
		}
		assert.Contains(t, kinds, runtime.TaskActionClaimed)
		assert.Contains(t, kinds, runtime.TaskActionDelegated)
	})
}

func getTasks(t testing.TB, query string) ([]runtime.HumanTask, error) {
	var resp public.ListResponse[runtime.HumanTask]
	if err := app.NewRequest(t).WithPath("/v1/tasks" + query).DoInto(&resp); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return resp.Items, nil
}

func taskAction(t testing.TB, taskId int64, action string, userId string, body any) (runtime.HumanTask, error) {
	var task runtime.HumanTask
	req := app.NewRequest(t).
		WithPath(fmt.Sprintf("/v1/tasks/%d/%s", taskId, action)).
		WithMethod(http.MethodPost).
		WithUser(userId)
	if body != nil {
		req = req.WithBody(body)
	}
	if err := req.DoInto(&task); err != nil {
		return task, fmt.Errorf("failed to %s task %d: %w", action, taskId, err)
	}
	return task, nil
}
