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

func TestRestApiMigration(t *testing.T) {
	_, err := deployDefinition(t, "migration_v1.yaml")
	require.NoError(t, err)
	instance, err := createProcessInstance(t, "order", nil, "")
	require.NoError(t, err)

	v2, err := readTestCase("migration_v2.yaml")
	require.NoError(t, err)
	var target runtime.ProcessVersion
	err = app.NewRequest(t).
		WithPath("/v1/definitions/order/versions").
		WithMethod(http.MethodPost).
		WithRawBody(v2, "application/yaml").
		DoInto(&target)
	require.NoError(t, err)

	var plan runtime.MigrationPlan
	t.Run("generate plan", func(t *testing.T) {
		err := app.NewRequest(t).
			WithPath("/v1/migrations/plans").
			WithMethod(http.MethodPost).
			WithBody(public.GenerateMigrationPlanRequest{
				Source: runtime.VersionRef{Key: "order", Version: 1},
				Target: runtime.VersionRef{Key: "order", Version: target.Version},
			}).
			DoInto(&plan)
		require.NoError(t, err)
		mapped, ok := plan.Lookup("review")
		assert.True(t, ok)
		assert.Equal(t, "check", mapped)
		assert.NotEmpty(t, plan.Warnings)
	})

	var execution runtime.MigrationExecution
	t.Run("execute plan", func(t *testing.T) {
		err := app.NewRequest(t).
			WithPath("/v1/migrations/executions").
			WithMethod(http.MethodPost).
			WithBody(public.ExecuteMigrationRequest{PlanId: plan.Id, InstanceIds: []string{instance.Id}}).
			DoInto(&execution)
		require.NoError(t, err)
		require.Len(t, execution.Results, 1)
		assert.True(t, execution.Results[0].Success, execution.Results[0].Error)

		migrated, err := getProcessInstance(t, instance.Id)
		require.NoError(t, err)
		assert.Equal(t, target.Version, migrated.Version)
		_, err = activityOf(t, instance.Id, "check")
		assert.NoError(t, err)
	})

	t.Run("rollback execution", func(t *testing.T) {
		var rollback runtime.MigrationExecution
		err := app.NewRequest(t).
			WithPath(fmt.Sprintf("/v1/migrations/executions/%d/rollback", execution.Id)).
			WithMethod(http.MethodPost).
			DoInto(&rollback)
		require.NoError(t, err)
		assert.Equal(t, execution.Id, rollback.RollbackOf)

		restored, err := getProcessInstance(t, instance.Id)
		require.NoError(t, err)
		assert.Equal(t, int32(1), restored.Version)

		var stored runtime.MigrationExecution
		err = app.NewRequest(t).WithPath(fmt.Sprintf("/v1/migrations/executions/%d", rollback.Id)).DoInto(&stored)
		require.NoError(t, err)
		assert.Equal(t, runtime.MigrationRollback, stored.Kind)
	})
}
