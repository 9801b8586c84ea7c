package bpmn

import (
	"testing"

	"github.com/pbinitiative/zenworkflow/internal/appcontext"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDefinitionStoresDraft(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	m := loadModel(t, "simple_task.yaml")

	// when
	version, err := engine.CreateDefinition(t.Context(), testTenant, m)

	// then
	require.NoError(t, err)
	assert.Equal(t, int32(1), version.Version)
	assert.Equal(t, runtime.DefinitionDraft, version.Status)
	assert.Equal(t, model.Checksum(m), version.Checksum)

	// when
	_, err = engine.CreateDefinition(t.Context(), testTenant, m)

	// then
	assert.ErrorIs(t, err, zenerr.ErrInvalidOperation)
}

func TestPublishDeprecatesPreviousVersion(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	first := engine.deploy(t, "simple_task.yaml")

	// given
	second, err := engine.CreateVersion(t.Context(), testTenant, first.Key, loadModel(t, "simple_task.yaml"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), second.Version)

	// when
	require.NoError(t, engine.Publish(t.Context(), testTenant, first.Key, second.Version))

	// then
	definition, err := engine.GetDefinition(t.Context(), testTenant, first.Key)
	require.NoError(t, err)
	assert.Equal(t, int32(2), definition.PublishedVersion)
	assert.Equal(t, int32(2), definition.LatestVersion)
	versions, err := engine.ListVersions(t.Context(), testTenant, first.Key)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	published := 0
	for _, v := range versions {
		if v.Status == runtime.DefinitionPublished {
			published++
		}
	}
	assert.Equal(t, 1, published)
	assert.Equal(t, runtime.DefinitionDeprecated, versions[0].Status)
	latest, err := engine.GetByKey(t.Context(), testTenant, first.Key, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(2), latest.Version)
}

func TestPublishRejectsInvalidModel(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	m := loadModel(t, "simple_task.yaml")
	m.Flows = m.Flows[:1]
	version, err := engine.CreateDefinition(t.Context(), testTenant, m)
	require.NoError(t, err)

	// when
	err = engine.Publish(t.Context(), testTenant, version.Key, version.Version)

	// then
	assert.ErrorIs(t, err, zenerr.ErrValidationFailed)
	zerr, ok := zenerr.As(err)
	require.True(t, ok)
	assert.NotEmpty(t, zerr.Issues)
	stored, err := engine.GetByKey(t.Context(), testTenant, version.Key, version.Version)
	require.NoError(t, err)
	assert.Equal(t, runtime.DefinitionDraft, stored.Status)
}

func TestPublishOnlyDrafts(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	version := engine.deploy(t, "simple_task.yaml")

	// when
	err := engine.Publish(t.Context(), testTenant, version.Key, version.Version)

	// then
	assert.ErrorIs(t, err, zenerr.ErrInvalidStateTransition)
}

func TestDeprecatePublishedRequiresForce(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	version := engine.deploy(t, "simple_task.yaml")

	// when
	err := engine.Deprecate(t.Context(), testTenant, version.Key, version.Version, false)

	// then
	assert.ErrorIs(t, err, zenerr.ErrInvalidStateTransition)

	// when
	require.NoError(t, engine.Deprecate(t.Context(), testTenant, version.Key, version.Version, true))

	// then
	_, err = engine.StartInstance(t.Context(), testTenant, version.Key, 0, nil, "")
	assert.ErrorIs(t, err, zenerr.ErrDefinitionNotFound)
	require.NoError(t, engine.Deprecate(t.Context(), testTenant, version.Key, version.Version, false))
}

func TestRunningInstancesKeepTheirVersion(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "signal_event.yaml")
	instance := engine.start(t, "signal-event", nil)

	// given
	m := loadModel(t, "signal_event.yaml")
	m.Nodes[1].Event.Name = "proceed"
	second, err := engine.CreateVersion(t.Context(), testTenant, "signal-event", m)
	require.NoError(t, err)
	require.NoError(t, engine.Publish(t.Context(), testTenant, "signal-event", second.Version))

	// when
	resumed, err := engine.Signal(t.Context(), instance.Id, "go", nil)

	// then
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	completed := engine.instance(t, instance.Id)
	assert.Equal(t, int32(1), completed.Version)
	assert.Equal(t, runtime.InstanceCompleted, completed.State)
	assert.Equal(t, int32(2), engine.start(t, "signal-event", nil).Version)
}

func TestDefinitionsAreTenantScoped(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "simple_task.yaml")

	// when
	_, err := engine.GetDefinition(t.Context(), "globex", "simple-task")
	definitions, listErr := engine.ListDefinitions(t.Context(), testTenant)

	// then
	assert.ErrorIs(t, err, zenerr.ErrDefinitionNotFound)
	require.NoError(t, listErr)
	require.Len(t, definitions, 1)
	assert.Equal(t, "simple-task", definitions[0].Key)

	// when
	_, err = engine.StartInstance(appcontext.WithTenant(t.Context(), testTenant), "globex", "simple-task", 0, nil, "")

	// then
	assert.ErrorIs(t, err, zenerr.ErrDefinitionNotFound)
}

func TestRestrictedCallerCanNotReachOtherTenantsDefinitions(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "simple_task.yaml")
	ctx := appcontext.WithTenant(t.Context(), "globex")

	// when
	_, getErr := engine.GetDefinition(ctx, testTenant, "simple-task")
	_, byKeyErr := engine.GetByKey(ctx, testTenant, "simple-task", 1)
	_, versionsErr := engine.ListVersions(ctx, testTenant, "simple-task")
	_, createVersionErr := engine.CreateVersion(ctx, testTenant, "simple-task", loadModel(t, "simple_task.yaml"))
	deprecateErr := engine.Deprecate(ctx, testTenant, "simple-task", 1, true)
	_, createErr := engine.CreateDefinition(ctx, testTenant, loadModel(t, "approval.yaml"))
	definitions, listErr := engine.ListDefinitions(ctx, testTenant)

	// then
	assert.ErrorIs(t, getErr, zenerr.ErrDefinitionNotFound)
	assert.ErrorIs(t, byKeyErr, zenerr.ErrDefinitionNotFound)
	assert.ErrorIs(t, versionsErr, zenerr.ErrDefinitionNotFound)
	assert.ErrorIs(t, createVersionErr, zenerr.ErrDefinitionNotFound)
	assert.ErrorIs(t, deprecateErr, zenerr.ErrDefinitionNotFound)
	assert.ErrorIs(t, createErr, zenerr.ErrInvalidOperation)
	require.NoError(t, listErr)
	assert.Empty(t, definitions)
	published, err := engine.GetByKey(t.Context(), testTenant, "simple-task", 0)
	require.NoError(t, err)
	assert.Equal(t, runtime.DefinitionPublished, published.Status)
}

func TestClearCacheKeepsVersionsLoadable(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "signal_event.yaml")
	instance := engine.start(t, "signal-event", nil)

	// when
	engine.ClearCache()
	resumed, err := engine.Signal(t.Context(), instance.Id, "go", nil)

	// then
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
}
