package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pbinitiative/zenworkflow/internal/cluster"
	"github.com/pbinitiative/zenworkflow/internal/config"
	apierror "github.com/pbinitiative/zenworkflow/internal/rest/error"
	"github.com/pbinitiative/zenworkflow/internal/rest/middleware"
	"github.com/pbinitiative/zenworkflow/internal/rest/public"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const approvalModel = `
key: approval
name: Approval
nodes:
  - id: start
    type: startEvent
  - id: approve
    name: Approve request
    type: userTask
    userTask:
      candidateUsers: [alice, bob]
  - id: end
    type: endEvent
flows:
  - { id: f1, source: start, target: approve }
  - { id: f2, source: approve, target: end }
`

const signalModel = `
key: signal-event
name: Signal event
nodes:
  - id: start
    type: startEvent
  - id: wait
    type: intermediateCatchEvent
    event: { kind: signal, name: go }
  - id: end
    type: endEvent
flows:
  - { id: f1, source: start, target: wait }
  - { id: f2, source: wait, target: end }
`

const serviceTaskModel = `
key: simple-task
name: Simple task
nodes:
  - id: start
    type: startEvent
  - id: work
    name: Do something
    type: serviceTask
    taskType: external-work
  - id: end
    type: endEvent
flows:
  - { id: f1, source: start, target: work }
  - { id: f2, source: work, target: end }
`

type testServer struct {
	t      *testing.T
	node   *cluster.ZenNode
	http   *httptest.Server
	tenant string
	user   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	var conf config.Config
	conf.Name = "zenworkflow-rest-test"
	conf.Server.Addr = ":0"
	conf.Cluster.NodeId = "rest-node"
	conf.Cluster.ApiAddr = "127.0.0.1:0"
	conf.Cluster.Backend = config.ClusterBackendMemory
	conf.Cluster.HeartbeatInterval = config.TTL(20 * time.Millisecond)
	conf.Cluster.NodeTTL = config.TTL(time.Second)
	conf.Cluster.LeaderTTL = config.TTL(time.Second)
	conf.Cluster.RenewInterval = config.TTL(50 * time.Millisecond)
	conf.Cluster.LockTTL = config.TTL(5 * time.Second)
	conf.Cluster.EvictionInterval = config.TTL(50 * time.Millisecond)
	conf.Persistence.Backend = config.PersistenceBackendMemory
	conf.Persistence.CacheSize = 16
	conf.Persistence.CacheTTL = config.TTL(time.Minute)
	conf.Engine.DueWaitPollInterval = config.TTL(50 * time.Millisecond)
	conf.Engine.MaxNodeVisits = 100
	conf.Engine.SweepConcurrency = 2
	conf.Engine.SweepBatchSize = 100
	conf.Engine.ScriptVmPoolMin = 1
	conf.Engine.ScriptVmPoolMax = 2

	node, err := cluster.StartZenNode(t.Context(), conf)
	require.NoError(t, err)
	srv := httptest.NewServer(NewServer(node, conf, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		assert.NoError(t, node.Stop())
	})
	return &testServer{t: t, node: node, http: srv}
}

// as returns a copy of ts sending requests for tenant and user.
func (ts *testServer) as(tenant string, user string) *testServer {
	c := *ts
	c.tenant = tenant
	c.user = user
	return &c
}

func (ts *testServer) do(method string, path string, contentType string, body []byte) (int, []byte) {
	ts.t.Helper()
	req, err := http.NewRequestWithContext(ts.t.Context(), method, ts.http.URL+path, bytes.NewReader(body))
	require.NoError(ts.t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if ts.tenant != "" {
		req.Header.Set(middleware.TenantHeader, ts.tenant)
	}
	if ts.user != "" {
		req.Header.Set(middleware.UserHeader, ts.user)
	}
	resp, err := ts.http.Client().Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(ts.t, err)
	return resp.StatusCode, data
}

func (ts *testServer) json(method string, path string, body any, wantStatus int, out any) {
	ts.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(ts.t, err)
	}
	status, data := ts.do(method, path, contentTypeJSON, payload)
	require.Equal(ts.t, wantStatus, status, string(data))
	if out != nil {
		require.NoError(ts.t, json.Unmarshal(data, out))
	}
}

func (ts *testServer) apiError(method string, path string, body any, wantStatus int) apierror.ApiError {
	ts.t.Helper()
	var res apierror.ApiError
	ts.json(method, path, body, wantStatus, &res)
	return res
}

func (ts *testServer) deploy(model string) runtime.ProcessVersion {
	ts.t.Helper()
	status, data := ts.do(http.MethodPost, "/v1/definitions", contentTypeYAML, []byte(model))
	require.Equal(ts.t, http.StatusCreated, status, string(data))
	var version runtime.ProcessVersion
	require.NoError(ts.t, json.Unmarshal(data, &version))
	ts.json(http.MethodPost, fmt.Sprintf("/v1/definitions/%s/versions/%d/publish", version.Key, version.Version), nil, http.StatusOK, &version)
	return version
}

func (ts *testServer) start(key string, variables map[string]any) runtime.ProcessInstance {
	ts.t.Helper()
	var instance runtime.ProcessInstance
	ts.json(http.MethodPost, "/v1/instances", public.StartInstanceRequest{DefinitionKey: key, Variables: variables}, http.StatusCreated, &instance)
	return instance
}

func (ts *testServer) instance(id string) runtime.ProcessInstance {
	ts.t.Helper()
	var instance runtime.ProcessInstance
	ts.json(http.MethodGet, "/v1/instances/"+id, nil, http.StatusOK, &instance)
	return instance
}

func TestDefinitionLifecycle(t *testing.T) {
	// setup
	ts := newTestServer(t)

	// when
	version := ts.deploy(approvalModel)

	// then
	assert.Equal(t, "approval", version.Key)
	assert.Equal(t, int32(1), version.Version)
	assert.Equal(t, runtime.DefinitionPublished, version.Status)

	var definitions public.ListResponse[runtime.ProcessDefinition]
	ts.json(http.MethodGet, "/v1/definitions", nil, http.StatusOK, &definitions)
	require.Equal(t, 1, definitions.Count)
	assert.Equal(t, int32(1), definitions.Items[0].PublishedVersion)

	status, data := ts.do(http.MethodPost, "/v1/definitions/approval/versions", contentTypeYAML, []byte(approvalModel))
	require.Equal(t, http.StatusCreated, status, string(data))
	var versions public.ListResponse[runtime.ProcessVersion]
	ts.json(http.MethodGet, "/v1/definitions/approval/versions", nil, http.StatusOK, &versions)
	assert.Equal(t, 2, versions.Count)

	var draft runtime.ProcessVersion
	ts.json(http.MethodGet, "/v1/definitions/approval/versions/2", nil, http.StatusOK, &draft)
	assert.Equal(t, runtime.DefinitionDraft, draft.Status)
}

func TestDefinitionExportsBpmnXml(t *testing.T) {
	// setup
	ts := newTestServer(t)
	ts.deploy(approvalModel)

	// when
	status, data := ts.do(http.MethodGet, "/v1/definitions/approval/xml", "", nil)

	// then
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Contains(t, string(data), "userTask")
	assert.Contains(t, string(data), `id="approve"`)
}

func TestDefinitionYamlExportCreatesEqualVersion(t *testing.T) {
	// setup
	ts := newTestServer(t)
	published := ts.deploy(approvalModel)

	// given
	status, data := ts.do(http.MethodGet, "/v1/definitions/approval/yaml", "", nil)
	require.Equal(t, http.StatusOK, status, string(data))

	// when
	status, data = ts.do(http.MethodPost, "/v1/definitions/approval/versions", contentTypeYAML, data)

	// then
	require.Equal(t, http.StatusCreated, status, string(data))
	var draft runtime.ProcessVersion
	require.NoError(t, json.Unmarshal(data, &draft))
	assert.Equal(t, int32(2), draft.Version)
	assert.Equal(t, published.Checksum, draft.Checksum)
}

func TestCreateDefinitionRejectsMalformedBody(t *testing.T) {
	// setup
	ts := newTestServer(t)

	// when
	status, data := ts.do(http.MethodPost, "/v1/definitions", contentTypeJSON, []byte("{"))

	// then
	assert.Equal(t, http.StatusBadRequest, status)
	var res apierror.ApiError
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, apierror.TypeBadRequest, res.Type)
}

func TestPublishInvalidModelReportsIssues(t *testing.T) {
	// setup
	ts := newTestServer(t)
	noStart := `
key: broken
nodes:
  - id: end
    type: endEvent
`
	status, data := ts.do(http.MethodPost, "/v1/definitions", contentTypeYAML, []byte(noStart))
	require.Equal(t, http.StatusCreated, status, string(data))

	// when
	res := ts.apiError(http.MethodPost, "/v1/definitions/broken/versions/1/publish", nil, http.StatusUnprocessableEntity)

	// then
	assert.Equal(t, "ValidationFailed", res.Code)
	assert.NotEmpty(t, res.Issues)
}

func TestValidateDefinitionDoesNotStore(t *testing.T) {
	// setup
	ts := newTestServer(t)

	// when
	status, data := ts.do(http.MethodPost, "/v1/definitions/validate", contentTypeYAML, []byte(signalModel))

	// then
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Contains(t, string(data), "issues")
	var definitions public.ListResponse[runtime.ProcessDefinition]
	ts.json(http.MethodGet, "/v1/definitions", nil, http.StatusOK, &definitions)
	assert.Zero(t, definitions.Count)
}

func TestInstanceLifecycle(t *testing.T) {
	// setup
	ts := newTestServer(t)
	ts.deploy(signalModel)

	// given
	instance := ts.start("signal-event", map[string]any{"amount": 5})
	require.Equal(t, runtime.InstanceRunning, instance.State)

	// when
	var suspended runtime.ProcessInstance
	ts.json(http.MethodPost, "/v1/instances/"+instance.Id+"/suspend", public.ReasonRequest{Reason: "maintenance"}, http.StatusOK, &suspended)
	signalWhileSuspended := ts.apiError(http.MethodPost, "/v1/instances/"+instance.Id+"/signal", public.SignalRequest{Name: "go"}, http.StatusConflict)
	var resumed runtime.ProcessInstance
	ts.json(http.MethodPost, "/v1/instances/"+instance.Id+"/resume", nil, http.StatusOK, &resumed)
	var signal public.SignalResponse
	ts.json(http.MethodPost, "/v1/instances/"+instance.Id+"/signal", public.SignalRequest{Name: "go"}, http.StatusOK, &signal)

	// then
	assert.Equal(t, runtime.InstanceSuspended, suspended.State)
	assert.Equal(t, "maintenance", suspended.StateReason)
	assert.NotEmpty(t, signalWhileSuspended.Code)
	assert.Equal(t, runtime.InstanceRunning, resumed.State)
	assert.Equal(t, 1, signal.Resumed)
	assert.Equal(t, runtime.InstanceCompleted, ts.instance(instance.Id).State)

	var history public.ListResponse[runtime.ActivityInstance]
	ts.json(http.MethodGet, "/v1/instances/"+instance.Id+"/activities", nil, http.StatusOK, &history)
	assert.GreaterOrEqual(t, history.Count, 3)
}

func TestInstanceVariables(t *testing.T) {
	// setup
	ts := newTestServer(t)
	ts.deploy(signalModel)
	instance := ts.start("signal-event", map[string]any{"amount": 5})

	// when
	var variables map[string]any
	ts.json(http.MethodPut, "/v1/instances/"+instance.Id+"/variables", map[string]any{"approved": true}, http.StatusOK, &variables)

	// then
	assert.Equal(t, map[string]any{"amount": float64(5), "approved": true}, variables)
}

func TestCancelledInstanceRejectsSignals(t *testing.T) {
	// setup
	ts := newTestServer(t)
	ts.deploy(signalModel)
	instance := ts.start("signal-event", nil)

	// when
	var cancelled runtime.ProcessInstance
	ts.json(http.MethodPost, "/v1/instances/"+instance.Id+"/cancel", public.ReasonRequest{Reason: "obsolete"}, http.StatusOK, &cancelled)
	res := ts.apiError(http.MethodPost, "/v1/instances/"+instance.Id+"/resume", nil, http.StatusConflict)

	// then
	assert.Equal(t, runtime.InstanceCancelled, cancelled.State)
	assert.NotEmpty(t, res.Message)
}

func TestFindInstancesFilters(t *testing.T) {
	// setup
	ts := newTestServer(t)
	ts.deploy(signalModel)
	ts.deploy(serviceTaskModel)

	// given
	first := ts.start("signal-event", nil)
	ts.start("signal-event", nil)
	ts.start("simple-task", nil)
	ts.json(http.MethodPost, "/v1/instances/"+first.Id+"/cancel", nil, http.StatusOK, nil)

	// when
	var byKey, running public.ListResponse[runtime.ProcessInstance]
	ts.json(http.MethodGet, "/v1/instances?definitionKey=signal-event", nil, http.StatusOK, &byKey)
	ts.json(http.MethodGet, "/v1/instances?definitionKey=signal-event&state=RUNNING", nil, http.StatusOK, &running)

	// then
	assert.Equal(t, 2, byKey.Count)
	assert.Equal(t, 1, running.Count)
	ts.apiError(http.MethodGet, "/v1/instances?limit=-1", nil, http.StatusBadRequest)
}

func TestInstancesAreScopedToTenant(t *testing.T) {
	// setup
	ts := newTestServer(t)
	ts.deploy(signalModel)
	instance := ts.start("signal-event", nil)

	// when
	res := ts.as("other-tenant", "").apiError(http.MethodGet, "/v1/instances/"+instance.Id, nil, http.StatusNotFound)
	var others public.ListResponse[runtime.ProcessInstance]
	ts.as("other-tenant", "").json(http.MethodGet, "/v1/instances", nil, http.StatusOK, &others)

	// then
	assert.Equal(t, "InstanceNotFound", res.Code)
	assert.Zero(t, others.Count)
}

func TestUnknownInstanceIsNotFound(t *testing.T) {
	// setup
	ts := newTestServer(t)

	// when
	res := ts.apiError(http.MethodGet, "/v1/instances/does-not-exist", nil, http.StatusNotFound)

	// then
	assert.Equal(t, "InstanceNotFound", res.Code)
}

func TestExternalJobCompletion(t *testing.T) {
	// setup
	ts := newTestServer(t)
	ts.deploy(serviceTaskModel)
	instance := ts.start("simple-task", nil)

	// given
	var history public.ListResponse[runtime.ActivityInstance]
	ts.json(http.MethodGet, "/v1/instances/"+instance.Id+"/activities", nil, http.StatusOK, &history)
	var job runtime.ActivityInstance
	for _, a := range history.Items {
		if a.NodeId == "work" {
			job = a
		}
	}
	require.NotZero(t, job.Id)

	// when
	ts.json(http.MethodPost, fmt.Sprintf("/v1/jobs/%d/complete", job.Id), public.CompleteJobRequest{Variables: map[string]any{"done": true}}, http.StatusNoContent, nil)

	// then
	completed := ts.instance(instance.Id)
	assert.Equal(t, runtime.InstanceCompleted, completed.State)
	ts.apiError(http.MethodPost, fmt.Sprintf("/v1/jobs/%d/complete", job.Id), nil, http.StatusConflict)
}

func TestUserTaskFlow(t *testing.T) {
	// setup
	ts := newTestServer(t)
	ts.deploy(approvalModel)
	instance := ts.start("approval", nil)

	// given
	var tasks public.ListResponse[runtime.HumanTask]
	ts.json(http.MethodGet, "/v1/tasks?instanceId="+instance.Id, nil, http.StatusOK, &tasks)
	require.Equal(t, 1, tasks.Count)
	task := tasks.Items[0]
	taskPath := fmt.Sprintf("/v1/tasks/%d", task.Id)

	// when
	anonymous := ts.apiError(http.MethodPost, taskPath+"/claim", nil, http.StatusBadRequest)
	reserved := ts.as("", "system").apiError(http.MethodPost, taskPath+"/claim", nil, http.StatusBadRequest)
	stranger := ts.as("", "mallory").apiError(http.MethodPost, taskPath+"/claim", nil, http.StatusBadRequest)
	alice := ts.as("", "alice")
	var claimed, commented, completed runtime.HumanTask
	alice.json(http.MethodPost, taskPath+"/claim", nil, http.StatusOK, &claimed)
	alice.json(http.MethodPost, taskPath+"/comments", public.CommentRequest{Text: "looks good"}, http.StatusOK, &commented)
	alice.json(http.MethodPost, taskPath+"/complete", public.CompleteTaskRequest{Action: "approve", Variables: map[string]any{"approved": true}}, http.StatusOK, &completed)

	// then
	assert.Equal(t, "InvalidOperation", anonymous.Code)
	assert.Contains(t, reserved.Message, "reserved")
	assert.NotEmpty(t, stranger.Message)
	assert.Equal(t, runtime.TaskClaimed, claimed.Status)
	assert.Equal(t, "alice", claimed.Assignee)
	assert.Equal(t, runtime.TaskCompleted, completed.Status)
	assert.Equal(t, runtime.InstanceCompleted, ts.instance(instance.Id).State)

	var history public.ListResponse[runtime.TaskAction]
	ts.json(http.MethodGet, taskPath+"/history", nil, http.StatusOK, &history)
	assert.GreaterOrEqual(t, history.Count, 3)
}

func TestDelegateRequiresTarget(t *testing.T) {
	// setup
	ts := newTestServer(t)
	ts.deploy(approvalModel)
	instance := ts.start("approval", nil)
	var tasks public.ListResponse[runtime.HumanTask]
	ts.json(http.MethodGet, "/v1/tasks?instanceId="+instance.Id, nil, http.StatusOK, &tasks)
	require.Equal(t, 1, tasks.Count)
	taskPath := fmt.Sprintf("/v1/tasks/%d", tasks.Items[0].Id)
	alice := ts.as("", "alice")
	alice.json(http.MethodPost, taskPath+"/claim", nil, http.StatusOK, nil)

	// when
	missing := alice.apiError(http.MethodPost, taskPath+"/delegate", public.DelegateTaskRequest{}, http.StatusBadRequest)
	var delegated runtime.HumanTask
	alice.json(http.MethodPost, taskPath+"/delegate", public.DelegateTaskRequest{UserId: "bob"}, http.StatusOK, &delegated)

	// then
	assert.Equal(t, apierror.TypeBadRequest, missing.Type)
	assert.Equal(t, runtime.TaskDelegated, delegated.Status)
	assert.Equal(t, "bob", delegated.Assignee)
}

func TestTaskIdMustBeNumeric(t *testing.T) {
	// setup
	ts := newTestServer(t)

	// when
	res := ts.apiError(http.MethodGet, "/v1/tasks/abc", nil, http.StatusBadRequest)

	// then
	assert.Contains(t, res.Message, "taskId")
}

func TestMigrationRoutes(t *testing.T) {
	// setup
	ts := newTestServer(t)
	ts.deploy(approvalModel)
	instance := ts.start("approval", nil)
	v2 := strings.Replace(approvalModel, "name: Approval", "name: Approval v2", 1)
	status, data := ts.do(http.MethodPost, "/v1/definitions/approval/versions", contentTypeYAML, []byte(v2))
	require.Equal(t, http.StatusCreated, status, string(data))

	// given
	var plan runtime.MigrationPlan
	ts.json(http.MethodPost, "/v1/migrations/plans", public.GenerateMigrationPlanRequest{
		Source: runtime.VersionRef{Key: "approval", Version: 1},
		Target: runtime.VersionRef{Key: "approval", Version: 2},
	}, http.StatusCreated, &plan)
	var loaded runtime.MigrationPlan
	ts.json(http.MethodGet, fmt.Sprintf("/v1/migrations/plans/%d", plan.Id), nil, http.StatusOK, &loaded)
	var validation struct {
		Issues []any `json:"issues"`
	}
	ts.json(http.MethodPost, "/v1/migrations/plans/validate", plan, http.StatusOK, &validation)

	// when
	var execution runtime.MigrationExecution
	ts.json(http.MethodPost, "/v1/migrations/executions", public.ExecuteMigrationRequest{PlanId: plan.Id, InstanceIds: []string{instance.Id}}, http.StatusCreated, &execution)
	migrated := ts.instance(instance.Id)
	var rollback runtime.MigrationExecution
	ts.json(http.MethodPost, fmt.Sprintf("/v1/migrations/executions/%d/rollback", execution.Id), nil, http.StatusCreated, &rollback)

	// then
	assert.Equal(t, plan.Id, loaded.Id)
	assert.Empty(t, validation.Issues)
	require.Len(t, execution.Results, 1)
	assert.True(t, execution.Results[0].Success, execution.Results[0].Error)
	assert.Equal(t, int32(2), migrated.Version)
	assert.Equal(t, runtime.MigrationRollback, rollback.Kind)
	assert.Equal(t, int32(1), ts.instance(instance.Id).Version)
	ts.apiError(http.MethodPost, "/v1/migrations/executions", public.ExecuteMigrationRequest{PlanId: plan.Id}, http.StatusBadRequest)
}

func TestDashboardSummarizesTenant(t *testing.T) {
	// setup
	ts := newTestServer(t)
	ts.deploy(approvalModel)
	ts.deploy(signalModel)

	// given
	ts.start("approval", nil)
	ts.start("signal-event", nil)

	// when
	var dashboard public.Dashboard
	ts.json(http.MethodGet, "/system/dashboard", nil, http.StatusOK, &dashboard)

	// then
	assert.Equal(t, "default", dashboard.TenantId)
	assert.Equal(t, 2, dashboard.Definitions)
	assert.Equal(t, 2, dashboard.Instances[runtime.InstanceRunning])
	assert.Equal(t, 1, dashboard.OpenTasks)
	assert.Equal(t, "rest-node", dashboard.NodeId)
}

func TestClusterRoutes(t *testing.T) {
	// setup
	ts := newTestServer(t)
	require.Eventually(t, ts.node.Coordinator().IsLeader, 5*time.Second, 10*time.Millisecond)

	// when
	var leader public.LeaderResponse
	ts.json(http.MethodGet, "/system/cluster/leader", nil, http.StatusOK, &leader)
	var nodes public.NodesResponse
	ts.json(http.MethodGet, "/system/cluster/nodes", nil, http.StatusOK, &nodes)
	forwarded := ts.apiError(http.MethodPost, "/system/cluster/leases/acquire", map[string]any{"type": "acquire", "key": "locks/x"}, http.StatusNotFound)

	// then
	assert.Equal(t, "rest-node", leader.LeaderId)
	assert.True(t, leader.IsLeader)
	require.Len(t, nodes.Nodes, 1)
	assert.Equal(t, "rest-node", nodes.Nodes[0].Id)
	assert.Contains(t, forwarded.Message, "raft")
}

func TestSystemMetricsAndCache(t *testing.T) {
	// setup
	ts := newTestServer(t)

	// when
	metricsStatus, _ := ts.do(http.MethodGet, "/system/metrics", "", nil)
	cacheStatus, _ := ts.do(http.MethodPost, "/system/cache/clear", "", nil)

	// then
	assert.Equal(t, http.StatusOK, metricsStatus)
	assert.Equal(t, http.StatusNoContent, cacheStatus)
}
