// Package storagetest holds the behavioural test suite every storage.Storage
// implementation has to pass.
package storagetest

import (
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	stdruntime "runtime"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenworkflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type StorageTestFunc func(s storage.Storage, t *testing.T) func(t *testing.T)

type StorageTester struct {
	seq             atomic.Int64
	tenantId        string
	processInstance runtime.ProcessInstance
}

func (st *StorageTester) GetTests() map[string]StorageTestFunc {
	tests := map[string]StorageTestFunc{}

	// all test functions need to be registered here
	functions := []StorageTestFunc{
		st.TestProcessDefinitionStorageWriter,
		st.TestProcessDefinitionStorageReader,
		st.TestProcessInstanceStorageWriter,
		st.TestProcessInstanceStorageReader,
		st.TestActivityStorageReader,
		st.TestScopeStorage,
		st.TestHumanTaskStorageWriter,
		st.TestHumanTaskStorageReader,
		st.TestIncidentStorage,
		st.TestMigrationStorage,
		st.TestBatchFlush,
		st.TestBatchIsAtomic,
	}

	for _, function := range functions {
		funcName := getFunctionName(function)
		strippedName := funcName[strings.LastIndex(funcName, ".")+1:]
		strippedName = strings.TrimSuffix(strippedName, "-fm")
		tests[strippedName] = function
	}
	return tests
}

func getFunctionName(i any) string {
	return stdruntime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}

func (st *StorageTester) nextId() int64 {
	return st.seq.Add(1)
}

// PrepareTestData will prepare common data for the tests
func (st *StorageTester) PrepareTestData(s storage.Storage, t *testing.T) {
	st.seq.Store(time.Now().Unix())
	st.tenantId = fmt.Sprintf("tenant-%d", st.nextId())

	st.processInstance = getProcessInstance(fmt.Sprintf("pi-%d", st.nextId()), st.tenantId, "shared")
	err := s.SaveProcessInstance(t.Context(), st.processInstance)
	require.NoError(t, err)
}

func getModel(key string) *model.Process {
	return &model.Process{
		Key: key,
		Nodes: []model.Node{
			{Id: "start", Type: model.NodeTypeStartEvent},
			{Id: "end", Type: model.NodeTypeEndEvent},
		},
		Flows: []model.Flow{{Id: "f1", Source: "start", Target: "end"}},
	}
}

func getVersion(tenantId, key string) runtime.ProcessVersion {
	return runtime.ProcessVersion{
		TenantId:  tenantId,
		Key:       key,
		Status:    runtime.DefinitionDraft,
		Model:     getModel(key),
		Checksum:  "abc",
		CreatedAt: time.Now().Truncate(time.Millisecond),
	}
}

func getProcessInstance(id, tenantId, key string) runtime.ProcessInstance {
	return runtime.ProcessInstance{
		Id:            id,
		TenantId:      tenantId,
		DefinitionKey: key,
		Version:       1,
		State:         runtime.InstanceRunning,
		Variables: runtime.Variables{
			"v1":   int64(123),
			"var2": "val2",
		},
		CreatedAt: time.Now().Truncate(time.Millisecond),
		UpdatedAt: time.Now().Truncate(time.Millisecond),
	}
}

func (st *StorageTester) TestProcessDefinitionStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		key := fmt.Sprintf("order-%d", st.nextId())
		now := time.Now().Truncate(time.Millisecond)

		err := s.CreateDefinition(ctx, runtime.ProcessDefinition{TenantId: st.tenantId, Key: key, CreatedAt: now}, getVersion(st.tenantId, key))
		require.NoError(t, err)

		err = s.CreateDefinition(ctx, runtime.ProcessDefinition{TenantId: st.tenantId, Key: key}, getVersion(st.tenantId, key))
		assert.ErrorIs(t, err, storage.ErrConflict)

		v2, err := s.AppendVersion(ctx, st.tenantId, key, getVersion(st.tenantId, key))
		require.NoError(t, err)
		assert.Equal(t, int32(2), v2.Version)

		// publishing v1 and then v2 deprecates v1
		require.NoError(t, s.PublishVersion(ctx, st.tenantId, key, 1, now))
		require.NoError(t, s.PublishVersion(ctx, st.tenantId, key, 2, now))

		v1, err := s.FindVersion(ctx, st.tenantId, key, 1)
		require.NoError(t, err)
		assert.Equal(t, runtime.DefinitionDeprecated, v1.Status)

		def, err := s.FindDefinition(ctx, st.tenantId, key)
		require.NoError(t, err)
		assert.Equal(t, int32(2), def.PublishedVersion)
		assert.Equal(t, int32(2), def.LatestVersion)

		// a deprecated version is not a draft
		err = s.PublishVersion(ctx, st.tenantId, key, 1, now)
		assert.ErrorIs(t, err, storage.ErrInvalidState)

		err = s.DeprecateVersion(ctx, st.tenantId, key, 2, false, now)
		assert.ErrorIs(t, err, storage.ErrInvalidState)

		require.NoError(t, s.DeprecateVersion(ctx, st.tenantId, key, 2, true, now))
		def, err = s.FindDefinition(ctx, st.tenantId, key)
		require.NoError(t, err)
		assert.Equal(t, int32(0), def.PublishedVersion)

		// deprecating twice is a no-op
		assert.NoError(t, s.DeprecateVersion(ctx, st.tenantId, key, 2, false, now))
	}
}

func (st *StorageTester) TestProcessDefinitionStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		tenantId := fmt.Sprintf("reader-%d", st.nextId())

		for _, key := range []string{"b", "a", "c"} {
			err := s.CreateDefinition(ctx, runtime.ProcessDefinition{TenantId: tenantId, Key: key}, getVersion(tenantId, key))
			require.NoError(t, err)
		}
		_, err := s.AppendVersion(ctx, tenantId, "a", getVersion(tenantId, "a"))
		require.NoError(t, err)

		definitions, err := s.FindDefinitions(ctx, tenantId)
		require.NoError(t, err)
		require.Len(t, definitions, 3)
		assert.Equal(t, []string{"a", "b", "c"}, []string{definitions[0].Key, definitions[1].Key, definitions[2].Key})

		versions, err := s.FindVersions(ctx, tenantId, "a")
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, int32(1), versions[0].Version)
		assert.Equal(t, int32(2), versions[1].Version)
		assert.Equal(t, "a", versions[1].Model.Key)
		assert.Len(t, versions[1].Model.Nodes, 2)

		_, err = s.FindVersion(ctx, tenantId, "a", 3)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = s.FindDefinition(ctx, tenantId, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		empty, err := s.FindDefinitions(ctx, "nobody")
		assert.NoError(t, err)
		assert.Empty(t, empty)
	}
}

func (st *StorageTester) TestProcessInstanceStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		inst := getProcessInstance(fmt.Sprintf("pi-%d", st.nextId()), st.tenantId, "writer")

		err := s.SaveProcessInstance(ctx, inst)
		require.NoError(t, err)

		inst.State = runtime.InstanceSuspended
		err = s.SaveProcessInstance(ctx, inst)
		require.NoError(t, err)

		stored, err := s.FindProcessInstance(ctx, inst.Id)
		require.NoError(t, err)
		assert.Equal(t, runtime.InstanceSuspended, stored.State)
		assert.Equal(t, int64(123), stored.Variables["v1"])
	}
}

func (st *StorageTester) TestProcessInstanceStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		tenantId := fmt.Sprintf("instances-%d", st.nextId())

		running := getProcessInstance(fmt.Sprintf("pi-%d", st.nextId()), tenantId, "reader")
		completed := getProcessInstance(fmt.Sprintf("pi-%d", st.nextId()), tenantId, "reader")
		completed.State = runtime.InstanceCompleted
		completed.CreatedAt = running.CreatedAt.Add(time.Second)
		require.NoError(t, s.SaveProcessInstance(ctx, running))
		require.NoError(t, s.SaveProcessInstance(ctx, completed))

		stored, err := s.FindProcessInstance(ctx, st.processInstance.Id)
		require.NoError(t, err)
		assert.Equal(t, st.processInstance.DefinitionKey, stored.DefinitionKey)

		all, err := s.FindProcessInstances(ctx, storage.InstanceFilter{TenantId: tenantId})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, running.Id, all[0].Id)

		onlyCompleted, err := s.FindProcessInstances(ctx, storage.InstanceFilter{TenantId: tenantId, State: runtime.InstanceCompleted})
		require.NoError(t, err)
		require.Len(t, onlyCompleted, 1)
		assert.Equal(t, completed.Id, onlyCompleted[0].Id)

		limited, err := s.FindProcessInstances(ctx, storage.InstanceFilter{TenantId: tenantId, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		counts, err := s.CountProcessInstances(ctx, tenantId)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[runtime.InstanceRunning])
		assert.Equal(t, 1, counts[runtime.InstanceCompleted])

		_, err = s.FindProcessInstance(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestActivityStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		instanceId := fmt.Sprintf("pi-%d", st.nextId())
		now := time.Now().Truncate(time.Millisecond)
		past := now.Add(-time.Minute)
		future := now.Add(time.Hour)
		msgName := fmt.Sprintf("msg-%d", st.nextId())

		activities := []runtime.ActivityInstance{
			{Id: st.nextId(), NodeId: "start", State: runtime.ActivityCompleted},
			{Id: st.nextId(), NodeId: "timer", State: runtime.ActivityActive, Wait: &runtime.WaitCondition{Kind: runtime.WaitTimer, DueAt: &past}},
			{Id: st.nextId(), NodeId: "later", State: runtime.ActivityActive, Wait: &runtime.WaitCondition{Kind: runtime.WaitTimer, DueAt: &future}},
			{Id: st.nextId(), NodeId: "msg", State: runtime.ActivityActive, Wait: &runtime.WaitCondition{Kind: runtime.WaitMessage, Name: msgName}},
			{Id: st.nextId(), NodeId: "retried", State: runtime.ActivityWithdrawn, Wait: &runtime.WaitCondition{Kind: runtime.WaitRetry, DueAt: &past}},
		}
		require.NoError(t, s.SaveProcessInstance(ctx, runtime.ProcessInstance{
			Id: instanceId, TenantId: st.tenantId, State: runtime.InstanceRunning, CreatedAt: now,
		}))
		for _, a := range activities {
			a.InstanceId = instanceId
			a.TenantId = st.tenantId
			a.CreatedAt = now
			require.NoError(t, s.SaveActivityInstance(ctx, a))
		}
		suspendedId := fmt.Sprintf("pi-%d", st.nextId())
		require.NoError(t, s.SaveProcessInstance(ctx, runtime.ProcessInstance{
			Id: suspendedId, TenantId: st.tenantId, State: runtime.InstanceSuspended, CreatedAt: now,
		}))
		require.NoError(t, s.SaveActivityInstance(ctx, runtime.ActivityInstance{
			Id: st.nextId(), InstanceId: suspendedId, TenantId: st.tenantId, NodeId: "timer",
			State: runtime.ActivityActive, CreatedAt: now,
			Wait:  &runtime.WaitCondition{Kind: runtime.WaitTimer, DueAt: &past},
		}))

		history, err := s.FindActivityInstances(ctx, instanceId)
		require.NoError(t, err)
		require.Len(t, history, len(activities))
		for i := range activities {
			assert.Equal(t, activities[i].Id, history[i].Id)
		}

		due, err := s.FindDueWaits(ctx, now, 0)
		require.NoError(t, err)
		dueIds := make([]int64, 0)
		for _, a := range due {
			if a.InstanceId == instanceId {
				dueIds = append(dueIds, a.Id)
			}
		}
		assert.Equal(t, []int64{activities[1].Id}, dueIds)
		for _, a := range due {
			assert.NotEqual(t, suspendedId, a.InstanceId, "waits of suspended instances are not due")
		}

		waits, err := s.FindMessageWaits(ctx, st.tenantId, msgName)
		require.NoError(t, err)
		require.Len(t, waits, 1)
		assert.Equal(t, "msg", waits[0].NodeId)

		waits, err = s.FindMessageWaits(ctx, "other-tenant", msgName)
		require.NoError(t, err)
		assert.Empty(t, waits)

		_, err = s.FindActivityInstance(ctx, -1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestScopeStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		instanceId := fmt.Sprintf("pi-%d", st.nextId())
		scope := runtime.ScopeRecord{Id: st.nextId(), InstanceId: instanceId, Variables: runtime.Variables{"local": "x"}}

		require.NoError(t, s.SaveScope(ctx, scope))

		scopes, err := s.FindScopes(ctx, instanceId)
		require.NoError(t, err)
		require.Len(t, scopes, 1)
		assert.Equal(t, "x", scopes[0].Variables["local"])

		scopes, err = s.FindScopes(ctx, "missing")
		assert.NoError(t, err)
		assert.Empty(t, scopes)
	}
}

func (st *StorageTester) TestHumanTaskStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		task := runtime.HumanTask{
			Id:         st.nextId(),
			TenantId:   st.tenantId,
			InstanceId: st.processInstance.Id,
			NodeId:     "approve",
			Status:     runtime.TaskCreated,
		}

		require.NoError(t, s.SaveHumanTask(ctx, task))

		stored, err := s.FindHumanTask(ctx, task.Id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.Revision)

		// two writers read revision 1, the second one loses
		first, second := stored, stored
		first.Status = runtime.TaskClaimed
		first.Assignee = "alice"
		second.Status = runtime.TaskClaimed
		second.Assignee = "bob"

		require.NoError(t, s.SaveHumanTask(ctx, first))
		err = s.SaveHumanTask(ctx, second)
		assert.ErrorIs(t, err, storage.ErrConflict)

		stored, err = s.FindHumanTask(ctx, task.Id)
		require.NoError(t, err)
		assert.Equal(t, "alice", stored.Assignee)
		assert.Equal(t, int64(2), stored.Revision)

		for i, kind := range []runtime.TaskActionKind{runtime.TaskActionCreated, runtime.TaskActionClaimed} {
			err := s.AppendTaskAction(ctx, runtime.TaskAction{Id: int64(i + 1), TaskId: task.Id, Kind: kind, UserId: "alice"})
			require.NoError(t, err)
		}
		actions, err := s.FindTaskActions(ctx, task.Id)
		require.NoError(t, err)
		require.Len(t, actions, 2)
		assert.Equal(t, runtime.TaskActionCreated, actions[0].Kind)
		assert.Equal(t, runtime.TaskActionClaimed, actions[1].Kind)
	}
}

func (st *StorageTester) TestHumanTaskStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		tenantId := fmt.Sprintf("tasks-%d", st.nextId())
		low := runtime.HumanTask{Id: st.nextId(), TenantId: tenantId, Status: runtime.TaskCreated, Priority: 1, CandidateUsers: []string{"alice"}}
		high := runtime.HumanTask{Id: st.nextId(), TenantId: tenantId, Status: runtime.TaskCreated, Priority: 10, CandidateUsers: []string{"bob"}}
		done := runtime.HumanTask{Id: st.nextId(), TenantId: tenantId, Status: runtime.TaskCompleted, Priority: 5, Assignee: "alice"}
		for _, task := range []runtime.HumanTask{low, high, done} {
			require.NoError(t, s.SaveHumanTask(ctx, task))
		}

		tasks, err := s.FindHumanTasks(ctx, storage.TaskFilter{TenantId: tenantId})
		require.NoError(t, err)
		require.Len(t, tasks, 3)
		assert.Equal(t, []int64{high.Id, done.Id, low.Id}, []int64{tasks[0].Id, tasks[1].Id, tasks[2].Id})

		tasks, err = s.FindHumanTasks(ctx, storage.TaskFilter{TenantId: tenantId, CandidateUser: "alice", Status: runtime.TaskCreated})
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, low.Id, tasks[0].Id)

		tasks, err = s.FindHumanTasks(ctx, storage.TaskFilter{TenantId: tenantId, Assignee: "alice"})
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, done.Id, tasks[0].Id)

		_, err = s.FindHumanTask(ctx, -1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestIncidentStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		incident := runtime.Incident{
			Key:        st.nextId(),
			TenantId:   st.tenantId,
			InstanceId: st.processInstance.Id,
			NodeId:     "charge",
			Message:    "boom",
			CreatedAt:  time.Now().Truncate(time.Millisecond),
		}
		require.NoError(t, s.SaveIncident(ctx, incident))

		stored, err := s.FindIncident(ctx, incident.Key)
		require.NoError(t, err)
		assert.Equal(t, "boom", stored.Message)
		assert.Nil(t, stored.ResolvedAt)

		incidents, err := s.FindIncidents(ctx, st.processInstance.Id)
		require.NoError(t, err)
		assert.NotEmpty(t, incidents)

		_, err = s.FindIncident(ctx, -1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestMigrationStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		plan := runtime.MigrationPlan{
			Id:       st.nextId(),
			TenantId: st.tenantId,
			Source:   runtime.VersionRef{Key: "order", Version: 1},
			Target:   runtime.VersionRef{Key: "order", Version: 2},
			Mappings: []runtime.ActivityMapping{{SourceNodeId: "a", TargetNodeId: "b"}},
		}
		require.NoError(t, s.SaveMigrationPlan(ctx, plan))

		storedPlan, err := s.FindMigrationPlan(ctx, plan.Id)
		require.NoError(t, err)
		assert.Equal(t, plan.Mappings, storedPlan.Mappings)

		execution := runtime.MigrationExecution{
			Id:     st.nextId(),
			PlanId: plan.Id,
			Kind:   runtime.MigrationMigrate,
			Results: []runtime.MigrationResult{
				{InstanceId: "pi-1", Success: true, Remapped: map[int64]string{7: "a"}},
			},
		}
		require.NoError(t, s.SaveMigrationExecution(ctx, execution))

		storedExecution, err := s.FindMigrationExecution(ctx, execution.Id)
		require.NoError(t, err)
		require.Len(t, storedExecution.Results, 1)
		assert.Equal(t, "a", storedExecution.Results[0].Remapped[7])

		_, err = s.FindMigrationPlan(ctx, -1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestBatchFlush(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		inst := getProcessInstance(fmt.Sprintf("pi-%d", st.nextId()), st.tenantId, "batch")
		task := runtime.HumanTask{Id: st.nextId(), TenantId: st.tenantId, InstanceId: inst.Id, Status: runtime.TaskCreated}

		batch := s.NewBatch()
		require.NoError(t, batch.SaveProcessInstance(ctx, inst))
		require.NoError(t, batch.SaveHumanTask(ctx, task))
		// the second save in the same batch builds on the first one
		task.Revision = 1
		task.Status = runtime.TaskClaimed
		require.NoError(t, batch.SaveHumanTask(ctx, task))

		// changes after queuing do not leak into the batch
		inst.Variables["v1"] = int64(999)

		_, err := s.FindProcessInstance(ctx, inst.Id)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, batch.Flush(ctx))

		stored, err := s.FindProcessInstance(ctx, inst.Id)
		require.NoError(t, err)
		assert.Equal(t, int64(123), stored.Variables["v1"])

		storedTask, err := s.FindHumanTask(ctx, task.Id)
		require.NoError(t, err)
		assert.Equal(t, runtime.TaskClaimed, storedTask.Status)
		assert.Equal(t, int64(2), storedTask.Revision)
	}
}

func (st *StorageTester) TestBatchIsAtomic(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		task := runtime.HumanTask{Id: st.nextId(), TenantId: st.tenantId, Status: runtime.TaskCreated}
		require.NoError(t, s.SaveHumanTask(ctx, task))

		inst := getProcessInstance(fmt.Sprintf("pi-%d", st.nextId()), st.tenantId, "atomic")
		activity := runtime.ActivityInstance{Id: st.nextId(), InstanceId: inst.Id, NodeId: "a", State: runtime.ActivityActive}

		batch := s.NewBatch()
		require.NoError(t, batch.SaveProcessInstance(ctx, inst))
		require.NoError(t, batch.SaveActivityInstance(ctx, activity))
		// stale revision
		require.NoError(t, batch.SaveHumanTask(ctx, task))

		err := batch.Flush(ctx)
		assert.ErrorIs(t, err, storage.ErrConflict)

		_, err = s.FindProcessInstance(ctx, inst.Id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.FindActivityInstance(ctx, activity.Id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}
