// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package inmemory

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenworkflow/pkg/storage"
)

// Storage keeps process information in memory,
// please use NewStorage to create a new object of this type.
// Values are copied on the way in and out so callers never share state with
// the store.
type Storage struct {
	mu sync.RWMutex

	definitions map[string]runtime.ProcessDefinition
	versions    map[string]map[int32]runtime.ProcessVersion
	instances   map[string]runtime.ProcessInstance
	activities  map[int64]runtime.ActivityInstance
	scopes      map[int64]runtime.ScopeRecord
	tasks       map[int64]runtime.HumanTask
	taskActions map[int64][]runtime.TaskAction
	incidents   map[int64]runtime.Incident
	plans       map[int64]runtime.MigrationPlan
	executions  map[int64]runtime.MigrationExecution
}

func NewStorage() *Storage {
	return &Storage{
		definitions: make(map[string]runtime.ProcessDefinition),
		versions:    make(map[string]map[int32]runtime.ProcessVersion),
		instances:   make(map[string]runtime.ProcessInstance),
		activities:  make(map[int64]runtime.ActivityInstance),
		scopes:      make(map[int64]runtime.ScopeRecord),
		tasks:       make(map[int64]runtime.HumanTask),
		taskActions: make(map[int64][]runtime.TaskAction),
		incidents:   make(map[int64]runtime.Incident),
		plans:       make(map[int64]runtime.MigrationPlan),
		executions:  make(map[int64]runtime.MigrationExecution),
	}
}

var _ storage.Storage = &Storage{}

func definitionId(tenantId, key string) string {
	return tenantId + "/" + key
}

// clone copies v through its JSON form, the same shape a persistent store
// would hand back.
func clone[T any](v T) T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("[invariant check] value of type %T is not JSON encodable: %s", v, err))
	}
	var c T
	if err := json.Unmarshal(data, &c); err != nil {
		panic(fmt.Sprintf("[invariant check] value of type %T does not round trip: %s", v, err))
	}
	return c
}

var _ storage.ProcessDefinitionStorageReader = &Storage{}

func (mem *Storage) FindDefinition(ctx context.Context, tenantId string, key string) (runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	def, ok := mem.definitions[definitionId(tenantId, key)]
	if !ok {
		return runtime.ProcessDefinition{}, storage.ErrNotFound
	}
	return def, nil
}

func (mem *Storage) FindDefinitions(ctx context.Context, tenantId string) ([]runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessDefinition, 0)
	for _, def := range mem.definitions {
		if def.TenantId == tenantId {
			res = append(res, def)
		}
	}
	slices.SortFunc(res, func(a, b runtime.ProcessDefinition) int { return cmp.Compare(a.Key, b.Key) })
	return res, nil
}

func (mem *Storage) FindVersion(ctx context.Context, tenantId string, key string, version int32) (runtime.ProcessVersion, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	v, ok := mem.versions[definitionId(tenantId, key)][version]
	if !ok {
		return runtime.ProcessVersion{}, storage.ErrNotFound
	}
	return clone(v), nil
}

func (mem *Storage) FindVersions(ctx context.Context, tenantId string, key string) ([]runtime.ProcessVersion, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessVersion, 0)
	for _, v := range mem.versions[definitionId(tenantId, key)] {
		res = append(res, clone(v))
	}
	slices.SortFunc(res, func(a, b runtime.ProcessVersion) int { return cmp.Compare(a.Version, b.Version) })
	return res, nil
}

var _ storage.ProcessDefinitionStorageWriter = &Storage{}

func (mem *Storage) CreateDefinition(ctx context.Context, definition runtime.ProcessDefinition, first runtime.ProcessVersion) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	id := definitionId(definition.TenantId, definition.Key)
	if _, ok := mem.definitions[id]; ok {
		return storage.ErrConflict
	}
	first.Version = 1
	definition.LatestVersion = 1
	mem.definitions[id] = definition
	mem.versions[id] = map[int32]runtime.ProcessVersion{1: clone(first)}
	return nil
}

func (mem *Storage) AppendVersion(ctx context.Context, tenantId string, key string, version runtime.ProcessVersion) (runtime.ProcessVersion, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	id := definitionId(tenantId, key)
	def, ok := mem.definitions[id]
	if !ok {
		return runtime.ProcessVersion{}, storage.ErrNotFound
	}
	def.LatestVersion++
	version.Version = def.LatestVersion
	mem.definitions[id] = def
	mem.versions[id][version.Version] = clone(version)
	return version, nil
}

func (mem *Storage) PublishVersion(ctx context.Context, tenantId string, key string, version int32, at time.Time) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	id := definitionId(tenantId, key)
	def, ok := mem.definitions[id]
	if !ok {
		return storage.ErrNotFound
	}
	target, ok := mem.versions[id][version]
	if !ok {
		return storage.ErrNotFound
	}
	if target.Status != runtime.DefinitionDraft {
		return storage.ErrInvalidState
	}
	if def.PublishedVersion != 0 {
		prior := mem.versions[id][def.PublishedVersion]
		prior.Status = runtime.DefinitionDeprecated
		prior.DeprecatedAt = &at
		mem.versions[id][prior.Version] = prior
	}
	target.Status = runtime.DefinitionPublished
	target.PublishedAt = &at
	mem.versions[id][version] = target
	def.PublishedVersion = version
	mem.definitions[id] = def
	return nil
}

func (mem *Storage) DeprecateVersion(ctx context.Context, tenantId string, key string, version int32, force bool, at time.Time) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	id := definitionId(tenantId, key)
	def, ok := mem.definitions[id]
	if !ok {
		return storage.ErrNotFound
	}
	target, ok := mem.versions[id][version]
	if !ok {
		return storage.ErrNotFound
	}
	switch target.Status {
	case runtime.DefinitionDeprecated:
		return nil
	case runtime.DefinitionPublished:
		if !force {
			return storage.ErrInvalidState
		}
		def.PublishedVersion = 0
		mem.definitions[id] = def
	}
	target.Status = runtime.DefinitionDeprecated
	target.DeprecatedAt = &at
	mem.versions[id][version] = target
	return nil
}

var _ storage.ProcessInstanceStorageReader = &Storage{}

func (mem *Storage) FindProcessInstance(ctx context.Context, id string) (runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	pi, ok := mem.instances[id]
	if !ok {
		return runtime.ProcessInstance{}, storage.ErrNotFound
	}
	return clone(pi), nil
}

func (mem *Storage) FindProcessInstances(ctx context.Context, filter storage.InstanceFilter) ([]runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessInstance, 0)
	for _, pi := range mem.instances {
		if filter.Matches(pi) {
			res = append(res, clone(pi))
		}
	}
	slices.SortFunc(res, func(a, b runtime.ProcessInstance) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.Id, b.Id))
	})
	if filter.Limit > 0 && len(res) > filter.Limit {
		res = res[:filter.Limit]
	}
	return res, nil
}

func (mem *Storage) CountProcessInstances(ctx context.Context, tenantId string) (map[runtime.InstanceState]int, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	counts := map[runtime.InstanceState]int{}
	for _, pi := range mem.instances {
		if pi.TenantId == tenantId {
			counts[pi.State]++
		}
	}
	return counts, nil
}

var _ storage.ProcessInstanceStorageWriter = &Storage{}

func (mem *Storage) SaveProcessInstance(ctx context.Context, instance runtime.ProcessInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.instances[instance.Id] = clone(instance)
	return nil
}

var _ storage.ActivityStorageReader = &Storage{}

func (mem *Storage) FindActivityInstance(ctx context.Context, id int64) (runtime.ActivityInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	a, ok := mem.activities[id]
	if !ok {
		return runtime.ActivityInstance{}, storage.ErrNotFound
	}
	return clone(a), nil
}

func (mem *Storage) FindActivityInstances(ctx context.Context, instanceId string) ([]runtime.ActivityInstance, error) {
	return mem.findActivities(func(a runtime.ActivityInstance) bool { return a.InstanceId == instanceId }, 0), nil
}

// FindDueWaits runs under the read lock taken by findActivities, so the
// instance lookup reads the map directly.
func (mem *Storage) FindDueWaits(ctx context.Context, now time.Time, limit int) ([]runtime.ActivityInstance, error) {
	return mem.findActivities(func(a runtime.ActivityInstance) bool {
		if !storage.IsDueWait(a, now) {
			return false
		}
		pi, ok := mem.instances[a.InstanceId]
		return ok && pi.State == runtime.InstanceRunning
	}, limit), nil
}

func (mem *Storage) FindMessageWaits(ctx context.Context, tenantId string, name string) ([]runtime.ActivityInstance, error) {
	return mem.findActivities(func(a runtime.ActivityInstance) bool {
		return a.TenantId == tenantId && a.IsWaiting(runtime.WaitMessage) && a.Wait.Name == name
	}, 0), nil
}

func (mem *Storage) findActivities(match func(runtime.ActivityInstance) bool, limit int) []runtime.ActivityInstance {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ActivityInstance, 0)
	for _, a := range mem.activities {
		if match(a) {
			res = append(res, clone(a))
		}
	}
	slices.SortFunc(res, func(a, b runtime.ActivityInstance) int { return cmp.Compare(a.Id, b.Id) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res
}

var _ storage.ActivityStorageWriter = &Storage{}

func (mem *Storage) SaveActivityInstance(ctx context.Context, activity runtime.ActivityInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.activities[activity.Id] = clone(activity)
	return nil
}

var _ storage.ScopeStorageReader = &Storage{}

func (mem *Storage) FindScopes(ctx context.Context, instanceId string) ([]runtime.ScopeRecord, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ScopeRecord, 0)
	for _, s := range mem.scopes {
		if s.InstanceId == instanceId {
			res = append(res, clone(s))
		}
	}
	slices.SortFunc(res, func(a, b runtime.ScopeRecord) int { return cmp.Compare(a.Id, b.Id) })
	return res, nil
}

var _ storage.ScopeStorageWriter = &Storage{}

func (mem *Storage) SaveScope(ctx context.Context, scope runtime.ScopeRecord) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.scopes[scope.Id] = clone(scope)
	return nil
}

var _ storage.HumanTaskStorageReader = &Storage{}

func (mem *Storage) FindHumanTask(ctx context.Context, id int64) (runtime.HumanTask, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	task, ok := mem.tasks[id]
	if !ok {
		return runtime.HumanTask{}, storage.ErrNotFound
	}
	return clone(task), nil
}

func (mem *Storage) FindHumanTasks(ctx context.Context, filter storage.TaskFilter) ([]runtime.HumanTask, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.HumanTask, 0)
	for _, task := range mem.tasks {
		if filter.Matches(task) {
			res = append(res, clone(task))
		}
	}
	slices.SortFunc(res, func(a, b runtime.HumanTask) int {
		return cmp.Or(cmp.Compare(b.Priority, a.Priority), cmp.Compare(a.Id, b.Id))
	})
	return res, nil
}

func (mem *Storage) FindTaskActions(ctx context.Context, taskId int64) ([]runtime.TaskAction, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.TaskAction, 0, len(mem.taskActions[taskId]))
	for _, a := range mem.taskActions[taskId] {
		res = append(res, clone(a))
	}
	return res, nil
}

var _ storage.HumanTaskStorageWriter = &Storage{}

func (mem *Storage) SaveHumanTask(ctx context.Context, task runtime.HumanTask) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if err := mem.checkTaskRevision(task, nil); err != nil {
		return err
	}
	mem.putTask(task)
	return nil
}

func (mem *Storage) checkTaskRevision(task runtime.HumanTask, pending map[int64]int64) error {
	current := int64(0)
	if stored, ok := mem.tasks[task.Id]; ok {
		current = stored.Revision
	}
	if rev, ok := pending[task.Id]; ok {
		current = rev
	}
	if current != task.Revision {
		return fmt.Errorf("%w: task %d has revision %d, expected %d", storage.ErrConflict, task.Id, current, task.Revision)
	}
	return nil
}

func (mem *Storage) putTask(task runtime.HumanTask) {
	task.Revision++
	mem.tasks[task.Id] = clone(task)
}

func (mem *Storage) AppendTaskAction(ctx context.Context, action runtime.TaskAction) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.taskActions[action.TaskId] = append(mem.taskActions[action.TaskId], clone(action))
	return nil
}

var _ storage.IncidentStorageReader = &Storage{}

func (mem *Storage) FindIncident(ctx context.Context, key int64) (runtime.Incident, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	incident, ok := mem.incidents[key]
	if !ok {
		return runtime.Incident{}, storage.ErrNotFound
	}
	return incident, nil
}

func (mem *Storage) FindIncidents(ctx context.Context, instanceId string) ([]runtime.Incident, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Incident, 0)
	for _, incident := range mem.incidents {
		if incident.InstanceId == instanceId {
			res = append(res, incident)
		}
	}
	slices.SortFunc(res, func(a, b runtime.Incident) int { return cmp.Compare(a.Key, b.Key) })
	return res, nil
}

var _ storage.IncidentStorageWriter = &Storage{}

func (mem *Storage) SaveIncident(ctx context.Context, incident runtime.Incident) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.incidents[incident.Key] = clone(incident)
	return nil
}

var _ storage.MigrationStorageReader = &Storage{}

func (mem *Storage) FindMigrationPlan(ctx context.Context, id int64) (runtime.MigrationPlan, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	plan, ok := mem.plans[id]
	if !ok {
		return runtime.MigrationPlan{}, storage.ErrNotFound
	}
	return clone(plan), nil
}

func (mem *Storage) FindMigrationExecution(ctx context.Context, id int64) (runtime.MigrationExecution, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	execution, ok := mem.executions[id]
	if !ok {
		return runtime.MigrationExecution{}, storage.ErrNotFound
	}
	return clone(execution), nil
}

var _ storage.MigrationStorageWriter = &Storage{}

func (mem *Storage) SaveMigrationPlan(ctx context.Context, plan runtime.MigrationPlan) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.plans[plan.Id] = clone(plan)
	return nil
}

func (mem *Storage) SaveMigrationExecution(ctx context.Context, execution runtime.MigrationExecution) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.executions[execution.Id] = clone(execution)
	return nil
}
