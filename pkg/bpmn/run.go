package bpmn

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/exporter"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenworkflow/pkg/otel"
	"github.com/pbinitiative/zenworkflow/pkg/storage"
	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// rootScope is the scope id of the instance variables.
const rootScope int64 = 0

// instanceRun is the in-memory working set of one operation on an instance.
// Every change is collected here and written by commit in a single batch.
type instanceRun struct {
	engine   *Engine
	ctx      context.Context
	instance runtime.ProcessInstance
	// state at load time, used to account terminal transitions
	loadedState runtime.InstanceState
	version     *compiledVersion

	activities map[int64]*runtime.ActivityInstance
	order      []int64
	dirty      map[int64]struct{}

	scopes       map[int64]*runtime.VariableScope
	scopeParents map[int64]int64

	tasks      map[int64]*runtime.HumanTask
	dirtyTasks []int64
	actions    []runtime.TaskAction
	incidents  []runtime.Incident
	events     []exporter.Event

	queue  []int64
	visits map[string]int
	halted bool
}

func (engine *Engine) newRun(ctx context.Context, instance runtime.ProcessInstance, version *compiledVersion) *instanceRun {
	run := &instanceRun{
		engine:       engine,
		ctx:          ctx,
		instance:     instance,
		loadedState:  instance.State,
		version:      version,
		activities:   map[int64]*runtime.ActivityInstance{},
		dirty:        map[int64]struct{}{},
		scopes:       map[int64]*runtime.VariableScope{},
		scopeParents: map[int64]int64{},
		tasks:        map[int64]*runtime.HumanTask{},
		visits:       map[string]int{},
	}
	run.scopes[rootScope] = runtime.NewVariableScope(nil, instance.Variables)
	return run
}

func (engine *Engine) loadRun(ctx context.Context, instanceId string) (*instanceRun, error) {
	instance, err := engine.storage.FindProcessInstance(ctx, instanceId)
	if err != nil {
		return nil, storageError(err, zenerr.ErrInstanceNotFound, "process instance %s not found", instanceId)
	}
	if !checkTenant(ctx, instance.TenantId) {
		return nil, zenerr.ErrInstanceNotFound.With(fmt.Sprintf("process instance %s not found", instanceId), "instanceId", instanceId)
	}
	version, err := engine.loadGraph(ctx, instance.TenantId, instance.DefinitionKey, instance.Version)
	if err != nil {
		return nil, err
	}
	run := engine.newRun(ctx, instance, version)

	activities, err := engine.storage.FindActivityInstances(ctx, instanceId)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to load activities of process instance %s", instanceId), err)
	}
	for i := range activities {
		a := &activities[i]
		run.activities[a.Id] = a
		run.order = append(run.order, a.Id)
		if a.State == runtime.ActivityActive {
			run.dirty[a.Id] = struct{}{}
		}
	}

	records, err := engine.storage.FindScopes(ctx, instanceId)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to load scopes of process instance %s", instanceId), err)
	}
	byId := make(map[int64]runtime.ScopeRecord, len(records))
	for _, r := range records {
		byId[r.Id] = r
	}
	var build func(id int64) *runtime.VariableScope
	build = func(id int64) *runtime.VariableScope {
		if scope, ok := run.scopes[id]; ok {
			return scope
		}
		record, ok := byId[id]
		if !ok {
			panic(fmt.Sprintf("[invariant check] scope %d of process instance %s is missing", id, instanceId))
		}
		scope := runtime.NewVariableScope(build(record.ParentId), record.Variables)
		run.scopes[id] = scope
		run.scopeParents[id] = record.ParentId
		return scope
	}
	for _, r := range records {
		build(r.Id)
	}
	return run, nil
}

// withInstance locks the instance, loads its working set, applies fn and
// commits the result. Nothing is written when fn fails.
func (engine *Engine) withInstance(ctx context.Context, instanceId string, operation string, fn func(run *instanceRun) error) (err error) {
	ctx, span := engine.tracer.Start(ctx, "instance:"+operation, trace.WithAttributes(
		attribute.String(otelPkg.AttributeInstanceId, instanceId),
		attribute.String(otelPkg.AttributeOperation, operation),
	))
	defer func() { endSpan(span, err) }()

	lock, err := engine.lockInstance(ctx, instanceId)
	if err != nil {
		return err
	}
	defer engine.unlock(ctx, lock, instanceId)

	run, err := engine.loadRun(ctx, instanceId)
	if err != nil {
		return err
	}
	if err := fn(run); err != nil {
		return err
	}
	if err := run.commit(lock); err != nil {
		return err
	}
	span.SetAttributes(attribute.String(otelPkg.AttributeInstanceState, string(run.instance.State)))
	return nil
}

func (engine *Engine) lockInstance(ctx context.Context, instanceId string) (InstanceLock, error) {
	lock, err := engine.locker.LockInstance(ctx, instanceId)
	if err != nil {
		if errors.Is(err, zenerr.ErrInstanceBusy) {
			engine.metrics.LockContention.Add(ctx, 1)
			return nil, err
		}
		return nil, errors.Join(newEngineErrorf("failed to lock process instance %s", instanceId), err)
	}
	return lock, nil
}

func (engine *Engine) unlock(ctx context.Context, lock InstanceLock, instanceId string) {
	if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
		engine.logger.Warn("failed to unlock process instance", "instanceId", instanceId, "err", err)
	}
}

// commit writes the working set in one batch. The lock is renewed right
// before the flush so a lost lock never results in a write.
func (run *instanceRun) commit(lock InstanceLock) error {
	engine := run.engine
	ctx := run.ctx
	run.instance.Variables = run.scopes[rootScope].Local()
	run.instance.UpdatedAt = engine.now()

	batch := engine.storage.NewBatch()
	if err := batch.SaveProcessInstance(ctx, run.instance); err != nil {
		return errors.Join(newEngineErrorf("failed to save process instance %s", run.instance.Id), err)
	}
	for _, id := range run.order {
		if _, ok := run.dirty[id]; !ok {
			continue
		}
		if err := batch.SaveActivityInstance(ctx, *run.activities[id]); err != nil {
			return errors.Join(newEngineErrorf("failed to save activity %d", id), err)
		}
	}
	scopeIds := make([]int64, 0, len(run.scopeParents))
	for id := range run.scopeParents {
		scopeIds = append(scopeIds, id)
	}
	slices.Sort(scopeIds)
	for _, id := range scopeIds {
		record := runtime.ScopeRecord{
			Id:         id,
			InstanceId: run.instance.Id,
			ParentId:   run.scopeParents[id],
			Variables:  run.scopes[id].Local(),
		}
		if err := batch.SaveScope(ctx, record); err != nil {
			return errors.Join(newEngineErrorf("failed to save scope %d", id), err)
		}
	}
	for _, id := range run.dirtyTasks {
		if err := batch.SaveHumanTask(ctx, *run.tasks[id]); err != nil {
			return errors.Join(newEngineErrorf("failed to save human task %d", id), err)
		}
	}
	for _, action := range run.actions {
		if err := batch.AppendTaskAction(ctx, action); err != nil {
			return errors.Join(newEngineErrorf("failed to save action of human task %d", action.TaskId), err)
		}
	}
	for _, incident := range run.incidents {
		if err := batch.SaveIncident(ctx, incident); err != nil {
			return errors.Join(newEngineErrorf("failed to save incident %d", incident.Key), err)
		}
	}

	if err := lock.Renew(ctx); err != nil {
		engine.logger.Error("instance lock lost before commit", "instanceId", run.instance.Id, "err", err)
		return zenerr.ErrConsistencyViolation.With(fmt.Sprintf("lock of process instance %s was lost", run.instance.Id), "instanceId", run.instance.Id).Wrap(err)
	}
	if err := batch.Flush(ctx); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return zenerr.ErrInvalidOperation.With("human task was modified concurrently", "instanceId", run.instance.Id).Wrap(err)
		}
		return errors.Join(newEngineErrorf("failed to commit process instance %s", run.instance.Id), err)
	}
	for _, id := range run.dirtyTasks {
		run.tasks[id].Revision++
	}
	run.recordTransition()
	engine.notify(ctx, run.events)
	return nil
}

func (run *instanceRun) recordTransition() {
	metrics := run.engine.metrics
	was := run.loadedState != "" && !run.loadedState.IsTerminal()
	is := !run.instance.State.IsTerminal()
	switch {
	case run.loadedState == "":
		metrics.ProcessesStarted.Add(run.ctx, 1)
		if is {
			metrics.ProcessesRunning.Add(run.ctx, 1)
		} else {
			metrics.ProcessesEnded.Add(run.ctx, 1)
		}
	case was && !is:
		metrics.ProcessesRunning.Add(run.ctx, -1)
		metrics.ProcessesEnded.Add(run.ctx, 1)
	case !was && is:
		metrics.ProcessesRunning.Add(run.ctx, 1)
	}
}

func (run *instanceRun) graph() *model.Graph {
	return run.version.graph
}

func (run *instanceRun) node(a *runtime.ActivityInstance) (*model.Node, bool) {
	return run.version.graph.Node(a.NodeId)
}

func (run *instanceRun) touch(a *runtime.ActivityInstance) {
	run.dirty[a.Id] = struct{}{}
}

func (run *instanceRun) scopeOf(a *runtime.ActivityInstance) *runtime.VariableScope {
	scope, ok := run.scopes[a.ScopeId]
	if !ok {
		panic(fmt.Sprintf("[invariant check] activity %d refers to unknown scope %d", a.Id, a.ScopeId))
	}
	return scope
}

// newActivity records a token at node. It is neither queued nor waiting.
func (run *instanceRun) newActivity(node *model.Node, scopeId int64, incomingFlowId string) *runtime.ActivityInstance {
	a := &runtime.ActivityInstance{
		Id:             run.engine.generateKey(),
		InstanceId:     run.instance.Id,
		TenantId:       run.instance.TenantId,
		NodeId:         node.Id,
		NodeType:       node.Type,
		ScopeId:        scopeId,
		IncomingFlowId: incomingFlowId,
		State:          runtime.ActivityActive,
		CreatedAt:      run.engine.now(),
	}
	run.activities[a.Id] = a
	run.order = append(run.order, a.Id)
	run.touch(a)
	return a
}

// enqueue creates a pending token. Pending tokens are persisted so a halted
// pass never loses a branch.
func (run *instanceRun) enqueue(nodeId string, scopeId int64, incomingFlowId string) {
	node, ok := run.graph().Node(nodeId)
	if !ok {
		panic(fmt.Sprintf("[invariant check] flow target %s is not part of the model", nodeId))
	}
	a := run.newActivity(node, scopeId, incomingFlowId)
	run.queue = append(run.queue, a.Id)
}

// requeuePending queues every persisted pending token, oldest first.
func (run *instanceRun) requeuePending() {
	for _, id := range run.order {
		a := run.activities[id]
		if a.State == runtime.ActivityActive && a.Wait == nil && !slices.Contains(run.queue, id) {
			run.queue = append(run.queue, id)
		}
	}
}

// activeTokens returns the active tokens matching the filter in creation order.
func (run *instanceRun) activeTokens(filter func(a *runtime.ActivityInstance) bool) []*runtime.ActivityInstance {
	var tokens []*runtime.ActivityInstance
	for _, id := range run.order {
		a := run.activities[id]
		if a.State == runtime.ActivityActive && (filter == nil || filter(a)) {
			tokens = append(tokens, a)
		}
	}
	return tokens
}

func (run *instanceRun) task(taskId int64) (*runtime.HumanTask, error) {
	if task, ok := run.tasks[taskId]; ok {
		return task, nil
	}
	task, err := run.engine.storage.FindHumanTask(run.ctx, taskId)
	if err != nil {
		return nil, storageError(err, zenerr.ErrTaskNotFound, "human task %d not found", taskId)
	}
	run.tasks[taskId] = &task
	return &task, nil
}

func (run *instanceRun) saveTask(task *runtime.HumanTask) {
	task.UpdatedAt = run.engine.now()
	run.tasks[task.Id] = task
	if !slices.Contains(run.dirtyTasks, task.Id) {
		run.dirtyTasks = append(run.dirtyTasks, task.Id)
	}
}

func (run *instanceRun) appendAction(task *runtime.HumanTask, kind runtime.TaskActionKind, userId string, performedBy string, details string) {
	run.actions = append(run.actions, runtime.TaskAction{
		Id:          run.engine.generateKey(),
		TaskId:      task.Id,
		TenantId:    task.TenantId,
		Kind:        kind,
		UserId:      userId,
		PerformedBy: performedBy,
		Details:     details,
		At:          run.engine.now(),
	})
}

func (run *instanceRun) emit(intent exporter.Intent) {
	run.events = append(run.events, run.engine.instanceEvent(intent, run.instance))
}

func (run *instanceRun) emitActivity(intent exporter.Intent, a *runtime.ActivityInstance) {
	run.events = append(run.events, run.engine.activityEvent(intent, run.instance, a))
}

func (run *instanceRun) requireRunning() error {
	if run.instance.State != runtime.InstanceRunning {
		return zenerr.ErrInstanceNotRunning.With(
			fmt.Sprintf("process instance %s is %s", run.instance.Id, run.instance.State),
			"instanceId", run.instance.Id,
		)
	}
	return nil
}
