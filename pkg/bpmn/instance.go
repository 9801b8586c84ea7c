package bpmn

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pbinitiative/zenworkflow/internal/appcontext"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/exporter"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenworkflow/pkg/otel"
	"github.com/pbinitiative/zenworkflow/pkg/storage"
	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
)

// StartInstance creates a Running instance of the given version, or of the
// published version when version is 0, and advances it from the start event.
func (engine *Engine) StartInstance(ctx context.Context, tenantId string, key string, version int32, variables map[string]any, businessKey string) (instance runtime.ProcessInstance, err error) {
	ctx, span := engine.startDefinitionSpan(ctx, "instance:start", tenantId, key)
	defer func() { endSpan(span, err) }()

	variables, err = normalizeInput(variables)
	if err != nil {
		return runtime.ProcessInstance{}, err
	}
	pv, err := engine.GetByKey(ctx, tenantId, key, version)
	if err != nil {
		return runtime.ProcessInstance{}, err
	}
	if pv.Status == runtime.DefinitionDraft {
		return runtime.ProcessInstance{}, zenerr.ErrInvalidStateTransition.With(fmt.Sprintf("version %d of %s is not published", pv.Version, key), "key", key)
	}
	compiled, err := engine.loadGraph(ctx, tenantId, key, pv.Version)
	if err != nil {
		return runtime.ProcessInstance{}, err
	}
	start, ok := compiled.graph.StartEvent("")
	if !ok {
		return runtime.ProcessInstance{}, zenerr.ErrValidationFailed.With(fmt.Sprintf("version %d of %s has no start event", pv.Version, key), "key", key)
	}

	now := engine.now()
	instance = runtime.ProcessInstance{
		Id:            uuid.NewString(),
		TenantId:      tenantId,
		DefinitionKey: key,
		Version:       pv.Version,
		BusinessKey:   businessKey,
		State:         runtime.InstanceRunning,
		Variables:     variables,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	span.SetAttributes(attribute.String(otelPkg.AttributeInstanceId, instance.Id))

	lock, err := engine.lockInstance(ctx, instance.Id)
	if err != nil {
		return runtime.ProcessInstance{}, err
	}
	defer engine.unlock(ctx, lock, instance.Id)

	run := engine.newRun(ctx, instance, compiled)
	run.loadedState = ""
	run.emit(exporter.InstanceStarted)
	run.enqueue(start.Id, rootScope, "")
	if err := run.runQueue(); err != nil {
		return runtime.ProcessInstance{}, err
	}
	if err := run.commit(lock); err != nil {
		return runtime.ProcessInstance{}, err
	}
	return run.instance, nil
}

// Signal resumes every token of a Running instance waiting for name and
// returns how many were resumed. Zero matches is not an error.
func (engine *Engine) Signal(ctx context.Context, instanceId string, name string, variables map[string]any) (int, error) {
	variables, err := normalizeInput(variables)
	if err != nil {
		return 0, err
	}
	resumed := 0
	err = engine.withInstance(ctx, instanceId, "signal", func(run *instanceRun) error {
		if err := run.requireRunning(); err != nil {
			return err
		}
		waiting := run.activeTokens(func(a *runtime.ActivityInstance) bool {
			return a.IsWaiting(runtime.WaitSignal) && a.Wait.Name == name
		})
		n, err := run.resumeTokens(waiting, runtime.WaitSignal, variables)
		resumed = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return resumed, nil
}

// CorrelateMessage delivers a message to every Running instance of the
// tenant subscribed to name with a matching correlation key. An empty key
// matches subscriptions without a key only.
func (engine *Engine) CorrelateMessage(ctx context.Context, tenantId string, name string, correlationKey string, variables map[string]any) (int, error) {
	variables, err := normalizeInput(variables)
	if err != nil {
		return 0, err
	}
	waits, err := engine.storage.FindMessageWaits(ctx, tenantId, name)
	if err != nil {
		return 0, errors.Join(newEngineErrorf("failed to find subscriptions of message %s", name), err)
	}
	var instanceIds []string
	seen := map[string]struct{}{}
	for _, w := range waits {
		if w.Wait == nil || w.Wait.CorrelationKey != correlationKey {
			continue
		}
		if _, ok := seen[w.InstanceId]; !ok {
			seen[w.InstanceId] = struct{}{}
			instanceIds = append(instanceIds, w.InstanceId)
		}
	}

	resumed := 0
	var errs error
	for _, instanceId := range instanceIds {
		n := 0
		err := engine.withInstance(ctx, instanceId, "correlate-message", func(run *instanceRun) error {
			if run.instance.State != runtime.InstanceRunning {
				return nil
			}
			waiting := run.activeTokens(func(a *runtime.ActivityInstance) bool {
				return a.IsWaiting(runtime.WaitMessage) && a.Wait.Name == name && a.Wait.CorrelationKey == correlationKey
			})
			var err error
			n, err = run.resumeTokens(waiting, runtime.WaitMessage, variables)
			return err
		})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		// only committed resumptions count
		resumed += n
	}
	return resumed, errs
}

// resumeTokens moves waiting catch and boundary tokens on and runs the pass.
func (run *instanceRun) resumeTokens(waiting []*runtime.ActivityInstance, kind runtime.WaitKind, variables map[string]any) (int, error) {
	resumed := 0
	for _, a := range waiting {
		if run.halted || !a.IsWaiting(kind) {
			continue
		}
		if err := run.scopeOf(a).SetAll(variables); err != nil {
			return 0, err
		}
		if a.AttachedToId != 0 {
			if err := run.fireBoundary(a); err != nil {
				return 0, err
			}
		} else {
			run.leave(a)
		}
		resumed++
	}
	if err := run.runQueue(); err != nil {
		return 0, err
	}
	return resumed, nil
}

// Suspend freezes a Running instance. Waiting tokens stay parked and due
// timers are not fired until the instance is resumed.
func (engine *Engine) Suspend(ctx context.Context, instanceId string, reason string) error {
	return engine.withInstance(ctx, instanceId, "suspend", func(run *instanceRun) error {
		if run.instance.State != runtime.InstanceRunning {
			return invalidTransition(run.instance, runtime.InstanceSuspended)
		}
		run.instance.State = runtime.InstanceSuspended
		run.instance.StateReason = reason
		run.emit(exporter.InstanceSuspended)
		return nil
	})
}

// Resume continues a Suspended instance and fires timers and retries that
// came due in the meantime.
func (engine *Engine) Resume(ctx context.Context, instanceId string) error {
	return engine.withInstance(ctx, instanceId, "resume", func(run *instanceRun) error {
		if run.instance.State != runtime.InstanceSuspended {
			return invalidTransition(run.instance, runtime.InstanceRunning)
		}
		run.instance.State = runtime.InstanceRunning
		run.instance.StateReason = ""
		run.emit(exporter.InstanceResumed)
		run.requeuePending()
		_, err := run.fireDueWaits(engine.now())
		return err
	})
}

// Cancel ends a Running, Suspended or Failed instance. Active tokens of
// compensable nodes are marked Compensated, the others Withdrawn, and open
// human tasks are cancelled.
func (engine *Engine) Cancel(ctx context.Context, instanceId string, reason string) error {
	return engine.withInstance(ctx, instanceId, "cancel", func(run *instanceRun) error {
		switch run.instance.State {
		case runtime.InstanceRunning, runtime.InstanceSuspended, runtime.InstanceFailed:
		default:
			return invalidTransition(run.instance, runtime.InstanceCancelled)
		}
		now := engine.now()
		run.instance.State = runtime.InstanceCancelled
		run.instance.StateReason = reason
		run.instance.EndedAt = &now
		run.queue = nil
		for _, a := range run.activeTokens(nil) {
			if err := run.withdraw(a, true); err != nil {
				return err
			}
		}
		run.emit(exporter.InstanceCancelled)
		return nil
	})
}

// RetryActivity revives a Failed token. The instance returns to Running,
// the incident of the token is resolved and the token runs again together
// with every other pending token.
func (engine *Engine) RetryActivity(ctx context.Context, instanceId string, activityId int64) error {
	return engine.withInstance(ctx, instanceId, "retry-activity", func(run *instanceRun) error {
		if run.instance.State != runtime.InstanceRunning && run.instance.State != runtime.InstanceFailed {
			return invalidTransition(run.instance, runtime.InstanceRunning)
		}
		a, ok := run.activities[activityId]
		if !ok {
			return zenerr.ErrActivityNotFound.With(fmt.Sprintf("activity %d not found in process instance %s", activityId, instanceId), "activityId", fmt.Sprint(activityId))
		}
		if a.State != runtime.ActivityFailed {
			return zenerr.ErrInvalidOperation.With(fmt.Sprintf("activity %d is %s, only failed activities can be retried", activityId, a.State), "activityId", fmt.Sprint(activityId))
		}
		if err := run.resolveIncidents(a); err != nil {
			return err
		}
		if run.instance.State == runtime.InstanceFailed {
			run.emit(exporter.InstanceResumed)
		}
		run.instance.State = runtime.InstanceRunning
		run.instance.StateReason = ""
		a.State = runtime.ActivityActive
		a.Wait = nil
		a.Attempts = 0
		a.CompletedAt = nil
		run.touch(a)

		run.queue = append(run.queue, a.Id)
		run.requeuePending()
		return run.runQueue()
	})
}

func (engine *Engine) GetInstance(ctx context.Context, instanceId string) (runtime.ProcessInstance, error) {
	instance, err := engine.storage.FindProcessInstance(ctx, instanceId)
	if err != nil {
		return runtime.ProcessInstance{}, storageError(err, zenerr.ErrInstanceNotFound, "process instance %s not found", instanceId)
	}
	if !checkTenant(ctx, instance.TenantId) {
		return runtime.ProcessInstance{}, zenerr.ErrInstanceNotFound.With(fmt.Sprintf("process instance %s not found", instanceId), "instanceId", instanceId)
	}
	return instance, nil
}

func (engine *Engine) GetVariables(ctx context.Context, instanceId string) (map[string]any, error) {
	instance, err := engine.GetInstance(ctx, instanceId)
	if err != nil {
		return nil, err
	}
	if instance.Variables == nil {
		return map[string]any{}, nil
	}
	return instance.Variables, nil
}

// SetVariables writes into the root scope of a Running or Suspended instance.
func (engine *Engine) SetVariables(ctx context.Context, instanceId string, variables map[string]any) error {
	variables, err := normalizeInput(variables)
	if err != nil {
		return err
	}
	return engine.withInstance(ctx, instanceId, "set-variables", func(run *instanceRun) error {
		if run.instance.State != runtime.InstanceRunning && run.instance.State != runtime.InstanceSuspended {
			return zenerr.ErrInvalidStateTransition.With(
				fmt.Sprintf("variables of %s process instance %s can not be changed", run.instance.State, instanceId),
				"instanceId", instanceId,
			)
		}
		return run.scopes[rootScope].SetAll(variables)
	})
}

func (engine *Engine) FindInstances(ctx context.Context, filter storage.InstanceFilter) ([]runtime.ProcessInstance, error) {
	if tenantId, ok := appcontext.TenantFromContext(ctx); ok {
		filter.TenantId = tenantId
	}
	instances, err := engine.storage.FindProcessInstances(ctx, filter)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to find process instances"), err)
	}
	return instances, nil
}

// ActivityHistory returns every token the instance ever had, oldest first.
func (engine *Engine) ActivityHistory(ctx context.Context, instanceId string) ([]runtime.ActivityInstance, error) {
	if _, err := engine.GetInstance(ctx, instanceId); err != nil {
		return nil, err
	}
	activities, err := engine.storage.FindActivityInstances(ctx, instanceId)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to load activities of process instance %s", instanceId), err)
	}
	return activities, nil
}

// CountInstances returns the number of instances of a tenant per state.
func (engine *Engine) CountInstances(ctx context.Context, tenantId string) (map[runtime.InstanceState]int, error) {
	counts, err := engine.storage.CountProcessInstances(ctx, tenantId)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to count process instances of tenant %s", tenantId), err)
	}
	return counts, nil
}

// CompleteJob finishes an external job and advances its token.
func (engine *Engine) CompleteJob(ctx context.Context, activityId int64, variables map[string]any) error {
	variables, err := normalizeInput(variables)
	if err != nil {
		return err
	}
	stored, err := engine.findActivity(ctx, activityId)
	if err != nil {
		return err
	}
	err = engine.withInstance(ctx, stored.InstanceId, "complete-job", func(run *instanceRun) error {
		if err := run.requireRunning(); err != nil {
			return err
		}
		a := run.activities[activityId]
		if err := checkTokenWaiting(a, runtime.WaitJob); err != nil {
			return err
		}
		if err := run.scopeOf(a).SetAll(variables); err != nil {
			return err
		}
		run.leave(a)
		return run.runQueue()
	})
	if err != nil {
		return err
	}
	engine.metrics.JobsCompleted.Add(ctx, 1)
	return nil
}

// FailJob reports a failed external job. The retry policy of the node decides
// whether the token waits for a retry or the instance fails.
func (engine *Engine) FailJob(ctx context.Context, activityId int64, reason string) error {
	stored, err := engine.findActivity(ctx, activityId)
	if err != nil {
		return err
	}
	err = engine.withInstance(ctx, stored.InstanceId, "fail-job", func(run *instanceRun) error {
		if err := run.requireRunning(); err != nil {
			return err
		}
		a := run.activities[activityId]
		if err := checkTokenWaiting(a, runtime.WaitJob); err != nil {
			return err
		}
		node, ok := run.node(a)
		if !ok {
			panic(fmt.Sprintf("[invariant check] job %d refers to unknown node %s", a.Id, a.NodeId))
		}
		a.Wait = nil
		run.handleFailure(a, node, reason)
		return run.runQueue()
	})
	if err != nil {
		return err
	}
	engine.metrics.JobsFailed.Add(ctx, 1)
	return nil
}

func (engine *Engine) findActivity(ctx context.Context, activityId int64) (runtime.ActivityInstance, error) {
	a, err := engine.storage.FindActivityInstance(ctx, activityId)
	if err != nil {
		return runtime.ActivityInstance{}, storageError(err, zenerr.ErrActivityNotFound, "activity %d not found", activityId)
	}
	if !checkTenant(ctx, a.TenantId) {
		return runtime.ActivityInstance{}, zenerr.ErrActivityNotFound.With(fmt.Sprintf("activity %d not found", activityId), "activityId", fmt.Sprint(activityId))
	}
	return a, nil
}

func invalidTransition(instance runtime.ProcessInstance, to runtime.InstanceState) error {
	return zenerr.ErrInvalidStateTransition.With(
		fmt.Sprintf("process instance %s can not move from %s to %s", instance.Id, instance.State, to),
		"instanceId", instance.Id,
	)
}
