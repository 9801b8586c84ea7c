// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"fmt"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/exporter"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
)

// runQueue advances pending tokens until none is left or the instance halts.
// Each node may be visited at most maxNodeVisits times per pass.
func (run *instanceRun) runQueue() error {
	for len(run.queue) > 0 && !run.halted {
		if err := run.ctx.Err(); err != nil {
			return err
		}
		id := run.queue[0]
		run.queue = run.queue[1:]
		a := run.activities[id]
		if a.State != runtime.ActivityActive || a.Wait != nil {
			continue
		}
		run.visits[a.NodeId]++
		if run.visits[a.NodeId] > run.engine.maxNodeVisits {
			run.failToken(a, fmt.Sprintf("node %s was visited more than %d times in one pass", a.NodeId, run.engine.maxNodeVisits))
			break
		}
		if err := run.execute(a); err != nil {
			return err
		}
	}
	return nil
}

// execute runs a pending token. Errors returned abort the whole operation;
// failures of the process itself are recorded on the token instead.
func (run *instanceRun) execute(a *runtime.ActivityInstance) error {
	node, ok := run.node(a)
	if !ok {
		run.failToken(a, fmt.Sprintf("node %s does not exist in version %d of %s", a.NodeId, run.instance.Version, run.instance.DefinitionKey))
		return nil
	}
	run.emitActivity(exporter.ElementActivated, a)

	switch node.Type {
	case model.NodeTypeStartEvent:
		run.leave(a)
	case model.NodeTypeEndEvent:
		run.complete(a)
	case model.NodeTypeServiceTask:
		run.executeServiceTask(a, node)
	case model.NodeTypeScriptTask:
		run.executeScriptTask(a, node)
	case model.NodeTypeBusinessRuleTask:
		run.executeBusinessRuleTask(a, node)
	case model.NodeTypeDocumentTask:
		run.executeDocumentTask(a, node)
	case model.NodeTypeUserTask:
		run.createUserTask(a, node)
	case model.NodeTypeExclusiveGateway:
		run.executeExclusiveGateway(a, node)
	case model.NodeTypeParallelGateway:
		run.executeParallelGateway(a, node)
	case model.NodeTypeIntermediateCatchEvent:
		run.executeCatchEvent(a, node)
	case model.NodeTypeBoundaryEvent:
		panic(fmt.Sprintf("[invariant check] boundary event %s can not be reached through a sequence flow", node.Id))
	case model.NodeTypeSubProcess:
		run.enterSubProcess(a, node)
	default:
		panic(fmt.Sprintf("[invariant check] unsupported node type %s of node %s", node.Type, node.Id))
	}
	return nil
}

// leave completes the token and moves along every outgoing flow.
func (run *instanceRun) leave(a *runtime.ActivityInstance) {
	run.takeFlows(a, run.graph().Outgoing(a.NodeId))
}

func (run *instanceRun) takeFlows(a *runtime.ActivityInstance, flows []*model.Flow) {
	run.retire(a, runtime.ActivityCompleted)
	run.emitActivity(exporter.ElementCompleted, a)
	for _, f := range flows {
		run.enqueue(f.Target, a.ScopeId, f.Id)
	}
	run.checkScope(a.ScopeId)
}

// complete retires a token without continuing, as end events do.
func (run *instanceRun) complete(a *runtime.ActivityInstance) {
	run.retire(a, runtime.ActivityCompleted)
	run.emitActivity(exporter.ElementCompleted, a)
	run.checkScope(a.ScopeId)
}

func (run *instanceRun) retire(a *runtime.ActivityInstance, state runtime.ActivityState) {
	now := run.engine.now()
	a.State = state
	a.CompletedAt = &now
	run.touch(a)
	run.disarm(a)
}

// checkScope completes a scope once it has no active tokens left apart from
// armed boundary events.
func (run *instanceRun) checkScope(scopeId int64) {
	if run.halted || run.instance.State != runtime.InstanceRunning {
		return
	}
	remaining := run.activeTokens(func(t *runtime.ActivityInstance) bool {
		return t.ScopeId == scopeId
	})
	for _, t := range remaining {
		if t.AttachedToId == 0 {
			return
		}
	}
	for _, t := range remaining {
		run.retire(t, runtime.ActivityWithdrawn)
	}

	if scopeId == rootScope {
		now := run.engine.now()
		run.instance.State = runtime.InstanceCompleted
		run.instance.EndedAt = &now
		run.emit(exporter.InstanceCompleted)
		return
	}

	owner, ok := run.activities[scopeId]
	if !ok || owner.State != runtime.ActivityActive {
		return
	}
	node, ok := run.node(owner)
	if !ok {
		panic(fmt.Sprintf("[invariant check] sub-process %s of scope %d is not part of the model", owner.NodeId, scopeId))
	}
	run.scopeOf(owner).Merge(run.scopes[scopeId], node.Outputs)
	run.leave(owner)
}

// handleFailure applies the retry policy of the node to a failed attempt.
func (run *instanceRun) handleFailure(a *runtime.ActivityInstance, node *model.Node, reason string) {
	run.engine.metrics.HandlerFailures.Add(run.ctx, 1)
	a.Attempts++
	a.LastError = reason
	run.touch(a)

	if node.Retry != nil && a.Attempts < node.Retry.MaxAttempts {
		delay, err := retryDelay(node.Retry, a.Attempts)
		if err != nil {
			run.failToken(a, fmt.Sprintf("%s; invalid retry policy: %s", reason, err))
			return
		}
		due := run.engine.now().Add(delay)
		a.Wait = &runtime.WaitCondition{Kind: runtime.WaitRetry, DueAt: &due}
		run.arm(a)
		return
	}
	run.failToken(a, reason)
}

// failToken marks the token failed and escalates the instance.
func (run *instanceRun) failToken(a *runtime.ActivityInstance, reason string) {
	a.State = runtime.ActivityFailed
	a.Wait = nil
	a.LastError = reason
	run.touch(a)
	run.disarm(a)
	run.emitActivity(exporter.ElementFailed, a)
	run.failInstance(a, reason)
}

// failInstance halts the instance and records an incident for the token.
// Queued tokens stay pending and run again on RetryActivity.
func (run *instanceRun) failInstance(a *runtime.ActivityInstance, reason string) {
	run.instance.State = runtime.InstanceFailed
	run.instance.StateReason = reason
	run.halted = true
	run.queue = nil

	incident := runtime.Incident{
		Key:                run.engine.generateKey(),
		TenantId:           run.instance.TenantId,
		InstanceId:         run.instance.Id,
		ActivityInstanceId: a.Id,
		NodeId:             a.NodeId,
		Message:            reason,
		CreatedAt:          run.engine.now(),
	}
	run.incidents = append(run.incidents, incident)
	run.engine.metrics.IncidentsCreated.Add(run.ctx, 1)
	run.engine.logger.Warn("process instance failed", "instanceId", run.instance.Id, "nodeId", a.NodeId, "reason", reason)

	run.emit(exporter.InstanceFailed)
	event := run.engine.activityEvent(exporter.IncidentCreated, run.instance, a)
	event.Data = map[string]any{"incidentKey": incident.Key}
	run.events = append(run.events, event)
}

// withdraw ends an active token that did not complete, together with its
// human task, nested scope and armed boundaries.
func (run *instanceRun) withdraw(a *runtime.ActivityInstance, compensate bool) error {
	if a.State != runtime.ActivityActive {
		return nil
	}
	if a.Wait != nil && a.Wait.Kind == runtime.WaitUserTask {
		if err := run.cancelTask(a.Wait.TaskId); err != nil {
			return err
		}
	}
	if a.NodeType == model.NodeTypeSubProcess {
		nested := run.activeTokens(func(t *runtime.ActivityInstance) bool {
			return t.ScopeId == a.Id
		})
		for _, t := range nested {
			if err := run.withdraw(t, compensate); err != nil {
				return err
			}
		}
	}
	state := runtime.ActivityWithdrawn
	if node, ok := run.node(a); compensate && ok && node.Compensable {
		state = runtime.ActivityCompensated
	}
	run.retire(a, state)
	return nil
}

func (run *instanceRun) cancelTask(taskId int64) error {
	task, err := run.task(taskId)
	if err != nil {
		return err
	}
	if !task.Status.IsOpen() {
		return nil
	}
	now := run.engine.now()
	task.Status = runtime.TaskCancelled
	task.CompletedAt = &now
	run.saveTask(task)
	run.appendAction(task, runtime.TaskActionCancelled, "", SystemUser, run.instance.StateReason)
	return nil
}

// checkTokenWaiting validates that an externally addressed token is parked on kind.
func checkTokenWaiting(a *runtime.ActivityInstance, kind runtime.WaitKind) error {
	if !a.IsWaiting(kind) {
		return zenerr.ErrInvalidOperation.With(
			fmt.Sprintf("activity %d is not waiting for %s", a.Id, kind),
			"activityId", fmt.Sprint(a.Id),
		)
	}
	return nil
}
