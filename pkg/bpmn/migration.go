package bpmn

import (
	"context"
	"errors"
	"fmt"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/exporter"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenworkflow/pkg/otel"
	"github.com/pbinitiative/zenworkflow/pkg/storage"
	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// GenerateMigrationPlan pairs the nodes of two versions of a definition, by
// id first and then by unique name, both requiring the same node and event type.
// Nodes without a counterpart are reported as warnings. The plan is advisory
// and is stored so it can be executed by id.
func (engine *Engine) GenerateMigrationPlan(ctx context.Context, tenantId string, source runtime.VersionRef, target runtime.VersionRef) (runtime.MigrationPlan, error) {
	if source.Key != target.Key {
		return runtime.MigrationPlan{}, zenerr.ErrInvalidOperation.With(fmt.Sprintf("can not migrate between definitions %s and %s", source.Key, target.Key))
	}
	sourceVersion, err := engine.loadGraph(ctx, tenantId, source.Key, source.Version)
	if err != nil {
		return runtime.MigrationPlan{}, err
	}
	targetVersion, err := engine.loadGraph(ctx, tenantId, target.Key, target.Version)
	if err != nil {
		return runtime.MigrationPlan{}, err
	}

	plan := runtime.MigrationPlan{
		Id:        engine.generateKey(),
		TenantId:  tenantId,
		Source:    source,
		Target:    target,
		CreatedAt: engine.now(),
	}
	sourceGraph, targetGraph := sourceVersion.graph, targetVersion.graph
	targetsByName := uniqueNames(targetGraph)
	sourcesByName := uniqueNames(sourceGraph)
	mapped := map[string]bool{}
	for _, n := range sourceGraph.Nodes() {
		if t, ok := targetGraph.Node(n.Id); ok && checkMapping(sourceGraph, targetGraph, n.Id, t.Id) == "" {
			plan.Mappings = append(plan.Mappings, runtime.ActivityMapping{SourceNodeId: n.Id, TargetNodeId: t.Id})
			mapped[t.Id] = true
			continue
		}
		if t, ok := targetsByName[n.Name]; ok && sourcesByName[n.Name] == n && checkMapping(sourceGraph, targetGraph, n.Id, t.Id) == "" && !mapped[t.Id] {
			plan.Mappings = append(plan.Mappings, runtime.ActivityMapping{SourceNodeId: n.Id, TargetNodeId: t.Id})
			mapped[t.Id] = true
			continue
		}
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("node %s has no counterpart in version %d", n.Id, target.Version))
	}
	for _, t := range targetGraph.Nodes() {
		if !mapped[t.Id] {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("node %s of version %d is not mapped from version %d", t.Id, target.Version, source.Version))
		}
	}

	if err := engine.storage.SaveMigrationPlan(ctx, plan); err != nil {
		return runtime.MigrationPlan{}, errors.Join(newEngineErrorf("failed to save migration plan"), err)
	}
	return plan, nil
}

// uniqueNames indexes the nodes whose non-empty name is not shared.
func uniqueNames(g *model.Graph) map[string]*model.Node {
	counts := map[string]int{}
	for _, n := range g.Nodes() {
		if n.Name != "" {
			counts[n.Name]++
		}
	}
	byName := map[string]*model.Node{}
	for _, n := range g.Nodes() {
		if n.Name != "" && counts[n.Name] == 1 {
			byName[n.Name] = n
		}
	}
	return byName
}

func (engine *Engine) GetMigrationPlan(ctx context.Context, id int64) (runtime.MigrationPlan, error) {
	plan, err := engine.storage.FindMigrationPlan(ctx, id)
	if err != nil {
		return runtime.MigrationPlan{}, storageError(err, zenerr.ErrMigrationNotFound, "migration plan %d not found", id)
	}
	if !checkTenant(ctx, plan.TenantId) {
		return runtime.MigrationPlan{}, zenerr.ErrMigrationNotFound.With(fmt.Sprintf("migration plan %d not found", id))
	}
	return plan, nil
}

// ValidateMigrationPlan checks the mappings against both versions and reports
// a blocking issue for every active token of a live source instance whose
// node has no valid mapping.
func (engine *Engine) ValidateMigrationPlan(ctx context.Context, plan runtime.MigrationPlan) (model.ValidationResult, error) {
	result := model.ValidationResult{}
	sourceVersion, err := engine.loadGraph(ctx, plan.TenantId, plan.Source.Key, plan.Source.Version)
	if err != nil {
		return result, err
	}
	targetVersion, err := engine.loadGraph(ctx, plan.TenantId, plan.Target.Key, plan.Target.Version)
	if err != nil {
		return result, err
	}
	for _, m := range plan.Mappings {
		if msg := checkMapping(sourceVersion.graph, targetVersion.graph, m.SourceNodeId, m.TargetNodeId); msg != "" {
			result.Issues = append(result.Issues, zenerr.Issue{Severity: zenerr.SeverityError, NodeId: m.SourceNodeId, Message: msg})
		}
	}

	instances, err := engine.storage.FindProcessInstances(ctx, storage.InstanceFilter{
		TenantId:      plan.TenantId,
		DefinitionKey: plan.Source.Key,
		Version:       plan.Source.Version,
	})
	if err != nil {
		return result, errors.Join(newEngineErrorf("failed to find instances of %s version %d", plan.Source.Key, plan.Source.Version), err)
	}
	for _, instance := range instances {
		if instance.State == runtime.InstanceCompleted || instance.State == runtime.InstanceCancelled {
			continue
		}
		activities, err := engine.storage.FindActivityInstances(ctx, instance.Id)
		if err != nil {
			return result, errors.Join(newEngineErrorf("failed to load activities of process instance %s", instance.Id), err)
		}
		for _, a := range activities {
			if a.State != runtime.ActivityActive {
				continue
			}
			if _, err := mapNode(plan, sourceVersion.graph, targetVersion.graph, a.NodeId); err != nil {
				result.Issues = append(result.Issues, zenerr.Issue{
					Severity: zenerr.SeverityError,
					NodeId:   a.NodeId,
					Message:  fmt.Sprintf("process instance %s: %s", instance.Id, err),
				})
			}
		}
	}
	return result, nil
}

// ExecuteMigration moves the given instances to the target version of the
// plan. Every instance is migrated atomically under its own lock; a failing
// instance does not affect the others.
func (engine *Engine) ExecuteMigration(ctx context.Context, planId int64, instanceIds []string) (execution runtime.MigrationExecution, err error) {
	ctx, span := engine.tracer.Start(ctx, "migration:execute", trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeMigrationId, planId),
		attribute.Int(otelPkg.AttributeMigrationCount, len(instanceIds)),
	))
	defer func() { endSpan(span, err) }()

	plan, err := engine.GetMigrationPlan(ctx, planId)
	if err != nil {
		return runtime.MigrationExecution{}, err
	}
	sourceVersion, err := engine.loadGraph(ctx, plan.TenantId, plan.Source.Key, plan.Source.Version)
	if err != nil {
		return runtime.MigrationExecution{}, err
	}
	targetVersion, err := engine.loadGraph(ctx, plan.TenantId, plan.Target.Key, plan.Target.Version)
	if err != nil {
		return runtime.MigrationExecution{}, err
	}

	execution = runtime.MigrationExecution{
		Id:        engine.generateKey(),
		TenantId:  plan.TenantId,
		PlanId:    plan.Id,
		Kind:      runtime.MigrationMigrate,
		StartedAt: engine.now(),
	}
	for _, instanceId := range instanceIds {
		remapped := map[int64]string{}
		err := engine.withInstance(ctx, instanceId, "migrate", func(run *instanceRun) error {
			if run.instance.TenantId != plan.TenantId || run.instance.Ref() != plan.Source {
				return zenerr.ErrInvalidOperation.With(fmt.Sprintf("process instance %s is bound to %s version %d", instanceId, run.instance.DefinitionKey, run.instance.Version), "instanceId", instanceId)
			}
			if run.instance.State == runtime.InstanceCompleted || run.instance.State == runtime.InstanceCancelled {
				return invalidTransition(run.instance, run.instance.State)
			}
			return run.remapTokens(targetVersion, remapped, func(a *runtime.ActivityInstance) (string, error) {
				return mapNode(plan, sourceVersion.graph, targetVersion.graph, a.NodeId)
			})
		})
		execution.Results = append(execution.Results, migrationResult(instanceId, remapped, err))
	}
	execution.FinishedAt = engine.now()
	if err := engine.storage.SaveMigrationExecution(ctx, execution); err != nil {
		return runtime.MigrationExecution{}, errors.Join(newEngineErrorf("failed to save migration execution"), err)
	}
	return execution, nil
}

// RollbackMigration moves the successfully migrated instances of an
// execution back to the source version. Tokens return to the node recorded
// during the migration, or to the unique inverse mapping of their current
// node. Instances already on the source version are skipped, so an
// interrupted rollback is finished by running it again.
func (engine *Engine) RollbackMigration(ctx context.Context, executionId int64) (rollback runtime.MigrationExecution, err error) {
	ctx, span := engine.tracer.Start(ctx, "migration:rollback", trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeMigrationId, executionId),
	))
	defer func() { endSpan(span, err) }()

	execution, err := engine.GetMigrationExecution(ctx, executionId)
	if err != nil {
		return runtime.MigrationExecution{}, err
	}
	if execution.Kind != runtime.MigrationMigrate {
		return runtime.MigrationExecution{}, zenerr.ErrInvalidOperation.With(fmt.Sprintf("execution %d is a rollback itself", executionId))
	}
	plan, err := engine.GetMigrationPlan(ctx, execution.PlanId)
	if err != nil {
		return runtime.MigrationExecution{}, err
	}
	sourceVersion, err := engine.loadGraph(ctx, plan.TenantId, plan.Source.Key, plan.Source.Version)
	if err != nil {
		return runtime.MigrationExecution{}, err
	}
	inverse := plan.Inverse()

	rollback = runtime.MigrationExecution{
		Id:         engine.generateKey(),
		TenantId:   plan.TenantId,
		PlanId:     plan.Id,
		Kind:       runtime.MigrationRollback,
		RollbackOf: execution.Id,
		StartedAt:  engine.now(),
	}
	for _, result := range execution.Results {
		if !result.Success {
			continue
		}
		restored := map[int64]string{}
		err := engine.withInstance(ctx, result.InstanceId, "rollback-migration", func(run *instanceRun) error {
			if run.instance.Ref() == plan.Source {
				return nil
			}
			if run.instance.Ref() != plan.Target {
				return zenerr.ErrInvalidOperation.With(fmt.Sprintf("process instance %s moved on to %s version %d", result.InstanceId, run.instance.DefinitionKey, run.instance.Version), "instanceId", result.InstanceId)
			}
			return run.remapTokens(sourceVersion, restored, func(a *runtime.ActivityInstance) (string, error) {
				if original, ok := result.Remapped[a.Id]; ok {
					return original, nil
				}
				if original, ok := inverse[a.NodeId]; ok {
					return original, nil
				}
				return "", fmt.Errorf("active node %s has no unique source node", a.NodeId)
			})
		})
		rollback.Results = append(rollback.Results, migrationResult(result.InstanceId, restored, err))
	}
	rollback.FinishedAt = engine.now()
	if err := engine.storage.SaveMigrationExecution(ctx, rollback); err != nil {
		return runtime.MigrationExecution{}, errors.Join(newEngineErrorf("failed to save migration rollback"), err)
	}
	return rollback, nil
}

func (engine *Engine) GetMigrationExecution(ctx context.Context, id int64) (runtime.MigrationExecution, error) {
	execution, err := engine.storage.FindMigrationExecution(ctx, id)
	if err != nil {
		return runtime.MigrationExecution{}, storageError(err, zenerr.ErrMigrationNotFound, "migration execution %d not found", id)
	}
	if !checkTenant(ctx, execution.TenantId) {
		return runtime.MigrationExecution{}, zenerr.ErrMigrationNotFound.With(fmt.Sprintf("migration execution %d not found", id))
	}
	return execution, nil
}

// remapTokens moves every active token and its human task to the node chosen
// by choose and rebinds the instance to the version. The join flow and the
// awaited event name of a token follow the target node. Any unmapped token
// fails the whole instance.
func (run *instanceRun) remapTokens(version *compiledVersion, remapped map[int64]string, choose func(a *runtime.ActivityInstance) (string, error)) error {
	source := run.graph()
	for _, a := range run.activeTokens(nil) {
		targetId, err := choose(a)
		if err != nil {
			return zenerr.ErrValidationFailed.With(err.Error(), "instanceId", run.instance.Id, "nodeId", a.NodeId)
		}
		if msg := checkMapping(source, version.graph, a.NodeId, targetId); msg != "" {
			return zenerr.ErrValidationFailed.With(fmt.Sprintf("node %s is not a valid target for %s: %s", targetId, a.NodeId, msg), "instanceId", run.instance.Id, "nodeId", a.NodeId)
		}
		targetNode, _ := version.graph.Node(targetId)
		flowId, err := remapIncomingFlow(source, version.graph, a.IncomingFlowId, targetId)
		if err != nil {
			return zenerr.ErrValidationFailed.With(err.Error(), "instanceId", run.instance.Id, "nodeId", a.NodeId)
		}
		remapped[a.Id] = a.NodeId
		waitName := ""
		if a.Wait != nil && (a.Wait.Kind == runtime.WaitSignal || a.Wait.Kind == runtime.WaitMessage) && targetNode.Event != nil {
			waitName = targetNode.Event.Name
		}
		if targetId == a.NodeId && flowId == a.IncomingFlowId && (waitName == "" || waitName == a.Wait.Name) {
			continue
		}
		movedNode := targetId != a.NodeId
		a.NodeId = targetId
		a.IncomingFlowId = flowId
		if waitName != "" {
			a.Wait.Name = waitName
		}
		run.touch(a)
		if movedNode && a.Wait != nil && a.Wait.Kind == runtime.WaitUserTask {
			task, err := run.task(a.Wait.TaskId)
			if err != nil {
				return err
			}
			details := fmt.Sprintf("%s -> %s", task.NodeId, targetId)
			task.NodeId = targetId
			run.saveTask(task)
			run.appendAction(task, runtime.TaskActionMigrated, "", SystemUser, details)
		}
	}
	run.version = version
	run.instance.Version = version.version.Version
	run.emit(exporter.InstanceMigrated)
	return nil
}

// remapIncomingFlow finds the flow of target entering targetId that stands
// for flowId of source: the flow with the same id, the only incoming flow, or
// the only incoming flow leaving a node with the same id.
func remapIncomingFlow(source *model.Graph, target *model.Graph, flowId string, targetId string) (string, error) {
	if flowId == "" {
		return "", nil
	}
	incoming := target.Incoming(targetId)
	for _, f := range incoming {
		if f.Id == flowId {
			return f.Id, nil
		}
	}
	if len(incoming) == 1 {
		return incoming[0].Id, nil
	}
	if old, ok := source.Flow(flowId); ok {
		var match *model.Flow
		for _, f := range incoming {
			if f.Source != old.Source {
				continue
			}
			if match != nil {
				match = nil
				break
			}
			match = f
		}
		if match != nil {
			return match.Id, nil
		}
	}
	return "", fmt.Errorf("incoming flow %s has no counterpart entering %s", flowId, targetId)
}

// mapNode returns the target node of an active source node.
func mapNode(plan runtime.MigrationPlan, source *model.Graph, target *model.Graph, nodeId string) (string, error) {
	targetId, ok := plan.Lookup(nodeId)
	if !ok {
		return "", fmt.Errorf("active node %s has no mapping", nodeId)
	}
	if msg := checkMapping(source, target, nodeId, targetId); msg != "" {
		return "", errors.New(msg)
	}
	return targetId, nil
}

func checkMapping(source *model.Graph, target *model.Graph, sourceId string, targetId string) string {
	s, ok := source.Node(sourceId)
	if !ok {
		return fmt.Sprintf("source node %s does not exist", sourceId)
	}
	t, ok := target.Node(targetId)
	if !ok {
		return fmt.Sprintf("target node %s does not exist", targetId)
	}
	if s.Type != t.Type {
		return fmt.Sprintf("node %s (%s) can not be mapped to %s (%s)", sourceId, s.Type, targetId, t.Type)
	}
	if eventKind(s) != eventKind(t) {
		return fmt.Sprintf("node %s (%s event) can not be mapped to %s (%s event)", sourceId, eventKind(s), targetId, eventKind(t))
	}
	return ""
}

func eventKind(n *model.Node) model.EventKind {
	if n.Event == nil {
		return ""
	}
	return n.Event.Kind
}

func migrationResult(instanceId string, remapped map[int64]string, err error) runtime.MigrationResult {
	if err != nil {
		return runtime.MigrationResult{InstanceId: instanceId, Success: false, Error: err.Error()}
	}
	if len(remapped) == 0 {
		remapped = nil
	}
	return runtime.MigrationResult{InstanceId: instanceId, Success: true, Remapped: remapped}
}
