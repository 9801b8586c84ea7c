package bpmn

import (
	"fmt"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
)

const defaultDocumentVariable = "document"

// executeServiceTask invokes a registered handler. Async tasks, tasks without
// a handler and handlers that neither complete nor fail become external jobs.
func (run *instanceRun) executeServiceTask(a *runtime.ActivityInstance, node *model.Node) {
	handler := run.engine.findTaskHandler(node)
	if node.Async || handler == nil {
		run.waitForJob(a)
		return
	}

	scope := run.scopeOf(a)
	job := &activatedJob{
		ctx:             run.ctx,
		key:             a.Id,
		instanceId:      run.instance.Id,
		definitionKey:   run.instance.DefinitionKey,
		version:         run.instance.Version,
		elementId:       node.Id,
		taskType:        node.TaskType,
		attempt:         a.Attempts + 1,
		createdAt:       a.CreatedAt,
		localVariables:  scope.All(),
		outputVariables: map[string]any{},
	}
	invokeHandler(handler, job)

	switch {
	case job.completed:
		if err := scope.SetAll(job.outputVariables); err != nil {
			run.handleFailure(a, node, err.Error())
			return
		}
		run.leave(a)
	case job.failed:
		run.handleFailure(a, node, job.failReason)
	default:
		run.waitForJob(a)
	}
}

// invokeHandler turns a handler panic into a failed job.
func invokeHandler(handler *taskHandler, job *activatedJob) {
	defer func() {
		if r := recover(); r != nil {
			job.completed = false
			job.failed = true
			job.failReason = fmt.Sprintf("task handler panicked: %v", r)
		}
	}()
	handler.handler(job)
}

func (run *instanceRun) waitForJob(a *runtime.ActivityInstance) {
	a.Wait = &runtime.WaitCondition{Kind: runtime.WaitJob}
	run.touch(a)
	run.engine.metrics.JobsCreated.Add(run.ctx, 1)
	run.arm(a)
}

func (run *instanceRun) executeScriptTask(a *runtime.ActivityInstance, node *model.Node) {
	if run.engine.scripts == nil {
		run.handleFailure(a, node, "no script runtime is configured")
		return
	}
	scope := run.scopeOf(a)
	result, err := run.engine.scripts.RunScript(run.ctx, node.Script, scope.All())
	if err != nil {
		run.handleFailure(a, node, fmt.Sprintf("script of %s failed: %s", node.Id, err))
		return
	}
	if node.ResultVariable != "" {
		if err := scope.Set(node.ResultVariable, result); err != nil {
			run.handleFailure(a, node, err.Error())
			return
		}
	}
	run.leave(a)
}

// executeBusinessRuleTask merges the rule outputs into the token scope, or
// stores them as one object when a result variable is declared.
func (run *instanceRun) executeBusinessRuleTask(a *runtime.ActivityInstance, node *model.Node) {
	if run.engine.rules == nil {
		run.handleFailure(a, node, "no rules engine is configured")
		return
	}
	scope := run.scopeOf(a)
	outputs, err := run.engine.rules.Evaluate(run.ctx, node.RuleSetKey, scope.All())
	if err != nil {
		run.handleFailure(a, node, fmt.Sprintf("rule set %s failed: %s", node.RuleSetKey, err))
		return
	}
	if node.ResultVariable != "" {
		err = scope.Set(node.ResultVariable, outputs)
	} else {
		err = scope.SetAll(outputs)
	}
	if err != nil {
		run.handleFailure(a, node, err.Error())
		return
	}
	run.leave(a)
}

func (run *instanceRun) executeDocumentTask(a *runtime.ActivityInstance, node *model.Node) {
	if run.engine.documents == nil {
		run.handleFailure(a, node, "no document service is configured")
		return
	}
	scope := run.scopeOf(a)
	document, err := run.engine.documents.Generate(run.ctx, node.TemplateId, scope.All())
	if err != nil {
		run.handleFailure(a, node, fmt.Sprintf("document %s failed: %s", node.TemplateId, err))
		return
	}
	variable := node.ResultVariable
	if variable == "" {
		variable = defaultDocumentVariable
	}
	if err := scope.Set(variable, document); err != nil {
		run.handleFailure(a, node, err.Error())
		return
	}
	run.leave(a)
}
