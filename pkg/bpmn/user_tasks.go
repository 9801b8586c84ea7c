package bpmn

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/pbinitiative/zenworkflow/internal/appcontext"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/exporter"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenworkflow/pkg/otel"
	"github.com/pbinitiative/zenworkflow/pkg/storage"
	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SystemUser may complete any task regardless of its assignee.
const SystemUser = "system"

// GroupResolver returns the groups of a user for candidate group checks.
type GroupResolver interface {
	Groups(ctx context.Context, userId string) ([]string, error)
}

// ContextGroupResolver trusts the groups the caller put on the context for
// the user it is acting as.
type ContextGroupResolver struct{}

func (ContextGroupResolver) Groups(ctx context.Context, userId string) ([]string, error) {
	caller, ok := appcontext.UserFromContext(ctx)
	if !ok || caller != userId {
		return nil, nil
	}
	return appcontext.GroupsFromContext(ctx), nil
}

type NewAttachment struct {
	Name        string `json:"name"`
	Uri         string `json:"uri"`
	ContentType string `json:"contentType,omitempty"`
}

func (run *instanceRun) createUserTask(a *runtime.ActivityInstance, node *model.Node) {
	definition := model.UserTaskDefinition{}
	if node.UserTask != nil {
		definition = *node.UserTask
	}
	variables := run.scopeOf(a).All()
	assignee, err := run.engine.feel.EvaluateString(definition.Assignee, variables)
	if err != nil {
		run.failToken(a, (&ExpressionEvaluationError{Msg: fmt.Sprintf("failed to evaluate assignee of %s", node.Id), Err: err}).Error())
		return
	}

	now := run.engine.now()
	task := &runtime.HumanTask{
		Id:                 run.engine.generateKey(),
		TenantId:           run.instance.TenantId,
		InstanceId:         run.instance.Id,
		ActivityInstanceId: a.Id,
		NodeId:             node.Id,
		Name:               node.Name,
		Status:             runtime.TaskCreated,
		CandidateUsers:     slices.Clone(definition.CandidateUsers),
		CandidateGroups:    slices.Clone(definition.CandidateGroups),
		Priority:           definition.Priority,
		FormKey:            definition.FormKey,
		CreatedAt:          now,
	}
	if definition.DueIn != "" {
		due, err := addISODuration(definition.DueIn, now)
		if err != nil {
			run.failToken(a, fmt.Sprintf("invalid due date of %s: %s", node.Id, err))
			return
		}
		task.DueDate = &due
	}
	run.saveTask(task)
	run.appendAction(task, runtime.TaskActionCreated, "", SystemUser, "")
	if assignee != "" {
		task.Assignee = assignee
		task.Status = runtime.TaskClaimed
		run.appendAction(task, runtime.TaskActionAssigned, assignee, SystemUser, "")
	}

	a.Wait = &runtime.WaitCondition{Kind: runtime.WaitUserTask, TaskId: task.Id}
	run.touch(a)
	run.engine.metrics.TasksCreated.Add(run.ctx, 1)
	event := run.engine.activityEvent(exporter.TaskCreated, run.instance, a)
	event.TaskId = task.Id
	run.events = append(run.events, event)
	run.arm(a)
}

func (engine *Engine) GetTask(ctx context.Context, taskId int64) (runtime.HumanTask, error) {
	task, err := engine.storage.FindHumanTask(ctx, taskId)
	if err != nil {
		return runtime.HumanTask{}, storageError(err, zenerr.ErrTaskNotFound, "human task %d not found", taskId)
	}
	if !checkTenant(ctx, task.TenantId) {
		return runtime.HumanTask{}, zenerr.ErrTaskNotFound.With(fmt.Sprintf("human task %d not found", taskId), "taskId", fmt.Sprint(taskId))
	}
	return task, nil
}

// FindTasks returns matching tasks, highest priority first. Callers
// restricted to a tenant only see that tenant's tasks.
func (engine *Engine) FindTasks(ctx context.Context, filter storage.TaskFilter) ([]runtime.HumanTask, error) {
	if tenantId, ok := appcontext.TenantFromContext(ctx); ok {
		filter.TenantId = tenantId
	}
	tasks, err := engine.storage.FindHumanTasks(ctx, filter)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to find human tasks"), err)
	}
	return tasks, nil
}

func (engine *Engine) TaskHistory(ctx context.Context, taskId int64) ([]runtime.TaskAction, error) {
	if _, err := engine.GetTask(ctx, taskId); err != nil {
		return nil, err
	}
	actions, err := engine.storage.FindTaskActions(ctx, taskId)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to load history of human task %d", taskId), err)
	}
	return actions, nil
}

// Claim assigns an unclaimed task to a candidate. Concurrent claims race on
// the task revision and all but one fail with zenerr.ErrInvalidOperation.
func (engine *Engine) Claim(ctx context.Context, taskId int64, userId string) (runtime.HumanTask, error) {
	return engine.mutateTask(ctx, taskId, "claim", func(task *runtime.HumanTask) (runtime.TaskAction, error) {
		if task.Status != runtime.TaskCreated {
			return runtime.TaskAction{}, taskOperationError(task, fmt.Sprintf("task %d is %s and can not be claimed", task.Id, task.Status))
		}
		if userId == "" {
			return runtime.TaskAction{}, taskOperationError(task, "user is required to claim a task")
		}
		groups, err := engine.groups.Groups(ctx, userId)
		if err != nil {
			return runtime.TaskAction{}, errors.Join(newEngineErrorf("failed to resolve groups of user %s", userId), err)
		}
		if !task.CanBeClaimedBy(userId, groups) {
			return runtime.TaskAction{}, taskOperationError(task, fmt.Sprintf("user %s is not a candidate of task %d", userId, task.Id))
		}
		task.Assignee = userId
		task.Status = runtime.TaskClaimed
		return runtime.TaskAction{Kind: runtime.TaskActionClaimed, UserId: userId, PerformedBy: userId}, nil
	})
}

// Unclaim returns a claimed task to the candidates.
func (engine *Engine) Unclaim(ctx context.Context, taskId int64, userId string) (runtime.HumanTask, error) {
	return engine.mutateTask(ctx, taskId, "unclaim", func(task *runtime.HumanTask) (runtime.TaskAction, error) {
		if err := requireAssignee(task, userId); err != nil {
			return runtime.TaskAction{}, err
		}
		task.Assignee = ""
		task.Owner = ""
		task.Status = runtime.TaskCreated
		return runtime.TaskAction{Kind: runtime.TaskActionUnclaimed, UserId: userId, PerformedBy: userId}, nil
	})
}

// Delegate hands a claimed task to another user. The first delegating user
// is kept as the owner.
func (engine *Engine) Delegate(ctx context.Context, taskId int64, fromUserId string, toUserId string) (runtime.HumanTask, error) {
	return engine.mutateTask(ctx, taskId, "delegate", func(task *runtime.HumanTask) (runtime.TaskAction, error) {
		if err := requireAssignee(task, fromUserId); err != nil {
			return runtime.TaskAction{}, err
		}
		if toUserId == "" || toUserId == fromUserId {
			return runtime.TaskAction{}, taskOperationError(task, "task must be delegated to another user")
		}
		if task.Owner == "" {
			task.Owner = fromUserId
		}
		task.Assignee = toUserId
		task.Status = runtime.TaskDelegated
		return runtime.TaskAction{Kind: runtime.TaskActionDelegated, UserId: toUserId, PerformedBy: fromUserId}, nil
	})
}

// Assign sets the assignee of an open task without checking candidates.
// An empty userId returns the task to the candidates.
func (engine *Engine) Assign(ctx context.Context, taskId int64, userId string, performedBy string) (runtime.HumanTask, error) {
	return engine.mutateTask(ctx, taskId, "assign", func(task *runtime.HumanTask) (runtime.TaskAction, error) {
		if !task.Status.IsOpen() {
			return runtime.TaskAction{}, taskOperationError(task, fmt.Sprintf("task %d is %s", task.Id, task.Status))
		}
		task.Assignee = userId
		task.Owner = ""
		task.Status = runtime.TaskClaimed
		if userId == "" {
			task.Status = runtime.TaskCreated
		}
		return runtime.TaskAction{Kind: runtime.TaskActionAssigned, UserId: userId, PerformedBy: performedBy}, nil
	})
}

func (engine *Engine) AddComment(ctx context.Context, taskId int64, userId string, text string) (runtime.HumanTask, error) {
	return engine.mutateTask(ctx, taskId, "comment", func(task *runtime.HumanTask) (runtime.TaskAction, error) {
		if text == "" {
			return runtime.TaskAction{}, taskOperationError(task, "comment must not be empty")
		}
		task.Comments = append(task.Comments, runtime.Comment{
			Id:        engine.generateKey(),
			UserId:    userId,
			Text:      text,
			CreatedAt: engine.now(),
		})
		return runtime.TaskAction{Kind: runtime.TaskActionCommented, UserId: userId, PerformedBy: userId, Details: text}, nil
	})
}

func (engine *Engine) AddAttachment(ctx context.Context, taskId int64, userId string, attachment NewAttachment) (runtime.HumanTask, error) {
	return engine.mutateTask(ctx, taskId, "attach", func(task *runtime.HumanTask) (runtime.TaskAction, error) {
		if attachment.Name == "" || attachment.Uri == "" {
			return runtime.TaskAction{}, taskOperationError(task, "attachment requires a name and an uri")
		}
		task.Attachments = append(task.Attachments, runtime.Attachment{
			Id:          engine.generateKey(),
			UserId:      userId,
			Name:        attachment.Name,
			Uri:         attachment.Uri,
			ContentType: attachment.ContentType,
			CreatedAt:   engine.now(),
		})
		return runtime.TaskAction{Kind: runtime.TaskActionAttached, UserId: userId, PerformedBy: userId, Details: attachment.Name}, nil
	})
}

// CompleteTask finishes a claimed task and resumes its token with the task
// output merged into the token scope.
func (engine *Engine) CompleteTask(ctx context.Context, taskId int64, variables map[string]any, action string, userId string) (runtime.HumanTask, error) {
	variables, err := normalizeInput(variables)
	if err != nil {
		return runtime.HumanTask{}, err
	}
	stored, err := engine.GetTask(ctx, taskId)
	if err != nil {
		return runtime.HumanTask{}, err
	}
	var completed runtime.HumanTask
	err = engine.withInstance(ctx, stored.InstanceId, "complete-task", func(run *instanceRun) error {
		if err := run.requireRunning(); err != nil {
			return err
		}
		task, err := run.task(taskId)
		if err != nil {
			return err
		}
		if task.Status != runtime.TaskClaimed && task.Status != runtime.TaskDelegated {
			return taskOperationError(task, fmt.Sprintf("task %d is %s and can not be completed", task.Id, task.Status))
		}
		if userId != SystemUser && userId != task.Assignee {
			return taskOperationError(task, fmt.Sprintf("user %s is not the assignee of task %d", userId, task.Id))
		}
		a, ok := run.activities[task.ActivityInstanceId]
		if !ok {
			panic(fmt.Sprintf("[invariant check] task %d refers to unknown activity %d", task.Id, task.ActivityInstanceId))
		}
		if err := checkTokenWaiting(a, runtime.WaitUserTask); err != nil {
			return err
		}
		if err := run.scopeOf(a).SetAll(variables); err != nil {
			return err
		}

		now := engine.now()
		task.Status = runtime.TaskCompleted
		task.Action = action
		task.Variables = variables
		task.CompletedAt = &now
		run.saveTask(task)
		run.appendAction(task, runtime.TaskActionCompleted, task.Assignee, userId, action)
		event := engine.activityEvent(exporter.TaskCompleted, run.instance, a)
		event.TaskId = task.Id
		run.events = append(run.events, event)

		run.leave(a)
		if err := run.runQueue(); err != nil {
			return err
		}
		completed = *task
		return nil
	})
	if err != nil {
		return runtime.HumanTask{}, err
	}
	engine.metrics.TasksCompleted.Add(ctx, 1)
	completed.Revision++
	return completed, nil
}

// mutateTask applies a change that does not advance the instance. It is
// guarded by the task revision rather than the instance lock.
func (engine *Engine) mutateTask(ctx context.Context, taskId int64, operation string, mutate func(task *runtime.HumanTask) (runtime.TaskAction, error)) (task runtime.HumanTask, err error) {
	ctx, span := engine.tracer.Start(ctx, "task:"+operation, trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeTaskId, taskId),
		attribute.String(otelPkg.AttributeOperation, operation),
	))
	defer func() { endSpan(span, err) }()

	task, err = engine.GetTask(ctx, taskId)
	if err != nil {
		return runtime.HumanTask{}, err
	}
	action, err := mutate(&task)
	if err != nil {
		return runtime.HumanTask{}, err
	}
	now := engine.now()
	task.UpdatedAt = now
	action.Id = engine.generateKey()
	action.TaskId = task.Id
	action.TenantId = task.TenantId
	action.At = now

	batch := engine.storage.NewBatch()
	if err := batch.SaveHumanTask(ctx, task); err != nil {
		return runtime.HumanTask{}, errors.Join(newEngineErrorf("failed to save human task %d", task.Id), err)
	}
	if err := batch.AppendTaskAction(ctx, action); err != nil {
		return runtime.HumanTask{}, errors.Join(newEngineErrorf("failed to save action of human task %d", task.Id), err)
	}
	if err := batch.Flush(ctx); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return runtime.HumanTask{}, zenerr.ErrInvalidOperation.With(
				fmt.Sprintf("task %d was modified concurrently", task.Id),
				"taskId", fmt.Sprint(task.Id),
			).Wrap(err)
		}
		return runtime.HumanTask{}, errors.Join(newEngineErrorf("failed to save human task %d", task.Id), err)
	}
	task.Revision++

	event := engine.newEvent(exporter.TaskUpdated, task.TenantId)
	event.InstanceId = task.InstanceId
	event.NodeId = task.NodeId
	event.ActivityId = task.ActivityInstanceId
	event.TaskId = task.Id
	event.Message = string(action.Kind)
	engine.notify(ctx, []exporter.Event{event})
	return task, nil
}

func requireAssignee(task *runtime.HumanTask, userId string) error {
	if task.Status != runtime.TaskClaimed && task.Status != runtime.TaskDelegated {
		return taskOperationError(task, fmt.Sprintf("task %d is %s and not claimed", task.Id, task.Status))
	}
	if task.Assignee != userId {
		return taskOperationError(task, fmt.Sprintf("user %s is not the assignee of task %d", userId, task.Id))
	}
	return nil
}

func taskOperationError(task *runtime.HumanTask, msg string) error {
	return zenerr.ErrInvalidOperation.With(msg, "taskId", fmt.Sprint(task.Id))
}
