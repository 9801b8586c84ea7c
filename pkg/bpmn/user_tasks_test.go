package bpmn

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pbinitiative/zenworkflow/internal/appcontext"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenworkflow/pkg/storage"
	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApproveScenario(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "approval.yaml")

	// given
	instance := engine.start(t, "approval", nil)
	assert.Equal(t, runtime.InstanceRunning, instance.State)
	approve := engine.tokens(t, instance.Id, "approve")
	require.Len(t, approve, 1)
	assert.True(t, approve[0].IsWaiting(runtime.WaitUserTask))
	task := engine.openTask(t, instance.Id, "approve")

	// when
	_, err := engine.Claim(t.Context(), task.Id, "alice")
	require.NoError(t, err)
	completed, err := engine.CompleteTask(t.Context(), task.Id, map[string]any{"approved": true}, "approve", "alice")
	require.NoError(t, err)

	// then
	assert.Equal(t, runtime.TaskCompleted, completed.Status)
	assert.Equal(t, "approve", completed.Action)
	assert.Equal(t, runtime.InstanceCompleted, engine.instance(t, instance.Id).State)
	vars, err := engine.GetVariables(t.Context(), instance.Id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"approved": true}, vars)
}

func TestUserTaskCarriesDefinitionAttributes(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "approval.yaml")

	// when
	instance := engine.start(t, "approval", nil)

	// then
	task := engine.openTask(t, instance.Id, "approve")
	assert.Equal(t, runtime.TaskCreated, task.Status)
	assert.Equal(t, "Approve request", task.Name)
	assert.Equal(t, []string{"alice", "bob"}, task.CandidateUsers)
	assert.Equal(t, []string{"approvers"}, task.CandidateGroups)
	assert.Equal(t, 10, task.Priority)
	assert.Equal(t, "approval-form", task.FormKey)
	require.NotNil(t, task.DueDate)
	assert.Equal(t, engine.clock.Now().Add(24*time.Hour), *task.DueDate)
}

func TestCompleteRequiresClaimedTask(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "approval.yaml")
	instance := engine.start(t, "approval", nil)
	task := engine.openTask(t, instance.Id, "approve")

	// when
	_, err := engine.CompleteTask(t.Context(), task.Id, nil, "approve", SystemUser)

	// then
	assert.ErrorIs(t, err, zenerr.ErrInvalidOperation)
	assert.Equal(t, runtime.InstanceRunning, engine.instance(t, instance.Id).State)

	// when
	completed, err := engine.completeTask(t, task.Id, map[string]any{"approved": true}, "approve")

	// then
	require.NoError(t, err)
	assert.Equal(t, runtime.TaskCompleted, completed.Status)
	assert.Equal(t, "reviewer", completed.Assignee)
}

func TestConcurrentClaimsOnlyOneWins(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "parallel_user_tasks.yaml")
	instance := engine.start(t, "parallel-review", nil)
	task := engine.openTask(t, instance.Id, "legal")

	// given
	const claimers = 16
	var wg sync.WaitGroup
	errs := make([]error, claimers)

	// when
	for i := range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = engine.Claim(t.Context(), task.Id, fmt.Sprintf("user-%d", i))
		}()
	}
	wg.Wait()

	// then
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, zenerr.ErrInvalidOperation)
	}
	assert.Equal(t, 1, succeeded)
	claimed, err := engine.GetTask(t.Context(), task.Id)
	require.NoError(t, err)
	assert.Equal(t, runtime.TaskClaimed, claimed.Status)
	assert.NotEmpty(t, claimed.Assignee)
}

func TestClaimRequiresCandidate(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "approval.yaml")
	instance := engine.start(t, "approval", nil)
	task := engine.openTask(t, instance.Id, "approve")

	// when
	_, err := engine.Claim(t.Context(), task.Id, "mallory")

	// then
	assert.ErrorIs(t, err, zenerr.ErrInvalidOperation)
}

func TestClaimByCandidateGroup(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "approval.yaml")
	instance := engine.start(t, "approval", nil)
	task := engine.openTask(t, instance.Id, "approve")

	// given
	ctx := appcontext.WithUser(t.Context(), "carol", []string{"approvers"})

	// when
	claimed, err := engine.Claim(ctx, task.Id, "carol")

	// then
	require.NoError(t, err)
	assert.Equal(t, "carol", claimed.Assignee)
	assert.Equal(t, runtime.TaskClaimed, claimed.Status)
}

func TestDelegateAndUnclaim(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "approval.yaml")
	instance := engine.start(t, "approval", nil)
	task := engine.openTask(t, instance.Id, "approve")
	_, err := engine.Claim(t.Context(), task.Id, "alice")
	require.NoError(t, err)

	// when
	delegated, err := engine.Delegate(t.Context(), task.Id, "alice", "dave")

	// then
	require.NoError(t, err)
	assert.Equal(t, runtime.TaskDelegated, delegated.Status)
	assert.Equal(t, "dave", delegated.Assignee)
	assert.Equal(t, "alice", delegated.Owner)

	// when
	_, err = engine.Unclaim(t.Context(), task.Id, "alice")

	// then
	assert.ErrorIs(t, err, zenerr.ErrInvalidOperation)

	// when
	unclaimed, err := engine.Unclaim(t.Context(), task.Id, "dave")

	// then
	require.NoError(t, err)
	assert.Equal(t, runtime.TaskCreated, unclaimed.Status)
	assert.Empty(t, unclaimed.Assignee)
	assert.Empty(t, unclaimed.Owner)
}

func TestCompleteRequiresAssignee(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "approval.yaml")
	instance := engine.start(t, "approval", nil)
	task := engine.openTask(t, instance.Id, "approve")

	// when
	_, err := engine.CompleteTask(t.Context(), task.Id, nil, "approve", "alice")

	// then
	assert.ErrorIs(t, err, zenerr.ErrInvalidOperation)

	// given
	_, err = engine.Claim(t.Context(), task.Id, "alice")
	require.NoError(t, err)

	// when
	_, err = engine.CompleteTask(t.Context(), task.Id, nil, "approve", "bob")

	// then
	assert.ErrorIs(t, err, zenerr.ErrInvalidOperation)
	assert.Equal(t, runtime.InstanceRunning, engine.instance(t, instance.Id).State)
}

func TestCommentsAttachmentsAndHistory(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "approval.yaml")
	instance := engine.start(t, "approval", nil)
	task := engine.openTask(t, instance.Id, "approve")

	// when
	_, err := engine.AddComment(t.Context(), task.Id, "alice", "looks fine")
	require.NoError(t, err)
	updated, err := engine.AddAttachment(t.Context(), task.Id, "alice", NewAttachment{Name: "offer.pdf", Uri: "s3://offers/1.pdf", ContentType: "application/pdf"})
	require.NoError(t, err)
	_, err = engine.AddComment(t.Context(), task.Id, "alice", "")

	// then
	assert.ErrorIs(t, err, zenerr.ErrInvalidOperation)
	require.Len(t, updated.Comments, 1)
	assert.Equal(t, "looks fine", updated.Comments[0].Text)
	require.Len(t, updated.Attachments, 1)
	assert.Equal(t, "offer.pdf", updated.Attachments[0].Name)

	history, err := engine.TaskHistory(t.Context(), task.Id)
	require.NoError(t, err)
	var kinds []runtime.TaskActionKind
	for _, action := range history {
		kinds = append(kinds, action.Kind)
	}
	assert.Equal(t, []runtime.TaskActionKind{
		runtime.TaskActionCreated,
		runtime.TaskActionCommented,
		runtime.TaskActionAttached,
	}, kinds)
}

func TestAssigneeExpressionPreassignsTask(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	m := loadModel(t, "approval.yaml")
	m.Key = "preassigned"
	m.Nodes[1].UserTask = &model.UserTaskDefinition{Assignee: "=requester"}
	_, err := engine.CreateDefinition(t.Context(), testTenant, m)
	require.NoError(t, err)
	require.NoError(t, engine.Publish(t.Context(), testTenant, m.Key, 1))

	// when
	instance := engine.start(t, m.Key, map[string]any{"requester": "erin"})

	// then
	task := engine.openTask(t, instance.Id, "approve")
	assert.Equal(t, runtime.TaskClaimed, task.Status)
	assert.Equal(t, "erin", task.Assignee)
	tasks, err := engine.FindTasks(t.Context(), storage.TaskFilter{Assignee: "erin"})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestTasksAreHiddenFromOtherTenants(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "approval.yaml")
	instance := engine.start(t, "approval", nil)
	task := engine.openTask(t, instance.Id, "approve")

	// given
	ctx := appcontext.WithTenant(t.Context(), "globex")

	// when
	_, err := engine.GetTask(ctx, task.Id)
	_, claimErr := engine.Claim(ctx, task.Id, "alice")
	tasks, findErr := engine.FindTasks(ctx, storage.TaskFilter{})

	// then
	assert.ErrorIs(t, err, zenerr.ErrTaskNotFound)
	assert.ErrorIs(t, claimErr, zenerr.ErrTaskNotFound)
	require.NoError(t, findErr)
	assert.Empty(t, tasks)
}
