package inmemory

import (
	"context"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenworkflow/pkg/storage"
)

// StorageBatch queues statements and applies them under a single write lock.
// Revision checks run before anything is applied.
type StorageBatch struct {
	db        *Storage
	checks    []func(pending map[int64]int64) error
	stmtToRun []func()
}

func (mem *Storage) NewBatch() storage.Batch {
	return &StorageBatch{
		db:        mem,
		stmtToRun: make([]func(), 0, 10),
	}
}

var _ storage.Batch = &StorageBatch{}

func (b *StorageBatch) Flush(ctx context.Context) error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	defer func() {
		b.checks = nil
		b.stmtToRun = b.stmtToRun[:0]
	}()

	pending := map[int64]int64{}
	for _, check := range b.checks {
		if err := check(pending); err != nil {
			return err
		}
	}
	for _, stmt := range b.stmtToRun {
		stmt()
	}
	return nil
}

func (b *StorageBatch) SaveProcessInstance(ctx context.Context, instance runtime.ProcessInstance) error {
	instance = clone(instance)
	b.stmtToRun = append(b.stmtToRun, func() {
		b.db.instances[instance.Id] = instance
	})
	return nil
}

func (b *StorageBatch) SaveActivityInstance(ctx context.Context, activity runtime.ActivityInstance) error {
	activity = clone(activity)
	b.stmtToRun = append(b.stmtToRun, func() {
		b.db.activities[activity.Id] = activity
	})
	return nil
}

func (b *StorageBatch) SaveScope(ctx context.Context, scope runtime.ScopeRecord) error {
	scope = clone(scope)
	b.stmtToRun = append(b.stmtToRun, func() {
		b.db.scopes[scope.Id] = scope
	})
	return nil
}

func (b *StorageBatch) SaveHumanTask(ctx context.Context, task runtime.HumanTask) error {
	task = clone(task)
	b.checks = append(b.checks, func(pending map[int64]int64) error {
		if err := b.db.checkTaskRevision(task, pending); err != nil {
			return err
		}
		pending[task.Id] = task.Revision + 1
		return nil
	})
	b.stmtToRun = append(b.stmtToRun, func() {
		b.db.putTask(task)
	})
	return nil
}

func (b *StorageBatch) AppendTaskAction(ctx context.Context, action runtime.TaskAction) error {
	b.stmtToRun = append(b.stmtToRun, func() {
		b.db.taskActions[action.TaskId] = append(b.db.taskActions[action.TaskId], action)
	})
	return nil
}

func (b *StorageBatch) SaveIncident(ctx context.Context, incident runtime.Incident) error {
	b.stmtToRun = append(b.stmtToRun, func() {
		b.db.incidents[incident.Key] = incident
	})
	return nil
}
