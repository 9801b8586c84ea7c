package bolt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenworkflow/pkg/storage"
	"go.etcd.io/bbolt"
)

// StorageBatch queues writes and replays them inside one bbolt Update.
// A failing revision check rolls the whole transaction back.
type StorageBatch struct {
	db        *Storage
	stmtToRun []func(tx *bbolt.Tx) error
}

func (s *Storage) NewBatch() storage.Batch {
	return &StorageBatch{
		db:        s,
		stmtToRun: make([]func(tx *bbolt.Tx) error, 0, 10),
	}
}

var _ storage.Batch = &StorageBatch{}

func (b *StorageBatch) Flush(ctx context.Context) error {
	defer func() {
		b.stmtToRun = b.stmtToRun[:0]
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.db.Update(func(tx *bbolt.Tx) error {
		for _, stmt := range b.stmtToRun {
			if err := stmt(tx); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *StorageBatch) SaveProcessInstance(ctx context.Context, instance runtime.ProcessInstance) error {
	return b.putEncoded(bucketInstances, []byte(instance.Id), instance)
}

func (b *StorageBatch) SaveActivityInstance(ctx context.Context, activity runtime.ActivityInstance) error {
	return b.putEncoded(bucketActivities, idKey(activity.Id), activity)
}

func (b *StorageBatch) SaveScope(ctx context.Context, scope runtime.ScopeRecord) error {
	return b.putEncoded(bucketScopes, idKey(scope.Id), scope)
}

func (b *StorageBatch) SaveHumanTask(ctx context.Context, task runtime.HumanTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %d: %w", task.Id, err)
	}
	var snapshot runtime.HumanTask
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to decode task %d: %w", task.Id, err)
	}
	b.stmtToRun = append(b.stmtToRun, func(tx *bbolt.Tx) error {
		return saveHumanTask(tx, snapshot)
	})
	return nil
}

func (b *StorageBatch) AppendTaskAction(ctx context.Context, action runtime.TaskAction) error {
	return b.putEncoded(bucketTaskActions, taskActionKey(action.TaskId, action.Id), action)
}

func (b *StorageBatch) SaveIncident(ctx context.Context, incident runtime.Incident) error {
	return b.putEncoded(bucketIncidents, idKey(incident.Key), incident)
}

// putEncoded encodes v right away so mutations made by the caller before
// Flush are not persisted.
func (b *StorageBatch) putEncoded(bucket []byte, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %T: %w", v, err)
	}
	b.stmtToRun = append(b.stmtToRun, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
	return nil
}
