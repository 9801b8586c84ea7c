// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package bolt is a single node durable implementation of storage.Storage on
// top of bbolt. Every record is a JSON document; a Batch is one bbolt write
// transaction.
package bolt

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenworkflow/pkg/storage"
	"go.etcd.io/bbolt"
)

var (
	bucketDefinitions = []byte("definitions")
	bucketVersions    = []byte("versions")
	bucketInstances   = []byte("instances")
	bucketActivities  = []byte("activities")
	bucketScopes      = []byte("scopes")
	bucketTasks       = []byte("tasks")
	bucketTaskActions = []byte("task_actions")
	bucketIncidents   = []byte("incidents")
	bucketPlans       = []byte("migration_plans")
	bucketExecutions  = []byte("migration_executions")

	allBuckets = [][]byte{
		bucketDefinitions, bucketVersions, bucketInstances, bucketActivities, bucketScopes,
		bucketTasks, bucketTaskActions, bucketIncidents, bucketPlans, bucketExecutions,
	}
)

type Storage struct {
	db *bbolt.DB
}

var _ storage.Storage = &Storage{}

// Open opens (or creates) the database file at path.
func Open(path string) (*Storage, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create buckets"), err, db.Close())
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func definitionKey(tenantId, key string) []byte {
	return []byte(tenantId + "\x00" + key)
}

func versionKey(tenantId, key string, version int32) []byte {
	return fmt.Appendf(nil, "%s\x00%s\x00%010d", tenantId, key, version)
}

func idKey(id int64) []byte {
	return fmt.Appendf(nil, "%020d", id)
}

func taskActionKey(taskId, actionId int64) []byte {
	return fmt.Appendf(nil, "%020d/%020d", taskId, actionId)
}

func put(tx *bbolt.Tx, bucket []byte, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return tx.Bucket(bucket).Put(key, data)
}

func get[T any](tx *bbolt.Tx, bucket []byte, key []byte) (T, error) {
	var v T
	data := tx.Bucket(bucket).Get(key)
	if data == nil {
		return v, storage.ErrNotFound
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return v, nil
}

// scan decodes every record under prefix and keeps the ones match accepts.
func scan[T any](tx *bbolt.Tx, bucket []byte, prefix []byte, match func(T) bool) ([]T, error) {
	res := make([]T, 0)
	c := tx.Bucket(bucket).Cursor()
	for k, data := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, data = c.Next() {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %T: %w", v, err)
		}
		if match == nil || match(v) {
			res = append(res, v)
		}
	}
	return res, nil
}

func view[T any](s *Storage, fn func(tx *bbolt.Tx) (T, error)) (T, error) {
	var res T
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		res, err = fn(tx)
		return err
	})
	return res, err
}

var _ storage.ProcessDefinitionStorageReader = &Storage{}

func (s *Storage) FindDefinition(ctx context.Context, tenantId string, key string) (runtime.ProcessDefinition, error) {
	return view(s, func(tx *bbolt.Tx) (runtime.ProcessDefinition, error) {
		return get[runtime.ProcessDefinition](tx, bucketDefinitions, definitionKey(tenantId, key))
	})
}

func (s *Storage) FindDefinitions(ctx context.Context, tenantId string) ([]runtime.ProcessDefinition, error) {
	return view(s, func(tx *bbolt.Tx) ([]runtime.ProcessDefinition, error) {
		return scan[runtime.ProcessDefinition](tx, bucketDefinitions, []byte(tenantId+"\x00"), nil)
	})
}

func (s *Storage) FindVersion(ctx context.Context, tenantId string, key string, version int32) (runtime.ProcessVersion, error) {
	return view(s, func(tx *bbolt.Tx) (runtime.ProcessVersion, error) {
		return get[runtime.ProcessVersion](tx, bucketVersions, versionKey(tenantId, key, version))
	})
}

func (s *Storage) FindVersions(ctx context.Context, tenantId string, key string) ([]runtime.ProcessVersion, error) {
	return view(s, func(tx *bbolt.Tx) ([]runtime.ProcessVersion, error) {
		return scan[runtime.ProcessVersion](tx, bucketVersions, []byte(tenantId+"\x00"+key+"\x00"), nil)
	})
}

var _ storage.ProcessDefinitionStorageWriter = &Storage{}

func (s *Storage) CreateDefinition(ctx context.Context, definition runtime.ProcessDefinition, first runtime.ProcessVersion) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dk := definitionKey(definition.TenantId, definition.Key)
		if tx.Bucket(bucketDefinitions).Get(dk) != nil {
			return storage.ErrConflict
		}
		definition.LatestVersion = 1
		first.Version = 1
		return errors.Join(
			put(tx, bucketDefinitions, dk, definition),
			put(tx, bucketVersions, versionKey(first.TenantId, first.Key, 1), first),
		)
	})
}

func (s *Storage) AppendVersion(ctx context.Context, tenantId string, key string, version runtime.ProcessVersion) (runtime.ProcessVersion, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		def, err := get[runtime.ProcessDefinition](tx, bucketDefinitions, definitionKey(tenantId, key))
		if err != nil {
			return err
		}
		def.LatestVersion++
		version.Version = def.LatestVersion
		return errors.Join(
			put(tx, bucketDefinitions, definitionKey(tenantId, key), def),
			put(tx, bucketVersions, versionKey(tenantId, key, version.Version), version),
		)
	})
	return version, err
}

func (s *Storage) PublishVersion(ctx context.Context, tenantId string, key string, version int32, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		def, err := get[runtime.ProcessDefinition](tx, bucketDefinitions, definitionKey(tenantId, key))
		if err != nil {
			return err
		}
		target, err := get[runtime.ProcessVersion](tx, bucketVersions, versionKey(tenantId, key, version))
		if err != nil {
			return err
		}
		if target.Status != runtime.DefinitionDraft {
			return storage.ErrInvalidState
		}
		if def.PublishedVersion != 0 {
			prior, err := get[runtime.ProcessVersion](tx, bucketVersions, versionKey(tenantId, key, def.PublishedVersion))
			if err != nil {
				return err
			}
			prior.Status = runtime.DefinitionDeprecated
			prior.DeprecatedAt = &at
			if err := put(tx, bucketVersions, versionKey(tenantId, key, prior.Version), prior); err != nil {
				return err
			}
		}
		target.Status = runtime.DefinitionPublished
		target.PublishedAt = &at
		def.PublishedVersion = version
		return errors.Join(
			put(tx, bucketVersions, versionKey(tenantId, key, version), target),
			put(tx, bucketDefinitions, definitionKey(tenantId, key), def),
		)
	})
}

func (s *Storage) DeprecateVersion(ctx context.Context, tenantId string, key string, version int32, force bool, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		def, err := get[runtime.ProcessDefinition](tx, bucketDefinitions, definitionKey(tenantId, key))
		if err != nil {
			return err
		}
		target, err := get[runtime.ProcessVersion](tx, bucketVersions, versionKey(tenantId, key, version))
		if err != nil {
			return err
		}
		switch target.Status {
		case runtime.DefinitionDeprecated:
			return nil
		case runtime.DefinitionPublished:
			if !force {
				return storage.ErrInvalidState
			}
			def.PublishedVersion = 0
			if err := put(tx, bucketDefinitions, definitionKey(tenantId, key), def); err != nil {
				return err
			}
		}
		target.Status = runtime.DefinitionDeprecated
		target.DeprecatedAt = &at
		return put(tx, bucketVersions, versionKey(tenantId, key, version), target)
	})
}

var _ storage.ProcessInstanceStorageReader = &Storage{}

func (s *Storage) FindProcessInstance(ctx context.Context, id string) (runtime.ProcessInstance, error) {
	return view(s, func(tx *bbolt.Tx) (runtime.ProcessInstance, error) {
		return get[runtime.ProcessInstance](tx, bucketInstances, []byte(id))
	})
}

func (s *Storage) FindProcessInstances(ctx context.Context, filter storage.InstanceFilter) ([]runtime.ProcessInstance, error) {
	res, err := view(s, func(tx *bbolt.Tx) ([]runtime.ProcessInstance, error) {
		return scan(tx, bucketInstances, nil, filter.Matches)
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(res, func(a, b runtime.ProcessInstance) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.Id, b.Id))
	})
	if filter.Limit > 0 && len(res) > filter.Limit {
		res = res[:filter.Limit]
	}
	return res, nil
}

func (s *Storage) CountProcessInstances(ctx context.Context, tenantId string) (map[runtime.InstanceState]int, error) {
	instances, err := s.FindProcessInstances(ctx, storage.InstanceFilter{TenantId: tenantId})
	if err != nil {
		return nil, err
	}
	counts := map[runtime.InstanceState]int{}
	for _, pi := range instances {
		counts[pi.State]++
	}
	return counts, nil
}

var _ storage.ProcessInstanceStorageWriter = &Storage{}

func (s *Storage) SaveProcessInstance(ctx context.Context, instance runtime.ProcessInstance) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return saveProcessInstance(tx, instance)
	})
}

func saveProcessInstance(tx *bbolt.Tx, instance runtime.ProcessInstance) error {
	return put(tx, bucketInstances, []byte(instance.Id), instance)
}

var _ storage.ActivityStorageReader = &Storage{}

func (s *Storage) FindActivityInstance(ctx context.Context, id int64) (runtime.ActivityInstance, error) {
	return view(s, func(tx *bbolt.Tx) (runtime.ActivityInstance, error) {
		return get[runtime.ActivityInstance](tx, bucketActivities, idKey(id))
	})
}

func (s *Storage) FindActivityInstances(ctx context.Context, instanceId string) ([]runtime.ActivityInstance, error) {
	return s.findActivities(func(a runtime.ActivityInstance) bool { return a.InstanceId == instanceId }, 0)
}

func (s *Storage) FindDueWaits(ctx context.Context, now time.Time, limit int) ([]runtime.ActivityInstance, error) {
	res, err := view(s, func(tx *bbolt.Tx) ([]runtime.ActivityInstance, error) {
		running := map[string]bool{}
		return scan(tx, bucketActivities, nil, func(a runtime.ActivityInstance) bool {
			if !storage.IsDueWait(a, now) {
				return false
			}
			r, ok := running[a.InstanceId]
			if !ok {
				pi, err := get[runtime.ProcessInstance](tx, bucketInstances, []byte(a.InstanceId))
				r = err == nil && pi.State == runtime.InstanceRunning
				running[a.InstanceId] = r
			}
			return r
		})
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *Storage) FindMessageWaits(ctx context.Context, tenantId string, name string) ([]runtime.ActivityInstance, error) {
	return s.findActivities(func(a runtime.ActivityInstance) bool {
		return a.TenantId == tenantId && a.IsWaiting(runtime.WaitMessage) && a.Wait.Name == name
	}, 0)
}

// findActivities relies on the zero padded id keys for ordering.
func (s *Storage) findActivities(match func(runtime.ActivityInstance) bool, limit int) ([]runtime.ActivityInstance, error) {
	res, err := view(s, func(tx *bbolt.Tx) ([]runtime.ActivityInstance, error) {
		return scan(tx, bucketActivities, nil, match)
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

var _ storage.ActivityStorageWriter = &Storage{}

func (s *Storage) SaveActivityInstance(ctx context.Context, activity runtime.ActivityInstance) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, bucketActivities, idKey(activity.Id), activity)
	})
}

var _ storage.ScopeStorageReader = &Storage{}

func (s *Storage) FindScopes(ctx context.Context, instanceId string) ([]runtime.ScopeRecord, error) {
	return view(s, func(tx *bbolt.Tx) ([]runtime.ScopeRecord, error) {
		return scan(tx, bucketScopes, nil, func(r runtime.ScopeRecord) bool { return r.InstanceId == instanceId })
	})
}

var _ storage.ScopeStorageWriter = &Storage{}

func (s *Storage) SaveScope(ctx context.Context, scope runtime.ScopeRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, bucketScopes, idKey(scope.Id), scope)
	})
}

var _ storage.HumanTaskStorageReader = &Storage{}

func (s *Storage) FindHumanTask(ctx context.Context, id int64) (runtime.HumanTask, error) {
	return view(s, func(tx *bbolt.Tx) (runtime.HumanTask, error) {
		return get[runtime.HumanTask](tx, bucketTasks, idKey(id))
	})
}

func (s *Storage) FindHumanTasks(ctx context.Context, filter storage.TaskFilter) ([]runtime.HumanTask, error) {
	res, err := view(s, func(tx *bbolt.Tx) ([]runtime.HumanTask, error) {
		return scan(tx, bucketTasks, nil, filter.Matches)
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(res, func(a, b runtime.HumanTask) int { return cmp.Compare(b.Priority, a.Priority) })
	return res, nil
}

func (s *Storage) FindTaskActions(ctx context.Context, taskId int64) ([]runtime.TaskAction, error) {
	return view(s, func(tx *bbolt.Tx) ([]runtime.TaskAction, error) {
		return scan[runtime.TaskAction](tx, bucketTaskActions, fmt.Appendf(nil, "%020d/", taskId), nil)
	})
}

var _ storage.HumanTaskStorageWriter = &Storage{}

func (s *Storage) SaveHumanTask(ctx context.Context, task runtime.HumanTask) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return saveHumanTask(tx, task)
	})
}

func saveHumanTask(tx *bbolt.Tx, task runtime.HumanTask) error {
	current := int64(0)
	stored, err := get[runtime.HumanTask](tx, bucketTasks, idKey(task.Id))
	switch {
	case err == nil:
		current = stored.Revision
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}
	if current != task.Revision {
		return fmt.Errorf("%w: task %d has revision %d, expected %d", storage.ErrConflict, task.Id, current, task.Revision)
	}
	task.Revision++
	return put(tx, bucketTasks, idKey(task.Id), task)
}

func (s *Storage) AppendTaskAction(ctx context.Context, action runtime.TaskAction) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, bucketTaskActions, taskActionKey(action.TaskId, action.Id), action)
	})
}

var _ storage.IncidentStorageReader = &Storage{}

func (s *Storage) FindIncident(ctx context.Context, key int64) (runtime.Incident, error) {
	return view(s, func(tx *bbolt.Tx) (runtime.Incident, error) {
		return get[runtime.Incident](tx, bucketIncidents, idKey(key))
	})
}

func (s *Storage) FindIncidents(ctx context.Context, instanceId string) ([]runtime.Incident, error) {
	return view(s, func(tx *bbolt.Tx) ([]runtime.Incident, error) {
		return scan(tx, bucketIncidents, nil, func(i runtime.Incident) bool { return i.InstanceId == instanceId })
	})
}

var _ storage.IncidentStorageWriter = &Storage{}

func (s *Storage) SaveIncident(ctx context.Context, incident runtime.Incident) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, bucketIncidents, idKey(incident.Key), incident)
	})
}

var _ storage.MigrationStorageReader = &Storage{}

func (s *Storage) FindMigrationPlan(ctx context.Context, id int64) (runtime.MigrationPlan, error) {
	return view(s, func(tx *bbolt.Tx) (runtime.MigrationPlan, error) {
		return get[runtime.MigrationPlan](tx, bucketPlans, idKey(id))
	})
}

func (s *Storage) FindMigrationExecution(ctx context.Context, id int64) (runtime.MigrationExecution, error) {
	return view(s, func(tx *bbolt.Tx) (runtime.MigrationExecution, error) {
		return get[runtime.MigrationExecution](tx, bucketExecutions, idKey(id))
	})
}

var _ storage.MigrationStorageWriter = &Storage{}

func (s *Storage) SaveMigrationPlan(ctx context.Context, plan runtime.MigrationPlan) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, bucketPlans, idKey(plan.Id), plan)
	})
}

func (s *Storage) SaveMigrationExecution(ctx context.Context, execution runtime.MigrationExecution) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, bucketExecutions, idKey(execution.Id), execution)
	})
}
