package storage

import (
	"context"
	"errors"
	"time"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-swap precondition fails.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState is returned when a definition version is not in the
	// status an operation requires.
	ErrInvalidState = errors.New("invalid state")
)

type Storage interface {
	ProcessDefinitionStorageReader
	ProcessDefinitionStorageWriter
	ProcessInstanceStorageReader
	ProcessInstanceStorageWriter
	ActivityStorageReader
	ActivityStorageWriter
	ScopeStorageReader
	ScopeStorageWriter
	HumanTaskStorageReader
	HumanTaskStorageWriter
	IncidentStorageReader
	IncidentStorageWriter
	MigrationStorageReader
	MigrationStorageWriter

	NewBatch() Batch
}

// Batch collects writes of one engine step. Flush applies all of them
// atomically; on error none of them is visible.
type Batch interface {
	ProcessInstanceStorageWriter
	ActivityStorageWriter
	ScopeStorageWriter
	HumanTaskStorageWriter
	IncidentStorageWriter

	Flush(ctx context.Context) error
}

type ProcessDefinitionStorageReader interface {
	FindDefinition(ctx context.Context, tenantId string, key string) (runtime.ProcessDefinition, error)

	// FindDefinitions returns the definitions of a tenant ordered by key
	FindDefinitions(ctx context.Context, tenantId string) ([]runtime.ProcessDefinition, error)

	FindVersion(ctx context.Context, tenantId string, key string, version int32) (runtime.ProcessVersion, error)

	// FindVersions returns all versions of a definition ordered from 1 to the latest
	FindVersions(ctx context.Context, tenantId string, key string) ([]runtime.ProcessVersion, error)
}

type ProcessDefinitionStorageWriter interface {
	// CreateDefinition stores a definition together with its first version.
	// Returns ErrConflict when the definition already exists.
	CreateDefinition(ctx context.Context, definition runtime.ProcessDefinition, first runtime.ProcessVersion) error

	// AppendVersion stores version as LatestVersion+1 of the definition and
	// returns it with the assigned number.
	AppendVersion(ctx context.Context, tenantId string, key string, version runtime.ProcessVersion) (runtime.ProcessVersion, error)

	// PublishVersion atomically moves the target version from Draft to
	// Published and the previously published version to Deprecated.
	// Returns ErrInvalidState when the target is not a Draft.
	PublishVersion(ctx context.Context, tenantId string, key string, version int32, at time.Time) error

	// DeprecateVersion marks a version Deprecated. A Published version is only
	// deprecated with force, otherwise ErrInvalidState is returned.
	DeprecateVersion(ctx context.Context, tenantId string, key string, version int32, force bool, at time.Time) error
}

type InstanceFilter struct {
	TenantId      string
	DefinitionKey string
	Version       int32
	State         runtime.InstanceState
	BusinessKey   string
	Limit         int
}

func (f InstanceFilter) Matches(pi runtime.ProcessInstance) bool {
	return (f.TenantId == "" || pi.TenantId == f.TenantId) &&
		(f.DefinitionKey == "" || pi.DefinitionKey == f.DefinitionKey) &&
		(f.Version == 0 || pi.Version == f.Version) &&
		(f.State == "" || pi.State == f.State) &&
		(f.BusinessKey == "" || pi.BusinessKey == f.BusinessKey)
}

type ProcessInstanceStorageReader interface {
	FindProcessInstance(ctx context.Context, id string) (runtime.ProcessInstance, error)

	// FindProcessInstances returns matching instances ordered by creation time
	FindProcessInstances(ctx context.Context, filter InstanceFilter) ([]runtime.ProcessInstance, error)

	CountProcessInstances(ctx context.Context, tenantId string) (map[runtime.InstanceState]int, error)
}

type ProcessInstanceStorageWriter interface {
	// SaveProcessInstance persists the instance
	// and potentially overwrites prior data stored with the given id
	SaveProcessInstance(ctx context.Context, instance runtime.ProcessInstance) error
}

// IsDueWait reports whether a is an active timer or retry wait due at now.
func IsDueWait(a runtime.ActivityInstance, now time.Time) bool {
	return a.State == runtime.ActivityActive && a.Wait != nil && a.Wait.Kind.IsDue() &&
		a.Wait.DueAt != nil && !a.Wait.DueAt.After(now)
}

type ActivityStorageReader interface {
	FindActivityInstance(ctx context.Context, id int64) (runtime.ActivityInstance, error)

	// FindActivityInstances returns the full history of an instance ordered by id
	FindActivityInstances(ctx context.Context, instanceId string) ([]runtime.ActivityInstance, error)

	// FindDueWaits returns active tokens of Running instances parked on timers
	// or retries that are due at now, oldest first
	FindDueWaits(ctx context.Context, now time.Time, limit int) ([]runtime.ActivityInstance, error)

	// FindMessageWaits returns active tokens of a tenant subscribed to a message name
	FindMessageWaits(ctx context.Context, tenantId string, name string) ([]runtime.ActivityInstance, error)
}

type ActivityStorageWriter interface {
	SaveActivityInstance(ctx context.Context, activity runtime.ActivityInstance) error
}

type ScopeStorageReader interface {
	FindScopes(ctx context.Context, instanceId string) ([]runtime.ScopeRecord, error)
}

type ScopeStorageWriter interface {
	SaveScope(ctx context.Context, scope runtime.ScopeRecord) error
}

type TaskFilter struct {
	TenantId   string
	InstanceId string
	Assignee   string
	// CandidateUser matches tasks the user may claim directly
	CandidateUser string
	Status        runtime.HumanTaskStatus
}

func (f TaskFilter) Matches(task runtime.HumanTask) bool {
	if f.CandidateUser != "" && !task.CanBeClaimedBy(f.CandidateUser, nil) {
		return false
	}
	return (f.TenantId == "" || task.TenantId == f.TenantId) &&
		(f.InstanceId == "" || task.InstanceId == f.InstanceId) &&
		(f.Assignee == "" || task.Assignee == f.Assignee) &&
		(f.Status == "" || task.Status == f.Status)
}

type HumanTaskStorageReader interface {
	FindHumanTask(ctx context.Context, id int64) (runtime.HumanTask, error)

	// FindHumanTasks returns matching tasks ordered by priority (highest first) and id
	FindHumanTasks(ctx context.Context, filter TaskFilter) ([]runtime.HumanTask, error)

	// FindTaskActions returns the audit trail of a task in append order
	FindTaskActions(ctx context.Context, taskId int64) ([]runtime.TaskAction, error)
}

type HumanTaskStorageWriter interface {
	// SaveHumanTask stores the task when the stored revision equals
	// task.Revision (0 for a new task) and increments the stored revision.
	// Returns ErrConflict otherwise.
	SaveHumanTask(ctx context.Context, task runtime.HumanTask) error

	AppendTaskAction(ctx context.Context, action runtime.TaskAction) error
}

type IncidentStorageReader interface {
	FindIncident(ctx context.Context, key int64) (runtime.Incident, error)

	FindIncidents(ctx context.Context, instanceId string) ([]runtime.Incident, error)
}

type IncidentStorageWriter interface {
	SaveIncident(ctx context.Context, incident runtime.Incident) error
}

type MigrationStorageReader interface {
	FindMigrationPlan(ctx context.Context, id int64) (runtime.MigrationPlan, error)

	FindMigrationExecution(ctx context.Context, id int64) (runtime.MigrationExecution, error)
}

type MigrationStorageWriter interface {
	SaveMigrationPlan(ctx context.Context, plan runtime.MigrationPlan) error

	SaveMigrationExecution(ctx context.Context, execution runtime.MigrationExecution) error
}
