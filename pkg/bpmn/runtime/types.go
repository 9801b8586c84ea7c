package runtime

import (
	"time"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
)

type DefinitionStatus string

const (
	DefinitionDraft      DefinitionStatus = "DRAFT"
	DefinitionPublished  DefinitionStatus = "PUBLISHED"
	DefinitionDeprecated DefinitionStatus = "DEPRECATED"
)

// ProcessDefinition is the tenant scoped identity all versions of a model share.
type ProcessDefinition struct {
	TenantId         string    `json:"tenantId"`
	Key              string    `json:"key"`
	Name             string    `json:"name,omitempty"`
	LatestVersion    int32     `json:"latestVersion"`
	PublishedVersion int32     `json:"publishedVersion"` // 0 when nothing is published
	CreatedAt        time.Time `json:"createdAt"`
}

type ProcessVersion struct {
	TenantId     string           `json:"tenantId"`
	Key          string           `json:"key"`
	Version      int32            `json:"version"`
	Status       DefinitionStatus `json:"status"`
	Model        *model.Process   `json:"model"`
	Checksum     string           `json:"checksum"`
	CreatedAt    time.Time        `json:"createdAt"`
	PublishedAt  *time.Time       `json:"publishedAt,omitempty"`
	DeprecatedAt *time.Time       `json:"deprecatedAt,omitempty"`
}

func (v ProcessVersion) Ref() VersionRef {
	return VersionRef{Key: v.Key, Version: v.Version}
}

type VersionRef struct {
	Key     string `json:"key"`
	Version int32  `json:"version"`
}

type InstanceState string

const (
	InstanceRunning   InstanceState = "RUNNING"
	InstanceSuspended InstanceState = "SUSPENDED"
	InstanceCompleted InstanceState = "COMPLETED"
	InstanceCancelled InstanceState = "CANCELLED"
	InstanceFailed    InstanceState = "FAILED"
)

// IsTerminal reports whether the state rejects signals and variable writes.
func (s InstanceState) IsTerminal() bool {
	return s == InstanceCompleted || s == InstanceCancelled || s == InstanceFailed
}

type ProcessInstance struct {
	Id            string        `json:"id"`
	TenantId      string        `json:"tenantId"`
	DefinitionKey string        `json:"definitionKey"`
	Version       int32         `json:"version"`
	BusinessKey   string        `json:"businessKey,omitempty"`
	State         InstanceState `json:"state"`
	StateReason   string        `json:"stateReason,omitempty"`
	Variables     Variables     `json:"variables"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	EndedAt       *time.Time    `json:"endedAt,omitempty"`
}

func (pi ProcessInstance) Ref() VersionRef {
	return VersionRef{Key: pi.DefinitionKey, Version: pi.Version}
}

type ActivityState string

const (
	ActivityActive      ActivityState = "ACTIVE"
	ActivityCompleted   ActivityState = "COMPLETED"
	ActivityFailed      ActivityState = "FAILED"
	ActivityCompensated ActivityState = "COMPENSATED"
	ActivityWithdrawn   ActivityState = "WITHDRAWN"
)

type WaitKind string

const (
	WaitSignal     WaitKind = "SIGNAL"
	WaitTimer      WaitKind = "TIMER"
	WaitMessage    WaitKind = "MESSAGE"
	WaitRetry      WaitKind = "RETRY"
	WaitUserTask   WaitKind = "USER_TASK"
	WaitJob        WaitKind = "JOB"
	WaitJoin       WaitKind = "JOIN"
	WaitSubProcess WaitKind = "SUB_PROCESS"
)

// IsDue reports whether the wait is resolved by the clock rather than by a caller.
func (k WaitKind) IsDue() bool {
	return k == WaitTimer || k == WaitRetry
}

// WaitCondition is the persisted form of a parked token.
type WaitCondition struct {
	Kind           WaitKind   `json:"kind"`
	Name           string     `json:"name,omitempty"`
	DueAt          *time.Time `json:"dueAt,omitempty"`
	CorrelationKey string     `json:"correlationKey,omitempty"`
	TaskId         int64      `json:"taskId,omitempty"`
}

// ActivityInstance is one token at a node. Records are kept after the token
// retires and form the instance history.
type ActivityInstance struct {
	Id             int64          `json:"id"`
	InstanceId     string         `json:"instanceId"`
	TenantId       string         `json:"tenantId"`
	NodeId         string         `json:"nodeId"`
	NodeType       model.NodeType `json:"nodeType"`
	ScopeId        int64          `json:"scopeId,omitempty"`
	AttachedToId   int64          `json:"attachedToId,omitempty"`
	IncomingFlowId string         `json:"incomingFlowId,omitempty"`
	State          ActivityState  `json:"state"`
	Wait           *WaitCondition `json:"wait,omitempty"`
	Attempts       int            `json:"attempts,omitempty"`
	LastError      string         `json:"lastError,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
}

// IsWaiting reports whether the token is active and parked on the given kind.
func (a ActivityInstance) IsWaiting(kind WaitKind) bool {
	return a.State == ActivityActive && a.Wait != nil && a.Wait.Kind == kind
}

// ScopeRecord persists the local variables of a sub-process scope. The id is
// the id of the sub-process token owning the scope.
type ScopeRecord struct {
	Id         int64     `json:"id"`
	InstanceId string    `json:"instanceId"`
	ParentId   int64     `json:"parentId"`
	Variables  Variables `json:"variables"`
}

type Incident struct {
	Key                int64      `json:"key"`
	TenantId           string     `json:"tenantId"`
	InstanceId         string     `json:"instanceId"`
	ActivityInstanceId int64      `json:"activityInstanceId"`
	NodeId             string     `json:"nodeId"`
	Message            string     `json:"message"`
	CreatedAt          time.Time  `json:"createdAt"`
	ResolvedAt         *time.Time `json:"resolvedAt,omitempty"`
}
