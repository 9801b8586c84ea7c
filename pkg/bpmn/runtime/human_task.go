package runtime

import (
	"slices"
	"time"
)

type HumanTaskStatus string

const (
	TaskCreated   HumanTaskStatus = "CREATED"
	TaskClaimed   HumanTaskStatus = "CLAIMED"
	TaskDelegated HumanTaskStatus = "DELEGATED"
	TaskCompleted HumanTaskStatus = "COMPLETED"
	TaskCancelled HumanTaskStatus = "CANCELLED"
)

func (s HumanTaskStatus) IsOpen() bool {
	return s == TaskCreated || s == TaskClaimed || s == TaskDelegated
}

// HumanTask backs a user task token. Revision is bumped by storage on every
// successful write and is the compare-and-swap guard for claims.
type HumanTask struct {
	Id                 int64           `json:"id"`
	TenantId           string          `json:"tenantId"`
	InstanceId         string          `json:"instanceId"`
	ActivityInstanceId int64           `json:"activityInstanceId"`
	NodeId             string          `json:"nodeId"`
	Name               string          `json:"name,omitempty"`
	Status             HumanTaskStatus `json:"status"`
	Assignee           string          `json:"assignee,omitempty"`
	Owner              string          `json:"owner,omitempty"`
	CandidateUsers     []string        `json:"candidateUsers,omitempty"`
	CandidateGroups    []string        `json:"candidateGroups,omitempty"`
	Priority           int             `json:"priority"`
	DueDate            *time.Time      `json:"dueDate,omitempty"`
	FormKey            string          `json:"formKey,omitempty"`
	Action             string          `json:"action,omitempty"`
	Variables          Variables       `json:"variables,omitempty"`
	Comments           []Comment       `json:"comments,omitempty"`
	Attachments        []Attachment    `json:"attachments,omitempty"`
	Revision           int64           `json:"revision"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	CompletedAt        *time.Time      `json:"completedAt,omitempty"`
}

// CanBeClaimedBy applies the candidate rules. Empty candidate lists admit anyone.
func (t HumanTask) CanBeClaimedBy(userId string, groups []string) bool {
	if len(t.CandidateUsers) == 0 && len(t.CandidateGroups) == 0 {
		return true
	}
	if slices.Contains(t.CandidateUsers, userId) {
		return true
	}
	for _, g := range groups {
		if slices.Contains(t.CandidateGroups, g) {
			return true
		}
	}
	return false
}

type Comment struct {
	Id        int64     `json:"id"`
	UserId    string    `json:"userId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type Attachment struct {
	Id          int64     `json:"id"`
	UserId      string    `json:"userId"`
	Name        string    `json:"name"`
	Uri         string    `json:"uri"`
	ContentType string    `json:"contentType,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type TaskActionKind string

const (
	TaskActionCreated   TaskActionKind = "CREATED"
	TaskActionClaimed   TaskActionKind = "CLAIMED"
	TaskActionUnclaimed TaskActionKind = "UNCLAIMED"
	TaskActionDelegated TaskActionKind = "DELEGATED"
	TaskActionAssigned  TaskActionKind = "ASSIGNED"
	TaskActionCompleted TaskActionKind = "COMPLETED"
	TaskActionCancelled TaskActionKind = "CANCELLED"
	TaskActionCommented TaskActionKind = "COMMENTED"
	TaskActionAttached  TaskActionKind = "ATTACHED"
	TaskActionMigrated  TaskActionKind = "MIGRATED"
)

// TaskAction is an append-only audit record of a human task mutation.
type TaskAction struct {
	Id          int64          `json:"id"`
	TaskId      int64          `json:"taskId"`
	TenantId    string         `json:"tenantId"`
	Kind        TaskActionKind `json:"kind"`
	UserId      string         `json:"userId,omitempty"`
	PerformedBy string         `json:"performedBy,omitempty"`
	Details     string         `json:"details,omitempty"`
	At          time.Time      `json:"at"`
}
