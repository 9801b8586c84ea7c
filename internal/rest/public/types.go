// Package public holds the request and response bodies of the REST API.
// Engine records (definitions, instances, tasks, migrations) are served as
// they are; only operation inputs and summaries are declared here.
package public

import (
	"time"

	"github.com/pbinitiative/zenworkflow/internal/cluster/state"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
)

type StartInstanceRequest struct {
	DefinitionKey string         `json:"definitionKey"`
	Version       int32          `json:"version,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	BusinessKey   string         `json:"businessKey,omitempty"`
}

type SignalRequest struct {
	Name      string         `json:"name"`
	Variables map[string]any `json:"variables,omitempty"`
}

type SignalResponse struct {
	Resumed int `json:"resumed"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CorrelateMessageRequest struct {
	Name           string         `json:"name"`
	CorrelationKey string         `json:"correlationKey"`
	Variables      map[string]any `json:"variables,omitempty"`
}

type CorrelateMessageResponse struct {
	Correlated int `json:"correlated"`
}

type CompleteJobRequest struct {
	Variables map[string]any `json:"variables,omitempty"`
}

type DelegateTaskRequest struct {
	UserId string `json:"userId"`
}

type AssignTaskRequest struct {
	UserId string `json:"userId"`
}

type CompleteTaskRequest struct {
	Action    string         `json:"action,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

type CommentRequest struct {
	Text string `json:"text"`
}

type AttachmentRequest struct {
	Name        string `json:"name"`
	Uri         string `json:"uri"`
	ContentType string `json:"contentType,omitempty"`
}

type DeprecateRequest struct {
	Force bool `json:"force,omitempty"`
}

type GenerateMigrationPlanRequest struct {
	Source runtime.VersionRef `json:"source"`
	Target runtime.VersionRef `json:"target"`
}

type ExecuteMigrationRequest struct {
	PlanId      int64    `json:"planId"`
	InstanceIds []string `json:"instanceIds"`
}

type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func NewListResponse[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items)}
}

type LeaderResponse struct {
	LeaderId string `json:"leaderId"`
	NodeId   string `json:"nodeId"`
	IsLeader bool   `json:"isLeader"`
}

type NodesResponse struct {
	LeaderId    string      `json:"leaderId"`
	Nodes       state.Nodes `json:"nodes"`
	RefreshedAt time.Time   `json:"refreshedAt"`
}

type Dashboard struct {
	TenantId    string                        `json:"tenantId"`
	Definitions int                           `json:"definitions"`
	Instances   map[runtime.InstanceState]int `json:"instances"`
	OpenTasks   int                           `json:"openTasks"`
	NodeId      string                        `json:"nodeId"`
	IsLeader    bool                          `json:"isLeader"`
}
