package runtime

import "time"

type ActivityMapping struct {
	SourceNodeId string `json:"sourceNodeId"`
	TargetNodeId string `json:"targetNodeId"`
}

type MigrationPlan struct {
	Id       int64             `json:"id"`
	TenantId string            `json:"tenantId"`
	Source   VersionRef        `json:"source"`
	Target   VersionRef        `json:"target"`
	Mappings []ActivityMapping `json:"mappings"`
	// advisory output of plan generation
	Warnings  []string  `json:"warnings,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Lookup returns the target node for a source node.
func (p MigrationPlan) Lookup(sourceNodeId string) (string, bool) {
	for _, m := range p.Mappings {
		if m.SourceNodeId == sourceNodeId {
			return m.TargetNodeId, true
		}
	}
	return "", false
}

// Inverse returns the target to source mapping for nodes that map uniquely.
func (p MigrationPlan) Inverse() map[string]string {
	counts := map[string]int{}
	for _, m := range p.Mappings {
		counts[m.TargetNodeId]++
	}
	inv := map[string]string{}
	for _, m := range p.Mappings {
		if counts[m.TargetNodeId] == 1 {
			inv[m.TargetNodeId] = m.SourceNodeId
		}
	}
	return inv
}

type MigrationKind string

const (
	MigrationMigrate  MigrationKind = "MIGRATE"
	MigrationRollback MigrationKind = "ROLLBACK"
)

type MigrationExecution struct {
	Id         int64             `json:"id"`
	TenantId   string            `json:"tenantId"`
	PlanId     int64             `json:"planId"`
	Kind       MigrationKind     `json:"kind"`
	RollbackOf int64             `json:"rollbackOf,omitempty"`
	Results    []MigrationResult `json:"results"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
}

func (e MigrationExecution) Succeeded() []string {
	var ids []string
	for _, r := range e.Results {
		if r.Success {
			ids = append(ids, r.InstanceId)
		}
	}
	return ids
}

type MigrationResult struct {
	InstanceId string `json:"instanceId"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	// token id -> node id before the migration
	Remapped map[int64]string `json:"remapped,omitempty"`
}
