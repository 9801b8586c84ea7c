package otel

const (
	Prefix                  = "workflow-"
	AttributeTenantId       = Prefix + "tenant-id"
	AttributeInstanceId     = Prefix + "instance-id"
	AttributeDefinitionKey  = Prefix + "definition-key"
	AttributeVersion        = Prefix + "version"
	AttributeNodeId         = Prefix + "node-id"
	AttributeNodeType       = Prefix + "node-type"
	AttributeActivityId     = Prefix + "activity-id"
	AttributeTaskId         = Prefix + "task-id"
	AttributeMigrationId    = Prefix + "migration-id"
	AttributeOperation      = Prefix + "operation"
	AttributeInstanceState  = Prefix + "instance-state"
	AttributeResumedTokens  = Prefix + "resumed-tokens"
	AttributeClusterNodeId  = Prefix + "cluster-node-id"
	AttributeLeaseKey       = Prefix + "lease-key"
	AttributeWebhookUrl     = Prefix + "webhook-url"
	AttributeEventIntent    = Prefix + "event-intent"
	AttributeDueWaitsFired  = Prefix + "due-waits-fired"
	AttributeMigrationCount = Prefix + "migration-count"
)
