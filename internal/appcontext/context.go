package appcontext

import (
	"context"
)

type EXECUTION_CONTEXT string

var (
	TenantKey EXECUTION_CONTEXT = "tenantId"
	UserKey   EXECUTION_CONTEXT = "userId"
	GroupsKey EXECUTION_CONTEXT = "userGroups"
)

// DefaultTenant is assigned to requests that do not name a tenant.
const DefaultTenant = "default"

func WithTenant(ctx context.Context, tenantId string) context.Context {
	return context.WithValue(ctx, TenantKey, tenantId)
}

// TenantFromContext returns the tenant the caller is restricted to, if any.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenantId, ok := ctx.Value(TenantKey).(string)
	return tenantId, ok && tenantId != ""
}

func WithUser(ctx context.Context, userId string, groups []string) context.Context {
	ctx = context.WithValue(ctx, UserKey, userId)
	return context.WithValue(ctx, GroupsKey, groups)
}

func UserFromContext(ctx context.Context) (string, bool) {
	userId, ok := ctx.Value(UserKey).(string)
	return userId, ok && userId != ""
}

func GroupsFromContext(ctx context.Context) []string {
	groups, _ := ctx.Value(GroupsKey).([]string)
	return groups
}
