package appcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTenantFromContext(t *testing.T) {
	ctx := WithTenant(context.Background(), "acme")

	tenantId, found := TenantFromContext(ctx)
	assert.True(t, found)
	assert.Equal(t, "acme", tenantId)

	_, found = TenantFromContext(context.Background())
	assert.False(t, found)
}

func TestUserFromContext(t *testing.T) {
	ctx := WithUser(context.Background(), "alice", []string{"managers"})

	userId, found := UserFromContext(ctx)
	assert.True(t, found)
	assert.Equal(t, "alice", userId)
	assert.Equal(t, []string{"managers"}, GroupsFromContext(ctx))

	_, found = UserFromContext(context.Background())
	assert.False(t, found)
	assert.Nil(t, GroupsFromContext(context.Background()))
}
