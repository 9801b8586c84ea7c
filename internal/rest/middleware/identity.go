package middleware

import (
	"net/http"
	"strings"

	"github.com/pbinitiative/zenworkflow/internal/appcontext"
)

const (
	TenantHeader = "X-Tenant-Id"
	UserHeader   = "X-User-Id"
	GroupsHeader = "X-User-Groups"
)

// Identity puts the tenant and the calling user of the request headers on the
// request context. Requests without a tenant run in the default tenant.
func Identity() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantId := strings.TrimSpace(r.Header.Get(TenantHeader))
			if tenantId == "" {
				tenantId = appcontext.DefaultTenant
			}
			ctx := appcontext.WithTenant(r.Context(), tenantId)
			if userId := strings.TrimSpace(r.Header.Get(UserHeader)); userId != "" {
				ctx = appcontext.WithUser(ctx, userId, splitGroups(r.Header.Get(GroupsHeader)))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func splitGroups(header string) []string {
	var groups []string
	for g := range strings.SplitSeq(header, ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}
