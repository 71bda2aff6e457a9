package httpapi

import (
	"context"

	"github.com/remus-node/remus/internal/identity"
)

type contextKey int

const userContextKey contextKey = iota

// adminActor is the synthetic identity attached to every request that
// reaches an /api/admin/* route: the admin key and loopback source
// already establish trust, so admin-surface handlers never re-run
// authenticate or permissionCheck.
var adminActor = identity.User{ID: "admin", Username: "admin"}

func withUser(ctx context.Context, u identity.User) context.Context {
	return context.WithValue(ctx, userContextKey, u)
}

func userFromContext(ctx context.Context) (identity.User, bool) {
	u, ok := ctx.Value(userContextKey).(identity.User)
	return u, ok
}
