package member

import (
	"context"
)

// Repository defines the member lookups used by the expiration sweep.
type Repository interface {
	FindByRoleAndNotBlocked(ctx context.Context, role Role) ([]*Member, error)
}
