package rbac

import "context"

// GroupGrant is a grant attached to a group for one page.
type GroupGrant struct {
	PageID  int64
	GroupID int64
	Level   Level
}

// Store is the read side of the permission data. Implementations return
// LevelNone for a missing direct grant and leave absent pages out of the
// DirectGrants map.
type Store interface {
	DirectGrant(ctx context.Context, userID, pageID int64) (Level, error)
	DirectGrants(ctx context.Context, userID int64, pageIDs []int64) (map[int64]Level, error)
	GroupIDsForUser(ctx context.Context, userID int64) ([]int64, error)
	GroupGrants(ctx context.Context, pageIDs, groupIDs []int64) ([]GroupGrant, error)
	UserGlobalRole(ctx context.Context, userID int64) (Role, error)
}
