package rbac

import "context"

// Resolver computes effective page levels from grants. It holds no state
// besides the store and is safe for concurrent use.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the effective level of userID on pageID. A direct grant
// wins outright; otherwise the highest grant among the user's groups
// applies. LevelNone is a normal result, not an error.
func (r *Resolver) Resolve(ctx context.Context, userID, pageID int64) (Level, error) {
	if userID <= 0 {
		return LevelNone, invalidInput("user id must be positive, got %d", userID)
	}
	if pageID <= 0 {
		return LevelNone, invalidInput("page id must be positive, got %d", pageID)
	}

	direct, err := r.store.DirectGrant(ctx, userID, pageID)
	if err != nil {
		return LevelNone, storeUnavailable("direct grant", err)
	}
	if direct != LevelNone {
		return direct, nil
	}

	groupIDs, err := r.store.GroupIDsForUser(ctx, userID)
	if err != nil {
		return LevelNone, storeUnavailable("user groups", err)
	}
	if len(groupIDs) == 0 {
		return LevelNone, nil
	}

	grants, err := r.store.GroupGrants(ctx, []int64{pageID}, groupIDs)
	if err != nil {
		return LevelNone, storeUnavailable("group grants", err)
	}
	best := LevelNone
	for _, g := range grants {
		if g.PageID == pageID && g.Level > best {
			best = g.Level
		}
	}
	return best, nil
}

// ResolveBatch resolves many pages with at most one direct-grant read, one
// membership read and one group-grant read. Every requested id appears in
// the result. An empty request touches no store.
func (r *Resolver) ResolveBatch(ctx context.Context, userID int64, pageIDs []int64) (map[int64]Level, error) {
	if len(pageIDs) == 0 {
		return map[int64]Level{}, nil
	}
	if userID <= 0 {
		return nil, invalidInput("user id must be positive, got %d", userID)
	}
	unique := make([]int64, 0, len(pageIDs))
	seen := make(map[int64]struct{}, len(pageIDs))
	for _, id := range pageIDs {
		if id <= 0 {
			return nil, invalidInput("page id must be positive, got %d", id)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	direct, err := r.store.DirectGrants(ctx, userID, unique)
	if err != nil {
		return nil, storeUnavailable("direct grants", err)
	}

	result := make(map[int64]Level, len(unique))
	pending := make([]int64, 0, len(unique))
	for _, id := range unique {
		if level := direct[id]; level != LevelNone {
			result[id] = level
			continue
		}
		result[id] = LevelNone
		pending = append(pending, id)
	}
	if len(pending) == 0 {
		return result, nil
	}

	groupIDs, err := r.store.GroupIDsForUser(ctx, userID)
	if err != nil {
		return nil, storeUnavailable("user groups", err)
	}
	if len(groupIDs) == 0 {
		return result, nil
	}

	grants, err := r.store.GroupGrants(ctx, pending, groupIDs)
	if err != nil {
		return nil, storeUnavailable("group grants", err)
	}
	for _, g := range grants {
		// Ignore rows for pages that already resolved through a direct grant.
		current, ok := result[g.PageID]
		if !ok || direct[g.PageID] != LevelNone {
			continue
		}
		if g.Level > current {
			result[g.PageID] = g.Level
		}
	}
	return result, nil
}
