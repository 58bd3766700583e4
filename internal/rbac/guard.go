package rbac

import "context"

// Guard turns a resolved level into an allow/deny decision for one page.
type Guard struct {
	resolver *Resolver
}

func NewGuard(resolver *Resolver) *Guard {
	return &Guard{resolver: resolver}
}

// Authorize returns nil when user may act on the page at the required
// level. Every denial is a *DeniedError matching ErrAccessDenied; store
// failures deny as well and additionally match ErrStoreUnavailable.
func (g *Guard) Authorize(ctx context.Context, user User, pageID int64, isPublic bool, required Level) error {
	if !required.Grantable() {
		return invalidInput("required level must be read, edit or admin, got %s", required)
	}
	if pageID <= 0 {
		return invalidInput("page id must be positive, got %d", pageID)
	}
	if user.IsAdmin() {
		return nil
	}
	if required == LevelRead && isPublic {
		return nil
	}
	if user.IsGuest() {
		return &DeniedError{UserID: user.ID, PageID: pageID, Required: required, Actual: LevelNone}
	}

	level, err := g.resolver.Resolve(ctx, user.ID, pageID)
	if err != nil {
		return &DeniedError{UserID: user.ID, PageID: pageID, Required: required, Err: err}
	}
	if !level.Satisfies(required) {
		return &DeniedError{UserID: user.ID, PageID: pageID, Required: required, Actual: level}
	}
	return nil
}

// Resolver exposes the resolver the guard consults.
func (g *Guard) Resolver() *Resolver {
	return g.resolver
}
