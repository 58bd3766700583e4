package store

import (
	"time"

	"github.com/sileade/scoliologic-wiki-sub002/internal/rbac"
)

type User struct {
	ID        int64
	OpenID    string
	Name      string
	Email     string
	Role      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Page struct {
	ID         int64
	Title      string
	Slug       string
	Content    string
	ParentID   *int64
	IsPublic   bool
	IsArchived bool
	CreatedBy  *int64
	UpdatedBy  *int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Access returns the fields the permission filter and guard work with.
func (p Page) Access() rbac.Page {
	return rbac.Page{
		ID:         p.ID,
		ParentID:   p.ParentID,
		IsPublic:   p.IsPublic,
		IsArchived: p.IsArchived,
	}
}

// Group represents a user group for permission management
type Group struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GroupMember links a user to a group, with the user's display fields joined in.
type GroupMember struct {
	GroupID   int64
	UserID    int64
	Role      string
	Name      string
	Email     string
	CreatedAt time.Time
}

// PagePermission is a grant on a page to exactly one of a user or a group.
type PagePermission struct {
	ID        int64
	PageID    int64
	UserID    *int64
	GroupID   *int64
	Level     rbac.Level
	GrantedBy *int64
	CreatedAt time.Time
	// Joined fields for API responses
	UserName  *string
	GroupName *string
}

// ActivityEntry records a mutating action that passed authorization.
type ActivityEntry struct {
	ID         int64
	UserID     *int64
	Action     string
	EntityType string
	EntityID   int64
	Details    map[string]any
	CreatedAt  time.Time
}
