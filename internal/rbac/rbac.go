package rbac

import "strings"

// Level is a page permission level. Levels are totally ordered so the
// effective level of several grants is their maximum.
type Level int

const (
	LevelNone Level = iota
	LevelRead
	LevelEdit
	LevelAdmin
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelRead:
		return "read"
	case LevelEdit:
		return "edit"
	case LevelAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Valid reports whether l is one of the known levels, none included.
func (l Level) Valid() bool {
	return l >= LevelNone && l <= LevelAdmin
}

// Grantable reports whether l can be stored on a grant.
func (l Level) Grantable() bool {
	return l >= LevelRead && l <= LevelAdmin
}

// Satisfies reports whether l meets the required level.
func (l Level) Satisfies(required Level) bool {
	return l >= required
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	parsed, ok := ParseLevel(string(text))
	if !ok {
		return invalidInput("unknown permission level %q", string(text))
	}
	*l = parsed
	return nil
}

// ParseLevel parses the storage form of a level.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return LevelNone, true
	case "read":
		return LevelRead, true
	case "edit":
		return LevelEdit, true
	case "admin":
		return LevelAdmin, true
	default:
		return LevelNone, false
	}
}

// MaxLevel returns the highest of the given levels, LevelNone when empty.
func MaxLevel(levels ...Level) Level {
	best := LevelNone
	for _, l := range levels {
		if l > best {
			best = l
		}
	}
	return best
}

// Role is a user's global role.
type Role string

const (
	RoleGuest  Role = "guest"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Normalize maps unknown role strings to the least privileged role.
func Normalize(role string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(role))) {
	case RoleMember:
		return RoleMember
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleGuest
	}
}

// MembershipRole is a user's role inside a group. It does not change the
// level a group grant confers on its members.
type MembershipRole string

const (
	MembershipMember MembershipRole = "member"
	MembershipEditor MembershipRole = "editor"
	MembershipAdmin  MembershipRole = "admin"
)

func NormalizeMembership(role string) MembershipRole {
	switch MembershipRole(strings.ToLower(strings.TrimSpace(role))) {
	case MembershipEditor:
		return MembershipEditor
	case MembershipAdmin:
		return MembershipAdmin
	default:
		return MembershipMember
	}
}

// User is the authenticated principal a decision is made for. Guests carry
// a zero ID.
type User struct {
	ID   int64
	Role Role
}

// Guest is the principal of an unauthenticated request.
var Guest = User{Role: RoleGuest}

func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

func (u User) IsGuest() bool {
	return u.Role == RoleGuest || u.ID <= 0
}

// Page is the part of a page the filter and guard need.
type Page struct {
	ID         int64
	ParentID   *int64
	IsPublic   bool
	IsArchived bool
}
