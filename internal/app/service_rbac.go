package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/sileade/scoliologic-wiki-sub002/internal/rbac"
	"github.com/sileade/scoliologic-wiki-sub002/internal/store"
)

// GrantInput names exactly one grantee.
type GrantInput struct {
	UserID  *int64 `json:"userId"`
	GroupID *int64 `json:"groupId"`
	Level   string `json:"level"`
}

type GroupDetail struct {
	Group   store.Group
	Members []store.GroupMember
}

// ListPagePermissions returns every grant on a page. Managing grants needs
// admin on the page.
func (s *Service) ListPagePermissions(ctx context.Context, session Session, pageID int64) ([]store.PagePermission, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, session, page, rbac.LevelAdmin); err != nil {
		return nil, err
	}
	return s.store.ListPagePermissions(ctx, pageID)
}

func (s *Service) GrantPagePermission(ctx context.Context, session Session, pageID int64, input GrantInput) (store.PagePermission, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return store.PagePermission{}, err
	}
	if err := s.authorize(ctx, session, page, rbac.LevelAdmin); err != nil {
		return store.PagePermission{}, err
	}

	level, ok := rbac.ParseLevel(input.Level)
	if !ok || !level.Grantable() {
		return store.PagePermission{}, validationError("level must be read, edit or admin", map[string]any{"level": input.Level})
	}
	if (input.UserID == nil) == (input.GroupID == nil) {
		return store.PagePermission{}, validationError("exactly one of userId or groupId is required", nil)
	}
	if err := s.requireGrantee(ctx, input); err != nil {
		return store.PagePermission{}, err
	}

	id, err := s.store.UpsertPagePermission(ctx, store.PagePermission{
		PageID:    pageID,
		UserID:    input.UserID,
		GroupID:   input.GroupID,
		Level:     level,
		GrantedBy: session.actorID(),
	})
	if err != nil {
		return store.PagePermission{}, err
	}
	s.invalidateGrant(ctx, session, pageID, input.UserID, input.GroupID)

	perm, err := s.store.GetPagePermission(ctx, id)
	if err != nil {
		return store.PagePermission{}, err
	}
	s.recordActivity(ctx, session, "permission.grant", "page", pageID, grantDetails(perm))
	return perm, nil
}

func (s *Service) requireGrantee(ctx context.Context, input GrantInput) error {
	var err error
	if input.UserID != nil {
		_, err = s.store.GetUserByID(ctx, *input.UserID)
		if errors.Is(err, sql.ErrNoRows) {
			return validationError("user not found", map[string]any{"userId": *input.UserID})
		}
	} else {
		_, err = s.store.GetGroup(ctx, *input.GroupID)
		if errors.Is(err, sql.ErrNoRows) {
			return validationError("group not found", map[string]any{"groupId": *input.GroupID})
		}
	}
	return err
}

func (s *Service) RevokePagePermission(ctx context.Context, session Session, pageID, permissionID int64) error {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, session, page, rbac.LevelAdmin); err != nil {
		return err
	}
	perm, err := s.store.GetPagePermission(ctx, permissionID)
	if err != nil {
		return err
	}
	if perm.PageID != pageID {
		return sql.ErrNoRows
	}
	if err := s.store.DeletePagePermission(ctx, permissionID); err != nil {
		return err
	}
	s.invalidateGrant(ctx, session, pageID, perm.UserID, perm.GroupID)
	s.recordActivity(ctx, session, "permission.revoke", "page", pageID, grantDetails(perm))
	return nil
}

func (s *Service) invalidateGrant(ctx context.Context, session Session, pageID int64, userID, groupID *int64) {
	if s.cache == nil {
		return
	}
	var err error
	if userID != nil {
		err = s.cache.InvalidateDirectGrant(ctx, *userID, pageID)
	} else if groupID != nil {
		err = s.cache.InvalidateGroupGrant(ctx, pageID, *groupID)
	}
	if err != nil {
		s.requestLog(ctx, session).WithError(err).WithField("page_id", pageID).Warn("invalidate grant")
	}
}

func (s *Service) invalidateMemberships(ctx context.Context, session Session, userIDs ...int64) {
	if s.cache == nil {
		return
	}
	for _, userID := range userIDs {
		if err := s.cache.InvalidateMemberships(ctx, userID); err != nil {
			s.requestLog(ctx, session).WithError(err).WithField("member_id", userID).Warn("invalidate memberships")
		}
	}
}

func grantDetails(perm store.PagePermission) map[string]any {
	details := map[string]any{"permissionId": perm.ID, "level": perm.Level.String()}
	if perm.UserID != nil {
		details["userId"] = *perm.UserID
	}
	if perm.GroupID != nil {
		details["groupId"] = *perm.GroupID
	}
	return details
}

func (s *Service) ListGroups(ctx context.Context, session Session) ([]store.Group, error) {
	if err := s.requireAdmin(ctx, session, "groups.list"); err != nil {
		return nil, err
	}
	return s.store.ListGroups(ctx)
}

func (s *Service) GetGroup(ctx context.Context, session Session, groupID int64) (GroupDetail, error) {
	if err := s.requireAdmin(ctx, session, "groups.get"); err != nil {
		return GroupDetail{}, err
	}
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return GroupDetail{}, err
	}
	members, err := s.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		return GroupDetail{}, err
	}
	return GroupDetail{Group: group, Members: members}, nil
}

func (s *Service) CreateGroup(ctx context.Context, session Session, name, description string) (store.Group, error) {
	if err := s.requireAdmin(ctx, session, "groups.create"); err != nil {
		return store.Group{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Group{}, validationError("name is required", nil)
	}
	id, err := s.store.InsertGroup(ctx, name, strings.TrimSpace(description))
	if err != nil {
		return store.Group{}, err
	}
	group, err := s.store.GetGroup(ctx, id)
	if err != nil {
		return store.Group{}, err
	}
	s.recordActivity(ctx, session, "group.create", "group", id, map[string]any{"name": name})
	return group, nil
}

// DeleteGroup removes the group with its memberships and grants. Cached
// memberships of former members are dropped.
func (s *Service) DeleteGroup(ctx context.Context, session Session, groupID int64) error {
	if err := s.requireAdmin(ctx, session, "groups.delete"); err != nil {
		return err
	}
	members, err := s.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteGroup(ctx, groupID); err != nil {
		return err
	}
	memberIDs := make([]int64, len(members))
	for i, m := range members {
		memberIDs[i] = m.UserID
	}
	s.invalidateMemberships(ctx, session, memberIDs...)
	s.recordActivity(ctx, session, "group.delete", "group", groupID, map[string]any{"members": len(members)})
	return nil
}

func (s *Service) AddGroupMember(ctx context.Context, session Session, groupID, userID int64, role string) error {
	if err := s.requireAdmin(ctx, session, "groups.members.add"); err != nil {
		return err
	}
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		return err
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return validationError("user not found", map[string]any{"userId": userID})
		}
		return err
	}
	membership := rbac.NormalizeMembership(role)
	if err := s.store.AddGroupMember(ctx, groupID, userID, string(membership)); err != nil {
		return err
	}
	s.invalidateMemberships(ctx, session, userID)
	s.recordActivity(ctx, session, "group.member.add", "group", groupID, map[string]any{"userId": userID, "role": string(membership)})
	return nil
}

func (s *Service) RemoveGroupMember(ctx context.Context, session Session, groupID, userID int64) error {
	if err := s.requireAdmin(ctx, session, "groups.members.remove"); err != nil {
		return err
	}
	if err := s.store.RemoveGroupMember(ctx, groupID, userID); err != nil {
		return err
	}
	s.invalidateMemberships(ctx, session, userID)
	s.recordActivity(ctx, session, "group.member.remove", "group", groupID, map[string]any{"userId": userID})
	return nil
}

// SetUserRole changes a user's wiki-wide role. Admins cannot change their
// own role.
func (s *Service) SetUserRole(ctx context.Context, session Session, userID int64, role string) (store.User, error) {
	if err := s.requireAdmin(ctx, session, "users.role"); err != nil {
		return store.User{}, err
	}
	normalized := strings.ToLower(strings.TrimSpace(role))
	if string(rbac.Normalize(normalized)) != normalized {
		return store.User{}, validationError("role must be guest, member or admin", map[string]any{"role": role})
	}
	if userID == session.User.ID {
		return store.User{}, validationError("cannot change your own role", nil)
	}
	if err := s.store.UpdateUserRole(ctx, userID, normalized); err != nil {
		return store.User{}, err
	}
	if s.cache != nil {
		if err := s.cache.InvalidateRole(ctx, userID); err != nil {
			s.requestLog(ctx, session).WithError(err).WithField("target_user_id", userID).Warn("invalidate role")
		}
	}
	s.recordActivity(ctx, session, "user.role", "user", userID, map[string]any{"role": normalized})
	return s.store.GetUserByID(ctx, userID)
}

func (s *Service) Activity(ctx context.Context, session Session, limit int) ([]store.ActivityEntry, error) {
	if err := s.requireAdmin(ctx, session, "activity.list"); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListActivity(ctx, limit)
}
