package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sileade/scoliologic-wiki-sub002/internal/rbac"
)

var _ rbac.Store = (*PostgresStore)(nil)

func (s *PostgresStore) DirectGrant(ctx context.Context, userID, pageID int64) (rbac.Level, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT level FROM page_permissions
		WHERE user_id=$1 AND page_id=$2
	`, userID, pageID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.LevelNone, nil
	}
	if err != nil {
		return rbac.LevelNone, fmt.Errorf("read direct grant: %w", err)
	}
	return parseStoredLevel(raw)
}

// DirectGrants reads the user's direct grants on pageIDs in one query.
// Pages without a grant are absent from the result.
func (s *PostgresStore) DirectGrants(ctx context.Context, userID int64, pageIDs []int64) (map[int64]rbac.Level, error) {
	grants := make(map[int64]rbac.Level, len(pageIDs))
	if len(pageIDs) == 0 {
		return grants, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT page_id, level FROM page_permissions
		WHERE user_id=$1 AND page_id = ANY($2)
	`, userID, pageIDs)
	if err != nil {
		return nil, fmt.Errorf("list direct grants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pageID int64
		var raw string
		if err := rows.Scan(&pageID, &raw); err != nil {
			return nil, fmt.Errorf("scan direct grant: %w", err)
		}
		level, err := parseStoredLevel(raw)
		if err != nil {
			return nil, err
		}
		grants[pageID] = level
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate direct grants: %w", err)
	}
	return grants, nil
}

func (s *PostgresStore) GroupIDsForUser(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id FROM group_members
		WHERE user_id=$1
		ORDER BY group_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user groups: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user group: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user groups: %w", err)
	}
	return ids, nil
}

// GroupGrants reads every grant held by one of groupIDs on one of pageIDs.
func (s *PostgresStore) GroupGrants(ctx context.Context, pageIDs, groupIDs []int64) ([]rbac.GroupGrant, error) {
	grants := make([]rbac.GroupGrant, 0)
	if len(pageIDs) == 0 || len(groupIDs) == 0 {
		return grants, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT page_id, group_id, level FROM page_permissions
		WHERE page_id = ANY($1) AND group_id = ANY($2)
	`, pageIDs, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("list group grants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var grant rbac.GroupGrant
		var raw string
		if err := rows.Scan(&grant.PageID, &grant.GroupID, &raw); err != nil {
			return nil, fmt.Errorf("scan group grant: %w", err)
		}
		if grant.Level, err = parseStoredLevel(raw); err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group grants: %w", err)
	}
	return grants, nil
}

// UserGlobalRole returns the user's wiki-wide role. Unknown users are guests.
func (s *PostgresStore) UserGlobalRole(ctx context.Context, userID int64) (rbac.Role, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM users WHERE id=$1`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.RoleGuest, nil
	}
	if err != nil {
		return "", fmt.Errorf("read user role: %w", err)
	}
	return rbac.Normalize(raw), nil
}

func (s *PostgresStore) ListPagePermissions(ctx context.Context, pageID int64) ([]PagePermission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pp.id, pp.page_id, pp.user_id, pp.group_id, pp.level, pp.granted_by, pp.created_at, u.name, g.name
		FROM page_permissions pp
		LEFT JOIN users u ON u.id = pp.user_id
		LEFT JOIN groups g ON g.id = pp.group_id
		WHERE pp.page_id=$1
		ORDER BY pp.id
	`, pageID)
	if err != nil {
		return nil, fmt.Errorf("list page permissions: %w", err)
	}
	defer rows.Close()

	items := make([]PagePermission, 0)
	for rows.Next() {
		item, err := scanPagePermission(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page permissions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPagePermission(ctx context.Context, permissionID int64) (PagePermission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pp.id, pp.page_id, pp.user_id, pp.group_id, pp.level, pp.granted_by, pp.created_at, u.name, g.name
		FROM page_permissions pp
		LEFT JOIN users u ON u.id = pp.user_id
		LEFT JOIN groups g ON g.id = pp.group_id
		WHERE pp.id=$1
	`, permissionID)
	return scanPagePermission(row)
}

// UpsertPagePermission stores a grant, replacing the level of an existing
// grant for the same page and grantee.
func (s *PostgresStore) UpsertPagePermission(ctx context.Context, perm PagePermission) (int64, error) {
	return upsertPagePermission(ctx, s.db, perm)
}

func upsertPagePermission(ctx context.Context, q rowQuerier, perm PagePermission) (int64, error) {
	if (perm.UserID == nil) == (perm.GroupID == nil) {
		return 0, errors.New("permission needs exactly one of user or group")
	}
	if !perm.Level.Grantable() {
		return 0, fmt.Errorf("permission level %s cannot be granted", perm.Level)
	}

	query := `
		INSERT INTO page_permissions (page_id, user_id, group_id, level, granted_by)
		VALUES ($1, $2, NULL, $3, $4)
		ON CONFLICT (page_id, user_id) WHERE user_id IS NOT NULL
		DO UPDATE SET level=EXCLUDED.level, granted_by=EXCLUDED.granted_by
		RETURNING id
	`
	grantee := perm.UserID
	if perm.GroupID != nil {
		query = `
			INSERT INTO page_permissions (page_id, user_id, group_id, level, granted_by)
			VALUES ($1, NULL, $2, $3, $4)
			ON CONFLICT (page_id, group_id) WHERE group_id IS NOT NULL
			DO UPDATE SET level=EXCLUDED.level, granted_by=EXCLUDED.granted_by
			RETURNING id
		`
		grantee = perm.GroupID
	}

	var id int64
	if err := q.QueryRowContext(ctx, query, perm.PageID, *grantee, perm.Level.String(), perm.GrantedBy).Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert page permission: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) DeletePagePermission(ctx context.Context, permissionID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM page_permissions WHERE id=$1`, permissionID)
	if err != nil {
		return fmt.Errorf("delete page permission: %w", err)
	}
	return requireAffected(result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPagePermission(row rowScanner) (PagePermission, error) {
	var item PagePermission
	var userID, groupID, grantedBy sql.NullInt64
	var userName, groupName sql.NullString
	var raw string
	err := row.Scan(&item.ID, &item.PageID, &userID, &groupID, &raw, &grantedBy, &item.CreatedAt, &userName, &groupName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PagePermission{}, err
		}
		return PagePermission{}, fmt.Errorf("scan page permission: %w", err)
	}
	if item.Level, err = parseStoredLevel(raw); err != nil {
		return PagePermission{}, err
	}
	item.UserID = nullInt64(userID)
	item.GroupID = nullInt64(groupID)
	item.GrantedBy = nullInt64(grantedBy)
	item.UserName = nullString(userName)
	item.GroupName = nullString(groupName)
	return item, nil
}

func parseStoredLevel(raw string) (rbac.Level, error) {
	level, ok := rbac.ParseLevel(raw)
	if !ok {
		return rbac.LevelNone, fmt.Errorf("unknown stored permission level %q", raw)
	}
	return level, nil
}
