package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sileade/scoliologic-wiki-sub002/internal/rbac"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, open_id, name, email, role, created_at, updated_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.OpenID, &user.Name, &user.Email, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// UpdateUserRole sets the wiki-wide role of a user.
func (s *PostgresStore) UpdateUserRole(ctx context.Context, userID int64, role string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET role=$2, updated_at=NOW() WHERE id=$1
	`, userID, role)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	return requireAffected(result)
}

const pageColumns = `id, title, slug, content, parent_id, is_public, is_archived, created_by, updated_by, created_at, updated_at`

func (s *PostgresStore) ListPages(ctx context.Context, includeArchived bool) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pageColumns+`
		FROM pages
		WHERE ($1 OR NOT is_archived)
		ORDER BY title, id
	`, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	return collectPages(rows)
}

func (s *PostgresStore) GetPage(ctx context.Context, pageID int64) (Page, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id=$1`, pageID)
	return scanPage(row)
}

// InsertPage creates the page and returns its id. A non-nil ownerID is
// granted admin on the page in the same transaction.
func (s *PostgresStore) InsertPage(ctx context.Context, page Page, ownerID *int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert page: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := insertPage(ctx, tx, page)
	if err != nil {
		return 0, err
	}
	if ownerID != nil {
		if _, err := upsertPagePermission(ctx, tx, PagePermission{
			PageID:    id,
			UserID:    ownerID,
			Level:     rbac.LevelAdmin,
			GrantedBy: ownerID,
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert page: %w", err)
	}
	return id, nil
}

// rowQuerier is satisfied by *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertPage(ctx context.Context, q rowQuerier, page Page) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO pages (title, slug, content, parent_id, is_public, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id
	`, page.Title, page.Slug, page.Content, page.ParentID, page.IsPublic, page.CreatedBy).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert page: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpdatePage(ctx context.Context, page Page) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pages
		SET title=$2, slug=$3, content=$4, parent_id=$5, is_public=$6, updated_by=$7, updated_at=NOW()
		WHERE id=$1
	`, page.ID, page.Title, page.Slug, page.Content, page.ParentID, page.IsPublic, page.UpdatedBy)
	if err != nil {
		return fmt.Errorf("update page: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) SetPageArchived(ctx context.Context, pageID int64, archived bool, updatedBy int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pages SET is_archived=$2, updated_by=$3, updated_at=NOW() WHERE id=$1
	`, pageID, archived, updatedBy)
	if err != nil {
		return fmt.Errorf("set page archived: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) DeletePage(ctx context.Context, pageID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pages WHERE id=$1`, pageID)
	if err != nil {
		return fmt.Errorf("delete page: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM groups
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	items := make([]Group, 0)
	for rows.Next() {
		var item Group
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetGroup(ctx context.Context, groupID int64) (Group, error) {
	var item Group
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM groups
		WHERE id=$1
	`, groupID).Scan(&item.ID, &item.Name, &item.Description, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Group{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertGroup(ctx context.Context, name, description string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO groups (name, description) VALUES ($1, $2) RETURNING id
	`, name, description).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert group: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) DeleteGroup(ctx context.Context, groupID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE id=$1`, groupID)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) ListGroupMembers(ctx context.Context, groupID int64) ([]GroupMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT gm.group_id, gm.user_id, gm.role, u.name, u.email, gm.created_at
		FROM group_members gm
		JOIN users u ON u.id = gm.user_id
		WHERE gm.group_id=$1
		ORDER BY u.name
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	items := make([]GroupMember, 0)
	for rows.Next() {
		var item GroupMember
		if err := rows.Scan(&item.GroupID, &item.UserID, &item.Role, &item.Name, &item.Email, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AddGroupMember(ctx context.Context, groupID, userID int64, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_members (group_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, groupID, userID, role)
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveGroupMember(ctx context.Context, groupID, userID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id=$1 AND user_id=$2`, groupID, userID)
	if err != nil {
		return fmt.Errorf("remove group member: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) InsertActivity(ctx context.Context, entry ActivityEntry) error {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal activity details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity_log (user_id, action, entity_type, entity_id, details)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, entry.UserID, entry.Action, entry.EntityType, entry.EntityID, string(encoded))
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, action, entity_type, entity_id, details, created_at
		FROM activity_log
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	items := make([]ActivityEntry, 0)
	for rows.Next() {
		var item ActivityEntry
		var userID sql.NullInt64
		var detailsRaw []byte
		if err := rows.Scan(&item.ID, &userID, &item.Action, &item.EntityType, &item.EntityID, &detailsRaw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		item.UserID = nullInt64(userID)
		_ = json.Unmarshal(detailsRaw, &item.Details)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func collectPages(rows *sql.Rows) ([]Page, error) {
	defer rows.Close()
	items := make([]Page, 0)
	for rows.Next() {
		item, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return items, nil
}

func scanPage(row rowScanner) (Page, error) {
	var item Page
	var parentID, createdBy, updatedBy sql.NullInt64
	err := row.Scan(
		&item.ID,
		&item.Title,
		&item.Slug,
		&item.Content,
		&parentID,
		&item.IsPublic,
		&item.IsArchived,
		&createdBy,
		&updatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Page{}, err
		}
		return Page{}, fmt.Errorf("scan page: %w", err)
	}
	item.ParentID = nullInt64(parentID)
	item.CreatedBy = nullInt64(createdBy)
	item.UpdatedBy = nullInt64(updatedBy)
	return item, nil
}

// requireAffected maps a write that touched no rows to sql.ErrNoRows.
func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	value := v.Int64
	return &value
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	value := v.String
	return &value
}
