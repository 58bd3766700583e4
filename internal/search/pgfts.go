package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres the API is down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks non-archived pages against the generated fts column with
// ts_rank and builds snippets with ts_headline.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return []Result{}, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, slug,
			ts_headline('simple', content, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
			parent_id, is_public
		FROM pages
		WHERE NOT is_archived AND fts @@ plainto_tsquery('simple', $1)
		ORDER BY ts_rank(fts, plainto_tsquery('simple', $1)) DESC, id
		LIMIT $2 OFFSET $3
	`, q.Text, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		var parentID sql.NullInt64
		if err := rows.Scan(&r.PageID, &r.Title, &r.Slug, &r.Snippet, &parentID, &r.IsPublic); err != nil {
			return nil, fmt.Errorf("pgfts scan: %w", err)
		}
		if parentID.Valid {
			id := parentID.Int64
			r.ParentID = &id
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgfts iterate: %w", err)
	}
	return results, nil
}

// LoadAllRecords returns every page for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, slug, content, parent_id, is_public, is_archived
		FROM pages
	`)
	if err != nil {
		return nil, fmt.Errorf("load pages: %w", err)
	}
	defer rows.Close()

	records := make([]PageRecord, 0)
	for rows.Next() {
		var r PageRecord
		var parentID sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Title, &r.Slug, &r.Content, &parentID, &r.IsPublic, &r.IsArchived); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		if parentID.Valid {
			id := parentID.Int64
			r.ParentID = &id
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return records, nil
}

// PageStates reads publicity, parent and archival for ids in one query.
func (p *PgFTS) PageStates(ctx context.Context, ids []int64) (map[int64]PageState, error) {
	states := make(map[int64]PageState, len(ids))
	if len(ids) == 0 {
		return states, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, parent_id, is_public, is_archived
		FROM pages
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("load page states: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var state PageState
		var parentID sql.NullInt64
		if err := rows.Scan(&id, &parentID, &state.IsPublic, &state.IsArchived); err != nil {
			return nil, fmt.Errorf("scan page state: %w", err)
		}
		if parentID.Valid {
			parent := parentID.Int64
			state.ParentID = &parent
		}
		states[id] = state
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page states: %w", err)
	}
	return states, nil
}
