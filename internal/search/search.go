package search

import (
	"context"

	"github.com/sileade/scoliologic-wiki-sub002/internal/rbac"
)

// Result is a single search hit returned to the caller.
type Result struct {
	PageID   int64  `json:"pageId"`
	Title    string `json:"title"`
	Slug     string `json:"slug"`
	Snippet  string `json:"snippet"`
	ParentID *int64 `json:"parentId,omitempty"`
	IsPublic bool   `json:"isPublic"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint. Offset and
// Total count visible results only; HasMore reports that another page of
// visible results exists.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	HasMore bool     `json:"hasMore"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over pages. Results are not
// filtered for the caller.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, error)
	Healthy() bool
}

// Visibility drops the pages a user may not read.
type Visibility interface {
	FilterVisible(ctx context.Context, user rbac.User, pages []rbac.Page) ([]rbac.Page, error)
}

// PageRecord is the data we index for a page. Archived pages are indexed
// too so restoring a page does not need a reindex; queries exclude them.
type PageRecord struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	Slug       string `json:"slug"`
	Content    string `json:"content"`
	ParentID   *int64 `json:"parentId"`
	IsPublic   bool   `json:"isPublic"`
	IsArchived bool   `json:"isArchived"`
}

// PageState is the access-relevant part of a page as currently stored.
type PageState struct {
	ParentID   *int64
	IsPublic   bool
	IsArchived bool
}

// StateLoader reads the live state of pages. Ids with no row are absent
// from the result.
type StateLoader interface {
	PageStates(ctx context.Context, ids []int64) (map[int64]PageState, error)
}
