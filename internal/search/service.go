package search

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sileade/scoliologic-wiki-sub002/internal/rbac"
)

// pageIndex is what the service needs from the primary search engine
// besides querying it.
type pageIndex interface {
	Searcher
	IndexPages(pages []PageRecord) error
	DeletePage(id int64) error
}

// Service is the facade that tries Meilisearch first and falls back to PG
// FTS. Every result set passes through the visibility filter before it is
// returned, with publicity and archival read from the database rather
// than the index.
type Service struct {
	primary    pageIndex
	fallback   Searcher
	loader     recordLoader
	states     StateLoader
	visibility Visibility
	log        logrus.FieldLogger
}

type recordLoader interface {
	LoadAllRecords(ctx context.Context) ([]PageRecord, error)
}

const (
	defaultLimit = 20
	// candidateBatch is the minimum number of index hits fetched per round
	// while filling a page of visible results.
	candidateBatch = 50
	// maxScanned bounds the hits examined for one request. Visible results
	// past it are not reachable by paging.
	maxScanned = 1000
)

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured. Without pgfts there is no live page state and every hit
// is treated as private.
func NewService(meili *Meili, pgfts *PgFTS, visibility Visibility, log logrus.FieldLogger) *Service {
	s := &Service{visibility: visibility, log: log.WithField("component", "search")}
	if meili != nil {
		s.primary = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts
		s.states = pgfts
	}
	return s
}

// Search runs q for user and returns only pages user may read. Hits are
// fetched in rounds until Limit visible results past Offset are found or
// the index runs dry.
func (s *Service) Search(ctx context.Context, user rbac.User, q Query) (Response, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	skip := max(q.Offset, 0)
	batch := max(candidateBatch, limit)

	out := make([]Result, 0, limit)
	more := false
	for cursor := 0; cursor < maxScanned; cursor += batch {
		hits, err := s.candidates(ctx, Query{Text: q.Text, Limit: batch, Offset: cursor})
		if err != nil {
			return Response{}, err
		}
		visible, err := s.visible(ctx, user, hits)
		if err != nil {
			return Response{}, err
		}
		for _, r := range visible {
			if skip > 0 {
				skip--
				continue
			}
			if len(out) == limit {
				more = true
				break
			}
			out = append(out, r)
		}
		if more || len(hits) < batch {
			break
		}
		if cursor+batch >= maxScanned {
			s.log.WithField("query", q.Text).Debug("search scan limit reached")
		}
	}
	return Response{Results: out, Total: len(out), HasMore: more, Query: q.Text}, nil
}

// visible keeps the hits user may read, in order. Deleted and archived
// pages are dropped and publicity comes from the live row.
func (s *Service) visible(ctx context.Context, user rbac.User, hits []Result) ([]Result, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(hits))
	for i, r := range hits {
		ids[i] = r.PageID
	}
	var states map[int64]PageState
	if s.states != nil {
		var err error
		if states, err = s.states.PageStates(ctx, ids); err != nil {
			return nil, fmt.Errorf("%w: %v", rbac.ErrStoreUnavailable, err)
		}
	}

	live := make([]Result, 0, len(hits))
	pages := make([]rbac.Page, 0, len(hits))
	for _, r := range hits {
		r.IsPublic = false
		if states != nil {
			state, ok := states[r.PageID]
			if !ok || state.IsArchived {
				continue
			}
			r.IsPublic = state.IsPublic
			r.ParentID = state.ParentID
		}
		live = append(live, r)
		pages = append(pages, rbac.Page{ID: r.PageID, ParentID: r.ParentID, IsPublic: r.IsPublic})
	}

	allowed, err := s.visibility.FilterVisible(ctx, user, pages)
	if err != nil {
		return nil, err
	}
	ok := make(map[int64]struct{}, len(allowed))
	for _, p := range allowed {
		ok[p.ID] = struct{}{}
	}
	filtered := make([]Result, 0, len(allowed))
	for _, r := range live {
		if _, found := ok[r.PageID]; found {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

func (s *Service) candidates(ctx context.Context, q Query) ([]Result, error) {
	if s.primary != nil && s.primary.Healthy() {
		results, err := s.primary.Search(ctx, q)
		if err == nil {
			return results, nil
		}
		s.log.WithError(err).Warn("meilisearch error, falling back to pgfts")
	}
	if s.fallback == nil {
		return []Result{}, nil
	}
	results, err := s.fallback.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search pages: %w", err)
	}
	return results, nil
}

// IndexPage indexes a page (fire-and-forget to Meilisearch).
func (s *Service) IndexPage(page PageRecord) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	go func() {
		if err := s.primary.IndexPages([]PageRecord{page}); err != nil {
			s.log.WithError(err).WithField("page_id", page.ID).Warn("index page")
		}
	}()
}

// DeletePage removes a page from the search index (fire-and-forget).
func (s *Service) DeletePage(id int64) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	go func() {
		if err := s.primary.DeletePage(id); err != nil {
			s.log.WithError(err).WithField("page_id", id).Warn("delete page from index")
		}
	}()
}

// ReindexAllFromPG pushes every page in PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.primary == nil || !s.primary.Healthy() || s.loader == nil {
		return
	}
	records, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		s.log.WithError(err).Warn("reindex load failed")
		return
	}
	if err := s.primary.IndexPages(records); err != nil {
		s.log.WithError(err).Warn("reindex pages")
		return
	}
	s.log.WithField("pages", len(records)).Info("reindexed pages")
}
