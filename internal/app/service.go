package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/sileade/scoliologic-wiki-sub002/internal/auth"
	"github.com/sileade/scoliologic-wiki-sub002/internal/observability"
	"github.com/sileade/scoliologic-wiki-sub002/internal/rbac"
	"github.com/sileade/scoliologic-wiki-sub002/internal/search"
	"github.com/sileade/scoliologic-wiki-sub002/internal/store"
	"github.com/sileade/scoliologic-wiki-sub002/internal/versions"
)

// Session is the caller of a request. Unauthenticated requests carry
// rbac.Guest.
type Session struct {
	User rbac.User
	Name string
}

func guestSession() Session {
	return Session{User: rbac.Guest}
}

func (s Session) actorID() *int64 {
	if s.User.IsGuest() {
		return nil
	}
	id := s.User.ID
	return &id
}

func (s Session) author() string {
	if strings.TrimSpace(s.Name) != "" {
		return s.Name
	}
	return "user-" + strconv.FormatInt(s.User.ID, 10)
}

type PageInput struct {
	Title    string `json:"title"`
	Slug     string `json:"slug"`
	Content  string `json:"content"`
	ParentID *int64 `json:"parentId"`
	IsPublic bool   `json:"isPublic"`
}

// PagePatch changes only the fields that are set. MoveToRoot detaches the
// page from its parent.
type PagePatch struct {
	Title      *string `json:"title"`
	Slug       *string `json:"slug"`
	Content    *string `json:"content"`
	ParentID   *int64  `json:"parentId"`
	MoveToRoot bool    `json:"moveToRoot"`
	IsPublic   *bool   `json:"isPublic"`
	Message    string  `json:"message"`
}

type PageNode struct {
	ID         int64       `json:"id"`
	Title      string      `json:"title"`
	Slug       string      `json:"slug"`
	IsPublic   bool        `json:"isPublic"`
	IsArchived bool        `json:"isArchived"`
	Children   []*PageNode `json:"children"`
}

type AccessInfo struct {
	PageID   int64      `json:"pageId"`
	Level    rbac.Level `json:"level"`
	IsPublic bool       `json:"isPublic"`
	CanRead  bool       `json:"canRead"`
	CanEdit  bool       `json:"canEdit"`
	CanAdmin bool       `json:"canAdmin"`
}

type VersionDetail struct {
	Version versions.Version       `json:"version"`
	Content versions.Content       `json:"content"`
	Changes []versions.FieldChange `json:"changes"`
}

type dataStore interface {
	rbac.Store
	GetUserByID(context.Context, int64) (store.User, error)
	UpdateUserRole(context.Context, int64, string) error
	ListPages(context.Context, bool) ([]store.Page, error)
	GetPage(context.Context, int64) (store.Page, error)
	InsertPage(context.Context, store.Page, *int64) (int64, error)
	UpdatePage(context.Context, store.Page) error
	SetPageArchived(context.Context, int64, bool, int64) error
	DeletePage(context.Context, int64) error
	ListPagePermissions(context.Context, int64) ([]store.PagePermission, error)
	GetPagePermission(context.Context, int64) (store.PagePermission, error)
	UpsertPagePermission(context.Context, store.PagePermission) (int64, error)
	DeletePagePermission(context.Context, int64) error
	ListGroups(context.Context) ([]store.Group, error)
	GetGroup(context.Context, int64) (store.Group, error)
	InsertGroup(context.Context, string, string) (int64, error)
	DeleteGroup(context.Context, int64) error
	ListGroupMembers(context.Context, int64) ([]store.GroupMember, error)
	AddGroupMember(context.Context, int64, int64, string) error
	RemoveGroupMember(context.Context, int64, int64) error
	InsertActivity(context.Context, store.ActivityEntry) error
	ListActivity(context.Context, int) ([]store.ActivityEntry, error)
	Ping(context.Context) error
}

// permissionCache is invalidated after every write that changes a grant or
// a membership.
type permissionCache interface {
	InvalidateDirectGrant(ctx context.Context, userID, pageID int64) error
	InvalidateGroupGrant(ctx context.Context, pageID, groupID int64) error
	InvalidateMemberships(ctx context.Context, userID int64) error
	InvalidateRole(ctx context.Context, userID int64) error
	InvalidatePage(ctx context.Context, pageID int64) error
}

type pageSearch interface {
	Search(ctx context.Context, user rbac.User, q search.Query) (search.Response, error)
	IndexPage(page search.PageRecord)
	DeletePage(id int64)
}

// Deps wires the service. Store is required; Permissions defaults to Store
// and is where the guard reads grants from, usually the cache in front of
// Store. The remaining collaborators are optional.
type Deps struct {
	Store       dataStore
	Permissions rbac.Store
	Cache       permissionCache
	Versions    *versions.Service
	Search      pageSearch
	TokenSecret string
	ReadyChecks map[string]func(context.Context) error
	Log         logrus.FieldLogger
	Metrics     *observability.Metrics
}

type Service struct {
	store       dataStore
	permissions rbac.Store
	guard       *rbac.Guard
	cache       permissionCache
	versions    *versions.Service
	search      pageSearch
	secret      []byte
	checks      map[string]func(context.Context) error
	log         logrus.FieldLogger
	metrics     *observability.Metrics
}

func New(deps Deps) *Service {
	permissions := deps.Permissions
	if permissions == nil {
		permissions = deps.Store
	}
	log := deps.Log
	if log == nil {
		log = observability.Discard()
	}
	return &Service{
		store:       deps.Store,
		permissions: permissions,
		guard:       rbac.NewGuard(rbac.NewResolver(permissions)),
		cache:       deps.Cache,
		versions:    deps.Versions,
		search:      deps.Search,
		secret:      []byte(deps.TokenSecret),
		checks:      deps.ReadyChecks,
		log:         log,
		metrics:     deps.Metrics,
	}
}

// Resolver exposes the resolver behind the guard, for collaborators that
// filter page lists themselves.
func (s *Service) Resolver() *rbac.Resolver {
	return s.guard.Resolver()
}

// SessionFromToken verifies token and loads the caller's wiki-wide role.
// A user missing from the store comes back with the guest role.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return Session{}, err
	}
	userID, err := claims.UserID()
	if err != nil {
		return Session{}, err
	}
	role, err := s.permissions.UserGlobalRole(ctx, userID)
	if err != nil {
		return Session{}, fmt.Errorf("load user role: %w", err)
	}
	return Session{User: rbac.User{ID: userID, Role: role}, Name: claims.Name}, nil
}

// Ready runs the database check and every configured dependency check.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	ok := true
	checks := map[string]any{}
	run := func(name string, check func(context.Context) error) {
		if err := check(ctx); err != nil {
			ok = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			return
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	run("database", s.store.Ping)
	for name, check := range s.checks {
		if name == "database" {
			continue
		}
		run(name, check)
	}
	return ok, checks
}

// authorize consults the guard for one page and records the decision.
func (s *Service) authorize(ctx context.Context, session Session, page store.Page, required rbac.Level) error {
	err := s.guard.Authorize(ctx, session.User, page.ID, page.IsPublic, required)
	switch {
	case err == nil:
		s.metrics.ObserveDecision(required.String(), observability.OutcomeAllowed)
		return nil
	case errors.Is(err, rbac.ErrStoreUnavailable):
		s.metrics.ObserveDecision(required.String(), observability.OutcomeStoreUnavailable)
		s.requestLog(ctx, session).WithError(err).WithFields(logrus.Fields{
			"page_id":  page.ID,
			"required": required.String(),
		}).Error("permission store unavailable, denying")
	case errors.Is(err, rbac.ErrAccessDenied):
		s.metrics.ObserveDecision(required.String(), observability.OutcomeDenied)
		s.requestLog(ctx, session).WithFields(logrus.Fields{
			"page_id":  page.ID,
			"required": required.String(),
		}).Debug("access denied")
	}
	return err
}

// storeFailed logs and counts a permission store outage on paths that
// resolve pages without going through authorize. err is returned as is.
func (s *Service) storeFailed(ctx context.Context, session Session, operation string, err error) error {
	if !errors.Is(err, rbac.ErrStoreUnavailable) {
		return err
	}
	s.metrics.ObserveDecision(rbac.LevelRead.String(), observability.OutcomeStoreUnavailable)
	s.requestLog(ctx, session).WithError(err).WithField("operation", operation).
		Error("permission store unavailable, denying")
	return err
}

func (s *Service) requireAdmin(ctx context.Context, session Session, action string) error {
	if session.User.IsAdmin() {
		return nil
	}
	s.requestLog(ctx, session).WithField("action", action).Debug("admin role required")
	return errForbidden
}

func (s *Service) requestLog(ctx context.Context, session Session) logrus.FieldLogger {
	return s.log.WithFields(logrus.Fields{
		"request_id": requestIDFrom(ctx),
		"user_id":    session.User.ID,
	})
}

// filterPages keeps the pages session may read, in order.
func (s *Service) filterPages(ctx context.Context, session Session, pages []store.Page) ([]store.Page, error) {
	candidates := make([]rbac.Page, len(pages))
	for i, p := range pages {
		candidates[i] = p.Access()
	}
	s.metrics.ObserveBatch(len(candidates))
	visible, err := s.guard.Resolver().FilterVisible(ctx, session.User, candidates)
	if err != nil {
		return nil, s.storeFailed(ctx, session, "list_pages", err)
	}
	keep := make(map[int64]struct{}, len(visible))
	for _, p := range visible {
		keep[p.ID] = struct{}{}
	}
	items := make([]store.Page, 0, len(visible))
	for _, p := range pages {
		if _, ok := keep[p.ID]; ok {
			items = append(items, p)
		}
	}
	return items, nil
}

func (s *Service) ListPages(ctx context.Context, session Session, includeArchived bool) ([]store.Page, error) {
	pages, err := s.store.ListPages(ctx, includeArchived)
	if err != nil {
		return nil, err
	}
	return s.filterPages(ctx, session, pages)
}

// PageTree returns the non-archived pages session may read as a forest.
// Pages under a hidden parent are attached to their nearest visible
// ancestor.
func (s *Service) PageTree(ctx context.Context, session Session) ([]*PageNode, error) {
	pages, err := s.store.ListPages(ctx, false)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]store.Page, len(pages))
	candidates := make([]rbac.Page, len(pages))
	for i, p := range pages {
		byID[p.ID] = p
		candidates[i] = p.Access()
	}
	s.metrics.ObserveBatch(len(candidates))
	roots, err := s.guard.Resolver().PruneTree(ctx, session.User, candidates)
	if err != nil {
		return nil, s.storeFailed(ctx, session, "page_tree", err)
	}
	return toPageNodes(roots, byID), nil
}

func toPageNodes(nodes []*rbac.TreeNode, byID map[int64]store.Page) []*PageNode {
	items := make([]*PageNode, 0, len(nodes))
	for _, node := range nodes {
		page := byID[node.Page.ID]
		items = append(items, &PageNode{
			ID:         page.ID,
			Title:      page.Title,
			Slug:       page.Slug,
			IsPublic:   page.IsPublic,
			IsArchived: page.IsArchived,
			Children:   toPageNodes(node.Children, byID),
		})
	}
	return items
}

func (s *Service) GetPage(ctx context.Context, session Session, pageID int64) (store.Page, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return store.Page{}, err
	}
	if err := s.authorize(ctx, session, page, rbac.LevelRead); err != nil {
		return store.Page{}, err
	}
	return page, nil
}

// PageAccess reports the caller's effective level on a page.
func (s *Service) PageAccess(ctx context.Context, session Session, pageID int64) (AccessInfo, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return AccessInfo{}, err
	}
	level := rbac.LevelNone
	switch {
	case session.User.IsAdmin():
		level = rbac.LevelAdmin
	case !session.User.IsGuest():
		level, err = s.guard.Resolver().Resolve(ctx, session.User.ID, pageID)
		if err != nil {
			return AccessInfo{}, s.storeFailed(ctx, session, "page_access", err)
		}
	}
	return AccessInfo{
		PageID:   pageID,
		Level:    level,
		IsPublic: page.IsPublic,
		CanRead:  page.IsPublic || level.Satisfies(rbac.LevelRead),
		CanEdit:  level.Satisfies(rbac.LevelEdit),
		CanAdmin: level.Satisfies(rbac.LevelAdmin),
	}, nil
}

// authorizeParent allows placing a page under parentID when the caller can
// edit the parent or created it.
func (s *Service) authorizeParent(ctx context.Context, session Session, parentID int64) error {
	parent, err := s.store.GetPage(ctx, parentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return validationError("parent page not found", map[string]any{"parentId": parentID})
		}
		return err
	}
	if parent.CreatedBy != nil && !session.User.IsGuest() && *parent.CreatedBy == session.User.ID {
		return nil
	}
	return s.authorize(ctx, session, parent, rbac.LevelEdit)
}

func (s *Service) CreatePage(ctx context.Context, session Session, input PageInput) (store.Page, error) {
	if session.User.IsGuest() {
		return store.Page{}, errForbidden
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Page{}, validationError("title is required", nil)
	}
	slug := slugify(input.Slug)
	if slug == "" {
		slug = slugify(title)
	}
	if input.ParentID != nil {
		if err := s.authorizeParent(ctx, session, *input.ParentID); err != nil {
			return store.Page{}, err
		}
	}

	page := store.Page{
		Title:     title,
		Slug:      slug,
		Content:   input.Content,
		ParentID:  input.ParentID,
		IsPublic:  input.IsPublic,
		CreatedBy: session.actorID(),
	}
	// A non-admin creator gets admin on the page so a private page stays
	// reachable by whoever made it.
	var owner *int64
	if !session.User.IsAdmin() {
		userID := session.User.ID
		owner = &userID
	}
	id, err := s.store.InsertPage(ctx, page, owner)
	if err != nil {
		return store.Page{}, err
	}
	if owner != nil {
		s.invalidateGrant(ctx, session, id, owner, nil)
	}
	created, err := s.store.GetPage(ctx, id)
	if err != nil {
		return store.Page{}, fmt.Errorf("reload page: %w", err)
	}

	s.commitVersion(ctx, session, created, "Create page")
	s.indexPage(created)
	s.recordActivity(ctx, session, "page.create", "page", created.ID, map[string]any{"title": created.Title})
	return created, nil
}

func (s *Service) UpdatePage(ctx context.Context, session Session, pageID int64, patch PagePatch) (store.Page, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return store.Page{}, err
	}
	if err := s.authorize(ctx, session, page, rbac.LevelEdit); err != nil {
		return store.Page{}, err
	}

	next := page
	if patch.Title != nil {
		next.Title = strings.TrimSpace(*patch.Title)
		if next.Title == "" {
			return store.Page{}, validationError("title cannot be empty", nil)
		}
	}
	if patch.Slug != nil {
		next.Slug = slugify(*patch.Slug)
		if next.Slug == "" {
			return store.Page{}, validationError("slug cannot be empty", nil)
		}
	}
	if patch.Content != nil {
		next.Content = *patch.Content
	}
	if patch.IsPublic != nil && *patch.IsPublic != page.IsPublic {
		if err := s.authorize(ctx, session, page, rbac.LevelAdmin); err != nil {
			return store.Page{}, err
		}
		next.IsPublic = *patch.IsPublic
	}
	switch {
	case patch.MoveToRoot:
		next.ParentID = nil
	case patch.ParentID != nil && !sameParent(page.ParentID, patch.ParentID):
		if err := s.checkMove(ctx, pageID, *patch.ParentID); err != nil {
			return store.Page{}, err
		}
		if err := s.authorizeParent(ctx, session, *patch.ParentID); err != nil {
			return store.Page{}, err
		}
		next.ParentID = patch.ParentID
	}
	next.UpdatedBy = session.actorID()

	if err := s.store.UpdatePage(ctx, next); err != nil {
		return store.Page{}, err
	}
	updated, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return store.Page{}, fmt.Errorf("reload page: %w", err)
	}

	message := strings.TrimSpace(patch.Message)
	if message == "" {
		message = "Update page"
	}
	s.commitVersion(ctx, session, updated, message)
	s.indexPage(updated)
	s.recordActivity(ctx, session, "page.update", "page", pageID, map[string]any{"title": updated.Title})
	return updated, nil
}

// checkMove rejects a parent that is the page itself or one of its
// descendants.
func (s *Service) checkMove(ctx context.Context, pageID, parentID int64) error {
	seen := map[int64]struct{}{}
	current := &parentID
	for current != nil {
		if *current == pageID {
			return validationError("a page cannot be moved under itself or a descendant", map[string]any{"parentId": parentID})
		}
		if _, ok := seen[*current]; ok {
			return nil
		}
		seen[*current] = struct{}{}
		ancestor, err := s.store.GetPage(ctx, *current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		current = ancestor.ParentID
	}
	return nil
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *Service) ArchivePage(ctx context.Context, session Session, pageID int64) (store.Page, error) {
	return s.setArchived(ctx, session, pageID, true)
}

func (s *Service) RestorePage(ctx context.Context, session Session, pageID int64) (store.Page, error) {
	return s.setArchived(ctx, session, pageID, false)
}

func (s *Service) setArchived(ctx context.Context, session Session, pageID int64, archived bool) (store.Page, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return store.Page{}, err
	}
	if err := s.authorize(ctx, session, page, rbac.LevelEdit); err != nil {
		return store.Page{}, err
	}
	if err := s.store.SetPageArchived(ctx, pageID, archived, session.User.ID); err != nil {
		return store.Page{}, err
	}
	page.IsArchived = archived
	s.indexPage(page)

	action := "page.restore"
	if archived {
		action = "page.archive"
	}
	s.recordActivity(ctx, session, action, "page", pageID, nil)
	return page, nil
}

func (s *Service) DeletePage(ctx context.Context, session Session, pageID int64) error {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, session, page, rbac.LevelAdmin); err != nil {
		return err
	}
	if err := s.store.DeletePage(ctx, pageID); err != nil {
		return err
	}

	if s.cache != nil {
		if err := s.cache.InvalidatePage(ctx, pageID); err != nil {
			s.requestLog(ctx, session).WithError(err).WithField("page_id", pageID).Warn("invalidate page permissions")
		}
	}
	if s.versions != nil {
		if err := s.versions.Remove(pageID); err != nil {
			s.requestLog(ctx, session).WithError(err).WithField("page_id", pageID).Warn("remove page versions")
		}
	}
	if s.search != nil {
		s.search.DeletePage(pageID)
	}
	s.recordActivity(ctx, session, "page.delete", "page", pageID, map[string]any{"title": page.Title})
	return nil
}

func (s *Service) PageHistory(ctx context.Context, session Session, pageID int64, limit int) ([]versions.Version, error) {
	if _, err := s.GetPage(ctx, session, pageID); err != nil {
		return nil, err
	}
	if s.versions == nil {
		return []versions.Version{}, nil
	}
	return s.versions.History(pageID, limit)
}

// PageVersion returns the page as of hash and its differences from the
// current page.
func (s *Service) PageVersion(ctx context.Context, session Session, pageID int64, hash string) (VersionDetail, error) {
	page, err := s.GetPage(ctx, session, pageID)
	if err != nil {
		return VersionDetail{}, err
	}
	if s.versions == nil {
		return VersionDetail{}, versions.ErrVersionNotFound
	}
	content, version, err := s.versions.Get(pageID, hash)
	if err != nil {
		return VersionDetail{}, err
	}
	return VersionDetail{
		Version: version,
		Content: content,
		Changes: versions.Diff(content, versionContent(page)),
	}, nil
}

func (s *Service) Search(ctx context.Context, session Session, text string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, errUnavailable
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{}, validationError("q is required", nil)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	response, err := s.search.Search(ctx, session.User, search.Query{Text: text, Limit: limit, Offset: offset})
	if err != nil {
		return search.Response{}, s.storeFailed(ctx, session, "search", err)
	}
	return response, nil
}

func (s *Service) commitVersion(ctx context.Context, session Session, page store.Page, message string) {
	if s.versions == nil {
		return
	}
	if _, err := s.versions.Commit(page.ID, versionContent(page), session.author(), message); err != nil {
		s.requestLog(ctx, session).WithError(err).WithField("page_id", page.ID).Error("commit page version")
	}
}

func (s *Service) indexPage(page store.Page) {
	if s.search == nil {
		return
	}
	s.search.IndexPage(search.PageRecord{
		ID:         page.ID,
		Title:      page.Title,
		Slug:       page.Slug,
		Content:    page.Content,
		ParentID:   page.ParentID,
		IsPublic:   page.IsPublic,
		IsArchived: page.IsArchived,
	})
}

func (s *Service) recordActivity(ctx context.Context, session Session, action, entityType string, entityID int64, details map[string]any) {
	err := s.store.InsertActivity(ctx, store.ActivityEntry{
		UserID:     session.actorID(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    details,
	})
	if err != nil {
		s.requestLog(ctx, session).WithError(err).WithField("action", action).Warn("record activity")
	}
}

func versionContent(page store.Page) versions.Content {
	return versions.Content{
		Title:    page.Title,
		Slug:     page.Slug,
		Content:  page.Content,
		ParentID: page.ParentID,
		IsPublic: page.IsPublic,
	}
}

// slugify lowercases input and joins its letter and digit runs with dashes.
func slugify(input string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(input)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			pendingDash = false
			continue
		}
		pendingDash = true
	}
	return b.String()
}
