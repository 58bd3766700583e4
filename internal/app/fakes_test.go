package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sileade/scoliologic-wiki-sub002/internal/rbac"
	"github.com/sileade/scoliologic-wiki-sub002/internal/search"
	"github.com/sileade/scoliologic-wiki-sub002/internal/store"
)

var errStoreDown = errors.New("connection refused")

// memStore is an in-memory dataStore. Setting permissionsDown makes every
// permission read fail.
type memStore struct {
	mu sync.Mutex

	users       map[int64]store.User
	pages       map[int64]store.Page
	groups      map[int64]store.Group
	members     map[int64]map[int64]string
	permissions map[int64]store.PagePermission
	activity    []store.ActivityEntry
	nextID      int64

	permissionsDown bool
	pingErr         error
	pings           int
	permissionReads int
	// ownerGrantErr fails page inserts that carry an owner grant; the
	// page is not kept, as with the transactional store.
	ownerGrantErr error
}

func newMemStore() *memStore {
	return &memStore{
		users:       map[int64]store.User{},
		pages:       map[int64]store.Page{},
		groups:      map[int64]store.Group{},
		members:     map[int64]map[int64]string{},
		permissions: map[int64]store.PagePermission{},
		nextID:      1000,
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) addUser(id int64, name, role string) {
	m.users[id] = store.User{ID: id, Name: name, Role: role}
}

func (m *memStore) addPage(id int64, title string, parentID *int64, public bool) {
	m.pages[id] = store.Page{ID: id, Title: title, Slug: title, ParentID: parentID, IsPublic: public, CreatedAt: time.Now()}
}

func (m *memStore) addGroup(id int64, name string, memberIDs ...int64) {
	m.groups[id] = store.Group{ID: id, Name: name}
	m.members[id] = map[int64]string{}
	for _, userID := range memberIDs {
		m.members[id][userID] = "member"
	}
}

func (m *memStore) grantUser(pageID, userID int64, level rbac.Level) int64 {
	id := m.id()
	m.permissions[id] = store.PagePermission{ID: id, PageID: pageID, UserID: &userID, Level: level}
	return id
}

func (m *memStore) grantGroup(pageID, groupID int64, level rbac.Level) int64 {
	id := m.id()
	m.permissions[id] = store.PagePermission{ID: id, PageID: pageID, GroupID: &groupID, Level: level}
	return id
}

func (m *memStore) permissionRead() error {
	m.permissionReads++
	if m.permissionsDown {
		return errStoreDown
	}
	return nil
}

func (m *memStore) DirectGrant(_ context.Context, userID, pageID int64) (rbac.Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.permissionRead(); err != nil {
		return rbac.LevelNone, err
	}
	for _, p := range m.permissions {
		if p.PageID == pageID && p.UserID != nil && *p.UserID == userID {
			return p.Level, nil
		}
	}
	return rbac.LevelNone, nil
}

func (m *memStore) DirectGrants(_ context.Context, userID int64, pageIDs []int64) (map[int64]rbac.Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.permissionRead(); err != nil {
		return nil, err
	}
	wanted := map[int64]bool{}
	for _, id := range pageIDs {
		wanted[id] = true
	}
	levels := map[int64]rbac.Level{}
	for _, p := range m.permissions {
		if wanted[p.PageID] && p.UserID != nil && *p.UserID == userID {
			levels[p.PageID] = p.Level
		}
	}
	return levels, nil
}

func (m *memStore) GroupIDsForUser(_ context.Context, userID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.permissionRead(); err != nil {
		return nil, err
	}
	var ids []int64
	for groupID, members := range m.members {
		if _, ok := members[userID]; ok {
			ids = append(ids, groupID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *memStore) GroupGrants(_ context.Context, pageIDs, groupIDs []int64) ([]rbac.GroupGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.permissionRead(); err != nil {
		return nil, err
	}
	pages, groups := map[int64]bool{}, map[int64]bool{}
	for _, id := range pageIDs {
		pages[id] = true
	}
	for _, id := range groupIDs {
		groups[id] = true
	}
	var grants []rbac.GroupGrant
	for _, p := range m.permissions {
		if p.GroupID != nil && pages[p.PageID] && groups[*p.GroupID] {
			grants = append(grants, rbac.GroupGrant{PageID: p.PageID, GroupID: *p.GroupID, Level: p.Level})
		}
	}
	return grants, nil
}

func (m *memStore) UserGlobalRole(_ context.Context, userID int64) (rbac.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.permissionRead(); err != nil {
		return rbac.RoleGuest, err
	}
	user, ok := m.users[userID]
	if !ok {
		return rbac.RoleGuest, nil
	}
	return rbac.Normalize(user.Role), nil
}

func (m *memStore) GetUserByID(_ context.Context, userID int64) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) ListPages(_ context.Context, includeArchived bool) ([]store.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Page, 0, len(m.pages))
	for _, p := range m.pages {
		if includeArchived || !p.IsArchived {
			items = append(items, p)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *memStore) GetPage(_ context.Context, pageID int64) (store.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[pageID]
	if !ok {
		return store.Page{}, sql.ErrNoRows
	}
	return page, nil
}

func (m *memStore) InsertPage(_ context.Context, page store.Page, ownerID *int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ownerID != nil && m.ownerGrantErr != nil {
		return 0, m.ownerGrantErr
	}
	page.ID = m.id()
	page.UpdatedBy = page.CreatedBy
	page.CreatedAt = time.Now()
	page.UpdatedAt = page.CreatedAt
	m.pages[page.ID] = page
	if ownerID != nil {
		owner := *ownerID
		permID := m.id()
		m.permissions[permID] = store.PagePermission{
			ID: permID, PageID: page.ID, UserID: &owner, Level: rbac.LevelAdmin, GrantedBy: &owner, CreatedAt: time.Now(),
		}
	}
	return page.ID, nil
}

func (m *memStore) UpdatePage(_ context.Context, page store.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pages[page.ID]; !ok {
		return sql.ErrNoRows
	}
	page.UpdatedAt = time.Now()
	m.pages[page.ID] = page
	return nil
}

func (m *memStore) SetPageArchived(_ context.Context, pageID int64, archived bool, updatedBy int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[pageID]
	if !ok {
		return sql.ErrNoRows
	}
	page.IsArchived = archived
	page.UpdatedBy = &updatedBy
	m.pages[pageID] = page
	return nil
}

func (m *memStore) DeletePage(_ context.Context, pageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pages[pageID]; !ok {
		return sql.ErrNoRows
	}
	delete(m.pages, pageID)
	for id, p := range m.permissions {
		if p.PageID == pageID {
			delete(m.permissions, id)
		}
	}
	return nil
}

func (m *memStore) ListPagePermissions(_ context.Context, pageID int64) ([]store.PagePermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []store.PagePermission
	for _, p := range m.permissions {
		if p.PageID == pageID {
			items = append(items, p)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *memStore) GetPagePermission(_ context.Context, permissionID int64) (store.PagePermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	perm, ok := m.permissions[permissionID]
	if !ok {
		return store.PagePermission{}, sql.ErrNoRows
	}
	return perm, nil
}

func (m *memStore) UpsertPagePermission(_ context.Context, perm store.PagePermission) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.permissions {
		if existing.PageID != perm.PageID {
			continue
		}
		sameUser := perm.UserID != nil && existing.UserID != nil && *perm.UserID == *existing.UserID
		sameGroup := perm.GroupID != nil && existing.GroupID != nil && *perm.GroupID == *existing.GroupID
		if sameUser || sameGroup {
			existing.Level = perm.Level
			existing.GrantedBy = perm.GrantedBy
			m.permissions[id] = existing
			return id, nil
		}
	}
	perm.ID = m.id()
	perm.CreatedAt = time.Now()
	m.permissions[perm.ID] = perm
	return perm.ID, nil
}

func (m *memStore) DeletePagePermission(_ context.Context, permissionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.permissions[permissionID]; !ok {
		return sql.ErrNoRows
	}
	delete(m.permissions, permissionID)
	return nil
}

func (m *memStore) ListGroups(_ context.Context) ([]store.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Group, 0, len(m.groups))
	for _, g := range m.groups {
		items = append(items, g)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (m *memStore) GetGroup(_ context.Context, groupID int64) (store.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.groups[groupID]
	if !ok {
		return store.Group{}, sql.ErrNoRows
	}
	return group, nil
}

func (m *memStore) InsertGroup(_ context.Context, name, description string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id()
	m.groups[id] = store.Group{ID: id, Name: name, Description: description}
	m.members[id] = map[int64]string{}
	return id, nil
}

func (m *memStore) DeleteGroup(_ context.Context, groupID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[groupID]; !ok {
		return sql.ErrNoRows
	}
	delete(m.groups, groupID)
	delete(m.members, groupID)
	for id, p := range m.permissions {
		if p.GroupID != nil && *p.GroupID == groupID {
			delete(m.permissions, id)
		}
	}
	return nil
}

func (m *memStore) ListGroupMembers(_ context.Context, groupID int64) ([]store.GroupMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []store.GroupMember
	for userID, role := range m.members[groupID] {
		items = append(items, store.GroupMember{GroupID: groupID, UserID: userID, Role: role, Name: m.users[userID].Name})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UserID < items[j].UserID })
	return items, nil
}

func (m *memStore) AddGroupMember(_ context.Context, groupID, userID int64, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[groupID] == nil {
		m.members[groupID] = map[int64]string{}
	}
	m.members[groupID][userID] = role
	return nil
}

func (m *memStore) UpdateUserRole(_ context.Context, userID int64, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.Role = role
	m.users[userID] = user
	return nil
}

func (m *memStore) RemoveGroupMember(_ context.Context, groupID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[groupID][userID]; !ok {
		return sql.ErrNoRows
	}
	delete(m.members[groupID], userID)
	return nil
}

func (m *memStore) InsertActivity(_ context.Context, entry store.ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.activity) + 1)
	entry.CreatedAt = time.Now()
	m.activity = append(m.activity, entry)
	return nil
}

func (m *memStore) ListActivity(_ context.Context, limit int) ([]store.ActivityEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.ActivityEntry, 0, limit)
	for i := len(m.activity) - 1; i >= 0 && len(items) < limit; i-- {
		items = append(items, m.activity[i])
	}
	return items, nil
}

func (m *memStore) Ping(context.Context) error {
	m.mu.Lock()
	m.pings++
	m.mu.Unlock()
	return m.pingErr
}

func (m *memStore) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	actions := make([]string, len(m.activity))
	for i, e := range m.activity {
		actions[i] = e.Action
	}
	return actions
}

// recordingCache records invalidations.
type recordingCache struct {
	mu    sync.Mutex
	calls []string
}

func (c *recordingCache) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return nil
}

func (c *recordingCache) InvalidateDirectGrant(_ context.Context, userID, pageID int64) error {
	return c.record(fmtCall("direct", pageID, userID))
}

func (c *recordingCache) InvalidateGroupGrant(_ context.Context, pageID, groupID int64) error {
	return c.record(fmtCall("group", pageID, groupID))
}

func (c *recordingCache) InvalidateMemberships(_ context.Context, userID int64) error {
	return c.record(fmtCall("members", userID))
}

func (c *recordingCache) InvalidateRole(_ context.Context, userID int64) error {
	return c.record(fmtCall("role", userID))
}

func (c *recordingCache) InvalidatePage(_ context.Context, pageID int64) error {
	return c.record(fmtCall("page", pageID))
}

func fmtCall(kind string, ids ...int64) string {
	return fmt.Sprint(kind, ids)
}

func (c *recordingCache) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// fakeSearch returns fixed candidates through the real visibility filter.
type fakeSearch struct {
	mu         sync.Mutex
	candidates []search.Result
	visibility search.Visibility
	indexed    []int64
	deleted    []int64
}

func (f *fakeSearch) Search(ctx context.Context, user rbac.User, q search.Query) (search.Response, error) {
	pages := make([]rbac.Page, len(f.candidates))
	for i, c := range f.candidates {
		pages[i] = rbac.Page{ID: c.PageID, IsPublic: c.IsPublic}
	}
	visible, err := f.visibility.FilterVisible(ctx, user, pages)
	if err != nil {
		return search.Response{}, err
	}
	keep := map[int64]bool{}
	for _, p := range visible {
		keep[p.ID] = true
	}
	results := []search.Result{}
	for _, c := range f.candidates {
		if keep[c.PageID] {
			results = append(results, c)
		}
	}
	return search.Response{Results: results, Total: len(results), Query: q.Text}, nil
}

func (f *fakeSearch) IndexPage(page search.PageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, page.ID)
}

func (f *fakeSearch) DeletePage(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}
