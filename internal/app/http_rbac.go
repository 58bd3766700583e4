package app

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sileade/scoliologic-wiki-sub002/internal/store"
)

func (s *HTTPServer) registerRBACRoutes(api *mux.Router) {
	api.HandleFunc("/pages/{id:[0-9]+}/permissions", s.handleListPermissions).Methods(http.MethodGet)
	api.HandleFunc("/pages/{id:[0-9]+}/permissions", s.handleGrantPermission).Methods(http.MethodPost)
	api.HandleFunc("/pages/{id:[0-9]+}/permissions/{permissionId:[0-9]+}", s.handleRevokePermission).Methods(http.MethodDelete)

	api.HandleFunc("/groups", s.handleListGroups).Methods(http.MethodGet)
	api.HandleFunc("/groups", s.handleCreateGroup).Methods(http.MethodPost)
	api.HandleFunc("/groups/{id:[0-9]+}", s.handleGetGroup).Methods(http.MethodGet)
	api.HandleFunc("/groups/{id:[0-9]+}", s.handleDeleteGroup).Methods(http.MethodDelete)
	api.HandleFunc("/groups/{id:[0-9]+}/members", s.handleAddGroupMember).Methods(http.MethodPost)
	api.HandleFunc("/groups/{id:[0-9]+}/members/{userId:[0-9]+}", s.handleRemoveGroupMember).Methods(http.MethodDelete)

	api.HandleFunc("/users/{id:[0-9]+}/role", s.handleSetUserRole).Methods(http.MethodPut)
}

func (s *HTTPServer) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	pageID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	perms, err := s.service.ListPagePermissions(r.Context(), sessionFrom(r.Context()), pageID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, len(perms))
	for i, p := range perms {
		items[i] = permissionJSON(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": items})
}

func (s *HTTPServer) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	pageID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var body GrantInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	perm, err := s.service.GrantPagePermission(r.Context(), sessionFrom(r.Context()), pageID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"permission": permissionJSON(perm)})
}

func (s *HTTPServer) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	pageID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	permissionID, ok := pathID(w, r, "permissionId")
	if !ok {
		return
	}
	if err := s.service.RevokePagePermission(r.Context(), sessionFrom(r.Context()), pageID, permissionID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.service.ListGroups(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, len(groups))
	for i, g := range groups {
		items[i] = groupJSON(g)
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": items})
}

func (s *HTTPServer) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	group, err := s.service.CreateGroup(r.Context(), sessionFrom(r.Context()), body.Name, body.Description)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"group": groupJSON(group)})
}

func (s *HTTPServer) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	detail, err := s.service.GetGroup(r.Context(), sessionFrom(r.Context()), groupID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	members := make([]map[string]any, len(detail.Members))
	for i, m := range detail.Members {
		members[i] = map[string]any{
			"userId":    m.UserID,
			"role":      m.Role,
			"name":      m.Name,
			"email":     m.Email,
			"createdAt": m.CreatedAt,
		}
	}
	item := groupJSON(detail.Group)
	item["members"] = members
	writeJSON(w, http.StatusOK, map[string]any{"group": item})
}

func (s *HTTPServer) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.service.DeleteGroup(r.Context(), sessionFrom(r.Context()), groupID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleAddGroupMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		UserID int64  `json:"userId"`
		Role   string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.UserID <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
		return
	}
	if err := s.service.AddGroupMember(r.Context(), sessionFrom(r.Context()), groupID, body.UserID, body.Role); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	if err := s.service.RemoveGroupMember(r.Context(), sessionFrom(r.Context()), groupID, userID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSetUserRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Role string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, err := s.service.SetUserRole(r.Context(), sessionFrom(r.Context()), userID, body.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": map[string]any{
		"id":   user.ID,
		"name": user.Name,
		"role": user.Role,
	}})
}

func permissionJSON(p store.PagePermission) map[string]any {
	item := map[string]any{
		"id":        p.ID,
		"pageId":    p.PageID,
		"level":     p.Level.String(),
		"grantedBy": p.GrantedBy,
		"createdAt": p.CreatedAt,
	}
	if p.UserID != nil {
		item["subjectType"] = "user"
		item["subjectId"] = *p.UserID
		item["subjectName"] = p.UserName
	} else if p.GroupID != nil {
		item["subjectType"] = "group"
		item["subjectId"] = *p.GroupID
		item["subjectName"] = p.GroupName
	}
	return item
}

func groupJSON(g store.Group) map[string]any {
	return map[string]any{
		"id":          g.ID,
		"name":        g.Name,
		"description": g.Description,
		"createdAt":   g.CreatedAt,
		"updatedAt":   g.UpdatedAt,
	}
}
