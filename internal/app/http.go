package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/sileade/scoliologic-wiki-sub002/internal/auth"
	"github.com/sileade/scoliologic-wiki-sub002/internal/observability"
	"github.com/sileade/scoliologic-wiki-sub002/internal/rbac"
	"github.com/sileade/scoliologic-wiki-sub002/internal/store"
	"github.com/sileade/scoliologic-wiki-sub002/internal/versions"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        logrus.FieldLogger
	metrics    *observability.Metrics
}

func NewHTTPServer(service *Service, corsOrigin string, log logrus.FieldLogger, metrics *observability.Metrics) *HTTPServer {
	if log == nil {
		log = observability.Discard()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log, metrics: metrics}
}

func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.observe)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/activity", s.handleActivity).Methods(http.MethodGet)
	s.registerPageRoutes(api)
	s.registerRBACRoutes(api)

	return s.withMiddleware(router)
}

func (s *HTTPServer) registerPageRoutes(api *mux.Router) {
	api.HandleFunc("/pages", s.handleListPages).Methods(http.MethodGet)
	api.HandleFunc("/pages", s.handleCreatePage).Methods(http.MethodPost)
	api.HandleFunc("/pages/tree", s.handlePageTree).Methods(http.MethodGet)
	api.HandleFunc("/pages/{id:[0-9]+}", s.handleGetPage).Methods(http.MethodGet)
	api.HandleFunc("/pages/{id:[0-9]+}", s.handleUpdatePage).Methods(http.MethodPatch, http.MethodPut)
	api.HandleFunc("/pages/{id:[0-9]+}", s.handleDeletePage).Methods(http.MethodDelete)
	api.HandleFunc("/pages/{id:[0-9]+}/archive", s.handleArchivePage).Methods(http.MethodPost)
	api.HandleFunc("/pages/{id:[0-9]+}/restore", s.handleRestorePage).Methods(http.MethodPost)
	api.HandleFunc("/pages/{id:[0-9]+}/access", s.handlePageAccess).Methods(http.MethodGet)
	api.HandleFunc("/pages/{id:[0-9]+}/versions", s.handlePageHistory).Methods(http.MethodGet)
	api.HandleFunc("/pages/{id:[0-9]+}/versions/{hash:[0-9a-f]+}", s.handlePageVersion).Methods(http.MethodGet)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready, checks := s.service.Ready(ctx)
	status, statusCode := "ready", http.StatusOK
	if !ready {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	if session.User.IsGuest() {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "role": string(rbac.RoleGuest)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        session.User.ID,
		"userName":      session.Name,
		"role":          string(session.User.Role),
	})
}

func (s *HTTPServer) handleListPages(w http.ResponseWriter, r *http.Request) {
	includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("includeArchived"))
	pages, err := s.service.ListPages(r.Context(), sessionFrom(r.Context()), includeArchived)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, len(pages))
	for i, p := range pages {
		items[i] = pageSummaryJSON(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": items})
}

func (s *HTTPServer) handlePageTree(w http.ResponseWriter, r *http.Request) {
	tree, err := s.service.PageTree(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tree": tree})
}

func (s *HTTPServer) handleCreatePage(w http.ResponseWriter, r *http.Request) {
	var body PageInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	page, err := s.service.CreatePage(r.Context(), sessionFrom(r.Context()), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"page": pageJSON(page)})
}

func (s *HTTPServer) handleGetPage(w http.ResponseWriter, r *http.Request) {
	pageID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	page, err := s.service.GetPage(r.Context(), sessionFrom(r.Context()), pageID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": pageJSON(page)})
}

func (s *HTTPServer) handleUpdatePage(w http.ResponseWriter, r *http.Request) {
	pageID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var body PagePatch
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	page, err := s.service.UpdatePage(r.Context(), sessionFrom(r.Context()), pageID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": pageJSON(page)})
}

func (s *HTTPServer) handleDeletePage(w http.ResponseWriter, r *http.Request) {
	pageID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.service.DeletePage(r.Context(), sessionFrom(r.Context()), pageID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleArchivePage(w http.ResponseWriter, r *http.Request) {
	s.archive(w, r, true)
}

func (s *HTTPServer) handleRestorePage(w http.ResponseWriter, r *http.Request) {
	s.archive(w, r, false)
}

func (s *HTTPServer) archive(w http.ResponseWriter, r *http.Request, archived bool) {
	pageID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var (
		page store.Page
		err  error
	)
	if archived {
		page, err = s.service.ArchivePage(r.Context(), sessionFrom(r.Context()), pageID)
	} else {
		page, err = s.service.RestorePage(r.Context(), sessionFrom(r.Context()), pageID)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": pageSummaryJSON(page)})
}

func (s *HTTPServer) handlePageAccess(w http.ResponseWriter, r *http.Request) {
	pageID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	access, err := s.service.PageAccess(r.Context(), sessionFrom(r.Context()), pageID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, access)
}

func (s *HTTPServer) handlePageHistory(w http.ResponseWriter, r *http.Request) {
	pageID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := s.service.PageHistory(r.Context(), sessionFrom(r.Context()), pageID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": history})
}

func (s *HTTPServer) handlePageVersion(w http.ResponseWriter, r *http.Request) {
	pageID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	detail, err := s.service.PageVersion(r.Context(), sessionFrom(r.Context()), pageID, mux.Vars(r)["hash"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	response, err := s.service.Search(r.Context(), sessionFrom(r.Context()), query.Get("q"), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.service.Activity(r.Context(), sessionFrom(r.Context()), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, len(entries))
	for i, e := range entries {
		items[i] = map[string]any{
			"id":         e.ID,
			"userId":     e.UserID,
			"action":     e.Action,
			"entityType": e.EntityType,
			"entityId":   e.EntityID,
			"details":    e.Details,
			"createdAt":  e.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": items})
}

// fail writes err as a JSON error. Denials caused by an unavailable
// permission store are indistinguishable from plain denials to the client.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"request_id": requestIDFrom(r.Context()),
			"path":       r.URL.Path,
		}).Error("request failed")
	}
	writeError(w, status, code, message, details)
}

// authenticate attaches the caller's session. Requests without a bearer
// token proceed as guests.
func (s *HTTPServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := guestSession()
		if token, ok := auth.BearerToken(r.Header.Get("Authorization")); ok {
			parsed, err := s.service.SessionFromToken(r.Context(), token)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			session = parsed
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

// observe records request metrics against the matched route template.
func (s *HTTPServer) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.metrics.ObserveHTTP(r.Method, route, writer.status, time.Since(started))
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

type sessionKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func sessionFrom(ctx context.Context) Session {
	if session, ok := ctx.Value(sessionKey{}).(Session); ok {
		return session
	}
	return guestSession()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	header.Set("Access-Control-Expose-Headers", "X-Request-ID")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid "+name, map[string]any{name: raw})
		return 0, false
	}
	return id, true
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, versions.ErrVersionNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, rbac.ErrInvalidInput) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", strings.TrimPrefix(err.Error(), rbac.ErrInvalidInput.Error()+": "), nil
	}
	if errors.Is(err, rbac.ErrAccessDenied) || errors.Is(err, rbac.ErrStoreUnavailable) {
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func pageSummaryJSON(p store.Page) map[string]any {
	return map[string]any{
		"id":         p.ID,
		"title":      p.Title,
		"slug":       p.Slug,
		"parentId":   p.ParentID,
		"isPublic":   p.IsPublic,
		"isArchived": p.IsArchived,
		"updatedAt":  p.UpdatedAt,
	}
}

func pageJSON(p store.Page) map[string]any {
	item := pageSummaryJSON(p)
	item["content"] = p.Content
	item["createdBy"] = p.CreatedBy
	item["updatedBy"] = p.UpdatedBy
	item["createdAt"] = p.CreatedAt
	return item
}
