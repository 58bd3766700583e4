package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sileade/scoliologic-wiki-sub002/internal/auth"
	"github.com/sileade/scoliologic-wiki-sub002/internal/observability"
	"github.com/sileade/scoliologic-wiki-sub002/internal/rbac"
)

func newTestServer(t *testing.T) (*HTTPServer, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	return NewHTTPServer(env.svc, "*", observability.Discard(), env.metrics), env
}

func tokenFor(t *testing.T, userID int64) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.NewClaims(userID, "Tester", time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	payload := map[string]any{}
	if rr.Body.Len() > 0 && strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
		}
	}
	return rr, payload
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rr, payload := doRequest(t, server, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload["ok"])
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("all checks pass", func(t *testing.T) {
		server, _ := newTestServer(t)
		rr, payload := doRequest(t, server, http.MethodGet, "/api/ready", "", "")
		if rr.Code != http.StatusOK || payload["status"] != "ready" {
			t.Fatalf("expected ready, got %d %v", rr.Code, payload)
		}
	})

	t.Run("database down", func(t *testing.T) {
		server, env := newTestServer(t)
		env.store.pingErr = errors.New("connection refused")
		rr, payload := doRequest(t, server, http.MethodGet, "/api/ready", "", "")
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status 503, got %d", rr.Code)
		}
		checks := payload["checks"].(map[string]any)
		database := checks["database"].(map[string]any)
		if database["status"] != "error" {
			t.Fatalf("expected database error, got %v", database)
		}
	})

	t.Run("redis check fails", func(t *testing.T) {
		server, env := newTestServer(t)
		env.svc.checks = map[string]func(context.Context) error{
			"redis": func(context.Context) error { return errors.New("dial tcp: refused") },
		}
		rr, payload := doRequest(t, server, http.MethodGet, "/api/ready", "", "")
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status 503, got %d", rr.Code)
		}
		checks := payload["checks"].(map[string]any)
		if _, ok := checks["redis"]; !ok {
			t.Fatalf("expected redis check in %v", checks)
		}
	})
	t.Run("database is pinged once", func(t *testing.T) {
		server, env := newTestServer(t)
		env.svc.checks = map[string]func(context.Context) error{
			"database": env.store.Ping,
			"redis":    func(context.Context) error { return nil },
		}
		rr, payload := doRequest(t, server, http.MethodGet, "/api/ready", "", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if env.store.pings != 1 {
			t.Fatalf("expected one database ping, got %d", env.store.pings)
		}
		if checks := payload["checks"].(map[string]any); len(checks) != 2 {
			t.Fatalf("expected database and redis checks, got %v", checks)
		}
	})
}

func TestRequestIDIsPropagated(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
}

func TestPreflightSkipsRouting(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/pages/1", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("expected CORS headers on preflight")
	}
}

func TestGuestPageAccess(t *testing.T) {
	server, env := newTestServer(t)
	env.store.addPage(100, "public", nil, true)
	env.store.addPage(101, "private", nil, false)

	rr, payload := doRequest(t, server, http.MethodGet, "/api/pages/100", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected guest to read public page, got %d body=%s", rr.Code, rr.Body.String())
	}
	page := payload["page"].(map[string]any)
	if page["title"] != "public" {
		t.Fatalf("unexpected page %v", page)
	}

	rr, payload = doRequest(t, server, http.MethodGet, "/api/pages/101", "", "")
	if rr.Code != http.StatusForbidden || payload["code"] != "FORBIDDEN" {
		t.Fatalf("expected 403 FORBIDDEN, got %d %v", rr.Code, payload)
	}

	rr, _ = doRequest(t, server, http.MethodGet, "/api/pages/404", "", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr, payload = doRequest(t, server, http.MethodGet, "/api/pages", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if pages := payload["pages"].([]any); len(pages) != 1 {
		t.Fatalf("expected only the public page, got %v", pages)
	}
}

func TestInvalidTokenIsUnauthorized(t *testing.T) {
	server, _ := newTestServer(t)
	rr, payload := doRequest(t, server, http.MethodGet, "/api/pages", "not-a-token", "")
	if rr.Code != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected 401, got %d %v", rr.Code, payload)
	}

	expired, err := auth.IssueToken([]byte(testSecret), auth.NewClaims(2, "Tester", -time.Minute))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rr, _ = doRequest(t, server, http.MethodGet, "/api/pages", expired, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rr.Code)
	}
}

func TestSessionEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	_, payload := doRequest(t, server, http.MethodGet, "/api/session", "", "")
	if payload["authenticated"] != false {
		t.Fatalf("expected guest session, got %v", payload)
	}

	_, payload = doRequest(t, server, http.MethodGet, "/api/session", tokenFor(t, 1), "")
	if payload["authenticated"] != true || payload["role"] != "admin" {
		t.Fatalf("expected admin session, got %v", payload)
	}

	// A token for a user that no longer exists carries no privileges.
	_, payload = doRequest(t, server, http.MethodGet, "/api/session", tokenFor(t, 999), "")
	if payload["authenticated"] != false {
		t.Fatalf("expected unknown user to be a guest, got %v", payload)
	}
}

func TestMemberPageLifecycle(t *testing.T) {
	server, env := newTestServer(t)
	token := tokenFor(t, 2)

	rr, payload := doRequest(t, server, http.MethodPost, "/api/pages", token, `{"title":"Runbook","content":"step 1"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	page := payload["page"].(map[string]any)
	id := int64(page["id"].(float64))
	path := "/api/pages/" + itoa(id)

	rr, payload = doRequest(t, server, http.MethodGet, path+"/access", token, "")
	if rr.Code != http.StatusOK || payload["level"] != "admin" {
		t.Fatalf("expected creator to hold admin, got %d %v", rr.Code, payload)
	}

	rr, _ = doRequest(t, server, http.MethodPatch, path, token, `{"content":"step 2","message":"Add step"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected update to succeed, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr, payload = doRequest(t, server, http.MethodGet, path+"/versions", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected history, got %d", rr.Code)
	}
	history := payload["versions"].([]any)
	if len(history) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(history))
	}
	first := history[1].(map[string]any)["hash"].(string)

	rr, payload = doRequest(t, server, http.MethodGet, path+"/versions/"+first, token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected version detail, got %d body=%s", rr.Code, rr.Body.String())
	}
	if content := payload["content"].(map[string]any); content["content"] != "step 1" {
		t.Fatalf("unexpected version content %v", content)
	}

	other := tokenFor(t, 3)
	rr, _ = doRequest(t, server, http.MethodGet, path, other, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected other member to be denied, got %d", rr.Code)
	}

	rr, _ = doRequest(t, server, http.MethodPost, path+"/permissions", token, `{"userId":3,"level":"read"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected grant to succeed, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr, _ = doRequest(t, server, http.MethodGet, path, other, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected granted member to read, got %d", rr.Code)
	}
	rr, _ = doRequest(t, server, http.MethodDelete, path, other, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected reader delete to be denied, got %d", rr.Code)
	}

	rr, _ = doRequest(t, server, http.MethodDelete, path, token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected creator delete to succeed, got %d", rr.Code)
	}
	if len(env.search.deleted) != 1 {
		t.Fatalf("expected page to be removed from the index")
	}
}

func TestGuestCannotCreatePages(t *testing.T) {
	server, _ := newTestServer(t)
	rr, payload := doRequest(t, server, http.MethodPost, "/api/pages", "", `{"title":"Spam"}`)
	if rr.Code != http.StatusForbidden || payload["code"] != "FORBIDDEN" {
		t.Fatalf("expected 403, got %d %v", rr.Code, payload)
	}
}

func TestStoreOutageLooksLikeDenial(t *testing.T) {
	server, env := newTestServer(t)
	env.store.addPage(101, "private", nil, false)
	env.store.grantUser(101, 2, rbac.LevelRead)
	token := tokenFor(t, 2)
	env.store.permissionsDown = true

	// The role lookup fails first, so the session cannot be established.
	rr, _ := doRequest(t, server, http.MethodGet, "/api/pages/101", token, "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when the role cannot be loaded, got %d", rr.Code)
	}

	env.store.permissionsDown = false
	env.svc.permissions = &flakyPermissions{Store: env.store}
	env.svc.guard = rbac.NewGuard(rbac.NewResolver(env.svc.permissions))
	rr, payload := doRequest(t, server, http.MethodGet, "/api/pages/101", token, "")
	if rr.Code != http.StatusForbidden || payload["code"] != "FORBIDDEN" {
		t.Fatalf("expected fail-closed 403, got %d %v", rr.Code, payload)
	}
}

// flakyPermissions serves roles but fails every grant read.
type flakyPermissions struct {
	rbac.Store
}

func (f *flakyPermissions) DirectGrant(context.Context, int64, int64) (rbac.Level, error) {
	return rbac.LevelNone, errStoreDown
}

func TestGroupRoutesRequireAdmin(t *testing.T) {
	server, _ := newTestServer(t)

	rr, _ := doRequest(t, server, http.MethodGet, "/api/groups", tokenFor(t, 2), "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for member, got %d", rr.Code)
	}

	adminToken := tokenFor(t, 1)
	rr, payload := doRequest(t, server, http.MethodPost, "/api/groups", adminToken, `{"name":"Support"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	groupID := int64(payload["group"].(map[string]any)["id"].(float64))
	groupPath := "/api/groups/" + itoa(groupID)

	rr, _ = doRequest(t, server, http.MethodPost, groupPath+"/members", adminToken, `{"userId":3,"role":"editor"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected member add, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr, payload = doRequest(t, server, http.MethodGet, groupPath, adminToken, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected group detail, got %d", rr.Code)
	}
	members := payload["group"].(map[string]any)["members"].([]any)
	if len(members) != 1 {
		t.Fatalf("expected one member, got %v", members)
	}

	rr, _ = doRequest(t, server, http.MethodDelete, groupPath+"/members/3", adminToken, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected member removal, got %d", rr.Code)
	}
	rr, _ = doRequest(t, server, http.MethodDelete, groupPath+"/members/3", adminToken, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing member, got %d", rr.Code)
	}
}

func TestUserRoleRoute(t *testing.T) {
	server, env := newTestServer(t)

	rr, _ := doRequest(t, server, http.MethodPut, "/api/users/3/role", tokenFor(t, 2), `{"role":"admin"}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("member changing roles: expected 403, got %d", rr.Code)
	}
	rr, payload := doRequest(t, server, http.MethodPut, "/api/users/3/role", tokenFor(t, 1), `{"role":"owner"}`)
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected 422, got %d %v", rr.Code, payload)
	}
	rr, payload = doRequest(t, server, http.MethodPut, "/api/users/3/role", tokenFor(t, 1), `{"role":"admin"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", rr.Code, payload)
	}
	user, _ := payload["user"].(map[string]any)
	if user["role"] != "admin" {
		t.Fatalf("unexpected user payload: %v", payload)
	}
	if calls := env.cache.snapshot(); len(calls) != 1 || calls[0] != fmtCall("role", 3) {
		t.Fatalf("expected role invalidation, got %v", calls)
	}
}

func TestValidationErrors(t *testing.T) {
	server, env := newTestServer(t)
	env.store.addPage(100, "doc", nil, false)
	adminToken := tokenFor(t, 1)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{name: "bad json", method: http.MethodPost, path: "/api/pages", body: `{`, status: http.StatusBadRequest, code: "INVALID_BODY"},
		{name: "missing title", method: http.MethodPost, path: "/api/pages", body: `{"title":""}`, status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "bad level", method: http.MethodPost, path: "/api/pages/100/permissions", body: `{"userId":2,"level":"owner"}`, status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "missing member id", method: http.MethodPost, path: "/api/groups/10/members", body: `{}`, status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "empty search", method: http.MethodGet, path: "/api/search?q=", status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "unknown route", method: http.MethodGet, path: "/api/nope", status: http.StatusNotFound, code: "NOT_FOUND"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr, payload := doRequest(t, server, tc.method, tc.path, adminToken, tc.body)
			if rr.Code != tc.status || payload["code"] != tc.code {
				t.Fatalf("expected %d %s, got %d %v", tc.status, tc.code, rr.Code, payload)
			}
		})
	}
}

func TestMetricsEndpointUsesRouteTemplates(t *testing.T) {
	server, env := newTestServer(t)
	env.store.addPage(100, "public", nil, true)
	doRequest(t, server, http.MethodGet, "/api/pages/100", "", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected metrics, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `route="/api/pages/{id:[0-9]+}"`) {
		t.Fatalf("expected templated route label, got:\n%s", rr.Body.String())
	}
}

func TestMetricsRouteAbsentWithoutMetrics(t *testing.T) {
	env := newTestEnv(t)
	server := NewHTTPServer(env.svc, "*", nil, nil)
	rr, _ := doRequest(t, server, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics, got %d", rr.Code)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "denied", err: &rbac.DeniedError{PageID: 1, Required: rbac.LevelEdit}, status: http.StatusForbidden, code: "FORBIDDEN"},
		{name: "store unavailable", err: &rbac.DeniedError{PageID: 1, Err: rbac.ErrStoreUnavailable}, status: http.StatusForbidden, code: "FORBIDDEN"},
		{name: "invalid input", err: rbac.ErrInvalidInput, status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "token", err: auth.ErrExpiredToken, status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "domain", err: errUnavailable, status: http.StatusServiceUnavailable, code: "UNAVAILABLE"},
		{name: "unknown", err: errors.New("boom"), status: http.StatusInternalServerError, code: "SERVER_ERROR"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, code, _, _ := mapError(tc.err)
			if status != tc.status || code != tc.code {
				t.Fatalf("mapError(%v) = %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
			}
		})
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
