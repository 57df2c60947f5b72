package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/yu934913926yu/ai-manager-system/internal/app"
	"github.com/yu934913926yu/ai-manager-system/internal/config"
	"github.com/yu934913926yu/ai-manager-system/internal/db"
	"github.com/yu934913926yu/ai-manager-system/internal/domain"
	"github.com/yu934913926yu/ai-manager-system/internal/migrate"
	"github.com/yu934913926yu/ai-manager-system/internal/server"
	"github.com/yu934913926yu/ai-manager-system/internal/store"
)

const testSecret = "test-secret"

var testClock = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (http.Handler, *app.App) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	a, err := app.New(config.Default(), conn, zerolog.Nop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	a.Machine.Now = func() time.Time { return testClock }

	ctx := context.Background()
	now := testClock.Format(time.RFC3339)
	admin := domain.User{ID: "admin-1", Username: "admin", Role: domain.RoleAdmin, IsAdmin: true, IsActive: true, CreatedAt: now}
	if err := a.Store.InsertUser(ctx, admin); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	p := domain.Project{
		ID:           "proj-1",
		Number:       "P-001",
		Name:         "Brand refresh",
		CustomerName: "Acme",
		Status:       domain.StatusPendingQuote,
		CreatorID:    "admin-1",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.Store.InsertProject(ctx, p); err != nil {
		t.Fatalf("seed project: %v", err)
	}

	h, err := server.New(server.Config{
		App:  a,
		Auth: server.AuthConfig{JWTSecret: testSecret, Logger: zerolog.Nop()},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return h, a
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsOpen(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/v0/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d: %s", rec.Code, rec.Body)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/v0/projects/proj-1", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v0/projects/proj-1", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token = %d, want 401", rec.Code)
	}
}

func TestGetProjectWithJWT(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/v0/projects/proj-1", signToken(t, "admin-1"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var p domain.Project
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ID != "proj-1" || p.Status != domain.StatusPendingQuote {
		t.Fatalf("project = %+v", p)
	}

	rec = doJSON(t, h, http.MethodGet, "/v0/projects/ghost", signToken(t, "admin-1"), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing project = %d", rec.Code)
	}
}

func TestTransitionEndpoint(t *testing.T) {
	h, _ := newTestServer(t)
	token := signToken(t, "admin-1")

	rec := doJSON(t, h, http.MethodPost, "/v0/projects/proj-1/transition", token,
		`{"status":"quoted","reason":"quote sent"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("transition = %d: %s", rec.Code, rec.Body)
	}
	var out struct {
		From   domain.Status             `json:"from"`
		To     domain.Status             `json:"to"`
		Record domain.StatusChangeRecord `json:"record"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.From != domain.StatusPendingQuote || out.To != domain.StatusQuoted {
		t.Fatalf("hop = %s -> %s", out.From, out.To)
	}
	if out.Record.ActorID != "admin-1" || out.Record.Reason != "quote sent" {
		t.Fatalf("record = %+v", out.Record)
	}
}

func TestIllegalTransitionConflict(t *testing.T) {
	h, a := newTestServer(t)
	ctx := context.Background()
	viewer := domain.User{ID: "viewer-1", Username: "viewer", Role: domain.RoleViewer, IsActive: true, CreatedAt: testClock.Format(time.RFC3339)}
	if err := a.Store.InsertUser(ctx, viewer); err != nil {
		t.Fatalf("seed viewer: %v", err)
	}

	rec := doJSON(t, h, http.MethodPost, "/v0/projects/proj-1/transition", signToken(t, "viewer-1"),
		`{"status":"completed"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("illegal hop = %d: %s", rec.Code, rec.Body)
	}
	var body struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "illegal_transition" {
		t.Fatalf("code = %q: %s", body.Error.Code, rec.Body)
	}
	if body.Error.Details["from"] != "pending_quote" || body.Error.Details["to"] != "completed" {
		t.Fatalf("details = %v", body.Error.Details)
	}
}

func TestUnknownActorForbidden(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v0/projects/proj-1/transition", signToken(t, "nobody"),
		`{"status":"quoted"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unknown actor = %d: %s", rec.Code, rec.Body)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	h, a := newTestServer(t)
	secret := "aimgr_test_key"
	key := domain.APIKey{
		ID:        "k1",
		ActorID:   "admin-1",
		Name:      "ci",
		KeyHash:   store.HashAPIKey(secret),
		CreatedAt: testClock.Format(time.RFC3339),
	}
	if err := a.Store.InsertAPIKey(context.Background(), key); err != nil {
		t.Fatalf("insert key: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v0/projects/proj-1", nil)
	req.Header.Set("X-Api-Key", secret)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("api key auth = %d: %s", rec.Code, rec.Body)
	}

	req = httptest.NewRequest(http.MethodGet, "/v0/projects/proj-1", nil)
	req.Header.Set("X-Api-Key", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad api key = %d", rec.Code)
	}
}

func TestRulesEndpoints(t *testing.T) {
	h, _ := newTestServer(t)
	token := signToken(t, "admin-1")

	rec := doJSON(t, h, http.MethodGet, "/v0/rules", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list rules = %d: %s", rec.Code, rec.Body)
	}
	var rules []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &rules); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rules) < 7 {
		t.Fatalf("default rules missing, got %d", len(rules))
	}

	rec = doJSON(t, h, http.MethodPost, "/v0/rules/auto_assign_designer/deactivate", token, "")
	if rec.Code != http.StatusOK && rec.Code != http.StatusNoContent {
		t.Fatalf("deactivate = %d: %s", rec.Code, rec.Body)
	}
	rec = doJSON(t, h, http.MethodGet, "/v0/rules/auto_assign_designer", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get rule = %d", rec.Code)
	}
	var rule struct {
		Active bool `json:"active"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &rule); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rule.Active {
		t.Fatalf("rule still active after deactivate")
	}

	rec = doJSON(t, h, http.MethodPost, "/v0/rules/ghost/deactivate", token, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("deactivate missing rule = %d", rec.Code)
	}
}

func TestJobsEndpoints(t *testing.T) {
	h, _ := newTestServer(t)
	token := signToken(t, "admin-1")

	rec := doJSON(t, h, http.MethodGet, "/v0/jobs", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list jobs = %d: %s", rec.Code, rec.Body)
	}
	var jobs []struct {
		ID     string `json:"id"`
		Paused bool   `json:"paused"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(jobs) != 4 {
		t.Fatalf("default jobs = %d, want 4", len(jobs))
	}

	rec = doJSON(t, h, http.MethodPost, "/v0/jobs/overdue_check/pause", token, "")
	if rec.Code != http.StatusOK && rec.Code != http.StatusNoContent {
		t.Fatalf("pause = %d: %s", rec.Code, rec.Body)
	}
	rec = doJSON(t, h, http.MethodGet, "/v0/jobs", token, "")
	_ = json.Unmarshal(rec.Body.Bytes(), &jobs)
	for _, j := range jobs {
		if j.ID == "overdue_check" && !j.Paused {
			t.Fatalf("job not paused")
		}
	}
}
