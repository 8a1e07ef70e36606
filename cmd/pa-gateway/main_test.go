package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/priorauth/gateway/internal/config"
	"github.com/priorauth/gateway/internal/platform/audit"
)

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "test",
		LogLevel:           "info",
		UpstreamBaseURL:    upstreamURL,
		CookieName:         "pa_token",
		SessionTTL:         time.Hour,
		LoginPath:          "/login",
		ProtectedPrefixes:  []string{"/dashboard", "/requests"},
		RequiredRole:       "clinician",
		ProxyTimeout:       2 * time.Second,
		ProxyCreateTimeout: 2 * time.Second,
		ProxyRetries:       1,
		ProxyBackoff:       time.Millisecond,
		CORSOrigins:        []string{"http://localhost:3000"},
		RateLimitRPS:       100,
		RateLimitBurst:     100,
		BodyLimit:          "1M",
		UploadLimit:        "20M",
		RequestTimeout:     5 * time.Second,
	}
}

type capturedAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *capturedAudit) Record(_ context.Context, e audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func newTestServer(t *testing.T, up http.Handler) (*echo.Echo, *capturedAudit) {
	t.Helper()
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)
	rec := &capturedAudit{}
	e, err := newServer(testConfig(srv.URL), zerolog.Nop(), rec, nil)
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	return e, rec
}

func sessionToken(t *testing.T, roles interface{}, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "doc-1", "exp": exp.Unix()}
	if roles != nil {
		claims["roles"] = roles
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("upstream-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func serve(e *echo.Echo, method, target, cookie string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: "pa_token", Value: cookie})
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	e, _ := newTestServer(t, http.NotFoundHandler())
	rec := serve(e, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
}

func TestServer_UpstreamHealthPassThrough(t *testing.T) {
	e, _ := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusTeapot)
	}))
	if rec := serve(e, http.MethodGet, "/health/upstream", ""); rec.Code != http.StatusTeapot {
		t.Errorf("expected upstream status relayed, got %d", rec.Code)
	}
}

func TestServer_NoDBHealthWithoutStore(t *testing.T) {
	e, _ := newTestServer(t, http.NotFoundHandler())
	if rec := serve(e, http.MethodGet, "/health/db", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without an audit store, got %d", rec.Code)
	}
}

func TestServer_NavigationRedirectsToLogin(t *testing.T) {
	e, _ := newTestServer(t, http.NotFoundHandler())
	expired := sessionToken(t, []string{"clinician"}, time.Now().Add(-time.Minute))
	noRole := sessionToken(t, []string{"billing"}, time.Now().Add(time.Hour))

	for _, cookie := range []string{"", "garbage", expired, noRole} {
		rec := serve(e, http.MethodGet, "/requests/new", cookie)
		if rec.Code != http.StatusSeeOther {
			t.Errorf("expected 303, got %d", rec.Code)
		}
		if loc := rec.Header().Get("Location"); loc != "/login?next=%2Frequests%2Fnew" {
			t.Errorf("unexpected location %q", loc)
		}
	}
}

func TestServer_ShellForClinician(t *testing.T) {
	e, _ := newTestServer(t, http.NotFoundHandler())
	tok := sessionToken(t, "clinician, admin", time.Now().Add(time.Hour))

	rec := serve(e, http.MethodGet, "/dashboard", tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["subject"] != "doc-1" || body["path"] != "/dashboard" {
		t.Errorf("unexpected shell body: %v", body)
	}
}

func TestServer_APIRequiresSession(t *testing.T) {
	called := false
	e, _ := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rec := serve(e, http.MethodGet, "/api/requirements?code=97110", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"error":"unauthorized"}` {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	if called {
		t.Error("upstream must not be called without a session")
	}
}

func TestServer_APIForwardsBearer(t *testing.T) {
	var gotAuth string
	e, rec := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"requiresAuth":true,"requiredDocs":["chart-notes"]}`))
	}))
	// API routes need a live session but no particular role.
	tok := sessionToken(t, nil, time.Now().Add(time.Hour))

	res := serve(e, http.MethodGet, "/api/requirements?code=97110", tok)
	if res.Code != http.StatusOK || res.Body.String() != `{"requiresAuth":true,"requiredDocs":["chart-notes"]}` {
		t.Errorf("unexpected response: %d %s", res.Code, res.Body.String())
	}
	if gotAuth != "Bearer "+tok {
		t.Errorf("expected the session token upstream, got %q", gotAuth)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(rec.entries))
	}
	if en := rec.entries[0]; en.Subject != "doc-1" || en.Outcome != audit.OutcomeAllowed || en.Status != http.StatusOK {
		t.Errorf("unexpected audit entry: %+v", en)
	}
}

func TestServer_ValidateIsPublic(t *testing.T) {
	e, _ := newTestServer(t, http.NotFoundHandler())
	rec := serve(e, http.MethodGet, "/api/auth/validate", "")
	if rec.Code != http.StatusUnauthorized || strings.TrimSpace(rec.Body.String()) != `{"ok":false}` {
		t.Errorf("expected validate to answer itself, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestServer_LogoutRedirects(t *testing.T) {
	e, _ := newTestServer(t, http.NotFoundHandler())
	rec := serve(e, http.MethodPost, "/api/auth/logout", "")
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/login" {
		t.Errorf("expected 303 to /login, got %d %s", rec.Code, rec.Header().Get("Location"))
	}
}

func TestPrintClaims(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"valid", sessionToken(t, []string{"clinician"}, now.Add(time.Hour)), "verdict:    valid\n"},
		{"expired", sessionToken(t, []string{"clinician"}, now.Add(-time.Hour)), "verdict:    expired"},
		{"missing role", sessionToken(t, []string{"billing"}, now.Add(time.Hour)), `missing role "clinician"`},
		{"garbage", "abc", "verdict:    invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := printClaims(&buf, tt.token, "clinician", now); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("expected %q in output:\n%s", tt.want, buf.String())
			}
		})
	}
}

func TestNewServer_RejectsBadUpstream(t *testing.T) {
	cfg := testConfig("localhost:8000")
	if _, err := newServer(cfg, zerolog.Nop(), nil, nil); err == nil {
		t.Error("expected error for relative upstream base")
	}
}
