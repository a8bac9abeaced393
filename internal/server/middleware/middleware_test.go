package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

const secret = "test-secret"

func echoPrincipal(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	w.Write([]byte(p.Subject + "|" + p.OrgID + "|" + p.Role))
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth_JWT(t *testing.T) {
	h := Auth(AuthConfig{JWTSecret: secret, Issuer: "arbbuyer", Public: []string{"/api/health"}})(http.HandlerFunc(echoPrincipal))

	token, err := IssueToken(secret, "arbbuyer", "alice", "org-1", RoleOperator, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/orgs/org-1/summary", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice|org-1|operator", rec.Body.String())

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/orgs/org-1/summary", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_RejectsBadTokens(t *testing.T) {
	h := Auth(AuthConfig{JWTSecret: secret, Issuer: "arbbuyer"})(http.HandlerFunc(echoPrincipal))

	wrongKey, err := IssueToken("other", "arbbuyer", "alice", "org-1", RoleOperator, time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(secret, "arbbuyer", "alice", "org-1", RoleOperator, -time.Minute)
	require.NoError(t, err)
	wrongIssuer, err := IssueToken(secret, "someone-else", "alice", "org-1", RoleOperator, time.Hour)
	require.NoError(t, err)
	noRole, err := IssueToken(secret, "arbbuyer", "alice", "org-1", "", time.Hour)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"wrong key":    wrongKey,
		"expired":      expired,
		"wrong issuer": wrongIssuer,
		"no role":      noRole,
		"garbage":      "not.a.jwt",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			req.Header.Set("Authorization", "Bearer "+tok)
			assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)
		})
	}
}

func TestAuth_APIKey(t *testing.T) {
	h := Auth(AuthConfig{APIKey: "k1"})(http.HandlerFunc(echoPrincipal))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-API-Key", "k1")
	rec := serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "api-key||admin", rec.Body.String())

	req.Header.Set("X-API-Key", "k2")
	assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)
}

func TestOrgScopeAndRole(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/orgs/{org}/rules", OrgScope(echoPrincipal))
	mux.HandleFunc("PUT /api/orgs/{org}/rules", OrgScope(RequireRole(RoleAdmin, echoPrincipal)))

	call := func(method, org string, p Principal) int {
		req := httptest.NewRequest(method, "/api/orgs/"+org+"/rules", nil)
		req = req.WithContext(WithPrincipal(req.Context(), p))
		return serve(mux, req).Code
	}

	op := Principal{Subject: "alice", OrgID: "org-1", Role: RoleOperator}
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "org-1", op))
	assert.Equal(t, http.StatusForbidden, call(http.MethodGet, "org-2", op))
	assert.Equal(t, http.StatusForbidden, call(http.MethodPut, "org-1", op))

	orgAdmin := Principal{Subject: "bob", OrgID: "org-1", Role: RoleAdmin}
	assert.Equal(t, http.StatusOK, call(http.MethodPut, "org-1", orgAdmin))
	assert.Equal(t, http.StatusForbidden, call(http.MethodPut, "org-2", orgAdmin))

	global := Principal{Subject: "root", Role: RoleAdmin}
	assert.Equal(t, http.StatusOK, call(http.MethodPut, "org-9", global))

	unscopedOperator := Principal{Subject: "eve", Role: RoleOperator}
	assert.Equal(t, http.StatusForbidden, call(http.MethodGet, "org-1", unscopedOperator))
}

type countingLimiter struct {
	left int
	err  error
	keys []string
}

func (l *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (domain.Quota, error) {
	l.keys = append(l.keys, key)
	if l.err != nil {
		return domain.Quota{}, l.err
	}
	l.left--
	return domain.Quota{Allowed: l.left >= 0, Remaining: max(l.left, 0)}, nil
}

func TestRateLimit(t *testing.T) {
	lim := &countingLimiter{left: 1}
	h := RateLimit(lim, 1, time.Second, slog.New(slog.DiscardHandler))(http.HandlerFunc(echoPrincipal))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	first := serve(h, req)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))
	rec := serve(h, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "api:ip:203.0.113.9", lim.keys[0])

	authed := req.WithContext(WithPrincipal(req.Context(), Principal{Subject: "alice"}))
	serve(h, authed)
	assert.Equal(t, "api:sub:alice", lim.keys[2])

	failing := RateLimit(&countingLimiter{err: errors.New("redis down")}, 1, time.Second, slog.New(slog.DiscardHandler))(http.HandlerFunc(echoPrincipal))
	assert.Equal(t, http.StatusOK, serve(failing, req).Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://dash.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/orgs/org-1/exports", nil)
	req.Header.Set("Origin", "https://DASH.example.com")
	rec := serve(h, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://DASH.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Content-Disposition", rec.Header().Get("Access-Control-Expose-Headers"))

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://other.example.com")
	rec = serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
