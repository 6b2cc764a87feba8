package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, key *rsa.PrivateKey, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func adminClaims(role string, exp time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":  "admin-1",
		"role": role,
		"iss":  TokenIssuer,
		"exp":  exp.Unix(),
	}
}

func TestAdminAuthMiddleware(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var seen string
	h := AdminAuthMiddleware(&key.PublicKey)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = AdminID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	future := time.Now().Add(time.Hour)
	wrongIssuer := adminClaims("admin", future)
	wrongIssuer["iss"] = "someone-else"

	tests := []struct {
		name     string
		token    string
		cookie   bool
		wantCode int
	}{
		{"valid bearer", signToken(t, key, jwt.SigningMethodRS256, adminClaims("admin", future)), false, http.StatusNoContent},
		{"valid cookie", signToken(t, key, jwt.SigningMethodRS256, adminClaims("admin", future)), true, http.StatusNoContent},
		{"missing", "", false, http.StatusUnauthorized},
		{"not admin", signToken(t, key, jwt.SigningMethodRS256, adminClaims("worker", future)), false, http.StatusForbidden},
		{"expired", signToken(t, key, jwt.SigningMethodRS256, adminClaims("admin", time.Now().Add(-time.Hour))), false, http.StatusUnauthorized},
		{"foreign key", signToken(t, other, jwt.SigningMethodRS256, adminClaims("admin", future)), false, http.StatusUnauthorized},
		{"wrong issuer", signToken(t, key, jwt.SigningMethodRS256, wrongIssuer), false, http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/push", nil)
			switch {
			case tc.token == "":
			case tc.cookie:
				req.AddCookie(&http.Cookie{Name: AccessTokenCookieName, Value: tc.token})
			default:
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			assert.Equal(t, tc.wantCode, rr.Code)
			if tc.wantCode == http.StatusNoContent {
				assert.Equal(t, "admin-1", seen)
			} else {
				assert.Empty(t, seen)
			}
		})
	}
}

func TestAdminAuthMiddlewareExpiredCode(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	h := AdminAuthMiddleware(&key.PublicKey)(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, key, jwt.SigningMethodRS256, adminClaims("admin", time.Now().Add(-time.Minute))))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), `"token_expired"`)
}

func TestNoCache(t *testing.T) {
	rr := httptest.NewRecorder()
	NoCache(http.NotFoundHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Contains(t, rr.Header().Get("Cache-Control"), "no-store")
	assert.Equal(t, "no-cache", rr.Header().Get("Pragma"))
}

func TestForceHTTPS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	rr := httptest.NewRecorder()
	ForceHTTPS(false)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://example.com/wallet/v1/log", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	h := ForceHTTPS(true)(ok)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://example.com/wallet/v1/passes/x/y?a=1", nil))
	assert.Equal(t, http.StatusMovedPermanently, rr.Code)
	assert.Equal(t, "https://example.com/wallet/v1/passes/x/y?a=1", rr.Header().Get("Location"))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	req.TLS = &tls.ConnectionState{}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRequestLoggerSetsRequestID(t *testing.T) {
	h := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.NotEmpty(t, rr.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "abc", rr.Header().Get(RequestIDHeader))
}

func TestRecoverer(t *testing.T) {
	h := Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), `"internal_server_error"`)
}

func TestGzip(t *testing.T) {
	body := `{"logs":"` + strings.Repeat("x", 4096) + `"}`
	h := Gzip(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, "gzip", rr.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(rr.Body)
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, body, string(plain))

	// no Accept-Encoding: untouched
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Empty(t, rr.Header().Get("Content-Encoding"))
	assert.Equal(t, body, rr.Body.String())
}
