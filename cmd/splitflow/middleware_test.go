package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/splitflow/config"
	"github.com/BaSui01/splitflow/types"
)

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := SecurityHeaders()(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "1; mode=block", w.Header().Get("X-XSS-Protection"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestSecurityHeaders_ChainedWithOtherMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	handler := Chain(inner, SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	// SecurityHeaders should be present
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
	// RequestID should also be present
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/api/v1/experiments/assignment", "/api/v1/experiments/assignment"},
		{"/api/v1/experiments/results/42", "/api/v1/experiments/results/:id"},
		{"/api/v1/experiments/tests/7/status", "/api/v1/experiments/tests/:id/status"},
		{"/api/v1/experiments/results/deadbeefcafe", "/api/v1/experiments/results/:id"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.path))
		})
	}
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTAuth(t *testing.T) {
	cfg := config.AuthConfig{Enabled: true, JWTSecret: "test-secret"}
	logger := zap.NewNop()

	var gotUserID string
	var gotRoles []string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID, _ = types.UserID(r.Context())
		gotRoles, _ = types.Roles(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	handler := JWTAuth(cfg, []string{"/health"}, logger)(inner)

	t.Run("valid token injects claims", func(t *testing.T) {
		token := signToken(t, "test-secret", jwt.MapClaims{
			"user_id": "user-9",
			"roles":   []any{"operator"},
			"exp":     time.Now().Add(time.Hour).Unix(),
		})

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/experiments/tests", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "user-9", gotUserID)
		assert.Equal(t, []string{"operator"}, gotRoles)
	})

	t.Run("missing header rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/experiments/tests", nil)
		handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		token := signToken(t, "other-secret", jwt.MapClaims{
			"user_id": "user-9",
			"exp":     time.Now().Add(time.Hour).Unix(),
		})

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/experiments/tests", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("expired token rejected", func(t *testing.T) {
		token := signToken(t, "test-secret", jwt.MapClaims{
			"user_id": "user-9",
			"exp":     time.Now().Add(-time.Hour).Unix(),
		})

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/experiments/tests", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("skip path bypasses auth", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestGrantOperator(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if types.HasRole(r.Context(), "operator") {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusForbidden)
	})

	handler := GrantOperator()(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/experiments/results", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIdentityRateLimiter(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := IdentityRateLimiter(t.Context(), 1, 2, zap.NewNop())(inner)

	send := func(sessionID string) int {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/experiments/assignment", nil)
		r = r.WithContext(types.WithSessionID(r.Context(), sessionID))
		handler.ServeHTTP(w, r)
		return w.Code
	}

	// 突发容量用尽后被限流
	assert.Equal(t, http.StatusOK, send("sess-a"))
	assert.Equal(t, http.StatusOK, send("sess-a"))
	assert.Equal(t, http.StatusTooManyRequests, send("sess-a"))

	// 其他身份不受影响
	assert.Equal(t, http.StatusOK, send("sess-b"))
}
