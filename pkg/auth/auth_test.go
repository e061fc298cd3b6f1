package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware(t *testing.T) {
	h := Middleware("s3cret", "/health", "/metrics")(okHandler())

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing header", "/api/v1/jobs", "", http.StatusUnauthorized},
		{"wrong token", "/api/v1/jobs", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "/api/v1/jobs", "Basic s3cret", http.StatusUnauthorized},
		{"valid token", "/api/v1/jobs", "Bearer s3cret", http.StatusOK},
		{"lowercase scheme", "/api/v1/jobs", "bearer s3cret", http.StatusOK},
		{"exempt health", "/health", "", http.StatusOK},
		{"exempt metrics", "/metrics", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
			if tt.want == http.StatusUnauthorized {
				assert.True(t, strings.HasPrefix(rr.Body.String(), `{"error":`))
			}
		})
	}
}

func TestStaticTokenEmptyNeverMatches(t *testing.T) {
	assert.ErrorIs(t, StaticToken("").Authenticate(""), ErrInvalidToken)
}

func TestTokenManager(t *testing.T) {
	tm := NewTokenManager()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tm.now = func() time.Time { return now }

	token, expires, err := tm.GenerateToken("ci", time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "ci."))
	assert.Equal(t, now.Add(time.Hour), expires)

	assert.NoError(t, tm.Authenticate(token))
	assert.ErrorIs(t, tm.Authenticate("ci.wrong"), ErrInvalidToken)
	assert.ErrorIs(t, tm.Authenticate("nobody.x"), ErrInvalidToken)
	assert.ErrorIs(t, tm.Authenticate("garbage"), ErrInvalidToken)

	now = now.Add(2 * time.Hour)
	assert.ErrorIs(t, tm.Authenticate(token), ErrTokenExpired)
	assert.Equal(t, 1, tm.CleanupExpiredTokens())
	assert.ErrorIs(t, tm.Authenticate(token), ErrInvalidToken)
}

func TestTokenManagerRejectsBadSubject(t *testing.T) {
	tm := NewTokenManager()
	_, _, err := tm.GenerateToken("", time.Hour)
	assert.ErrorIs(t, err, ErrEmptySubject)
	_, _, err = tm.GenerateToken("a.b", time.Hour)
	assert.ErrorIs(t, err, ErrEmptySubject)
}

func TestRequireAny(t *testing.T) {
	tm := NewTokenManager()
	issued, _, err := tm.GenerateToken("dashboard", time.Hour)
	require.NoError(t, err)

	h := Require(Any{StaticToken("admin"), tm})(okHandler())

	for _, tok := range []string{"admin", issued} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	}

	tm.RevokeToken("dashboard")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+issued)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
