package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eudresfs/pgben-approvals/internal/errors"
)

const testSecret = "test-secret"

func signToken(t *testing.T, c jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestParseBearer(t *testing.T) {
	raw := signToken(t, jwt.MapClaims{
		"sub":             "u1",
		"profile":         "coordinator",
		"unit":            "unit-9",
		"hierarchy_level": 3,
		"permissions":     []string{"approvals.delegation.revoke"},
		"exp":             time.Now().Add(time.Hour).Unix(),
	})

	p, err := ParseBearer("Bearer "+raw, testSecret)
	require.NoError(t, err)

	assert.Equal(t, "u1", p.ID)
	assert.Equal(t, "coordinator", p.Profile)
	assert.Equal(t, "unit-9", p.Unit)
	assert.Equal(t, 3, p.HierarchyLevel)
	assert.True(t, p.HasPermission("approvals.delegation.revoke"))
	assert.False(t, p.HasPermission("approvals.admin"))
	assert.Equal(t, raw, p.BearerToken)
}

func TestParseBearerRejectsBadTokens(t *testing.T) {
	_, err := ParseBearer("", testSecret)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.Code(err))

	_, err = ParseBearer("Bearer not-a-jwt", testSecret)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.Code(err))

	wrongKey := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"})
	signed, err := wrongKey.SignedString([]byte("other-secret"))
	require.NoError(t, err)
	_, err = ParseBearer("Bearer "+signed, testSecret)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.Code(err))

	expired := signToken(t, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	_, err = ParseBearer("Bearer "+expired, testSecret)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.Code(err))

	noSubject := signToken(t, jwt.MapClaims{"profile": "coordinator"})
	_, err = ParseBearer("Bearer "+noSubject, testSecret)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.Code(err))
}

func TestMiddleware(t *testing.T) {
	var seen *Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := Middleware(testSecret)(next)

	// No token: 401, the next handler never runs.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, seen)

	// Valid token: principal lands in the context.
	raw := signToken(t, jwt.MapClaims{"sub": "u1"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "u1", seen.ID)
}
