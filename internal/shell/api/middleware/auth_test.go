package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func testHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"authenticated": Authenticated(r.Context()),
		})
	})
}

func serve(t *testing.T, m *AuthMiddleware, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	m.Handler(testHandler()).ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// AuthMiddleware Tests
// =============================================================================

func TestAuthMiddleware_NoTokenConfigured_AllowsAll(t *testing.T) {
	rec := serve(t, NewAuthMiddleware(AuthConfig{}), "/api/v1/executions", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["authenticated"])
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	rec := serve(t, NewAuthMiddleware(AuthConfig{Token: "s3cret"}), "/api/v1/executions", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "API token required", resp.Errors[0].Detail)
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	rec := serve(t, NewAuthMiddleware(AuthConfig{Token: "s3cret"}), "/api/v1/executions",
		map[string]string{"Authorization": "Bearer nope"})

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthMiddleware_BearerToken(t *testing.T) {
	rec := serve(t, NewAuthMiddleware(AuthConfig{Token: "s3cret"}), "/api/v1/executions",
		map[string]string{"Authorization": "Bearer s3cret"})

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["authenticated"])
}

func TestAuthMiddleware_HeaderToken(t *testing.T) {
	rec := serve(t, NewAuthMiddleware(AuthConfig{Token: "s3cret"}), "/api/v1/executions",
		map[string]string{HeaderToken: "s3cret"})

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_PublicPath(t *testing.T) {
	m := NewAuthMiddleware(AuthConfig{Token: "s3cret", Public: []string{"/health"}})

	assert.Equal(t, http.StatusOK, serve(t, m, "/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(t, m, "/openapi.json", nil).Code)
}
