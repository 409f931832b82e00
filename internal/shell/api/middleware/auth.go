// Package middleware provides HTTP middleware for the conductor API.
package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// HeaderToken carries the API token when the Authorization header is not used.
const HeaderToken = "X-Conductor-Token"

// =============================================================================
// Auth Configuration
// =============================================================================

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	// Token is the shared API token. Empty disables authentication.
	Token string

	// Public paths are served without a token, e.g. /health.
	Public []string

	Logger *slog.Logger
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware rejects requests that do not present the shared token.
type AuthMiddleware struct {
	config AuthConfig
	public map[string]bool
}

// NewAuthMiddleware creates a new auth middleware with the given config.
func NewAuthMiddleware(cfg AuthConfig) *AuthMiddleware {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	public := make(map[string]bool, len(cfg.Public))
	for _, p := range cfg.Public {
		public[p] = true
	}
	return &AuthMiddleware{config: cfg, public: public}
}

// Handler returns the middleware handler function.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.config.Token == "" || m.public[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		presented := tokenFrom(r)
		if presented == "" {
			writeJSONError(w, http.StatusUnauthorized, "Unauthorized", "API token required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(m.config.Token)) != 1 {
			m.config.Logger.Warn("invalid API token",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			writeJSONError(w, http.StatusForbidden, "Forbidden", "Invalid API token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authenticatedKey{}, true)))
	})
}

type authenticatedKey struct{}

// Authenticated reports whether the request carried a valid token.
func Authenticated(ctx context.Context) bool {
	ok, _ := ctx.Value(authenticatedKey{}).(bool)
	return ok
}

func tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get(HeaderToken))
}

// =============================================================================
// JSON Error Response
// =============================================================================

// APIError is one error object in an error response.
type APIError struct {
	Status string `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Errors []APIError `json:"errors"`
}

// WriteJSONError writes an error response.
func WriteJSONError(w http.ResponseWriter, status int, title, detail string) {
	writeJSONError(w, status, title, detail)
}

func writeJSONError(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Errors: []APIError{
			{
				Status: http.StatusText(status),
				Title:  title,
				Detail: detail,
			},
		},
	})
}
