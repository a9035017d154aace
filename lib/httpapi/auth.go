package httpapi

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"
)

// AuthConfig holds API key authentication configuration. Auth is opt-in:
// it is enforced only when a key is configured.
type AuthConfig struct {
	APIKey   string
	Required bool
}

// NewAuthConfig creates a new AuthConfig from environment variables
func NewAuthConfig() *AuthConfig {
	apiKey := os.Getenv("COMPANIONAPI_KEY")
	return &AuthConfig{
		APIKey:   apiKey,
		Required: apiKey != "",
	}
}

// AuthMiddleware returns a middleware that validates API keys for API
// endpoints only
func (a *AuthConfig) AuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Required || a.shouldSkipAuth(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			var token string

			// For SSE endpoints (/events), check query parameter first
			// since EventSource doesn't support custom headers
			if strings.HasPrefix(r.URL.Path, "/events") {
				token = r.URL.Query().Get("api_key")
			}

			if token == "" {
				authHeader := r.Header.Get("Authorization")
				if authHeader == "" {
					http.Error(w, "Missing Authorization header or api_key query parameter", http.StatusUnauthorized)
					return
				}
				const bearerPrefix = "Bearer "
				if !strings.HasPrefix(authHeader, bearerPrefix) {
					http.Error(w, "Authorization header must start with 'Bearer '", http.StatusUnauthorized)
					return
				}
				token = strings.TrimPrefix(authHeader, bearerPrefix)
			}

			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.APIKey)) != 1 {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// shouldSkipAuth determines if authentication should be skipped for a given path
func (a *AuthConfig) shouldSkipAuth(path string) bool {
	skipPaths := []string{
		"/openapi",
		"/docs",
		"/schemas",
	}
	for _, skipPath := range skipPaths {
		if strings.HasPrefix(path, skipPath) {
			return true
		}
	}
	return path == "/"
}
