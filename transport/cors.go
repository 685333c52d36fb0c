package transport

import (
	"fmt"
	"net/http"
	"strings"
)

// CORSConfig configures the transport boundary's CORS handling. Supports
// wildcard domains (e.g. *.example.com) and wildcard ports
// (e.g. http://localhost:*).
//
// Security note: be cautious with AllowCredentials=true and ensure
// AllowedOrigins is properly restricted in production environments.
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

// CORSMiddleware wraps an http.Handler with CORS header handling, including
// preflight (OPTIONS) requests.
func CORSMiddleware(config *CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			ApplyCORS(w, r, config)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ApplyCORS applies CORS headers to a ResponseWriter based on the
// configuration, for handlers that need to apply headers without the full
// middleware (e.g. the WebSocket upgrade path).
func ApplyCORS(w http.ResponseWriter, r *http.Request, config *CORSConfig) {
	if !config.Enabled {
		return
	}

	origin := r.Header.Get("Origin")
	if !isOriginAllowed(origin, config.AllowedOrigins) {
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", origin)

	if config.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	if len(config.AllowedMethods) > 0 {
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
	}
	if len(config.AllowedHeaders) > 0 {
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
	}
	if len(config.ExposedHeaders) > 0 {
		w.Header().Set("Access-Control-Expose-Headers", strings.Join(config.ExposedHeaders, ", "))
	}
	if config.MaxAge > 0 {
		w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", config.MaxAge))
	}
}

// isOriginAllowed reports whether origin matches an entry in allowedOrigins,
// supporting "*", exact match, "*.example.com" subdomain wildcards, and
// "http://localhost:*" port wildcards. An empty origin (same-origin request)
// never matches.
func isOriginAllowed(origin string, allowedOrigins []string) bool {
	if origin == "" {
		return false
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}

		if strings.Contains(allowed, "*.") {
			wildcardIdx := strings.Index(allowed, "*.")
			beforeWildcard := allowed[:wildcardIdx]
			afterWildcard := allowed[wildcardIdx+2:]

			if !strings.HasPrefix(origin, beforeWildcard) {
				continue
			}
			if !strings.HasSuffix(origin, afterWildcard) {
				continue
			}

			remainingOrigin := origin[len(beforeWildcard):]
			remainingOrigin = strings.TrimSuffix(remainingOrigin, afterWildcard)
			if len(remainingOrigin) > 0 {
				return true
			}
		}

		if strings.Contains(allowed, ":*") {
			baseAllowed := strings.Split(allowed, ":*")[0]
			if strings.HasPrefix(origin, baseAllowed+":") {
				return true
			}
		}
	}

	return false
}

// DefaultCORSConfig returns a secure default: CORS disabled, must be
// explicitly enabled and configured with allowed origins.
func DefaultCORSConfig() *CORSConfig {
	return &CORSConfig{
		Enabled:          false,
		AllowedOrigins:   []string{},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-API-Key"},
		ExposedHeaders:   []string{},
		AllowCredentials: false,
		MaxAge:           86400,
	}
}

// DevelopmentCORSConfig returns a permissive configuration for local
// development only. Never use this in production.
func DevelopmentCORSConfig() *CORSConfig {
	return &CORSConfig{
		Enabled:          true,
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           86400,
	}
}
