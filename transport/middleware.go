package transport

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/hsc-io/registry/core"
)

// responseWriter wraps http.ResponseWriter to capture the status code
// written, so LoggingMiddleware can log it after the handler runs.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// LoggingMiddleware logs each request. In development mode every request is
// logged; otherwise only 4xx/5xx responses and requests slower than 1s.
func LoggingMiddleware(logger core.Logger, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			shouldLog := devMode || wrapped.statusCode >= 400 || duration > time.Second
			if !shouldLog || logger == nil {
				return
			}

			fields := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.statusCode,
				"durationMs":  duration.Milliseconds(),
				"remoteAddr":  r.RemoteAddr,
			}
			switch {
			case wrapped.statusCode >= 500:
				logger.ErrorWithContext(r.Context(), "HTTP request error", fields)
			case wrapped.statusCode >= 400:
				logger.WarnWithContext(r.Context(), "HTTP request client error", fields)
			case duration > time.Second:
				logger.WarnWithContext(r.Context(), "HTTP request slow", fields)
			default:
				logger.InfoWithContext(r.Context(), "HTTP request", fields)
			}
		})
	}
}

// RecoveryMiddleware recovers from a panicking handler, logs it with a
// stack trace, and returns a 500 instead of killing the server.
func RecoveryMiddleware(logger core.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if logger != nil {
						logger.Error("HTTP handler panic recovered", map[string]interface{}{
							"panic":     fmt.Sprint(err),
							"path":      r.URL.Path,
							"method":    r.Method,
							"stack":     string(debug.Stack()),
							"remoteIP":  r.RemoteAddr,
						})
					}
					WriteError(w, r, core.NewError("http.Recovery", core.KindInternal, "internal server error", nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// APIKeyMiddleware rejects requests missing the configured X-API-Key header
// when security is enabled.
func APIKeyMiddleware(security core.SecurityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !security.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			header := security.HeaderName
			if header == "" {
				header = "X-API-Key"
			}
			if r.Header.Get(header) != security.APIKey {
				WriteError(w, r, core.NewError("http.APIKeyMiddleware", core.KindInvalidArgument, "missing or invalid "+header, nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
