package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsOriginAllowed(t *testing.T) {
	cases := []struct {
		name     string
		origin   string
		allowed  []string
		expected bool
	}{
		{"empty origin", "", []string{"*"}, false},
		{"wildcard all", "https://example.com", []string{"*"}, true},
		{"exact match", "https://example.com", []string{"https://example.com"}, true},
		{"no match", "https://evil.com", []string{"https://example.com"}, false},
		{"subdomain wildcard", "https://api.example.com", []string{"https://*.example.com"}, true},
		{"subdomain wildcard root rejected", "https://example.com", []string{"https://*.example.com"}, false},
		{"port wildcard", "http://localhost:4000", []string{"http://localhost:*"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, isOriginAllowed(tc.origin, tc.allowed))
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	cfg := DefaultCORSConfig()
	cfg.Enabled = true
	cfg.AllowedOrigins = []string{"https://example.com"}

	handler := CORSMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not run for OPTIONS preflight")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/catalog", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddleware_Disabled(t *testing.T) {
	cfg := DefaultCORSConfig()
	called := false

	handler := CORSMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/catalog", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
