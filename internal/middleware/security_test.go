package middleware

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/carbon-marketplace/icr-marketplace/internal/config"
)

func securityHeaders(cfg SecurityHeadersConfig) http.Header {
	r := gin.New()
	r.Use(SecurityHeadersMiddleware(cfg))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return serve(r, http.MethodGet, "/").Header()
}

// ---------------------------------------------------------------------------
// Configs
// ---------------------------------------------------------------------------

func TestDefaultSecurityHeadersConfig(t *testing.T) {
	cfg := DefaultSecurityHeadersConfig()

	assert.True(t, cfg.EnableHSTS)
	assert.Equal(t, 31536000, cfg.HSTSMaxAge)
	assert.Equal(t, "DENY", cfg.FrameOptionsValue)
	assert.Equal(t, "no-referrer", cfg.ReferrerPolicy)
	assert.Equal(t, "cross-origin", cfg.CrossOriginResourcePolicy)
}

func TestSecurityHeadersFromConfig(t *testing.T) {
	tests := []struct {
		name      string
		publicURL string
		tls       bool
		wantHSTS  bool
	}{
		{"plain http", "http://localhost:8080", false, false},
		{"https public url", "https://market.example.com", false, true},
		{"tls terminated here", "http://10.0.0.1:8443", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Server.PublicURL = tt.publicURL
			cfg.Security.TLS.Enabled = tt.tls
			assert.Equal(t, tt.wantHSTS, SecurityHeadersFromConfig(cfg).EnableHSTS)
		})
	}
}

// ---------------------------------------------------------------------------
// SecurityHeadersMiddleware
// ---------------------------------------------------------------------------

func TestSecurityHeadersMiddleware_Defaults(t *testing.T) {
	h := securityHeaders(DefaultSecurityHeadersConfig())

	assert.Equal(t, "max-age=31536000; includeSubDomains", h.Get("Strict-Transport-Security"))
	assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
	assert.Equal(t, "default-src 'none'; frame-ancestors 'none'", h.Get("Content-Security-Policy"))
	assert.Equal(t, "no-referrer", h.Get("Referrer-Policy"))
	assert.Equal(t, "cross-origin", h.Get("Cross-Origin-Resource-Policy"))
}

func TestSecurityHeadersMiddleware_HSTSWithoutSubdomains(t *testing.T) {
	h := securityHeaders(SecurityHeadersConfig{EnableHSTS: true, HSTSMaxAge: 86400})
	assert.Equal(t, "max-age=86400", h.Get("Strict-Transport-Security"))
}

func TestSecurityHeadersMiddleware_EmptyValuesOmitted(t *testing.T) {
	h := securityHeaders(SecurityHeadersConfig{})

	for _, name := range []string{
		"Strict-Transport-Security",
		"X-Frame-Options",
		"Content-Security-Policy",
		"Referrer-Policy",
		"Cross-Origin-Resource-Policy",
	} {
		assert.Empty(t, h.Get(name), name)
	}
}

func TestSecurityHeadersMiddleware_FixedHeaders(t *testing.T) {
	h := securityHeaders(SecurityHeadersConfig{})

	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.Equal(t, "none", h.Get("X-Permitted-Cross-Domain-Policies"))
	assert.Equal(t, "same-origin", h.Get("Cross-Origin-Opener-Policy"))
}
