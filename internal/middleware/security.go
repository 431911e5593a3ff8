// security.go sets protective response headers on every marketplace response.
package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/carbon-marketplace/icr-marketplace/internal/config"
)

// SecurityHeadersConfig holds configuration for security headers
type SecurityHeadersConfig struct {
	// EnableHSTS enables HTTP Strict Transport Security
	EnableHSTS bool
	// HSTSMaxAge is the max-age value for HSTS in seconds
	HSTSMaxAge int
	// HSTSIncludeSubdomains includes subdomains in HSTS
	HSTSIncludeSubdomains bool
	// FrameOptionsValue is the value for X-Frame-Options, empty to omit
	FrameOptionsValue string
	// ContentSecurityPolicy is the CSP header value
	ContentSecurityPolicy string
	// ReferrerPolicy is the Referrer-Policy header value
	ReferrerPolicy string
	// CrossOriginResourcePolicy is the Cross-Origin-Resource-Policy value. Certificate
	// downloads are fetched by the marketplace frontend from another origin.
	CrossOriginResourcePolicy string
}

// DefaultSecurityHeadersConfig returns headers for the JSON API and the install redirects
func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		EnableHSTS:                true,
		HSTSMaxAge:                31536000, // 1 year
		HSTSIncludeSubdomains:     true,
		FrameOptionsValue:         "DENY",
		ContentSecurityPolicy:     "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:            "no-referrer",
		CrossOriginResourcePolicy: "cross-origin",
	}
}

// SecurityHeadersFromConfig disables HSTS unless the server terminates TLS itself
// or advertises an https public URL.
func SecurityHeadersFromConfig(cfg *config.Config) SecurityHeadersConfig {
	headers := DefaultSecurityHeadersConfig()
	headers.EnableHSTS = cfg.Security.TLS.Enabled || hasHTTPSScheme(cfg.Server.GetPublicURL())
	return headers
}

func hasHTTPSScheme(u string) bool {
	return len(u) >= 8 && u[:8] == "https://"
}

// SecurityHeadersMiddleware adds security headers to all responses
func SecurityHeadersMiddleware(cfg SecurityHeadersConfig) gin.HandlerFunc {
	hsts := ""
	if cfg.EnableHSTS {
		hsts = "max-age=" + strconv.Itoa(cfg.HSTSMaxAge)
		if cfg.HSTSIncludeSubdomains {
			hsts += "; includeSubDomains"
		}
	}

	return func(c *gin.Context) {
		h := c.Writer.Header()
		if hsts != "" {
			h.Set("Strict-Transport-Security", hsts)
		}
		if cfg.FrameOptionsValue != "" {
			h.Set("X-Frame-Options", cfg.FrameOptionsValue)
		}
		if cfg.ContentSecurityPolicy != "" {
			h.Set("Content-Security-Policy", cfg.ContentSecurityPolicy)
		}
		if cfg.ReferrerPolicy != "" {
			h.Set("Referrer-Policy", cfg.ReferrerPolicy)
		}
		if cfg.CrossOriginResourcePolicy != "" {
			h.Set("Cross-Origin-Resource-Policy", cfg.CrossOriginResourcePolicy)
		}
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Permitted-Cross-Domain-Policies", "none")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")

		c.Next()
	}
}
