package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityConfig selects the transport-dependent headers.
type SecurityConfig struct {
	// HSTS pins clients to HTTPS. Leave it off for plain-HTTP development
	// hosts, or browsers will refuse them for a year.
	HSTS bool
}

// SecurityHeaders sets response headers for a JSON API whose payloads may
// identify patients.
func SecurityHeaders(cfg SecurityConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			// Media capture happens in the client app, never on API origins.
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Cache-Control", "no-store")
			if cfg.HSTS {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			return next(c)
		}
	}
}
