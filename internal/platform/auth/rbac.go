package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. admin passes every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether granted contains admin or any of the wanted roles,
// compared case-insensitively.
func HasRole(granted []string, wanted ...string) bool {
	for _, has := range granted {
		if strings.EqualFold(has, "admin") {
			return true
		}
		for _, w := range wanted {
			if strings.EqualFold(has, w) {
				return true
			}
		}
	}
	return false
}
