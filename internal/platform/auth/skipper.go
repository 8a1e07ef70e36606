package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths lists route patterns that bypass the session check. The auth
// endpoints are how a browser obtains or inspects a session in the first
// place, and health checks must answer without credentials.
var publicPaths = map[string]bool{
	"/health":            true,
	"/health/db":         true,
	"/health/upstream":   true,
	"/api/auth/token":    true,
	"/api/auth/logout":   true,
	"/api/auth/register": true,
	"/api/auth/validate": true,
}

// AuthSkipper returns true for requests whose route should skip the session
// check. It matches on the registered route pattern, not the raw URL.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether the given route pattern is public.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}

// matchesPrefix reports whether path is one of the prefixes or lies below
// one of them on a segment boundary ("/requests" covers "/requests/42" but
// not "/requestsfoo").
func matchesPrefix(prefixes []string, path string) bool {
	for _, p := range prefixes {
		p = strings.TrimRight(p, "/")
		if p == "" {
			continue
		}
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
