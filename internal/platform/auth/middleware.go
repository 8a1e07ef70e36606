package auth

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
	TokenKey     contextKey = "bearer_token"
)

// RequireSession returns middleware for API routes. An invalid session
// answers 401 with the same body whatever the cause; a valid one stores the
// subject, roles and raw credential on the request context.
func (g *Guard) RequireSession() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if AuthSkipper(c) {
				return next(c)
			}
			v := g.Evaluate(c.Request(), "")
			if !v.Allowed {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			c.SetRequest(c.Request().WithContext(withSession(c.Request().Context(), v)))
			return next(c)
		}
	}
}

func withSession(ctx context.Context, v Verdict) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, v.Claims.Subject)
	ctx = context.WithValue(ctx, UserRolesKey, v.Claims.Roles.Slice())
	ctx = context.WithValue(ctx, TokenKey, v.Token)
	return ctx
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// TokenFromContext returns the credential admitted by the guard, or "" when
// the request did not pass through a session check.
func TokenFromContext(ctx context.Context) string {
	tok, _ := ctx.Value(TokenKey).(string)
	return tok
}
