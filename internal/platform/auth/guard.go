package auth

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v4"
)

// Policy describes which navigations are protected and where a rejected
// browser is sent.
type Policy struct {
	CookieName        string
	LoginPath         string
	ProtectedPrefixes []string
	// RequiredRole gates page shells. Empty disables role gating.
	RequiredRole string
}

// Verdict is the outcome of one session evaluation. It deliberately carries
// no reason: every failure looks the same to the caller.
type Verdict struct {
	Allowed bool
	Claims  *Claims
	Token   string
}

// Guard decides, per request, whether the presented credential admits the
// caller. It holds no session state; every call re-reads the cookie.
type Guard struct {
	policy Policy
	now    func() time.Time
	peek   func(string) (*Claims, bool)
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// WithPeeker overrides the claims decoder.
func WithPeeker(peek func(string) (*Claims, bool)) GuardOption {
	return func(g *Guard) { g.peek = peek }
}

func NewGuard(p Policy, opts ...GuardOption) *Guard {
	g := &Guard{policy: p, now: time.Now, peek: PeekClaims}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Policy returns the guard's policy.
func (g *Guard) Policy() Policy {
	return g.policy
}

// IsProtected reports whether a navigation to path must hold a session.
func (g *Guard) IsProtected(path string) bool {
	return matchesPrefix(g.policy.ProtectedPrefixes, path)
}

// Evaluate is the single decision function shared by every checkpoint.
// A session is valid when the cookie is present, its claims decode and exp
// lies in the future; when role is non-empty it must also be held.
func (g *Guard) Evaluate(r *http.Request, role string) Verdict {
	cookie, err := r.Cookie(g.policy.CookieName)
	if err != nil || cookie.Value == "" {
		return Verdict{}
	}
	claims, ok := g.peek(cookie.Value)
	if !ok || claims.Expired(g.now()) {
		return Verdict{}
	}
	if role != "" && !claims.Roles.Has(role) {
		return Verdict{}
	}
	return Verdict{Allowed: true, Claims: claims, Token: cookie.Value}
}

// Navigation returns the edge checkpoint. Paths outside the protected
// prefixes pass straight through without the cookie being read.
func (g *Guard) Navigation() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if !g.IsProtected(path) {
				return next(c)
			}
			v := g.Evaluate(c.Request(), g.policy.RequiredRole)
			if !v.Allowed {
				return g.LoginRedirect(c)
			}
			c.SetRequest(c.Request().WithContext(withSession(c.Request().Context(), v)))
			return next(c)
		}
	}
}

// LoginRedirect sends the browser to the login page carrying the requested
// path so it can return there after authenticating.
func (g *Guard) LoginRedirect(c echo.Context) error {
	return c.Redirect(http.StatusSeeOther, g.LoginURL(c.Request().URL.Path))
}

// LoginURL builds the login location for a return path.
func (g *Guard) LoginURL(returnPath string) string {
	if returnPath == "" {
		return g.policy.LoginPath
	}
	return g.policy.LoginPath + "?" + url.Values{"next": {returnPath}}.Encode()
}

// Shell returns the render-time checkpoint for protected page shells. It
// re-evaluates the session with the same role as Navigation, so the two
// checkpoints cannot disagree. With a static directory it serves the UI entry
// point; without one it describes the session as JSON.
func (g *Guard) Shell(staticDir string) echo.HandlerFunc {
	index := ""
	if staticDir != "" {
		index = filepath.Join(staticDir, "index.html")
	}
	return func(c echo.Context) error {
		v := g.Evaluate(c.Request(), g.policy.RequiredRole)
		if !v.Allowed {
			return g.LoginRedirect(c)
		}
		if index != "" {
			if _, err := os.Stat(index); err == nil {
				return c.File(index)
			}
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"path":       c.Request().URL.Path,
			"subject":    v.Claims.Subject,
			"roles":      v.Claims.Roles.Slice(),
			"expires_at": v.Claims.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
}
