// Package account serves the login, logout, registration and session
// validation routes. It is the only place the session cookie is written.
package account

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/priorauth/gateway/internal/platform/auth"
	"github.com/priorauth/gateway/internal/platform/upstream"
)

const CodeInvalidTokenResponse = "invalid_token_response"

// CookieConfig controls the session cookie.
type CookieConfig struct {
	Name   string
	TTL    time.Duration
	Secure bool
}

type Handler struct {
	client *upstream.Client
	guard  *auth.Guard
	cookie CookieConfig
	logger zerolog.Logger
}

func NewHandler(client *upstream.Client, guard *auth.Guard, cookie CookieConfig, logger zerolog.Logger) *Handler {
	return &Handler{client: client, guard: guard, cookie: cookie, logger: logger}
}

// RegisterRoutes mounts the routes on the /api/auth group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/token", h.Token)
	g.POST("/logout", h.Logout)
	g.POST("/register", h.Register)
	g.GET("/validate", h.Validate)
}

// Token exchanges form credentials for an upstream access token and stores
// it in the session cookie. The token itself never reaches the browser's
// scripts.
func (h *Handler) Token(c echo.Context) error {
	username := strings.TrimSpace(c.FormValue("username"))
	password := c.FormValue("password")
	if username == "" || password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	form := url.Values{"username": {username}, "password": {password}}
	resp, err := h.client.Forward(c.Request().Context(), upstream.Request{
		Method:     http.MethodPost,
		Path:       "/v1/auth/token",
		Header:     http.Header{"Content-Type": {echo.MIMEApplicationForm}},
		Body:       []byte(form.Encode()),
		Idempotent: true,
	})
	if err != nil {
		return upstream.WriteError(c, err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		h.logger.Info().Str("username", username).Int("status", resp.StatusCode).Msg("login rejected")
		return echo.NewHTTPError(http.StatusUnauthorized, upstreamDetail(resp.Body, "Invalid credentials"))
	}
	if !resp.OK() {
		return upstream.Write(c, resp)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(resp.Body, &tok); err != nil || tok.AccessToken == "" {
		h.logger.Error().Err(err).Msg("token response carried no access_token")
		return upstream.WriteGateway(c, http.StatusBadGateway, CodeInvalidTokenResponse, "authentication service returned no token")
	}

	c.SetCookie(h.sessionCookie(tok.AccessToken, int(h.cookie.TTL.Seconds())))
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// Logout clears the session cookie and sends the browser to the login page.
func (h *Handler) Logout(c echo.Context) error {
	c.SetCookie(h.sessionCookie("", -1))
	return c.Redirect(http.StatusSeeOther, h.guard.Policy().LoginPath)
}

// Register passes a JSON registration body through. No credential is
// attached.
func (h *Handler) Register(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil || !json.Valid(raw) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	resp, err := h.client.Forward(c.Request().Context(), upstream.Request{
		Method: http.MethodPost,
		Path:   "/v1/auth/register",
		Header: http.Header{"Content-Type": {echo.MIMEApplicationJSON}},
		Body:   raw,
	})
	if err != nil {
		return upstream.WriteError(c, err)
	}
	return upstream.Write(c, resp)
}

// Validate reports whether the caller holds a live session. It evaluates
// the cookie itself, so it is reachable without one.
func (h *Handler) Validate(c echo.Context) error {
	v := h.guard.Evaluate(c.Request(), "")
	if !v.Allowed {
		return c.JSON(http.StatusUnauthorized, map[string]bool{"ok": false})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":         true,
		"subject":    v.Claims.Subject,
		"expires_at": v.Claims.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     h.cookie.Name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// upstreamDetail returns a string "detail" from an upstream error body.
func upstreamDetail(body []byte, fallback string) string {
	var v struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return fallback
	}
	if s, ok := v.Detail.(string); ok && s != "" {
		return s
	}
	return fallback
}
