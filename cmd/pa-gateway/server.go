package main

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/priorauth/gateway/internal/config"
	"github.com/priorauth/gateway/internal/domain/account"
	"github.com/priorauth/gateway/internal/domain/identity"
	"github.com/priorauth/gateway/internal/domain/priorauth"
	"github.com/priorauth/gateway/internal/platform/audit"
	"github.com/priorauth/gateway/internal/platform/auth"
	"github.com/priorauth/gateway/internal/platform/db"
	"github.com/priorauth/gateway/internal/platform/middleware"
	"github.com/priorauth/gateway/internal/platform/upstream"
)

// newServer wires the gateway. pinger is nil when no audit store is
// configured.
func newServer(cfg *config.Config, logger zerolog.Logger, recorder audit.Recorder, pinger db.Pinger) (*echo.Echo, error) {
	client, err := newUpstreamClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	guard := auth.NewGuard(auth.Policy{
		CookieName:        cfg.CookieName,
		LoginPath:         cfg.LoginPath,
		ProtectedPrefixes: cfg.ProtectedPrefixes,
		RequiredRole:      cfg.RequiredRole,
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:     []string{"Content-Type", middleware.RequestIDHeader},
		AllowCredentials: true,
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.UploadLimit, "/api/attachments"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.Audit(logger, recorder))

	// Edge checkpoint for page navigations
	e.Use(guard.Navigation())

	// Health
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/upstream", func(c echo.Context) error {
		resp, err := client.Forward(c.Request().Context(), upstream.Request{Method: http.MethodGet, Path: "/health"})
		if err != nil {
			return upstream.WriteError(c, err)
		}
		return upstream.Write(c, resp)
	})
	if pinger != nil {
		e.GET("/health/db", db.HealthHandler(pinger, logger))
	}

	// API
	api := e.Group("/api", guard.RequireSession())

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	authGroup := api.Group("/auth", middleware.RateLimit(rateLimitCfg))

	resolver := identity.NewResolver(client, logger.With().Str("component", "resolver").Logger())
	account.NewHandler(client, guard, account.CookieConfig{
		Name:   cfg.CookieName,
		TTL:    cfg.SessionTTL,
		Secure: cfg.IsProduction(),
	}, logger).RegisterRoutes(authGroup)
	identity.NewHandler(client, cfg.ProxyCreateTimeout).RegisterRoutes(api)
	priorauth.NewHandler(client, resolver, cfg.ProxyCreateTimeout, logger).RegisterRoutes(api)

	// Page shells behind the render checkpoint
	shell := guard.Shell(cfg.StaticDir)
	for _, prefix := range cfg.ProtectedPrefixes {
		e.GET(prefix, shell)
		e.GET(strings.TrimRight(prefix, "/")+"/*", shell)
	}

	// Public UI assets
	if cfg.StaticDir != "" {
		e.Use(echomw.StaticWithConfig(echomw.StaticConfig{
			Root: cfg.StaticDir,
			Skipper: func(c echo.Context) bool {
				p := c.Request().URL.Path
				return strings.HasPrefix(p, "/api/") || strings.HasPrefix(p, "/health") || guard.IsProtected(p)
			},
		}))
	}

	return e, nil
}
