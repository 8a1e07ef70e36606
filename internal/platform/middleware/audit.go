package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/priorauth/gateway/internal/platform/audit"
	"github.com/priorauth/gateway/internal/platform/auth"
	"github.com/priorauth/gateway/internal/platform/upstream"
)

const auditWriteTimeout = 2 * time.Second

// Audit records every /api call after it completes. The subject is taken
// from the request context as it stands after the handler ran, so the entry
// reflects what the session guard admitted.
//
// A failing recorder is logged and never changes the response.
func Audit(logger zerolog.Logger, recorder audit.Recorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if recorder == nil || !isAuditablePath(c.Request().URL.Path) {
				return next(c)
			}

			start := time.Now()
			err := next(c)

			req := c.Request()
			status := responseStatus(c, err)
			code := c.Response().Header().Get(upstream.GatewayErrorHeader)
			entry := audit.Entry{
				ID:          uuid.New(),
				RequestID:   RequestIDFrom(c),
				Subject:     auth.UserIDFromContext(req.Context()),
				Method:      req.Method,
				Path:        req.URL.Path,
				Status:      status,
				Outcome:     outcomeFor(status, code),
				GatewayCode: code,
				RemoteIP:    c.RealIP(),
				UserAgent:   req.UserAgent(),
				Latency:     time.Since(start),
				At:          start.UTC(),
			}

			// The inbound context may already be cancelled; the entry is
			// still worth writing.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), auditWriteTimeout)
			defer cancel()
			if recErr := recorder.Record(ctx, entry); recErr != nil {
				logger.Error().Err(recErr).
					Str("request_id", entry.RequestID).
					Msg("failed to record audit entry")
			}

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

// responseStatus is the status the client will see. An error returned up
// the chain has not been rendered yet, so its code wins.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

func outcomeFor(status int, gatewayCode string) audit.Outcome {
	switch {
	case status == upstream.StatusClientClosed:
		return audit.OutcomeClientClosed
	case gatewayCode == CodePayloadTooLarge:
		return audit.OutcomeRejected
	case gatewayCode != "":
		return audit.OutcomeGatewayError
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return audit.OutcomeDenied
	case status == http.StatusBadRequest || status == http.StatusTooManyRequests || status == http.StatusRequestEntityTooLarge:
		return audit.OutcomeRejected
	case status >= 400:
		return audit.OutcomeUpstreamError
	default:
		return audit.OutcomeAllowed
	}
}
