package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/priorauth/gateway/internal/platform/upstream"
)

// CodeRequestTimeout is the X-Gateway-Error code for requests that ran past
// the outer deadline.
const CodeRequestTimeout = "request_timeout"

// RequestTimeout puts a deadline on each request context. Upstream calls
// inherit it, so a slow chain unwinds with a context error; if nothing has
// been written by then the client gets a gateway 504.
//
// The handler runs on the request goroutine. Every blocking call in this
// service takes the request context, so there is nothing to race against.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if ctx.Err() == context.DeadlineExceeded && !c.Response().Committed {
				if err == nil || errors.Is(err, context.DeadlineExceeded) {
					return upstream.WriteGateway(c, http.StatusGatewayTimeout, CodeRequestTimeout, "request timed out")
				}
			}
			return err
		}
	}
}
