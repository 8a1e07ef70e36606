package upstream

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// GatewayErrorHeader marks bodies written by the gateway itself, so clients
// can tell them from bodies relayed from upstream.
const GatewayErrorHeader = "X-Gateway-Error"

const (
	CodeGatewayFailure = "gateway_failure"
	// StatusClientClosed is recorded for requests whose caller went away.
	// It is never sent.
	StatusClientClosed = 499
)

// GatewayErrorBody is the JSON shape of gateway-generated failures.
type GatewayErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Coded is implemented by gateway-side failures that map to a fixed status
// and error code.
type Coded interface {
	error
	HTTPStatus() int
	Code() string
	PublicMessage() string
}

// Write relays an upstream response: status, end-to-end headers and body
// bytes, unchanged.
func Write(c echo.Context, resp *Response) error {
	h := c.Response().Header()
	for k, vs := range resp.Header {
		h.Del(k)
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if len(resp.Body) == 0 {
		return c.NoContent(resp.StatusCode)
	}
	return c.Blob(resp.StatusCode, resp.ContentType(), resp.Body)
}

// WriteGateway writes a gateway-generated error body.
func WriteGateway(c echo.Context, status int, code, msg string) error {
	c.Response().Header().Set(GatewayErrorHeader, code)
	return c.JSON(status, GatewayErrorBody{Error: msg, Code: code})
}

// WriteError renders err at a route boundary. Upstream answers are relayed
// verbatim, gateway failures get the gateway body, and a cancelled inbound
// request gets nothing because nobody is listening. Unknown errors are
// returned for the echo error handler.
func WriteError(c echo.Context, err error) error {
	var se *StatusError
	if errors.As(err, &se) {
		return Write(c, se.Response)
	}

	if ge, ok := AsGatewayError(err); ok {
		status := http.StatusBadGateway
		if ge.Timeout() {
			status = http.StatusGatewayTimeout
		}
		return WriteGateway(c, status, CodeGatewayFailure, "upstream unavailable")
	}

	var coded Coded
	if errors.As(err, &coded) {
		return WriteGateway(c, coded.HTTPStatus(), coded.Code(), coded.PublicMessage())
	}

	if errors.Is(err, context.Canceled) && c.Request().Context().Err() != nil {
		c.Response().Status = StatusClientClosed
		return nil
	}
	return err
}
