package upstream

import (
	"errors"
	"fmt"
)

var errAttemptTimeout = errors.New("upstream attempt timed out")

// GatewayError means the upstream could not be reached, or kept answering
// with transient statuses, until the retry budget ran out. It is never an
// upstream answer and is rendered as a gateway-generated body.
type GatewayError struct {
	Method     string
	Path       string
	Attempts   int
	LastStatus int
	Cause      error
}

func (e *GatewayError) Error() string {
	if e.LastStatus != 0 {
		return fmt.Sprintf("upstream %s %s failed after %d attempt(s): last status %d", e.Method, e.Path, e.Attempts, e.LastStatus)
	}
	return fmt.Sprintf("upstream %s %s failed after %d attempt(s): %v", e.Method, e.Path, e.Attempts, e.Cause)
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// Timeout reports whether the final attempt ended on a deadline.
func (e *GatewayError) Timeout() bool {
	return errors.Is(e.Cause, errAttemptTimeout) || e.LastStatus == 504
}

// StatusError carries a non-2xx upstream answer that a multi-step flow
// cannot continue past. The response is relayed verbatim.
type StatusError struct {
	Op       string
	Response *Response
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: upstream answered %d", e.Op, e.Response.StatusCode)
}

// AsGatewayError reports whether err is, or wraps, a *GatewayError.
func AsGatewayError(err error) (*GatewayError, bool) {
	var ge *GatewayError
	ok := errors.As(err, &ge)
	return ge, ok
}
