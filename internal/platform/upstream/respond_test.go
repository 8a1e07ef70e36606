package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newEchoContext() (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestWrite_Verbatim(t *testing.T) {
	c, rec := newEchoContext()
	resp := &Response{
		StatusCode: http.StatusNotFound,
		Header:     http.Header{"Content-Type": {"text/plain"}, "X-Upstream": {"1"}},
		Body:       []byte("nope"),
	}
	if err := Write(c, resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotFound || rec.Body.String() != "nope" {
		t.Errorf("unexpected relay: %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/plain" || rec.Header().Get("X-Upstream") != "1" {
		t.Errorf("headers not relayed: %v", rec.Header())
	}
	if rec.Header().Get(GatewayErrorHeader) != "" {
		t.Error("relayed bodies must not carry the gateway marker")
	}
}

func TestWriteError_GatewayFailure(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"exhausted status", &GatewayError{Attempts: 2, LastStatus: 503}, http.StatusBadGateway},
		{"network", &GatewayError{Attempts: 2, Cause: errors.New("connection refused")}, http.StatusBadGateway},
		{"timeout", &GatewayError{Attempts: 2, Cause: fmt.Errorf("%w: deadline", errAttemptTimeout)}, http.StatusGatewayTimeout},
		{"wrapped", fmt.Errorf("list: %w", &GatewayError{Attempts: 1, LastStatus: 429}), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newEchoContext()
			if err := WriteError(c, tt.err); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
			if rec.Header().Get(GatewayErrorHeader) != CodeGatewayFailure {
				t.Errorf("missing %s header", GatewayErrorHeader)
			}
			var body GatewayErrorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if body.Code != CodeGatewayFailure || body.Error != "upstream unavailable" {
				t.Errorf("unexpected body: %+v", body)
			}
		})
	}
}

func TestWriteError_StatusErrorVerbatim(t *testing.T) {
	c, rec := newEchoContext()
	err := fmt.Errorf("resolve: %w", &StatusError{Op: "probe", Response: &Response{
		StatusCode: http.StatusForbidden,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       []byte(`{"detail":"forbidden"}`),
	}})
	if werr := WriteError(c, err); werr != nil {
		t.Fatalf("unexpected error: %v", werr)
	}
	if rec.Code != http.StatusForbidden || rec.Body.String() != `{"detail":"forbidden"}` {
		t.Errorf("unexpected relay: %d %s", rec.Code, rec.Body.String())
	}
}

type testCoded struct{}

func (testCoded) Error() string         { return "coded" }
func (testCoded) HTTPStatus() int       { return http.StatusTeapot }
func (testCoded) Code() string          { return "teapot" }
func (testCoded) PublicMessage() string { return "short and stout" }

func TestWriteError_Coded(t *testing.T) {
	c, rec := newEchoContext()
	if err := WriteError(c, testCoded{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusTeapot || rec.Header().Get(GatewayErrorHeader) != "teapot" {
		t.Errorf("unexpected response: %d %v", rec.Code, rec.Header())
	}
}

func TestWriteError_CanceledWritesNothing(t *testing.T) {
	e := echo.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := WriteError(c, context.Canceled); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", rec.Body.String())
	}
}

func TestWriteError_UnknownReturned(t *testing.T) {
	c, _ := newEchoContext()
	boom := errors.New("boom")
	if err := WriteError(c, boom); err != boom {
		t.Errorf("expected error to be returned, got %v", err)
	}
}
