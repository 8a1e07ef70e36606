package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func runHealth(t *testing.T, p Pinger) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	if err := HealthHandler(p, zerolog.Nop())(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return rec, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	rec, body := runHealth(t, fakePinger{})
	if rec.Code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("unexpected response: %d %v", rec.Code, body)
	}
}

func TestHealthHandler_UnhealthyHidesDriverError(t *testing.T) {
	rec, body := runHealth(t, fakePinger{err: errors.New("dial tcp 10.1.2.3:5432: connect: connection refused")})
	if rec.Code != http.StatusServiceUnavailable || body["status"] != "unhealthy" {
		t.Errorf("unexpected response: %d %v", rec.Code, body)
	}
	if strings.Contains(rec.Body.String(), "10.1.2.3") {
		t.Errorf("driver error leaked: %s", rec.Body.String())
	}
}
