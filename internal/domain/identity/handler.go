package identity

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/priorauth/gateway/internal/platform/auth"
	"github.com/priorauth/gateway/internal/platform/upstream"
)

type Handler struct {
	client        *upstream.Client
	createTimeout time.Duration
}

// NewHandler creates the patient and coverage routes. createTimeout
// bounds each create attempt; zero keeps the client default.
func NewHandler(client *upstream.Client, createTimeout time.Duration) *Handler {
	return &Handler{client: client, createTimeout: createTimeout}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients", h.CreatePatient)
	api.POST("/prior-auth/patients", h.CreatePatient)
	api.GET("/prior-auth/patients", h.GetPatient)
	api.POST("/coverages", h.CreateCoverage)
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var in PatientInput
	if err := decodeJSON(c, &in); err != nil {
		return err
	}
	if m := in.Missing(); len(m) > 0 {
		return missingFields(m)
	}
	return h.create(c, "/v1/patients", in)
}

func (h *Handler) CreateCoverage(c echo.Context) error {
	var in CoverageInput
	if err := decodeJSON(c, &in); err != nil {
		return err
	}
	if m := in.Missing(); len(m) > 0 {
		return missingFields(m)
	}
	return h.create(c, "/v1/coverages", in)
}

// GetPatient looks a patient up by durable id or external reference.
func (h *Handler) GetPatient(c echo.Context) error {
	ident := strings.TrimSpace(c.QueryParam("id"))
	if ident == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing id")
	}
	ctx := c.Request().Context()
	resp, err := h.client.Forward(ctx, upstream.Request{
		Method: http.MethodGet,
		Path:   "/v1/patients/" + url.PathEscape(ident),
		Token:  auth.TokenFromContext(ctx),
	})
	if err != nil {
		return upstream.WriteError(c, err)
	}
	return upstream.Write(c, resp)
}

func (h *Handler) create(c echo.Context, path string, in any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s body: %w", path, err)
	}
	ctx := c.Request().Context()
	resp, err := h.client.Forward(ctx, upstream.Request{
		Method:  http.MethodPost,
		Path:    path,
		Header:  jsonHeader(),
		Body:    body,
		Token:   auth.TokenFromContext(ctx),
		Timeout: h.createTimeout,
	})
	if err != nil {
		return upstream.WriteError(c, err)
	}
	return upstream.Write(c, resp)
}

func decodeJSON(c echo.Context, v any) error {
	if err := json.NewDecoder(c.Request().Body).Decode(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	return nil
}

func missingFields(fields []string) error {
	return echo.NewHTTPError(http.StatusBadRequest, "missing required fields: "+strings.Join(fields, ", "))
}
