// Package priorauth serves the prior-authorization request routes: the
// requirements lookup, listing, detail, creation and attachments.
package priorauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/priorauth/gateway/internal/domain/identity"
	"github.com/priorauth/gateway/internal/platform/auth"
	"github.com/priorauth/gateway/internal/platform/upstream"
	"github.com/priorauth/gateway/pkg/pagination"
)

type Handler struct {
	client        *upstream.Client
	resolver      *identity.Resolver
	createTimeout time.Duration
	logger        zerolog.Logger
}

func NewHandler(client *upstream.Client, resolver *identity.Resolver, createTimeout time.Duration, logger zerolog.Logger) *Handler {
	return &Handler{client: client, resolver: resolver, createTimeout: createTimeout, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/requirements", h.Requirements)
	api.GET("/prior-auth/requests", h.ListRequests)
	api.GET("/prior-auth/requests/:id", h.GetRequest)
	api.POST("/prior-auth/requests", h.CreateRequest)
	api.POST("/attachments", h.UploadAttachment)
}

func (h *Handler) Requirements(c echo.Context) error {
	code := strings.TrimSpace(c.QueryParam("code"))
	if !ValidProcedureCode(code) {
		return echo.NewHTTPError(http.StatusBadRequest, "code must be 1 to 10 letters or digits")
	}
	return h.get(c, "/v1/requirements", url.Values{"code": {code}})
}

func (h *Handler) ListRequests(c echo.Context) error {
	q := pagination.FromContext(c).Values()
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		if !ValidStatus(status) {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid status: %s", status))
		}
		q.Set("status", status)
	}
	return h.get(c, "/v1/prior-auth/requests", q)
}

// GetRequest answers 404 for ids that cannot be durable without asking
// upstream.
func (h *Handler) GetRequest(c echo.Context) error {
	id := c.Param("id")
	if !identity.IsDurableID(id) {
		return echo.NewHTTPError(http.StatusNotFound, "request not found")
	}
	return h.get(c, "/v1/prior-auth/requests/"+url.PathEscape(id), nil)
}

// CreateRequest normalizes the payload, resolves the patient and coverage
// references, then forwards the canonical body. Validation fails before
// any upstream call.
func (h *Handler) CreateRequest(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not read request body")
	}
	n, err := Normalize(raw)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
		}
		return err
	}

	ctx := c.Request().Context()
	token := auth.TokenFromContext(ctx)

	res, err := h.resolver.Resolve(ctx, token, n.Payload.PatientID, n.Member.Demographics())
	if err != nil {
		return upstream.WriteError(c, err)
	}
	coverageID, err := h.resolver.EnsureCoverage(ctx, token, res, identity.CoverageInput{
		ExternalID: n.Payload.CoverageID,
		MemberID:   n.Member.ID,
		Plan:       n.Plan,
		Payer:      n.Payer,
	})
	if err != nil {
		return upstream.WriteError(c, err)
	}

	payload := n.Payload
	payload.PatientID = res.PatientID
	payload.CoverageID = coverageID
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode create payload: %w", err)
	}

	resp, err := h.client.Forward(ctx, upstream.Request{
		Method:  http.MethodPost,
		Path:    "/v1/prior-auth/requests",
		Header:  http.Header{"Content-Type": {"application/json"}},
		Body:    body,
		Token:   token,
		Timeout: h.createTimeout,
	})
	if err != nil {
		return upstream.WriteError(c, err)
	}

	ev := h.logger.Info()
	if !resp.OK() {
		ev = h.logger.Warn()
	}
	ev.Str("patient_id", payload.PatientID).
		Bool("patient_created", res.Created).
		Str("code", payload.Code).
		Int("status", resp.StatusCode).
		Msg("prior-auth request forwarded")
	return upstream.Write(c, resp)
}

// UploadAttachment relays a multipart upload unchanged, boundary included.
func (h *Handler) UploadAttachment(c echo.Context) error {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if !strings.HasPrefix(ct, echo.MIMEMultipartForm) {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "expected multipart/form-data")
	}
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not read request body")
	}

	ctx := c.Request().Context()
	resp, err := h.client.Forward(ctx, upstream.Request{
		Method:  http.MethodPost,
		Path:    "/v1/attachments",
		Header:  http.Header{"Content-Type": {ct}},
		Body:    raw,
		Token:   auth.TokenFromContext(ctx),
		Timeout: h.createTimeout,
	})
	if err != nil {
		return upstream.WriteError(c, err)
	}
	return upstream.Write(c, resp)
}

func (h *Handler) get(c echo.Context, path string, q url.Values) error {
	ctx := c.Request().Context()
	resp, err := h.client.Forward(ctx, upstream.Request{
		Method: http.MethodGet,
		Path:   path,
		Query:  q,
		Token:  auth.TokenFromContext(ctx),
	})
	if err != nil {
		return upstream.WriteError(c, err)
	}
	return upstream.Write(c, resp)
}
