// Package identity resolves loose patient references into durable patient
// ids, creating the patient upstream on a miss.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/priorauth/gateway/internal/platform/upstream"
)

// ErrEmptyReference is returned for a blank patient reference.
var ErrEmptyReference = errors.New("patient reference is empty")

// Resolver runs the probe, create, reprobe sequence against the upstream
// patient endpoints. Steps run one after another on the caller's goroutine.
type Resolver struct {
	client *upstream.Client
	logger zerolog.Logger
}

func NewResolver(client *upstream.Client, logger zerolog.Logger) *Resolver {
	return &Resolver{client: client, logger: logger}
}

// Resolve returns the durable id for ref. A ref that already is a durable
// id is trusted without any upstream call. Otherwise the patient is probed
// by reference, created when the probe answers 404, and probed again.
// A create that answers 409 is treated as success, so repeated calls with
// the same reference converge on the same id.
func (r *Resolver) Resolve(ctx context.Context, token, ref string, demo Demographics) (Resolution, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Resolution{}, ErrEmptyReference
	}
	if IsDurableID(ref) {
		return Resolution{PatientID: ref, Trace: []State{StateResolved}}, nil
	}

	log := r.logger.With().Str("patient_ref", ref).Logger()
	var (
		res   Resolution
		state = StateProbing
		err   error
	)
	for {
		res.Trace = append(res.Trace, state)
		log.Debug().Str("state", string(state)).Msg("patient resolution step")

		switch state {
		case StateProbing:
			state, res.PatientID, err = r.lookup(ctx, token, ref, StateProbing)
		case StateCreating:
			state, res.Created, err = r.create(ctx, token, ref, demo.withPlaceholders())
		case StateReprobing:
			state, res.PatientID, err = r.lookup(ctx, token, ref, StateReprobing)
		case StateResolved:
			log.Info().
				Str("patient_id", res.PatientID).
				Bool("created", res.Created).
				Msg("patient resolved")
			return res, nil
		case StateFailed:
			log.Warn().Err(err).Msg("patient resolution failed")
			return res, err
		}
	}
}

// lookup probes the patient. A 404 moves a first probe to creation and
// fails a reprobe as an inconsistency.
func (r *Resolver) lookup(ctx context.Context, token, ref string, stage State) (State, string, error) {
	resp, err := r.client.Forward(ctx, upstream.Request{
		Method: http.MethodGet,
		Path:   "/v1/patients/" + url.PathEscape(ref),
		Token:  token,
	})
	if err != nil {
		return StateFailed, "", err
	}

	switch {
	case resp.OK():
		id := durableIDFrom(resp.Body)
		if id == "" {
			return StateFailed, "", &InconsistencyError{Ref: ref, Stage: stage, Reason: "no durable id in patient response"}
		}
		return StateResolved, id, nil
	case resp.StatusCode == http.StatusNotFound && stage == StateProbing:
		return StateCreating, "", nil
	case resp.StatusCode == http.StatusNotFound:
		return StateFailed, "", &InconsistencyError{Ref: ref, Stage: stage, Reason: "patient missing after create"}
	default:
		return StateFailed, "", &upstream.StatusError{Op: "probe patient", Response: resp}
	}
}

func (r *Resolver) create(ctx context.Context, token, ref string, demo Demographics) (State, bool, error) {
	body, err := json.Marshal(PatientInput{
		ExternalID: ref,
		FirstName:  demo.FirstName,
		LastName:   demo.LastName,
		BirthDate:  demo.BirthDate,
	})
	if err != nil {
		return StateFailed, false, err
	}
	resp, err := r.client.Forward(ctx, upstream.Request{
		Method:     http.MethodPost,
		Path:       "/v1/patients",
		Header:     jsonHeader(),
		Body:       body,
		Token:      token,
		Idempotent: true,
	})
	if err != nil {
		return StateFailed, false, err
	}

	switch {
	case resp.OK():
		return StateReprobing, true, nil
	case resp.StatusCode == http.StatusConflict:
		r.logger.Debug().Str("patient_ref", ref).Msg("patient already exists")
		return StateReprobing, false, nil
	default:
		return StateFailed, false, &upstream.StatusError{Op: "create patient", Response: resp}
	}
}

// EnsureCoverage returns the coverage reference to use for a request.
// A coverage is created only for a patient minted by res and only when
// payer and plan are known; otherwise the supplied reference is kept.
// A missing member id falls back to the coverage reference.
func (r *Resolver) EnsureCoverage(ctx context.Context, token string, res Resolution, in CoverageInput) (string, error) {
	ref := strings.TrimSpace(in.ExternalID)
	if !res.Created || strings.TrimSpace(in.Payer) == "" || strings.TrimSpace(in.Plan) == "" {
		return ref, nil
	}
	in.PatientID = res.PatientID
	if strings.TrimSpace(in.MemberID) == "" {
		in.MemberID = ref
	}

	body, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Forward(ctx, upstream.Request{
		Method:     http.MethodPost,
		Path:       "/v1/coverages",
		Header:     jsonHeader(),
		Body:       body,
		Token:      token,
		Idempotent: true,
	})
	if err != nil {
		return "", err
	}

	switch {
	case resp.OK():
		if id := durableIDFrom(resp.Body); id != "" {
			r.logger.Info().Str("patient_id", res.PatientID).Str("coverage_id", id).Msg("coverage created")
			return id, nil
		}
		return ref, nil
	case resp.StatusCode == http.StatusConflict:
		return ref, nil
	default:
		return "", &upstream.StatusError{Op: "create coverage", Response: resp}
	}
}

// durableIDFrom extracts a durable "id" from a JSON object body.
func durableIDFrom(body []byte) string {
	var v struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return ""
	}
	id, _ := v.ID.(string)
	if !IsDurableID(id) {
		return ""
	}
	return id
}

func jsonHeader() http.Header {
	return http.Header{"Content-Type": {"application/json"}}
}
