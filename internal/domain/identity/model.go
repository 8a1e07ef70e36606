package identity

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Placeholders used when a patient has to be created from a partial
// request. They make the record obviously incomplete upstream.
const (
	PlaceholderName      = "Unknown"
	PlaceholderBirthDate = "1900-01-01"
)

// State is a step of the resolution state machine.
type State string

const (
	StateProbing   State = "probing"
	StateCreating  State = "creating"
	StateReprobing State = "reprobing"
	StateResolved  State = "resolved"
	StateFailed    State = "failed"
)

// Demographics is what a caller knows about a patient besides the
// reference. Any field may be empty.
type Demographics struct {
	FirstName string
	LastName  string
	BirthDate string
}

func (d Demographics) withPlaceholders() Demographics {
	if strings.TrimSpace(d.FirstName) == "" {
		d.FirstName = PlaceholderName
	}
	if strings.TrimSpace(d.LastName) == "" {
		d.LastName = PlaceholderName
	}
	if strings.TrimSpace(d.BirthDate) == "" {
		d.BirthDate = PlaceholderBirthDate
	}
	return d
}

// Resolution is the outcome of Resolver.Resolve.
type Resolution struct {
	PatientID string
	// Created is set when this flow minted the patient. A create that
	// collided with an existing record does not count.
	Created bool
	Trace   []State
}

// PatientInput is the upstream patient create body.
type PatientInput struct {
	ExternalID string `json:"external_id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	BirthDate  string `json:"birth_date"`
}

// Missing returns the names of empty required fields.
func (p PatientInput) Missing() []string {
	return missing(
		"external_id", p.ExternalID,
		"first_name", p.FirstName,
		"last_name", p.LastName,
		"birth_date", p.BirthDate,
	)
}

// CoverageInput is the upstream coverage create body.
type CoverageInput struct {
	ExternalID string `json:"external_id"`
	MemberID   string `json:"member_id"`
	Plan       string `json:"plan"`
	Payer      string `json:"payer"`
	PatientID  string `json:"patient_id"`
}

func (c CoverageInput) Missing() []string {
	return missing(
		"external_id", c.ExternalID,
		"member_id", c.MemberID,
		"plan", c.Plan,
		"payer", c.Payer,
		"patient_id", c.PatientID,
	)
}

func missing(pairs ...string) []string {
	var out []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			out = append(out, pairs[i])
		}
	}
	return out
}

// IsDurableID reports whether s is a durable patient id: a UUID in the
// canonical 8-4-4-4-12 layout.
func IsDurableID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

const CodeResolutionInconsistency = "resolution_inconsistency"

// InconsistencyError means the upstream behaved in a way the resolution
// flow cannot reconcile, such as a patient that is still missing right
// after it was created. It is distinct from an upstream rejection.
type InconsistencyError struct {
	Ref    string
	Stage  State
	Reason string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("resolve patient %q: %s during %s", e.Ref, e.Reason, e.Stage)
}

func (e *InconsistencyError) HTTPStatus() int { return http.StatusBadGateway }

func (e *InconsistencyError) Code() string { return CodeResolutionInconsistency }

func (e *InconsistencyError) PublicMessage() string {
	return "patient identity could not be resolved"
}
