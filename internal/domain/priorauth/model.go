package priorauth

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/priorauth/gateway/internal/domain/identity"
)

// Request statuses are assigned upstream; the gateway only filters on them.
const (
	StatusPending   = "pending"
	StatusSubmitted = "submitted"
	StatusApproved  = "approved"
	StatusDenied    = "denied"
	StatusError     = "error"
)

var validStatuses = map[string]bool{
	StatusPending: true, StatusSubmitted: true, StatusApproved: true, StatusDenied: true, StatusError: true,
}

// ValidStatus reports whether s is a known request status.
func ValidStatus(s string) bool {
	return validStatuses[s]
}

var procedureCodePattern = regexp.MustCompile(`^[A-Za-z0-9]{1,10}$`)

// ValidProcedureCode reports whether code has the shape of a procedure code
// accepted by the requirements lookup.
func ValidProcedureCode(code string) bool {
	return procedureCodePattern.MatchString(code)
}

// CreatePayload is the canonical body for an upstream request create.
type CreatePayload struct {
	PatientID      string   `json:"patient_id"`
	CoverageID     string   `json:"coverage_id"`
	Code           string   `json:"code"`
	DiagnosisCodes []string `json:"diagnosis_codes"`
}

// Member carries the demographics a caller supplied next to the patient
// reference. It is only used to create a missing patient and is never
// sent with the request itself.
type Member struct {
	ID        string
	FirstName string
	LastName  string
	BirthDate string
}

// Demographics adapts the member to the resolver input.
func (m Member) Demographics() identity.Demographics {
	return identity.Demographics{FirstName: m.FirstName, LastName: m.LastName, BirthDate: m.BirthDate}
}

// Normalized is the result of Normalize.
type Normalized struct {
	Payload CreatePayload
	Member  Member
	Payer   string
	Plan    string
}

// splitName splits a full name on its first whitespace run. A single token
// yields an empty last name.
func splitName(full string) (first, last string) {
	full = strings.TrimSpace(full)
	i := strings.IndexFunc(full, unicode.IsSpace)
	if i < 0 {
		return full, ""
	}
	return full[:i], strings.TrimSpace(full[i:])
}
