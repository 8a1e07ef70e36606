package priorauth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindCodes
)

type field struct {
	name    string
	aliases []string
	kind    fieldKind
}

// fields lists every recognised input field with its accepted spellings.
// Anything else in the payload is dropped.
var fields = []field{
	{"patient_id", []string{"patient_id", "patientId", "patient_ref", "patientRef"}, kindString},
	{"coverage_id", []string{"coverage_id", "coverageId"}, kindString},
	{"code", []string{"code", "procedure_code", "procedureCode"}, kindString},
	{"diagnosis_codes", []string{"diagnosis_codes", "diagnosisCodes"}, kindCodes},
	{"member_id", []string{"member_id", "memberId"}, kindString},
	{"member_name", []string{"member_name", "memberName"}, kindString},
	{"member_dob", []string{"member_dob", "memberDob", "birth_date", "birthDate"}, kindString},
	{"payer", []string{"payer"}, kindString},
	{"plan", []string{"plan"}, kindString},
}

var requiredFields = []string{"patient_id", "coverage_id", "code"}

// ValidationError is a rejected create payload. It lists every problem
// found, not just the first.
type ValidationError struct {
	Missing   []string
	Invalid   []string
	Conflicts []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required fields: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid fields: "+strings.Join(e.Invalid, ", "))
	}
	if len(e.Conflicts) > 0 {
		parts = append(parts, "conflicting aliases: "+strings.Join(e.Conflicts, ", "))
	}
	if len(parts) == 0 {
		return "invalid request payload"
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) empty() bool {
	return len(e.Missing) == 0 && len(e.Invalid) == 0 && len(e.Conflicts) == 0
}

// value is one decoded field. codes is only used for kindCodes.
type value struct {
	str   string
	codes []string
	set   bool
}

func (v value) equal(o value) bool {
	if v.str != o.str || len(v.codes) != len(o.codes) {
		return false
	}
	for i := range v.codes {
		if v.codes[i] != o.codes[i] {
			return false
		}
	}
	return true
}

// Normalize turns a loosely shaped create payload into the canonical
// upstream body. It accepts snake_case and camelCase spellings, diagnosis
// codes as an array or a comma separated string, and a full member name.
// Values of the wrong JSON type and aliases that disagree are rejected.
// Normalize does no I/O.
func Normalize(raw []byte) (*Normalized, error) {
	var obj map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, &ValidationError{Invalid: []string{"body must be a JSON object"}}
	}

	verr := &ValidationError{}
	got := make(map[string]value, len(fields))
	for _, f := range fields {
		var chosen value
		for _, alias := range f.aliases {
			msg, ok := obj[alias]
			if !ok {
				continue
			}
			v, err := decodeValue(msg, f.kind)
			if err != nil {
				verr.Invalid = append(verr.Invalid, fmt.Sprintf("%s %v", alias, err))
				continue
			}
			if !v.set {
				continue
			}
			if chosen.set && !chosen.equal(v) {
				verr.Conflicts = append(verr.Conflicts, f.name)
				break
			}
			chosen = v
		}
		got[f.name] = chosen
	}

	for _, name := range requiredFields {
		if !got[name].set {
			verr.Missing = append(verr.Missing, name)
		}
	}
	if !verr.empty() {
		return nil, verr
	}

	first, last := splitName(got["member_name"].str)
	codes := got["diagnosis_codes"].codes
	if codes == nil {
		codes = []string{}
	}
	return &Normalized{
		Payload: CreatePayload{
			PatientID:      got["patient_id"].str,
			CoverageID:     got["coverage_id"].str,
			Code:           got["code"].str,
			DiagnosisCodes: codes,
		},
		Member: Member{
			ID:        got["member_id"].str,
			FirstName: first,
			LastName:  last,
			BirthDate: got["member_dob"].str,
		},
		Payer: got["payer"].str,
		Plan:  got["plan"].str,
	}, nil
}

// decodeValue decodes one field. JSON null and blank strings count as
// absent.
func decodeValue(msg json.RawMessage, kind fieldKind) (value, error) {
	if bytes.Equal(bytes.TrimSpace(msg), []byte("null")) {
		return value{}, nil
	}

	var s string
	isString := json.Unmarshal(msg, &s) == nil

	if kind == kindString {
		if !isString {
			return value{}, fmt.Errorf("must be a string")
		}
		s = strings.TrimSpace(s)
		return value{str: s, set: s != ""}, nil
	}

	if isString {
		codes := splitCodes(strings.Split(s, ","))
		return value{codes: codes, set: len(codes) > 0}, nil
	}
	var list []string
	if err := json.Unmarshal(msg, &list); err != nil {
		return value{}, fmt.Errorf("must be a string or an array of strings")
	}
	codes := splitCodes(list)
	return value{codes: codes, set: len(codes) > 0}, nil
}

// splitCodes trims each entry and drops empty ones, keeping order.
func splitCodes(in []string) []string {
	var out []string
	for _, c := range in {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
