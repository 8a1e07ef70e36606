package auth

import (
	"errors"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the advisory view of a bearer credential. Nothing in it has been
// verified: the signature is checked by the upstream service on every
// forwarded call, so these values are only fit for UX gating.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
	Roles     RoleSet
}

// Expired reports whether the credential is no longer usable at now.
func (c *Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// RoleSet is a set of role names.
type RoleSet map[string]struct{}

func NewRoleSet(roles ...string) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			s[r] = struct{}{}
		}
	}
	return s
}

func (s RoleSet) Has(role string) bool {
	_, ok := s[role]
	return ok
}

// Slice returns the roles in sorted order.
func (s RoleSet) Slice() []string {
	out := make([]string, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// peekParser accepts both padded and unpadded base64url segments.
var peekParser = jwt.NewParser(jwt.WithPaddingAllowed())

// PeekClaims decodes the claims segment of a bearer token without checking
// its signature. It fails closed: an empty token, a malformed segment, a
// non-JSON payload or a missing/non-numeric exp all return (nil, false).
func PeekClaims(token string) (claims *Claims, ok bool) {
	if token == "" {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			claims, ok = nil, false
		}
	}()

	mc := jwt.MapClaims{}
	// An unknown alg only means the token cannot be verified here, which is
	// never attempted anyway. The claims are already decoded at that point.
	if _, _, err := peekParser.ParseUnverified(token, mc); err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return nil, false
	}

	exp, err := mc.GetExpirationTime()
	if err != nil || exp == nil || exp.Unix() == 0 {
		return nil, false
	}
	sub, _ := mc.GetSubject()

	raw, present := mc["roles"]
	if !present {
		raw = mc["role"]
	}

	return &Claims{
		Subject:   sub,
		ExpiresAt: exp.Time,
		Roles:     rolesFrom(raw),
	}, true
}

// rolesFrom accepts an array of strings or a single comma/whitespace
// separated string. Anything else is an empty set.
func rolesFrom(raw interface{}) RoleSet {
	switch v := raw.(type) {
	case []interface{}:
		names := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return RoleSet{}
			}
			names = append(names, s)
		}
		return NewRoleSet(names...)
	case string:
		return NewRoleSet(strings.FieldsFunc(v, func(r rune) bool {
			return r == ',' || unicode.IsSpace(r)
		})...)
	default:
		return RoleSet{}
	}
}
