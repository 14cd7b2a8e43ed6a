package credential

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-client/internal/utils"
)

// Credential is the bearer secret held for the current application context.
//
// ExpiresAt, Subject and Role are decoded from the token payload without
// verifying the signature. They are hints for scheduling and UI decisions
// only; the server stays the sole authority on what the credential allows.
type Credential struct {
	Raw       string
	ExpiresAt time.Time // zero when the payload carries no usable exp claim
	Subject   string
	Role      string
	IssuedAt  time.Time
}

// HasExpiry reports whether an expiry could be decoded.
func (c *Credential) HasExpiry() bool {
	return c != nil && !c.ExpiresAt.IsZero()
}

// Expired reports whether the decoded expiry is at or before now.
func (c *Credential) Expired(now time.Time) bool {
	return c.HasExpiry() && !now.Before(c.ExpiresAt)
}

// Decode builds a Credential from a raw token, filling in whatever claims can
// be read. Malformed tokens yield a Credential with only Raw set.
func Decode(raw string) Credential {
	cred := Credential{Raw: raw}
	claims, ok := unverifiedClaims(raw)
	if !ok {
		return cred
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		cred.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		cred.IssuedAt = iat.Time
	}
	if sub, err := claims.GetSubject(); err == nil {
		cred.Subject = sub
	}
	cred.Role = roleFromClaims(claims)
	return cred
}

// DecodeExpiry returns the exp claim of raw. It never fails past this
// boundary: malformed input returns false.
func DecodeExpiry(raw string) (time.Time, bool) {
	cred := Decode(raw)
	if cred.ExpiresAt.IsZero() {
		return time.Time{}, false
	}
	return cred.ExpiresAt, true
}

func unverifiedClaims(raw string) (claims jwt.MapClaims, ok bool) {
	if strings.TrimSpace(raw) == "" {
		return nil, false
	}
	defer func() {
		if recover() != nil {
			claims, ok = nil, false
		}
	}()

	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, false
	}
	claims, ok = token.Claims.(jwt.MapClaims)
	return claims, ok
}

// roleFromClaims reads "role", falling back to the first entry of "roles".
func roleFromClaims(claims jwt.MapClaims) string {
	if role, ok := claims["role"].(string); ok {
		return role
	}
	if roles, ok := claims["roles"].([]any); ok {
		if names := utils.ToStringSlice(roles); len(names) > 0 {
			return names[0]
		}
	}
	return ""
}
