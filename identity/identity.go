// Package identity is the client for the identity service's auth and user
// routes.
package identity

import (
	"slices"
	"time"

	"github.com/jrsteele09/go-auth-client/credential"
	"golang.org/x/oauth2"
)

// Routes served by the identity service.
const (
	RouteRegister      = "/auth/register"
	RouteLogin         = "/auth/login"
	RouteRefresh       = "/auth/refresh"
	RouteLogout        = "/auth/logout"
	RouteLogoutAll     = "/auth/logout-all"
	RouteSessions      = "/auth/sessions"
	RouteRevokeSession = "/auth/sessions/{id}"
	RouteMe            = "/user/me"
)

// RefreshCookie is the HTTP-only cookie carrying the renewal secret.
const RefreshCookie = "refreshToken"

// Role of an account. Client-side checks against it are display hints only.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAdmin     Role = "ADMIN"
	RoleModerator Role = "MODERATOR"
)

// Identity is the user profile bound to a session.
type Identity struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasAnyRole reports whether the identity holds one of roles.
func (i *Identity) HasAnyRole(roles ...Role) bool {
	return i != nil && slices.Contains(roles, i.Role)
}

// Credentials are the login or registration inputs.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Grant is the answer to a login or a renewal. The renewal secret itself
// travels in a cookie and never appears here.
type Grant struct {
	AccessToken string   `json:"accessToken"`
	User        Identity `json:"user"`
}

// Token converts the grant for use with golang.org/x/oauth2 consumers.
func (g *Grant) Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken: g.AccessToken,
		TokenType:   "Bearer",
	}
	if exp, ok := credential.DecodeExpiry(g.AccessToken); ok {
		tok.Expiry = exp
	}
	return tok
}

// SessionInfo describes one server-side session of the current user.
type SessionInfo struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	UserAgent  string    `json:"userAgent,omitempty"`
	IPAddress  string    `json:"ipAddress,omitempty"`
}

type registerResponse struct {
	Message string   `json:"message"`
	User    Identity `json:"user"`
}
