// Package identityfake is an in-process identity service speaking the same
// routes and wire format as the real one. It backs the tests and the demo
// CLI.
package identityfake

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jrsteele09/go-auth-client/identity"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultAccessTTL       = 15 * time.Minute
	DefaultSessionLifetime = 7 * 24 * time.Hour
	defaultSecret          = "identityfake-signing-secret"
)

type contextKey string

const contextKeyClaims contextKey = "claims"

// Service implements the identity routes.
type Service struct {
	users    *userStore
	sessions *sessionStore
	tokens   *tokenIssuer
	mux      *http.ServeMux
	logger   zerolog.Logger
	nowFunc  func() time.Time

	accessTTL       time.Duration
	sessionLifetime time.Duration
	secret          string

	failRefresh  atomic.Bool
	refreshDelay atomic.Int64

	mu     sync.Mutex
	counts map[string]int
}

// Option configures a Service.
type Option func(*Service)

// WithAccessTTL sets the lifetime of issued access tokens.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.accessTTL = ttl
	}
}

// WithSessionLifetime sets how long a refresh session lasts.
func WithSessionLifetime(lifetime time.Duration) Option {
	return func(s *Service) {
		s.sessionLifetime = lifetime
	}
}

// WithNowFunc sets the clock used for token and session times.
func WithNowFunc(nowFunc func() time.Time) Option {
	return func(s *Service) {
		s.nowFunc = nowFunc
	}
}

func WithSecret(secret string) Option {
	return func(s *Service) {
		s.secret = secret
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates an empty service.
func NewService(opts ...Option) *Service {
	s := &Service{
		users:           newUserStore(),
		mux:             http.NewServeMux(),
		logger:          log.Logger,
		nowFunc:         time.Now,
		accessTTL:       DefaultAccessTTL,
		sessionLifetime: DefaultSessionLifetime,
		secret:          defaultSecret,
		counts:          make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sessions = newSessionStore(s.sessionLifetime)
	s.tokens = newTokenIssuer(s.secret, s.accessTTL, s.nowFunc)
	s.initRoutes()
	return s
}

func (s *Service) initRoutes() {
	s.handle("POST "+identity.RouteRegister, s.registerHandler())
	s.handle("POST "+identity.RouteLogin, s.loginHandler())
	s.handle("POST "+identity.RouteRefresh, s.refreshHandler())
	s.handle("POST "+identity.RouteLogout, s.logoutHandler(), s.requireAuth)
	s.handle("POST "+identity.RouteLogoutAll, s.logoutAllHandler(), s.requireAuth)
	s.handle("GET "+identity.RouteSessions, s.sessionsHandler(), s.requireAuth)
	s.handle("DELETE "+identity.RouteRevokeSession, s.revokeSessionHandler(), s.requireAuth)
	s.handle("GET "+identity.RouteMe, s.meHandler(), s.requireAuth)
}

func (s *Service) handle(pattern string, handler http.HandlerFunc, mw ...func(http.HandlerFunc) http.HandlerFunc) {
	mw = append([]func(http.HandlerFunc) http.HandlerFunc{s.countingMiddleware(pattern), s.loggingMiddleware}, mw...)
	s.mux.HandleFunc(pattern, chainMiddleware(handler, mw...))
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// AddUser seeds an account without going through registration rules.
func (s *Service) AddUser(email, password string, role identity.Role) (identity.Identity, error) {
	u, err := s.users.create(email, password, role, s.nowFunc())
	if err != nil {
		return identity.Identity{}, err
	}
	return u.identity(), nil
}

// SetFailRefresh makes every renewal answer 401.
func (s *Service) SetFailRefresh(fail bool) {
	s.failRefresh.Store(fail)
}

// SetRefreshDelay holds every renewal for d before answering.
func (s *Service) SetRefreshDelay(d time.Duration) {
	s.refreshDelay.Store(int64(d))
}

// ExpireAllAccess stops honouring every access token issued so far, so the
// next authenticated call answers 401.
func (s *Service) ExpireAllAccess() {
	s.tokens.expireAll()
}

// Calls returns how many requests reached the route pattern, for example
// "POST /auth/refresh".
func (s *Service) Calls(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[pattern]
}

// RefreshCalls is shorthand for Calls on the refresh route.
func (s *Service) RefreshCalls() int {
	return s.Calls("POST " + identity.RouteRefresh)
}

// Server is a Service listening on a local httptest server.
type Server struct {
	*Service
	*httptest.Server
}

// Start runs a new Service on a loopback address.
func Start(opts ...Option) *Server {
	svc := NewService(opts...)
	return &Server{Service: svc, Server: httptest.NewServer(svc)}
}

func (s *Service) registerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var creds identity.Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Email == "" {
			writeError(w, http.StatusBadRequest, "email and password are required")
			return
		}
		if problems := validatePasswordStrength(creds.Password); len(problems) > 0 {
			writeError(w, http.StatusBadRequest, problems...)
			return
		}

		u, err := s.users.create(creds.Email, creds.Password, identity.RoleUser, s.nowFunc())
		if err == errUserExists {
			writeError(w, http.StatusConflict, "User with this email already exists")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Could not create user")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"message": "User registered successfully",
			"user":    u.identity(),
		})
	}
}

func (s *Service) loginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var creds identity.Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			writeError(w, http.StatusBadRequest, "email and password are required")
			return
		}
		u, ok := s.users.authenticate(creds.Email, creds.Password)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}

		sess := s.sessions.create(u.ID, r.UserAgent(), clientIP(r), s.nowFunc())
		s.grant(w, r, u, sess)
	}
}

func (s *Service) refreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d := time.Duration(s.refreshDelay.Load()); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
		}
		if s.failRefresh.Load() {
			writeError(w, http.StatusUnauthorized, "Invalid refresh token")
			return
		}

		cookie, err := r.Cookie(identity.RefreshCookie)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Refresh token not found")
			return
		}
		sess, ok := s.sessions.rotate(cookie.Value, s.nowFunc())
		if !ok {
			clearRefreshCookie(w)
			writeError(w, http.StatusUnauthorized, "Invalid refresh token")
			return
		}
		u, ok := s.users.byID(sess.UserID)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Invalid refresh token")
			return
		}
		s.grant(w, r, u, sess)
	}
}

func (s *Service) logoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie(identity.RefreshCookie); err == nil {
			s.sessions.revokeToken(cookie.Value)
		}
		clearRefreshCookie(w)
		writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
	}
}

func (s *Service) logoutAllHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFrom(r)
		revoked := s.sessions.revokeAll(claims.Subject)
		clearRefreshCookie(w)
		writeJSON(w, http.StatusOK, map[string]any{"message": "Logged out from all devices", "revoked": revoked})
	}
}

func (s *Service) sessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := s.sessions.active(claimsFrom(r).Subject, s.nowFunc())
		if active == nil {
			active = []identity.SessionInfo{}
		}
		writeJSON(w, http.StatusOK, active)
	}
}

func (s *Service) revokeSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.sessions.revoke(claimsFrom(r).Subject, r.PathValue("id")) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Session revoked"})
	}
}

func (s *Service) meHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := s.users.byID(claimsFrom(r).Subject)
		if !ok {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		writeJSON(w, http.StatusOK, u.identity())
	}
}

func (s *Service) grant(w http.ResponseWriter, r *http.Request, u *user, sess *session) {
	access, err := s.tokens.issue(u, sess.ID)
	if err != nil {
		s.logger.Err(err).Msg("failed to issue access token")
		writeError(w, http.StatusInternalServerError, "Could not issue token")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     identity.RefreshCookie,
		Value:    sess.RefreshToken,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, identity.Grant{AccessToken: access, User: u.identity()})
}

// requireAuth validates the bearer access token and stores its claims in the
// request context.
func (s *Service) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		claims, err := s.tokens.verify(parts[1])
		if err != nil {
			s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected access token")
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), contextKeyClaims, claims)))
	}
}

func (s *Service) countingMiddleware(pattern string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			s.mu.Lock()
			s.counts[pattern]++
			s.mu.Unlock()
			next(w, r)
		}
	}
}

func (s *Service) loggingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("identityfake")
		next(w, r)
	}
}

func chainMiddleware(routeFunction http.HandlerFunc, mw ...func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
	chainedHandler := routeFunction
	for i := len(mw) - 1; i >= 0; i-- {
		chainedHandler = mw[i](chainedHandler)
	}
	return chainedHandler
}

func claimsFrom(r *http.Request) *accessClaims {
	claims, _ := r.Context().Value(contextKeyClaims).(*accessClaims)
	if claims == nil {
		return &accessClaims{}
	}
	return claims
}

func clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     identity.RefreshCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers in the service's error format. A single message is sent
// as a string, several as a list.
func writeError(w http.ResponseWriter, status int, messages ...string) {
	var message any = ""
	switch len(messages) {
	case 0:
	case 1:
		message = messages[0]
	default:
		message = messages
	}
	writeJSON(w, status, map[string]any{
		"message":    message,
		"error":      http.StatusText(status),
		"statusCode": status,
	})
}
