package identityfake

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-client/identity"
)

// session is one login. Its refresh token rotates on every renewal; the
// session id stays.
type session struct {
	ID           string
	UserID       string
	RefreshToken string
	CreatedAt    time.Time
	LastUsedAt   time.Time
	ExpiresAt    time.Time
	UserAgent    string
	IPAddress    string
}

func (s *session) info() identity.SessionInfo {
	return identity.SessionInfo{
		ID:         s.ID,
		CreatedAt:  s.CreatedAt,
		LastUsedAt: s.LastUsedAt,
		ExpiresAt:  s.ExpiresAt,
		UserAgent:  s.UserAgent,
		IPAddress:  s.IPAddress,
	}
}

type sessionStore struct {
	lock     sync.RWMutex
	byID     map[string]*session
	byToken  map[string]string
	lifetime time.Duration
}

func newSessionStore(lifetime time.Duration) *sessionStore {
	return &sessionStore{
		byID:     make(map[string]*session),
		byToken:  make(map[string]string),
		lifetime: lifetime,
	}
}

func (s *sessionStore) create(userID, userAgent, ip string, now time.Time) *session {
	sess := &session{
		ID:           uuid.New().String(),
		UserID:       userID,
		RefreshToken: uuid.New().String(),
		CreatedAt:    now.UTC(),
		LastUsedAt:   now.UTC(),
		ExpiresAt:    now.Add(s.lifetime).UTC(),
		UserAgent:    userAgent,
		IPAddress:    ip,
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	s.byID[sess.ID] = sess
	s.byToken[sess.RefreshToken] = sess.ID
	return sess
}

// rotate swaps the refresh token of the session it belongs to. Unknown,
// already rotated and expired tokens are rejected.
func (s *sessionStore) rotate(token string, now time.Time) (*session, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	id, ok := s.byToken[token]
	if !ok {
		return nil, false
	}
	delete(s.byToken, token)

	sess := s.byID[id]
	if now.After(sess.ExpiresAt) {
		delete(s.byID, id)
		return nil, false
	}
	sess.RefreshToken = uuid.New().String()
	sess.LastUsedAt = now.UTC()
	s.byToken[sess.RefreshToken] = sess.ID

	copied := *sess
	return &copied, true
}

func (s *sessionStore) revokeToken(token string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	id, ok := s.byToken[token]
	if !ok {
		return
	}
	s.deleteLocked(id)
}

func (s *sessionStore) revoke(userID, id string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	sess, ok := s.byID[id]
	if !ok || sess.UserID != userID {
		return false
	}
	s.deleteLocked(id)
	return true
}

func (s *sessionStore) revokeAll(userID string) int {
	s.lock.Lock()
	defer s.lock.Unlock()

	revoked := 0
	for id, sess := range s.byID {
		if sess.UserID == userID {
			s.deleteLocked(id)
			revoked++
		}
	}
	return revoked
}

func (s *sessionStore) active(userID string, now time.Time) []identity.SessionInfo {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var out []identity.SessionInfo
	for _, sess := range s.byID {
		if sess.UserID == userID && now.Before(sess.ExpiresAt) {
			out = append(out, sess.info())
		}
	}
	slices.SortFunc(out, func(a, b identity.SessionInfo) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

func (s *sessionStore) deleteLocked(id string) {
	sess, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byToken, sess.RefreshToken)
	delete(s.byID, id)
}
