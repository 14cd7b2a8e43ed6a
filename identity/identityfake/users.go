package identityfake

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-client/identity"
	"golang.org/x/crypto/bcrypt"
)

type user struct {
	ID           string
	Email        string
	PasswordHash string
	Role         identity.Role
	CreatedAt    time.Time
}

func (u *user) identity() identity.Identity {
	return identity.Identity{ID: u.ID, Email: u.Email, Role: u.Role, CreatedAt: u.CreatedAt}
}

var errUserExists = fmt.Errorf("user already exists")

type userStore struct {
	lock     sync.RWMutex
	users    map[string]*user
	emailIDs map[string]string
}

func newUserStore() *userStore {
	return &userStore{
		users:    make(map[string]*user),
		emailIDs: make(map[string]string),
	}
}

func (s *userStore) create(email, password string, role identity.Role, now time.Time) (*user, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	key := strings.ToLower(email)
	if _, ok := s.emailIDs[key]; ok {
		return nil, errUserExists
	}
	u := &user{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now.UTC(),
	}
	s.users[u.ID] = u
	s.emailIDs[key] = u.ID
	return u, nil
}

func (s *userStore) byEmail(email string) (*user, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	id, ok := s.emailIDs[strings.ToLower(email)]
	if !ok {
		return nil, false
	}
	return s.users[id], true
}

func (s *userStore) byID(id string) (*user, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	u, ok := s.users[id]
	return u, ok
}

// authenticate compares against a dummy hash when the email is unknown so
// both failure paths cost the same.
func (s *userStore) authenticate(email, password string) (*user, bool) {
	u, ok := s.byEmail(email)
	if !ok {
		_ = checkPasswordHash(password, dummyHash)
		return nil, false
	}
	if !checkPasswordHash(password, u.PasswordHash) {
		return nil, false
	}
	return u, true
}

var dummyHash, _ = hashPassword("not-a-real-password")

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	return string(bytes), err
}

func checkPasswordHash(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// validatePasswordStrength requires at least 8 characters with upper case,
// lower case and a digit.
func validatePasswordStrength(password string) []string {
	var problems []string
	if len(password) < 8 {
		problems = append(problems, "password must be at least 8 characters long")
	}

	var hasUpper, hasLower, hasNumber bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsDigit(char):
			hasNumber = true
		}
	}
	if !hasUpper {
		problems = append(problems, "password must contain at least one uppercase letter")
	}
	if !hasLower {
		problems = append(problems, "password must contain at least one lowercase letter")
	}
	if !hasNumber {
		problems = append(problems, "password must contain at least one number")
	}
	return problems
}
