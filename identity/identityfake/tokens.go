package identityfake

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// accessClaims are the claims of an issued access token.
type accessClaims struct {
	Subject   string
	Role      string
	SessionID string
	ID        string
	ExpiresAt time.Time
}

// tokenIssuer signs HS256 access tokens and remembers which ones are still
// honoured.
type tokenIssuer struct {
	secret  []byte
	ttl     time.Duration
	nowFunc func() time.Time

	mu     sync.Mutex
	issued map[string]struct{}
}

func newTokenIssuer(secret string, ttl time.Duration, nowFunc func() time.Time) *tokenIssuer {
	return &tokenIssuer{
		secret:  []byte(secret),
		ttl:     ttl,
		nowFunc: nowFunc,
		issued:  make(map[string]struct{}),
	}
}

func (ti *tokenIssuer) issue(u *user, sessionID string) (string, error) {
	now := ti.nowFunc()
	jti := uuid.New().String()
	claims := jwt.MapClaims{
		"sub":  u.ID,
		"role": string(u.Role),
		"sid":  sessionID,
		"jti":  jti,
		"iat":  now.Unix(),
		"exp":  now.Add(ti.ttl).Unix(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token with HMAC")
	}

	ti.mu.Lock()
	ti.issued[jti] = struct{}{}
	ti.mu.Unlock()
	return signed, nil
}

func (ti *tokenIssuer) verify(raw string) (*accessClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, ti.verificationKey,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(ti.nowFunc),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}

	out := &accessClaims{}
	out.Subject, _ = claims["sub"].(string)
	out.Role, _ = claims["role"].(string)
	out.SessionID, _ = claims["sid"].(string)
	out.ID, _ = claims["jti"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}

	ti.mu.Lock()
	_, live := ti.issued[out.ID]
	ti.mu.Unlock()
	if !live {
		return nil, errors.New("token no longer honoured")
	}
	return out, nil
}

func (ti *tokenIssuer) verificationKey(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return ti.secret, nil
}

// expireAll stops honouring every token issued so far.
func (ti *tokenIssuer) expireAll() {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.issued = make(map[string]struct{})
}
