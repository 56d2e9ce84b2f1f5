package mpass

import (
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session holds the authenticated user state issued after a successful login
// reconciliation.
type Session struct {
	// Username is the stable external identifier (SAML NameID).
	Username string

	// Roles are the role names asserted at login.
	Roles []string

	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ErrSessionNotFound is returned when a session token is invalid, expired,
// or not issued by this service.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore issues and validates stateless session tokens. Tokens are
// JWTs signed with RSA (RS256), so no server-side session state exists.
type SessionStore struct {
	privateKey *rsa.PrivateKey
	duration   time.Duration
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// NewSessionStore creates a JWT-based session store.
func NewSessionStore(privateKey *rsa.PrivateKey, duration time.Duration) *SessionStore {
	return &SessionStore{
		privateKey: privateKey,
		duration:   duration,
	}
}

// Create generates a signed token for the session subject and roles.
func (s *SessionStore) Create(username string, roles []string) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.duration)),
		},
		Roles: roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(s.privateKey)
}

// Get validates a token and returns the session it carries.
func (s *SessionStore) Get(token string) (*Session, error) {
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return &s.privateKey.PublicKey, nil
	})
	if err != nil {
		return nil, ErrSessionNotFound
	}

	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid {
		return nil, ErrSessionNotFound
	}

	return &Session{
		Username:  claims.Subject,
		Roles:     claims.Roles,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
