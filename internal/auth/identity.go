package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken is returned when no configured method accepts a token.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrNotConfigured is returned when neither JWKS nor a shared secret is set.
	ErrNotConfigured = errors.New("authentication not configured")
)

// Identity is the caller a request acts for.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// TokenVerifier checks a bearer token against a key set.
type TokenVerifier interface {
	Verify(tokenString string) (*Identity, error)
	Close() error
}

// Authenticator tries JWKS verification first and falls back to HMAC tokens
// signed with a shared secret.
type Authenticator struct {
	verifier TokenVerifier
	secret   string
}

// NewAuthenticator accepts a nil verifier or an empty secret, not both
// unless authentication is meant to reject everything.
func NewAuthenticator(verifier TokenVerifier, secret string) *Authenticator {
	return &Authenticator{verifier: verifier, secret: secret}
}

// Configured reports whether any token could ever be accepted.
func (a *Authenticator) Configured() bool {
	return a.verifier != nil || a.secret != ""
}

func (a *Authenticator) Authenticate(tokenString string) (*Identity, error) {
	if !a.Configured() {
		return nil, ErrNotConfigured
	}

	if a.verifier != nil {
		id, err := a.verifier.Verify(tokenString)
		if err == nil {
			return id, nil
		}
		if a.secret == "" {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	id, err := VerifyHMAC(tokenString, a.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return id, nil
}

func (a *Authenticator) Close() error {
	if a.verifier != nil {
		return a.verifier.Close()
	}
	return nil
}
