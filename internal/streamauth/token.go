// Package streamauth issues and verifies the short-lived tokens that
// authorize a carrier media socket for one call.
package streamauth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TokenTTL is the lifetime of a stream token. The carrier opens the socket
// within seconds of receiving the document, so this only needs to cover
// the greeting.
const TokenTTL = 3 * time.Minute

const issuer = "frontdesk"

var (
	// ErrInvalidToken is returned for malformed, forged or expired tokens.
	ErrInvalidToken = errors.New("invalid or expired stream token")
	// ErrCallMismatch is returned when a valid token was issued for another call.
	ErrCallMismatch = errors.New("stream token issued for a different call")
)

// Claims are the JWT claims of a stream token. The subject is the call id.
type Claims struct {
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 stream tokens.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a Signer using secret and the default TTL.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, ttl: TokenTTL, now: time.Now}
}

// Issue creates a signed token bound to callSid.
func (s *Signer) Issue(callSid string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    issuer,
			Subject:   callSid,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing stream token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks that tokenString is a valid, unexpired token for callSid.
func (s *Signer) Verify(tokenString, callSid string) error {
	if tokenString == "" {
		return ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		slog.Debug("stream auth: invalid jwt", "error", err)
		return ErrInvalidToken
	}
	if claims.Issuer != issuer {
		return ErrInvalidToken
	}
	if claims.Subject != callSid {
		return ErrCallMismatch
	}
	return nil
}
