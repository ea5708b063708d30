// Package token signs and verifies the short-lived session tokens that bind
// a matched pair of users to a room for the duration of a socket connection
// (spec.md §4.E).
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultExpiry is used for pool-matched pairs. Friend-chat callers may pass
// a longer (effectively non-expiring) duration.
const DefaultExpiry = 7 * 24 * time.Hour

// Claims is the fixed shape bound into every session token.
type Claims struct {
	SenderID          string `json:"senderId"`
	ReceiverID        string `json:"receiverId"`
	RoomID            string `json:"roomId"`
	SenderUsername    string `json:"senderUsername,omitempty"`
	ReceiverUsername  string `json:"receiverUsername,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies Claims using a shared HMAC secret.
type Issuer struct {
	secret []byte
}

// NewIssuer returns an Issuer bound to the given secret. The secret is the
// single shared key used both to sign and to verify; there is no asymmetric
// key pair here, unlike an externally-issued JWKS-backed token.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Sign produces a compact HS256 token for the given claim, expiring after ttl.
// A ttl of zero uses DefaultExpiry.
func (i *Issuer) Sign(claim Claims, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = DefaultExpiry
	}
	claim.RegisteredClaims = jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claim)
	return tok.SignedString(i.secret)
}

// Verify parses and validates tokenString, returning its Claims.
//
// This is intentionally fail-soft: on ANY failure (malformed token, bad
// signature, expired, missing required fields) it returns a zero-value
// Claims and no error. Callers must reject a zero-value claim via an
// authorization check; Verify itself never panics and never propagates a
// parse error, so the socket layer has one uniform code path for both
// "no token" and "bad token".
func (i *Issuer) Verify(tokenString string) Claims {
	if tokenString == "" {
		return Claims{}
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	})
	if err != nil || tok == nil || !tok.Valid {
		return Claims{}
	}
	if claims.SenderID == "" || claims.ReceiverID == "" || claims.RoomID == "" {
		return Claims{}
	}
	return *claims
}

// IsZero reports whether c is the zero-value claim Verify returns on failure.
func (c Claims) IsZero() bool {
	return c.SenderID == "" && c.ReceiverID == "" && c.RoomID == ""
}
