package idgen

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer is the fixed issuer string stamped into every session token,
// and checked on verification.
const TokenIssuer = "cli-auth-backend"

// SessionTokenTTL is the signed session token's fixed lifetime.
const SessionTokenTTL = 30 * 24 * time.Hour

// SessionClaims is the payload of a signed agent session token.
type SessionClaims struct {
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	DeviceID string `json:"deviceId"`
	jwt.RegisteredClaims
}

// Signer signs and verifies HS256 session tokens against a single shared
// secret, matching the spec's "HMAC-SHA-256 over a configured secret."
type Signer struct {
	secret []byte
}

// NewSigner builds a Signer from the server's configured JWT secret.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("idgen: signer secret must not be empty")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign mints a session token for the given user/device, issued now and
// expiring after SessionTokenTTL.
func (s *Signer) Sign(userID, email, deviceID string, now time.Time) (string, error) {
	claims := SessionClaims{
		UserID:   userID,
		Email:    email,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("idgen: sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer, and expiry. It never returns an error to
// the caller's knowledge beyond "invalid" - a tampered, mis-issued, or
// expired token and a malformed one are indistinguishable to the registry,
// matching the spec's "returns null, never throws into the registry."
func (s *Signer) Verify(tokenString string, now time.Time) (SessionClaims, bool) {
	var claims SessionClaims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("idgen: unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil || !parsed.Valid {
		return SessionClaims{}, false
	}
	if claims.Issuer != TokenIssuer {
		return SessionClaims{}, false
	}
	if claims.UserID == "" {
		return SessionClaims{}, false
	}
	return claims, true
}
