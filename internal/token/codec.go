// Package token issues and verifies the signed bearer tokens binding a
// client to one session.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 24 * time.Hour

// ErrInvalid is the single error surfaced for any verification failure.
// Expired, malformed, wrong issuer, and bad signature are deliberately
// indistinguishable to the caller.
var ErrInvalid = errors.New("invalid token")

// ErrNoKey reports that no signing key is configured; issuing and
// verifying both fail closed.
var ErrNoKey = errors.New("signing key not configured")

// sessionClaims binds a token to exactly one session id.
type sessionClaims struct {
	SessionID string `json:"sessionId"`
	jwt.RegisteredClaims
}

// Codec signs and verifies session tokens with a shared HMAC key.
type Codec struct {
	key    []byte
	issuer string
	ttl    time.Duration
	// now is swappable in tests; defaults to time.Now.
	now func() time.Time
}

// NewCodec creates a codec. ErrNoKey if key is empty; a non-positive ttl
// means DefaultTTL.
func NewCodec(key []byte, issuer string, ttl time.Duration) (*Codec, error) {
	if len(key) == 0 {
		return nil, ErrNoKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Codec{key: key, issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token embedding the session id with issued-at, not-before,
// and expiry claims.
func (c *Codec) Issue(sessionID string) (string, error) {
	now := c.now().Truncate(time.Second)
	claims := sessionClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
}

// Verify checks signature, algorithm, issuer, and time window, returning
// the embedded session id. All failures collapse to ErrInvalid.
func (c *Codec) Verify(tokenString string) (string, error) {
	claims := &sessionClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return c.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !tok.Valid || claims.SessionID == "" {
		return "", ErrInvalid
	}
	return claims.SessionID, nil
}
