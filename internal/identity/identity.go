// Package identity mints and verifies the relay's identifiers: UUIDs,
// six-digit access codes and the signed session tokens every request
// must carry.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kenneth/dragondrop/internal/apierr"
)

// TokenLifetime bounds token validity. Verification rejects any token
// whose iat is older than this, regardless of the embedded exp.
const TokenLifetime = 5 * time.Minute

// Claims are the signed token payload. Timestamps are Unix
// milliseconds; aud is the session id and sub the user id.
type Claims struct {
	Audience  string `json:"aud"`
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	IsHost    bool   `json:"is_host"`
}

// The millisecond timestamps are not jwt NumericDates, so the library's
// own time validation is bypassed; Verify checks iat by hand.

func (c Claims) GetExpirationTime() (*jwt.NumericDate, error) { return nil, nil }
func (c Claims) GetIssuedAt() (*jwt.NumericDate, error)       { return nil, nil }
func (c Claims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (c Claims) GetIssuer() (string, error)                   { return "", nil }
func (c Claims) GetSubject() (string, error)                  { return c.Subject, nil }
func (c Claims) GetAudience() (jwt.ClaimStrings, error) {
	return jwt.ClaimStrings{c.Audience}, nil
}

// User identifies an authenticated session member.
type User struct {
	ID     string
	IsHost bool
}

// Tokens issues and verifies session tokens with a process-wide secret.
type Tokens struct {
	secret []byte
}

// NewTokens creates a token authority. The secret must not be empty.
func NewTokens(secret string) (*Tokens, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret is empty")
	}
	return &Tokens{secret: []byte(secret)}, nil
}

// Issue mints a signed token binding userID to sessionID. Host tokens
// are only issued on session creation; host rebind issues none.
func (t *Tokens) Issue(sessionID, userID string, isHost bool) (string, error) {
	now := NowMillis()
	claims := Claims{
		Audience:  sessionID,
		Subject:   userID,
		IssuedAt:  now,
		ExpiresAt: now + TokenLifetime.Milliseconds(),
		IsHost:    isHost,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", apierr.Internal("failed to create jwt")
	}
	return signed, nil
}

// Verify parses and validates a token, enforcing HS256 and the
// five-minute iat window.
func (t *Tokens) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (interface{}, error) {
		if tok.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, apierr.Unauthorized("failed to decode jwt")
	}
	if NowMillis()-claims.IssuedAt > TokenLifetime.Milliseconds() {
		return nil, apierr.Unauthorized("jwt expired")
	}
	return claims, nil
}

// VerifyHeader extracts the bearer token from an Authorization header
// and verifies it.
func (t *Tokens) VerifyHeader(h http.Header) (*Claims, error) {
	auth := h.Get("Authorization")
	if auth == "" {
		return nil, apierr.BadRequest("authorization header not found")
	}
	parts := strings.Split(auth, " ")
	return t.Verify(parts[len(parts)-1])
}

// RequireHost verifies the caller's token and requires a host claim
// bound to sessionID.
func (t *Tokens) RequireHost(h http.Header, sessionID string) (*Claims, error) {
	claims, err := t.VerifyHeader(h)
	if err != nil {
		return nil, err
	}
	if claims.Audience != sessionID {
		return nil, apierr.Unauthorized("invalid session id")
	}
	if !claims.IsHost {
		return nil, apierr.Unauthorized("permission denied")
	}
	return claims, nil
}

// RequireMember verifies the caller's token for sessionID and returns
// the authenticated user.
func (t *Tokens) RequireMember(h http.Header, sessionID string) (*User, error) {
	claims, err := t.VerifyHeader(h)
	if err != nil {
		return nil, err
	}
	if claims.Audience != sessionID {
		return nil, apierr.Unauthorized("invalid session id")
	}
	return &User{ID: claims.Subject, IsHost: claims.IsHost}, nil
}

// NewUUID returns a string-rendered v4 UUID.
func NewUUID() string {
	return uuid.NewString()
}

// NewAccessCode returns a zero-padded six-digit code in [1, 999999].
func NewAccessCode() string {
	return fmt.Sprintf("%06d", rand.Intn(999999)+1)
}

// SHA256Hex hashes the UTF-8 bytes of s to lowercase hex.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// NowMillis returns the current Unix time in milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
