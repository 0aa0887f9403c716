package auth

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gridlink/gridlink/internal/apperr"
)

// AccountClass describes how long an identity lives.
type AccountClass string

const (
	// ClassEphemeral tokens live for one process lifetime and are never persisted.
	ClassEphemeral AccountClass = "ephemeral"
	// ClassAnonymous is a guest account that survives restart.
	ClassAnonymous AccountClass = "persistent-anonymous"
	// ClassAuthenticated is an account backed by the identity provider.
	ClassAuthenticated AccountClass = "persistent-authenticated"
)

// Persistent reports whether tokens of this class survive restart.
func (c AccountClass) Persistent() bool {
	return c == ClassAnonymous || c == ClassAuthenticated
}

// Claims are the access-token claims issued by the coordinator.
type Claims struct {
	jwt.RegisteredClaims
	AccountType string `json:"account_type,omitempty"` // "guest" | "authenticated"
	Handle      string `json:"handle,omitempty"`
	DisplayName string `json:"name,omitempty"`
	Ephemeral   bool   `json:"ephemeral,omitempty"`
}

// Class derives the account class from the claims.
func (c *Claims) Class() AccountClass {
	if c.Ephemeral {
		return ClassEphemeral
	}
	switch c.AccountType {
	case "authenticated":
		return ClassAuthenticated
	case "guest":
		return ClassAnonymous
	}
	return ClassEphemeral
}

// Token is a decoded access token.
type Token struct {
	Raw         string
	UserID      string
	Class       AccountClass
	Handle      string
	DisplayName string
	ExpiresAt   time.Time
}

// Expired reports whether the token is past expiry at now.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Parser decodes access tokens. With a key it verifies the HMAC signature;
// without one it only decodes, because the coordinator is the verifier of
// record and the client merely needs subject and expiry.
type Parser struct {
	key []byte
}

// NewParser builds a parser. verifyKey is base64 (std) or empty.
func NewParser(verifyKey string) (*Parser, error) {
	if verifyKey == "" {
		return &Parser{}, nil
	}
	key, err := base64.StdEncoding.DecodeString(verifyKey)
	if err != nil {
		return nil, fmt.Errorf("decode verify key: %w", err)
	}
	return &Parser{key: key}, nil
}

// Parse decodes raw. Expiry is not enforced here; the store applies it on read
// so that an expired token is cleared rather than rejected at the door.
func (p *Parser) Parse(raw string) (*Token, error) {
	claims := &Claims{}
	if p.key == nil {
		if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
			return nil, apperr.Wrap(apperr.Invalid, "auth.parse", err)
		}
	} else {
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return p.key, nil
		}, jwt.WithoutClaimsValidation())
		if err != nil {
			return nil, apperr.Wrap(apperr.Invalid, "auth.parse", err)
		}
	}
	if claims.Subject == "" {
		return nil, apperr.E(apperr.Invalid, "auth.parse", "token has no subject")
	}
	tok := &Token{
		Raw:         raw,
		UserID:      claims.Subject,
		Class:       claims.Class(),
		Handle:      claims.Handle,
		DisplayName: claims.DisplayName,
	}
	if claims.ExpiresAt != nil {
		tok.ExpiresAt = claims.ExpiresAt.Time
	}
	return tok, nil
}

// Issue signs a token with key. The client never issues tokens for the
// coordinator; this exists for the test coordinator and local tooling.
func Issue(key []byte, claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}
