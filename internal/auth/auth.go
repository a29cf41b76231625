// Package auth is the gate every connection and administrative request
// passes before touching the registry. Verification is pure: it can run
// once per connection on the signaling path and once per request on the
// administrative path.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openrelay/signaling/internal/core"
)

// Identity is a verified token's decoded subject.
type Identity struct {
	Subject   string
	ExpiresAt time.Time
}

type Gate struct {
	secret   []byte
	username string
	password string
	ttl      time.Duration
}

func NewGate(secret, username, password string, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Gate{secret: []byte(secret), username: username, password: password, ttl: ttl}
}

// Issue checks the credentials and returns a signed bearer token.
func (g *Gate) Issue(username, password string) (string, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(g.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(g.password)) == 1
	if !userOK || !passOK {
		return "", core.ErrUnauthorized
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
	})
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Authenticate verifies signature and expiry and returns the identity.
// Any failure collapses to ErrUnauthorized; callers never learn why.
func (g *Gate) Authenticate(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, core.ErrUnauthorized
	}
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return g.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, core.ErrUnauthorized
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return Identity{}, core.ErrUnauthorized
	}
	id := Identity{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}
