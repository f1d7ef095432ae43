// Package auth issues and verifies the HS256 tokens clients present when
// opening a realtime connection.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Tokens struct {
	secret []byte
	ttl    time.Duration
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl}
}

// Sign issues a token binding the subject (client identity) to a tenant.
func (t *Tokens) Sign(subject, tenant string) (string, error) {
	claims := jwt.MapClaims{
		"sub":    subject,
		"tenant": tenant,
		"iat":    time.Now().Unix(),
		"exp":    time.Now().Add(t.ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(t.secret)
}

// Verify checks the token and returns the tenant it is scoped to.
func (t *Tokens) Verify(tokenStr string) (tenant string, err error) {
	tok, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil || !tok.Valid {
		return "", errors.New("invalid token")
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	raw, ok := claims["tenant"]
	if !ok {
		return "", errors.New("missing tenant claim")
	}
	tenant, ok = raw.(string)
	if !ok || tenant == "" {
		return "", errors.New("invalid tenant claim")
	}
	return tenant, nil
}
