// SPDX-License-Identifier: MPL-2.0

package license

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired short circuits login before any network call.
var ErrTokenExpired = errors.New("license: token expired, log in again")

// TokenClaims is the subset of license token claims the client inspects.
// The signature is the server's concern; the client only reads.
type TokenClaims struct {
	Username  string
	Feature   string
	ExpiresAt time.Time
}

// ReadClaims parses the license JWT without verifying the signature.
func ReadClaims(token string) (*TokenClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse license token: %w", err)
	}

	out := &TokenClaims{}
	if v, ok := claims["username"].(string); ok {
		out.Username = v
	}
	if v, ok := claims["feature"].(string); ok {
		out.Feature = v
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

// Expired reports whether the token is past its expiry. Tokens without an
// exp claim never expire client side.
func (c *TokenClaims) Expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// CheckToken parses the token and fails with ErrTokenExpired when stale.
func CheckToken(token string) (*TokenClaims, error) {
	claims, err := ReadClaims(token)
	if err != nil {
		return nil, err
	}
	if claims.Expired() {
		return nil, ErrTokenExpired
	}
	return claims, nil
}
