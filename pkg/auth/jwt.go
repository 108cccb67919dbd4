// Package auth handles the bearer token issued by the device's login endpoint.
//
// The device may hand out either a JWT or an opaque string. JWT claims are
// read without signature verification on the client side, only to learn the
// expiry; opaque tokens are treated as never expiring.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrEmptyToken is returned when a token string is empty.
var ErrEmptyToken = errors.New("token is empty")

// Claims represents the claims carried by a device-issued JWT.
type Claims struct {
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ParseUnverified decodes a JWT without verifying its signature.
// The client never holds the device's signing key, so this is only used to
// read expiry and subject.
func ParseUnverified(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrEmptyToken
	}

	if strings.Count(tokenString, ".") != 2 {
		return nil, fmt.Errorf("invalid JWT format: expected 3 parts, got %d", strings.Count(tokenString, ".")+1)
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	return claims, nil
}

// Verify parses an HMAC-signed JWT and checks its signature and time claims.
func Verify(tokenString, secretKey string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrEmptyToken
	}

	if secretKey == "" {
		return nil, fmt.Errorf("secret key is required for token verification")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		return []byte(secretKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

// Issue signs a new HS256 token for username valid for ttl.
func Issue(username, secretKey string, ttl time.Duration) (string, error) {
	if secretKey == "" {
		return "", fmt.Errorf("secret key is required for signing")
	}

	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// Expiry returns the expiration time, or the zero time when the token has none.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}

	return c.ExpiresAt.Time
}

// IsExpired reports whether the token carries an expiry that has passed.
func (c *Claims) IsExpired() bool {
	exp := c.Expiry()
	return !exp.IsZero() && time.Now().After(exp)
}

// ExpiresIn returns the duration until expiration (0 when there is no expiry).
func (c *Claims) ExpiresIn() time.Duration {
	exp := c.Expiry()
	if exp.IsZero() {
		return 0
	}

	return time.Until(exp)
}
