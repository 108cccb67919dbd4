package auth

import "time"

// Session is the bearer token currently held by a client.
// The zero value is an unauthenticated session.
type Session struct {
	Token  string
	Claims *Claims // nil for opaque tokens
}

// NewSession wraps a token, decoding JWT claims when the token is a JWT.
func NewSession(token string) Session {
	s := Session{Token: token}
	if token == "" {
		return s
	}

	if claims, err := ParseUnverified(token); err == nil {
		s.Claims = claims
	}

	return s
}

// Authenticated reports whether a usable token is held.
func (s Session) Authenticated() bool {
	return s.Token != "" && !s.Expired()
}

// Expired reports whether the token is a JWT past its expiry.
func (s Session) Expired() bool {
	return s.Claims != nil && s.Claims.IsExpired()
}

// Expiry returns the token expiry, or the zero time when unknown.
func (s Session) Expiry() time.Time {
	if s.Claims == nil {
		return time.Time{}
	}

	return s.Claims.Expiry()
}

// AuthorizationHeader returns the Authorization header value, or "" when
// the session is not authenticated.
func (s Session) AuthorizationHeader() string {
	if !s.Authenticated() {
		return ""
	}

	return "Bearer " + s.Token
}
