package bowpi

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Envelope is the response wrapper used by every Bowpi endpoint.
// Data carries the opaque encrypted token on success and is empty or
// absent otherwise.
type Envelope struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

// loginRequest is the wire body for POST /auth/login. Application and
// IsCheckVersion are fixed by the backend contract.
type loginRequest struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	Application    string `json:"application"`
	IsCheckVersion bool   `json:"isCheckVersion"`
}

// refreshRequest is the wire body for POST /auth/token/refresh.
type refreshRequest struct {
	Token       string `json:"token"`
	Application string `json:"application"`
}

// UserProfile is the domain half of the decrypted claim set: who the
// user is inside the lending organization. RequestID doubles as the
// session identifier and is what the server-side invalidation endpoint
// keys on.
type UserProfile struct {
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Names       string   `json:"names"`
	LastNames   string   `json:"lastNames"`
	AgencyCode  string   `json:"agencyCode,omitempty"`
	Position    string   `json:"position,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	RequestID   string   `json:"requestId"`
}

// TokenData is the decrypted claim set issued by Bowpi: the standard
// registered claims plus the domain profile. Treat values as immutable
// once decrypted.
type TokenData struct {
	jwt.RegisteredClaims
	Profile UserProfile `json:"userProfile"`
}

// SessionID returns the canonical session identifier.
func (t *TokenData) SessionID() string {
	return t.Profile.RequestID
}

// ExpiresAtTime returns the expiry instant and whether the token
// carries one at all.
func (t *TokenData) ExpiresAtTime() (time.Time, bool) {
	if t.ExpiresAt == nil {
		return time.Time{}, false
	}

	return t.ExpiresAt.Time, true
}

// ExpiredAt reports whether the token is expired at the given instant.
// Tokens without an expiry claim never expire locally.
func (t *TokenData) ExpiredAt(now time.Time) bool {
	exp, ok := t.ExpiresAtTime()
	if !ok {
		return false
	}

	return now.After(exp)
}
