// Package session resolves the authenticated user behind a request.
//
// Two backends are provided: signed JWT session tokens that need no storage,
// and opaque tokens looked up in the sessions table. Both accept the token
// from the session cookie or an Authorization: Bearer header.
package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/keithlinneman/gymgate/internal/httpmw"
)

const CookieName = "session-token"

var (
	// ErrNoSession means the request carried no session token at all.
	ErrNoSession = errors.New("session: no session token")

	// ErrInvalidSession means a token was present but is unknown, expired
	// or fails verification.
	ErrInvalidSession = errors.New("session: invalid session")
)

// Principal is the authenticated caller.
type Principal struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

// Authenticator resolves the principal of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (Principal, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (Principal, error) { return f(r) }

// TokenFromRequest returns the session token from the cookie, falling back
// to a Bearer authorization header.
func TokenFromRequest(r *http.Request) (string, error) {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		if tok := strings.TrimSpace(h[len(prefix):]); tok != "" {
			return tok, nil
		}
	}
	return "", ErrNoSession
}

// SetCookie writes the session cookie.
func SetCookie(w http.ResponseWriter, token string, expires time.Time, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// WriteUnauthorized writes the 401 response for a failed authentication.
func WriteUnauthorized(w http.ResponseWriter) {
	httpmw.WriteError(w, http.StatusUnauthorized, "unauthorized")
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// UserIDFromContext returns the authenticated user id, or "" if none.
func UserIDFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.UserID
}
