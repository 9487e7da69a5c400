// Package csrf implements the double-submit cookie check for state-changing
// requests.
//
// A client fetches a token from the token endpoint, which also sets it as an
// httpOnly cookie. On every mutating request the client echoes the token in
// the X-CSRF-Token header. A cross-site form can make the browser send the
// cookie but cannot read it to fill the header, so the two only match for
// same-origin callers.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/keithlinneman/gymgate/internal/httpmw"
	"github.com/keithlinneman/gymgate/internal/log"
	"github.com/keithlinneman/gymgate/internal/xerrors"
)

const (
	HeaderName = "X-CSRF-Token"
	CookieName = "csrf-token"

	// tokenBytes is the random token length before hex encoding
	tokenBytes = 32
)

var (
	ErrMissingHeader = errors.New("csrf: token header missing")
	ErrMissingCookie = errors.New("csrf: token cookie missing")
	ErrMismatch      = errors.New("csrf: token mismatch")
)

// Reason returns a short label for err, used as a metrics label.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingHeader):
		return "missing_header"
	case errors.Is(err, ErrMissingCookie):
		return "missing_cookie"
	case errors.Is(err, ErrMismatch):
		return "mismatch"
	default:
		return "unknown"
	}
}

// Options configures a Guard. The zero value is usable.
type Options struct {
	// ExemptPrefixes lists path prefixes that skip the check, such as
	// signed webhook callbacks. Defaults to /api/webhooks/.
	ExemptPrefixes []string

	// Secure marks the cookie Secure. Leave false only for local http.
	Secure bool

	// CookiePath defaults to "/".
	CookiePath string

	// MaxAge of the issued cookie. Defaults to 12h.
	MaxAge time.Duration

	// OnDenied is called for every rejected request with the reason label.
	OnDenied func(reason string)
}

// Guard checks and issues double-submit tokens.
type Guard struct {
	exempt     []string
	secure     bool
	cookiePath string
	maxAge     time.Duration
	onDenied   func(reason string)
}

func New(opts Options) *Guard {
	g := &Guard{
		exempt:     opts.ExemptPrefixes,
		secure:     opts.Secure,
		cookiePath: opts.CookiePath,
		maxAge:     opts.MaxAge,
		onDenied:   opts.OnDenied,
	}
	if g.exempt == nil {
		g.exempt = []string{"/api/webhooks/"}
	}
	if g.cookiePath == "" {
		g.cookiePath = "/"
	}
	if g.maxAge <= 0 {
		g.maxAge = 12 * time.Hour
	}
	return g
}

// Mutating reports whether method changes state and needs a token.
func Mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Exempt reports whether r skips the check entirely.
func (g *Guard) Exempt(r *http.Request) bool {
	if !Mutating(r.Method) {
		return true
	}
	for _, p := range g.exempt {
		if strings.HasPrefix(r.URL.Path, p) {
			return true
		}
	}
	return false
}

// Check validates the token pair on r. It returns nil for exempt requests.
func (g *Guard) Check(r *http.Request) error {
	if g.Exempt(r) {
		return nil
	}
	err := Verify(r)
	if err != nil && g.onDenied != nil {
		g.onDenied(Reason(err))
	}
	return err
}

// Verify compares the header token with the cookie token in constant time.
// It does not consider the method or path.
func Verify(r *http.Request) error {
	header := r.Header.Get(HeaderName)
	if header == "" {
		return ErrMissingHeader
	}
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return ErrMissingCookie
	}
	// ConstantTimeCompare returns early on length mismatch, which only leaks
	// the length of a public-format token
	if subtle.ConstantTimeCompare([]byte(header), []byte(c.Value)) != 1 {
		return ErrMismatch
	}
	return nil
}

// Middleware rejects mutating requests without a valid token pair with 403.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.Check(r); err != nil {
			WriteForbidden(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WriteForbidden writes the 403 response for a failed check. The reason is
// not disclosed to the client.
func WriteForbidden(w http.ResponseWriter) {
	httpmw.WriteError(w, http.StatusForbidden, "invalid csrf token")
}

// NewToken returns a fresh random token.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", xerrors.Wrap(err, "read csrf token entropy")
	}
	return hex.EncodeToString(b), nil
}

// Issue mints a new token and sets it as the cookie on w. An existing
// cookie is never reused, since a sibling subdomain can plant one.
func (g *Guard) Issue(w http.ResponseWriter) (string, error) {
	tok, err := NewToken()
	if err != nil {
		return "", err
	}
	g.setCookie(w, tok)
	return tok, nil
}

func (g *Guard) setCookie(w http.ResponseWriter, tok string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    tok,
		Path:     g.cookiePath,
		MaxAge:   int(g.maxAge / time.Second),
		HttpOnly: true,
		Secure:   g.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

type tokenResponse struct {
	CSRFToken string `json:"csrfToken"`
}

// TokenHandler serves GET requests for a token. The response must not be cached.
func (g *Guard) TokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, err := g.Issue(w)
		if err != nil {
			log.FromContext(r.Context()).Error(r.Context(), err, "issue csrf token")
			httpmw.WriteError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(tokenResponse{CSRFToken: tok})
	})
}
