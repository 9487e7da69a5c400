package session

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/keithlinneman/gymgate/internal/xerrors"
)

// MinKeyLen is the shortest accepted HS256 signing key.
const MinKeyLen = 32

// JWTOptions configures a JWTAuthenticator.
type JWTOptions struct {
	// Issuer is set on issued tokens and required on verified ones. Default "gymgate".
	Issuer string

	// TTL of issued tokens. Default 24h.
	TTL time.Duration

	// Skew tolerated on exp/iat checks. Default 30s.
	Skew time.Duration

	// Now overrides time.Now.
	Now func() time.Time
}

// JWTAuthenticator verifies HS256 session tokens. The subject claim is the
// user id and the jti claim the session id.
type JWTAuthenticator struct {
	key    []byte
	issuer string
	ttl    time.Duration
	skew   time.Duration
	now    func() time.Time
}

func NewJWTAuthenticator(key []byte, opts JWTOptions) (*JWTAuthenticator, error) {
	if len(key) < MinKeyLen {
		return nil, xerrors.Newf("session: signing key must be at least %d bytes (got %d)", MinKeyLen, len(key))
	}
	a := &JWTAuthenticator{
		key:    append([]byte(nil), key...),
		issuer: opts.Issuer,
		ttl:    opts.TTL,
		skew:   opts.Skew,
		now:    opts.Now,
	}
	if a.issuer == "" {
		a.issuer = "gymgate"
	}
	if a.ttl <= 0 {
		a.ttl = 24 * time.Hour
	}
	if a.skew <= 0 {
		a.skew = 30 * time.Second
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// Sign issues a session token for userID.
func (a *JWTAuthenticator) Sign(userID string) (string, Principal, error) {
	if userID == "" {
		return "", Principal{}, xerrors.New("session: user id is required")
	}
	now := a.now().Truncate(time.Second)
	p := Principal{
		UserID:    userID,
		SessionID: uuid.NewString(),
		ExpiresAt: now.Add(a.ttl),
	}
	tok, err := jwt.NewBuilder().
		Issuer(a.issuer).
		Subject(p.UserID).
		JwtID(p.SessionID).
		IssuedAt(now).
		Expiration(p.ExpiresAt).
		Build()
	if err != nil {
		return "", Principal{}, xerrors.Wrap(err, "build session token")
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, a.key))
	if err != nil {
		return "", Principal{}, xerrors.Wrap(err, "sign session token")
	}
	return string(signed), p, nil
}

// Verify parses and validates a token string.
func (a *JWTAuthenticator) Verify(raw string) (Principal, error) {
	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, a.key),
		jwt.WithValidate(true),
		jwt.WithIssuer(a.issuer),
		jwt.WithClock(jwt.ClockFunc(a.now)),
		jwt.WithAcceptableSkew(a.skew),
	)
	if err != nil {
		return Principal{}, xerrors.Join(ErrInvalidSession, err)
	}
	if tok.Subject() == "" {
		return Principal{}, xerrors.Join(ErrInvalidSession, xerrors.New("token has no subject"))
	}
	return Principal{
		UserID:    tok.Subject(),
		SessionID: tok.JwtID(),
		ExpiresAt: tok.Expiration(),
	}, nil
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	raw, err := TokenFromRequest(r)
	if err != nil {
		return Principal{}, err
	}
	return a.Verify(raw)
}
