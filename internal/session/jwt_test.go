package session

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestJWT(t *testing.T, now func() time.Time) *JWTAuthenticator {
	t.Helper()
	a, err := NewJWTAuthenticator(testKey, JWTOptions{TTL: time.Hour, Now: now})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestNewJWTAuthenticator_ShortKey(t *testing.T) {
	if _, err := NewJWTAuthenticator([]byte("short"), JWTOptions{}); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestJWT_SignVerifyRoundTrip(t *testing.T) {
	now := time.Now()
	a := newTestJWT(t, func() time.Time { return now })

	raw, p, err := a.Sign("user-42")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	got, err := a.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.UserID != "user-42" || got.SessionID != p.SessionID {
		t.Fatalf("principal = %+v, issued %+v", got, p)
	}
	if !got.ExpiresAt.Equal(p.ExpiresAt) {
		t.Fatalf("exp = %v, want %v", got.ExpiresAt, p.ExpiresAt)
	}
}

func TestJWT_Rejects(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	a := newTestJWT(t, clock)
	raw, _, err := a.Sign("user-42")
	if err != nil {
		t.Fatal(err)
	}

	other, _ := NewJWTAuthenticator([]byte("ffffffffffffffffffffffffffffffff"), JWTOptions{Now: clock})
	foreign, _, _ := other.Sign("user-42")

	otherIssuer, _ := NewJWTAuthenticator(testKey, JWTOptions{Issuer: "someone-else", Now: clock})
	wrongIss, _, _ := otherIssuer.Sign("user-42")

	parts := strings.Split(raw, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	tests := []struct {
		name string
		raw  string
	}{
		{"garbage", "not-a-jwt"},
		{"wrong key", foreign},
		{"wrong issuer", wrongIss},
		{"tampered payload", tampered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.Verify(tt.raw); !errors.Is(err, ErrInvalidSession) {
				t.Fatalf("err = %v, want ErrInvalidSession", err)
			}
		})
	}
}

func TestJWT_Expired(t *testing.T) {
	now := time.Now()
	a := newTestJWT(t, func() time.Time { return now })
	raw, _, err := a.Sign("user-42")
	if err != nil {
		t.Fatal(err)
	}

	later := newTestJWT(t, func() time.Time { return now.Add(2 * time.Hour) })
	if _, err := later.Verify(raw); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("err = %v, want ErrInvalidSession", err)
	}
}

func TestJWT_Authenticate(t *testing.T) {
	a := newTestJWT(t, nil)
	raw, _, err := a.Sign("user-7")
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodPost, "/api/gyms", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: raw})
	p, err := a.Authenticate(r)
	if err != nil || p.UserID != "user-7" {
		t.Fatalf("cookie auth: p=%+v err=%v", p, err)
	}

	r = httptest.NewRequest(http.MethodPost, "/api/gyms", nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	if p, err := a.Authenticate(r); err != nil || p.UserID != "user-7" {
		t.Fatalf("bearer auth: p=%+v err=%v", p, err)
	}

	r = httptest.NewRequest(http.MethodPost, "/api/gyms", nil)
	if _, err := a.Authenticate(r); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestJWT_SignRequiresUser(t *testing.T) {
	a := newTestJWT(t, nil)
	if _, _, err := a.Sign(""); err == nil {
		t.Fatal("expected error for empty user id")
	}
}
