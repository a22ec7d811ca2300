package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("test-secret", "coderspae")

	token, err := v.Issue("alice", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	got, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got != "alice" {
		t.Errorf("user = %q, want alice", got)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("test-secret", "coderspae")

	expired, _ := v.Issue("alice", -time.Minute)
	otherKey, _ := NewVerifier("other-secret", "coderspae").Issue("alice", time.Minute)
	otherIssuer, _ := NewVerifier("test-secret", "someone-else").Issue("alice", time.Minute)
	badUser, _ := v.Issue("al_ice", time.Minute)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "alice"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"expired", expired, ErrExpiredToken},
		{"wrong key", otherKey, ErrInvalidToken},
		{"wrong issuer", otherIssuer, ErrInvalidToken},
		{"underscore user", badUser, ErrInvalidToken},
		{"alg none", none, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !errors.Is(err, tt.want) {
				t.Errorf("Verify() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header string
		url    string
		want   string
	}{
		{"bearer header", "Bearer abc", "/ws", "abc"},
		{"query param", "", "/ws?token=xyz", "xyz"},
		{"header wins", "Bearer abc", "/ws?token=xyz", "abc"},
		{"wrong scheme", "Basic abc", "/ws?token=xyz", ""},
		{"nothing", "", "/ws", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := TokenFromRequest(r); got != tt.want {
				t.Errorf("TokenFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUserContext(t *testing.T) {
	if _, ok := UserFrom(context.Background()); ok {
		t.Fatal("empty context has a user")
	}
	id, ok := UserFrom(WithUser(context.Background(), "bob"))
	if !ok || id != "bob" {
		t.Errorf("UserFrom() = %q, %v", id, ok)
	}
}
