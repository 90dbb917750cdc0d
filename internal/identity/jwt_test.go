package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTVerifierAcceptsValidToken(t *testing.T) {
	verifier, err := NewJWTVerifier("secret")
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	expires := time.Now().Add(time.Hour)
	token := signToken(t, "secret", Claims{
		DisplayName: "Casey",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})

	id, err := verifier.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "user-1" {
		t.Fatalf("UserID = %q", id.UserID)
	}
	if id.DisplayName != "Casey" {
		t.Fatalf("DisplayName = %q", id.DisplayName)
	}
	if id.ExpiresAt.Unix() != expires.Unix() {
		t.Fatalf("ExpiresAt = %v, want %v", id.ExpiresAt, expires)
	}
}

func TestJWTVerifierDisplayNameFallsBackToSubject(t *testing.T) {
	verifier, _ := NewJWTVerifier("secret")
	token := signToken(t, "secret", Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-2"},
	})

	id, err := verifier.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.DisplayName != "user-2" {
		t.Fatalf("DisplayName = %q, want subject fallback", id.DisplayName)
	}
}

func TestJWTVerifierRejectsExpiredToken(t *testing.T) {
	verifier, _ := NewJWTVerifier("secret")
	token := signToken(t, "secret", Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})

	_, err := verifier.Verify(context.Background(), token)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("Verify error = %v, want ErrTokenExpired", err)
	}
}

func TestJWTVerifierRejectsWrongSecret(t *testing.T) {
	verifier, _ := NewJWTVerifier("secret")
	token := signToken(t, "other-secret", Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	})

	_, err := verifier.Verify(context.Background(), token)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("Verify error = %v, want ErrTokenInvalid", err)
	}
}

func TestJWTVerifierRejectsMissingSubject(t *testing.T) {
	verifier, _ := NewJWTVerifier("secret")
	token := signToken(t, "secret", Claims{})

	if _, err := verifier.Verify(context.Background(), token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("Verify error = %v, want ErrTokenInvalid", err)
	}
}

func TestJWTVerifierRejectsGarbage(t *testing.T) {
	verifier, _ := NewJWTVerifier("secret")

	for _, token := range []string{"", "   ", "not-a-token"} {
		if _, err := verifier.Verify(context.Background(), token); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("Verify(%q) error = %v, want ErrTokenInvalid", token, err)
		}
	}
}

func TestNewJWTVerifierRequiresSecret(t *testing.T) {
	if _, err := NewJWTVerifier("  "); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
