package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload the Identity Service signs for platform users.
type Claims struct {
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed bearer tokens locally using the Identity
// Service's shared signing secret. It covers deployments where the identity
// collaborator hands out symmetric-key JWTs instead of exposing a remote
// verification endpoint.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier constructs a verifier for the provided signing secret.
func NewJWTVerifier(secret string) (*JWTVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("identity: signing secret is required")
	}
	return &JWTVerifier{secret: []byte(secret), now: time.Now}, nil
}

// Verify checks the token signature and expiry and resolves the subject.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Identity{}, ErrTokenInvalid
	}
	parsed, err := jwt.ParseWithClaims(trimmed, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Identity{}, ErrTokenInvalid
	}
	identity := Identity{UserID: claims.Subject, DisplayName: claims.DisplayName}
	if identity.DisplayName == "" {
		identity.DisplayName = claims.Subject
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}
