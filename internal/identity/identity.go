// Package identity wraps the external Identity Service contract: bearer
// credential verification and follow-graph lookups. The core never issues
// tokens; it only consumes them.
package identity

import (
	"context"
	"errors"
	"time"
)

// Identity is the resolved principal behind a verified credential.
type Identity struct {
	UserID      string
	DisplayName string
	ExpiresAt   time.Time
}

var (
	// ErrTokenInvalid indicates the credential is malformed or its
	// signature does not verify.
	ErrTokenInvalid = errors.New("identity: token invalid")
	// ErrTokenExpired indicates the credential verified but is past its
	// expiry.
	ErrTokenExpired = errors.New("identity: token expired")
)

// Verifier validates a bearer credential and resolves it to an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// FollowChecker answers whether a user follows a broadcaster. Private
// sessions admit followers only.
type FollowChecker interface {
	IsFollowing(ctx context.Context, userID, ownerID string) (bool, error)
}

// AllowAll is a FollowChecker that admits everyone. It is used when no
// follow-graph source is configured and in tests that do not exercise
// private sessions.
type AllowAll struct{}

// IsFollowing always reports true.
func (AllowAll) IsFollowing(ctx context.Context, userID, ownerID string) (bool, error) {
	return true, nil
}
