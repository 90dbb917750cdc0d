// Package testsupport provides in-memory collaborator doubles shared by
// package tests.
package testsupport

import (
	"context"
	"sync"

	"streamcast/internal/identity"
)

// VerifierStub resolves fixed tokens to fixed identities.
type VerifierStub struct {
	mu         sync.RWMutex
	identities map[string]identity.Identity
	err        error
}

// NewVerifierStub initialises an empty stub.
func NewVerifierStub() *VerifierStub {
	return &VerifierStub{identities: make(map[string]identity.Identity)}
}

// Register maps a token to the identity it should resolve to.
func (v *VerifierStub) Register(token string, id identity.Identity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.identities[token] = id
}

// Fail makes every Verify call return err.
func (v *VerifierStub) Fail(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.err = err
}

// Verify implements identity.Verifier.
func (v *VerifierStub) Verify(ctx context.Context, token string) (identity.Identity, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.err != nil {
		return identity.Identity{}, v.err
	}
	id, ok := v.identities[token]
	if !ok {
		return identity.Identity{}, identity.ErrTokenInvalid
	}
	return id, nil
}

// FollowsStub answers follow queries from a fixed pair set.
type FollowsStub struct {
	mu    sync.RWMutex
	pairs map[[2]string]bool
}

// NewFollowsStub initialises an empty stub; all queries report not following.
func NewFollowsStub() *FollowsStub {
	return &FollowsStub{pairs: make(map[[2]string]bool)}
}

// SetFollowing records whether userID follows ownerID.
func (f *FollowsStub) SetFollowing(userID, ownerID string, following bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairs[[2]string{userID, ownerID}] = following
}

// IsFollowing implements identity.FollowChecker.
func (f *FollowsStub) IsFollowing(ctx context.Context, userID, ownerID string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.pairs[[2]string{userID, ownerID}], nil
}
