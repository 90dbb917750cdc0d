package storage

import (
	"errors"

	"streamcast/internal/models"
)

const (
	// MaxSessionTitleLength bounds the session title accepted at creation.
	MaxSessionTitleLength = 100
	// MaxSessionCategoryLength bounds the category label accepted at creation.
	MaxSessionCategoryLength = 64
)

var (
	// ErrSessionNotFound indicates the requested session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStreamKeyMismatch indicates a candidate stream key did not verify
	// against a stored hash.
	ErrStreamKeyMismatch = errors.New("stream key mismatch")
	// ErrSessionLive rejects destructive operations on a live session.
	ErrSessionLive = errors.New("session is live")
)

type dataset struct {
	Sessions map[string]models.Session `json:"sessions"`
}

// CreateSessionParams captures the attributes set when registering a session.
type CreateSessionParams struct {
	OwnerID  string
	Title    string
	Category string
	Private  bool
}

// SessionUpdate describes the mutable metadata fields of a session.
type SessionUpdate struct {
	Title    *string
	Category *string
	Private  *bool
}
