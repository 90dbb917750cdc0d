// Package ingest bridges the media ingest pipeline into the coordination
// core: publish start/stop hooks flip persisted session state and cascade
// viewer disconnects when a broadcast ends.
package ingest

import (
	"errors"
	"time"

	"streamcast/internal/models"
)

var (
	// ErrUnknownStream indicates the presented stream key matches no
	// registered session.
	ErrUnknownStream = errors.New("ingest: unknown stream key")
	// ErrUnauthorizedPublish indicates the publishing identity does not
	// own the session behind the stream key.
	ErrUnauthorizedPublish = errors.New("ingest: publisher does not own session")
)

// SessionStore is the slice of the session repository the bridge needs.
type SessionStore interface {
	FindByKey(streamKey string) (models.Session, bool)
	GetSession(id string) (models.Session, bool)
	SetLive(id string, live bool, endedAt *time.Time) (models.Session, error)
}

// ViewerCloser cascades a forced disconnect of a session's viewers. The hub
// implements it.
type ViewerCloser interface {
	EndSession(sessionID string)
}
