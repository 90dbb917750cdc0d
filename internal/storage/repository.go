package storage

import (
	"context"
	"time"

	"streamcast/internal/models"
)

// Repository exposes the session-store operations required by API handlers,
// the realtime hub, and the ingest bridge.
type Repository interface {
	Ping(ctx context.Context) error

	// CreateSession registers a new offline session and returns it along
	// with the one-time plaintext stream key.
	CreateSession(params CreateSessionParams) (models.Session, string, error)
	GetSession(id string) (models.Session, bool)
	// FindByKey resolves an encoder-presented stream key to its session by
	// verifying the candidate against each stored key hash.
	FindByKey(streamKey string) (models.Session, bool)
	// SetLive flips the session live flag. Going live clears any previous
	// end time and stamps the start; going offline records endedAt.
	SetLive(id string, live bool, endedAt *time.Time) (models.Session, error)
	UpdateSession(id string, update SessionUpdate) (models.Session, error)
	ListSessions(ownerID string, liveOnly bool) []models.Session
	RotateStreamKey(id string) (models.Session, string, error)
	DeleteSession(id string) error
}

var _ Repository = (*Storage)(nil)
