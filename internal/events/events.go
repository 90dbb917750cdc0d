// Package events distributes session lifecycle notifications to interested
// consumers, either in-process or through Redis Streams for multi-node
// deployments.
package events

import (
	"strings"
	"time"
)

// Event types emitted by the ingest bridge.
const (
	TypeSessionLive  = "session_live"
	TypeSessionEnded = "session_ended"
)

// Event describes a lifecycle transition for a single session.
type Event struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"sessionId"`
	OwnerID    string    `json:"ownerId"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Validate reports whether the event carries the required fields.
func (e Event) Validate() bool {
	if strings.TrimSpace(e.SessionID) == "" {
		return false
	}
	return e.Type == TypeSessionLive || e.Type == TypeSessionEnded
}
