package models

import "time"

// LiveState enumerates the lifecycle states of a broadcast session.
const (
	LiveStateOffline = "offline"
	LiveStateLive    = "live"
)

// Session is one logical live broadcast instance. The stream key presented by
// the encoder is never stored in the clear; only its derived hash is kept.
type Session struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"ownerId"`
	Title         string     `json:"title"`
	Category      string     `json:"category,omitempty"`
	Private       bool       `json:"private"`
	Live          bool       `json:"live"`
	StreamKeyHash string     `json:"-"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
}

// State reports the session lifecycle state derived from the live flag.
func (s Session) State() string {
	if s.Live {
		return LiveStateLive
	}
	return LiveStateOffline
}
