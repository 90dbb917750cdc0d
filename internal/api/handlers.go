// Package api exposes the session management REST surface: creating and
// editing sessions, issuing and rotating stream keys, and the administrative
// end operation.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"streamcast/internal/identity"
	"streamcast/internal/ingest"
	"streamcast/internal/models"
	"streamcast/internal/storage"
)

// ViewerCounter reports the live viewer cardinality for a session.
type ViewerCounter interface {
	ViewerCount(sessionID string) int
}

// Handler serves the session REST endpoints.
type Handler struct {
	Store    storage.Repository
	Verifier identity.Verifier
	Follows  identity.FollowChecker
	Bridge   *ingest.Bridge
	Viewers  ViewerCounter
	Logger   *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) follows() identity.FollowChecker {
	if h.Follows != nil {
		return h.Follows
	}
	return identity.AllowAll{}
}

// requireUser resolves the bearer credential on the request. A missing or
// failing credential writes the 401 response itself.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("authorization required"))
		return identity.Identity{}, false
	}
	user, err := h.Verifier.Verify(r.Context(), strings.TrimSpace(parts[1]))
	if err != nil {
		status := http.StatusUnauthorized
		message := "invalid token"
		if errors.Is(err, identity.ErrTokenExpired) {
			message = "token expired"
		}
		writeError(w, status, errors.New(message))
		return identity.Identity{}, false
	}
	return user, true
}

type sessionResponse struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"ownerId"`
	Title     string     `json:"title"`
	Category  string     `json:"category,omitempty"`
	Private   bool       `json:"private"`
	Live      bool       `json:"live"`
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Viewers   int        `json:"viewers"`
}

type createSessionResponse struct {
	sessionResponse
	StreamKey string `json:"streamKey"`
}

func (h *Handler) newSessionResponse(session models.Session) sessionResponse {
	viewers := 0
	if h.Viewers != nil && session.Live {
		viewers = h.Viewers.ViewerCount(session.ID)
	}
	return sessionResponse{
		ID:        session.ID,
		OwnerID:   session.OwnerID,
		Title:     session.Title,
		Category:  session.Category,
		Private:   session.Private,
		Live:      session.Live,
		State:     session.State(),
		CreatedAt: session.CreatedAt,
		StartedAt: session.StartedAt,
		EndedAt:   session.EndedAt,
		Viewers:   viewers,
	}
}

type createSessionRequest struct {
	Title    string `json:"title"`
	Category string `json:"category,omitempty"`
	Private  bool   `json:"private,omitempty"`
}

// CreateSession registers a session owned by the caller. The plaintext
// stream key appears in this response only.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, key, err := h.Store.CreateSession(storage.CreateSessionParams{
		OwnerID:  user.UserID,
		Title:    req.Title,
		Category: req.Category,
		Private:  req.Private,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.logger().Info("session created", "session_id", session.ID, "owner_id", user.UserID)
	writeJSON(w, http.StatusCreated, createSessionResponse{
		sessionResponse: h.newSessionResponse(session),
		StreamKey:       key,
	})
}

// ListSessions enumerates sessions, filtered by ?owner= and ?live=true.
// Private sessions are only listed for their owner.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	liveOnly := strings.EqualFold(r.URL.Query().Get("live"), "true")

	sessions := h.Store.ListSessions(owner, liveOnly)
	responses := make([]sessionResponse, 0, len(sessions))
	for _, session := range sessions {
		if session.Private && session.OwnerID != user.UserID {
			continue
		}
		responses = append(responses, h.newSessionResponse(session))
	}
	writeJSON(w, http.StatusOK, responses)
}

// GetSession returns one session. Private sessions require the caller to be
// the owner or a follower.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	session, ok := h.lookupSession(w, r)
	if !ok {
		return
	}
	if session.Private && session.OwnerID != user.UserID {
		following, err := h.follows().IsFollowing(r.Context(), user.UserID, session.OwnerID)
		if err != nil || !following {
			writeError(w, http.StatusForbidden, fmt.Errorf("session is private"))
			return
		}
	}
	writeJSON(w, http.StatusOK, h.newSessionResponse(session))
}

type updateSessionRequest struct {
	Title    *string `json:"title,omitempty"`
	Category *string `json:"category,omitempty"`
	Private  *bool   `json:"private,omitempty"`
}

// UpdateSession edits session metadata. Owner only.
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.requireOwnedSession(w, r)
	if !ok {
		return
	}
	var req updateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := h.Store.UpdateSession(session.ID, storage.SessionUpdate{
		Title:    req.Title,
		Category: req.Category,
		Private:  req.Private,
	})
	if err != nil {
		writeError(w, sessionErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.newSessionResponse(updated))
}

// EndSession ends a live broadcast administratively, cascading the viewer
// disconnect. Owner only.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.requireOwnedSession(w, r)
	if !ok {
		return
	}
	if h.Bridge == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("ingest bridge unavailable"))
		return
	}
	ended, err := h.Bridge.EndSession(r.Context(), session.ID)
	if err != nil {
		writeError(w, sessionErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.newSessionResponse(ended))
}

type rotateKeyResponse struct {
	sessionResponse
	StreamKey string `json:"streamKey"`
}

// RotateStreamKey replaces the session's stream key. The previous key stops
// matching immediately; the new plaintext appears only in this response.
func (h *Handler) RotateStreamKey(w http.ResponseWriter, r *http.Request) {
	session, ok := h.requireOwnedSession(w, r)
	if !ok {
		return
	}
	updated, key, err := h.Store.RotateStreamKey(session.ID)
	if err != nil {
		writeError(w, sessionErrorStatus(err), err)
		return
	}
	h.logger().Info("stream key rotated", "session_id", session.ID)
	writeJSON(w, http.StatusOK, rotateKeyResponse{
		sessionResponse: h.newSessionResponse(updated),
		StreamKey:       key,
	})
}

// DeleteSession removes an offline session. Owner only.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.requireOwnedSession(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeleteSession(session.ID); err != nil {
		writeError(w, sessionErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *Handler) lookupSession(w http.ResponseWriter, r *http.Request) (models.Session, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("session id is required"))
		return models.Session{}, false
	}
	session, ok := h.Store.GetSession(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", id))
		return models.Session{}, false
	}
	return session, true
}

func (h *Handler) requireOwnedSession(w http.ResponseWriter, r *http.Request) (models.Session, bool) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return models.Session{}, false
	}
	session, ok := h.lookupSession(w, r)
	if !ok {
		return models.Session{}, false
	}
	if session.OwnerID != user.UserID {
		writeError(w, http.StatusForbidden, fmt.Errorf("caller does not own session"))
		return models.Session{}, false
	}
	return session, true
}

func sessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrSessionNotFound), errors.Is(err, ingest.ErrUnknownStream):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrSessionLive):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
