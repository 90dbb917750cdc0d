// Package hub implements the live-session coordination core: it admits
// authenticated viewer and broadcaster sockets, tracks per-session presence,
// relays chat, and cascades forced disconnects when a broadcast ends.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"streamcast/internal/identity"
	"streamcast/internal/models"
	"streamcast/internal/observability/metrics"
)

const maxChatRunes = 500

// SessionStore exposes the read-only session lookup the hub needs at
// admission time.
type SessionStore interface {
	GetSession(id string) (models.Session, bool)
}

// Config configures a Hub.
type Config struct {
	Store    SessionStore
	Verifier identity.Verifier
	Follows  identity.FollowChecker
	Logger   *slog.Logger
	Metrics  *metrics.Recorder

	// AuthTimeout bounds how long an upgraded socket may wait before its
	// first (credential) message arrives.
	AuthTimeout  time.Duration
	WriteWait    time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	SendBuffer   int
	MaxMessage   int64

	CheckOrigin func(*http.Request) bool
}

// Hub coordinates every live connection for the sessions this process owns.
type Hub struct {
	store    SessionStore
	verifier identity.Verifier
	follows  identity.FollowChecker
	logger   *slog.Logger
	metrics  *metrics.Recorder

	registry *Registry
	presence *PresenceTracker

	authTimeout  time.Duration
	writeWait    time.Duration
	pingInterval time.Duration
	pongWait     time.Duration
	sendBuffer   int
	maxMessage   int64

	upgrader websocket.Upgrader

	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// New initialises a Hub from the provided configuration.
func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	follows := cfg.Follows
	if follows == nil {
		follows = identity.AllowAll{}
	}
	h := &Hub{
		store:        cfg.Store,
		verifier:     cfg.Verifier,
		follows:      follows,
		logger:       logger,
		metrics:      recorder,
		registry:     NewRegistry(),
		presence:     NewPresenceTracker(),
		authTimeout:  cfg.AuthTimeout,
		writeWait:    cfg.WriteWait,
		pingInterval: cfg.PingInterval,
		pongWait:     cfg.PongWait,
		sendBuffer:   cfg.SendBuffer,
		maxMessage:   cfg.MaxMessage,
		locks:        make(map[string]*sessionLock),
	}
	if h.authTimeout <= 0 {
		h.authTimeout = 5 * time.Second
	}
	if h.writeWait <= 0 {
		h.writeWait = 10 * time.Second
	}
	if h.pingInterval <= 0 {
		h.pingInterval = 30 * time.Second
	}
	if h.pongWait <= 0 {
		h.pongWait = h.pingInterval * 2
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = 32
	}
	if h.maxMessage <= 0 {
		h.maxMessage = 4096
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
	return h
}

// ViewerCount reports the current distinct viewer cardinality for a session.
func (h *Hub) ViewerCount(sessionID string) int {
	return h.presence.Count(sessionID)
}

// ServeViewer upgrades the request to a viewer connection for the session.
func (h *Hub) ServeViewer(w http.ResponseWriter, r *http.Request, sessionID string) {
	h.serve(w, r, sessionID, RoleViewer)
}

// ServeBroadcaster upgrades the request to the broadcaster connection for the
// session.
func (h *Hub) ServeBroadcaster(w http.ResponseWriter, r *http.Request, sessionID string) {
	h.serve(w, r, sessionID, RoleBroadcaster)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, sessionID string, role Role) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := newConnection(ws, role, sessionID, h.sendBuffer, h.writeWait, h.pingInterval)

	user, reason, err := h.gate(r.Context(), conn)
	if err != nil {
		h.logger.Warn("connection rejected",
			"session_id", sessionID,
			"role", string(role),
			"reason", reason)
		conn.close(websocket.ClosePolicyViolation, reason)
		return
	}

	if err := h.admit(conn, user); err != nil {
		h.logger.Warn("connection refused at admission",
			"session_id", sessionID,
			"role", string(role),
			"reason", err.Error())
		conn.close(websocket.ClosePolicyViolation, err.Error())
		return
	}

	h.metrics.ConnectionOpened()
	h.logger.Info("connection attached",
		"session_id", sessionID,
		"role", string(role),
		"user_id", user.UserID)

	go conn.writePump()
	h.readLoop(conn)
}

// gate enforces the credential handshake: the first inbound message must be
// an AUTH frame whose token verifies and whose principal is authorized for
// the declared role. No identity lookup happens under a session lock.
func (h *Hub) gate(ctx context.Context, conn *Connection) (identity.Identity, string, error) {
	_ = conn.ws.SetReadDeadline(time.Now().Add(h.authTimeout))
	_, raw, err := conn.ws.ReadMessage()
	if err != nil {
		return identity.Identity{}, "authentication required", err
	}
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != TypeAuth || strings.TrimSpace(msg.Token) == "" {
		return identity.Identity{}, "authentication required", errors.New("first message must carry a credential")
	}

	user, err := h.verifier.Verify(ctx, strings.TrimSpace(msg.Token))
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, identity.ErrTokenExpired) {
			reason = "token expired"
		}
		return identity.Identity{}, reason, err
	}

	session, ok := h.store.GetSession(conn.sessionID)
	if !ok {
		return identity.Identity{}, "unknown session", errors.New("session not found")
	}

	switch conn.role {
	case RoleBroadcaster:
		if user.UserID != session.OwnerID {
			return identity.Identity{}, "not authorized", errors.New("broadcaster identity does not own session")
		}
	case RoleViewer:
		if session.Private && user.UserID != session.OwnerID {
			following, err := h.follows.IsFollowing(ctx, user.UserID, session.OwnerID)
			if err != nil {
				return identity.Identity{}, "not authorized", err
			}
			if !following {
				return identity.Identity{}, "not authorized", errors.New("viewer does not follow session owner")
			}
		}
	}
	return user, "", nil
}

// admit registers the gated connection and, for viewers, publishes the new
// viewer count. The session lock covers the state change and the broadcast
// snapshot so counts are observed in mutation order.
func (h *Hub) admit(conn *Connection, user identity.Identity) error {
	lock := h.lockSession(conn.sessionID)
	defer h.unlockSession(conn.sessionID, lock)

	if conn.role == RoleBroadcaster {
		for _, existing := range h.registry.Snapshot(conn.sessionID) {
			if existing.role == RoleBroadcaster {
				return errors.New("broadcaster already connected")
			}
		}
	}

	conn.attach(user, time.Now().UTC())
	conn.cleanup = h.release
	h.registry.Admit(conn.sessionID, conn)

	if conn.role == RoleViewer {
		count := h.presence.Attach(conn.sessionID, user.UserID)
		h.metrics.SetViewerCount(conn.sessionID, count)
		h.registry.Broadcast(conn.sessionID, encodeViewerCount(count), nil)
	}
	return nil
}

// release is the single teardown path for an attached connection; the
// connection's cleanup guard ensures it runs exactly once whether the close
// came from the client, a write failure, or a forced disconnect.
func (h *Hub) release(conn *Connection) {
	lock := h.lockSession(conn.sessionID)
	defer h.unlockSession(conn.sessionID, lock)

	h.registry.Remove(conn.sessionID, conn)
	if conn.role == RoleViewer {
		count, present := h.presence.Detach(conn.sessionID, conn.user.UserID)
		if present {
			h.metrics.SetViewerCount(conn.sessionID, count)
			h.registry.Broadcast(conn.sessionID, encodeViewerCount(count), nil)
		}
	}
	h.metrics.ConnectionClosed()
	h.logger.Info("connection detached",
		"session_id", conn.sessionID,
		"role", string(conn.role),
		"user_id", conn.user.UserID)
}

func (h *Hub) readLoop(conn *Connection) {
	defer conn.close(websocket.CloseAbnormalClosure, "read failure")
	conn.ws.SetReadLimit(h.maxMessage)
	_ = conn.ws.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(h.pongWait))
	})
	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == TypeChat {
			h.onChat(conn, msg.Message)
		}
	}
}

// onChat relays a viewer's chat line to the session's viewer connections. The
// sender receives its own echo; the broadcaster connection does not
// participate in viewer fan-out. Invalid messages are dropped without a
// reply.
func (h *Hub) onChat(conn *Connection, text string) {
	if conn.attachedAt.IsZero() || conn.role != RoleViewer {
		h.metrics.ObserveChatEvent("rejected")
		return
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || len([]rune(trimmed)) > maxChatRunes {
		h.metrics.ObserveChatEvent("rejected")
		return
	}
	sender := conn.user.DisplayName
	if sender == "" {
		sender = conn.user.UserID
	}
	payload := encodeChat(sender, trimmed, time.Now())

	lock := h.lockSession(conn.sessionID)
	defer h.unlockSession(conn.sessionID, lock)
	h.registry.BroadcastViewers(conn.sessionID, payload, nil)
	h.metrics.ObserveChatEvent("relayed")
}

// EndSession delivers a terminal stream-ended notice to every viewer of the
// session, force-closes them, and clears the presence set. The broadcaster
// connection, if still open, is left to observe its own socket closure.
func (h *Hub) EndSession(sessionID string) {
	lock := h.lockSession(sessionID)
	defer h.unlockSession(sessionID, lock)

	h.presence.Clear(sessionID)
	h.metrics.SetViewerCount(sessionID, 0)
	payload := encodeStreamEnded()
	for _, conn := range h.registry.Snapshot(sessionID) {
		if conn.role != RoleViewer {
			continue
		}
		conn.terminate(payload, websocket.CloseNormalClosure, "stream ended")
	}
	h.logger.Info("session viewers disconnected", "session_id", sessionID)
}

// lockSession serializes all mutations to one session's registry and
// presence state. Entries are reference counted so the lock map does not
// accumulate dead sessions.
func (h *Hub) lockSession(sessionID string) *sessionLock {
	h.locksMu.Lock()
	lock, ok := h.locks[sessionID]
	if !ok {
		lock = &sessionLock{}
		h.locks[sessionID] = lock
	}
	lock.refs++
	h.locksMu.Unlock()
	lock.mu.Lock()
	return lock
}

func (h *Hub) unlockSession(sessionID string, lock *sessionLock) {
	lock.mu.Unlock()
	h.locksMu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(h.locks, sessionID)
	}
	h.locksMu.Unlock()
}
