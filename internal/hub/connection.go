package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"streamcast/internal/identity"
)

// Role distinguishes the two connection kinds attached to a session.
type Role string

const (
	RoleViewer      Role = "viewer"
	RoleBroadcaster Role = "broadcaster"
)

type outboundFrame struct {
	payload []byte
	// terminal frames flush the payload, send a close control frame, and
	// shut the connection down.
	terminal  bool
	closeCode int
	closeText string
}

// Connection is one open socket attached to a session. It is created after
// the upgrade, carries no identity until the credential gate succeeds, and is
// torn down through cleanup exactly once regardless of which side closes.
type Connection struct {
	ws         *websocket.Conn
	role       Role
	sessionID  string
	user       identity.Identity
	attachedAt time.Time

	send chan outboundFrame
	done chan struct{}

	writeWait time.Duration
	pingEvery time.Duration

	closeOnce   sync.Once
	cleanupOnce sync.Once
	cleanup     func(*Connection)
}

func newConnection(ws *websocket.Conn, role Role, sessionID string, buffer int, writeWait, pingEvery time.Duration) *Connection {
	if buffer <= 0 {
		buffer = 32
	}
	return &Connection{
		ws:        ws,
		role:      role,
		sessionID: sessionID,
		send:      make(chan outboundFrame, buffer),
		done:      make(chan struct{}),
		writeWait: writeWait,
		pingEvery: pingEvery,
	}
}

// SessionID reports the session this connection is attached to.
func (c *Connection) SessionID() string { return c.sessionID }

// Role reports whether the connection is a viewer or the broadcaster.
func (c *Connection) Role() Role { return c.role }

// User reports the authenticated identity behind the connection.
func (c *Connection) User() identity.Identity { return c.user }

func (c *Connection) attach(user identity.Identity, at time.Time) {
	c.user = user
	c.attachedAt = at
}

// enqueue hands a payload to the write pump without blocking. A full buffer
// marks the peer as a slow consumer and force-closes it.
func (c *Connection) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- outboundFrame{payload: payload}:
		return true
	default:
		// The caller may hold the session lock that teardown needs, so
		// the forced close happens off this goroutine.
		go c.close(websocket.CloseTryAgainLater, "slow consumer")
		return false
	}
}

// terminate flushes an optional final payload followed by a close frame. Used
// for the stream-ended cascade so every viewer observes the notice before the
// socket drops.
func (c *Connection) terminate(payload []byte, code int, reason string) {
	frame := outboundFrame{payload: payload, terminal: true, closeCode: code, closeText: reason}
	select {
	case c.send <- frame:
	default:
		go c.close(code, reason)
	}
}

// close shuts the socket down immediately. Safe to call from any goroutine
// and any number of times.
func (c *Connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.writeWait)
		message := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, message, deadline)
		_ = c.ws.Close()
	})
	c.runCleanup()
}

func (c *Connection) runCleanup() {
	c.cleanupOnce.Do(func() {
		if c.cleanup != nil {
			c.cleanup(c)
		}
	})
}

// writePump owns all writes to the socket: queued payloads, keep-alive pings,
// and the close handshake for terminal frames.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.pingEvery)
	defer func() {
		ticker.Stop()
		c.close(websocket.CloseAbnormalClosure, "write failure")
	}()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if len(frame.payload) > 0 {
				if err := c.ws.WriteMessage(websocket.TextMessage, frame.payload); err != nil {
					return
				}
			}
			if frame.terminal {
				c.close(frame.closeCode, frame.closeText)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
