package hub

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"streamcast/internal/identity"
	"streamcast/internal/observability/metrics"
)

// socketPair upgrades one request and hands back both ends of the websocket.
func socketPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		accepted <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server side never accepted")
	}
	t.Cleanup(func() { _ = server.Close() })
	return server, client
}

func TestEnqueueForceClosesOnFullBuffer(t *testing.T) {
	serverWS, clientWS := socketPair(t)

	conn := newConnection(serverWS, RoleViewer, "sess-1", 1, time.Second, time.Minute)
	released := make(chan struct{})
	conn.cleanup = func(*Connection) { close(released) }

	// No write pump is running, so the single-slot buffer stays full after
	// the first enqueue.
	if !conn.enqueue([]byte(`{"type":"VIEWER_COUNT","count":1}`)) {
		t.Fatal("first enqueue must fit the buffer")
	}
	if conn.enqueue([]byte(`{"type":"VIEWER_COUNT","count":2}`)) {
		t.Fatal("second enqueue must report the stalled consumer")
	}

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup did not run after forced close")
	}

	_ = clientWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := clientWS.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("expected close code %d, got %v", websocket.CloseTryAgainLater, err)
	}
}

func TestSlowViewerDoesNotStallSession(t *testing.T) {
	h := New(Config{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: metrics.New(),
	})

	stalledWS, stalledClient := socketPair(t)
	healthyWS, healthyClient := socketPair(t)

	// The stalled viewer never gets a write pump and holds a single-slot
	// buffer, so the admission broadcast for the next viewer overflows it.
	stalled := newConnection(stalledWS, RoleViewer, "sess-1", 1, time.Second, time.Minute)
	if err := h.admit(stalled, identity.Identity{UserID: "alice", DisplayName: "Alice"}); err != nil {
		t.Fatalf("admit stalled viewer: %v", err)
	}

	healthy := newConnection(healthyWS, RoleViewer, "sess-1", 8, time.Second, time.Minute)
	go healthy.writePump()
	if err := h.admit(healthy, identity.Identity{UserID: "bob", DisplayName: "Bob"}); err != nil {
		t.Fatalf("admit healthy viewer: %v", err)
	}

	// The stalled connection is closed without touching the healthy one.
	_ = stalledClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := stalledClient.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("expected close code %d, got %v", websocket.CloseTryAgainLater, err)
	}

	// The healthy viewer observes its own admission count and then the
	// recount from the forced detach.
	for _, want := range []int{2, 1} {
		_ = healthyClient.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := healthyClient.ReadMessage()
		if err != nil {
			t.Fatalf("healthy viewer read: %v", err)
		}
		var envelope struct {
			Type  string `json:"type"`
			Count int    `json:"count"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
		if envelope.Type != TypeViewerCount || envelope.Count != want {
			t.Fatalf("got %+v, want count %d", envelope, want)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.ViewerCount("sess-1") != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("viewer count = %d, want 1 after forced detach", h.ViewerCount("sess-1"))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
