package metrics

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAggregates(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("get", "/api/sessions", 200, 50*time.Millisecond)
	recorder.ObserveRequest("GET", "/api/sessions", 200, 25*time.Millisecond)
	recorder.ObserveRequest("POST", "/api/sessions", 201, 10*time.Millisecond)

	var buf bytes.Buffer
	recorder.Write(&buf)
	output := buf.String()

	if !strings.Contains(output, `streamcast_http_requests_total{method="GET",path="/api/sessions",status="200"} 2`) {
		t.Fatalf("expected aggregated GET counter, got:\n%s", output)
	}
	if !strings.Contains(output, `streamcast_http_requests_total{method="POST",path="/api/sessions",status="201"} 1`) {
		t.Fatalf("expected POST counter, got:\n%s", output)
	}
}

func TestSessionGaugeNeverGoesNegative(t *testing.T) {
	recorder := New()

	recorder.SessionStopped()
	if got := recorder.ActiveSessions(); got != 0 {
		t.Fatalf("ActiveSessions = %d, want 0", got)
	}

	recorder.SessionStarted()
	recorder.SessionStarted()
	recorder.SessionStopped()
	if got := recorder.ActiveSessions(); got != 1 {
		t.Fatalf("ActiveSessions = %d, want 1", got)
	}
}

func TestConnectionGauge(t *testing.T) {
	recorder := New()

	recorder.ConnectionOpened()
	recorder.ConnectionOpened()
	recorder.ConnectionClosed()
	if got := recorder.OpenConnections(); got != 1 {
		t.Fatalf("OpenConnections = %d, want 1", got)
	}
}

func TestViewerCountSeriesRemovedAtZero(t *testing.T) {
	recorder := New()

	recorder.SetViewerCount("sess-1", 3)
	var buf bytes.Buffer
	recorder.Write(&buf)
	if !strings.Contains(buf.String(), `streamcast_session_viewers{session="sess-1"} 3`) {
		t.Fatalf("expected viewer gauge, got:\n%s", buf.String())
	}

	recorder.SetViewerCount("sess-1", 0)
	buf.Reset()
	recorder.Write(&buf)
	if strings.Contains(buf.String(), `session="sess-1"`) {
		t.Fatalf("zero count must remove the series, got:\n%s", buf.String())
	}
}

func TestHandlerServesExposition(t *testing.T) {
	recorder := New()
	recorder.ObserveIngestHook("publish:accepted")
	recorder.ObserveChatEvent("relayed")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `streamcast_ingest_hooks_total{outcome="publish:accepted"} 1`) {
		t.Fatalf("expected ingest hook counter, got:\n%s", body)
	}
	if !strings.Contains(body, `streamcast_chat_events_total{event="relayed"} 1`) {
		t.Fatalf("expected chat counter, got:\n%s", body)
	}
}

func TestConcurrentRecording(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				recorder.ObserveRequest("GET", "/healthz", 200, time.Millisecond)
				recorder.ObserveChatEvent("relayed")
				recorder.ConnectionOpened()
				recorder.ConnectionClosed()
			}
		}()
	}
	wg.Wait()

	var buf bytes.Buffer
	recorder.Write(&buf)
	if !strings.Contains(buf.String(), `streamcast_http_requests_total{method="GET",path="/healthz",status="200"} 800`) {
		t.Fatalf("expected 800 requests recorded, got:\n%s", buf.String())
	}
	if got := recorder.OpenConnections(); got != 0 {
		t.Fatalf("OpenConnections = %d, want 0", got)
	}
}

func TestReset(t *testing.T) {
	recorder := New()
	recorder.SessionStarted()
	recorder.ObserveChatEvent("relayed")
	recorder.SetViewerCount("sess-1", 2)

	recorder.Reset()

	if got := recorder.ActiveSessions(); got != 0 {
		t.Fatalf("ActiveSessions after reset = %d", got)
	}
	var buf bytes.Buffer
	recorder.Write(&buf)
	if strings.Contains(buf.String(), `session="sess-1"`) {
		t.Fatalf("reset must clear viewer series, got:\n%s", buf.String())
	}
}
