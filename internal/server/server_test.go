package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"streamcast/internal/api"
	"streamcast/internal/events"
	"streamcast/internal/hub"
	"streamcast/internal/ingest"
	"streamcast/internal/observability/metrics"
	"streamcast/internal/storage"
	"streamcast/internal/testsupport"
)

func newCoordinator(t *testing.T, cfg Config) *Server {
	t.Helper()
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := metrics.New()
	verifier := testsupport.NewVerifierStub()
	coordinator := hub.New(hub.Config{
		Store:    store,
		Verifier: verifier,
		Logger:   logger,
		Metrics:  recorder,
	})
	bridge := ingest.NewBridge(ingest.BridgeConfig{
		Store:   store,
		Closer:  coordinator,
		Queue:   events.NewMemoryQueue(8),
		Logger:  logger,
		Metrics: recorder,
	})
	handler := &api.Handler{
		Store:    store,
		Verifier: verifier,
		Bridge:   bridge,
		Viewers:  coordinator,
		Logger:   logger,
	}
	hooks := ingest.NewHookController(bridge, "hook-secret", logger)
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	cfg.Logger = logger
	cfg.Metrics = recorder
	srv, err := New(handler, coordinator, hooks, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func newTestServer(t *testing.T, rateLimit RateLimitConfig) *httptest.Server {
	t.Helper()
	srv := newCoordinator(t, Config{RateLimit: rateLimit})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("response must carry a request id")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{})

	if resp, err := http.Get(ts.URL + "/healthz"); err == nil {
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(body), "streamcast_") {
		t.Fatalf("metrics output missing streamcast series: %s", body)
	}
}

func TestConnectRateLimit(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{ConnectLimit: 1, ConnectWindow: time.Minute})

	// Plain GETs fail the websocket upgrade with 400 but still consume
	// the per-IP connect budget.
	first, err := http.Get(ts.URL + "/ws/view/sess-1")
	if err != nil {
		t.Fatalf("first connect: %v", err)
	}
	first.Body.Close()
	if first.StatusCode == http.StatusTooManyRequests {
		t.Fatalf("first connect must not be throttled, got %d", first.StatusCode)
	}

	second, err := http.Get(ts.URL + "/ws/view/sess-1")
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second connect status = %d, want 429", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Fatal("throttled response must carry Retry-After")
	}
}

func TestGlobalRateLimit(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{GlobalRPS: 1, GlobalBurst: 1})

	first, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d", first.StatusCode)
	}

	second, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.StatusCode)
	}
}

func TestIngestHookRouted(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{})

	resp, err := http.Post(ts.URL+"/hooks/ingest", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post hook: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated hook status = %d", resp.StatusCode)
	}
}
