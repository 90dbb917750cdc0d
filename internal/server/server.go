// Package server assembles the HTTP surface of the coordinator: the session
// REST API, the websocket endpoints, the ingest webhook, health, and metrics,
// wrapped in logging, metrics, and rate-limit middleware.
package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"streamcast/internal/api"
	"streamcast/internal/hub"
	"streamcast/internal/ingest"
	"streamcast/internal/observability/logging"
	"streamcast/internal/observability/metrics"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr            string
	TLS             TLSConfig
	RateLimit       RateLimitConfig
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
}

// DefaultShutdownTimeout bounds graceful shutdown when the run context is
// cancelled.
const DefaultShutdownTimeout = 10 * time.Second

type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	metrics         *metrics.Recorder
	rateLimiter     *rateLimiter
	tlsCertFile     string
	tlsKeyFile      string
	shutdownTimeout time.Duration

	mu        sync.Mutex
	boundAddr string
}

// New wires the handler surfaces into one HTTP server.
func New(handler *api.Handler, coordinator *hub.Hub, hooks *ingest.HookController, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handler.Health)
	mux.Handle("GET /metrics", recorder.Handler())

	mux.HandleFunc("POST /api/sessions", handler.CreateSession)
	mux.HandleFunc("GET /api/sessions", handler.ListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", handler.GetSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", handler.UpdateSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", handler.DeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/end", handler.EndSession)
	mux.HandleFunc("POST /api/sessions/{id}/key", handler.RotateStreamKey)

	if coordinator != nil {
		mux.HandleFunc("GET /ws/view/{id}", func(w http.ResponseWriter, r *http.Request) {
			sessionID := r.PathValue("id")
			r = r.WithContext(logging.ContextWithSessionID(r.Context(), sessionID))
			coordinator.ServeViewer(w, r, sessionID)
		})
		mux.HandleFunc("GET /ws/broadcast/{id}", func(w http.ResponseWriter, r *http.Request) {
			sessionID := r.PathValue("id")
			r = r.WithContext(logging.ContextWithSessionID(r.Context(), sessionID))
			coordinator.ServeBroadcaster(w, r, sessionID)
		})
	}
	if hooks != nil {
		mux.Handle("POST /hooks/ingest", hooks)
	}

	rl := newRateLimiter(cfg.RateLimit)
	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, logger, handlerChain)
	handlerChain = metricsMiddleware(recorder, handlerChain)
	handlerChain = loggingMiddleware(logger, handlerChain)
	handlerChain = requestIDMiddleware(handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:      httpServer,
		logger:          logger,
		metrics:         recorder,
		rateLimiter:     rl,
		tlsCertFile:     strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:      strings.TrimSpace(cfg.TLS.KeyFile),
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if (srv.tlsCertFile == "") != (srv.tlsKeyFile == "") {
		return nil, fmt.Errorf("both TLS cert file and key file must be provided")
	}
	if srv.tlsCertFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if srv.shutdownTimeout <= 0 {
		srv.shutdownTimeout = DefaultShutdownTimeout
	}
	return srv, nil
}

// Handler exposes the composed handler chain, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// TLSFiles reports the configured certificate pair.
func (s *Server) TLSFiles() (certFile, keyFile string) {
	return s.tlsCertFile, s.tlsKeyFile
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Websocket upgrades hold the connection open; logging them on
		// completion would conflate connection lifetime with latency.
		if isWebsocketPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		recorder := newStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)
		logging.WithContext(r.Context(), logger).Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_ip", clientIP(r))
	})
}

func metricsMiddleware(recorder *metrics.Recorder, next http.Handler) http.Handler {
	if recorder == nil {
		recorder = metrics.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebsocketPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		sr := newStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(sr, r)
		recorder.ObserveRequest(r.Method, r.URL.Path, sr.status, time.Since(start))
	})
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if isWebsocketPath(r.URL.Path) {
			allowed, retryAfter, err := rl.AllowConnect(clientIP(r))
			if err != nil {
				if logger != nil {
					logger.Error("rate limiter failure", "error", err)
				}
				http.Error(w, "rate limiter unavailable", http.StatusServiceUnavailable)
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				}
				http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
