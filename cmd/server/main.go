// Command server starts the Streamcast live-session coordinator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"streamcast/internal/api"
	"streamcast/internal/events"
	"streamcast/internal/hub"
	"streamcast/internal/identity"
	"streamcast/internal/ingest"
	"streamcast/internal/observability/logging"
	"streamcast/internal/observability/metrics"
	"streamcast/internal/server"
	"streamcast/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	identityURL := flag.String("identity-url", "", "base URL of the identity service")
	identityToken := flag.String("identity-token", "", "bearer token for identity service calls")
	jwtSecret := flag.String("jwt-secret", "", "shared HMAC secret for local token verification")
	hookToken := flag.String("hook-token", "", "shared secret required on ingest pipeline hooks")
	eventsDriver := flag.String("events-driver", "", "lifecycle event queue driver (memory or redis)")
	eventsRedisAddr := flag.String("events-redis-addr", "", "Redis address for the lifecycle event queue")
	eventsRedisAddrs := flag.String("events-redis-addrs", "", "comma separated Redis addresses for the lifecycle event queue")
	eventsRedisUsername := flag.String("events-redis-username", "", "Redis username for the lifecycle event queue")
	eventsRedisPassword := flag.String("events-redis-password", "", "Redis password for the lifecycle event queue")
	eventsRedisStream := flag.String("events-redis-stream", "", "Redis stream key for lifecycle events")
	eventsRedisGroup := flag.String("events-redis-group", "", "Redis consumer group for lifecycle events")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	connectLimit := flag.Int("rate-connect-limit", 0, "maximum websocket connection attempts per window for a single IP")
	connectWindow := flag.Duration("rate-connect-window", 0, "window for counting websocket connection attempts")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed connection throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed connection throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "grace period for draining connections on shutdown")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STREAMCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STREAMCAST_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("STREAMCAST_ADDR"), ":8080")

	store, err := openDatastore(datastoreSettings{
		Driver:          firstNonEmpty(*storageDriver, os.Getenv("STREAMCAST_STORAGE_DRIVER")),
		DataPath:        firstNonEmpty(*dataPath, os.Getenv("STREAMCAST_DATA"), "data/sessions.json"),
		PostgresDSN:     firstNonEmpty(*postgresDSN, os.Getenv("STREAMCAST_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		MaxConns:        resolveInt(*postgresMaxConns, "STREAMCAST_POSTGRES_MAX_CONNS"),
		MinConns:        resolveInt(*postgresMinConns, "STREAMCAST_POSTGRES_MIN_CONNS"),
		MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "STREAMCAST_POSTGRES_MAX_CONN_LIFETIME", 0),
		MaxConnIdle:     resolveDuration(*postgresMaxConnIdle, "STREAMCAST_POSTGRES_MAX_CONN_IDLE", 0),
		HealthInterval:  resolveDuration(*postgresHealthInterval, "STREAMCAST_POSTGRES_HEALTH_INTERVAL", 0),
		AcquireTimeout:  resolveDuration(*postgresAcquireTimeout, "STREAMCAST_POSTGRES_ACQUIRE_TIMEOUT", 0),
		AppName:         firstNonEmpty(*postgresAppName, os.Getenv("STREAMCAST_POSTGRES_APP_NAME")),
	}, logger)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	verifier, follows, err := configureIdentity(
		firstNonEmpty(*identityURL, os.Getenv("STREAMCAST_IDENTITY_URL")),
		firstNonEmpty(*identityToken, os.Getenv("STREAMCAST_IDENTITY_TOKEN")),
		firstNonEmpty(*jwtSecret, os.Getenv("STREAMCAST_JWT_SECRET")),
	)
	if err != nil {
		logger.Error("failed to configure identity verification", "error", err)
		os.Exit(1)
	}

	hookSecret := firstNonEmpty(*hookToken, os.Getenv("STREAMCAST_HOOK_TOKEN"))
	if hookSecret == "" {
		logger.Error("ingest hook token is required: set --hook-token or STREAMCAST_HOOK_TOKEN")
		os.Exit(1)
	}

	queue, err := configureEventQueue(
		firstNonEmpty(*eventsDriver, os.Getenv("STREAMCAST_EVENTS_DRIVER")),
		events.RedisQueueConfig{
			Addr:     firstNonEmpty(*eventsRedisAddr, os.Getenv("STREAMCAST_EVENTS_REDIS_ADDR")),
			Addrs:    splitAndTrim(firstNonEmpty(*eventsRedisAddrs, os.Getenv("STREAMCAST_EVENTS_REDIS_ADDRS"))),
			Username: firstNonEmpty(*eventsRedisUsername, os.Getenv("STREAMCAST_EVENTS_REDIS_USERNAME")),
			Password: firstNonEmpty(*eventsRedisPassword, os.Getenv("STREAMCAST_EVENTS_REDIS_PASSWORD")),
			Stream:   firstNonEmpty(*eventsRedisStream, os.Getenv("STREAMCAST_EVENTS_REDIS_STREAM")),
			Group:    firstNonEmpty(*eventsRedisGroup, os.Getenv("STREAMCAST_EVENTS_REDIS_GROUP")),
			Logger:   logging.WithComponent(logger, "events"),
		},
	)
	if err != nil {
		logger.Error("failed to configure event queue", "error", err)
		os.Exit(1)
	}

	coordinator := hub.New(hub.Config{
		Store:    store,
		Verifier: verifier,
		Follows:  follows,
		Logger:   logging.WithComponent(logger, "hub"),
		Metrics:  recorder,
	})
	bridge := ingest.NewBridge(ingest.BridgeConfig{
		Store:   store,
		Closer:  coordinator,
		Queue:   queue,
		Logger:  logging.WithComponent(logger, "ingest"),
		Metrics: recorder,
	})
	handler := &api.Handler{
		Store:    store,
		Verifier: verifier,
		Follows:  follows,
		Bridge:   bridge,
		Viewers:  coordinator,
		Logger:   logging.WithComponent(logger, "api"),
	}
	hooks := ingest.NewHookController(bridge, hookSecret, logging.WithComponent(logger, "hooks"))

	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("STREAMCAST_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("STREAMCAST_TLS_KEY")),
	}
	srv, err := server.New(handler, coordinator, hooks, server.Config{
		Addr:            listenAddr,
		TLS:             tlsCfg,
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "STREAMCAST_SHUTDOWN_TIMEOUT", server.DefaultShutdownTimeout),
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "STREAMCAST_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "STREAMCAST_RATE_GLOBAL_BURST"),
			ConnectLimit:  resolveInt(*connectLimit, "STREAMCAST_RATE_CONNECT_LIMIT"),
			ConnectWindow: resolveDuration(*connectWindow, "STREAMCAST_RATE_CONNECT_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("STREAMCAST_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("STREAMCAST_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "STREAMCAST_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		certFile, _ := srv.TLSFiles()
		logger.Info("streamcast coordinator listening", "addr", listenAddr, "tls", certFile != "")
		return srv.Run(groupCtx)
	})
	group.Go(func() error {
		consumeLifecycleEvents(groupCtx, queue, logging.WithComponent(logger, "lifecycle"))
		return nil
	})

	err = group.Wait()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
	defer cancel()
	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		if closeErr := closer.Close(shutdownCtx); closeErr != nil {
			logger.Warn("failed to close datastore", "error", closeErr)
		}
	}
	if closer, ok := queue.(interface{ Close() error }); ok {
		if closeErr := closer.Close(); closeErr != nil {
			logger.Warn("failed to close event queue", "error", closeErr)
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

type datastoreSettings struct {
	Driver          string
	DataPath        string
	PostgresDSN     string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	HealthInterval  time.Duration
	AcquireTimeout  time.Duration
	AppName         string
}

func openDatastore(settings datastoreSettings, logger *slog.Logger) (storage.Repository, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.Driver))
	if driver == "" {
		if strings.TrimSpace(settings.PostgresDSN) != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}
	switch driver {
	case "json":
		logger.Info("using JSON datastore", "path", settings.DataPath)
		return storage.NewStorage(settings.DataPath)
	case "postgres":
		if strings.TrimSpace(settings.PostgresDSN) == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		var options []storage.Option
		if settings.MaxConns > 0 || settings.MinConns > 0 {
			options = append(options, storage.WithPostgresPoolLimits(int32(settings.MaxConns), int32(settings.MinConns)))
		}
		if settings.MaxConnLifetime > 0 || settings.MaxConnIdle > 0 || settings.HealthInterval > 0 {
			options = append(options, storage.WithPostgresPoolDurations(settings.MaxConnLifetime, settings.MaxConnIdle, settings.HealthInterval))
		}
		if settings.AcquireTimeout > 0 {
			options = append(options, storage.WithPostgresAcquireTimeout(settings.AcquireTimeout))
		}
		if settings.AppName != "" {
			options = append(options, storage.WithPostgresApplicationName(settings.AppName))
		}
		logger.Info("using Postgres datastore")
		return storage.NewPostgresRepository(settings.PostgresDSN, options...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

// configureIdentity picks the credential verifier: a remote identity service
// when a URL is configured, otherwise local HMAC verification with a shared
// JWT secret. The remote client also serves follow-graph lookups.
func configureIdentity(baseURL, token, secret string) (identity.Verifier, identity.FollowChecker, error) {
	if baseURL != "" {
		client, err := identity.NewHTTPClient(identity.HTTPClientConfig{BaseURL: baseURL, Token: token})
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	}
	if secret != "" {
		verifier, err := identity.NewJWTVerifier(secret)
		if err != nil {
			return nil, nil, err
		}
		return verifier, nil, nil
	}
	return nil, nil, fmt.Errorf("no identity verifier configured: provide --identity-url or --jwt-secret")
}

func configureEventQueue(driver string, cfg events.RedisQueueConfig) (events.Queue, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the event queue")
		}
		return events.NewRedisQueue(cfg)
	case "", "memory":
		return events.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported events driver %q", driver)
	}
}

// consumeLifecycleEvents drains the queue so single-node deployments get a
// durable audit trail of live transitions in the logs even without an
// external worker attached.
func consumeLifecycleEvents(ctx context.Context, queue events.Queue, logger *slog.Logger) {
	sub := queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			logger.Info("session lifecycle event",
				"type", event.Type,
				"session_id", event.SessionID,
				"owner_id", event.OwnerID,
				"occurred_at", event.OccurredAt.Format(time.RFC3339))
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
