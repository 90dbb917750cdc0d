package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"streamcast/internal/events"
	"streamcast/internal/models"
	"streamcast/internal/observability/metrics"
)

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	Store   SessionStore
	Closer  ViewerCloser
	Queue   events.Queue
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time
}

// Bridge owns the per-session Offline/Live state machine driven by ingest
// pipeline hooks. All transitions for one session are serialized so
// back-to-back hooks from a restarting encoder cannot interleave.
type Bridge struct {
	store   SessionStore
	closer  ViewerCloser
	queue   events.Queue
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewBridge initialises a Bridge from the provided configuration.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Bridge{
		store:   cfg.Store,
		closer:  cfg.Closer,
		queue:   cfg.Queue,
		logger:  logger,
		metrics: recorder,
		now:     now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// PublishStart validates a publish hook and transitions the session to live.
// A start for a session that is already live is expected encoder restart
// noise: it is logged and ignored without touching the session's timestamps.
func (b *Bridge) PublishStart(ctx context.Context, streamKey, sourceIdentity string) (models.Session, error) {
	session, ok := b.store.FindByKey(streamKey)
	if !ok {
		b.metrics.ObserveIngestHook("publish:unknown")
		return models.Session{}, ErrUnknownStream
	}
	if identity := strings.TrimSpace(sourceIdentity); identity != "" && identity != session.OwnerID {
		b.metrics.ObserveIngestHook("publish:unauthorized")
		b.logger.Warn("publish refused for foreign identity",
			"session_id", session.ID,
			"source_identity", identity)
		return models.Session{}, ErrUnauthorizedPublish
	}

	unlock := b.lockSession(session.ID)
	defer unlock()

	current, ok := b.store.GetSession(session.ID)
	if !ok {
		b.metrics.ObserveIngestHook("publish:unknown")
		return models.Session{}, ErrUnknownStream
	}
	if current.Live {
		b.metrics.ObserveIngestHook("publish:duplicate")
		b.logger.Info("duplicate publish ignored", "session_id", current.ID)
		return current, nil
	}

	updated, err := b.store.SetLive(current.ID, true, nil)
	if err != nil {
		return models.Session{}, fmt.Errorf("mark session live: %w", err)
	}
	b.metrics.ObserveIngestHook("publish:accepted")
	b.metrics.SessionStarted()
	b.publishEvent(ctx, events.TypeSessionLive, updated)
	b.logger.Info("session live", "session_id", updated.ID, "owner_id", updated.OwnerID)
	return updated, nil
}

// PublishStop transitions the session behind the stream key back to offline,
// stamps the end time, and force-closes its viewers. A stop for an offline
// session is a no-op.
func (b *Bridge) PublishStop(ctx context.Context, streamKey string) (models.Session, error) {
	session, ok := b.store.FindByKey(streamKey)
	if !ok {
		b.metrics.ObserveIngestHook("unpublish:unknown")
		return models.Session{}, ErrUnknownStream
	}
	return b.end(ctx, session.ID, "unpublish")
}

// EndSession ends a broadcast administratively, bypassing the stream key.
func (b *Bridge) EndSession(ctx context.Context, sessionID string) (models.Session, error) {
	return b.end(ctx, sessionID, "admin_end")
}

func (b *Bridge) end(ctx context.Context, sessionID, hook string) (models.Session, error) {
	unlock := b.lockSession(sessionID)
	defer unlock()

	current, ok := b.store.GetSession(sessionID)
	if !ok {
		b.metrics.ObserveIngestHook(hook + ":unknown")
		return models.Session{}, ErrUnknownStream
	}
	if !current.Live {
		b.metrics.ObserveIngestHook(hook + ":offline")
		return current, nil
	}

	endedAt := b.now().UTC()
	updated, err := b.store.SetLive(current.ID, false, &endedAt)
	if err != nil {
		return models.Session{}, fmt.Errorf("mark session offline: %w", err)
	}
	if b.closer != nil {
		b.closer.EndSession(updated.ID)
	}
	b.metrics.ObserveIngestHook(hook + ":accepted")
	b.metrics.SessionStopped()
	b.publishEvent(ctx, events.TypeSessionEnded, updated)
	b.logger.Info("session ended", "session_id", updated.ID, "hook", hook)
	return updated, nil
}

func (b *Bridge) publishEvent(ctx context.Context, eventType string, session models.Session) {
	if b.queue == nil {
		return
	}
	event := events.Event{
		Type:       eventType,
		SessionID:  session.ID,
		OwnerID:    session.OwnerID,
		OccurredAt: b.now().UTC(),
	}
	if err := b.queue.Publish(ctx, event); err != nil {
		b.logger.Warn("lifecycle event publish failed",
			"session_id", session.ID,
			"type", eventType,
			"error", err)
	}
}

func (b *Bridge) lockSession(sessionID string) func() {
	b.locksMu.Lock()
	lock, ok := b.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		b.locks[sessionID] = lock
	}
	b.locksMu.Unlock()
	lock.Lock()
	return lock.Unlock
}
