package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// session lifecycle events, connection churn, chat activity, and ingest hook
// outcomes. It coordinates concurrent writers via a RWMutex while exposing
// atomic gauges for active sessions and open connections.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionEvents   map[string]uint64
	chatEvents      map[string]uint64
	ingestHooks     map[string]uint64
	viewerCounts    map[string]int
	activeSessions  atomic.Int64
	openConnections atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEvents:   make(map[string]uint64),
		chatEvents:      make(map[string]uint64),
		ingestHooks:     make(map[string]uint64),
		viewerCounts:    make(map[string]int),
	}
}

// Default returns the singleton Recorder shared across helper functions for
// packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates totals for request count and cumulative duration
// by HTTP method, path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   path,
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionStarted records a live transition and increments the active session
// gauge.
func (r *Recorder) SessionStarted() {
	r.incrementSessionEvent("start")
	r.activeSessions.Add(1)
}

// SessionStopped records an offline transition and decrements the active
// session gauge, guarding against negative counts when updates race.
func (r *Recorder) SessionStopped() {
	r.incrementSessionEvent("stop")
	r.decrementGauge(&r.activeSessions)
}

func (r *Recorder) incrementSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// ConnectionOpened increments the open connection gauge.
func (r *Recorder) ConnectionOpened() {
	r.openConnections.Add(1)
}

// ConnectionClosed decrements the open connection gauge.
func (r *Recorder) ConnectionClosed() {
	r.decrementGauge(&r.openConnections)
}

// ObserveChatEvent records a chat event outcome for throughput monitoring.
func (r *Recorder) ObserveChatEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.chatEvents[normalized]++
	r.mu.Unlock()
}

// ObserveIngestHook records a pipeline hook outcome keyed by action and
// disposition (e.g. "publish:accepted", "publish:rejected").
func (r *Recorder) ObserveIngestHook(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.ingestHooks[normalized]++
	r.mu.Unlock()
}

// SetViewerCount stores the latest distinct-viewer cardinality for a session.
// A zero count removes the series so ended sessions do not linger in scrapes.
func (r *Recorder) SetViewerCount(sessionID string, count int) {
	trimmed := strings.TrimSpace(sessionID)
	if trimmed == "" {
		return
	}
	r.mu.Lock()
	if count <= 0 {
		delete(r.viewerCounts, trimmed)
	} else {
		r.viewerCounts[trimmed] = count
	}
	r.mu.Unlock()
}

// ActiveSessions exposes the current gauge of concurrently live sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// OpenConnections exposes the current gauge of open realtime connections.
func (r *Recorder) OpenConnections() int64 {
	return r.openConnections.Load()
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.chatEvents = make(map[string]uint64)
	r.ingestHooks = make(map[string]uint64)
	r.viewerCounts = make(map[string]int)
	r.activeSessions.Store(0)
	r.openConnections.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := sortedKeys(r.sessionEvents)
	chatEvents := sortedKeys(r.chatEvents)
	ingestHooks := sortedKeys(r.ingestHooks)
	viewerSessions := make([]string, 0, len(r.viewerCounts))
	for id := range r.viewerCounts {
		viewerSessions = append(viewerSessions, id)
	}
	sort.Strings(viewerSessions)

	fmt.Fprintln(w, "# HELP streamcast_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE streamcast_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streamcast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP streamcast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE streamcast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streamcast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP streamcast_session_events_total Session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE streamcast_session_events_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "streamcast_session_events_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP streamcast_active_sessions Current number of sessions marked as live")
	fmt.Fprintln(w, "# TYPE streamcast_active_sessions gauge")
	fmt.Fprintf(w, "streamcast_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP streamcast_open_connections Current number of open realtime connections")
	fmt.Fprintln(w, "# TYPE streamcast_open_connections gauge")
	fmt.Fprintf(w, "streamcast_open_connections %d\n", r.openConnections.Load())

	fmt.Fprintln(w, "# HELP streamcast_session_viewers Distinct viewer identities attached per session")
	fmt.Fprintln(w, "# TYPE streamcast_session_viewers gauge")
	for _, id := range viewerSessions {
		fmt.Fprintf(w, "streamcast_session_viewers{session=\"%s\"} %d\n", id, r.viewerCounts[id])
	}

	fmt.Fprintln(w, "# HELP streamcast_chat_events_total Chat events by outcome")
	fmt.Fprintln(w, "# TYPE streamcast_chat_events_total counter")
	for _, event := range chatEvents {
		fmt.Fprintf(w, "streamcast_chat_events_total{event=\"%s\"} %d\n", event, r.chatEvents[event])
	}

	fmt.Fprintln(w, "# HELP streamcast_ingest_hooks_total Pipeline hook requests by outcome")
	fmt.Fprintln(w, "# TYPE streamcast_ingest_hooks_total counter")
	for _, outcome := range ingestHooks {
		fmt.Fprintf(w, "streamcast_ingest_hooks_total{outcome=\"%s\"} %d\n", outcome, r.ingestHooks[outcome])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// SessionStarted records a live transition on the default recorder.
func SessionStarted() {
	defaultRecorder.SessionStarted()
}

// SessionStopped records an offline transition on the default recorder.
func SessionStopped() {
	defaultRecorder.SessionStopped()
}
