package ingest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// HookController exposes the pipeline-facing webhook endpoint. The ingest
// pipeline authenticates with a shared secret; clients never reach this
// surface.
type HookController struct {
	bridge *Bridge
	token  string
	logger *slog.Logger
}

// NewHookController initialises the webhook controller. The token must be
// non-empty; hooks without it are refused.
func NewHookController(bridge *Bridge, token string, logger *slog.Logger) *HookController {
	if logger == nil {
		logger = slog.Default()
	}
	return &HookController{bridge: bridge, token: strings.TrimSpace(token), logger: logger}
}

type hookRequest struct {
	Action string `json:"action"`
	Stream string `json:"stream"`
	Param  string `json:"param,omitempty"`
}

type hookResponse struct {
	Status    string `json:"status"`
	Action    string `json:"action"`
	SessionID string `json:"sessionId,omitempty"`
}

// ServeHTTP handles publish and unpublish hooks.
func (c *HookController) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeHookError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if !c.authorized(r) {
		c.logger.Warn("ingest hook rejected token", "remote", r.RemoteAddr)
		writeHookError(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
		return
	}

	var req hookRequest
	if r.Body != nil && r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeHookError(w, http.StatusBadRequest, fmt.Errorf("decode hook payload: %w", err))
			return
		}
	}
	if req.Action == "" {
		req.Action = r.URL.Query().Get("action")
	}
	if req.Stream == "" {
		req.Stream = r.URL.Query().Get("stream")
	}

	action := normalizeAction(req.Action)
	if action == "" {
		writeHookError(w, http.StatusBadRequest, fmt.Errorf("action is required"))
		return
	}
	if strings.TrimSpace(req.Stream) == "" {
		writeHookError(w, http.StatusBadRequest, fmt.Errorf("stream is required"))
		return
	}

	switch action {
	case "publish":
		session, err := c.bridge.PublishStart(r.Context(), req.Stream, identityFromParam(req.Param))
		if err != nil {
			writeHookError(w, hookStatus(err), err)
			return
		}
		writeHookJSON(w, http.StatusOK, hookResponse{Status: "ok", Action: "on_publish", SessionID: session.ID})
	case "unpublish", "publish_done":
		session, err := c.bridge.PublishStop(r.Context(), req.Stream)
		if err != nil {
			writeHookError(w, hookStatus(err), err)
			return
		}
		writeHookJSON(w, http.StatusOK, hookResponse{Status: "ok", Action: "on_unpublish", SessionID: session.ID})
	default:
		writeHookError(w, http.StatusBadRequest, fmt.Errorf("unknown action %s", req.Action))
	}
}

func (c *HookController) authorized(r *http.Request) bool {
	if c.token == "" {
		return false
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if constantTimeEqual(c.token, strings.TrimSpace(parts[1])) {
				return true
			}
		}
	}
	if query := strings.TrimSpace(r.URL.Query().Get("token")); query != "" {
		return constantTimeEqual(c.token, query)
	}
	return false
}

func normalizeAction(action string) string {
	normalized := strings.ToLower(strings.TrimSpace(action))
	return strings.TrimPrefix(normalized, "on_")
}

// identityFromParam extracts the publisher identity the pipeline forwards in
// the hook's raw query parameter, when present.
func identityFromParam(param string) string {
	trimmed := strings.TrimPrefix(strings.TrimSpace(param), "?")
	if trimmed == "" {
		return ""
	}
	values, err := url.ParseQuery(trimmed)
	if err != nil {
		return ""
	}
	if identity := values.Get("identity"); identity != "" {
		return identity
	}
	return values.Get("u")
}

func hookStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownStream):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorizedPublish):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func constantTimeEqual(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	if len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

func writeHookJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeHookError(w http.ResponseWriter, status int, err error) {
	writeHookJSON(w, status, map[string]string{"error": err.Error()})
}
