package server

import (
	"net"
	"net/http"
	"strings"
)

// clientIP resolves the caller's address, preferring the first
// X-Forwarded-For hop when a proxy sits in front of the coordinator.
func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isWebsocketPath(path string) bool {
	return strings.HasPrefix(path, "/ws/")
}
