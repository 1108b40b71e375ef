package gatekeeper

import (
	"net"
	"net/http"
	"strings"
)

const unknownClient = "unknown"

// ClientID derives a best-effort client identifier: the first X-Forwarded-For
// hop, then X-Real-IP, then the remote address host.
func ClientID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if r.RemoteAddr != "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		if host != "" {
			return host
		}
	}
	return unknownClient
}
