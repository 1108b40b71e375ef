package gatekeeper

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	HeaderRequestID = "X-Request-ID"

	preflightMaxAge = 86400
)

var (
	allowMethods = []string{
		http.MethodGet, http.MethodPost, http.MethodPut,
		http.MethodDelete, http.MethodPatch, http.MethodOptions,
	}
	allowHeaders = []string{
		"Content-Type", "Authorization", "X-CSRF-Token", "X-Requested-With",
		"Accept", "Accept-Version", "Content-Length", "Content-MD5", "Date",
		"X-Api-Version",
	}

	allowMethodsValue = strings.Join(allowMethods, ", ")
	allowHeadersValue = strings.Join(allowHeaders, ", ")

	// Attached to every response that reaches the application.
	hardeningHeaders = [][2]string{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Referrer-Policy", "strict-origin-when-cross-origin"},
		{"Strict-Transport-Security", "max-age=63072000; includeSubDomains; preload"},
		{"Permissions-Policy", "camera=(), microphone=(), geolocation=(), interest-cohort=()"},
	}
)

func setPreflightHeaders(h http.Header, origin string, allowed bool) {
	h.Set("Access-Control-Allow-Methods", allowMethodsValue)
	h.Set("Access-Control-Allow-Headers", allowHeadersValue)
	h.Set("Access-Control-Max-Age", strconv.Itoa(preflightMaxAge))
	h.Add("Vary", "Origin")
	if allowed {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}

func setCORSHeaders(h http.Header, origin string) {
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", allowMethodsValue)
	h.Set("Access-Control-Allow-Headers", allowHeadersValue)
}

func setHardeningHeaders(h http.Header, requestID string) {
	for _, kv := range hardeningHeaders {
		h.Set(kv[0], kv[1])
	}
	h.Set(HeaderRequestID, requestID)
	h.Add("Vary", "Origin")
}
