package upstream

import (
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"cfedge/internal/gatekeeper"
)

var hopByHop = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Forwarder passes requests that cleared the gatekeeper on to the
// application origin and streams the response back.
type Forwarder struct {
	origin     string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewForwarder(origin string, client *http.Client, logger zerolog.Logger) *Forwarder {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &Forwarder{
		origin:     strings.TrimRight(origin, "/"),
		httpClient: client,
		logger:     logger,
	}
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := f.roundTrip(r)
	if err != nil {
		f.logger.Warn().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("upstream failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	// Headers set by the gatekeeper win over upstream ones of the same name.
	dst := w.Header()
	preset := make(map[string]struct{}, len(dst))
	for k := range dst {
		preset[k] = struct{}{}
	}
	for k, vs := range resp.Header {
		if _, ok := preset[k]; ok || isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		f.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("copy upstream body")
	}
}

func (f *Forwarder) roundTrip(r *http.Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, f.origin+r.URL.RequestURI(), r.Body)
	if err != nil {
		return nil, errors.WithMessage(err, "build upstream request")
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)
	req.Host = r.Host

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			host = prior + ", " + host
		}
		req.Header.Set("X-Forwarded-For", host)
	}
	if id, ok := gatekeeper.RequestID(r.Context()); ok {
		req.Header.Set(gatekeeper.HeaderRequestID, id)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s %s", r.Method, r.URL.Path)
	}
	return resp, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHop {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
