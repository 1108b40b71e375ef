package upstream

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"cfedge/internal/gatekeeper"
)

func TestForwarderPassesRequestAndResponse(t *testing.T) {
	require := require.New(t)

	var got *http.Request
	var gotBody string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer origin.Close()

	f := NewForwarder(origin.URL+"/", nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/api/contact?lang=es", strings.NewReader("name=Ana"))
	req.RemoteAddr = "1.2.3.4:5555"
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req = req.WithContext(gatekeeper.WithRequestID(req.Context(), "req-1"))

	rec := httptest.NewRecorder()
	rec.Header().Set("X-Frame-Options", "DENY")
	f.ServeHTTP(rec, req)

	require.Equal(http.StatusCreated, rec.Code)
	require.Equal(`{"ok":true}`, rec.Body.String())
	require.Equal("DENY", rec.Header().Get("X-Frame-Options"))
	require.Equal("application/json", rec.Header().Get("Content-Type"))
	require.Empty(rec.Header().Get("Connection"))

	require.Equal(http.MethodPost, got.Method)
	require.Equal("/api/contact", got.URL.Path)
	require.Equal("lang=es", got.URL.RawQuery)
	require.Equal("name=Ana", gotBody)
	require.Equal("1.2.3.4", got.Header.Get("X-Forwarded-For"))
	require.Equal("req-1", got.Header.Get(gatekeeper.HeaderRequestID))
}

func TestForwarderBadGateway(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	url := origin.URL
	origin.Close()

	f := NewForwarder(url, nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
}
