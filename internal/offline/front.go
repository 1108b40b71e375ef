package offline

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	HeaderCache = "X-Cfedge-Cache"
	syncPrefix  = "/__sync/"
)

// Front serves worker results over HTTP, standing in for the browser side of
// the controller.
type Front struct {
	worker *Worker
	logger zerolog.Logger
	stats  *responseStats
}

func NewFront(worker *Worker, logger zerolog.Logger) *Front {
	return &Front{worker: worker, logger: logger, stats: newResponseStats()}
}

func (f *Front) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, syncPrefix) {
		f.serveSync(w, r)
		return
	}

	resp, err := f.worker.Fetch(r.Context(), r)
	if errors.Is(err, ErrNotIntercepted) {
		resp, err = f.worker.Bypass(r.Context(), r)
	}
	if err != nil {
		f.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("offline fetch failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	f.write(w, resp)
}

func (f *Front) serveSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tag := strings.TrimPrefix(r.URL.Path, syncPrefix)
	err := f.worker.Sync(r.Context(), tag)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrUnknownSyncTag):
		http.Error(w, "unknown sync tag", http.StatusNotFound)
	default:
		f.logger.Error().Err(err).Str("tag", tag).Msg("background sync failed")
		http.Error(w, "sync failed", http.StatusInternalServerError)
	}
}

func (f *Front) write(w http.ResponseWriter, resp Response) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, HeaderCache) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(HeaderCache, cacheHeaderValue(resp.Source))
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)

	switch resp.Source {
	case SourceCache, SourceFallback:
		f.stats.Observe(len(resp.Body))
	}
}

func cacheHeaderValue(src Source) string {
	if src == SourceCache {
		return "hit"
	}
	return string(src)
}

// RunStats logs storage and response statistics every interval until ctx is
// done.
func (f *Front) RunStats(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	sizer, _ := f.worker.storage.(Sizer)
	statsLoop(ctx, f.logger, every, sizer, f.stats)
}
