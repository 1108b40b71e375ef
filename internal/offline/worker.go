package offline

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"cfedge/internal/logging"
	"cfedge/internal/metrics"
)

var (
	// ErrNotIntercepted means the worker leaves the request to the platform.
	ErrNotIntercepted = errors.New("request not intercepted")
	ErrInstallFailed  = errors.New("install failed")
	ErrNotInstalled   = errors.New("worker not installed")
)

type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return "unknown"
}

type Source string

const (
	SourceCache    Source = "cache"
	SourceMiss     Source = "miss"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
	SourceBypass   Source = "bypass"
)

// Network performs requests on behalf of the worker. *http.Client satisfies it.
type Network interface {
	Do(req *http.Request) (*http.Response, error)
}

type Response struct {
	Entry
	Source Source
}

type Options struct {
	// Origin is the worker's own origin, e.g. "https://complianceflow.es".
	Origin      string
	CacheName   string
	Precache    []string
	OfflinePage string
	// Policies defaults to DefaultPolicies("/api/").
	Policies []Rule
	// Sitemaps are read at install time to precache navigation pages on a
	// best-effort basis.
	Sitemaps []string

	Network Network
	Storage Storage
	Sync    *SyncRegistry
	Logger  zerolog.Logger
	Metrics *metrics.Registry
}

// Worker is the offline cache controller. It is installed and activated once
// per cache generation and then resolves every fetch according to its policy
// table.
type Worker struct {
	origin      *url.URL
	cacheName   string
	precache    []string
	offlinePage string
	policies    []Rule
	sitemaps    []string

	network  Network
	storage  Storage
	sync     *SyncRegistry
	logger   zerolog.Logger
	writeLog *logging.Throttled
	metrics  *metrics.Registry
	now      func() time.Time

	state   atomic.Int32
	claimed atomic.Bool

	writeSem chan struct{}
	writes   sync.WaitGroup
}

func NewWorker(opts Options) (*Worker, error) {
	origin, err := url.Parse(strings.TrimRight(opts.Origin, "/"))
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, errors.Errorf("invalid worker origin %q", opts.Origin)
	}
	if opts.CacheName == "" {
		return nil, errors.New("cache name is required")
	}
	if opts.Network == nil || opts.Storage == nil {
		return nil, errors.New("network and storage are required")
	}
	w := &Worker{
		origin:      origin,
		cacheName:   opts.CacheName,
		precache:    opts.Precache,
		offlinePage: opts.OfflinePage,
		policies:    opts.Policies,
		sitemaps:    opts.Sitemaps,
		network:     opts.Network,
		storage:     opts.Storage,
		sync:        opts.Sync,
		logger:      opts.Logger.With().Str("cache", opts.CacheName).Logger(),
		metrics:     opts.Metrics,
		now:         time.Now,
		writeSem:    make(chan struct{}, 32),
	}
	w.writeLog = logging.NewThrottled(w.logger, time.Minute)
	if w.policies == nil {
		w.policies = DefaultPolicies("/api/")
	}
	if w.sync == nil {
		w.sync = NewSyncRegistry()
	}
	return w, nil
}

func (w *Worker) State() State      { return State(w.state.Load()) }
func (w *Worker) Claimed() bool     { return w.claimed.Load() }
func (w *Worker) CacheName() string { return w.cacheName }

// Install precaches every configured asset. Entries are written only after
// all of them were fetched successfully, so a failed install leaves nothing
// behind under the cache name.
func (w *Worker) Install(ctx context.Context) error {
	w.state.Store(int32(StateInstalling))

	entries := make(map[string]Entry, len(w.precache))
	for _, p := range w.precache {
		req, err := w.newRequest(ctx, p)
		if err != nil {
			return w.failInstall(err)
		}
		ent, err := w.fetchNetwork(req)
		if err != nil {
			return w.failInstall(errors.WithMessagef(err, "precache %s", p))
		}
		if ent.Status != http.StatusOK {
			return w.failInstall(errors.Errorf("precache %s: status %d", p, ent.Status))
		}
		ent.Pinned = true
		entries[requestKey(req)] = ent
	}

	cache, err := w.storage.Open(w.cacheName)
	if err != nil {
		return w.failInstall(err)
	}
	for key, ent := range entries {
		if err := cache.Put(key, ent); err != nil {
			return w.failInstall(errors.WithMessagef(err, "store %s", key))
		}
	}

	extra := w.precacheFromSitemaps(ctx, cache, entries)

	w.state.Store(int32(StateInstalled))
	w.logger.Info().Int("precached", len(entries)).Int("discovered", extra).Msg("installed")
	return nil
}

func (w *Worker) failInstall(err error) error {
	w.state.Store(int32(StateParsed))
	w.logger.Error().Err(err).Msg("install failed")
	return &installError{cause: err}
}

// installError matches ErrInstallFailed and keeps the underlying cause
// reachable through Unwrap.
type installError struct {
	cause error
}

func (e *installError) Error() string        { return ErrInstallFailed.Error() + ": " + e.cause.Error() }
func (e *installError) Unwrap() error        { return e.cause }
func (e *installError) Is(target error) bool { return target == ErrInstallFailed }

// Activate deletes every cache generation other than the current one and
// claims open clients.
func (w *Worker) Activate(ctx context.Context) error {
	switch w.State() {
	case StateInstalled, StateActivated:
	default:
		return ErrNotInstalled
	}
	w.state.Store(int32(StateActivating))

	names, err := w.storage.Names()
	if err != nil {
		w.state.Store(int32(StateInstalled))
		return errors.WithMessage(err, "list caches")
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			w.state.Store(int32(StateInstalled))
			return err
		}
		if name == w.cacheName {
			continue
		}
		if _, err := w.storage.Delete(name); err != nil {
			w.state.Store(int32(StateInstalled))
			return errors.WithMessagef(err, "delete cache %s", name)
		}
		w.logger.Info().Str("stale", name).Msg("deleted stale cache")
	}

	ev := w.logger.Info()
	if cache, err := w.storage.Open(w.cacheName); err == nil {
		if keys, err := cache.Keys(); err == nil {
			ev = ev.Int("entries", len(keys))
		}
	}
	w.claimed.Store(true)
	w.state.Store(int32(StateActivated))
	ev.Msg("activated")
	return nil
}

// Fetch resolves req according to the first policy rule it matches.
// Cross-origin requests, and any request before activation, return
// ErrNotIntercepted.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (Response, error) {
	if w.State() != StateActivated {
		return Response{}, ErrNotIntercepted
	}
	req = w.absolute(ctx, req)
	if !w.sameOrigin(req.URL) {
		return Response{}, ErrNotIntercepted
	}

	rule := classify(w.policies, req)
	var (
		resp Response
		err  error
	)
	switch rule.Strategy {
	case NetworkFirst:
		resp, err = w.networkFirst(req)
	case NetworkFirstOffline:
		resp, err = w.networkFirstOffline(req)
	case CacheFirst:
		resp, err = w.cacheFirst(req)
	default:
		resp, err = w.networkOnly(req)
	}
	if err != nil {
		w.logger.Debug().Err(err).Str("url", req.URL.String()).Str("category", string(rule.Category)).Msg("fetch failed")
		return Response{}, err
	}
	w.metrics.Response(string(resp.Source))
	return resp, nil
}

func (w *Worker) networkOnly(req *http.Request) (Response, error) {
	ent, err := w.fetchNetwork(req)
	if err != nil {
		return Response{}, err
	}
	return Response{Entry: ent, Source: SourceNetwork}, nil
}

func (w *Worker) networkFirst(req *http.Request) (Response, error) {
	ent, err := w.fetchNetwork(req)
	if err == nil {
		if req.Method == http.MethodGet {
			w.storeAsync(req, ent)
		}
		return Response{Entry: ent, Source: SourceNetwork}, nil
	}
	if req.Method == http.MethodGet {
		if cached, ok := w.match(req); ok {
			return Response{Entry: cached, Source: SourceCache}, nil
		}
	}
	return Response{}, err
}

func (w *Worker) networkFirstOffline(req *http.Request) (Response, error) {
	ent, err := w.fetchNetwork(req)
	if err == nil {
		return Response{Entry: ent, Source: SourceNetwork}, nil
	}
	page, ok := w.offlineFallback(req.Context())
	if !ok {
		return Response{}, err
	}
	return Response{Entry: page, Source: SourceFallback}, nil
}

func (w *Worker) cacheFirst(req *http.Request) (Response, error) {
	if cached, ok := w.match(req); ok {
		return Response{Entry: cached, Source: SourceCache}, nil
	}
	ent, err := w.fetchNetwork(req)
	if err != nil {
		return Response{}, err
	}
	w.storeAsync(req, ent)
	return Response{Entry: ent, Source: SourceMiss}, nil
}

// Bypass sends req straight to the network without consulting any policy.
func (w *Worker) Bypass(ctx context.Context, req *http.Request) (Response, error) {
	ent, err := w.fetchNetwork(w.absolute(ctx, req))
	if err != nil {
		return Response{}, err
	}
	w.metrics.Response(string(SourceBypass))
	return Response{Entry: ent, Source: SourceBypass}, nil
}

// match looks req up in the current cache, honouring the stored Vary header.
// Read errors count as misses.
func (w *Worker) match(req *http.Request) (Entry, bool) {
	cache, err := w.storage.Open(w.cacheName)
	if err != nil {
		return Entry{}, false
	}
	ent, ok, err := cache.Match(requestKey(req))
	if err != nil || !ok {
		return Entry{}, false
	}
	if !ent.matchesVary(req) {
		return Entry{}, false
	}
	return ent, true
}

func (w *Worker) offlineFallback(ctx context.Context) (Entry, bool) {
	req, err := w.newRequest(ctx, w.offlinePage)
	if err != nil {
		return Entry{}, false
	}
	cache, err := w.storage.Open(w.cacheName)
	if err != nil {
		return Entry{}, false
	}
	ent, ok, err := cache.Match(requestKey(req))
	if err != nil || !ok {
		return Entry{}, false
	}
	return ent, true
}

// storeAsync writes a copy of a 200 response without delaying the caller.
// Failures are logged and dropped, and so are writes beyond the concurrency
// bound.
func (w *Worker) storeAsync(req *http.Request, ent Entry) {
	if ent.Status != http.StatusOK {
		return
	}
	select {
	case w.writeSem <- struct{}{}:
	default:
		w.writeLog.Warn(errors.New("write queue full"), "cache write skipped")
		return
	}
	key := requestKey(req)
	ent = ent.clone()
	w.writes.Add(1)
	go func() {
		defer w.writes.Done()
		defer func() { <-w.writeSem }()
		cache, err := w.storage.Open(w.cacheName)
		if err == nil {
			err = cache.Put(key, ent)
		}
		if err != nil {
			w.writeLog.Warn(err, "cache write failed")
		}
	}()
}

// Flush waits for in-flight cache writes.
func (w *Worker) Flush() { w.writes.Wait() }

// Sync runs the routine registered for tag.
func (w *Worker) Sync(ctx context.Context, tag string) error {
	return w.sync.Dispatch(ctx, tag)
}

// RegisterSync registers fn for tag, or a logging no-op when fn is nil.
func (w *Worker) RegisterSync(tag string, fn SyncFunc) {
	if fn == nil {
		fn = noopSync(w.logger, tag)
	}
	w.sync.Register(tag, fn)
}

// Close waits for pending writes and marks the worker redundant. The storage
// is owned by the caller.
func (w *Worker) Close() {
	w.Flush()
	w.state.Store(int32(StateRedundant))
}

func (w *Worker) fetchNetwork(req *http.Request) (Entry, error) {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	out.Host = ""
	resp, err := w.network.Do(out)
	if err != nil {
		return Entry{}, errors.WithMessagef(err, "network %s", req.URL)
	}
	defer resp.Body.Close()
	ent, err := entryFromResponse(resp, req, w.now())
	if err != nil {
		return Entry{}, errors.WithMessagef(err, "read %s", req.URL)
	}
	return ent, nil
}

func (w *Worker) newRequest(ctx context.Context, path string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, w.origin.String()+path, nil)
}

// absolute resolves a server-side request URL against the worker's origin.
func (w *Worker) absolute(ctx context.Context, req *http.Request) *http.Request {
	out := req.WithContext(ctx)
	if req.URL.IsAbs() {
		return out
	}
	u := *w.origin.ResolveReference(&url.URL{Path: req.URL.Path, RawPath: req.URL.RawPath, RawQuery: req.URL.RawQuery})
	out.URL = &u
	return out
}

func (w *Worker) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, w.origin.Scheme) && strings.EqualFold(u.Host, w.origin.Host)
}

// requestKey identifies a request within a cache: method and absolute URL
// without fragment.
func requestKey(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return req.Method + " " + u.String()
}
