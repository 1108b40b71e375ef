package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testOrigin = "https://complianceflow.es"

var testPrecache = []string{"/", "/offline.html", "/manifest.json", "/favicon.ico"}

type page struct {
	status int
	body   string
	header http.Header
}

// fakeNetwork serves a fixed set of pages and can be switched off to simulate
// an outage.
type fakeNetwork struct {
	mu    sync.Mutex
	pages map[string]page
	down  bool
	calls []string
	seen  []*http.Request
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{pages: map[string]page{
		"/":              {body: "<html>home</html>", header: http.Header{"Content-Type": {"text/html"}}},
		"/offline.html":  {body: "<html>offline</html>", header: http.Header{"Content-Type": {"text/html"}}},
		"/manifest.json": {body: `{"name":"ComplianceFlow"}`},
		"/favicon.ico":   {body: "\x00\x00\x01\x00"},
		"/app.js":        {body: "console.log('app')", header: http.Header{"Content-Type": {"application/javascript"}}},
		"/about":         {body: "<html>about</html>", header: http.Header{"Content-Type": {"text/html"}}},
		"/api/services":  {body: `{"services":["gdpr","nis2"]}`, header: http.Header{"Content-Type": {"application/json"}}},
		"/api/contact":   {body: `{"ok":true}`},
		"/api/broken":    {status: http.StatusInternalServerError, body: "boom"},
	}}
}

func (n *fakeNetwork) set(path string, p page) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pages[path] = p
}

func (n *fakeNetwork) setDown(down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down = down
}

func (n *fakeNetwork) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *fakeNetwork) Do(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	n.calls = append(n.calls, req.Method+" "+req.URL.String())
	n.seen = append(n.seen, req)
	down := n.down
	p, ok := n.pages[req.URL.Path]
	n.mu.Unlock()

	if down {
		return nil, errors.New("network unreachable")
	}
	rec := httptest.NewRecorder()
	if !ok {
		http.NotFound(rec, req)
		return rec.Result(), nil
	}
	for k, vs := range p.header {
		rec.Header()[k] = vs
	}
	if p.status != 0 {
		rec.WriteHeader(p.status)
	}
	_, _ = rec.WriteString(p.body)
	return rec.Result(), nil
}

func newTestWorker(t *testing.T, net *fakeNetwork, storage Storage, cacheName string) *Worker {
	t.Helper()
	w, err := NewWorker(Options{
		Origin:      testOrigin,
		CacheName:   cacheName,
		Precache:    testPrecache,
		OfflinePage: "/offline.html",
		Network:     net,
		Storage:     storage,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	return w
}

func activeWorker(t *testing.T, net *fakeNetwork, storage Storage) *Worker {
	t.Helper()
	w := newTestWorker(t, net, storage, "complianceflow-v1")
	require.NoError(t, w.Install(context.Background()))
	require.NoError(t, w.Activate(context.Background()))
	t.Cleanup(w.Close)
	return w
}

func get(path string, header ...string) *http.Request {
	req, _ := http.NewRequest(http.MethodGet, testOrigin+path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return req
}

func TestNewWorkerValidation(t *testing.T) {
	require := require.New(t)
	net := newFakeNetwork()

	_, err := NewWorker(Options{Origin: "complianceflow.es", CacheName: "v1", Network: net, Storage: NewMemoryStorage()})
	require.Error(err)
	_, err = NewWorker(Options{Origin: testOrigin, Network: net, Storage: NewMemoryStorage()})
	require.Error(err)
	_, err = NewWorker(Options{Origin: testOrigin, CacheName: "v1", Storage: NewMemoryStorage()})
	require.Error(err)
}

func TestInstallPrecachesEveryAsset(t *testing.T) {
	require := require.New(t)
	net := newFakeNetwork()
	storage := NewMemoryStorage()
	w := newTestWorker(t, net, storage, "complianceflow-v1")
	require.Equal(StateParsed, w.State())

	require.NoError(w.Install(context.Background()))
	require.Equal(StateInstalled, w.State())
	require.False(w.Claimed())

	cache, err := storage.Open("complianceflow-v1")
	require.NoError(err)
	keys, err := cache.Keys()
	require.NoError(err)
	require.ElementsMatch([]string{
		"GET https://complianceflow.es/",
		"GET https://complianceflow.es/offline.html",
		"GET https://complianceflow.es/manifest.json",
		"GET https://complianceflow.es/favicon.ico",
	}, keys)
}

func TestInstallFailsOnMissingAsset(t *testing.T) {
	require := require.New(t)
	net := newFakeNetwork()
	net.set("/manifest.json", page{status: http.StatusNotFound, body: "nope"})
	storage := NewMemoryStorage()
	w := newTestWorker(t, net, storage, "complianceflow-v1")

	err := w.Install(context.Background())
	require.ErrorIs(err, ErrInstallFailed)
	require.Contains(err.Error(), "/manifest.json")
	require.NotEqual(StateInstalled, w.State())

	names, err := storage.Names()
	require.NoError(err)
	require.Empty(names)
	require.Zero(storage.EntryCount())

	require.ErrorIs(w.Activate(context.Background()), ErrNotInstalled)
}

func TestInstallFailsWhenNetworkDown(t *testing.T) {
	net := newFakeNetwork()
	net.setDown(true)
	w := newTestWorker(t, net, NewMemoryStorage(), "complianceflow-v1")
	require.ErrorIs(t, w.Install(context.Background()), ErrInstallFailed)
}

func TestActivateDeletesOldGenerations(t *testing.T) {
	require := require.New(t)
	net := newFakeNetwork()
	storage := NewMemoryStorage()

	v1 := newTestWorker(t, net, storage, "complianceflow-v1")
	require.NoError(v1.Install(context.Background()))
	require.NoError(v1.Activate(context.Background()))
	v1.Close()
	require.Equal(StateRedundant, v1.State())

	other, err := storage.Open("unrelated")
	require.NoError(err)
	require.NoError(other.Put("k", Entry{Status: http.StatusOK}))

	v2 := newTestWorker(t, net, storage, "complianceflow-v2")
	require.NoError(v2.Install(context.Background()))
	names, err := storage.Names()
	require.NoError(err)
	require.Equal([]string{"complianceflow-v1", "complianceflow-v2", "unrelated"}, names)

	require.NoError(v2.Activate(context.Background()))
	require.Equal(StateActivated, v2.State())
	require.True(v2.Claimed())

	names, err = storage.Names()
	require.NoError(err)
	require.Equal([]string{"complianceflow-v2"}, names)
}

func TestFetchNotInterceptedBeforeActivation(t *testing.T) {
	w := newTestWorker(t, newFakeNetwork(), NewMemoryStorage(), "complianceflow-v1")
	_, err := w.Fetch(context.Background(), get("/app.js"))
	require.ErrorIs(t, err, ErrNotIntercepted)
}

func TestFetchCrossOriginNotIntercepted(t *testing.T) {
	net := newFakeNetwork()
	w := activeWorker(t, net, NewMemoryStorage())
	before := net.callCount()

	req, _ := http.NewRequest(http.MethodGet, "https://fonts.example.com/inter.woff2", nil)
	_, err := w.Fetch(context.Background(), req)
	require.ErrorIs(t, err, ErrNotIntercepted)
	require.Equal(t, before, net.callCount())
}

func TestStaticCacheFirstSurvivesOutage(t *testing.T) {
	require := require.New(t)
	net := newFakeNetwork()
	w := activeWorker(t, net, NewMemoryStorage())

	first, err := w.Fetch(context.Background(), get("/app.js"))
	require.NoError(err)
	require.Equal(SourceMiss, first.Source)
	w.Flush()

	calls := net.callCount()
	net.setDown(true)

	second, err := w.Fetch(context.Background(), get("/app.js"))
	require.NoError(err)
	require.Equal(SourceCache, second.Source)
	require.Equal(first.Body, second.Body)
	require.Equal(first.Hash32, second.Hash32)
	require.Equal("application/javascript", second.Header.Get("Content-Type"))
	require.Equal(calls, net.callCount())
}

func TestStaticPrecachedServedWithoutNetwork(t *testing.T) {
	require := require.New(t)
	net := newFakeNetwork()
	w := activeWorker(t, net, NewMemoryStorage())
	net.setDown(true)

	resp, err := w.Fetch(context.Background(), get("/manifest.json"))
	require.NoError(err)
	require.Equal(SourceCache, resp.Source)
	require.Equal(`{"name":"ComplianceFlow"}`, string(resp.Body))
}

func TestStaticStoresOnly200(t *testing.T) {
	require := require.New(t)
	net := newFakeNetwork()
	w := activeWorker(t, net, NewMemoryStorage())

	resp, err := w.Fetch(context.Background(), get("/missing.css"))
	require.NoError(err)
	require.Equal(http.StatusNotFound, resp.Status)
	w.Flush()

	net.setDown(true)
	_, err = w.Fetch(context.Background(), get("/missing.css"))
	require.Error(err)
}

func TestNavigationFallsBackToOfflinePage(t *testing.T) {
	net := newFakeNetwork()
	w := activeWorker(t, net, NewMemoryStorage())

	cases := []struct {
		name string
		req  *http.Request
	}{
		{name: "sec-fetch-mode", req: get("/about", "Sec-Fetch-Mode", "navigate")},
		{name: "accept html", req: get("/pricing", "Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")},
		{name: "uncached page", req: get("/never-seen", "Sec-Fetch-Mode", "navigate")},
	}

	live, err := w.Fetch(context.Background(), get("/about", "Sec-Fetch-Mode", "navigate"))
	require.NoError(t, err)
	require.Equal(t, SourceNetwork, live.Source)
	require.Equal(t, "<html>about</html>", string(live.Body))

	net.setDown(true)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := w.Fetch(context.Background(), tc.req)
			require.NoError(t, err)
			require.Equal(t, SourceFallback, resp.Source)
			require.Equal(t, http.StatusOK, resp.Status)
			require.Equal(t, "<html>offline</html>", string(resp.Body))
		})
	}
}

func TestNavigationWithoutOfflinePageFails(t *testing.T) {
	net := newFakeNetwork()
	storage := NewMemoryStorage()
	w := activeWorker(t, net, storage)
	_, err := storage.Delete("complianceflow-v1")
	require.NoError(t, err)

	net.setDown(true)
	_, err = w.Fetch(context.Background(), get("/about", "Sec-Fetch-Mode", "navigate"))
	require.Error(t, err)
}

func TestAPINetworkFirst(t *testing.T) {
	require := require.New(t)
	net := newFakeNetwork()
	w := activeWorker(t, net, NewMemoryStorage())

	live, err := w.Fetch(context.Background(), get("/api/services", "Accept", "application/json"))
	require.NoError(err)
	require.Equal(SourceNetwork, live.Source)
	w.Flush()

	net.set("/api/services", page{body: `{"services":["gdpr","nis2","dora"]}`})
	fresh, err := w.Fetch(context.Background(), get("/api/services"))
	require.NoError(err)
	require.Equal(SourceNetwork, fresh.Source)
	require.Contains(string(fresh.Body), "dora")
	w.Flush()

	net.setDown(true)
	cached, err := w.Fetch(context.Background(), get("/api/services"))
	require.NoError(err)
	require.Equal(SourceCache, cached.Source)
	require.Equal(fresh.Body, cached.Body)

	_, err = w.Fetch(context.Background(), get("/api/unknown"))
	require.Error(err)
	require.False(errors.Is(err, ErrNotIntercepted))
}

func TestAPIHTMLAcceptStaysNetworkFirst(t *testing.T) {
	require := require.New(t)
	net := newFakeNetwork()
	w := activeWorker(t, net, NewMemoryStorage())
	net.setDown(true)

	_, err := w.Fetch(context.Background(), get("/api/services", "Sec-Fetch-Mode", "navigate"))
	require.Error(err)
}

func TestAPINon200NotStored(t *testing.T) {
	require := require.New(t)
	net := newFakeNetwork()
	w := activeWorker(t, net, NewMemoryStorage())

	resp, err := w.Fetch(context.Background(), get("/api/broken"))
	require.NoError(err)
	require.Equal(http.StatusInternalServerError, resp.Status)
	w.Flush()

	net.setDown(true)
	_, err = w.Fetch(context.Background(), get("/api/broken"))
	require.Error(err)
}

func TestNonGetNeverCached(t *testing.T) {
	require := require.New(t)
	net := newFakeNetwork()
	storage := NewMemoryStorage()
	w := activeWorker(t, net, storage)
	entries := storage.EntryCount()

	for _, path := range []string{"/api/contact", "/upload"} {
		req, _ := http.NewRequest(http.MethodPost, testOrigin+path, nil)
		_, err := w.Fetch(context.Background(), req)
		require.NoError(err)
	}
	w.Flush()
	require.Equal(entries, storage.EntryCount())

	net.setDown(true)
	req, _ := http.NewRequest(http.MethodPost, testOrigin+"/api/contact", nil)
	_, err := w.Fetch(context.Background(), req)
	require.Error(err)
}

func TestVaryHeaderSelectsEntry(t *testing.T) {
	require := require.New(t)
	net := newFakeNetwork()
	net.set("/styles.css", page{body: "body{}", header: http.Header{"Vary": {"Accept-Language"}}})
	w := activeWorker(t, net, NewMemoryStorage())

	_, err := w.Fetch(context.Background(), get("/styles.css", "Accept-Language", "es"))
	require.NoError(err)
	w.Flush()
	net.setDown(true)

	hit, err := w.Fetch(context.Background(), get("/styles.css", "Accept-Language", "es"))
	require.NoError(err)
	require.Equal(SourceCache, hit.Source)

	_, err = w.Fetch(context.Background(), get("/styles.css", "Accept-Language", "en"))
	require.Error(err)
}

func TestRelativeRequestResolvedAgainstOrigin(t *testing.T) {
	require := require.New(t)
	net := newFakeNetwork()
	w := activeWorker(t, net, NewMemoryStorage())

	req := httptest.NewRequest(http.MethodGet, "/app.js", nil)
	resp, err := w.Fetch(context.Background(), req)
	require.NoError(err)
	require.Equal(SourceMiss, resp.Source)

	net.mu.Lock()
	last := net.seen[len(net.seen)-1]
	net.mu.Unlock()
	require.Equal("complianceflow.es", last.URL.Host)
	require.Empty(last.Host)
}

func TestBypass(t *testing.T) {
	require := require.New(t)
	net := newFakeNetwork()
	w := newTestWorker(t, net, NewMemoryStorage(), "complianceflow-v1")

	resp, err := w.Bypass(context.Background(), httptest.NewRequest(http.MethodGet, "/about", nil))
	require.NoError(err)
	require.Equal(SourceBypass, resp.Source)
	require.Equal("<html>about</html>", string(resp.Body))
}

func TestSyncDispatch(t *testing.T) {
	require := require.New(t)
	w := newTestWorker(t, newFakeNetwork(), NewMemoryStorage(), "complianceflow-v1")
	w.RegisterSync("contact-form-sync", nil)

	require.NoError(w.Sync(context.Background(), "contact-form-sync"))
	require.ErrorIs(w.Sync(context.Background(), "newsletter-sync"), ErrUnknownSyncTag)

	ran := 0
	w.RegisterSync("newsletter-sync", func(context.Context) error {
		ran++
		return errors.New("smtp down")
	})
	err := w.Sync(context.Background(), "newsletter-sync")
	require.Error(err)
	require.Contains(err.Error(), "smtp down")
	require.Equal(1, ran)
}

type failingCache struct{ Cache }

func (failingCache) Put(string, Entry) error { return errors.New("disk full") }

type failingStorage struct{ *MemoryStorage }

func (s failingStorage) Open(name string) (Cache, error) {
	c, err := s.MemoryStorage.Open(name)
	return failingCache{c}, err
}

func TestCacheWriteFailureIsSwallowed(t *testing.T) {
	require := require.New(t)
	net := newFakeNetwork()
	w, err := NewWorker(Options{
		Origin:    testOrigin,
		CacheName: "complianceflow-v1",
		Network:   net,
		Storage:   failingStorage{NewMemoryStorage()},
		Logger:    zerolog.Nop(),
	})
	require.NoError(err)
	require.NoError(w.Install(context.Background()))
	require.NoError(w.Activate(context.Background()))

	resp, err := w.Fetch(context.Background(), get("/app.js"))
	require.NoError(err)
	require.Equal(http.StatusOK, resp.Status)
	w.Flush()
}

func TestOfflinePageSurvivesStorageEviction(t *testing.T) {
	require := require.New(t)
	net := newFakeNetwork()
	storage, err := OpenLevelStorage(t.TempDir(), 4096)
	require.NoError(err)
	t.Cleanup(func() { _ = storage.Close() })
	w := activeWorker(t, net, storage)

	for i := 0; i < 40; i++ {
		path := fmt.Sprintf("/assets/chunk-%d.js", i)
		net.set(path, page{body: strings.Repeat("x", 200)})
		_, err := w.Fetch(context.Background(), get(path))
		require.NoError(err)
		w.Flush()
	}
	require.LessOrEqual(storage.TotalSize(), int64(4096))

	net.setDown(true)
	resp, err := w.Fetch(context.Background(), get("/pricing", "Sec-Fetch-Mode", "navigate"))
	require.NoError(err)
	require.Equal(SourceFallback, resp.Source)
	require.Equal("<html>offline</html>", string(resp.Body))

	manifest, err := w.Fetch(context.Background(), get("/manifest.json"))
	require.NoError(err)
	require.Equal(SourceCache, manifest.Source)
}

type networkFunc func(*http.Request) (*http.Response, error)

func (f networkFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

func TestInstallErrorKeepsCause(t *testing.T) {
	require := require.New(t)
	network := networkFunc(func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	})
	w, err := NewWorker(Options{
		Origin:    testOrigin,
		CacheName: "complianceflow-v1",
		Precache:  testPrecache,
		Network:   network,
		Storage:   NewMemoryStorage(),
		Logger:    zerolog.Nop(),
	})
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = w.Install(ctx)
	require.ErrorIs(err, ErrInstallFailed)
	require.ErrorIs(err, context.DeadlineExceeded)
	require.Contains(err.Error(), "install failed")
	require.Contains(err.Error(), "precache /")
}
