package offline

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// maxDiscovered bounds how many sitemap pages one install precaches.
const maxDiscovered = 500

// discoverPaths walks the configured sitemaps, following nested indexes, and
// returns the same-origin paths they list in document order.
func (w *Worker) discoverPaths(ctx context.Context) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	seenPaths := map[string]struct{}{}
	queue := make([]string, 0, len(w.sitemaps))
	for _, sm := range w.sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, w.resolve(sm))
		}
	}

	var paths []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := w.fetchSitemap(ctx, smURL)
		if err != nil {
			return paths, errors.WithMessagef(err, "sitemap %s", smURL)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, w.resolve(nested))
			}
		}
		for _, loc := range doc.URLs {
			p, ok := w.pathFromLoc(loc)
			if !ok {
				continue
			}
			if _, dup := seenPaths[p]; dup {
				continue
			}
			seenPaths[p] = struct{}{}
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// precacheFromSitemaps stores discovered pages that are not already part of
// the install set. Failures are skipped; the returned count is what got stored.
func (w *Worker) precacheFromSitemaps(ctx context.Context, cache Cache, have map[string]Entry) int {
	if len(w.sitemaps) == 0 {
		return 0
	}
	paths, err := w.discoverPaths(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("sitemap discovery incomplete")
	}
	stored := 0
	for _, p := range paths {
		if stored >= maxDiscovered || ctx.Err() != nil {
			break
		}
		req, err := w.newRequest(ctx, p)
		if err != nil {
			continue
		}
		key := requestKey(req)
		if _, ok := have[key]; ok {
			continue
		}
		ent, err := w.fetchNetwork(req)
		if err != nil || ent.Status != http.StatusOK {
			continue
		}
		if err := cache.Put(key, ent); err != nil {
			w.writeLog.Warn(err, "sitemap page not stored")
			continue
		}
		stored++
	}
	return stored
}

func (w *Worker) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := w.network.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, errors.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}
	return parseSitemap(sitemapURL, body)
}

// parseSitemap accepts plain or gzipped XML. A .gz URL whose body was already
// decoded by the transport parses as plain XML.
func parseSitemap(name string, body []byte) (sitemapDoc, error) {
	gzipped := len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b
	if gzipped || strings.HasSuffix(strings.ToLower(name), ".gz") {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			unzipped, rerr := io.ReadAll(gz)
			_ = gz.Close()
			if rerr == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, errors.WithMessage(err, "parse sitemap")
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

func (w *Worker) resolve(ref string) string {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return w.origin.ResolveReference(u).String()
}

// pathFromLoc returns the path and query of loc when it belongs to the
// worker's origin.
func (w *Worker) pathFromLoc(loc string) (string, bool) {
	if loc == "" {
		return "", false
	}
	u, err := url.Parse(w.resolve(loc))
	if err != nil || !w.sameOrigin(u) {
		return "", false
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p, true
}
