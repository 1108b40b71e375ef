package offline

import (
	"mime"
	"net/http"
	"strings"
)

type Category string

const (
	CategoryAPI         Category = "api"
	CategoryNavigation  Category = "navigation"
	CategoryStatic      Category = "static"
	CategoryPassthrough Category = "passthrough"
)

type Strategy int

const (
	// NetworkFirst returns the live response and falls back to an exact cache
	// match when the network fails.
	NetworkFirst Strategy = iota
	// NetworkFirstOffline falls back to the precached offline page.
	NetworkFirstOffline
	// CacheFirst only touches the network on a cache miss.
	CacheFirst
	// NetworkOnly never reads or writes the cache.
	NetworkOnly
)

func (s Strategy) String() string {
	switch s {
	case NetworkFirst:
		return "network-first"
	case NetworkFirstOffline:
		return "network-first-offline"
	case CacheFirst:
		return "cache-first"
	case NetworkOnly:
		return "network-only"
	}
	return "unknown"
}

// Rule maps a request category to its strategy. Rules are evaluated in order
// and the first match wins.
type Rule struct {
	Category Category
	Strategy Strategy
	Match    func(r *http.Request) bool
}

// DefaultPolicies is the request policy table: API calls are network-first,
// navigations fall back to the offline page, other non-GET requests bypass
// the cache, and everything else is a cache-first static asset.
func DefaultPolicies(apiMarker string) []Rule {
	return []Rule{
		{
			Category: CategoryAPI,
			Strategy: NetworkFirst,
			Match:    func(r *http.Request) bool { return strings.Contains(r.URL.Path, apiMarker) },
		},
		{
			Category: CategoryNavigation,
			Strategy: NetworkFirstOffline,
			Match:    IsNavigation,
		},
		{
			Category: CategoryPassthrough,
			Strategy: NetworkOnly,
			Match:    func(r *http.Request) bool { return r.Method != http.MethodGet },
		},
		{
			Category: CategoryStatic,
			Strategy: CacheFirst,
			Match:    func(*http.Request) bool { return true },
		},
	}
}

// IsNavigation reports whether r is a page navigation: either the browser says
// so via Sec-Fetch-Mode, or the request's first accepted type is HTML.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	if r.Method != http.MethodGet {
		return false
	}
	accept := r.Header.Get("Accept")
	if accept == "" {
		return false
	}
	first, _, _ := strings.Cut(accept, ",")
	mt, _, err := mime.ParseMediaType(strings.TrimSpace(first))
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

func classify(rules []Rule, r *http.Request) Rule {
	for _, rule := range rules {
		if rule.Match(r) {
			return rule
		}
	}
	return Rule{Category: CategoryStatic, Strategy: NetworkOnly}
}
