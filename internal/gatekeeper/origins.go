package gatekeeper

import "strings"

// OriginSet is the immutable allow-list of origins permitted to make
// cross-origin requests against scoped paths.
type OriginSet struct {
	m map[string]struct{}
}

func NewOriginSet(origins []string) OriginSet {
	m := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = normalizeOrigin(o)
		if o != "" {
			m[o] = struct{}{}
		}
	}
	return OriginSet{m: m}
}

// Allowed reports whether origin is a member of the set. An empty origin is
// never a member.
func (s OriginSet) Allowed(origin string) bool {
	if origin == "" {
		return false
	}
	_, ok := s.m[normalizeOrigin(origin)]
	return ok
}

func (s OriginSet) Len() int { return len(s.m) }

// Scheme and host are case-insensitive; a trailing slash is tolerated.
func normalizeOrigin(o string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
}
