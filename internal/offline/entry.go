package offline

import (
	"bytes"
	"encoding/gob"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"
)

// Entry is a stored response.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
	// Pinned entries are never evicted by size-bounded storages.
	Pinned bool

	// VaryValues holds the request header values named by the response's
	// Vary header at the time it was stored.
	VaryValues map[string]string
}

func entryFromResponse(resp *http.Response, req *http.Request, now time.Time) (Entry, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, err
	}
	ent := Entry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: now.Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	if names := varyNames(resp.Header); len(names) > 0 {
		ent.VaryValues = make(map[string]string, len(names))
		for _, n := range names {
			ent.VaryValues[n] = req.Header.Get(n)
		}
	}
	return ent, nil
}

// intact reports whether the body still matches the checksum taken when the
// entry was built.
func (e Entry) intact() bool { return crc32.ChecksumIEEE(e.Body) == e.Hash32 }

// sealed returns e with its checksum recomputed over the current body.
func (e Entry) sealed() Entry {
	e.Hash32 = crc32.ChecksumIEEE(e.Body)
	return e
}

// matchesVary reports whether req selects this entry under its Vary header.
func (e Entry) matchesVary(req *http.Request) bool {
	names := varyNames(e.Header)
	for _, n := range names {
		if n == "*" {
			return false
		}
		if req.Header.Get(n) != e.VaryValues[n] {
			return false
		}
	}
	return true
}

func varyNames(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Vary") {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if part != "*" {
				part = http.CanonicalHeaderKey(part)
			}
			out = append(out, part)
		}
	}
	return out
}

func (e Entry) clone() Entry {
	out := e
	out.Header = cloneHeader(e.Header)
	out.Body = append([]byte(nil), e.Body...)
	if e.VaryValues != nil {
		out.VaryValues = make(map[string]string, len(e.VaryValues))
		for k, v := range e.VaryValues {
			out.VaryValues[k] = v
		}
	}
	return out
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
