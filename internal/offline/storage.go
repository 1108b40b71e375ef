package offline

import (
	"sort"
	"sync"
)

// Cache is one named generation of stored responses.
type Cache interface {
	Match(key string) (Entry, bool, error)
	Put(key string, ent Entry) error
	Keys() ([]string, error)
}

// Storage manages named caches. Replacing a name's contents happens by
// deleting the name; there is no per-entry expiry.
type Storage interface {
	Open(name string) (Cache, error)
	Names() ([]string, error)
	Delete(name string) (bool, error)
	Close() error
}

// Sizer is implemented by storages that can report their footprint.
type Sizer interface {
	EntryCount() int
	TotalSize() int64
}

type MemoryStorage struct {
	mu     sync.RWMutex
	caches map[string]map[string]Entry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{caches: map[string]map[string]Entry{}}
}

func (s *MemoryStorage) Open(name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caches[name]; !ok {
		s.caches[name] = map[string]Entry{}
	}
	return &memoryCache{s: s, name: name}, nil
}

func (s *MemoryStorage) Names() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.caches))
	for n := range s.caches {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStorage) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caches[name]
	delete(s.caches, name)
	return ok, nil
}

func (s *MemoryStorage) Close() error { return nil }

func (s *MemoryStorage) EntryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.caches {
		n += len(c)
	}
	return n
}

func (s *MemoryStorage) TotalSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, c := range s.caches {
		for _, e := range c {
			n += int64(len(e.Body))
		}
	}
	return n
}

type memoryCache struct {
	s    *MemoryStorage
	name string
}

func (c *memoryCache) Match(key string) (Entry, bool, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	ent, ok := c.s.caches[c.name][key]
	if !ok {
		return Entry{}, false, nil
	}
	return ent.clone(), true, nil
}

// Put on a cache whose name was deleted recreates the name, like reopening it.
func (c *memoryCache) Put(key string, ent Entry) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	m, ok := c.s.caches[c.name]
	if !ok {
		m = map[string]Entry{}
		c.s.caches[c.name] = m
	}
	m[key] = ent.clone()
	return nil
}

func (c *memoryCache) Keys() ([]string, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	out := make([]string, 0, len(c.s.caches[c.name]))
	for k := range c.s.caches[c.name] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
