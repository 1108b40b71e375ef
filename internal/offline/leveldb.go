package offline

import (
	"bytes"
	"encoding/gob"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<cache>              cache name marker
//	e:<cache>\x00<key>     gob Entry
//	m:<cache>\x00<key>     gob diskMeta
const keySep = "\x00"

type diskMeta struct {
	Size       int64
	LastAccess int64
	Pinned     bool
}

// LevelStorage persists named caches in one leveldb database. Writes are
// synchronous; access-time touches go through a background writer. When the
// total encoded size exceeds maxBytes the least recently used tenth of the
// unpinned entries is evicted.
type LevelStorage struct {
	maxBytes int64
	db       *leveldb.DB

	mu        sync.Mutex
	index     map[string]map[string]diskMeta
	totalSize int64

	opsMu   sync.RWMutex
	closed  bool
	touches chan touchOp
	done    chan struct{}
}

type touchOp struct {
	name, key string
}

func OpenLevelStorage(path string, maxBytes int64) (*LevelStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "open leveldb %s", path)
	}
	s := &LevelStorage{
		maxBytes: maxBytes,
		db:       db,
		index:    map[string]map[string]diskMeta{},
		touches:  make(chan touchOp, 1024),
		done:     make(chan struct{}),
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go s.touchLoop()
	return s, nil
}

func (s *LevelStorage) Close() error {
	s.opsMu.Lock()
	if s.closed {
		s.opsMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.touches)
	s.opsMu.Unlock()
	<-s.done
	return s.db.Close()
}

func (s *LevelStorage) loadIndex() error {
	idx := map[string]map[string]diskMeta{}

	it := s.db.NewIterator(util.BytesPrefix([]byte("n:")), nil)
	for it.Next() {
		idx[string(bytes.TrimPrefix(it.Key(), []byte("n:")))] = map[string]diskMeta{}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return errors.WithMessage(err, "load cache names")
	}

	var total int64
	it = s.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer it.Release()
	for it.Next() {
		name, key, ok := splitKey(bytes.TrimPrefix(it.Key(), []byte("m:")))
		if !ok {
			continue
		}
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		keys, ok := idx[name]
		if !ok {
			// Leftover of a deleted cache.
			continue
		}
		keys[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return errors.WithMessage(err, "load cache index")
	}

	s.mu.Lock()
	s.index = idx
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

func splitKey(b []byte) (name, key string, ok bool) {
	i := bytes.Index(b, []byte(keySep))
	if i < 0 {
		return "", "", false
	}
	return string(b[:i]), string(b[i+len(keySep):]), true
}

func entryKey(name, key string) []byte { return []byte("e:" + name + keySep + key) }
func metaKey(name, key string) []byte  { return []byte("m:" + name + keySep + key) }

func (s *LevelStorage) Open(name string) (Cache, error) {
	s.mu.Lock()
	_, ok := s.index[name]
	if !ok {
		s.index[name] = map[string]diskMeta{}
	}
	s.mu.Unlock()
	if !ok {
		if err := s.db.Put([]byte("n:"+name), nil, nil); err != nil {
			return nil, errors.WithMessagef(err, "create cache %s", name)
		}
	}
	return &levelCache{s: s, name: name}, nil
}

func (s *LevelStorage) Names() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.index))
	for n := range s.index {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (s *LevelStorage) Delete(name string) (bool, error) {
	// Index first: touches skip names missing from it.
	s.mu.Lock()
	keys, existed := s.index[name]
	for _, meta := range keys {
		s.totalSize -= meta.Size
	}
	delete(s.index, name)
	s.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete([]byte("n:" + name))
	for _, prefix := range []string{"e:", "m:"} {
		it := s.db.NewIterator(util.BytesPrefix([]byte(prefix+name+keySep)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return false, errors.WithMessagef(err, "scan cache %s", name)
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, errors.WithMessagef(err, "delete cache %s", name)
	}
	return existed, nil
}

func (s *LevelStorage) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.index {
		n += len(c)
	}
	return n
}

func (s *LevelStorage) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

func (s *LevelStorage) put(name, key string, ent Entry) error {
	s.mu.Lock()
	prev := s.index[name][key]
	s.mu.Unlock()
	// Overwriting a pinned key keeps it pinned.
	ent.Pinned = ent.Pinned || prev.Pinned
	ent = ent.sealed()

	b, err := encodeGob(ent)
	if err != nil {
		return errors.WithMessage(err, "encode entry")
	}
	meta := diskMeta{Size: int64(len(b)), LastAccess: time.Now().UnixNano(), Pinned: ent.Pinned}
	mb, err := encodeGob(meta)
	if err != nil {
		return errors.WithMessage(err, "encode meta")
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte("n:"+name), nil)
	batch.Put(entryKey(name, key), b)
	batch.Put(metaKey(name, key), mb)
	if err := s.db.Write(batch, nil); err != nil {
		return errors.WithMessagef(err, "write %s", key)
	}

	s.mu.Lock()
	keys := s.index[name]
	if keys == nil {
		keys = map[string]diskMeta{}
		s.index[name] = keys
	}
	s.totalSize += meta.Size - keys[key].Size
	keys[key] = meta
	over := s.maxBytes > 0 && s.totalSize > s.maxBytes
	s.mu.Unlock()

	if over {
		s.evictSome()
	}
	return nil
}

func (s *LevelStorage) get(name, key string) (Entry, bool, error) {
	b, err := s.db.Get(entryKey(name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.WithMessagef(err, "read %s", key)
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, errors.WithMessagef(err, "decode %s", key)
	}
	if !ent.intact() {
		return Entry{}, false, nil
	}
	s.touch(name, key)
	return ent, true, nil
}

// touch never blocks the reader; dropped touches only weaken LRU order.
func (s *LevelStorage) touch(name, key string) {
	s.opsMu.RLock()
	defer s.opsMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.touches <- touchOp{name: name, key: key}:
	default:
	}
}

func (s *LevelStorage) touchLoop() {
	defer close(s.done)
	for op := range s.touches {
		s.mu.Lock()
		if meta, ok := s.index[op.name][op.key]; ok {
			meta.LastAccess = time.Now().UnixNano()
			s.index[op.name][op.key] = meta
			// Delete and eviction drop index entries before their keys.
			if mb, err := encodeGob(meta); err == nil {
				_ = s.db.Put(metaKey(op.name, op.key), mb, nil)
			}
		}
		s.mu.Unlock()
	}
}

func (s *LevelStorage) evictSome() {
	type item struct {
		name, key string
		m         diskMeta
	}
	s.mu.Lock()
	items := make([]item, 0)
	for name, keys := range s.index {
		for k, m := range keys {
			if m.Pinned {
				continue
			}
			items = append(items, item{name, k, m})
		}
	}
	if len(items) == 0 {
		s.mu.Unlock()
		return
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})
	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	items = items[:n]
	for _, it := range items {
		s.totalSize -= it.m.Size
		delete(s.index[it.name], it.key)
	}
	s.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, it := range items {
		batch.Delete(entryKey(it.name, it.key))
		batch.Delete(metaKey(it.name, it.key))
	}
	_ = s.db.Write(batch, nil)
}

type levelCache struct {
	s    *LevelStorage
	name string
}

func (c *levelCache) Match(key string) (Entry, bool, error) { return c.s.get(c.name, key) }
func (c *levelCache) Put(key string, ent Entry) error       { return c.s.put(c.name, key, ent) }

func (c *levelCache) Keys() ([]string, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	out := make([]string, 0, len(c.s.index[c.name]))
	for k := range c.s.index[c.name] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func init() {
	gob.Register(http.Header{})
}
