package gatekeeper

import (
	"context"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// MemoryStore keeps windows in a sharded concurrent map for single-process
// deployments. Expired windows are removed by a periodic sweep.
type MemoryStore struct {
	windows cmap.ConcurrentMap[string, Window]
	logger  zerolog.Logger
	now     func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewMemoryStore(logger zerolog.Logger) *MemoryStore {
	return &MemoryStore{
		windows: cmap.New[Window](),
		logger:  logger,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Take runs under the shard lock of id, which makes increment-or-reset
// atomic per identifier.
func (s *MemoryStore) Take(_ context.Context, id string, limit int, window time.Duration, now time.Time) (Window, bool, error) {
	allowed := false
	w := s.windows.Upsert(id, Window{}, func(exist bool, cur Window, _ Window) Window {
		if !exist || cur.Expired(now) {
			allowed = true
			return Window{Count: 1, ResetAt: now.Add(window)}
		}
		if cur.Count >= limit {
			return cur
		}
		allowed = true
		cur.Count++
		return cur
	})
	return w, allowed, nil
}

func (s *MemoryStore) Len() int { return s.windows.Count() }

// Sweep removes every window whose reset time has passed and returns how
// many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for _, id := range s.windows.Keys() {
		if s.windows.RemoveCb(id, func(_ string, w Window, exists bool) bool {
			return exists && w.Expired(now)
		}) {
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until Close.
func (s *MemoryStore) StartSweeper(every time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				if n := s.Sweep(s.now()); n > 0 {
					s.logger.Debug().Int("removed", n).Int("remaining", s.Len()).Msg("rate-limit sweep")
				}
			}
		}
	}()
}

func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return nil
}
