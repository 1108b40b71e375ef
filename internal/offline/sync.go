package offline

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var ErrUnknownSyncTag = errors.New("unknown sync tag")

// SyncFunc replays work queued while offline once connectivity returns.
type SyncFunc func(ctx context.Context) error

// SyncRegistry maps background-sync tags to their routines.
type SyncRegistry struct {
	mu    sync.RWMutex
	funcs map[string]SyncFunc
}

func NewSyncRegistry() *SyncRegistry {
	return &SyncRegistry{funcs: map[string]SyncFunc{}}
}

func (r *SyncRegistry) Register(tag string, fn SyncFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[tag] = fn
}

func (r *SyncRegistry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for t := range r.funcs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *SyncRegistry) Dispatch(ctx context.Context, tag string) error {
	r.mu.RLock()
	fn, ok := r.funcs[tag]
	r.mu.RUnlock()
	if !ok {
		return errors.Wrap(ErrUnknownSyncTag, tag)
	}
	if err := fn(ctx); err != nil {
		return errors.WithMessagef(err, "sync %s", tag)
	}
	return nil
}

// noopSync is registered for configured tags that have no queue yet.
func noopSync(logger zerolog.Logger, tag string) SyncFunc {
	return func(context.Context) error {
		logger.Info().Str("tag", tag).Msg("background sync: nothing queued")
		return nil
	}
}
