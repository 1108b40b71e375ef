package logging

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Throttled emits at most one warning per interval; suppressed events are
// counted and reported with the next emitted one.
type Throttled struct {
	logger   zerolog.Logger
	interval time.Duration
	now      func() time.Time

	mu         sync.Mutex
	lastAt     time.Time
	suppressed int
}

func NewThrottled(logger zerolog.Logger, interval time.Duration) *Throttled {
	return &Throttled{logger: logger, interval: interval, now: time.Now}
}

func (l *Throttled) Warn(err error, msg string) {
	l.mu.Lock()
	now := l.now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	suppressed := l.suppressed
	l.suppressed = 0
	l.mu.Unlock()

	ev := l.logger.Warn().Err(err)
	if suppressed > 0 {
		ev = ev.Int("suppressed", suppressed)
	}
	ev.Msg(msg)
}
