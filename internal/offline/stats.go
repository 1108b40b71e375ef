package offline

import (
	"context"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// responseStats tracks body sizes of responses served from storage.
type responseStats struct {
	count atomic.Uint64
	total atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
}

func newResponseStats() *responseStats {
	s := &responseStats{}
	s.min.Store(math.MaxUint64)
	return s
}

func (s *responseStats) Observe(n int) {
	if n < 0 {
		n = 0
	}
	v := uint64(n)
	s.count.Add(1)
	s.total.Add(v)
	for cur := s.min.Load(); v < cur; cur = s.min.Load() {
		if s.min.CompareAndSwap(cur, v) {
			break
		}
	}
	for cur := s.max.Load(); v > cur; cur = s.max.Load() {
		if s.max.CompareAndSwap(cur, v) {
			break
		}
	}
}

type statsSnapshot struct {
	Count, Total, Min, Max, Avg uint64
}

func (s *responseStats) Snapshot() statsSnapshot {
	count := s.count.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	total := s.total.Load()
	return statsSnapshot{
		Count: count,
		Total: total,
		Min:   s.min.Load(),
		Max:   s.max.Load(),
		Avg:   total / count,
	}
}

// statsLoop logs storage footprint and response sizes every interval until ctx
// is done. sizer may be nil.
func statsLoop(ctx context.Context, logger zerolog.Logger, every time.Duration, sizer Sizer, stats *responseStats) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ev := logger.Info()
			if sizer != nil {
				ev = ev.Int("entries", sizer.EntryCount()).Str("stored", formatBytes(uint64(sizer.TotalSize())))
			}
			ss := stats.Snapshot()
			ev.Uint64("served", ss.Count).
				Str("resp_min", formatBytes(ss.Min)).
				Str("resp_avg", formatBytes(ss.Avg)).
				Str("resp_max", formatBytes(ss.Max)).
				Msg("offline cache stats")
		}
	}
}

func formatBytes(b uint64) string {
	units := []struct {
		size   uint64
		suffix string
	}{
		{1 << 30, "gb"},
		{1 << 20, "mb"},
		{1 << 10, "kb"},
	}
	for _, u := range units {
		if b >= u.size {
			s := strconv.FormatFloat(float64(b)/float64(u.size), 'f', 1, 64)
			if len(s) > 2 && s[len(s)-2:] == ".0" {
				s = s[:len(s)-2]
			}
			return s + u.suffix
		}
	}
	return strconv.FormatUint(b, 10) + "b"
}
