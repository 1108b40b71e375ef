package gatekeeper

import (
	"context"
	"time"
)

// Window is the fixed rate-limit window of one client identifier.
type Window struct {
	Count   int
	ResetAt time.Time
}

func (w Window) Expired(now time.Time) bool { return !now.Before(w.ResetAt) }

// Store counts requests per identifier. Take must atomically start a new
// window (count 1) when none exists or the current one has expired, and
// otherwise increment the count unless it already reached limit. Requests
// rejected because the window is exhausted are not counted.
type Store interface {
	Take(ctx context.Context, id string, limit int, window time.Duration, now time.Time) (Window, bool, error)
}

type Decision struct {
	Allowed    bool
	Window     Window
	RetryAfter time.Duration
}

// Limiter is a fixed-window rate limiter over a Store.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewLimiter(store Store, limit int, window time.Duration) *Limiter {
	return &Limiter{store: store, limit: limit, window: window, now: time.Now}
}

func (l *Limiter) Window() time.Duration { return l.window }

func (l *Limiter) Allow(ctx context.Context, id string) (Decision, error) {
	now := l.now()
	w, ok, err := l.store.Take(ctx, id, l.limit, l.window, now)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Allowed: ok, Window: w}
	if !ok {
		d.RetryAfter = w.ResetAt.Sub(now)
	}
	return d, nil
}
