package gatekeeper

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cfedge/internal/logging"
	"cfedge/internal/metrics"
)

const (
	DecisionPreflight      = "preflight"
	DecisionOriginRejected = "origin_rejected"
	DecisionThrottled      = "throttled"
	DecisionAllowed        = "allowed"
	DecisionStoreError     = "store_error"
)

type Options struct {
	Origins OriginSet
	// Scoped selects the paths subject to origin checks.
	Scoped func(path string) bool
	// Limiter may be nil to disable rate limiting.
	Limiter *Limiter
	// LimitScopedOnly restricts rate limiting to scoped paths.
	LimitScopedOnly bool

	Logger  zerolog.Logger
	Metrics *metrics.Registry
	// NewRequestID defaults to random UUIDs.
	NewRequestID func() string
}

// Gatekeeper filters inbound requests by origin and rate before they reach
// the application, and decorates the ones it lets through.
type Gatekeeper struct {
	origins         OriginSet
	scoped          func(string) bool
	limiter         *Limiter
	limitScopedOnly bool

	logger   zerolog.Logger
	storeLog *logging.Throttled
	metrics  *metrics.Registry
	newID    func() string
}

func New(opts Options) *Gatekeeper {
	g := &Gatekeeper{
		origins:         opts.Origins,
		scoped:          opts.Scoped,
		limiter:         opts.Limiter,
		limitScopedOnly: opts.LimitScopedOnly,
		logger:          opts.Logger,
		storeLog:        logging.NewThrottled(opts.Logger, time.Minute),
		metrics:         opts.Metrics,
		newID:           opts.NewRequestID,
	}
	if g.scoped == nil {
		g.scoped = func(string) bool { return false }
	}
	if g.newID == nil {
		g.newID = func() string { return uuid.NewString() }
	}
	return g
}

func (g *Gatekeeper) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.serve(w, r, next)
	})
}

func (g *Gatekeeper) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	origin := r.Header.Get("Origin")
	allowed := g.origins.Allowed(origin)

	if r.Method == http.MethodOptions {
		setPreflightHeaders(w.Header(), origin, allowed)
		w.WriteHeader(http.StatusOK)
		g.metrics.Decision(DecisionPreflight)
		return
	}

	scoped := g.scoped(r.URL.Path)
	if scoped && origin != "" && !allowed {
		g.logger.Info().
			Str("origin", origin).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("origin rejected")
		g.reject(w, originRejection(), DecisionOriginRejected)
		return
	}

	if g.limiter != nil && (scoped || !g.limitScopedOnly) {
		client := ClientID(r)
		d, err := g.limiter.Allow(r.Context(), client)
		switch {
		case err != nil:
			// Fail open.
			g.storeLog.Warn(err, "rate-limit store unavailable, allowing request")
			g.metrics.Decision(DecisionStoreError)
		case !d.Allowed:
			g.logger.Debug().
				Str("client", client).
				Int("count", d.Window.Count).
				Dur("retryAfter", d.RetryAfter).
				Msg("rate limited")
			g.reject(w, throttleRejection(d.RetryAfter), DecisionThrottled)
			return
		}
	}

	id := g.newID()
	h := w.Header()
	if allowed {
		setCORSHeaders(h, origin)
	}
	setHardeningHeaders(h, id)
	g.metrics.Decision(DecisionAllowed)

	next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
}

func (g *Gatekeeper) reject(w http.ResponseWriter, rej *Rejection, decision string) {
	var window time.Duration
	if g.limiter != nil {
		window = g.limiter.Window()
	}
	writeRejection(w, rej, window)
	g.metrics.Decision(decision)
}

type requestIDKey struct{}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the correlation id assigned by the gatekeeper, if any.
func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok
}
