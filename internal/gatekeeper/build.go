package gatekeeper

import (
	"context"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"cfedge/internal/config"
	"cfedge/internal/metrics"
)

// FromConfig assembles a Gatekeeper and its rate-limit store. Redis is used
// when configured and reachable; otherwise windows are kept in memory. The
// returned closer releases the store.
func FromConfig(cfg config.Config, logger zerolog.Logger, reg *metrics.Registry) (*Gatekeeper, io.Closer) {
	gk := cfg.Gatekeeper
	rl := gk.RateLimit

	store, closer := newStore(rl, logger)
	origins := gk.ActiveOrigins(cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Strs("origins", origins).
		Int("limit", rl.Max).
		Dur("window", rl.WindowDuration()).
		Str("scope", rl.Scope).
		Msg("gatekeeper configured")

	g := New(Options{
		Origins:         NewOriginSet(origins),
		Scoped:          gk.Scoped,
		Limiter:         NewLimiter(store, rl.Max, rl.WindowDuration()),
		LimitScopedOnly: rl.Scope == config.RateLimitScopeScoped,
		Logger:          logger,
		Metrics:         reg,
	})
	return g, closer
}

func newStore(rl config.RateLimit, logger zerolog.Logger) (Store, io.Closer) {
	if rl.Redis.Addr != "" {
		cli := redis.NewClient(&redis.Options{
			Addr:     rl.Redis.Addr,
			Password: rl.Redis.Password,
			DB:       rl.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := cli.Ping(ctx).Err()
		cancel()
		if err == nil {
			logger.Info().Str("addr", rl.Redis.Addr).Msg("rate-limit store: redis")
			return NewRedisStore(cli, rl.Redis.KeyPrefix), cli
		}
		logger.Warn().Err(err).Str("addr", rl.Redis.Addr).Msg("redis unavailable, falling back to in-memory rate limits")
		_ = cli.Close()
	}

	mem := NewMemoryStore(logger)
	mem.StartSweeper(rl.SweepInterval())
	return mem, mem
}
