package main

import (
	"context"
	"time"

	"github.com/oriys/quasar/internal/cache"
	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/guard"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/ratelimit"
	"github.com/oriys/quasar/internal/replyio"
	"github.com/oriys/quasar/internal/retry"
	"github.com/redis/go-redis/v9"
)

// stack holds everything built from a Config. close releases it in reverse order.
type stack struct {
	redis    *redis.Client
	manager  *guard.Manager[any]
	breakers *circuitbreaker.Registry
	service  *replyio.Service
	calls    *logging.CallLogger
}

func buildStack(cfg *config.Config) (*stack, error) {
	for provider, p := range cfg.Retry {
		retry.SetPolicy(provider, p)
	}

	s := &stack{}

	var backend ratelimit.Backend = ratelimit.NewLocalBackend()
	if cfg.RateLimit.Backend == "redis" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			logging.Op().Warn("redis unreachable, starting degraded", "addr", cfg.Redis.Addr, "error", err)
		}
		cancel()
		backend = ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(s.redis))
	}

	limiter := ratelimit.NewLimiter(ratelimit.Options{
		Backend:   backend,
		Providers: cfg.RateLimit.Providers,
		Default:   cfg.RateLimit.Default,
	})

	if cfg.Daemon.CallLogFile != "" {
		s.calls = logging.NewCallLogger(nil)
		if err := s.calls.SetOutput(cfg.Daemon.CallLogFile); err != nil {
			s.close()
			return nil, err
		}
	}

	s.manager = guard.New[any](guard.Options{
		Cache: cache.Options{
			Name:           "guard",
			MaxEntries:     cfg.Cache.MaxEntries,
			MaxMemoryBytes: cfg.Cache.MaxMemoryBytes,
			SweepInterval:  cfg.Cache.SweepInterval,
		},
		Limiter:    limiter,
		Queue:      cfg.Queue,
		CallLogger: s.calls,
	})
	s.breakers = circuitbreaker.NewRegistry(cfg.Breaker)
	s.service = replyio.NewService(cfg.ReplyIO, s.manager, s.breakers)
	return s, nil
}

func (s *stack) close() {
	if s.manager != nil {
		s.manager.Close()
	}
	if s.calls != nil {
		s.calls.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
}
