package guard

import (
	"context"
	"time"

	"github.com/oriys/quasar/internal/cache"
	"github.com/oriys/quasar/internal/ratelimit"
)

// Stats is a read-only snapshot of the manager and its components.
type Stats struct {
	TotalRequests  uint64  `json:"total_requests"`
	CacheHits      uint64  `json:"cache_hits"`
	StaleHits      uint64  `json:"stale_hits"`
	RateLimitHits  uint64  `json:"rate_limit_hits"`
	QueuedRequests uint64  `json:"queued_requests"`
	FetchErrors    uint64  `json:"fetch_errors"`
	HitRate        float64 `json:"hit_rate"`
	AvgResponseMs  float64 `json:"avg_response_ms"`

	Cache   cache.Stats          `json:"cache"`
	Limiter ratelimit.Stats      `json:"limiter"`
	Queue   ratelimit.QueueStats `json:"queue"`
}

// Stats returns counters and component snapshots.
func (m *Manager[V]) Stats(ctx context.Context) Stats {
	s := Stats{
		TotalRequests:  m.totalRequests.Load(),
		CacheHits:      m.cacheHits.Load(),
		StaleHits:      m.staleHits.Load(),
		RateLimitHits:  m.rateLimitHits.Load(),
		QueuedRequests: m.queuedRequests.Load(),
		FetchErrors:    m.fetchErrors.Load(),
		Cache:          m.cache.Stats(),
		Limiter:        m.limiter.Stats(ctx),
		Queue:          m.queue.Stats(),
	}
	if s.TotalRequests > 0 {
		s.HitRate = float64(s.CacheHits) / float64(s.TotalRequests)
		s.AvgResponseMs = float64(m.totalNanos.Load()) / float64(s.TotalRequests) / float64(time.Millisecond)
	}
	return s
}
