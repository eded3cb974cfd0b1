// Package guard is the façade every caller of a rate-limited provider goes
// through. A lookup is served from the cache when possible; on a miss the
// rate limiter decides whether the provider may be called now. Refused
// lookups fall back to the last known value (the stale copy kept at three
// times the TTL) and only queue when no such copy exists.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oriys/quasar/internal/cache"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/ratelimit"
)

// StaleSuffix is appended to a key to address its long-lived stale copy.
const StaleSuffix = ":stale"

// DefaultStaleMultiplier is how much longer the stale copy lives than the entry.
const DefaultStaleMultiplier = 3

// Outcomes of a Get.
const (
	OutcomeHit    = "hit"
	OutcomeFresh  = "fresh"
	OutcomeStale  = "stale"
	OutcomeQueued = "queued"
	OutcomeError  = "error"
)

// FetchFunc produces a fresh value from the provider.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Options configures a Manager.
type Options struct {
	Cache           cache.Options
	Limiter         *ratelimit.Limiter // default: in-memory limiter with built-in providers
	Queue           ratelimit.QueueConfig
	StaleMultiplier int
	CallLogger      *logging.CallLogger
	Now             func() time.Time
}

// Manager combines the cache, the rate limiter and the request queue.
type Manager[V any] struct {
	cache   *cache.Cache[V]
	limiter *ratelimit.Limiter
	queue   *ratelimit.Queue[V]
	group   singleflight.Group
	calls   *logging.CallLogger
	now     func() time.Time
	stale   time.Duration

	mu      sync.Mutex
	waiting map[string]*waiters

	totalRequests  atomic.Uint64
	cacheHits      atomic.Uint64
	staleHits      atomic.Uint64
	rateLimitHits  atomic.Uint64
	queuedRequests atomic.Uint64
	fetchErrors    atomic.Uint64
	totalNanos     atomic.Int64
}

// New creates a manager. Call Start to run the queue drainer.
func New[V any](opts Options) *Manager[V] {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Cache.Now == nil {
		opts.Cache.Now = opts.Now
	}
	if opts.Queue.Now == nil {
		opts.Queue.Now = opts.Now
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewLimiter(ratelimit.Options{Now: opts.Now})
	}
	if opts.StaleMultiplier <= 0 {
		opts.StaleMultiplier = DefaultStaleMultiplier
	}

	return &Manager[V]{
		cache:   cache.New[V](opts.Cache),
		limiter: opts.Limiter,
		queue:   ratelimit.NewQueue[V](opts.Limiter, opts.Queue),
		calls:   opts.CallLogger,
		now:     opts.Now,
		stale:   time.Duration(opts.StaleMultiplier),
		waiting: make(map[string]*waiters),
	}
}

// Cache returns the underlying cache.
func (m *Manager[V]) Cache() *cache.Cache[V] { return m.cache }

// Limiter returns the underlying rate limiter.
func (m *Manager[V]) Limiter() *ratelimit.Limiter { return m.limiter }

// Queue returns the queue holding refused requests.
func (m *Manager[V]) Queue() *ratelimit.Queue[V] { return m.queue }

type flight[V any] struct {
	value   V
	outcome string
}

// waiters counts the callers blocked on one key. ctx ends once the last of
// them has gone, which abandons any queued ticket the flight holds.
type waiters struct {
	n      int
	ctx    context.Context
	cancel context.CancelFunc
}

func (m *Manager[V]) join(ctx context.Context, key string) *waiters {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waiting[key]
	if !ok {
		wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		w = &waiters{ctx: wctx, cancel: cancel}
		m.waiting[key] = w
	}
	w.n++
	return w
}

// leave drops one caller. When the last caller gives up before the flight
// finished, the flight is forgotten so the next Get starts a fresh one.
func (m *Manager[V]) leave(key string, w *waiters, finished bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.n--
	if w.n > 0 {
		return
	}
	if m.waiting[key] == w {
		delete(m.waiting, key)
	}
	if !finished {
		m.group.Forget(key)
	}
	w.cancel()
}

// Get returns the value for key, fetching it through the rate limiter on a
// miss. Concurrent misses on the same key share one fetch; each caller still
// stops waiting when its own ctx ends.
func (m *Manager[V]) Get(ctx context.Context, key string, id domain.Identity, fetch FetchFunc[V], ttl time.Duration, priority domain.Priority) (V, error) {
	start := m.now()
	m.totalRequests.Add(1)

	ctx, span := observability.StartSpan(ctx, "guard.get",
		observability.AttrKey.String(key),
		observability.AttrProvider.String(id.Provider),
		observability.AttrPriority.String(priority.String()),
	)
	defer span.End()

	var (
		v       V
		err     error
		outcome string
	)
	defer func() {
		elapsed := m.now().Sub(start)
		m.totalNanos.Add(int64(elapsed))
		span.SetAttributes(observability.AttrOutcome.String(outcome))
		if err != nil {
			observability.SetSpanError(span, err)
		}
		metrics.RecordGuardRequest(outcome, float64(elapsed)/float64(time.Millisecond))
		m.logCall(ctx, key, id, priority, outcome, elapsed, err)
	}()

	if cached, ok := m.cache.Get(key); ok {
		m.cacheHits.Add(1)
		outcome = OutcomeHit
		return cached, nil
	}

	w := m.join(ctx, key)
	ch := m.group.DoChan(key, func() (any, error) {
		// shared by every waiter, so not tied to the first caller's context
		fv, foutcome, ferr := m.miss(context.WithoutCancel(ctx), w.ctx, key, id, fetch, ttl, priority)
		if ferr != nil {
			return nil, ferr
		}
		return flight[V]{value: fv, outcome: foutcome}, nil
	})

	select {
	case res := <-ch:
		m.leave(key, w, true)
		if res.Err != nil {
			outcome, err = OutcomeError, res.Err
			return v, err
		}
		f := res.Val.(flight[V])
		outcome = f.outcome
		return f.value, nil
	case <-ctx.Done():
		m.leave(key, w, false)
		outcome, err = OutcomeError, ctx.Err()
		return v, err
	}
}

// miss runs the admission path for a key that is not cached. waitCtx bounds
// only the time spent queued.
func (m *Manager[V]) miss(ctx, waitCtx context.Context, key string, id domain.Identity, fetch FetchFunc[V], ttl time.Duration, priority domain.Priority) (V, string, error) {
	d := m.limiter.Allow(ctx, id)
	if d.Allowed {
		v, err := m.fetchAndStore(ctx, key, fetch, ttl, priority)
		if err == nil {
			return v, OutcomeFresh, nil
		}
		m.fetchErrors.Add(1)
		return m.staleOr(key, err)
	}

	m.rateLimitHits.Add(1)
	if stale, ok := m.cache.Get(key + StaleSuffix); ok {
		m.staleHits.Add(1)
		traceLog(ctx).Debug("rate limited, serving stale copy", "key", key, "provider", id.Provider, "retry_after", d.RetryAfter)
		return stale, OutcomeStale, nil
	}

	m.queuedRequests.Add(1)
	traceLog(ctx).Info("rate limited, queueing request", "key", key, "provider", id.Provider, "priority", priority.String(), "retry_after", d.RetryAfter)
	ticket := m.queue.Enqueue(ratelimit.Request[V]{
		Identity: id,
		Key:      key,
		Priority: priority,
		Execute: func(ctx context.Context) (V, error) {
			return m.fetchAndStore(ctx, key, fetch, ttl, priority)
		},
	})
	v, err := ticket.Wait(waitCtx)
	if err != nil {
		if errors.Is(err, ratelimit.ErrQueueExhausted) {
			m.fetchErrors.Add(1)
		}
		return m.staleOr(key, err)
	}
	return v, OutcomeQueued, nil
}

func traceLog(ctx context.Context) *slog.Logger {
	return logging.OpWithTrace(observability.GetTraceID(ctx), observability.GetSpanID(ctx))
}

func (m *Manager[V]) staleOr(key string, err error) (V, string, error) {
	if stale, ok := m.cache.Get(key + StaleSuffix); ok {
		m.staleHits.Add(1)
		logging.Op().Warn("fetch failed, serving stale copy", "key", key, "error", err)
		return stale, OutcomeStale, nil
	}
	var zero V
	return zero, OutcomeError, err
}

func (m *Manager[V]) fetchAndStore(ctx context.Context, key string, fetch FetchFunc[V], ttl time.Duration, priority domain.Priority) (V, error) {
	v, err := fetch(ctx)
	if err != nil {
		return v, err
	}
	if err := m.cache.Set(key, v, ttl, priority); err != nil {
		logging.Op().Warn("value not cached", "key", key, "error", err)
	}
	if err := m.cache.Set(key+StaleSuffix, v, ttl*m.stale, domain.PriorityLow); err != nil {
		logging.Op().Warn("stale copy not cached", "key", key, "error", err)
	}
	return v, nil
}

func (m *Manager[V]) logCall(ctx context.Context, key string, id domain.Identity, priority domain.Priority, outcome string, elapsed time.Duration, err error) {
	if m.calls == nil {
		return
	}
	rec := &logging.CallRecord{
		Timestamp:  m.now(),
		TraceID:    observability.GetTraceID(ctx),
		Provider:   id.Provider,
		Key:        key,
		Outcome:    outcome,
		Priority:   priority.String(),
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	m.calls.Log(rec)
}

// Invalidate drops key and its stale copy. It reports whether either existed.
func (m *Manager[V]) Invalidate(key string) bool {
	a := m.cache.Delete(key)
	b := m.cache.Delete(key + StaleSuffix)
	return a || b
}

// InvalidatePrefix drops every key, stale copies included, starting with prefix.
func (m *Manager[V]) InvalidatePrefix(prefix string) int {
	return m.cache.DeletePrefix(prefix)
}

// Delete satisfies cache.Deleter so invalidations from other instances also
// remove stale copies.
func (m *Manager[V]) Delete(key string) bool { return m.Invalidate(key) }

// DeletePrefix satisfies cache.Deleter.
func (m *Manager[V]) DeletePrefix(prefix string) int { return m.InvalidatePrefix(prefix) }

// Start runs the queue drainer and limiter compaction.
func (m *Manager[V]) Start() {
	m.queue.Start()
	m.limiter.Start()
}

// Close stops background work. Requests still queued are rejected with
// ratelimit.ErrQueueClosed.
func (m *Manager[V]) Close() error {
	m.queue.Stop()
	m.limiter.Stop()
	return m.cache.Close()
}
