package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
)

var (
	// ErrQueueExhausted is returned when a queued request failed on every
	// execution attempt it was allowed.
	ErrQueueExhausted = errors.New("ratelimit: queued request exhausted its execution retries")
	// ErrQueueTimeout is returned when a request waited past its deadline.
	ErrQueueTimeout = errors.New("ratelimit: queued request exceeded max wait")
	// ErrQueueClosed is returned for requests pending when the queue stops.
	ErrQueueClosed = errors.New("ratelimit: queue closed")
)

// Queue defaults.
const (
	DefaultDrainInterval       = time.Second
	DefaultMaxWait             = 10 * time.Minute
	DefaultMaxExecutionRetries = 3
)

// Admitter decides whether a request for an identity may run now.
type Admitter interface {
	Allow(ctx context.Context, id domain.Identity) Decision
}

// QueueConfig configures a Queue.
type QueueConfig struct {
	DrainInterval       time.Duration    `json:"drain_interval" yaml:"drain_interval"`
	MaxWait             time.Duration    `json:"max_wait" yaml:"max_wait"`
	MaxExecutionRetries int              `json:"max_execution_retries" yaml:"max_execution_retries"`
	Now                 func() time.Time `json:"-" yaml:"-"`
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.MaxExecutionRetries <= 0 {
		c.MaxExecutionRetries = DefaultMaxExecutionRetries
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Request is work refused admission that should run once a slot opens.
type Request[T any] struct {
	Identity domain.Identity
	Key      string
	Priority domain.Priority
	Execute  func(ctx context.Context) (T, error)
}

// Ticket is the caller's handle on a queued request. It settles exactly once.
type Ticket[T any] struct {
	ID string

	done      chan struct{}
	once      sync.Once
	value     T
	err       error
	abandoned atomic.Bool
}

func newTicket[T any]() *Ticket[T] {
	return &Ticket[T]{ID: uuid.NewString(), done: make(chan struct{})}
}

func (t *Ticket[T]) settle(v T, err error) bool {
	settled := false
	t.once.Do(func() {
		t.value, t.err = v, err
		close(t.done)
		settled = true
	})
	return settled
}

// Done is closed when the ticket settles.
func (t *Ticket[T]) Done() <-chan struct{} { return t.done }

// Wait blocks until the request resolves, is rejected, or ctx ends. A caller
// that gives up abandons the ticket and the drainer drops it.
func (t *Ticket[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		t.abandoned.Store(true)
		var zero T
		return zero, ctx.Err()
	}
}

type queued[T any] struct {
	req        Request[T]
	ticket     *Ticket[T]
	enqueuedAt time.Time
	deadline   time.Time
	retryCount int
}

// QueueStats is a snapshot of queue state.
type QueueStats struct {
	Depth      int            `json:"depth"`
	ByPriority map[string]int `json:"by_priority"`
	Enqueued   uint64         `json:"enqueued"`
	Resolved   uint64         `json:"resolved"`
	Rejected   uint64         `json:"rejected"`
	TimedOut   uint64         `json:"timed_out"`
	Abandoned  uint64         `json:"abandoned"`
}

// Queue holds refused requests and re-attempts admission on each drain tick.
// High-priority requests go to the front; medium and low are FIFO.
type Queue[T any] struct {
	limiter Admitter
	cfg     QueueConfig

	mu     sync.Mutex
	items  []*queued[T]
	closed bool

	enqueued  atomic.Uint64
	resolved  atomic.Uint64
	rejected  atomic.Uint64
	timedOut  atomic.Uint64
	abandoned atomic.Uint64

	drainMu   sync.Mutex
	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewQueue creates a queue that re-checks admission through limiter.
func NewQueue[T any](limiter Admitter, cfg QueueConfig) *Queue[T] {
	return &Queue[T]{
		limiter: limiter,
		cfg:     cfg.withDefaults(),
		stopCh:  make(chan struct{}),
	}
}

// Enqueue adds req and returns its ticket.
func (q *Queue[T]) Enqueue(req Request[T]) *Ticket[T] {
	t := newTicket[T]()
	now := q.cfg.Now()
	item := &queued[T]{
		req:        req,
		ticket:     t,
		enqueuedAt: now,
		deadline:   now.Add(q.cfg.MaxWait),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		var zero T
		t.settle(zero, ErrQueueClosed)
		return t
	}
	if req.Priority == domain.PriorityHigh {
		q.items = append([]*queued[T]{item}, q.items...)
	} else {
		q.items = append(q.items, item)
	}
	q.mu.Unlock()

	q.enqueued.Add(1)
	q.publishDepth()
	logging.Op().Debug("request queued", "id", t.ID, "key", req.Key, "provider", req.Identity.Provider, "priority", req.Priority.String())
	return t
}

// Drain runs one pass over a snapshot of the queue and returns how many
// requests were settled.
func (q *Queue[T]) Drain(ctx context.Context) int {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	snapshot := make([]*queued[T], len(q.items))
	copy(snapshot, q.items)
	q.mu.Unlock()

	done := make(map[*queued[T]]struct{})
	for _, item := range snapshot {
		if ctx.Err() != nil {
			break
		}
		if item.ticket.abandoned.Load() {
			q.abandoned.Add(1)
			done[item] = struct{}{}
			continue
		}
		now := q.cfg.Now()
		if now.After(item.deadline) {
			q.reject(item, ErrQueueTimeout, now)
			q.timedOut.Add(1)
			done[item] = struct{}{}
			continue
		}
		if !q.limiter.Allow(ctx, item.req.Identity).Allowed {
			continue
		}

		v, err := item.req.Execute(ctx)
		if err == nil {
			if item.ticket.settle(v, nil) {
				q.resolved.Add(1)
				metrics.RecordQueueOutcome("resolved", q.cfg.Now().Sub(item.enqueuedAt).Milliseconds())
			}
			done[item] = struct{}{}
			continue
		}

		item.retryCount++
		logging.Op().Warn("queued request failed", "id", item.ticket.ID, "key", item.req.Key, "attempt", item.retryCount, "error", err)
		if item.retryCount >= q.cfg.MaxExecutionRetries {
			q.reject(item, fmt.Errorf("%w: %w", ErrQueueExhausted, err), q.cfg.Now())
			done[item] = struct{}{}
		}
	}

	if len(done) > 0 {
		q.mu.Lock()
		kept := q.items[:0]
		for _, item := range q.items {
			if _, ok := done[item]; !ok {
				kept = append(kept, item)
			}
		}
		clear(q.items[len(kept):])
		q.items = kept
		q.mu.Unlock()
		q.publishDepth()
	}
	return len(done)
}

func (q *Queue[T]) reject(item *queued[T], err error, now time.Time) {
	var zero T
	if !item.ticket.settle(zero, err) {
		return
	}
	q.rejected.Add(1)
	outcome := "exhausted"
	if errors.Is(err, ErrQueueTimeout) {
		outcome = "timeout"
	} else if errors.Is(err, ErrQueueClosed) {
		outcome = "closed"
	}
	metrics.RecordQueueOutcome(outcome, now.Sub(item.enqueuedAt).Milliseconds())
	logging.Op().Warn("queued request rejected", "id", item.ticket.ID, "key", item.req.Key, "outcome", outcome)
}

// Start runs the drain loop.
func (q *Queue[T]) Start() {
	q.startOnce.Do(func() {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			ticker := time.NewTicker(q.cfg.DrainInterval)
			defer ticker.Stop()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				<-q.stopCh
				cancel()
			}()
			for {
				select {
				case <-q.stopCh:
					return
				case <-ticker.C:
					q.Drain(ctx)
				}
			}
		}()
	})
}

// Stop ends the drain loop and rejects everything still queued with
// ErrQueueClosed.
func (q *Queue[T]) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
	})
	q.wg.Wait()

	q.mu.Lock()
	q.closed = true
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	now := q.cfg.Now()
	for _, item := range pending {
		q.reject(item, ErrQueueClosed, now)
	}
	q.publishDepth()
}

// Len returns the number of waiting requests.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns a snapshot of queue state.
func (q *Queue[T]) Stats() QueueStats {
	s := QueueStats{
		ByPriority: q.depthByPriority(),
		Enqueued:   q.enqueued.Load(),
		Resolved:   q.resolved.Load(),
		Rejected:   q.rejected.Load(),
		TimedOut:   q.timedOut.Load(),
		Abandoned:  q.abandoned.Load(),
	}
	for _, n := range s.ByPriority {
		s.Depth += n
	}
	return s
}

func (q *Queue[T]) depthByPriority() map[string]int {
	out := map[string]int{
		domain.PriorityHigh.String():   0,
		domain.PriorityMedium.String(): 0,
		domain.PriorityLow.String():    0,
	}
	q.mu.Lock()
	for _, item := range q.items {
		out[item.req.Priority.String()]++
	}
	q.mu.Unlock()
	return out
}

func (q *Queue[T]) publishDepth() {
	for p, n := range q.depthByPriority() {
		metrics.SetQueueDepth(p, n)
	}
}
