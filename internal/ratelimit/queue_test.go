package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/domain"
)

// slotAdmitter admits as many requests as it has slots.
type slotAdmitter struct {
	mu    sync.Mutex
	slots int
}

func (s *slotAdmitter) Allow(context.Context, domain.Identity) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slots > 0 {
		s.slots--
		return Decision{Allowed: true}
	}
	return Decision{RetryAfter: time.Second}
}

func (s *slotAdmitter) open(n int) {
	s.mu.Lock()
	s.slots += n
	s.mu.Unlock()
}

var testIdentity = domain.Identity{Provider: "test", Credential: "k"}

func TestQueue_PriorityOrder(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, map[string]Config{
		"test": {MaxRequests: 1, Window: time.Second},
	})
	// exhaust the window so nothing runs until the clock moves
	l.Allow(context.Background(), testIdentity)

	q := NewQueue[string](l, QueueConfig{Now: clock.Now})

	var mu sync.Mutex
	var order []string
	enqueue := func(name string, p domain.Priority) *Ticket[string] {
		return q.Enqueue(Request[string]{
			Identity: testIdentity,
			Key:      name,
			Priority: p,
			Execute: func(context.Context) (string, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return name, nil
			},
		})
	}
	tickets := []*Ticket[string]{
		enqueue("low", domain.PriorityLow),
		enqueue("high", domain.PriorityHigh),
		enqueue("medium", domain.PriorityMedium),
	}

	ctx := context.Background()
	if n := q.Drain(ctx); n != 0 {
		t.Fatalf("nothing should run while the window is full, settled %d", n)
	}
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second + time.Millisecond)
		if n := q.Drain(ctx); n != 1 {
			t.Fatalf("tick %d: expected one settled request, got %d", i, n)
		}
	}

	want := []string{"high", "low", "medium"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
	for _, tk := range tickets {
		if _, err := tk.Wait(ctx); err != nil {
			t.Fatalf("ticket %s: %v", tk.ID, err)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
	if s := q.Stats(); s.Resolved != 3 || s.Enqueued != 3 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestQueue_ExhaustsAfterMaxRetries(t *testing.T) {
	adm := &slotAdmitter{}
	q := NewQueue[int](adm, QueueConfig{MaxExecutionRetries: 3})
	boom := errors.New("upstream 500")
	attempts := 0
	tk := q.Enqueue(Request[int]{
		Identity: testIdentity,
		Execute: func(context.Context) (int, error) {
			attempts++
			return 0, boom
		},
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		adm.open(1)
		q.Drain(ctx)
		select {
		case <-tk.Done():
			t.Fatalf("ticket settled after %d attempts", attempts)
		default:
		}
	}
	adm.open(1)
	q.Drain(ctx)

	_, err := tk.Wait(ctx)
	if !errors.Is(err, ErrQueueExhausted) {
		t.Fatalf("expected ErrQueueExhausted, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected last execution error to be wrapped, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if q.Len() != 0 {
		t.Fatal("exhausted request should be removed")
	}
}

func TestQueue_RetryThenSucceed(t *testing.T) {
	adm := &slotAdmitter{}
	q := NewQueue[int](adm, QueueConfig{})
	attempts := 0
	tk := q.Enqueue(Request[int]{
		Identity: testIdentity,
		Execute: func(context.Context) (int, error) {
			attempts++
			if attempts == 1 {
				return 0, errors.New("transient")
			}
			return 42, nil
		},
	})
	ctx := context.Background()
	adm.open(2)
	q.Drain(ctx)
	q.Drain(ctx)

	v, err := tk.Wait(ctx)
	if err != nil || v != 42 {
		t.Fatalf("expected 42, got %d err=%v", v, err)
	}
}

func TestQueue_MaxWaitDeadline(t *testing.T) {
	clock := newFakeClock()
	adm := &slotAdmitter{}
	q := NewQueue[int](adm, QueueConfig{MaxWait: time.Minute, Now: clock.Now})
	executed := false
	tk := q.Enqueue(Request[int]{
		Identity: testIdentity,
		Execute: func(context.Context) (int, error) {
			executed = true
			return 1, nil
		},
	})

	ctx := context.Background()
	q.Drain(ctx)
	clock.Advance(time.Minute + time.Second)
	adm.open(1)
	q.Drain(ctx)

	if _, err := tk.Wait(ctx); !errors.Is(err, ErrQueueTimeout) {
		t.Fatalf("expected ErrQueueTimeout, got %v", err)
	}
	if executed {
		t.Fatal("timed-out request must not execute")
	}
	if adm.slots != 1 {
		t.Fatal("timed-out request must not consume admission")
	}
	if s := q.Stats(); s.TimedOut != 1 || s.Rejected != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestQueue_WaitContextAbandons(t *testing.T) {
	adm := &slotAdmitter{}
	q := NewQueue[int](adm, QueueConfig{})
	executed := false
	tk := q.Enqueue(Request[int]{
		Identity: testIdentity,
		Execute: func(context.Context) (int, error) {
			executed = true
			return 1, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tk.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	adm.open(1)
	q.Drain(context.Background())
	if executed {
		t.Fatal("abandoned request must not execute")
	}
	if q.Len() != 0 {
		t.Fatal("abandoned request should be dropped")
	}
}

func TestQueue_StopRejectsPending(t *testing.T) {
	q := NewQueue[int](&slotAdmitter{}, QueueConfig{DrainInterval: time.Hour})
	q.Start()
	tk := q.Enqueue(Request[int]{Identity: testIdentity, Execute: func(context.Context) (int, error) { return 1, nil }})
	q.Stop()

	if _, err := tk.Wait(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	late := q.Enqueue(Request[int]{Identity: testIdentity})
	if _, err := late.Wait(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed after stop, got %v", err)
	}
}

func TestQueue_StartDrainsInBackground(t *testing.T) {
	adm := &slotAdmitter{slots: 1}
	q := NewQueue[int](adm, QueueConfig{DrainInterval: 10 * time.Millisecond})
	q.Start()
	defer q.Stop()

	tk := q.Enqueue(Request[int]{Identity: testIdentity, Execute: func(context.Context) (int, error) { return 7, nil }})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := tk.Wait(ctx)
	if err != nil || v != 7 {
		t.Fatalf("expected 7, got %d err=%v", v, err)
	}
}
