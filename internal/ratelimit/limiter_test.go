package ratelimit

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(clock *fakeClock, providers map[string]Config) *Limiter {
	return NewLimiter(Options{
		Providers: providers,
		Now:       clock.Now,
	})
}

func TestLimiter_AdmitsUpToMaxThenDenies(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, map[string]Config{
		"test": {MaxRequests: 3, Window: time.Minute, BurstLimit: 3, RetryAfter: time.Second},
	})
	id := domain.Identity{Provider: "test", Credential: "key-A"}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := l.Allow(ctx, id)
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if d.Remaining != 2-i {
			t.Fatalf("request %d: expected remaining %d, got %d", i, 2-i, d.Remaining)
		}
		clock.Advance(time.Second)
	}

	d := l.Allow(ctx, id)
	if d.Allowed {
		t.Fatal("fourth request should be denied")
	}
	// oldest stamp is at t=0, now is t=3s
	if d.RetryAfter != 57*time.Second {
		t.Fatalf("expected retry-after 57s, got %s", d.RetryAfter)
	}

	clock.Advance(57 * time.Second)
	if !l.Allow(ctx, id).Allowed {
		t.Fatal("request should be allowed once the oldest stamp leaves the window")
	}
}

func TestLimiter_DeniedAttemptsAreNotRecorded(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, map[string]Config{
		"test": {MaxRequests: 1, Window: time.Minute},
	})
	id := domain.Identity{Provider: "test", Credential: "k"}
	ctx := context.Background()

	l.Allow(ctx, id)
	for i := 0; i < 10; i++ {
		l.Allow(ctx, id)
	}
	clock.Advance(time.Minute + time.Millisecond)
	if !l.Allow(ctx, id).Allowed {
		t.Fatal("denied attempts must not extend the window")
	}
}

func TestLimiter_BurstLimit(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, map[string]Config{
		"test": {MaxRequests: 100, Window: time.Hour, BurstLimit: 2},
	})
	id := domain.Identity{Provider: "test", Credential: "k"}
	ctx := context.Background()

	l.Allow(ctx, id)
	clock.Advance(10 * time.Second)
	l.Allow(ctx, id)

	d := l.Allow(ctx, id)
	if d.Allowed || !d.BurstLimited {
		t.Fatalf("expected burst-limited denial, got %+v", d)
	}
	if d.RetryAfter != 50*time.Second {
		t.Fatalf("expected retry-after 50s, got %s", d.RetryAfter)
	}

	clock.Advance(51 * time.Second)
	if !l.Allow(ctx, id).Allowed {
		t.Fatal("expected admission after the first stamp left the burst window")
	}
}

func TestLimiter_CredentialsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, map[string]Config{
		"test": {MaxRequests: 1, Window: time.Minute},
	})
	ctx := context.Background()

	if !l.Allow(ctx, domain.Identity{Provider: "test", Credential: "a"}).Allowed {
		t.Fatal("first credential should be allowed")
	}
	if !l.Allow(ctx, domain.Identity{Provider: "test", Credential: "b"}).Allowed {
		t.Fatal("second credential has its own window")
	}
}

func TestLimiter_ConfigFor(t *testing.T) {
	l := NewLimiter(Options{})

	if got := l.ConfigFor("REPLY.IO"); got.MaxRequests != 1500 || got.BurstLimit != 10 || got.RetryAfter != 10*time.Second {
		t.Fatalf("unexpected reply.io config: %+v", got)
	}
	got := l.ConfigFor("unknown")
	if got.MaxRequests != 1000 || got.Window != time.Hour || got.BurstLimit != 100 || got.RetryAfter != 5*time.Second {
		t.Fatalf("unexpected default config: %+v", got)
	}

	l.SetProviderConfig("custom", Config{MaxRequests: 7, Window: time.Minute})
	if got := l.ConfigFor("custom"); got.MaxRequests != 7 || got.BurstLimit != 7 {
		t.Fatalf("unexpected custom config: %+v", got)
	}
}

func TestLimiter_Clear(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, map[string]Config{
		"p1": {MaxRequests: 1, Window: time.Hour},
		"p2": {MaxRequests: 1, Window: time.Hour},
	})
	ctx := context.Background()
	a := domain.Identity{Provider: "p1", Credential: "a"}
	b := domain.Identity{Provider: "p1", Credential: "b"}
	c := domain.Identity{Provider: "p2", Credential: "c"}

	exhaust := func() {
		for _, id := range []domain.Identity{a, b, c} {
			l.Allow(ctx, id)
		}
	}
	allowed := func(id domain.Identity) bool {
		return l.Allow(ctx, id).Allowed
	}

	exhaust()
	if err := l.Clear(ctx, "p1", "a"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if !allowed(a) || allowed(b) || allowed(c) {
		t.Fatal("clearing one credential must only reset that credential")
	}

	exhaust()
	if err := l.Clear(ctx, "p1", ""); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if !allowed(a) || !allowed(b) || allowed(c) {
		t.Fatal("clearing a provider must reset all of its credentials only")
	}

	exhaust()
	if err := l.Clear(ctx, "", ""); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if !allowed(a) || !allowed(b) || !allowed(c) {
		t.Fatal("global clear must reset everything")
	}
}

func TestLimiter_Stats(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, map[string]Config{
		"test": {MaxRequests: 10, Window: time.Hour, BurstLimit: 5},
	})
	ctx := context.Background()
	id := domain.Identity{Provider: "test", Credential: "secret-key"}

	l.Allow(ctx, id)
	clock.Advance(2 * time.Minute)
	l.Allow(ctx, id)

	s := l.Stats(ctx)
	if s.Degraded {
		t.Fatal("local backend is never degraded")
	}
	if len(s.Providers) != 1 {
		t.Fatalf("expected one provider, got %d", len(s.Providers))
	}
	p := s.Providers[0]
	if p.Provider != "test" || p.TotalInWindow != 2 || len(p.Buckets) != 1 {
		t.Fatalf("unexpected provider stats: %+v", p)
	}
	u := p.Buckets[0]
	if u.InWindow != 2 || u.InBurst != 1 || u.MaxRequests != 10 || u.BurstLimit != 5 {
		t.Fatalf("unexpected usage: %+v", u)
	}
	if strings.Contains(u.Key, "secret-key") {
		t.Fatalf("bucket key leaks the credential: %s", u.Key)
	}
}

func TestLimiter_ConcurrentAllowNeverExceedsMax(t *testing.T) {
	l := NewLimiter(Options{Providers: map[string]Config{
		"test": {MaxRequests: 50, Window: time.Hour},
	}})
	id := domain.Identity{Provider: "test", Credential: "k"}
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(ctx, id).Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 50 {
		t.Fatalf("expected exactly 50 admissions, got %d", admitted)
	}
}

func TestLimiter_CompactsIdleWindows(t *testing.T) {
	clock := newFakeClock()
	backend := NewLocalBackend()
	l := NewLimiter(Options{
		Backend:   backend,
		Providers: map[string]Config{"test": {MaxRequests: 5, Window: time.Minute}},
		Now:       clock.Now,
	})
	l.Allow(context.Background(), domain.Identity{Provider: "test", Credential: "k"})
	if len(backend.Keys()) != 1 {
		t.Fatal("expected one tracked window")
	}
	clock.Advance(2 * time.Minute)
	if n := backend.Compact(clock.Now()); n != 1 {
		t.Fatalf("expected one compacted window, got %d", n)
	}
	if len(backend.Keys()) != 0 {
		t.Fatal("expected no tracked windows")
	}
}
