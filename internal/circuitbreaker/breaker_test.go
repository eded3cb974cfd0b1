package circuitbreaker

import (
	"testing"
	"time"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(cfg Config) (*Breaker, *testClock) {
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewNamed("reply.io", cfg, clock.Now), clock
}

var testConfig = Config{
	ErrorPct:       50,
	WindowDuration: 10 * time.Second,
	OpenDuration:   5 * time.Second,
	HalfOpenProbes: 1,
}

func TestBreakerClosedAllowsRequests(t *testing.T) {
	b, _ := newTestBreaker(testConfig)

	if !b.Allow() {
		t.Fatal("closed breaker should allow requests")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerTripsOnHighErrorRate(t *testing.T) {
	b, _ := newTestBreaker(testConfig)

	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	// 66% errors against a 50% threshold
	if b.State() != StateOpen {
		t.Fatalf("expected open after high error rate, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker should reject requests")
	}
}

func TestBreakerWaitsForMinRequests(t *testing.T) {
	cfg := testConfig
	cfg.MinRequests = 4
	b, _ := newTestBreaker(cfg)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("expected closed below min requests, got %v", b.State())
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open once min requests reached, got %v", b.State())
	}
}

func TestBreakerOldFailuresLeaveWindow(t *testing.T) {
	b, clock := newTestBreaker(testConfig)

	b.RecordSuccess()
	clock.Advance(11 * time.Second)
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure()

	// only the last three outcomes are in the window: 33% errors
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerTransitionsToHalfOpen(t *testing.T) {
	b, clock := newTestBreaker(testConfig)

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	clock.Advance(5 * time.Second)
	if !b.Allow() {
		t.Fatal("should allow probe request in half-open state")
	}
	if b.Allow() {
		t.Fatal("only one probe is allowed in half-open state")
	}
}

func TestBreakerClosesAfterSuccessfulProbes(t *testing.T) {
	b, clock := newTestBreaker(testConfig)

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(6 * time.Second)

	b.Allow()
	b.RecordSuccess()

	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful probes, got %v", b.State())
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b, clock := newTestBreaker(testConfig)

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(6 * time.Second)

	b.Allow()
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("expected open after failed probe, got %v", b.State())
	}
}

func TestBreakerReclaimsUnreportedSlot(t *testing.T) {
	b, clock := newTestBreaker(testConfig)

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(6 * time.Second)

	if !b.Allow() {
		t.Fatal("first half-open call should be allowed")
	}
	// no outcome is ever recorded for that call
	clock.Advance(time.Second)
	if b.Allow() {
		t.Fatal("slot should still be held")
	}
	clock.Advance(5 * time.Second)
	if !b.Allow() {
		t.Fatal("unreported slot should be reclaimed after the open duration")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerReleaseReturnsHalfOpenSlot(t *testing.T) {
	b, clock := newTestBreaker(testConfig)

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(6 * time.Second)

	if !b.Allow() {
		t.Fatal("first half-open call should be allowed")
	}
	b.Release()
	if b.State() != StateHalfOpen {
		t.Fatalf("release must not change state, got %v", b.State())
	}
	if !b.Allow() {
		t.Fatal("released slot should be available immediately")
	}
}

func TestRegistryCreatesBreakerOnDemand(t *testing.T) {
	r := NewRegistry(testConfig)

	b1 := r.Get("reply.io")
	if b1 == nil {
		t.Fatal("expected non-nil breaker")
	}
	if b2 := r.Get("reply.io"); b1 != b2 {
		t.Fatal("expected same breaker instance for same provider")
	}
	if b3 := r.Get("other"); b3 == b1 {
		t.Fatal("expected a separate breaker per provider")
	}
}

func TestRegistryReturnsNilWhenDisabled(t *testing.T) {
	if b := NewRegistry(Config{}).Get("reply.io"); b != nil {
		t.Fatal("expected nil breaker for zero config")
	}
	if b := NewRegistry(Config{ErrorPct: 50}).Get("reply.io"); b != nil {
		t.Fatal("expected nil breaker without window/open duration")
	}
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry(testConfig)
	r.Get("reply.io")
	r.Get("other")

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if snap["reply.io"] != "closed" {
		t.Fatalf("expected closed, got %s", snap["reply.io"])
	}

	r.Remove("other")
	if len(r.Snapshot()) != 1 {
		t.Fatal("expected removed breaker to leave the snapshot")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
