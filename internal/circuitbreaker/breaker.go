// Package circuitbreaker stops outbound calls to a provider that keeps
// failing, so a struggling upstream is not hammered with retries.
//
// # State machine
//
//	Closed ──(error rate ≥ threshold)──► Open ──(OpenDuration elapsed)──► HalfOpen
//	  ▲                                                                        │
//	  └──────────────(all probes succeed)───────────────────────────────────────┘
//	                  (any probe fails) ──────────────────────────────────► Open
//
// The error rate is measured over a sliding window of the last
// WindowDuration, and only once MinRequests outcomes are in the window.
//
// # Invariants
//
//   - The successes and failures slices contain only timestamps within the
//     current sliding window; trimWindow is called after every write.
//   - maxWindowEntries caps both slices.
//   - halfOpenProbes is reset to 0 on every Open→HalfOpen transition.
//   - A half-open slot with no recorded outcome after OpenDuration is
//     reclaimed, so a call that never reports back cannot hold the breaker.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
)

// ErrOpen is returned instead of calling a provider whose breaker is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Requests are rejected
	StateHalfOpen              // Limited probe requests are allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the circuit breaker configuration.
type Config struct {
	ErrorPct       float64       `json:"error_pct" yaml:"error_pct"`             // threshold to trip (0-100)
	MinRequests    int           `json:"min_requests" yaml:"min_requests"`       // outcomes needed before the rate counts
	WindowDuration time.Duration `json:"window_duration" yaml:"window_duration"` // sliding window for the error rate
	OpenDuration   time.Duration `json:"open_duration" yaml:"open_duration"`     // time open before probing
	HalfOpenProbes int           `json:"half_open_probes" yaml:"half_open_probes"`
}

// DefaultConfig trips at 50% errors over a minute once 5 calls were seen.
func DefaultConfig() Config {
	return Config{
		ErrorPct:       50,
		MinRequests:    5,
		WindowDuration: time.Minute,
		OpenDuration:   30 * time.Second,
		HalfOpenProbes: 1,
	}
}

// Enabled reports whether the configuration can ever trip.
func (c Config) Enabled() bool {
	return c.ErrorPct > 0 && c.WindowDuration > 0 && c.OpenDuration > 0
}

// Breaker is a per-provider circuit breaker.
type Breaker struct {
	mu             sync.Mutex
	name           string
	cfg            Config
	now            func() time.Time
	state          State
	successes      []time.Time
	failures       []time.Time
	openedAt       time.Time
	slotAt         time.Time // last half-open slot handed out
	halfOpenProbes int
	halfOpenOK     int
}

// New creates a new circuit breaker with the given configuration.
func New(cfg Config) *Breaker {
	return NewNamed("", cfg, nil)
}

// NewNamed creates a breaker that reports state changes under name.
// A nil now uses time.Now.
func NewNamed(name string, cfg Config, now func() time.Time) *Breaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{name: name, cfg: cfg, now: now}
}

// Allow checks whether a request should be allowed through the breaker.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
			b.transition(StateHalfOpen)
			b.takeSlot()
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenProbes >= b.cfg.HalfOpenProbes && b.now().Sub(b.slotAt) >= b.cfg.OpenDuration {
			// outstanding calls never reported back
			b.halfOpenProbes = 0
		}
		if b.halfOpenProbes < b.cfg.HalfOpenProbes {
			b.takeSlot()
			return true
		}
		return false
	}
	return true
}

func (b *Breaker) takeSlot() {
	b.halfOpenProbes++
	b.slotAt = b.now()
}

// Release hands back a slot taken by Allow for a call that never reached the
// provider, so it counts neither as a success nor as a failure.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenProbes > 0 {
		b.halfOpenProbes--
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		b.successes = append(b.successes, now)
		b.trimWindow(now)
	case StateHalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.HalfOpenProbes {
			b.transition(StateClosed)
		}
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.trimWindow(now)
		b.checkThreshold(now)
	case StateHalfOpen:
		b.openedAt = now
		b.transition(StateOpen)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.transition(StateHalfOpen)
	}
	return b.state
}

// transition moves to next and resets the per-state counters. Must be called under lock.
func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	switch next {
	case StateHalfOpen:
		b.halfOpenProbes = 0
		b.halfOpenOK = 0
	case StateClosed:
		b.successes = b.successes[:0]
		b.failures = b.failures[:0]
	}
	if b.name != "" {
		metrics.SetCircuitBreakerState(b.name, int(next))
		logging.Op().Info("circuit breaker state changed", "provider", b.name, "from", prev.String(), "to", next.String())
	}
}

const maxWindowEntries = 10000

// trimWindow removes entries outside the sliding window. Must be called under lock.
func (b *Breaker) trimWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	b.successes = trimBefore(b.successes, cutoff)
	b.failures = trimBefore(b.failures, cutoff)

	if len(b.successes) > maxWindowEntries {
		b.successes = b.successes[len(b.successes)-maxWindowEntries:]
	}
	if len(b.failures) > maxWindowEntries {
		b.failures = b.failures[len(b.failures)-maxWindowEntries:]
	}
}

// checkThreshold trips the breaker if the error rate reaches the threshold. Must be called under lock.
func (b *Breaker) checkThreshold(now time.Time) {
	total := len(b.successes) + len(b.failures)
	if total == 0 || total < b.cfg.MinRequests {
		return
	}
	errorPct := float64(len(b.failures)) / float64(total) * 100
	if errorPct >= b.cfg.ErrorPct {
		b.openedAt = now
		b.transition(StateOpen)
	}
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	copy(times, times[i:])
	return times[:len(times)-i]
}

// Registry holds one breaker per provider.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	now      func() time.Time
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for provider, creating it on first use.
// Returns nil if circuit breaking is disabled.
func (r *Registry) Get(provider string) *Breaker {
	if !r.cfg.Enabled() {
		return nil
	}

	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[provider]; ok {
		return b
	}
	b = NewNamed(provider, r.cfg, r.now)
	r.breakers[provider] = b
	return b
}

// Remove deletes the breaker for provider.
func (r *Registry) Remove(provider string) {
	r.mu.Lock()
	delete(r.breakers, provider)
	r.mu.Unlock()
}

// Snapshot returns provider → breaker state for observability.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.State().String()
	}
	return out
}
