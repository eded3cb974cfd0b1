package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// LocalBackend keeps sliding windows in memory.
type LocalBackend struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	stamps []time.Time // ascending
	span   time.Duration
}

// NewLocalBackend creates an empty in-memory backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		windows: make(map[string]*window),
	}
}

func (l *LocalBackend) Check(_ context.Context, key string, cfg Config, now time.Time) (Decision, error) {
	cfg = cfg.withDefaults()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	w.span = cfg.Window
	w.stamps = pruneBefore(w.stamps, now.Add(-cfg.Window))

	inWindow := len(w.stamps)
	burstStart := firstAfter(w.stamps, now.Add(-cfg.BurstWindow))
	inBurst := len(w.stamps) - burstStart

	if inWindow < cfg.MaxRequests && inBurst < cfg.BurstLimit {
		w.stamps = append(w.stamps, now)
		return Decision{Allowed: true, Remaining: cfg.MaxRequests - inWindow - 1}, nil
	}

	d := Decision{Remaining: max(cfg.MaxRequests-inWindow, 0)}
	if inWindow >= cfg.MaxRequests {
		if inWindow > 0 {
			d.RetryAfter = w.stamps[0].Add(cfg.Window).Sub(now)
		}
	} else {
		d.BurstLimited = true
		d.RetryAfter = w.stamps[burstStart].Add(cfg.BurstWindow).Sub(now)
	}
	if d.RetryAfter <= 0 {
		d.RetryAfter = cfg.RetryAfter
	}
	return d, nil
}

func (l *LocalBackend) Count(_ context.Context, key string, cfg Config, now time.Time) (int, int, error) {
	cfg = cfg.withDefaults()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		return 0, 0, nil
	}
	w.stamps = pruneBefore(w.stamps, now.Add(-cfg.Window))
	burstStart := firstAfter(w.stamps, now.Add(-cfg.BurstWindow))
	return len(w.stamps), len(w.stamps) - burstStart, nil
}

func (l *LocalBackend) Reset(_ context.Context, prefix string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prefix == "" {
		l.windows = make(map[string]*window)
		return nil
	}
	for k := range l.windows {
		if strings.HasPrefix(k, prefix) {
			delete(l.windows, k)
		}
	}
	return nil
}

// Compact drops windows with no live timestamps and returns how many were removed.
func (l *LocalBackend) Compact(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, w := range l.windows {
		w.stamps = pruneBefore(w.stamps, now.Add(-w.span))
		if len(w.stamps) == 0 {
			delete(l.windows, k)
			n++
		}
	}
	return n
}

// Keys returns the tracked window keys.
func (l *LocalBackend) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.windows))
	for k := range l.windows {
		keys = append(keys, k)
	}
	return keys
}

// pruneBefore drops timestamps at or before cutoff, keeping those with
// now - ts < span.
func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := firstAfter(stamps, cutoff)
	if i == 0 {
		return stamps
	}
	n := copy(stamps, stamps[i:])
	return stamps[:n]
}

// firstAfter returns the index of the first timestamp strictly after cutoff.
func firstAfter(stamps []time.Time, cutoff time.Time) int {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return i
}
