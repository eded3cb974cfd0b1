package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
)

// probeInterval is the minimum time between health probes of the primary backend.
const probeInterval = 5 * time.Second

// pinger is implemented by primaries that can be health-checked cheaply.
type pinger interface {
	Ping(ctx context.Context) error
}

// FallbackBackend wraps a primary Backend (typically Redis) with in-memory
// windows. When the primary fails it degrades to local windows and probes the
// primary at most every probeInterval to restore shared behaviour.
//
// While degraded each process enforces the quota on its own, so the combined
// rate across processes can exceed it until the primary recovers. Resets the
// primary missed are replayed before shared windows are trusted again.
type FallbackBackend struct {
	primary       Backend
	local         *LocalBackend
	degraded      atomic.Bool
	probeMu       sync.Mutex
	lastProbeTime atomic.Int64 // unix nanos

	pendingMu sync.Mutex
	pending   []string // reset prefixes not yet applied to the primary
}

// NewFallbackBackend creates a backend that falls back to local windows.
func NewFallbackBackend(primary Backend) *FallbackBackend {
	return &FallbackBackend{
		primary: primary,
		local:   NewLocalBackend(),
	}
}

func (f *FallbackBackend) Check(ctx context.Context, key string, cfg Config, now time.Time) (Decision, error) {
	if f.degraded.Load() {
		f.maybeProbe(ctx)
		return f.local.Check(ctx, key, cfg, now)
	}

	d, err := f.primary.Check(ctx, key, cfg, now)
	if err != nil {
		f.degrade(err)
		return f.local.Check(ctx, key, cfg, now)
	}
	return d, nil
}

func (f *FallbackBackend) Count(ctx context.Context, key string, cfg Config, now time.Time) (int, int, error) {
	if f.degraded.Load() {
		return f.local.Count(ctx, key, cfg, now)
	}
	w, b, err := f.primary.Count(ctx, key, cfg, now)
	if err != nil {
		f.degrade(err)
		return f.local.Count(ctx, key, cfg, now)
	}
	return w, b, nil
}

// Reset clears local windows and tries the primary even while degraded. A
// prefix the primary could not clear is kept and replayed on recovery.
func (f *FallbackBackend) Reset(ctx context.Context, prefix string) error {
	_ = f.local.Reset(ctx, prefix)
	if err := f.primary.Reset(ctx, prefix); err != nil {
		f.degrade(err)
		f.pendingMu.Lock()
		f.pending = append(f.pending, prefix)
		f.pendingMu.Unlock()
		logging.Op().Warn("rate-limit reset deferred until primary recovers", "prefix", prefix, "error", err)
	}
	return nil
}

// replayResets applies deferred resets in order, stopping at the first failure.
func (f *FallbackBackend) replayResets(ctx context.Context) error {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	for len(f.pending) > 0 {
		if err := f.primary.Reset(ctx, f.pending[0]); err != nil {
			return err
		}
		f.pending = f.pending[1:]
	}
	f.pending = nil
	return nil
}

// Compact compacts the local windows.
func (f *FallbackBackend) Compact(now time.Time) int {
	return f.local.Compact(now)
}

// Degraded reports whether local windows are in use.
func (f *FallbackBackend) Degraded() bool {
	return f.degraded.Load()
}

func (f *FallbackBackend) degrade(err error) {
	if f.degraded.CompareAndSwap(false, true) {
		logging.Op().Warn("rate-limit primary backend error, degrading to local windows", "error", err)
		metrics.SetLimiterDegraded(true)
	}
	f.lastProbeTime.Store(time.Now().UnixNano())
}

func (f *FallbackBackend) maybeProbe(ctx context.Context) {
	last := time.Unix(0, f.lastProbeTime.Load())
	if time.Since(last) <= probeInterval {
		return
	}
	go f.probeAndRecover(context.WithoutCancel(ctx))
}

// probeAndRecover checks whether the primary is healthy again.
func (f *FallbackBackend) probeAndRecover(ctx context.Context) {
	if !f.probeMu.TryLock() {
		return
	}
	defer f.probeMu.Unlock()

	f.lastProbeTime.Store(time.Now().UnixNano())

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var err error
	if p, ok := f.primary.(pinger); ok {
		err = p.Ping(ctx)
	} else {
		_, _, err = f.primary.Count(ctx, "probe:health", DefaultConfig(), time.Now())
	}
	if err == nil {
		err = f.replayResets(ctx)
	}
	if err == nil {
		logging.Op().Info("rate-limit primary backend recovered, resuming shared windows")
		f.degraded.Store(false)
		metrics.SetLimiterDegraded(false)
	}
}
