// Package ratelimit implements the sliding-window admission control that
// keeps calls to each (provider, credential) pair under the provider quota,
// and the priority queue that holds refused requests until they can run.
//
// # Admission
//
// Every admitted request records its timestamp in the window for its key.
// A request is admitted when both hold:
//
//   - fewer than MaxRequests timestamps fall within the last Window, and
//   - fewer than BurstLimit timestamps fall within the last BurstWindow (60s).
//
// The burst window only smooths traffic inside the primary window; it never
// adds capacity beyond MaxRequests. Checking is not idempotent: Allow records
// the attempt when it admits, so callers call it once per real attempt.
//
// # Backends
//
// Windows live in a Backend. LocalBackend keeps them in process memory.
// RedisBackend runs the same algorithm as a Lua script over a sorted set so
// several processes share one quota. FallbackBackend uses Redis and degrades
// to local windows while Redis is unreachable.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// BurstLimited is set when the request was refused by the burst window
	// while the primary window still had headroom.
	BurstLimited bool `json:"burst_limited,omitempty"`
}

// Usage is the current occupancy of one window.
type Usage struct {
	Key         string `json:"key"`
	InWindow    int    `json:"in_window"`
	InBurst     int    `json:"in_burst"`
	MaxRequests int    `json:"max_requests"`
	BurstLimit  int    `json:"burst_limit"`
}

// Backend stores request timestamps per key.
type Backend interface {
	// Check prunes the window for key, admits and records now if the quota
	// allows it, and reports the decision.
	Check(ctx context.Context, key string, cfg Config, now time.Time) (Decision, error)

	// Count reports occupancy without recording anything.
	Count(ctx context.Context, key string, cfg Config, now time.Time) (inWindow, inBurst int, err error)

	// Reset drops every window whose key starts with prefix ("" for all).
	Reset(ctx context.Context, prefix string) error
}
