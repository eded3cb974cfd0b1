package cache

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/quasar/internal/logging"
)

// InvalidationChannel is the Redis Pub/Sub channel carrying invalidations.
// A payload is either an exact key or a prefix ending in "*".
const InvalidationChannel = "quasar:cache:invalidate"

// Deleter is the part of a cache the invalidator needs.
type Deleter interface {
	Delete(key string) bool
	DeletePrefix(prefix string) int
}

// Invalidator keeps the local caches of several processes in step: a key
// invalidated on one instance is published and deleted everywhere.
type Invalidator struct {
	local  Deleter
	client *redis.Client
	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewInvalidator creates an invalidator for local using client.
func NewInvalidator(local Deleter, client *redis.Client) *Invalidator {
	return &Invalidator{
		local:  local,
		client: client,
	}
}

// Start listens for invalidations. It blocks until ctx is cancelled or Close
// is called.
func (inv *Invalidator) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	inv.mu.Lock()
	if inv.closed {
		inv.mu.Unlock()
		cancel()
		return
	}
	inv.cancel = cancel
	inv.mu.Unlock()

	pubsub := inv.client.Subscribe(subCtx, InvalidationChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			n := inv.apply(msg.Payload)
			logging.Op().Debug("cache invalidation received", "pattern", msg.Payload, "removed", n)
		}
	}
}

func (inv *Invalidator) apply(pattern string) int {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return inv.local.DeletePrefix(prefix)
	}
	if inv.local.Delete(pattern) {
		return 1
	}
	return 0
}

// Publish broadcasts an invalidation for a key or "prefix*" pattern.
// The local cache receives it through its own subscription.
func (inv *Invalidator) Publish(ctx context.Context, pattern string) error {
	return inv.client.Publish(ctx, InvalidationChannel, pattern).Err()
}

// Close stops the listener.
func (inv *Invalidator) Close() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.closed {
		return nil
	}
	inv.closed = true
	if inv.cancel != nil {
		inv.cancel()
	}
	return nil
}
