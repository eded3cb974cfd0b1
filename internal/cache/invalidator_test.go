package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/quasar/internal/domain"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestInvalidator_ApplyPatterns(t *testing.T) {
	c := newTestCache[string](t, newFakeClock(), 10, 1<<20)
	c.Set("reply.io:campaign:1", "a", time.Hour, domain.PriorityLow)
	c.Set("reply.io:campaign:2", "b", time.Hour, domain.PriorityLow)
	c.Set("reply.io:person:9", "c", time.Hour, domain.PriorityLow)

	inv := NewInvalidator(c, nil)
	if n := inv.apply("reply.io:person:9"); n != 1 {
		t.Fatalf("exact key: removed %d", n)
	}
	if n := inv.apply("reply.io:campaign:*"); n != 2 {
		t.Fatalf("prefix: removed %d", n)
	}
	if n := inv.apply("missing"); n != 0 {
		t.Fatalf("missing key: removed %d", n)
	}
}

func TestInvalidator_PubSub(t *testing.T) {
	client := newTestRedisClient(t)

	c := newTestCache[string](t, newFakeClock(), 10, 1<<20)
	c.Set("camp:42", "v", time.Hour, domain.PriorityLow)

	inv := NewInvalidator(c, client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go inv.Start(ctx)
	defer inv.Close()

	// give the subscription time to register
	time.Sleep(100 * time.Millisecond)
	if err := inv.Publish(ctx, "camp:42"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.Has("camp:42") {
		if time.Now().After(deadline) {
			t.Fatal("invalidation was not applied")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
