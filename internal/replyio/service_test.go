package replyio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/oriys/quasar/internal/cache"
	"github.com/oriys/quasar/internal/guard"
)

func newTestService(t *testing.T) (*Service, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("X-Api-Key") == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		id, _ := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
		if id == 404 {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(Campaign{ID: id, Name: "campaign " + strconv.FormatInt(id, 10)})
	}))
	t.Cleanup(srv.Close)

	m := guard.New[any](guard.Options{Cache: cache.Options{SweepInterval: -1}})
	t.Cleanup(func() { m.Close() })

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.MinInterval = 0
	return NewService(cfg, m, nil, WithRetryPolicy(testPolicy())), &hits
}

func TestServiceCampaignIsCached(t *testing.T) {
	s, hits := newTestService(t)
	ctx := context.Background()

	first, err := s.Campaign(ctx, "key-X", 42)
	if err != nil {
		t.Fatalf("Campaign: %v", err)
	}
	second, err := s.Campaign(ctx, "key-X", 42)
	if err != nil {
		t.Fatalf("Campaign: %v", err)
	}
	if first != second {
		t.Fatal("second lookup should return the cached campaign")
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one upstream call, got %d", hits.Load())
	}

	if _, err := s.Campaign(ctx, "key-Y", 42); err != nil {
		t.Fatalf("Campaign: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatal("another credential must not share the cached campaign")
	}
}

func TestCampaignKeyHidesCredential(t *testing.T) {
	key := CampaignKey("super-secret-key", 42)
	if strings.Contains(key, "super-secret-key") {
		t.Fatalf("key leaks the credential: %s", key)
	}
	if !strings.HasPrefix(key, "reply.io:campaign:42:") {
		t.Fatalf("unexpected key layout: %s", key)
	}
	if CampaignKey("super-secret-key", 42) != key {
		t.Fatal("key must be stable")
	}
}

func TestServiceWarmCampaigns(t *testing.T) {
	s, hits := newTestService(t)
	ctx := context.Background()

	res := s.WarmCampaigns(ctx, "key-X", []int64{1, 404, 3})
	if res.Warmed != 2 || res.Failed != 1 {
		t.Fatalf("unexpected warm result: %+v", res)
	}
	before := hits.Load()
	if _, err := s.Campaign(ctx, "key-X", 3); err != nil {
		t.Fatalf("Campaign: %v", err)
	}
	if hits.Load() != before {
		t.Fatal("warmed campaign should be served from cache")
	}

	if n := s.InvalidateCredential("key-X"); n != 4 {
		t.Fatalf("expected 2 entries and 2 stale copies invalidated, got %d", n)
	}
}
