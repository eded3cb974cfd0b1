package ratelimit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
)

// DefaultCompactInterval is how often idle local windows are dropped.
const DefaultCompactInterval = 5 * time.Minute

// Identity names the quota a request counts against.
type Identity = domain.Identity

// Options configures a Limiter.
type Options struct {
	Backend         Backend           // default: LocalBackend
	Providers       map[string]Config // default: DefaultProviders()
	Default         Config            // default: DefaultConfig()
	Now             func() time.Time
	CompactInterval time.Duration
}

// Limiter admits or refuses requests per (provider, credential).
type Limiter struct {
	backend  Backend
	now      func() time.Time
	fallback Config

	mu        sync.RWMutex
	providers map[string]Config

	// bucket key -> provider, for stats and clearing
	keys sync.Map

	compactInterval time.Duration
	stopCh          chan struct{}
	startOnce       sync.Once
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

// NewLimiter creates a limiter. Call Start to run idle-window compaction.
func NewLimiter(opts Options) *Limiter {
	if opts.Backend == nil {
		opts.Backend = NewLocalBackend()
	}
	if opts.Providers == nil {
		opts.Providers = DefaultProviders()
	}
	if opts.Default.MaxRequests <= 0 || opts.Default.Window <= 0 {
		opts.Default = DefaultConfig()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CompactInterval <= 0 {
		opts.CompactInterval = DefaultCompactInterval
	}

	providers := make(map[string]Config, len(opts.Providers))
	for name, cfg := range opts.Providers {
		providers[strings.ToLower(name)] = cfg.withDefaults()
	}

	return &Limiter{
		backend:         opts.Backend,
		now:             opts.Now,
		fallback:        opts.Default.withDefaults(),
		providers:       providers,
		compactInterval: opts.CompactInterval,
		stopCh:          make(chan struct{}),
	}
}

// BucketKey is the window key for an identity. The credential is reduced to
// a fingerprint so secrets never reach the window store or stats output.
func BucketKey(id domain.Identity) string {
	return strings.ToLower(id.Provider) + ":" + id.Fingerprint()
}

// ConfigFor returns the quota for provider, or the generic default.
func (l *Limiter) ConfigFor(provider string) Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if cfg, ok := l.providers[strings.ToLower(provider)]; ok {
		return cfg
	}
	return l.fallback
}

// SetProviderConfig installs or replaces the quota for provider.
func (l *Limiter) SetProviderConfig(provider string, cfg Config) {
	l.mu.Lock()
	l.providers[strings.ToLower(provider)] = cfg.withDefaults()
	l.mu.Unlock()
}

// Allow checks the quota for id and records the attempt if admitted.
// Backend errors refuse the request so the remote quota is never exceeded.
func (l *Limiter) Allow(ctx context.Context, id domain.Identity) Decision {
	cfg := l.ConfigFor(id.Provider)
	key := BucketKey(id)
	l.keys.Store(key, strings.ToLower(id.Provider))

	d, err := l.backend.Check(ctx, key, cfg, l.now())
	if err != nil {
		logging.Op().Error("rate-limit check failed, refusing request", "provider", id.Provider, "error", err)
		metrics.RecordLimiterDecision(id.Provider, "error")
		return Decision{RetryAfter: cfg.RetryAfter}
	}

	switch {
	case d.Allowed:
		metrics.RecordLimiterDecision(id.Provider, "allowed")
	case d.BurstLimited:
		metrics.RecordLimiterDecision(id.Provider, "burst")
	default:
		metrics.RecordLimiterDecision(id.Provider, "denied")
	}
	return d
}

// Clear resets windows: all of them when provider is empty, every credential
// of provider when credential is empty, otherwise one pair.
func (l *Limiter) Clear(ctx context.Context, provider, credential string) error {
	var prefix string
	switch {
	case provider == "":
		prefix = ""
	case credential == "":
		prefix = strings.ToLower(provider) + ":"
	default:
		prefix = BucketKey(domain.Identity{Provider: provider, Credential: credential})
	}

	if err := l.backend.Reset(ctx, prefix); err != nil {
		return err
	}
	l.keys.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			l.keys.Delete(k)
		}
		return true
	})
	logging.Op().Info("rate limits cleared", "provider", provider, "scoped_to_credential", credential != "")
	return nil
}

// ProviderStats summarizes the windows of one provider.
type ProviderStats struct {
	Provider      string  `json:"provider"`
	Config        Config  `json:"config"`
	TotalInWindow int     `json:"total_in_window"`
	Buckets       []Usage `json:"buckets"`
}

// Stats is a read-only snapshot of limiter state.
type Stats struct {
	Degraded  bool            `json:"degraded"`
	Providers []ProviderStats `json:"providers"`
}

// Stats reports usage per provider and credential fingerprint.
func (l *Limiter) Stats(ctx context.Context) Stats {
	now := l.now()
	byProvider := make(map[string]*ProviderStats)

	l.keys.Range(func(k, v any) bool {
		key, provider := k.(string), v.(string)
		cfg := l.ConfigFor(provider)
		inWindow, inBurst, err := l.backend.Count(ctx, key, cfg, now)
		if err != nil {
			return true
		}
		ps, ok := byProvider[provider]
		if !ok {
			ps = &ProviderStats{Provider: provider, Config: cfg}
			byProvider[provider] = ps
		}
		ps.TotalInWindow += inWindow
		ps.Buckets = append(ps.Buckets, Usage{
			Key:         key,
			InWindow:    inWindow,
			InBurst:     inBurst,
			MaxRequests: cfg.MaxRequests,
			BurstLimit:  cfg.BurstLimit,
		})
		return true
	})

	s := Stats{}
	if d, ok := l.backend.(interface{ Degraded() bool }); ok {
		s.Degraded = d.Degraded()
	}
	for _, ps := range byProvider {
		sort.Slice(ps.Buckets, func(i, j int) bool { return ps.Buckets[i].Key < ps.Buckets[j].Key })
		s.Providers = append(s.Providers, *ps)
	}
	sort.Slice(s.Providers, func(i, j int) bool { return s.Providers[i].Provider < s.Providers[j].Provider })
	return s
}

// Start runs periodic compaction of idle local windows.
func (l *Limiter) Start() {
	c, ok := l.backend.(interface{ Compact(time.Time) int })
	if !ok {
		return
	}
	l.startOnce.Do(func() {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			ticker := time.NewTicker(l.compactInterval)
			defer ticker.Stop()
			for {
				select {
				case <-l.stopCh:
					return
				case <-ticker.C:
					if n := c.Compact(l.now()); n > 0 {
						logging.Op().Debug("rate-limit windows compacted", "removed", n)
					}
				}
			}
		}()
	})
}

// Stop ends compaction.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	l.wg.Wait()
}
