package replyio

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/guard"
)

// Service serves Reply.io lookups through the guard so repeated lookups hit
// the cache and fresh calls respect the per-credential quota.
type Service struct {
	cfg      Config
	manager  *guard.Manager[any]
	breakers *circuitbreaker.Registry
	opts     []Option

	mu      sync.Mutex
	clients map[string]*Client // by credential fingerprint
}

// NewService creates a service. breakers may be nil.
func NewService(cfg Config, manager *guard.Manager[any], breakers *circuitbreaker.Registry, opts ...Option) *Service {
	d := DefaultConfig()
	if cfg.CampaignTTL <= 0 {
		cfg.CampaignTTL = d.CampaignTTL
	}
	if cfg.PersonTTL <= 0 {
		cfg.PersonTTL = d.PersonTTL
	}
	return &Service{
		cfg:      cfg,
		manager:  manager,
		breakers: breakers,
		opts:     opts,
		clients:  make(map[string]*Client),
	}
}

func identity(credential string) domain.Identity {
	return domain.Identity{Provider: domain.ProviderReplyIO, Credential: credential}
}

// CampaignKey is the cache key of one campaign seen through credential.
func CampaignKey(credential string, id int64) string {
	return domain.ProviderReplyIO + ":campaign:" + strconv.FormatInt(id, 10) + ":" + identity(credential).Fingerprint()
}

// CampaignsKey is the cache key of the campaign list for credential.
func CampaignsKey(credential string) string {
	return domain.ProviderReplyIO + ":campaigns:" + identity(credential).Fingerprint()
}

// PersonKey is the cache key of one contact seen through credential.
func PersonKey(credential, email string) string {
	return domain.ProviderReplyIO + ":person:" + strings.ToLower(email) + ":" + identity(credential).Fingerprint()
}

func (s *Service) client(credential string) *Client {
	fp := identity(credential).Fingerprint()
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[fp]; ok {
		return c
	}
	cfg := s.cfg
	cfg.APIKey = credential
	opts := s.opts
	if s.breakers != nil {
		if b := s.breakers.Get(domain.ProviderReplyIO); b != nil {
			opts = append([]Option{WithBreaker(b)}, opts...)
		}
	}
	c := NewClient(cfg, opts...)
	s.clients[fp] = c
	return c
}

// Campaign returns one campaign at medium priority.
func (s *Service) Campaign(ctx context.Context, credential string, id int64) (*Campaign, error) {
	c := s.client(credential)
	v, err := s.manager.Get(ctx, CampaignKey(credential, id), identity(credential), s.campaignFetch(c, id), s.cfg.CampaignTTL, domain.PriorityMedium)
	if err != nil {
		return nil, err
	}
	return as[*Campaign](v)
}

func (s *Service) campaignFetch(c *Client, id int64) guard.FetchFunc[any] {
	return func(ctx context.Context) (any, error) {
		return c.GetCampaign(ctx, id)
	}
}

// Campaigns returns every campaign visible to credential.
func (s *Service) Campaigns(ctx context.Context, credential string) ([]Campaign, error) {
	c := s.client(credential)
	v, err := s.manager.Get(ctx, CampaignsKey(credential), identity(credential), func(ctx context.Context) (any, error) {
		return c.ListCampaigns(ctx)
	}, s.cfg.CampaignTTL, domain.PriorityMedium)
	if err != nil {
		return nil, err
	}
	return as[[]Campaign](v)
}

// Person returns a contact at high priority; contact lookups back
// interactive views.
func (s *Service) Person(ctx context.Context, credential, email string) (*Person, error) {
	c := s.client(credential)
	v, err := s.manager.Get(ctx, PersonKey(credential, email), identity(credential), func(ctx context.Context) (any, error) {
		return c.GetPerson(ctx, email)
	}, s.cfg.PersonTTL, domain.PriorityHigh)
	if err != nil {
		return nil, err
	}
	return as[*Person](v)
}

// WarmCampaigns preloads campaigns at low priority.
func (s *Service) WarmCampaigns(ctx context.Context, credential string, ids []int64) guard.WarmResult {
	c := s.client(credential)
	entries := make([]guard.WarmEntry[any], 0, len(ids))
	for _, id := range ids {
		entries = append(entries, guard.WarmEntry[any]{
			Key:      CampaignKey(credential, id),
			Identity: identity(credential),
			Fetch:    s.campaignFetch(c, id),
			TTL:      s.cfg.CampaignTTL,
		})
	}
	return s.manager.WarmCache(ctx, entries)
}

// InvalidateCredential drops every cached Reply.io value fetched with credential.
func (s *Service) InvalidateCredential(credential string) int {
	fp := identity(credential).Fingerprint()
	n := 0
	for _, key := range s.manager.Cache().Keys() {
		if strings.HasPrefix(key, domain.ProviderReplyIO+":") && strings.Contains(key, ":"+fp) {
			if s.manager.Cache().Delete(key) {
				n++
			}
		}
	}
	return n
}

func as[T any](v any) (T, error) {
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("replyio: cached value has type %T, want %T", v, zero)
	}
	return t, nil
}
