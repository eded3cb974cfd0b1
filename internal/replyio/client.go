// Package replyio is the outbound client for the Reply.io API and the cached
// service built on top of it.
package replyio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/retry"
)

// DefaultBaseURL is the public Reply.io API endpoint.
const DefaultBaseURL = "https://api.reply.io"

const maxErrorBody = 512

// Config configures a Client.
type Config struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	APIKey  string        `json:"-" yaml:"-"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// MinInterval is the least spacing between two calls from one client.
	MinInterval time.Duration `json:"min_interval" yaml:"min_interval"`
	CampaignTTL time.Duration `json:"campaign_ttl" yaml:"campaign_ttl"`
	PersonTTL   time.Duration `json:"person_ttl" yaml:"person_ttl"`
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		Timeout:     30 * time.Second,
		MinInterval: 200 * time.Millisecond,
		CampaignTTL: 15 * time.Minute,
		PersonTTL:   time.Hour,
	}
}

// Client calls the Reply.io API with one API key.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	pacer   *rate.Limiter
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker guards every attempt with b.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithRetryPolicy overrides the provider retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// NewClient creates a client for cfg.APIKey.
func NewClient(cfg Config, opts ...Option) *Client {
	d := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = d.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		pacer:   rate.NewLimiter(limit, 1),
		policy:  retry.PolicyFor(domain.ProviderReplyIO),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Campaign is a Reply.io campaign with its delivery counters.
type Campaign struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Created         string `json:"created,omitempty"`
	Status          int    `json:"status"`
	EmailAccount    string `json:"emailAccount,omitempty"`
	PeopleCount     int    `json:"peopleCount"`
	DeliveriesCount int    `json:"deliveriesCount"`
	OpensCount      int    `json:"opensCount"`
	RepliesCount    int    `json:"repliesCount"`
	BouncesCount    int    `json:"bouncesCount"`
}

// Person is a Reply.io contact.
type Person struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Company   string `json:"company,omitempty"`
	Title     string `json:"title,omitempty"`
}

// GetCampaign fetches one campaign.
func (c *Client) GetCampaign(ctx context.Context, id int64) (*Campaign, error) {
	var out Campaign
	if err := c.get(ctx, "/v1/campaigns", url.Values{"id": {strconv.FormatInt(id, 10)}}, &out); err != nil {
		return nil, fmt.Errorf("get campaign %d: %w", id, err)
	}
	return &out, nil
}

// ListCampaigns fetches every campaign visible to the API key.
func (c *Client) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	var out []Campaign
	if err := c.get(ctx, "/v1/campaigns", nil, &out); err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	return out, nil
}

// GetPerson fetches a contact by email.
func (c *Client) GetPerson(ctx context.Context, email string) (*Person, error) {
	var out Person
	if err := c.get(ctx, "/v1/people", url.Values{"email": {email}}, &out); err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	ctx, span := observability.StartSpan(ctx, "replyio.get",
		observability.AttrProvider.String(domain.ProviderReplyIO),
		attribute.String("http.target", path),
	)
	defer span.End()

	attempts := 1
	_, err := retry.Do(ctx, c.policy, domain.ProviderReplyIO, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.attempt(ctx, path, q, out)
	}, retry.WithNotify(func(*retry.Error, time.Duration) { attempts++ }))

	span.SetAttributes(observability.AttrAttempts.Int(attempts))
	if err != nil {
		observability.SetSpanError(span, err)
		return err
	}
	observability.SetSpanOK(span)
	return nil
}

// attempt performs one HTTP round trip.
func (c *Client) attempt(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	observability.InjectHTTPHeaders(ctx, req.Header)

	// pace before taking a breaker slot so a caller that gives up here
	// never holds a half-open one
	if err := c.pacer.Wait(ctx); err != nil {
		return err
	}
	if c.breaker != nil && !c.breaker.Allow() {
		return circuitbreaker.ErrOpen
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordOutboundRequest(domain.ProviderReplyIO, "error")
		if errors.Is(ctx.Err(), context.Canceled) && c.breaker != nil {
			// the caller went away, which says nothing about the provider.
			// An attempt timeout still counts as a failure.
			c.breaker.Release()
			return err
		}
		c.record(false)
		return err
	}
	defer resp.Body.Close()
	metrics.RecordOutboundRequest(domain.ProviderReplyIO, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		// only upstream trouble counts against the breaker
		c.record(resp.StatusCode < 500)
		return &retry.StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.record(true)
		return retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	c.record(true)
	return nil
}

func (c *Client) record(ok bool) {
	if c.breaker == nil {
		return
	}
	if ok {
		c.breaker.RecordSuccess()
	} else {
		c.breaker.RecordFailure()
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
