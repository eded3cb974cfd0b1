package ratelimit

import (
	"fmt"
	"time"

	"github.com/oriys/quasar/internal/domain"
)

// DefaultBurstWindow is the trailing interval the burst limit applies to.
const DefaultBurstWindow = time.Minute

// Config is the sliding-window quota for one provider.
type Config struct {
	MaxRequests int           `json:"max_requests" yaml:"max_requests"`
	Window      time.Duration `json:"window" yaml:"window"`
	BurstLimit  int           `json:"burst_limit" yaml:"burst_limit"`
	BurstWindow time.Duration `json:"burst_window,omitempty" yaml:"burst_window,omitempty"`
	RetryAfter  time.Duration `json:"retry_after" yaml:"retry_after"`
}

// DefaultConfig applies to providers without a dedicated entry:
// 1000 requests per hour, 100 per minute, 5s retry hint.
func DefaultConfig() Config {
	return Config{
		MaxRequests: 1000,
		Window:      time.Hour,
		BurstLimit:  100,
		BurstWindow: DefaultBurstWindow,
		RetryAfter:  5 * time.Second,
	}
}

// ReplyIOConfig is the tightened quota for Reply.io's small daily allowance.
func ReplyIOConfig() Config {
	return Config{
		MaxRequests: 1500,
		Window:      24 * time.Hour,
		BurstLimit:  10,
		BurstWindow: DefaultBurstWindow,
		RetryAfter:  10 * time.Second,
	}
}

// DefaultProviders returns the built-in provider table.
func DefaultProviders() map[string]Config {
	return map[string]Config{
		domain.ProviderReplyIO: ReplyIOConfig(),
	}
}

func (c Config) withDefaults() Config {
	if c.BurstWindow <= 0 {
		c.BurstWindow = DefaultBurstWindow
	}
	if c.BurstLimit <= 0 {
		c.BurstLimit = c.MaxRequests
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = DefaultConfig().RetryAfter
	}
	return c
}

// Validate reports a configuration that can never admit a request.
func (c Config) Validate() error {
	if c.MaxRequests <= 0 {
		return fmt.Errorf("max_requests must be positive (got %d)", c.MaxRequests)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive (got %s)", c.Window)
	}
	if c.BurstLimit < 0 {
		return fmt.Errorf("burst_limit cannot be negative (got %d)", c.BurstLimit)
	}
	return nil
}
