package retry

import (
	"strings"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/domain"
)

// Policy controls how one provider's calls are retried.
type Policy struct {
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay" yaml:"base_delay"`
	Multiplier float64       `json:"multiplier" yaml:"multiplier"`
	MaxDelay   time.Duration `json:"max_delay" yaml:"max_delay"`
	// RateLimitFloor is the least wait after the remote reports a rate limit.
	RateLimitFloor time.Duration `json:"rate_limit_floor" yaml:"rate_limit_floor"`
	AttemptTimeout time.Duration `json:"attempt_timeout" yaml:"attempt_timeout"`
}

// DefaultPolicy applies to providers without a dedicated policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		Multiplier:     2,
		MaxDelay:       30 * time.Second,
		RateLimitFloor: 5 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

// ReplyIOPolicy waits at least 10s after a Reply.io rate-limit response.
func ReplyIOPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		BaseDelay:      2 * time.Second,
		Multiplier:     2,
		MaxDelay:       60 * time.Second,
		RateLimitFloor: 10 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

var (
	policiesMu sync.RWMutex
	policies   = map[string]Policy{
		domain.ProviderReplyIO: ReplyIOPolicy(),
	}
)

// PolicyFor returns the registered policy for provider or DefaultPolicy.
func PolicyFor(provider string) Policy {
	policiesMu.RLock()
	defer policiesMu.RUnlock()
	if p, ok := policies[strings.ToLower(provider)]; ok {
		return p
	}
	return DefaultPolicy()
}

// SetPolicy registers the policy for provider.
func SetPolicy(provider string, p Policy) {
	policiesMu.Lock()
	policies[strings.ToLower(provider)] = p.withDefaults()
	policiesMu.Unlock()
}
