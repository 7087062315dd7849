// Package ratelimit gates outbound provider calls to a configured
// requests-per-second budget, one token bucket per provider.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Config is one provider's rate budget.
type Config struct {
	RPS   float64
	Burst int
}

// Limiters holds one limiter per provider name. Providers without an
// override share the default budget (but not the same bucket).
type Limiters struct {
	defaults Config

	mu        sync.Mutex
	overrides map[string]Config
	limiters  map[string]*rate.Limiter
}

func New(defaults Config) *Limiters {
	if defaults.RPS <= 0 {
		defaults.RPS = 1
	}
	if defaults.Burst <= 0 {
		defaults.Burst = 1
	}
	return &Limiters{
		defaults:  defaults,
		overrides: make(map[string]Config),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Set installs a per-provider override. Call before serving traffic;
// an override set after the provider's bucket exists is ignored.
func (l *Limiters) Set(provider string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cfg.RPS > 0 {
		if cfg.Burst <= 0 {
			cfg.Burst = 1
		}
		l.overrides[provider] = cfg
	}
}

func (l *Limiters) limiter(provider string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[provider]; ok {
		return lim
	}
	cfg, ok := l.overrides[provider]
	if !ok {
		cfg = l.defaults
	}
	lim := rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
	l.limiters[provider] = lim
	return lim
}

// Acquire blocks until the provider's bucket yields a slot. It has no
// failure mode of its own; the only early return is context cancellation.
func (l *Limiters) Acquire(ctx context.Context, provider string) error {
	return l.limiter(provider).Wait(ctx)
}
