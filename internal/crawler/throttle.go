package crawler

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/masahif/politecrawl/internal/config"
)

// limiterThrottle spaces every fetch through one limiter regardless of host.
type limiterThrottle struct {
	limiter *rate.Limiter
}

func newLimiterThrottle(delay time.Duration) *limiterThrottle {
	return &limiterThrottle{limiter: rate.NewLimiter(rate.Every(delay), 1)}
}

func (t *limiterThrottle) Wait(ctx context.Context, _ string) error {
	return t.limiter.Wait(ctx)
}

// HostThrottle manages rate limiting per host
type HostThrottle struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	delay    time.Duration
}

// NewHostThrottle creates a throttle with one limiter per host
func NewHostThrottle(delay time.Duration) *HostThrottle {
	return &HostThrottle{
		limiters: make(map[string]*rate.Limiter),
		delay:    delay,
	}
}

// Wait blocks until a request to the host of rawURL may proceed
func (h *HostThrottle) Wait(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	return h.limiter(parsed.Host).Wait(ctx)
}

// SetHostDelay overrides the delay for one host
func (h *HostThrottle) SetHostDelay(host string, delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if delay <= 0 {
		delay = h.delay
	}
	h.limiters[host] = rate.NewLimiter(rate.Every(delay), 1)
}

func (h *HostThrottle) limiter(host string) *rate.Limiter {
	h.mu.RLock()
	limiter, exists := h.limiters[host]
	h.mu.RUnlock()

	if exists {
		return limiter
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Check again in case another goroutine created it
	if limiter, exists := h.limiters[host]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Every(h.delay), 1)
	h.limiters[host] = limiter
	return limiter
}

// Politeness hands each worker the throttle matching the configured scope.
type Politeness struct {
	scope  string
	delay  time.Duration
	shared Throttle
}

// NewPoliteness builds the politeness policy for a scope and delay.
// A zero delay disables throttling. hostDelays overrides the delay for
// individual hosts and is only valid in the host scope.
func NewPoliteness(scope string, delay time.Duration, hostDelays map[string]time.Duration) (*Politeness, error) {
	if len(hostDelays) > 0 && scope != config.PolitenessHost {
		return nil, config.ErrHostDelaysNeedHostScope
	}

	p := &Politeness{scope: scope, delay: delay}
	switch scope {
	case config.PolitenessGlobal, "":
		p.scope = config.PolitenessGlobal
		p.shared = newLimiterThrottle(delay)
	case config.PolitenessHost:
		hosts := NewHostThrottle(delay)
		for host, hostDelay := range hostDelays {
			hosts.SetHostDelay(host, hostDelay)
		}
		p.shared = hosts
	case config.PolitenessWorker:
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidPolitenessScope, scope)
	}
	return p, nil
}

// ForWorker returns the throttle a new worker should use.
func (p *Politeness) ForWorker() Throttle {
	if p.shared != nil {
		return p.shared
	}
	return newLimiterThrottle(p.delay)
}

// Scope returns the effective scope.
func (p *Politeness) Scope() string {
	return p.scope
}
