package executor

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// PlatformThrottle spaces out automation launches per platform so a burst of
// due tasks does not present as machine traffic to one site.
type PlatformThrottle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewPlatformThrottle builds a throttle allowing rps launches per second per
// platform. rps <= 0 disables throttling.
func NewPlatformThrottle(rps float64, burst int) *PlatformThrottle {
	if burst < 1 {
		burst = 1
	}
	return &PlatformThrottle{
		limiters: map[string]*rate.Limiter{},
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (p *PlatformThrottle) Wait(ctx context.Context, platformID string) error {
	if p == nil || p.rps <= 0 {
		return nil
	}
	p.mu.Lock()
	limiter, ok := p.limiters[platformID]
	if !ok {
		limiter = rate.NewLimiter(p.rps, p.burst)
		p.limiters[platformID] = limiter
	}
	p.mu.Unlock()
	return limiter.Wait(ctx)
}
