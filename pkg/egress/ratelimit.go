package egress

import (
	"sync"

	"golang.org/x/time/rate"
)

// PackRateLimiter bounds each pack to limit requests per RateLimitWindow,
// using a token-bucket per pack that refills continuously rather than
// in discrete windows (spec §4.10 step 4: "sliding window, default 60
// req/min/pack" — a continuously-refilling bucket at the same average
// rate satisfies this without the burst cliff a fixed window has).
type PackRateLimiter struct {
	limit int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewPackRateLimiter(limitPerMinute int) *PackRateLimiter {
	if limitPerMinute <= 0 {
		limitPerMinute = DefaultRateLimit
	}
	return &PackRateLimiter{limit: limitPerMinute, limiters: make(map[string]*rate.Limiter)}
}

func (p *PackRateLimiter) limiterFor(packID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[packID]
	if !ok {
		perSecond := rate.Limit(float64(p.limit) / RateLimitWindow.Seconds())
		l = rate.NewLimiter(perSecond, p.limit)
		p.limiters[packID] = l
	}
	return l
}

// Allow reports whether packID may make one more request right now.
func (p *PackRateLimiter) Allow(packID string) bool {
	return p.limiterFor(packID).Allow()
}
