package capabilities

import (
	"sync"
	"time"
)

// slidingWindowLimiter is a per-principal 60-second sliding window,
// applied only to secrets.get (spec §4.8 step 2: "无限ループ事故防止").
type slidingWindowLimiter struct {
	window time.Duration
	limit  int

	mu    sync.Mutex
	state map[string][]time.Time
}

func newSlidingWindowLimiter(limit int) *slidingWindowLimiter {
	return &slidingWindowLimiter{
		window: 60 * time.Second,
		limit:  limit,
		state:  map[string][]time.Time{},
	}
}

// Allow records one attempt for principal at now and reports whether it
// falls within the limit.
func (l *slidingWindowLimiter) Allow(principal string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	times := l.state[principal]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.limit {
		l.state[principal] = kept
		return false
	}

	kept = append(kept, now)
	l.state[principal] = kept
	return true
}
