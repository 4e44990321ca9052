package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rumi-ai/kernel/pkg/audit"
)

// controlPlaneRateLimitConfig holds the per-IP rate limiter settings for
// the REST control plane (distinct from egress.PackRateLimiter, which
// bounds a pack's outbound HTTP rather than a caller's admin-API rate).
type controlPlaneRateLimitConfig struct {
	rps   rate.Limit
	burst int
}

// ControlPlaneRateLimiter caps how fast any one source IP may call the
// control plane, independent of which bearer token it presents.
type ControlPlaneRateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	config   controlPlaneRateLimitConfig
	auditLog audit.Logger
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewControlPlaneRateLimiter creates a limiter allowing rps requests per
// second per source IP, with burst as the token-bucket capacity.
func NewControlPlaneRateLimiter(rps, burst int, auditLog audit.Logger) *ControlPlaneRateLimiter {
	rl := &ControlPlaneRateLimiter{
		visitors: make(map[string]*visitor),
		config: controlPlaneRateLimitConfig{
			rps:   rate.Limit(rps),
			burst: burst,
		},
		auditLog: auditLog,
	}
	go rl.cleanupVisitors()
	return rl
}

func (rl *ControlPlaneRateLimiter) getVisitor(ip string) *visitor {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.config.rps, rl.config.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v
}

// cleanupVisitors evicts IPs idle for more than 3 minutes so long-running
// kernels don't accumulate one limiter per ephemeral client forever.
func (rl *ControlPlaneRateLimiter) cleanupVisitors() {
	for {
		time.Sleep(1 * time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func sourceIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return ip
	}
	return strings.Trim(r.RemoteAddr, "[]")
}

// Middleware rejects with 429 once an IP exceeds its bucket, recording
// the rejection to the audit log the same way egress and approval
// already do (audit.CategoryNetwork covers both inbound and outbound
// rate-limit denials).
func (rl *ControlPlaneRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := sourceIP(r)
		v := rl.getVisitor(ip)

		reservation := v.limiter.Reserve()
		if !reservation.OK() || reservation.Delay() > 0 {
			retryAfter := int(reservation.Delay() / time.Second)
			reservation.Cancel()
			if retryAfter < 1 {
				retryAfter = 1
			}
			if rl.auditLog != nil {
				rl.auditLog.Record(audit.Entry{
					Category:  audit.CategoryNetwork,
					Action:    "control_plane_rate_limited",
					Success:   false,
					Principal: ip,
				})
			}
			WriteTooManyRequests(w, retryAfter)
			return
		}

		next.ServeHTTP(w, r)
	})
}
