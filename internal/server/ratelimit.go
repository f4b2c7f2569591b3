package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hyperjump/embedd/internal/config"
)

// visitorIdleTimeout is how long an idle client's limiter is kept before the
// janitor drops it.
const visitorIdleTimeout = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter applies a per-client-IP token bucket. Settings can be swapped
// at runtime via SetConfig; existing visitors pick up the new rate on their
// next request.
type ipRateLimiter struct {
	mu       sync.Mutex
	cfg      config.RateLimitConfig
	visitors map[string]*visitor
}

func newIPRateLimiter(cfg config.RateLimitConfig) *ipRateLimiter {
	return &ipRateLimiter{
		cfg:      cfg,
		visitors: make(map[string]*visitor),
	}
}

// SetConfig replaces the limiter settings and resets per-visitor buckets.
func (l *ipRateLimiter) SetConfig(cfg config.RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cfg != l.cfg {
		l.cfg = cfg
		l.visitors = make(map[string]*visitor)
	}
}

// Middleware rejects requests over the per-IP limit with 429. A disabled
// limiter passes everything through.
func (l *ipRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIP(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.cfg.Enabled {
		return true
	}
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(float64(l.cfg.RequestsPerMinute)/60.0), l.cfg.Burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

// StartJanitor periodically drops limiters for clients that have gone quiet.
func (l *ipRateLimiter) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.mu.Lock()
				cutoff := time.Now().Add(-visitorIdleTimeout)
				for ip, v := range l.visitors {
					if v.lastSeen.Before(cutoff) {
						delete(l.visitors, ip)
					}
				}
				l.mu.Unlock()
			}
		}
	}()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
