package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	// Rate is the sustained number of requests per second per IP.
	Rate rate.Limit
	// Burst is the short-term allowance per IP.
	Burst int
	// CleanupInterval is how often idle clients are swept out.
	CleanupInterval time.Duration
	// MaxAge is how long an idle client is remembered.
	MaxAge time.Duration
}

// AuthRateLimitConfig limits the setup and login endpoints. The budget is
// deliberately small: a legitimate operator logs in once, anything hammering
// these endpoints is guessing credentials.
func AuthRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(5),
		Burst:           10,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// client pairs an IP's token bucket with its last activity.
type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter tracks a token bucket per client IP.
type IPRateLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	clients map[string]*client

	stopCh chan struct{}
}

// NewIPRateLimiter creates a per-IP rate limiter and starts its sweep loop.
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	rl := &IPRateLimiter{
		cfg:     cfg,
		clients: make(map[string]*client),
		stopCh:  make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow reports whether a request from ip fits its budget, creating the
// bucket on first sight.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	c, ok := rl.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = time.Now()
	rl.mu.Unlock()

	return c.limiter.Allow()
}

// Len returns the number of tracked client IPs.
func (rl *IPRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Stop terminates the sweep loop.
func (rl *IPRateLimiter) Stop() {
	close(rl.stopCh)
}

func (rl *IPRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if swept := rl.sweep(); swept > 0 {
				slog.Debug("rate limiter swept idle clients",
					"swept", swept, "tracked", rl.Len())
			}
		case <-rl.stopCh:
			return
		}
	}
}

// sweep drops clients idle past MaxAge and returns how many were removed.
func (rl *IPRateLimiter) sweep() int {
	cutoff := time.Now().Add(-rl.cfg.MaxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	swept := 0
	for ip, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
			swept++
		}
	}
	return swept
}

// RateLimit returns HTTP middleware that answers over-budget requests with
// 429 and a Retry-After header. Chi's RealIP middleware must run first so
// RemoteAddr reflects the actual client behind a proxy.
func RateLimit(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			if !limiter.Allow(ip) {
				slog.Warn("rate limit exceeded",
					"ip", ip,
					"method", r.Method,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", "1")
				writeAuthError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
