package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures a keyed token-bucket limiter.
type RateLimitConfig struct {
	// Rate is the sustained number of events allowed per second per key.
	Rate rate.Limit
	// Burst is the maximum burst size per key.
	Burst int
	// CleanupInterval is how often idle keys are removed.
	CleanupInterval time.Duration
	// MaxAge is how long an idle key is kept before eviction.
	MaxAge time.Duration
}

// DefaultRateLimitConfig returns the operator API limits: 20 requests per
// second with a burst of 40 per client IP.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(20),
		Burst:           40,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// CallerRateLimitConfig allows perMinute inbound call webhooks per caller
// number, all of which may arrive at once.
func CallerRateLimitConfig(perMinute int) RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Every(time.Minute / time.Duration(perMinute)),
		Burst:           perMinute,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type limitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedRateLimiter keeps one token bucket per key (client IP, caller
// number).
type KeyedRateLimiter struct {
	name    string
	mu      sync.Mutex
	entries map[string]*limitEntry
	cfg     RateLimitConfig
	stopCh  chan struct{}
	once    sync.Once
}

// NewKeyedRateLimiter creates a limiter and starts background cleanup. name
// only labels log lines.
func NewKeyedRateLimiter(name string, cfg RateLimitConfig) *KeyedRateLimiter {
	rl := &KeyedRateLimiter{
		name:    name,
		entries: make(map[string]*limitEntry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether an event for key is allowed now.
func (rl *KeyedRateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	entry, ok := rl.entries[key]
	if !ok {
		entry = &limitEntry{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.entries[key] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Stop terminates the background cleanup goroutine. Safe to call twice.
func (rl *KeyedRateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

func (rl *KeyedRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup removes keys not seen within MaxAge.
func (rl *KeyedRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cfg.MaxAge)
	removed := 0
	for key, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("rate limiter cleanup", "limiter", rl.name, "removed", removed, "remaining", len(rl.entries))
	}
}

// RateLimit returns HTTP middleware that limits requests by client IP.
// Over the limit it returns 429 with a Retry-After header.
func RateLimit(limiter *KeyedRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)
			if !limiter.Allow(ip) {
				slog.Warn("rate limit exceeded",
					"limiter", limiter.name,
					"ip", ip,
					"method", r.Method,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client IP with the port stripped. chi's RealIP
// middleware should run first when behind a reverse proxy.
func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
