package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AgentHeader names the sender a request is rate limited as.
const AgentHeader = "X-Agent-ID"

// idleAfter is how long a sender's bucket survives without traffic.
const idleAfter = 2 * time.Minute

// RateLimitConfig sets the per-sender budget.
type RateLimitConfig struct {
	MaxCallsPerMinute int // sustained refill rate; defaults to 60
	BurstSize         int // bucket depth; defaults to MaxCallsPerMinute
}

type sender struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per sender. Idle buckets are collected
// in the background until Stop is called.
type RateLimiter struct {
	cfg   RateLimitConfig
	every rate.Limit
	now   func() time.Time

	mu      sync.Mutex
	senders map[string]*sender

	stop chan struct{}
	once sync.Once
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxCallsPerMinute <= 0 {
		cfg.MaxCallsPerMinute = 60
	}
	if cfg.BurstSize < cfg.MaxCallsPerMinute {
		cfg.BurstSize = cfg.MaxCallsPerMinute
	}
	rl := &RateLimiter{
		cfg:     cfg,
		every:   rate.Every(time.Minute / time.Duration(cfg.MaxCallsPerMinute)),
		now:     time.Now,
		senders: make(map[string]*sender),
		stop:    make(chan struct{}),
	}
	go rl.collect(5 * time.Minute)
	return rl
}

// Allow takes one token from key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	s, ok := rl.senders[key]
	if !ok {
		s = &sender{bucket: rate.NewLimiter(rl.every, rl.cfg.BurstSize)}
		rl.senders[key] = s
	}
	s.lastSeen = now
	rl.mu.Unlock()

	if s.bucket.AllowN(now, 1) {
		return true
	}
	slog.Warn("rate limit exceeded", "sender", key, "per_minute", rl.cfg.MaxCallsPerMinute)
	return false
}

// retryAfter is the refill interval of one token, in whole seconds.
func (rl *RateLimiter) retryAfter() int {
	return int(math.Ceil(60 / float64(rl.cfg.MaxCallsPerMinute)))
}

// Middleware answers 429 once the X-Agent-ID sender's bucket is empty.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(AgentHeader)
		if key == "" {
			key = "anonymous"
		}
		if rl.Allow(key) {
			next.ServeHTTP(w, r)
			return
		}

		retry := rl.retryAfter()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error":               "rate limit exceeded",
			"retry_after_seconds": retry,
		})
	})
}

func (rl *RateLimiter) collect(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			if n := rl.sweep(); n > 0 {
				slog.Debug("rate limiter collected idle senders", "removed", n)
			}
		}
	}
}

// sweep drops buckets idle for longer than idleAfter.
func (rl *RateLimiter) sweep() int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, s := range rl.senders {
		if now.Sub(s.lastSeen) > idleAfter {
			delete(rl.senders, key)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// Stats reports the tracked sender count and configured budget.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return map[string]interface{}{
		"tracked_senders": len(rl.senders),
		"per_minute":      rl.cfg.MaxCallsPerMinute,
		"burst":           rl.cfg.BurstSize,
	}
}
