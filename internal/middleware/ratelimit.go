package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter counts attempts per key in fixed windows. Expired windows are
// dropped by Sweep, which Run calls once per window until its context ends.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*window
	limit    int
	window   time.Duration
	now      func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// KeyFunc picks the bucket a request is counted against.
type KeyFunc func(c *gin.Context) string

func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	return NewRateLimiterWithNow(limit, period, time.Now)
}

func NewRateLimiterWithNow(limit int, period time.Duration, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string]*window),
		limit:    limit,
		window:   period,
		now:      now,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.attempts[key]
	if !ok || now.After(w.resetAt) {
		rl.attempts[key] = &window{count: 1, resetAt: now.Add(rl.window)}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Sweep forgets keys whose window has ended and returns how many it dropped.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	dropped := 0
	for key, w := range rl.attempts {
		if now.After(w.resetAt) {
			delete(rl.attempts, key)
			dropped++
		}
	}
	return dropped
}

// Tracked reports how many keys currently hold a window.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.attempts)
}

func (rl *RateLimiter) Run(ctx context.Context) error {
	if rl.window <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rl.Sweep()
		}
	}
}

func ClientIPKey(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

// DeviceKey is the bucket for connection attempts claiming deviceID.
func DeviceKey(deviceID string) string {
	return "device:" + deviceID
}

// RateLimitMiddleware rejects requests over the limit with 429. A nil key
// counts by client IP.
func RateLimitMiddleware(rl *RateLimiter, key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ClientIPKey
	}
	return func(c *gin.Context) {
		if !rl.Allow(key(c)) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}
