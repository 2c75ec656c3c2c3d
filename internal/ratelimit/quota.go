package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/inferbroker/internal/metrics"
)

// QuotaConfig bounds how many operations of one kind an address may perform
// per window. Zero Limit disables the quota.
type QuotaConfig struct {
	Kind   string
	Limit  int
	Window time.Duration
}

// Quota is a fixed-window counter keyed by (address, kind). Windows are
// aligned to multiples of the configured duration, so a burst straddling a
// boundary can briefly see up to twice the limit; acceptable for abuse
// control, and it keeps the state a single int per key.
type Quota struct {
	cfg  QuotaConfig
	mu   sync.Mutex
	used map[string]*window
	stop chan struct{}
	once sync.Once
}

type window struct {
	start time.Time
	count int
}

// NewQuota creates a quota gate and starts its sweep goroutine.
func NewQuota(cfg QuotaConfig) *Quota {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	q := &Quota{
		cfg:  cfg,
		used: make(map[string]*window),
		stop: make(chan struct{}),
	}
	go q.sweep()
	return q
}

// Stop stops the sweep goroutine.
func (q *Quota) Stop() {
	q.once.Do(func() { close(q.stop) })
}

// Allow consumes one unit for address. When denied, retryAfter reports how
// long until the window rolls over.
func (q *Quota) Allow(address string) (allowed bool, retryAfter time.Duration) {
	if q.cfg.Limit <= 0 {
		return true, 0
	}

	now := time.Now()
	start := now.Truncate(q.cfg.Window)

	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.used[address]
	if !ok || w.start.Before(start) {
		q.used[address] = &window{start: start, count: 1}
		return true, 0
	}

	if w.count >= q.cfg.Limit {
		return false, start.Add(q.cfg.Window).Sub(now)
	}
	w.count++
	return true, 0
}

// Remaining reports how many units address has left in the current window.
func (q *Quota) Remaining(address string) int {
	if q.cfg.Limit <= 0 {
		return -1 // unlimited
	}

	start := time.Now().Truncate(q.cfg.Window)

	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.used[address]
	if !ok || w.start.Before(start) {
		return q.cfg.Limit
	}
	rem := q.cfg.Limit - w.count
	if rem < 0 {
		rem = 0
	}
	return rem
}

func (q *Quota) sweep() {
	ticker := time.NewTicker(q.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Truncate(q.cfg.Window)
			q.mu.Lock()
			for key, w := range q.used {
				if w.start.Before(cutoff) {
					delete(q.used, key)
				}
			}
			q.mu.Unlock()
		case <-q.stop:
			return
		}
	}
}

// Middleware gates a route group by the verified address set during
// authentication. Routes without a verified address fall back to client IP.
func (q *Quota) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if addr := c.GetString("auth_address"); addr != "" {
			key = addr
		}

		allowed, retryAfter := q.Allow(key)
		if !allowed {
			metrics.RateLimitRejections.WithLabelValues(q.cfg.Kind).Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "quota_exceeded",
				"message":     "Operation quota exhausted for " + q.cfg.Kind + ".",
				"retry_after": int(retryAfter.Seconds()) + 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
