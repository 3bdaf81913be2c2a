// Package ratelimit provides per-caller rate limiting middleware for the
// escrowd API. Identified users get their own buckets; anonymous callers
// share one per client IP. State-changing requests draw from a separate,
// smaller bucket so a burst of reads cannot starve a buyer's pay call and
// a scripted client cannot hammer the money-moving endpoints.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/clock"
	"golang.org/x/time/rate"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute and BurstSize apply to reads.
	RequestsPerMinute int
	BurstSize         int
	// WriteRequestsPerMinute and WriteBurstSize apply to POST, PUT, PATCH
	// and DELETE. Zero falls back to the read settings.
	WriteRequestsPerMinute int
	WriteBurstSize         int
	// IdleTTL is how long an unused bucket is kept.
	IdleTTL time.Duration
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute:      60,
		BurstSize:              10,
		WriteRequestsPerMinute: 20,
		WriteBurstSize:         5,
		IdleTTL:                5 * time.Minute,
		CleanupInterval:        time.Minute,
	}
}

// Limiter tracks one token bucket per caller and request class.
type Limiter struct {
	cfg   Config
	clock clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.WriteRequestsPerMinute <= 0 {
		cfg.WriteRequestsPerMinute = cfg.RequestsPerMinute
	}
	if cfg.WriteBurstSize <= 0 {
		cfg.WriteBurstSize = cfg.BurstSize
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	l := &Limiter{
		cfg:     cfg,
		clock:   clock.System(),
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// WithClock sets the time source (for testing).
func (l *Limiter) WithClock(c clock.Clock) *Limiter {
	l.clock = c
	return l
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stop:
			return
		}
	}
}

// Cleanup drops buckets idle for longer than IdleTTL.
func (l *Limiter) Cleanup() {
	cutoff := l.clock.Now().Add(-l.cfg.IdleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Size reports how many buckets are tracked.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow reports whether a read from key may proceed now.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.take(key, false)
	return ok
}

// take spends one token from key's bucket for the class. When the bucket
// is empty it returns how long until a token is available.
func (l *Limiter) take(key string, write bool) (bool, time.Duration) {
	now := l.clock.Now()

	l.mu.Lock()
	id := key
	if write {
		id = "w|" + key
	}
	b, ok := l.buckets[id]
	if !ok {
		perMinute, burst := l.cfg.RequestsPerMinute, l.cfg.BurstSize
		if write {
			perMinute, burst = l.cfg.WriteRequestsPerMinute, l.cfg.WriteBurstSize
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), burst)}
		l.buckets[id] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Key returns the bucket a request is charged to. It must run after
// auth.Middleware so the caller's identity is known.
func Key(c *gin.Context) string {
	if userID := auth.GetUserID(c); userID != "" {
		return "user:" + userID[:min(64, len(userID))]
	}
	return "ip:" + c.ClientIP()
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Middleware returns a Gin middleware that rate limits by user, falling
// back to client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.take(Key(c), isWrite(c.Request.Method))
		if !ok {
			retryAfter := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}
