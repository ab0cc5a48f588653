// Package ratelimit provides per-caller rate limiting middleware for the
// escrow API.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per key
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often to clean idle entries
	CleanupInterval time.Duration
	// Scope names the limit in the 429 body, e.g. "check-payment"
	Scope string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60, // 1 req/sec average
		BurstSize:         10, // Allow bursts of 10
		CleanupInterval:   time.Minute,
	}
}

// CheckPaymentConfig limits payment checks to 10 per minute per user.
func CheckPaymentConfig() Config {
	return Config{
		RequestsPerMinute: 10,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
		Scope:             "check-payment",
	}
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*clientState
	stop    chan struct{}
	once    sync.Once
}

type clientState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a new rate limiter
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// cleanup removes idle entries periodically
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-2 * time.Minute)
			for key, state := range l.clients {
				if state.lastSeen.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow checks if a request for key should be allowed
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.Reserve(key)
	return ok
}

// Reserve takes a token for key. When none is available it takes nothing
// and reports how long until one is.
func (l *Limiter) Reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	state, exists := l.clients[key]
	if !exists {
		every := rate.Every(time.Minute / time.Duration(l.cfg.RequestsPerMinute))
		state = &clientState{limiter: rate.NewLimiter(every, l.cfg.BurstSize)}
		l.clients[key] = state
	}
	state.lastSeen = time.Now()
	l.mu.Unlock()

	r := state.limiter.Reserve()
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d
	}
	return true, 0
}

// Middleware returns a Gin middleware that rate limits by authenticated
// user, falling back to client IP. Rejections carry Retry-After.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Reserve(Key(c))
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			msg := "Too many requests. Please slow down."
			if l.cfg.Scope != "" {
				msg = "Too many " + l.cfg.Scope + " requests. Try again in " + strconv.Itoa(secs) + "s."
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     msg,
				"retry_after": secs,
			})
			return
		}

		c.Next()
	}
}

// Key identifies the caller: the authenticated user when present.
func Key(c *gin.Context) string {
	if user := c.GetString("authUserID"); user != "" {
		return "user:" + user
	}
	return "ip:" + c.ClientIP()
}
