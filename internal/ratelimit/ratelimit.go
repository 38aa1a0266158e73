// Package ratelimit provides a simple in-memory token bucket rate limiter.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// bucket tracks tokens for a single client.
type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// Limiter is a per-client token bucket rate limiter keyed by client IP.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}

	rate  float64 // tokens refilled per second
	burst float64 // max tokens
}

// New creates a limiter allowing rpm requests per minute with a burst of
// rpm/4 (minimum 5).
func New(rpm int) *Limiter {
	burst := float64(rpm) / 4
	if burst < 5 {
		burst = 5
	}
	l := &Limiter{
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		rate:    float64(rpm) / 60.0,
		burst:   burst,
	}
	go l.cleanup()
	return l
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow reports whether the client identified by key may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst}
		l.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastSeen).Seconds()
		b.tokens += elapsed * l.rate
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// cleanup evicts buckets idle for more than 10 minutes.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Middleware returns a gin middleware enforcing the limit per client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}
