// Package ratelimit provides sliding-window rate limiting for the Guardian API.
//
// Admission is checked before any scan work starts and never blocks: a
// rejected caller gets a deterministic retry hint instead of queueing.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/guardianhq/guardian/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// Window is the trailing window length
	Window time.Duration
	// PerIP is the max admissions per IP per window
	PerIP int
	// PerUser is the max admissions per authenticated user per window
	PerUser int
	// CleanupInterval is how often to clean idle keys
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Window:          time.Minute,
		PerIP:           30,
		PerUser:         60,
		CleanupInterval: time.Minute,
	}
}

// Limiter tracks admissions per key over a sliding window.
//
// Each key keeps the timestamps of its admitted calls inside the trailing
// window, so the invariant holds exactly: no more than limit admissions in
// any trailing window, even under concurrent Admit calls. The check and the
// append happen under one lock: check-and-increment, not check-then-increment.
type Limiter struct {
	cfg   Config
	mu    sync.Mutex
	keys  map[string]*windowState
	stop  chan struct{}
	now   func() time.Time // injectable clock for tests
}

type windowState struct {
	admitted []time.Time // timestamps of admitted calls, oldest first
	lastSeen time.Time
}

// New creates a new rate limiter
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:  cfg,
		keys: make(map[string]*windowState),
		stop: make(chan struct{}),
		now:  time.Now,
	}
	go l.cleanup()
	return l
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	close(l.stop)
}

// Check is one (key, limit) pair to admit against.
type Check struct {
	Kind  string // label for rejection metrics ("ip", "user")
	Key   string
	Limit int
}

// Admit checks whether a call for key is within limit admissions per window.
// It returns whether the call is allowed and, when rejected, how many whole
// seconds the caller should wait before retrying.
func (l *Limiter) Admit(key string, limit int) (allowed bool, retryAfterSec int) {
	allowed, _, retryAfterSec = l.AdmitAll(Check{Key: key, Limit: limit})
	return allowed, retryAfterSec
}

// AdmitAll admits a call against several keys atomically: either every key
// has capacity and all of them consume a slot, or none do. A rejection by one
// key must not burn a slot on another, so that a rejected request never
// counts against the caller's other windows.
func (l *Limiter) AdmitAll(checks ...Check) (allowed bool, rejectedKind string, retryAfterSec int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	states := make([]*windowState, len(checks))
	for i, check := range checks {
		if check.Limit <= 0 {
			return false, check.Kind, int(l.cfg.Window / time.Second)
		}

		state, ok := l.keys[check.Key]
		if !ok {
			state = &windowState{}
			l.keys[check.Key] = state
		}
		state.lastSeen = now

		// Drop timestamps that have slid out of the window
		cutoff := now.Add(-l.cfg.Window)
		idx := 0
		for idx < len(state.admitted) && !state.admitted[idx].After(cutoff) {
			idx++
		}
		if idx > 0 {
			state.admitted = state.admitted[idx:]
		}

		if len(state.admitted) >= check.Limit {
			// The slot frees up when the oldest admission leaves the window
			wait := state.admitted[0].Add(l.cfg.Window).Sub(now)
			sec := int(wait / time.Second)
			if wait%time.Second != 0 || sec == 0 {
				sec++ // round up so the retry is never early
			}
			return false, check.Kind, sec
		}
		states[i] = state
	}

	// Every key has capacity: commit all increments together.
	for _, state := range states {
		state.admitted = append(state.admitted, now)
	}
	return true, "", 0
}

// cleanup removes keys with no activity for two windows
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * l.cfg.Window)
			for key, state := range l.keys {
				if state.lastSeen.Before(cutoff) {
					delete(l.keys, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Middleware returns a gin middleware that rate limits by client IP and, when
// the request carries a caller identity, by user as well. The stricter of the
// two applies: both keys must admit the request.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := []Check{
			{Kind: "ip", Key: "ip:" + c.ClientIP(), Limit: l.cfg.PerIP},
		}
		if userID := callerIdentity(c); userID != "" {
			checks = append(checks, Check{Kind: "user", Key: "user:" + userID, Limit: l.cfg.PerUser})
		}

		allowed, kind, retryAfter := l.AdmitAll(checks...)
		if !allowed {
			metrics.RateLimitRejectionsTotal.WithLabelValues(kind).Inc()
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limited",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// callerIdentity extracts the authenticated caller, if any. Auth itself is an
// external collaborator; we only consume the identity it sets.
func callerIdentity(c *gin.Context) string {
	if id := c.GetString("user_id"); id != "" {
		return id
	}
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key[:min(20, len(key))]
	}
	if auth := c.GetHeader("Authorization"); auth != "" {
		return auth[:min(20, len(auth))]
	}
	return ""
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
