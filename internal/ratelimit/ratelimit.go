// Package ratelimit throttles new connections and control requests per
// remote IP and globally.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds events-per-second limits. Zero disables a limit.
type Config struct {
	GlobalConn    int
	PerClientConn int
	GlobalReq     int
	PerClientReq  int
	Burst         int
}

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter manages both global and per-client rate limiting
type RateLimiter struct {
	mu                    sync.Mutex
	globalConnLimiter     *rate.Limiter
	globalReqLimiter      *rate.Limiter
	perClientConnLimiters map[string]*clientLimiter
	perClientReqLimiters  map[string]*clientLimiter
	cfg                   Config

	now func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration
func NewRateLimiter(cfg Config) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	rl := &RateLimiter{
		perClientConnLimiters: make(map[string]*clientLimiter),
		perClientReqLimiters:  make(map[string]*clientLimiter),
		cfg:                   cfg,
		now:                   time.Now,
	}
	if cfg.GlobalConn > 0 {
		rl.globalConnLimiter = rate.NewLimiter(rate.Limit(cfg.GlobalConn), cfg.Burst)
	}
	if cfg.GlobalReq > 0 {
		rl.globalReqLimiter = rate.NewLimiter(rate.Limit(cfg.GlobalReq), cfg.Burst)
	}
	return rl
}

// AllowConnection checks if a connection is allowed for the given client
func (rl *RateLimiter) AllowConnection(client string) bool {
	return rl.allow(rl.globalConnLimiter, rl.perClientConnLimiters, rl.cfg.PerClientConn, client)
}

// AllowRequest checks if a request is allowed for the given client
func (rl *RateLimiter) AllowRequest(client string) bool {
	return rl.allow(rl.globalReqLimiter, rl.perClientReqLimiters, rl.cfg.PerClientReq, client)
}

func (rl *RateLimiter) allow(global *rate.Limiter, perClient map[string]*clientLimiter, perRate int, client string) bool {
	now := rl.now()
	if global != nil && !global.AllowN(now, 1) {
		return false
	}
	if perRate <= 0 {
		return true
	}
	rl.mu.Lock()
	cl, ok := perClient[client]
	if !ok {
		cl = &clientLimiter{lim: rate.NewLimiter(rate.Limit(perRate), rl.cfg.Burst)}
		perClient[client] = cl
	}
	cl.lastSeen = now
	rl.mu.Unlock()
	return cl.lim.AllowN(now, 1)
}

// CleanupIdle drops per-client limiters not used within maxIdle and returns
// how many were removed.
func (rl *RateLimiter) CleanupIdle(maxIdle time.Duration) int {
	cutoff := rl.now().Add(-maxIdle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for _, m := range []map[string]*clientLimiter{rl.perClientConnLimiters, rl.perClientReqLimiters} {
		for client, cl := range m {
			if cl.lastSeen.Before(cutoff) {
				delete(m, client)
				removed++
			}
		}
	}
	return removed
}
