package web

import (
	"sync"
	"time"
)

const (
	maxAuthFailures = 10 // per IP within the window
	failureWindow   = 5 * time.Minute
	failureLockout  = 15 * time.Minute
)

// authAttempt tracks failed authentications for an IP.
type authAttempt struct {
	Count     int
	FirstAt   time.Time
	BlockedAt time.Time // non-zero if blocked
}

// RateLimiter tracks per-IP authentication failure rates. Successful
// requests are never throttled; only repeated failures lock an IP out.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*authAttempt
}

// NewRateLimiter creates an authentication failure rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{attempts: make(map[string]*authAttempt)}
}

// Allow reports whether a request from the given IP may attempt
// authentication.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	a, ok := rl.attempts[ip]
	if !ok {
		return true
	}
	if a.BlockedAt.IsZero() {
		return true
	}
	if time.Now().Before(a.BlockedAt.Add(failureLockout)) {
		return false
	}
	delete(rl.attempts, ip)
	return true
}

// RecordFailure records a failed authentication for an IP.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	a, ok := rl.attempts[ip]
	if !ok || now.After(a.FirstAt.Add(failureWindow)) {
		rl.attempts[ip] = &authAttempt{Count: 1, FirstAt: now}
		return
	}
	a.Count++
	if a.Count >= maxAuthFailures {
		a.BlockedAt = now
	}
}

// Reset clears failure state for an IP (called on successful auth).
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// Cleanup removes expired entries. Call periodically.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, a := range rl.attempts {
		if !a.BlockedAt.IsZero() {
			if now.After(a.BlockedAt.Add(failureLockout)) {
				delete(rl.attempts, ip)
			}
			continue
		}
		if now.After(a.FirstAt.Add(failureWindow)) {
			delete(rl.attempts, ip)
		}
	}
}
