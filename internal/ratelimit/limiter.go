// Package ratelimit provides a GCRA (Generic Cell Rate Algorithm)
// limiter keyed by an arbitrary string, used to bound how often a
// remote address may initiate a handshake attempt (§7 "Resource
// exhaustion — allocation failure; fatal for the affected stream").
// A flood of HANDSHAKE datagrams from one address each allocates a
// session-table entry and a KEM keypair; without a limiter this is an
// unauthenticated amplification/exhaustion vector for the UDP and
// WebSocket server adapters.
//
// Grounded on the teacher's internal/adapter/outbound/memory/rate_limiter.go
// (MemoryRateLimiter: a TAT-per-key map guarded by a mutex, the same
// GCRA arithmetic), adapted from the teacher's API-request rate limit
// domain to a connection-attempt limiter.
package ratelimit

import (
	"sync"
	"time"
)

// Config mirrors the teacher's RateLimitConfig (internal/domain/ratelimit/types.go):
// Rate events per Period, with Burst allowed at once.
type Config struct {
	Rate   int
	Burst  int
	Period time.Duration
}

// Result mirrors the teacher's RateLimitResult.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter is an in-memory GCRA rate limiter keyed by string (a remote
// address for the handshake-flood use case). The zero value is not
// usable; use New.
type Limiter struct {
	mu     sync.Mutex
	cells  map[string]time.Time // theoretical arrival time per key
	config Config

	cleanupInterval time.Duration
	maxTTL          time.Duration
	lastCleanup      time.Time
}

// New creates a Limiter enforcing config against every key passed to
// Allow. cleanupInterval/maxTTL bound the cells map's memory growth,
// same defaults as the teacher's NewRateLimiter (5 minutes / 1 hour).
func New(config Config) *Limiter {
	return &Limiter{
		cells:           make(map[string]time.Time),
		config:          config,
		cleanupInterval: 5 * time.Minute,
		maxTTL:          time.Hour,
	}
}

// Allow reports whether a request under key is allowed right now,
// advancing key's theoretical arrival time on success. Safe for
// concurrent use.
func (l *Limiter) Allow(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.maybeCleanupLocked(now)

	rate, burst := l.config.Rate, l.config.Burst
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = rate
	}
	emission := l.config.Period / time.Duration(rate)
	burstOffset := time.Duration(burst-1) * emission

	tat, exists := l.cells[key]
	if !exists || tat.Before(now) {
		tat = now
	}

	allowAt := tat.Add(-burstOffset)
	if now.Before(allowAt) {
		return Result{Allowed: false, RetryAfter: allowAt.Sub(now)}
	}

	newTAT := tat.Add(emission)
	if newTAT.Before(now) {
		newTAT = now.Add(emission)
	}
	l.cells[key] = newTAT
	return Result{Allowed: true}
}

// maybeCleanupLocked drops cells whose TAT is older than maxTTL,
// rate-limited to once per cleanupInterval so Allow stays O(1)
// amortized. Caller holds l.mu.
func (l *Limiter) maybeCleanupLocked(now time.Time) {
	if now.Sub(l.lastCleanup) < l.cleanupInterval {
		return
	}
	l.lastCleanup = now
	for k, tat := range l.cells {
		if now.Sub(tat) > l.maxTTL {
			delete(l.cells, k)
		}
	}
}
