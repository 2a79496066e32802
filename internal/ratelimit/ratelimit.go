package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Error reports a denied token acquisition for a scope.
type Error struct {
	Scope string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s", e.Scope)
}

// Limiter is a token-bucket admission controller keyed by scope. The same
// limiter shape throttles outbound calls per source identity and inbound
// requests per client identity. Buckets refill lazily; there is no
// background ticking goroutine.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	refill rate.Limit
	burst  int
}

// NewKeyed constructs a limiter whose buckets refill at refillPerSec tokens
// per second up to capacity burst. Buckets start full.
func NewKeyed(refillPerSec float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	if refillPerSec <= 0 {
		refillPerSec = float64(burst)
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		refill:  rate.Limit(refillPerSec),
		burst:   burst,
	}
}

func (l *Limiter) bucket(scope string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[scope]
	if !ok {
		b = rate.NewLimiter(l.refill, l.burst)
		l.buckets[scope] = b
	}
	return b
}

// Acquire debits one token from the scope's bucket. A false return means
// the caller is rate limited and must not retry immediately.
func (l *Limiter) Acquire(scope string) bool {
	return l.AcquireN(scope, 1)
}

// AcquireN debits cost tokens from the scope's bucket.
func (l *Limiter) AcquireN(scope string, cost int) bool {
	return l.bucket(scope).AllowN(time.Now(), cost)
}

// acquireAt is the deterministic form used by tests.
func (l *Limiter) acquireAt(scope string, t time.Time, cost int) bool {
	return l.bucket(scope).AllowN(t, cost)
}

// Tokens reports the current token count for a scope, bounded by the burst
// capacity.
func (l *Limiter) Tokens(scope string) float64 {
	return l.tokensAt(scope, time.Now())
}

func (l *Limiter) tokensAt(scope string, t time.Time) float64 {
	tokens := l.bucket(scope).TokensAt(t)
	if tokens < 0 {
		return 0
	}
	if tokens > float64(l.burst) {
		return float64(l.burst)
	}
	return tokens
}
