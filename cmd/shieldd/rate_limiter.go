// rate_limiter.go - Per-sender submission rate limiting for the ledger node
package main

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/HamzaZF/shieldpool/internal/metrics"
)

// SenderRateLimiter keeps one token bucket per transaction sender. It
// implements ledger.Admission.
type SenderRateLimiter struct {
	mu       sync.Mutex
	limiters map[common.Address]*rate.Limiter
	limit    rate.Limit
	burst    int
	metrics  *metrics.Metrics
}

// NewSenderRateLimiter allows perSecond submissions per sender with the
// given burst.
func NewSenderRateLimiter(perSecond, burst int, m *metrics.Metrics) *SenderRateLimiter {
	return &SenderRateLimiter{
		limiters: make(map[common.Address]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		metrics:  m,
	}
}

func (rl *SenderRateLimiter) limiter(sender common.Address) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[sender]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[sender] = l
	}
	return l
}

// Allow checks if a submission from sender is allowed
func (rl *SenderRateLimiter) Allow(sender common.Address) bool {
	if rl.limiter(sender).Allow() {
		return true
	}
	rl.metrics.RecordRateLimited()
	return false
}

// Tokens returns the submissions sender may make right now.
func (rl *SenderRateLimiter) Tokens(sender common.Address) float64 {
	rl.mu.Lock()
	l, ok := rl.limiters[sender]
	rl.mu.Unlock()
	if !ok {
		return float64(rl.burst)
	}
	return l.Tokens()
}

// Reset forgets every sender's history.
func (rl *SenderRateLimiter) Reset() {
	rl.mu.Lock()
	rl.limiters = make(map[common.Address]*rate.Limiter)
	rl.mu.Unlock()
}
