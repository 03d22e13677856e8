package crawler

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"time"
)

// ExponentialBackoff spaces retries of transient failures. Jitter is derived
// from the page ID and attempt number, so rebuilding the frontier from the log
// reproduces the same not-before times.
type ExponentialBackoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewExponentialBackoff builds a policy, applying sane defaults for zero values.
func NewExponentialBackoff(base, maxDelay time.Duration) *ExponentialBackoff {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &ExponentialBackoff{baseDelay: base, maxDelay: maxDelay}
}

// Backoff returns the wait before the attempt following retry number attempt.
// The result lies in [d/2, d) where d = min(base*2^(attempt-1), max).
func (p *ExponentialBackoff) Backoff(id PageID, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + p.jitter(id, attempt, half)
}

func (p *ExponentialBackoff) jitter(id PageID, attempt int, limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(id))
	binary.BigEndian.PutUint64(buf[8:], uint64(attempt))
	h := fnv.New64a()
	_, _ = h.Write(buf[:])
	return time.Duration(h.Sum64() % uint64(limit))
}
