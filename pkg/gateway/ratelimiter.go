package gateway

import (
	"sync"
	"time"
)

const (
	DefaultRequestsPerMinute = 120
	DefaultMaxConcurrent     = 8

	reasonConcurrent = "too many concurrent requests"
	reasonRate       = "rate limit exceeded"
)

// ClientRateLimiter is a one-minute sliding window plus a cap on requests in flight
type ClientRateLimiter struct {
	mu                 sync.Mutex
	requestsPerMinute  int
	maxConcurrent      int
	requests           []time.Time
	concurrentRequests int
	now                func() time.Time
}

// NewClientRateLimiter creates a limiter with the default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(DefaultRequestsPerMinute, DefaultMaxConcurrent)
}

// NewClientRateLimiterWithLimits creates a limiter. Non-positive limits fall back to the defaults.
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// prune drops requests older than the window. r.mu must be held.
func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	keep := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	r.requests = keep
}

// Acquire admits a request and counts it in flight, or returns the reason it
// was refused. Every admitted request must be paired with Release.
func (r *ClientRateLimiter) Acquire() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests >= r.maxConcurrent {
		return false, reasonConcurrent
	}
	now := r.now()
	r.prune(now)
	if len(r.requests) >= r.requestsPerMinute {
		return false, reasonRate
	}

	r.requests = append(r.requests, now)
	r.concurrentRequests++
	return true, ""
}

// Release ends an admitted request
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests > 0 {
		r.concurrentRequests--
	}
}

func (r *ClientRateLimiter) UpdateLimits(requestsPerMinute, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requestsPerMinute = requestsPerMinute
	r.maxConcurrent = maxConcurrent
}

// GetStats returns requests in the current window and requests in flight
func (r *ClientRateLimiter) GetStats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now())
	return len(r.requests), r.concurrentRequests
}

func (r *ClientRateLimiter) idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now())
	return len(r.requests) == 0 && r.concurrentRequests == 0
}

// limiterSet keeps one limiter per remote host for plain HTTP callers
type limiterSet struct {
	mu                sync.Mutex
	limiters          map[string]*ClientRateLimiter
	requestsPerMinute int
	maxConcurrent     int
}

func newLimiterSet(requestsPerMinute, maxConcurrent int) *limiterSet {
	return &limiterSet{
		limiters:          make(map[string]*ClientRateLimiter),
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
	}
}

func (s *limiterSet) get(host string) *ClientRateLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[host]
	if !ok {
		l = s.newLimiter()
		s.limiters[host] = l
	}
	return l
}

func (s *limiterSet) newLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(s.requestsPerMinute, s.maxConcurrent)
}

// sweep forgets hosts with nothing in the window
func (s *limiterSet) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for host, l := range s.limiters {
		if l.idle() {
			delete(s.limiters, host)
			removed++
		}
	}
	return removed
}
