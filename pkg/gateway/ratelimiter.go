package gateway

import (
	"sync"
	"time"
)

const (
	DefaultRequestsPerMinute = 60
	DefaultMaxConcurrent     = 10

	rateWindow = time.Minute
)

// ClientRateLimiter admits a client's requests against a sliding one-minute
// window and a cap on requests in flight.
type ClientRateLimiter struct {
	mu       sync.Mutex
	perMin   int
	maxLive  int
	live     int
	admitted []time.Time // ascending
	now      func() time.Time
}

// NewClientRateLimiterWithLimits builds a limiter. Non-positive limits fall
// back to the defaults.
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &ClientRateLimiter{
		perMin:  requestsPerMinute,
		maxLive: maxConcurrent,
		now:     time.Now,
	}
}

// Acquire admits one request. On success the returned release must be called
// when the request finishes; it is safe to call more than once. A refusal is
// reported as the RPC error to send back.
func (l *ClientRateLimiter) Acquire() (release func(), refused *RPCError) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.live >= l.maxLive {
		return nil, &RPCError{Code: TooManyConcurrent, Message: "too many concurrent requests"}
	}

	now := l.now()
	l.expire(now)
	if len(l.admitted) >= l.perMin {
		retry := l.admitted[0].Add(rateWindow).Sub(now)
		return nil, &RPCError{
			Code:    RateLimitExceeded,
			Message: "rate limit exceeded",
			Data:    map[string]interface{}{"retryAfterMs": retry.Milliseconds()},
		}
	}

	l.admitted = append(l.admitted, now)
	l.live++

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.live--
			l.mu.Unlock()
		})
	}, nil
}

// expire drops admissions that left the window. They form a prefix.
func (l *ClientRateLimiter) expire(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(l.admitted) && !l.admitted[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.admitted = append(l.admitted[:0], l.admitted[i:]...)
	}
}
