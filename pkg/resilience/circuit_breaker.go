package resilience

import (
	"errors"
	"sync"
	"time"
)

// RateLimitError marks a provider answer that asked us to back off.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreaker opens after threshold consecutive rate limits, or any
// errors when CountAll is set. Once the cooldown passes a single trial call
// is let through: success closes the breaker, a counted failure reopens it.
type CircuitBreaker struct {
	// CountAll counts every error, not only rate limits.
	CountAll bool
	// OnStateChange, when set, is called outside the lock with true when
	// the breaker opens and false when it closes again.
	OnStateChange func(open bool)

	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a call may go ahead. In the half-open state only
// the first caller gets the trial.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if c.now().Before(c.openUntil) {
			return false
		}
		c.state = breakerHalfOpen
		return true
	}
	return false
}

// Open reports whether calls are being rejected, without taking the trial.
func (c *CircuitBreaker) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case breakerOpen:
		return c.now().Before(c.openUntil)
	case breakerHalfOpen:
		return true
	}
	return false
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	wasOpen := c.state != breakerClosed
	c.state = breakerClosed
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
	if wasOpen {
		c.notify(false)
	}
}

func (c *CircuitBreaker) OnError(err error) {
	if err == nil || (!c.CountAll && !IsRateLimit(err)) {
		return
	}
	c.mu.Lock()
	opened := false
	c.failures++
	if c.state == breakerHalfOpen || (c.state == breakerClosed && c.failures >= c.threshold) {
		opened = c.state == breakerClosed
		c.state = breakerOpen
		c.openUntil = c.now().Add(c.cooldown)
	}
	c.mu.Unlock()
	if opened {
		c.notify(true)
	}
}

func (c *CircuitBreaker) notify(open bool) {
	if c.OnStateChange != nil {
		c.OnStateChange(open)
	}
}
