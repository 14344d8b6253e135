package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of MessageLimiter.Allow.
type Decision int

const (
	// Allow means the message is within budget.
	Allow Decision = iota
	// Drop means the message is over budget and should be discarded.
	Drop
	// Close means the connection has exceeded its budget too often and should
	// be closed.
	Close
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Drop:
		return "drop"
	case Close:
		return "close"
	default:
		return "unknown"
	}
}

type MessageLimiterConfig struct {
	// MessagesPerSecond is the sustained inbound rate. Bursts of the same size
	// are allowed. <= 0 disables limiting.
	MessagesPerSecond int

	// HardCloseAfterViolations closes the connection once this many messages
	// have been dropped within ViolationWindow. <= 0 never closes.
	HardCloseAfterViolations int
	ViolationWindow          time.Duration

	Clock Clock
}

// MessageLimiter rate-limits inbound messages on one connection and escalates
// repeated violations to a close.
type MessageLimiter struct {
	clock   Clock
	limiter *rate.Limiter

	hardCloseAfter int
	window         time.Duration

	mu          sync.Mutex
	windowStart time.Time
	violations  int
}

func NewMessageLimiter(cfg MessageLimiterConfig) *MessageLimiter {
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock{}
	}
	l := &MessageLimiter{
		clock:          clock,
		hardCloseAfter: cfg.HardCloseAfterViolations,
		window:         cfg.ViolationWindow,
	}
	if cfg.MessagesPerSecond > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.MessagesPerSecond)
	}
	return l
}

func (l *MessageLimiter) Allow() Decision {
	if l == nil || l.limiter == nil {
		return Allow
	}
	now := l.clock.Now()
	if l.limiter.AllowN(now, 1) {
		return Allow
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.violations == 0 || (l.window > 0 && now.Sub(l.windowStart) > l.window) {
		l.windowStart = now
		l.violations = 0
	}
	l.violations++
	if l.hardCloseAfter > 0 && l.violations >= l.hardCloseAfter {
		return Close
	}
	return Drop
}
