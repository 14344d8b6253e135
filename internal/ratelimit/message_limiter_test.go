package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMessageLimiter_AllowAndRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	l := NewMessageLimiter(MessageLimiterConfig{MessagesPerSecond: 5, Clock: clk})

	for i := 0; i < 5; i++ {
		if got := l.Allow(); got != Allow {
			t.Fatalf("message %d: Allow()=%v, want %v", i, got, Allow)
		}
	}
	if got := l.Allow(); got != Drop {
		t.Fatalf("Allow()=%v, want %v once burst is spent", got, Drop)
	}

	clk.Advance(200 * time.Millisecond) // 1 token at 5/sec.
	if got := l.Allow(); got != Allow {
		t.Fatalf("Allow()=%v, want %v after refill", got, Allow)
	}
}

func TestMessageLimiter_DisabledAlwaysAllows(t *testing.T) {
	l := NewMessageLimiter(MessageLimiterConfig{})
	for i := 0; i < 1000; i++ {
		if got := l.Allow(); got != Allow {
			t.Fatalf("Allow()=%v, want %v", got, Allow)
		}
	}

	var nilLimiter *MessageLimiter
	if got := nilLimiter.Allow(); got != Allow {
		t.Fatalf("nil Allow()=%v, want %v", got, Allow)
	}
}

func TestMessageLimiter_HardCloseAfterRepeatedViolations(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	l := NewMessageLimiter(MessageLimiterConfig{
		MessagesPerSecond:        1,
		HardCloseAfterViolations: 3,
		ViolationWindow:          10 * time.Second,
		Clock:                    clk,
	})

	if got := l.Allow(); got != Allow {
		t.Fatalf("Allow()=%v, want %v", got, Allow)
	}
	for i := 0; i < 2; i++ {
		if got := l.Allow(); got != Drop {
			t.Fatalf("violation %d: Allow()=%v, want %v", i, got, Drop)
		}
	}
	if got := l.Allow(); got != Close {
		t.Fatalf("Allow()=%v, want %v on third violation", got, Close)
	}
}

func TestMessageLimiter_ViolationWindowResets(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	l := NewMessageLimiter(MessageLimiterConfig{
		MessagesPerSecond:        1,
		HardCloseAfterViolations: 2,
		ViolationWindow:          time.Second,
		Clock:                    clk,
	})

	_ = l.Allow()
	if got := l.Allow(); got != Drop {
		t.Fatalf("Allow()=%v, want %v", got, Drop)
	}

	// The next violation lands outside the window and starts a new count.
	clk.Advance(1500 * time.Millisecond)
	_ = l.Allow()
	if got := l.Allow(); got != Drop {
		t.Fatalf("Allow()=%v, want %v after window reset", got, Drop)
	}
	if got := l.Allow(); got != Close {
		t.Fatalf("Allow()=%v, want %v", got, Close)
	}
}
