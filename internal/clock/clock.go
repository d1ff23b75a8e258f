// Package clock provides a mockable time source and the repeating
// ticker the SSDP state machines run on. In production it simply wraps
// time.Now(); tests inject a MockClock.
package clock

import (
	"sync"
	"time"
)

// Clock is the interface for time operations.
// Use package-level functions for convenience, or inject a Clock for testing.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Until(t time.Time) time.Duration

	// Tick returns a channel delivering a tick per interval and a stop
	// function releasing it. MockClock ticks fire from Advance.
	Tick(interval time.Duration) (<-chan time.Time, func())
}

// --- Real Clock (simple wrapper) ---

// RealClock provides the actual system time.
type RealClock struct{}

// Now returns the current system time.
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Until returns the duration until t.
func (c *RealClock) Until(t time.Time) time.Duration {
	return time.Until(t)
}

// Tick wraps time.NewTicker.
func (c *RealClock) Tick(interval time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(interval)
	return t.C, t.Stop
}

// --- Mock Clock (for testing) ---

// MockClock is a test clock with controllable time. Tickers created
// through Tick fire when Set or Advance moves the clock past their
// next deadline.
type MockClock struct {
	mu      sync.RWMutex
	current time.Time
	tickers []*mockTicker
}

type mockTicker struct {
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

// NewMockClock creates a mock clock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now returns the mock time.
func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Until returns the duration until t.
func (c *MockClock) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

// Set sets the mock time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
	c.fireDueLocked()
}

// Advance advances the mock time by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	c.fireDueLocked()
}

// Tick returns a ticker channel driven by Set/Advance. Like
// time.Ticker the channel has a buffer of one, so ticks a slow
// consumer misses coalesce instead of piling up.
func (c *MockClock) Tick(interval time.Duration) (<-chan time.Time, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mt := &mockTicker{
		ch:       make(chan time.Time, 1),
		interval: interval,
		next:     c.current.Add(interval),
	}
	c.tickers = append(c.tickers, mt)
	stop := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		mt.stopped = true
	}
	return mt.ch, stop
}

func (c *MockClock) fireDueLocked() {
	for _, mt := range c.tickers {
		for !mt.stopped && !mt.next.After(c.current) {
			select {
			case mt.ch <- mt.next:
			default:
			}
			mt.next = mt.next.Add(mt.interval)
		}
	}
}

// --- Package-level convenience functions ---

// Now returns the current system time.
func Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Until returns the duration until t.
func Until(t time.Time) time.Duration {
	return time.Until(t)
}
