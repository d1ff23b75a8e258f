package clock

import (
	"sync"
	"time"
)

// Ticker runs fn once at construction and then once per interval
// until stopped. Stop is safe to call repeatedly, including from a
// teardown path while a tick is in flight.
type Ticker struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewTicker starts the ticker on the system clock.
func NewTicker(interval time.Duration, fn func()) *Ticker {
	return NewTickerWith(&RealClock{}, interval, fn)
}

// NewTickerWith starts the ticker on the given clock. The first
// invocation of fn happens synchronously, before NewTickerWith
// returns, and the tick source is registered by then too, so with a
// MockClock an Advance right after construction is never lost.
func NewTickerWith(c Clock, interval time.Duration, fn func()) *Ticker {
	t := &Ticker{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	fn()
	tick, cancel := c.Tick(interval)
	go t.run(tick, cancel, fn)
	return t
}

func (t *Ticker) run(tick <-chan time.Time, cancel func(), fn func()) {
	defer close(t.done)
	defer cancel()

	for {
		select {
		case <-t.stop:
			return
		case <-tick:
			fn()
		}
	}
}

// Stop cancels the ticker and waits for the in-flight tick, if any,
// to return.
func (t *Ticker) Stop() {
	t.once.Do(func() { close(t.stop) })
	<-t.done
}
