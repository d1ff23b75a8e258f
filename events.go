package ssdp

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/ssdp/internal/clock"
	"grimm.is/ssdp/internal/metrics"
)

// EventType identifies the category of event.
type EventType string

const (
	// EventSearch: the Advertiser matched an inbound search and is
	// about to reply.
	EventSearch EventType = "search"
	// EventDiscover: the Browser saw a subscribed service announce
	// itself or answer a search.
	EventDiscover EventType = "discover"
	// EventWithdraw: the Browser saw a subscribed service say goodbye.
	EventWithdraw EventType = "withdraw"
	// EventError: an asynchronous failure (decode error, send error,
	// search for an unknown target).
	EventError EventType = "error"
)

// Event is the tagged variant delivered to subscribers of an
// Advertiser or Browser.
type Event struct {
	Type    EventType
	Time    time.Time
	Service string       // matched target, when one was identified
	Message *Message     // triggering message, when one decoded
	Remote  *net.UDPAddr // peer the triggering datagram came from
	Raw     []byte       // offending payload, on decode errors
	Err     error        // cause, for EventError
}

// emitter fans events out to subscriber channels. Publishing is
// non-blocking: a subscriber that stops draining loses events instead
// of stalling the instance.
type emitter struct {
	clock   clock.Clock
	mu      sync.RWMutex
	subs    map[EventType][]chan Event
	global  []chan Event
	dropped atomic.Uint64
}

func newEmitter(c clock.Clock) *emitter {
	return &emitter{clock: c, subs: make(map[EventType][]chan Event)}
}

func (e *emitter) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.clock.Now()
	}
	metrics.Get().Events.WithLabelValues(string(ev.Type)).Inc()

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, ch := range e.subs[ev.Type] {
		select {
		case ch <- ev:
		default:
			e.dropped.Add(1)
			metrics.Get().EventsDropped.Inc()
		}
	}
	for _, ch := range e.global {
		select {
		case ch <- ev:
		default:
			e.dropped.Add(1)
			metrics.Get().EventsDropped.Inc()
		}
	}
}

// subscribe returns a channel receiving events of the given types, or
// all events when none are named.
func (e *emitter) subscribe(bufSize int, types ...EventType) <-chan Event {
	if bufSize <= 0 {
		bufSize = 64
	}
	ch := make(chan Event, bufSize)

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(types) == 0 {
		e.global = append(e.global, ch)
	} else {
		for _, t := range types {
			e.subs[t] = append(e.subs[t], ch)
		}
	}
	return ch
}

// unsubscribe removes ch from all subscriptions. The channel is not
// closed.
func (e *emitter) unsubscribe(ch <-chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.global = removeChan(e.global, ch)
	for t, subs := range e.subs {
		e.subs[t] = removeChan(subs, ch)
	}
}

func removeChan(slice []chan Event, target <-chan Event) []chan Event {
	result := make([]chan Event, 0, len(slice))
	for _, ch := range slice {
		if ch != target {
			result = append(result, ch)
		}
	}
	return result
}
