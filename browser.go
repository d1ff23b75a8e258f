package ssdp

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"grimm.is/ssdp/internal/clock"
	"grimm.is/ssdp/internal/logging"
	"grimm.is/ssdp/internal/metrics"
)

// DefaultSearchInterval is the period between search sweeps.
const DefaultSearchInterval = 60 * time.Second

// DefaultSearchMX is the MX value sent on searches: the longest delay,
// in seconds, responders may spread their replies over.
const DefaultSearchMX = 3

// BrowserConfig configures a Browser.
type BrowserConfig struct {
	// SearchInterval is the time between search sweeps. Defaults to
	// DefaultSearchInterval.
	SearchInterval time.Duration

	// MX is the MX header value on outgoing searches. Defaults to
	// DefaultSearchMX.
	MX int

	// Transport carries datagrams. Required.
	Transport Transport

	// Clock drives the search timer and event timestamps. Defaults to
	// the system clock; tests inject a clock.MockClock.
	Clock clock.Clock

	// Logger for send/decode diagnostics. Defaults to the package
	// logger.
	Logger *logging.Logger
}

// Browser watches for services over SSDP: it searches for every
// subscribed target on a timer and classifies inbound announcements
// and search replies into discover and withdraw events. It is a
// passive listener; destroying it sends nothing.
//
// All methods are safe for concurrent use.
type Browser struct {
	transport Transport
	mx        int
	logger    *logging.Logger
	emitter   *emitter

	mu        sync.Mutex
	subs      map[string]struct{}
	destroyed bool

	ticker *clock.Ticker
	wg     sync.WaitGroup
}

// NewBrowser creates a Browser and starts its search timer: an
// immediate sweep (empty until something is subscribed), then one per
// interval.
func NewBrowser(cfg BrowserConfig) (*Browser, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("browser: transport is required")
	}

	interval := cfg.SearchInterval
	if interval <= 0 {
		interval = DefaultSearchInterval
	}
	mx := cfg.MX
	if mx <= 0 {
		mx = DefaultSearchMX
	}
	clk := cfg.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.WithComponent("ssdp-browser")
	}

	b := &Browser{
		transport: cfg.Transport,
		mx:        mx,
		logger:    log,
		emitter:   newEmitter(clk),
		subs:      make(map[string]struct{}),
	}

	b.wg.Add(1)
	go b.receiveLoop()
	b.ticker = clock.NewTickerWith(clk, interval, b.SearchNow)

	b.logger.Info("browsing", "interval", interval)
	return b, nil
}

// Events returns a channel receiving this instance's events of the
// given types, or all types when none are named. Delivery is lossy: a
// full channel drops rather than blocks.
func (b *Browser) Events(bufSize int, types ...EventType) <-chan Event {
	return b.emitter.subscribe(bufSize, types...)
}

// Detach removes a channel obtained from Events. The channel is not
// closed.
func (b *Browser) Detach(ch <-chan Event) {
	b.emitter.unsubscribe(ch)
}

// Subscribe registers interest in a service type; "*" means ssdp:all.
// A target not already subscribed gets one immediate single-target
// search for a fast first answer. The search goes out under the lock,
// so it cannot land after a racing Destroy has closed the transport.
func (b *Browser) Subscribe(service string) {
	if service == "" {
		return
	}
	if service == "*" {
		service = All
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	if _, exists := b.subs[service]; !exists {
		b.subs[service] = struct{}{}
		b.search(service)
	}
}

// Unsubscribe removes a target and reports whether it was subscribed.
func (b *Browser) Unsubscribe(service string) bool {
	if service == "*" {
		service = All
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return false
	}
	_, ok := b.subs[service]
	delete(b.subs, service)
	return ok
}

// Subscriptions returns the current targets, sorted.
func (b *Browser) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.subs))
	for s := range b.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SearchNow issues one search per current subscription, independent of
// the timer. The periodic ticker calls this once per interval.
func (b *Browser) SearchNow() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	targets := make([]string, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	sort.Strings(targets)
	for _, t := range targets {
		b.search(t)
	}
}

// Destroy stops the timer and releases the transport. No goodbye
// traffic is sent. Repeated calls are no-ops.
func (b *Browser) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	b.mu.Unlock()

	b.ticker.Stop()
	b.transport.Close()
	b.wg.Wait()
	b.logger.Info("destroyed")
}

func (b *Browser) search(target string) {
	msg := NewMessage(Search)
	msg.Headers.Set("HOST", b.transport.Group().String())
	msg.Headers.Set("MAN", SearchMan)
	msg.Headers.Set("ST", target)
	msg.Headers.Set("MX", strconv.Itoa(b.mx))

	metrics.Get().SearchesSent.Inc()
	for _, se := range b.transport.Send(msg.Encode(), nil) {
		metrics.Get().SendErrors.Inc()
		b.logger.Warn("send failed", "dest", se.Dest, "error", se.Err)
		b.emitter.publish(Event{Type: EventError, Err: se})
	}
}

func (b *Browser) receiveLoop() {
	defer b.wg.Done()
	for pkt := range b.transport.Packets() {
		b.handlePacket(pkt)
	}
}

func (b *Browser) handlePacket(pkt Packet) {
	kind := KindOf(pkt.Data)
	metrics.Get().MessagesReceived.WithLabelValues(kind.String()).Inc()
	if kind == Search {
		// Peer searches are the Advertiser's business.
		return
	}

	msg, err := Decode(kind, pkt.Data)
	if err != nil {
		metrics.Get().DecodeErrors.WithLabelValues(kind.String()).Inc()
		b.logger.Debug("decode failed", "kind", kind, "from", pkt.Src, "error", err)
		b.emitter.publish(Event{
			Type:   EventError,
			Remote: pkt.Src,
			Raw:    pkt.Data,
			Err:    fmt.Errorf("decode %s: %w", kind, err),
		})
		return
	}
	b.classify(msg, pkt.Src)
}

// classify turns an inbound notification or reply into at most one
// event. Traffic for untracked targets is dropped without trace: on a
// busy network that is the common case, not an error.
func (b *Browser) classify(msg *Message, src *net.UDPAddr) {
	target := msg.Target()

	b.mu.Lock()
	_, tracked := b.subs[target]
	b.mu.Unlock()
	if !tracked {
		return
	}

	switch {
	case msg.Kind == Response:
		b.emitter.publish(Event{Type: EventDiscover, Service: target, Message: msg, Remote: src})
	case msg.Alive() || msg.Update():
		b.emitter.publish(Event{Type: EventDiscover, Service: target, Message: msg, Remote: src})
	case msg.ByeBye():
		b.emitter.publish(Event{Type: EventWithdraw, Service: target, Message: msg, Remote: src})
	default:
		// Unrecognized NTS values are dropped, matching the silent
		// behavior peers rely on.
	}
}
