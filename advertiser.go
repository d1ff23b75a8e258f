package ssdp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/ssdp/internal/clock"
	"grimm.is/ssdp/internal/logging"
	"grimm.is/ssdp/internal/metrics"
)

// DefaultNotifyInterval is the period between alive sweeps.
const DefaultNotifyInterval = 60 * time.Second

// AdvertiserConfig configures an Advertiser.
type AdvertiserConfig struct {
	// UUID is the advertiser identity, immutable for the instance's
	// lifetime. Generated when empty.
	UUID string

	// NotifyInterval is the time between alive sweeps. Defaults to
	// DefaultNotifyInterval.
	NotifyInterval time.Duration

	// Allow decides whether a search from addr gets answered. A nil
	// hook allows everyone. Rejection is silent, indistinguishable
	// from disinterest.
	Allow func(addr *net.UDPAddr) bool

	// Transport carries datagrams. Required.
	Transport Transport

	// Clock drives the announce timer and event timestamps. Defaults
	// to the system clock; tests inject a clock.MockClock.
	Clock clock.Clock

	// Logger for send/decode diagnostics. Defaults to the package
	// logger.
	Logger *logging.Logger
}

type tableEntry struct {
	service string
	extra   Headers
}

// Advertiser publishes services over SSDP: it answers inbound
// searches, re-announces everything on a timer, and withdraws with
// ssdp:byebye on removal or destroy.
//
// All methods are safe for concurrent use. Asynchronous failures
// surface as EventError events, never as panics, so a long-lived
// daemon survives malformed packets and unreachable peers.
type Advertiser struct {
	uuid      string
	transport Transport
	allow     func(*net.UDPAddr) bool
	logger    *logging.Logger
	emitter   *emitter

	mu        sync.Mutex
	services  map[string]Headers
	order     []string
	destroyed bool

	ticker *clock.Ticker
	wg     sync.WaitGroup
}

// NewAdvertiser creates an Advertiser and immediately starts
// announcing: the first alive sweep fires right away, then once per
// interval. The transport is the one construction-time requirement;
// its absence is the only synchronous failure.
func NewAdvertiser(cfg AdvertiserConfig) (*Advertiser, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("advertiser: transport is required")
	}

	id := cfg.UUID
	if id == "" {
		id = uuid.NewString()
	}
	interval := cfg.NotifyInterval
	if interval <= 0 {
		interval = DefaultNotifyInterval
	}
	allow := cfg.Allow
	if allow == nil {
		allow = func(*net.UDPAddr) bool { return true }
	}
	clk := cfg.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.WithComponent("ssdp-advertiser")
	}

	a := &Advertiser{
		uuid:      id,
		transport: cfg.Transport,
		allow:     allow,
		logger:    log,
		emitter:   newEmitter(clk),
		services:  make(map[string]Headers),
	}

	a.wg.Add(1)
	go a.receiveLoop()
	a.ticker = clock.NewTickerWith(clk, interval, a.AnnounceNow)

	a.logger.Info("advertising", "uuid", id, "interval", interval)
	return a, nil
}

// UUID returns the advertiser identity.
func (a *Advertiser) UUID() string { return a.uuid }

// Events returns a channel receiving this instance's events of the
// given types, or all types when none are named. Delivery is lossy: a
// full channel drops rather than blocks.
func (a *Advertiser) Events(bufSize int, types ...EventType) <-chan Event {
	return a.emitter.subscribe(bufSize, types...)
}

// Detach removes a channel obtained from Events. The channel is not
// closed.
func (a *Advertiser) Detach(ch <-chan Event) {
	a.emitter.unsubscribe(ch)
}

// Services returns the advertised service types in announce order.
func (a *Advertiser) Services() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// Announce upserts a service table entry. A service not previously
// advertised gets one immediate ssdp:alive so subscribers are not left
// waiting for the next sweep; updating an existing entry does not.
//
// The notification goes out under the table lock: once Destroy has
// marked the instance destroyed, no alive can trail the farewell
// burst.
func (a *Advertiser) Announce(service string, extra Headers) {
	if service == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	_, existed := a.services[service]
	a.services[service] = extra.Clone()
	if !existed {
		a.order = append(a.order, service)
		a.notify(service, extra, NTSAlive)
	}
}

// Withdraw removes a service and sends one ssdp:byebye for it. It
// reports whether the service was advertised; withdrawing an absent
// service sends nothing.
func (a *Advertiser) Withdraw(service string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return false
	}
	extra, ok := a.services[service]
	if !ok {
		return false
	}
	delete(a.services, service)
	for i, s := range a.order {
		if s == service {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	a.notify(service, extra, NTSByeBye)
	return true
}

// AnnounceNow sends the full alive sweep immediately: the two identity
// notices followed by one notification per table entry. The periodic
// ticker calls this once per interval.
func (a *Advertiser) AnnounceNow() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}

	a.notify(RootDevice, nil, NTSAlive)
	a.notify(a.identity(), nil, NTSAlive)
	for _, svc := range a.order {
		a.notify(svc, a.services[svc], NTSAlive)
	}
}

// Destroy withdraws everything and releases the transport: one
// ssdp:byebye for the identity, one for upnp:rootdevice, one per
// remaining table entry, best effort and never retried. Repeated calls
// are no-ops, as is every other public operation afterwards.
func (a *Advertiser) Destroy() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	entries := make([]tableEntry, 0, len(a.order))
	for _, svc := range a.order {
		entries = append(entries, tableEntry{svc, a.services[svc]})
	}
	a.services = make(map[string]Headers)
	a.order = nil
	a.mu.Unlock()

	a.ticker.Stop()

	a.notify(a.identity(), nil, NTSByeBye)
	a.notify(RootDevice, nil, NTSByeBye)
	for _, e := range entries {
		a.notify(e.service, e.extra, NTSByeBye)
	}

	a.transport.Close()
	a.wg.Wait()
	a.logger.Info("destroyed")
}

// identity returns the uuid:<uuid> target.
func (a *Advertiser) identity() string { return "uuid:" + a.uuid }

// usn builds the USN for a service; the identity target maps to the
// bare uuid form.
func (a *Advertiser) usn(service string) string {
	id := a.identity()
	if service == id {
		return id
	}
	return id + "::" + service
}

func (a *Advertiser) notify(service string, extra Headers, nts string) {
	msg := NewMessage(Notify)
	msg.Headers.Merge(extra)
	msg.Headers.Set("HOST", a.transport.Group().String())
	msg.Headers.Set("NT", service)
	msg.Headers.Set("NTS", nts)
	msg.Headers.Set("USN", a.usn(service))

	metrics.Get().NotificationsSent.WithLabelValues(nts).Inc()
	a.send(msg, nil)
}

func (a *Advertiser) reply(service string, extra Headers, req *Message) {
	dst := req.ReplyAddr()
	if dst == nil {
		a.emitter.publish(Event{
			Type:    EventError,
			Service: service,
			Message: req,
			Err:     fmt.Errorf("reply: no usable requester address %q", req.Host),
		})
		return
	}

	msg := NewMessage(Response)
	msg.Headers.Merge(extra)
	msg.Headers.Set("ST", service)
	msg.Headers.Set("USN", a.usn(service))

	metrics.Get().RepliesSent.Inc()
	a.send(msg, dst)
}

// send encodes and transmits, converting per-destination failures into
// individual error events.
func (a *Advertiser) send(msg *Message, dst *net.UDPAddr) {
	for _, se := range a.transport.Send(msg.Encode(), dst) {
		metrics.Get().SendErrors.Inc()
		a.logger.Warn("send failed", "dest", se.Dest, "error", se.Err)
		a.emitter.publish(Event{Type: EventError, Err: se})
	}
}

func (a *Advertiser) receiveLoop() {
	defer a.wg.Done()
	for pkt := range a.transport.Packets() {
		a.handlePacket(pkt)
	}
}

func (a *Advertiser) handlePacket(pkt Packet) {
	kind := KindOf(pkt.Data)
	metrics.Get().MessagesReceived.WithLabelValues(kind.String()).Inc()
	if kind != Search {
		// The advertiser only answers searches; announcements and
		// replies from peers are the Browser's business.
		return
	}

	msg, err := Decode(kind, pkt.Data)
	if err != nil {
		metrics.Get().DecodeErrors.WithLabelValues(kind.String()).Inc()
		a.logger.Debug("decode failed", "kind", kind, "from", pkt.Src, "error", err)
		a.emitter.publish(Event{
			Type:   EventError,
			Remote: pkt.Src,
			Raw:    pkt.Data,
			Err:    fmt.Errorf("decode %s: %w", kind, err),
		})
		return
	}
	if pkt.Src != nil {
		msg.Host = pkt.Src.IP.String()
		msg.Port = pkt.Src.Port
	}
	a.handleSearch(msg, pkt.Src)
}

func (a *Advertiser) handleSearch(msg *Message, src *net.UDPAddr) {
	if msg.Headers.Get("MAN") != SearchMan || !msg.Headers.Has("ST") {
		return
	}
	if !a.allow(src) {
		return
	}
	st := msg.Headers.Get("ST")

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	var matches []tableEntry
	switch st {
	case All:
		matches = append(matches,
			tableEntry{RootDevice, nil},
			tableEntry{a.identity(), nil})
		for _, svc := range a.order {
			matches = append(matches, tableEntry{svc, a.services[svc].Clone()})
		}
	case RootDevice, a.identity():
		matches = append(matches, tableEntry{st, nil})
	default:
		if extra, ok := a.services[st]; ok {
			matches = append(matches, tableEntry{st, extra.Clone()})
		}
	}
	a.mu.Unlock()

	if len(matches) == 0 {
		a.logger.Debug("search for unknown target", "st", st, "from", src)
		a.emitter.publish(Event{
			Type:    EventError,
			Service: st,
			Message: msg,
			Remote:  src,
			Err:     fmt.Errorf("search for unknown target %q", st),
		})
		return
	}

	a.emitter.publish(Event{Type: EventSearch, Service: st, Message: msg, Remote: src})
	for _, e := range matches {
		a.reply(e.service, e.extra, msg)
	}
}
