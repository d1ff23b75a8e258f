package ssdp

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ssdp/internal/clock"
)

const testUUID = "de305d54-75b4-431b-adb2-eb6b9e546014"

func newTestAdvertiser(t *testing.T, cfg AdvertiserConfig) (*Advertiser, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	cfg.Transport = ft
	if cfg.UUID == "" {
		cfg.UUID = testUUID
	}
	a, err := NewAdvertiser(cfg)
	require.NoError(t, err)
	t.Cleanup(a.Destroy)
	return a, ft
}

func searchFor(st string) []byte {
	msg := NewMessage(Search)
	msg.Headers.Set("HOST", "239.255.255.250:1900")
	msg.Headers.Set("MAN", SearchMan)
	msg.Headers.Set("ST", st)
	msg.Headers.Set("MX", "3")
	return msg.Encode()
}

func TestNewAdvertiserRequiresTransport(t *testing.T) {
	_, err := NewAdvertiser(AdvertiserConfig{})
	require.Error(t, err)
}

func TestNewAdvertiserGeneratesUUID(t *testing.T) {
	ft := newFakeTransport()
	a, err := NewAdvertiser(AdvertiserConfig{Transport: ft})
	require.NoError(t, err)
	defer a.Destroy()

	_, err = uuid.Parse(a.UUID())
	assert.NoError(t, err)
}

func TestAdvertiserInitialSweep(t *testing.T) {
	a, ft := newTestAdvertiser(t, AdvertiserConfig{})

	sent := ft.waitSent(t, 2)
	root := decodeSent(t, sent[0])
	assert.Equal(t, Notify, root.Kind)
	assert.Equal(t, RootDevice, root.Headers.Get("NT"))
	assert.Equal(t, NTSAlive, root.Headers.Get("NTS"))
	assert.Equal(t, "uuid:"+a.UUID()+"::"+RootDevice, root.Headers.Get("USN"))
	assert.Equal(t, "239.255.255.250:1900", root.Headers.Get("HOST"))
	assert.Nil(t, sent[0].dst)

	ident := decodeSent(t, sent[1])
	assert.Equal(t, "uuid:"+a.UUID(), ident.Headers.Get("NT"))
	assert.Equal(t, "uuid:"+a.UUID(), ident.Headers.Get("USN"))
}

func TestAdvertiserAnnounce(t *testing.T) {
	a, ft := newTestAdvertiser(t, AdvertiserConfig{})
	ft.waitSent(t, 2)
	ft.clear()

	a.Announce("urn:test:service:1", Headers{"SERVER": "demo/1.0"})
	sent := ft.waitSent(t, 1)
	msg := decodeSent(t, sent[0])
	assert.Equal(t, "urn:test:service:1", msg.Headers.Get("NT"))
	assert.Equal(t, NTSAlive, msg.Headers.Get("NTS"))
	assert.Equal(t, "uuid:"+a.UUID()+"::urn:test:service:1", msg.Headers.Get("USN"))
	assert.Equal(t, "demo/1.0", msg.Headers.Get("SERVER"))

	// Updating an existing entry stays quiet; the following withdraw
	// proves nothing was sent in between.
	a.Announce("urn:test:service:1", Headers{"SERVER": "demo/2.0"})
	require.True(t, a.Withdraw("urn:test:service:1"))

	sent = ft.waitSent(t, 2)
	bye := decodeSent(t, sent[1])
	assert.Equal(t, NTSByeBye, bye.Headers.Get("NTS"))
	assert.Equal(t, "urn:test:service:1", bye.Headers.Get("NT"))
	assert.Empty(t, a.Services())
}

func TestAdvertiserWithdrawUnknown(t *testing.T) {
	a, ft := newTestAdvertiser(t, AdvertiserConfig{})
	ft.waitSent(t, 2)
	ft.clear()

	assert.False(t, a.Withdraw("urn:never:advertised:1"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, ft.waitSent(t, 0))
}

func TestAdvertiserServicesOrder(t *testing.T) {
	a, _ := newTestAdvertiser(t, AdvertiserConfig{})
	a.Announce("urn:b", nil)
	a.Announce("urn:a", nil)
	a.Announce("urn:c", nil)
	a.Withdraw("urn:a")
	assert.Equal(t, []string{"urn:b", "urn:c"}, a.Services())
}

func TestAdvertiserAnswersSearch(t *testing.T) {
	a, ft := newTestAdvertiser(t, AdvertiserConfig{})
	a.Announce("urn:test:service:1", Headers{"LOCATION": "http://192.168.1.9/desc.xml"})
	ft.waitSent(t, 3)
	ft.clear()

	events := a.Events(4, EventSearch)
	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50), Port: 51000}
	ft.inject(searchFor("urn:test:service:1"), src)

	sent := ft.waitSent(t, 1)
	require.NotNil(t, sent[0].dst)
	assert.Equal(t, "192.168.1.50:51000", sent[0].dst.String())

	reply := decodeSent(t, sent[0])
	assert.Equal(t, Response, reply.Kind)
	assert.Equal(t, "urn:test:service:1", reply.Headers.Get("ST"))
	assert.Equal(t, "uuid:"+a.UUID()+"::urn:test:service:1", reply.Headers.Get("USN"))
	assert.Equal(t, "http://192.168.1.9/desc.xml", reply.Headers.Get("LOCATION"))

	ev := waitEvent(t, events)
	assert.Equal(t, EventSearch, ev.Type)
	assert.Equal(t, "urn:test:service:1", ev.Service)
	assert.Equal(t, src, ev.Remote)
}

func TestAdvertiserAnswersSearchAll(t *testing.T) {
	a, ft := newTestAdvertiser(t, AdvertiserConfig{})
	a.Announce("urn:test:service:1", nil)
	ft.waitSent(t, 3)
	ft.clear()

	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50), Port: 51000}
	ft.inject(searchFor(All), src)

	sent := ft.waitSent(t, 3)
	targets := make([]string, len(sent))
	for i, s := range sent {
		targets[i] = decodeSent(t, s).Headers.Get("ST")
	}
	assert.Equal(t, []string{RootDevice, "uuid:" + a.UUID(), "urn:test:service:1"}, targets)
}

func TestAdvertiserAnswersIdentitySearch(t *testing.T) {
	a, ft := newTestAdvertiser(t, AdvertiserConfig{})
	ft.waitSent(t, 2)
	ft.clear()

	src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 40000}
	ft.inject(searchFor("uuid:"+a.UUID()), src)

	sent := ft.waitSent(t, 1)
	reply := decodeSent(t, sent[0])
	assert.Equal(t, "uuid:"+a.UUID(), reply.Headers.Get("ST"))
	assert.Equal(t, "uuid:"+a.UUID(), reply.Headers.Get("USN"))
}

func TestAdvertiserIgnoresMalformedSearch(t *testing.T) {
	a, ft := newTestAdvertiser(t, AdvertiserConfig{})
	a.Announce("urn:test:service:1", nil)
	ft.waitSent(t, 3)
	ft.clear()

	src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 40000}

	// Unquoted MAN value.
	bad := NewMessage(Search)
	bad.Headers.Set("MAN", "ssdp:discover")
	bad.Headers.Set("ST", "urn:test:service:1")
	ft.inject(bad.Encode(), src)

	// No ST at all.
	bad = NewMessage(Search)
	bad.Headers.Set("MAN", SearchMan)
	ft.inject(bad.Encode(), src)

	// A valid search after the junk; packets are handled in order, so
	// the single reply proves both were dropped.
	ft.inject(searchFor("urn:test:service:1"), src)
	sent := ft.waitSent(t, 1)
	assert.Equal(t, "urn:test:service:1", decodeSent(t, sent[0]).Headers.Get("ST"))
	assert.Len(t, sent, 1)
}

func TestAdvertiserAllowHook(t *testing.T) {
	blocked := net.IPv4(10, 0, 0, 66)
	a, ft := newTestAdvertiser(t, AdvertiserConfig{
		Allow: func(addr *net.UDPAddr) bool {
			return addr == nil || !addr.IP.Equal(blocked)
		},
	})
	a.Announce("urn:test:service:1", nil)
	ft.waitSent(t, 3)
	ft.clear()

	ft.inject(searchFor("urn:test:service:1"), &net.UDPAddr{IP: blocked, Port: 40000})
	ft.inject(searchFor("urn:test:service:1"), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 40001})

	sent := ft.waitSent(t, 1)
	assert.Equal(t, "10.0.0.7:40001", sent[0].dst.String())
	assert.Len(t, sent, 1)
}

func TestAdvertiserUnknownTargetEvent(t *testing.T) {
	a, ft := newTestAdvertiser(t, AdvertiserConfig{})
	ft.waitSent(t, 2)
	ft.clear()

	events := a.Events(4, EventError)
	ft.inject(searchFor("urn:absent:service:1"), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 40000})

	ev := waitEvent(t, events)
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, "urn:absent:service:1", ev.Service)
	assert.ErrorContains(t, ev.Err, "unknown target")
}

func TestAdvertiserDecodeErrorEvent(t *testing.T) {
	a, ft := newTestAdvertiser(t, AdvertiserConfig{})
	ft.waitSent(t, 2)

	events := a.Events(4, EventError)
	raw := append([]byte("M-SEARCH * HTTP/1.1\r\n"), 0xff, 0xfe)
	ft.inject(raw, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 40000})

	ev := waitEvent(t, events)
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, raw, ev.Raw)
	require.Error(t, ev.Err)
}

func TestAdvertiserDestroy(t *testing.T) {
	ft := newFakeTransport()
	a, err := NewAdvertiser(AdvertiserConfig{UUID: testUUID, Transport: ft})
	require.NoError(t, err)
	a.Announce("urn:test:service:1", nil)
	ft.waitSent(t, 3)
	ft.clear()

	a.Destroy()

	sent := ft.waitSent(t, 3)
	for i, want := range []string{"uuid:" + testUUID, RootDevice, "urn:test:service:1"} {
		msg := decodeSent(t, sent[i])
		assert.Equal(t, want, msg.Headers.Get("NT"))
		assert.Equal(t, NTSByeBye, msg.Headers.Get("NTS"))
	}
	assert.True(t, ft.closed)

	// Everything after destroy is a no-op.
	ft.clear()
	a.Destroy()
	a.Announce("urn:test:service:2", nil)
	a.AnnounceNow()
	assert.False(t, a.Withdraw("urn:test:service:1"))
	assert.Empty(t, a.Services())
	assert.Empty(t, ft.waitSent(t, 0))
}

func TestAdvertiserPeriodicSweep(t *testing.T) {
	mock := clock.NewMockClock(time.Unix(0, 0))
	ft := newFakeTransport()
	a, err := NewAdvertiser(AdvertiserConfig{
		UUID:           testUUID,
		NotifyInterval: time.Minute,
		Transport:      ft,
		Clock:          mock,
	})
	require.NoError(t, err)
	defer a.Destroy()

	a.Announce("urn:test:service:1", nil)
	ft.waitSent(t, 3)
	ft.clear()

	mock.Advance(time.Minute)
	sent := ft.waitSent(t, 3)
	targets := make([]string, len(sent))
	for i, s := range sent {
		msg := decodeSent(t, s)
		assert.Equal(t, NTSAlive, msg.Headers.Get("NTS"))
		targets[i] = msg.Headers.Get("NT")
	}
	assert.Equal(t, []string{RootDevice, "uuid:" + testUUID, "urn:test:service:1"}, targets)
}

func TestAdvertiserWithdrawIdempotent(t *testing.T) {
	a, ft := newTestAdvertiser(t, AdvertiserConfig{})
	a.Announce("urn:test:service:1", nil)
	ft.waitSent(t, 3)
	ft.clear()

	assert.True(t, a.Withdraw("urn:test:service:1"))
	assert.False(t, a.Withdraw("urn:test:service:1"))

	sent := ft.waitSent(t, 1)
	assert.Len(t, sent, 1)
	assert.Equal(t, NTSByeBye, decodeSent(t, sent[0]).Headers.Get("NTS"))
}

func TestAdvertiserNoAliveAfterFarewell(t *testing.T) {
	ft := newFakeTransport()
	a, err := NewAdvertiser(AdvertiserConfig{UUID: testUUID, Transport: ft})
	require.NoError(t, err)
	ft.waitSent(t, 2)

	// Hammer the table from another goroutine while destroying; every
	// alive must precede the farewell burst in the send order.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			svc := fmt.Sprintf("urn:race:%d", i%4)
			a.Announce(svc, nil)
			a.Withdraw(svc)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	a.Destroy()
	close(stop)
	<-done

	sent := ft.waitSent(t, 2)
	farewell := -1
	for i, s := range sent {
		msg := decodeSent(t, s)
		if msg.Headers.Get("NT") == "uuid:"+testUUID && msg.Headers.Get("NTS") == NTSByeBye {
			farewell = i
			break
		}
	}
	require.NotEqual(t, -1, farewell, "identity byebye missing from send log")
	for _, s := range sent[farewell:] {
		assert.Equal(t, NTSByeBye, decodeSent(t, s).Headers.Get("NTS"))
	}

	// Nothing at all goes out once Destroy has returned.
	n := len(sent)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, ft.waitSent(t, 0), n)
}

func TestAdvertiserSendErrors(t *testing.T) {
	a, ft := newTestAdvertiser(t, AdvertiserConfig{})
	ft.waitSent(t, 2)

	events := a.Events(8, EventError)
	ft.mu.Lock()
	ft.fail = []SendError{{Dest: "eth0", Err: net.ErrClosed}}
	ft.mu.Unlock()

	a.Announce("urn:test:service:1", nil)
	ev := waitEvent(t, events)
	assert.Equal(t, EventError, ev.Type)
	assert.ErrorIs(t, ev.Err, net.ErrClosed)
}
