package ssdp

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"unicode/utf8"
)

// Well-known header values and search targets.
const (
	// SearchMan is the mandatory MAN value on M-SEARCH requests.
	// The quotes are part of the wire value.
	SearchMan = `"ssdp:discover"`

	// NTS subtypes carried by NOTIFY messages.
	NTSAlive  = "ssdp:alive"
	NTSUpdate = "ssdp:update"
	NTSByeBye = "ssdp:byebye"

	// All matches every advertised service.
	All = "ssdp:all"
	// RootDevice is the well-known target for the advertising device
	// itself.
	RootDevice = "upnp:rootdevice"
)

// Kind identifies one of the three SSDP message kinds.
type Kind int

const (
	// Search is an M-SEARCH request.
	Search Kind = iota
	// Notify is a NOTIFY announcement, subtyped by its NTS header.
	Notify
	// Response is the HTTP/1.1 200 OK reply to a search.
	Response
)

func (k Kind) String() string {
	switch k {
	case Search:
		return "search"
	case Notify:
		return "notify"
	case Response:
		return "response"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) startLine() string {
	switch k {
	case Search:
		return "M-SEARCH * HTTP/1.1"
	case Notify:
		return "NOTIFY * HTTP/1.1"
	default:
		return "HTTP/1.1 200 OK"
	}
}

// Message is one SSDP message, built per send or per decode and not
// reused. Host and Port are only set on decoded searches: they record
// the requester endpoint the unicast reply is addressed to.
type Message struct {
	Kind    Kind
	Headers Headers
	Host    string
	Port    int
}

// NewMessage creates an empty message of the given kind.
func NewMessage(kind Kind) *Message {
	return &Message{Kind: kind, Headers: NewHeaders()}
}

// IsResponse reports whether the message is a search reply.
func (m *Message) IsResponse() bool { return m.Kind == Response }

// Alive reports whether this is an ssdp:alive notification.
func (m *Message) Alive() bool { return m.Headers.Get("NTS") == NTSAlive }

// Update reports whether this is an ssdp:update notification.
func (m *Message) Update() bool { return m.Headers.Get("NTS") == NTSUpdate }

// ByeBye reports whether this is an ssdp:byebye notification.
func (m *Message) ByeBye() bool { return m.Headers.Get("NTS") == NTSByeBye }

// Target returns the service type the message is about: NT for
// notifications, ST for searches and responses.
func (m *Message) Target() string {
	if m.Kind == Notify {
		return m.Headers.Get("NT")
	}
	return m.Headers.Get("ST")
}

// ReplyAddr returns the requester endpoint of a decoded search, or nil
// when the host does not parse as an IP.
func (m *Message) ReplyAddr() *net.UDPAddr {
	ip := net.ParseIP(m.Host)
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: m.Port}
}

// Encode serializes the message: the kind's request or status line,
// one "KEY: value" line per header in ascending key order, a blank
// line, all CRLF-terminated. Encoding the same message twice yields
// byte-identical output.
func (m *Message) Encode() []byte {
	var b strings.Builder
	b.WriteString(m.Kind.startLine())
	b.WriteString("\r\n")
	for _, k := range m.Headers.Keys() {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(m.Headers[k])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// KindOf determines the message kind from the first line of a raw
// datagram: M-SEARCH and NOTIFY by prefix, anything else is treated as
// a response.
func KindOf(data []byte) Kind {
	switch {
	case bytes.HasPrefix(data, []byte("M-SEARCH")):
		return Search
	case bytes.HasPrefix(data, []byte("NOTIFY")):
		return Notify
	default:
		return Response
	}
}

// Decode parses the header block of a raw datagram into a message of
// the given kind. The first line is discarded; callers dispatch on it
// with KindOf before decoding. Lines are trimmed, blank and colonless
// lines skipped, keys uppercased, and a repeated key keeps its last
// value. Decode never checks that required headers are present; that
// is the caller's concern. It fails only when the payload is not
// valid text.
func Decode(kind Kind, data []byte) (*Message, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("decode %s: payload is not valid UTF-8", kind)
	}

	msg := NewMessage(kind)
	lines := strings.Split(string(data), "\n")
	if len(lines) > 0 {
		lines = lines[1:]
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		msg.Headers.Set(key, strings.TrimSpace(value))
	}
	return msg, nil
}
