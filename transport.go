package ssdp

import (
	"fmt"
	"net"
)

// Packet is one inbound datagram delivered by a Transport.
type Packet struct {
	Data []byte
	// Src is the remote endpoint the datagram came from.
	Src *net.UDPAddr
	// Dst is the local endpoint it arrived on.
	Dst *net.UDPAddr
	// FromSelf marks datagrams that originated from this process.
	// Consumers that want to ignore self-traffic check it; this layer
	// never filters on it.
	FromSelf bool
}

// SendError records a failed delivery to a single destination: a
// unicast address, or an interface name for multicast sends.
type SendError struct {
	Dest string
	Err  error
}

func (e SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Dest, e.Err)
}

func (e SendError) Unwrap() error { return e.Err }

// Transport moves SSDP datagrams. The multicast package provides the
// standard UDP implementation; tests substitute their own.
//
// A Transport instance serves exactly one Advertiser or Browser, which
// closes it on destroy.
type Transport interface {
	// Send transmits data to dst; a nil dst means the configured
	// multicast group. Failures are collected per destination and
	// returned, never raised, so one bad peer cannot abort the rest.
	Send(data []byte, dst *net.UDPAddr) []SendError

	// Group returns the multicast group datagrams default to.
	Group() *net.UDPAddr

	// Packets returns the inbound datagram channel. It is closed by
	// Close.
	Packets() <-chan Packet

	// Close releases the underlying socket.
	Close() error
}
