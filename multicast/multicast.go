// Package multicast binds the UDP multicast socket SSDP runs over and
// adapts it to the ssdp.Transport interface: one socket joined to the
// discovery group on every eligible interface, a read loop feeding a
// packet channel, and per-interface multicast writes.
package multicast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"grimm.is/ssdp"
	"grimm.is/ssdp/internal/clock"
	"grimm.is/ssdp/internal/logging"
)

// DefaultGroup is the SSDP discovery group.
const DefaultGroup = "239.255.255.250:1900"

// DefaultTTL keeps announcements on the local network segment.
const DefaultTTL = 2

const maxPacketSize = 65507

// Options configures a multicast listener. The zero value is usable.
type Options struct {
	// Group is the multicast group and port, "host:port". Defaults to
	// DefaultGroup.
	Group string

	// Interfaces restricts the join to the named interfaces. Empty
	// means every up, multicast-capable interface.
	Interfaces []string

	// TTL for outgoing multicast. Defaults to DefaultTTL.
	TTL int

	// Loopback controls whether our own multicast is received. SSDP
	// peers on the same host need it on.
	Loopback bool

	// Buffer is the packet channel depth. Defaults to 32.
	Buffer int

	Logger *logging.Logger
}

// Conn is a multicast UDP socket implementing ssdp.Transport.
type Conn struct {
	pc     *ipv4.PacketConn
	group  *net.UDPAddr
	ifaces []*net.Interface
	self   map[string]bool
	port   int
	logger *logging.Logger

	packets   chan ssdp.Packet
	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// Listen binds the group port with SO_REUSEADDR and SO_REUSEPORT, so
// several SSDP processes can share the host, joins the group on the
// selected interfaces, and starts the read loop.
func Listen(opts Options) (*Conn, error) {
	groupSpec := opts.Group
	if groupSpec == "" {
		groupSpec = DefaultGroup
	}
	group, err := net.ResolveUDPAddr("udp4", groupSpec)
	if err != nil {
		return nil, fmt.Errorf("multicast: bad group %q: %w", groupSpec, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("multicast: %s is not a multicast address", group.IP)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 32
	}
	log := opts.Logger
	if log == nil {
		log = logging.WithComponent("multicast")
	}

	ifaces, self, err := selectInterfaces(opts.Interfaces)
	if err != nil {
		return nil, err
	}
	if len(ifaces) == 0 {
		return nil, errors.New("multicast: no usable interfaces")
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if opErr != nil {
					return
				}
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}

	pconn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", group.Port))
	if err != nil {
		return nil, fmt.Errorf("multicast: bind :%d: %w", group.Port, err)
	}

	pc := ipv4.NewPacketConn(pconn)
	joined := 0
	for _, iface := range ifaces {
		if err := pc.JoinGroup(iface, &net.UDPAddr{IP: group.IP}); err != nil {
			log.Warn("join failed", "interface", iface.Name, "error", err)
			continue
		}
		joined++
	}
	if joined == 0 {
		pconn.Close()
		return nil, fmt.Errorf("multicast: could not join %s on any interface", group.IP)
	}
	if err := pc.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		log.Warn("control messages unavailable", "error", err)
	}
	if err := pc.SetMulticastTTL(ttl); err != nil {
		log.Warn("set ttl failed", "error", err)
	}
	if err := pc.SetMulticastLoopback(opts.Loopback); err != nil {
		log.Warn("set loopback failed", "error", err)
	}

	c := &Conn{
		pc:      pc,
		group:   group,
		ifaces:  ifaces,
		self:    self,
		port:    pconn.LocalAddr().(*net.UDPAddr).Port,
		logger:  log,
		packets: make(chan ssdp.Packet, buffer),
		stop:    make(chan struct{}),
	}

	c.wg.Add(1)
	go c.readLoop()

	log.Info("listening", "group", group, "interfaces", joined, "ttl", ttl)
	return c, nil
}

// selectInterfaces returns the interfaces to join, plus the set of
// local unicast IPs used to tag loopback traffic.
func selectInterfaces(names []string) ([]*net.Interface, map[string]bool, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, nil, fmt.Errorf("multicast: list interfaces: %w", err)
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	var ifaces []*net.Interface
	self := make(map[string]bool)
	for i := range all {
		iface := &all[i]
		if len(wanted) > 0 && !wanted[iface.Name] {
			continue
		}
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		ifaces = append(ifaces, iface)

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				self[ipnet.IP.String()] = true
			}
		}
	}
	return ifaces, self, nil
}

// Group returns the multicast destination announcements go to.
func (c *Conn) Group() *net.UDPAddr { return c.group }

// Packets returns the inbound channel. It is closed by Close.
func (c *Conn) Packets() <-chan ssdp.Packet { return c.packets }

// Send transmits data to dst, or multicasts it to the group over every
// joined interface when dst is nil. Failures come back one per
// destination; partial delivery is normal on multihomed hosts.
func (c *Conn) Send(data []byte, dst *net.UDPAddr) []ssdp.SendError {
	if dst != nil {
		if _, err := c.pc.WriteTo(data, nil, dst); err != nil {
			return []ssdp.SendError{{Dest: dst.String(), Err: err}}
		}
		return nil
	}

	var errs []ssdp.SendError
	for _, iface := range c.ifaces {
		cm := &ipv4.ControlMessage{IfIndex: iface.Index}
		if _, err := c.pc.WriteTo(data, cm, c.group); err != nil {
			errs = append(errs, ssdp.SendError{Dest: iface.Name, Err: err})
		}
	}
	return errs
}

// Close shuts the socket and closes the packet channel. Safe to call
// more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		err = c.pc.Close()
		c.wg.Wait()
	})
	return err
}

// readLoop pulls datagrams off the socket until Close. Deadlines keep
// the loop responsive to shutdown even on a silent network.
func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer close(c.packets)

	buf := make([]byte, maxPacketSize)
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		c.pc.SetReadDeadline(clock.Now().Add(1 * time.Second))
		n, _, src, err := c.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "closed network connection") {
				return
			}
			c.logger.Warn("read failed", "error", err)
			continue
		}

		udpSrc, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		pkt := ssdp.Packet{
			Data:     data,
			Src:      udpSrc,
			Dst:      c.group,
			FromSelf: c.self[udpSrc.IP.String()] && udpSrc.Port == c.port,
		}
		select {
		case c.packets <- pkt:
		case <-c.stop:
			return
		}
	}
}
