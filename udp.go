package netstack

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

///////////////////////////////////////////////////////////////////////////////
// UDP
///////////////////////////////////////////////////////////////////////////////

const (
	maxUDPListeners = 8

	udpHeaderLen = 8
)

// UDPCallback receives one datagram. It is invoked from Poll without any
// stack locks held; it may call back into the stack, including SendUDP.
type UDPCallback func(src IPv4, srcPort, dstPort uint16, payload []byte)

type udpListener struct {
	port   uint16
	cb     UDPCallback
	active bool
}

// BindUDP registers cb for datagrams addressed to port. Binding a port that
// is already bound replaces the previous callback.
func (s *Stack) BindUDP(port uint16, cb UDPCallback) error {
	s.udpMu.Lock()
	defer s.udpMu.Unlock()

	for i := range s.udpListeners {
		if s.udpListeners[i].active && s.udpListeners[i].port == port {
			s.udpListeners[i].cb = cb
			return nil
		}
	}
	for i := range s.udpListeners {
		if !s.udpListeners[i].active {
			s.udpListeners[i] = udpListener{port: port, cb: cb, active: true}
			return nil
		}
	}

	return ErrNoFreeListeners
}

// UnbindUDP removes the listener for port, if any.
func (s *Stack) UnbindUDP(port uint16) {
	s.udpMu.Lock()
	defer s.udpMu.Unlock()

	for i := range s.udpListeners {
		if s.udpListeners[i].active && s.udpListeners[i].port == port {
			s.udpListeners[i] = udpListener{}
			return
		}
	}
}

// SendUDP transmits one datagram. The UDP checksum is left zero, which
// IPv4 permits. On an unresolved next hop an ARP request is broadcast and
// ErrNoARPEntry returned.
func (s *Stack) SendUDP(dst IPv4, srcPort, dstPort uint16, payload []byte) error {
	datagram, err := buildUDPDatagram(srcPort, dstPort, payload)
	if err != nil {
		return err
	}
	s.udpTxPackets.Add(1)
	return s.sendIPv4(dst, protoUDP, datagram)
}

// sendUDPBlocking is SendUDP with next-hop resolution done synchronously.
func (s *Stack) sendUDPBlocking(dst IPv4, srcPort, dstPort uint16, payload []byte) error {
	datagram, err := buildUDPDatagram(srcPort, dstPort, payload)
	if err != nil {
		return err
	}
	s.udpTxPackets.Add(1)
	return s.sendIPv4Blocking(dst, protoUDP, datagram)
}

func buildUDPDatagram(srcPort, dstPort uint16, payload []byte) ([]byte, error) {
	if udpHeaderLen+len(payload) > 0xffff {
		return nil, fmt.Errorf("udp payload of %d bytes: %w", len(payload), ErrPayloadTooLarge)
	}

	datagram := make([]byte, udpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(datagram[0:2], srcPort)
	binary.BigEndian.PutUint16(datagram[2:4], dstPort)
	binary.BigEndian.PutUint16(datagram[4:6], uint16(udpHeaderLen+len(payload)))
	// checksum stays zero
	copy(datagram[udpHeaderLen:], payload)

	return datagram, nil
}

func (s *Stack) handleUDP(ip ipv4Header, payload []byte) {
	if len(payload) < udpHeaderLen {
		s.dropped.Add(1)
		return
	}

	srcPort := binary.BigEndian.Uint16(payload[0:2])
	dstPort := binary.BigEndian.Uint16(payload[2:4])
	length := binary.BigEndian.Uint16(payload[4:6])

	if int(length) < udpHeaderLen || int(length) > len(payload) {
		s.dropped.Add(1)
		return
	}
	data := payload[udpHeaderLen:length]

	s.udpRxPackets.Add(1)

	var cb UDPCallback
	s.udpMu.Lock()
	for i := range s.udpListeners {
		if s.udpListeners[i].active && s.udpListeners[i].port == dstPort {
			cb = s.udpListeners[i].cb
			break
		}
	}
	s.udpMu.Unlock()

	if cb == nil {
		s.dropped.Add(1)
		return
	}

	// Callback runs without locks; hand it a private copy of the payload
	// since the poll buffer is reused for the next frame.
	buf := make([]byte, len(data))
	copy(buf, data)
	cb(ip.src, srcPort, dstPort, buf)
}

///////////////////////////////////////////////////////////////////////////////
// net.PacketConn adapter
///////////////////////////////////////////////////////////////////////////////

type udpMessage struct {
	src     IPv4
	srcPort uint16
	payload []byte
}

// udpPacketConn exposes a bound UDP port as a net.PacketConn so stdlib
// style consumers, the embedded DNS server included, can serve over the
// stack. Reads are fed by Poll, so something must keep polling the stack
// for a read to ever complete.
type udpPacketConn struct {
	stack *Stack
	port  uint16

	incoming chan udpMessage
	done     chan struct{}

	mu           sync.Mutex
	readDeadline time.Time
	closed       bool
}

// ListenPacket binds port and returns a net.PacketConn for it. Closing the
// conn unbinds the port.
func (s *Stack) ListenPacket(port uint16) (net.PacketConn, error) {
	pc := &udpPacketConn{
		stack:    s,
		port:     port,
		incoming: make(chan udpMessage, 64),
		done:     make(chan struct{}),
	}

	err := s.BindUDP(port, func(src IPv4, srcPort, _ uint16, payload []byte) {
		select {
		case pc.incoming <- udpMessage{src: src, srcPort: srcPort, payload: payload}:
		case <-pc.done:
		default:
			s.dropped.Add(1)
		}
	})
	if err != nil {
		return nil, err
	}

	return pc, nil
}

func (c *udpPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return 0, nil, net.ErrClosed
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}

	select {
	case msg := <-c.incoming:
		n := copy(p, msg.payload)
		addr := &net.UDPAddr{IP: net.IP(msg.src[:]), Port: int(msg.srcPort)}
		return n, addr, nil
	case <-c.done:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

func (c *udpPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("write to %T: unsupported address type", addr)
	}

	ip4 := udpAddr.IP.To4()
	if ip4 == nil {
		return 0, fmt.Errorf("write to %s: not an IPv4 address", udpAddr.IP)
	}

	var dst IPv4
	copy(dst[:], ip4)

	if err := c.stack.SendUDP(dst, c.port, uint16(udpAddr.Port), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *udpPacketConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stack.UnbindUDP(c.port)
	close(c.done)
	return nil
}

func (c *udpPacketConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IP(c.stack.cfg.LocalIP[:]), Port: int(c.port)}
}

func (c *udpPacketConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *udpPacketConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	return nil
}

func (c *udpPacketConn) SetWriteDeadline(time.Time) error {
	return nil // writes never block
}
