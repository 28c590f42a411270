package netstack

import (
	"encoding/binary"
	"fmt"
	"time"
)

///////////////////////////////////////////////////////////////////////////////
// TCP
///////////////////////////////////////////////////////////////////////////////

const (
	maxTCPSockets = 8

	tcpHeaderLen = 20

	// tcpRxBufSize is the per-socket receive ring. One slot is sacrificed
	// to distinguish full from empty, so usable capacity is one less.
	tcpRxBufSize = 32768

	// tcpMaxSegment keeps segments under a 1500-byte MTU with headers.
	tcpMaxSegment = 1400

	// tcpSegmentGap paces consecutive data segments.
	tcpSegmentGap = time.Millisecond

	firstEphemeralPort = 49152
)

const (
	tcpFlagFIN = 0x01
	tcpFlagSYN = 0x02
	tcpFlagRST = 0x04
	tcpFlagPSH = 0x08
	tcpFlagACK = 0x10
)

// SocketHandle identifies a slot in the TCP socket table.
type SocketHandle int

type tcpState int

const (
	tcpClosed tcpState = iota
	tcpListen
	tcpSynSent
	tcpSynRcvd
	tcpEstablished
	tcpFinWait1
	tcpFinWait2
	tcpCloseWait
	tcpLastAck
)

func (s tcpState) String() string {
	switch s {
	case tcpClosed:
		return "CLOSED"
	case tcpListen:
		return "LISTEN"
	case tcpSynSent:
		return "SYN_SENT"
	case tcpSynRcvd:
		return "SYN_RCVD"
	case tcpEstablished:
		return "ESTABLISHED"
	case tcpFinWait1:
		return "FIN_WAIT_1"
	case tcpFinWait2:
		return "FIN_WAIT_2"
	case tcpCloseWait:
		return "CLOSE_WAIT"
	case tcpLastAck:
		return "LAST_ACK"
	default:
		return fmt.Sprintf("tcpState(%d)", int(s))
	}
}

// tcpSocket is one slot of the fixed socket table. A slot in tcpClosed is
// free. Non-listening sockets are keyed by (remoteIP, remotePort,
// localPort); a listener is keyed by localPort alone.
type tcpSocket struct {
	state tcpState

	localPort  uint16
	remoteIP   IPv4
	remotePort uint16

	// sendSeq is the next sequence number we will send; sendAck is the
	// next sequence number we expect from the peer.
	sendSeq uint32
	sendAck uint32

	finReceived bool
	finSent     bool
	listening   bool
	accepted    bool

	rxBuf  [tcpRxBufSize]byte
	rxHead int
	rxTail int
}

// rxStore appends data to the receive ring, returning how many bytes fit.
func (sock *tcpSocket) rxStore(data []byte) int {
	stored := 0
	for _, b := range data {
		next := (sock.rxHead + 1) % tcpRxBufSize
		if next == sock.rxTail {
			break // ring full
		}
		sock.rxBuf[sock.rxHead] = b
		sock.rxHead = next
		stored++
	}
	return stored
}

// rxDrain moves buffered bytes into buf, returning how many were copied.
func (sock *tcpSocket) rxDrain(buf []byte) int {
	n := 0
	for n < len(buf) && sock.rxTail != sock.rxHead {
		buf[n] = sock.rxBuf[sock.rxTail]
		sock.rxTail = (sock.rxTail + 1) % tcpRxBufSize
		n++
	}
	return n
}

func (sock *tcpSocket) reset() {
	*sock = tcpSocket{}
}

///////////////////////////////////////////////////////////////////////////////
// Segment encoding
///////////////////////////////////////////////////////////////////////////////

type tcpHeader struct {
	srcPort uint16
	dstPort uint16
	seq     uint32
	ack     uint32
	flags   uint8
	window  uint16

	headerLen int
}

func parseTCPHeader(segment []byte) (tcpHeader, error) {
	if len(segment) < tcpHeaderLen {
		return tcpHeader{}, fmt.Errorf("tcp segment too short: %d bytes", len(segment))
	}

	dataOff := int(segment[12]>>4) * 4
	if dataOff < tcpHeaderLen || dataOff > len(segment) {
		return tcpHeader{}, fmt.Errorf("tcp data offset %d out of bounds", dataOff)
	}

	return tcpHeader{
		srcPort:   binary.BigEndian.Uint16(segment[0:2]),
		dstPort:   binary.BigEndian.Uint16(segment[2:4]),
		seq:       binary.BigEndian.Uint32(segment[4:8]),
		ack:       binary.BigEndian.Uint32(segment[8:12]),
		flags:     segment[13],
		window:    binary.BigEndian.Uint16(segment[14:16]),
		headerLen: dataOff,
	}, nil
}

// tcpOut is a fully encoded segment waiting to leave the stack. The state
// machine builds these under tcpMu and transmits them after unlocking.
type tcpOut struct {
	dst     IPv4
	segment []byte
}

// buildSegment encodes a segment reflecting the socket's current sequence
// state. No options are emitted; the advertised window is the ring size.
func (s *Stack) buildSegment(sock *tcpSocket, flags uint8, payload []byte) tcpOut {
	segment := make([]byte, tcpHeaderLen+len(payload))

	binary.BigEndian.PutUint16(segment[0:2], sock.localPort)
	binary.BigEndian.PutUint16(segment[2:4], sock.remotePort)
	binary.BigEndian.PutUint32(segment[4:8], sock.sendSeq)
	binary.BigEndian.PutUint32(segment[8:12], sock.sendAck)
	segment[12] = 5 << 4
	segment[13] = flags
	binary.BigEndian.PutUint16(segment[14:16], tcpRxBufSize)
	copy(segment[tcpHeaderLen:], payload)

	cksum := tcpChecksum(s.cfg.LocalIP, sock.remoteIP, segment)
	binary.BigEndian.PutUint16(segment[16:18], cksum)

	return tcpOut{dst: sock.remoteIP, segment: segment}
}

func (s *Stack) transmit(outs ...tcpOut) {
	for _, out := range outs {
		s.tcpTxSegments.Add(1)
		if err := s.sendIPv4(out.dst, protoTCP, out.segment); err != nil {
			s.logger.Warn("tcp transmit failed", "dst", out.dst.String(), "error", err)
		}
	}
}

///////////////////////////////////////////////////////////////////////////////
// Inbound state machine
///////////////////////////////////////////////////////////////////////////////

func (s *Stack) handleTCP(ip ipv4Header, segment []byte) {
	hdr, err := parseTCPHeader(segment)
	if err != nil {
		s.logger.Debug("drop tcp", "error", err)
		s.dropped.Add(1)
		return
	}
	data := segment[hdr.headerLen:]

	s.tcpRxSegments.Add(1)

	s.tcpMu.Lock()
	outs := s.handleTCPLocked(ip.src, hdr, data)
	s.tcpMu.Unlock()

	s.transmit(outs...)
}

func (s *Stack) handleTCPLocked(src IPv4, hdr tcpHeader, data []byte) []tcpOut {
	sock := s.findSocket(src, hdr.srcPort, hdr.dstPort)

	if sock == nil {
		if listener := s.findListener(hdr.dstPort); listener != nil &&
			hdr.flags&tcpFlagSYN != 0 && hdr.flags&tcpFlagACK == 0 {
			return s.acceptSYN(listener, src, hdr)
		}

		// Nothing wants this segment; tell the peer.
		if hdr.flags&tcpFlagRST == 0 {
			return []tcpOut{s.buildRST(src, hdr, len(data))}
		}
		return nil
	}

	if hdr.flags&tcpFlagRST != 0 {
		s.logger.Debug("tcp reset by peer",
			"remote", src.String(), "port", hdr.srcPort, "state", sock.state.String())
		sock.state = tcpClosed
		return nil
	}

	switch sock.state {
	case tcpSynSent:
		if hdr.flags&(tcpFlagSYN|tcpFlagACK) == tcpFlagSYN|tcpFlagACK &&
			hdr.ack == sock.sendSeq+1 {
			sock.sendSeq = hdr.ack
			sock.sendAck = hdr.seq + 1
			sock.state = tcpEstablished

			s.logger.Debug("tcp established", "remote", src.String(), "port", hdr.srcPort)

			return []tcpOut{s.buildSegment(sock, tcpFlagACK, nil)}
		}

	case tcpSynRcvd:
		if hdr.flags&tcpFlagACK != 0 && hdr.flags&tcpFlagSYN == 0 &&
			hdr.ack == sock.sendSeq {
			sock.state = tcpEstablished

			s.logger.Debug("tcp established (server)",
				"remote", src.String(), "port", hdr.srcPort)
		}

	case tcpEstablished:
		var outs []tcpOut

		if len(data) > 0 && hdr.seq == sock.sendAck {
			// Exact in-order delivery only. A segment past the expected
			// sequence is dropped without an ACK so the peer retransmits;
			// a full ring truncates the segment and the ACK covers only
			// the stored prefix.
			stored := sock.rxStore(data)
			sock.sendAck = hdr.seq + uint32(stored)

			outs = append(outs, s.buildSegment(sock, tcpFlagACK, nil))
		}

		if hdr.flags&tcpFlagFIN != 0 {
			sock.finReceived = true
			sock.sendAck = hdr.seq + uint32(len(data)) + 1
			sock.state = tcpCloseWait

			outs = append(outs, s.buildSegment(sock, tcpFlagACK, nil))
		}

		return outs

	case tcpFinWait1:
		if hdr.flags&tcpFlagACK != 0 {
			if hdr.flags&tcpFlagFIN != 0 {
				// Simultaneous close. TIME_WAIT is collapsed immediately.
				sock.finReceived = true
				sock.sendAck = hdr.seq + 1
				out := s.buildSegment(sock, tcpFlagACK, nil)
				sock.state = tcpClosed
				return []tcpOut{out}
			}
			sock.state = tcpFinWait2
		}

	case tcpFinWait2:
		if hdr.flags&tcpFlagFIN != 0 {
			sock.finReceived = true
			sock.sendAck = hdr.seq + 1
			out := s.buildSegment(sock, tcpFlagACK, nil)
			sock.state = tcpClosed
			return []tcpOut{out}
		}

	case tcpCloseWait:
		// Waiting for the application to close.

	case tcpLastAck:
		if hdr.flags&tcpFlagACK != 0 {
			sock.state = tcpClosed

			s.logger.Debug("tcp closed", "remote", src.String(), "port", hdr.srcPort)
		}
	}

	return nil
}

// acceptSYN allocates a connection socket for an inbound SYN on a listener.
func (s *Stack) acceptSYN(listener *tcpSocket, src IPv4, hdr tcpHeader) []tcpOut {
	sock := s.allocSocketLocked()
	if sock == nil {
		s.logger.Warn("tcp syn dropped, socket table full", "port", hdr.dstPort)
		return nil
	}

	sock.localPort = listener.localPort
	sock.remoteIP = src
	sock.remotePort = hdr.srcPort
	sock.sendSeq = s.rng.Uint32()
	sock.sendAck = hdr.seq + 1
	sock.state = tcpSynRcvd

	s.logger.Debug("tcp syn", "remote", src.String(), "port", hdr.srcPort)

	out := s.buildSegment(sock, tcpFlagSYN|tcpFlagACK, nil)
	sock.sendSeq++ // the SYN consumes one sequence number

	return []tcpOut{out}
}

// buildRST answers a segment that matched no socket.
func (s *Stack) buildRST(dst IPv4, hdr tcpHeader, dataLen int) tcpOut {
	segment := make([]byte, tcpHeaderLen)

	binary.BigEndian.PutUint16(segment[0:2], hdr.dstPort)
	binary.BigEndian.PutUint16(segment[2:4], hdr.srcPort)
	segment[12] = 5 << 4

	if hdr.flags&tcpFlagACK != 0 {
		binary.BigEndian.PutUint32(segment[4:8], hdr.ack)
		segment[13] = tcpFlagRST
	} else {
		ack := hdr.seq + uint32(dataLen)
		if hdr.flags&tcpFlagSYN != 0 {
			ack++
		}
		binary.BigEndian.PutUint32(segment[8:12], ack)
		segment[13] = tcpFlagRST | tcpFlagACK
	}

	cksum := tcpChecksum(s.cfg.LocalIP, dst, segment)
	binary.BigEndian.PutUint16(segment[16:18], cksum)

	return tcpOut{dst: dst, segment: segment}
}

///////////////////////////////////////////////////////////////////////////////
// Table lookup
///////////////////////////////////////////////////////////////////////////////

func (s *Stack) findSocket(remoteIP IPv4, remotePort, localPort uint16) *tcpSocket {
	for i := range s.tcpSockets {
		sock := &s.tcpSockets[i]
		if sock.state != tcpClosed && sock.state != tcpListen &&
			sock.remoteIP == remoteIP &&
			sock.remotePort == remotePort &&
			sock.localPort == localPort {
			return sock
		}
	}
	return nil
}

func (s *Stack) findListener(localPort uint16) *tcpSocket {
	for i := range s.tcpSockets {
		sock := &s.tcpSockets[i]
		if sock.state == tcpListen && sock.localPort == localPort {
			return sock
		}
	}
	return nil
}

func (s *Stack) allocSocketLocked() *tcpSocket {
	for i := range s.tcpSockets {
		if s.tcpSockets[i].state == tcpClosed {
			s.tcpSockets[i].reset()
			return &s.tcpSockets[i]
		}
	}
	return nil
}

func (s *Stack) socketAt(handle SocketHandle) (*tcpSocket, error) {
	if handle < 0 || int(handle) >= maxTCPSockets {
		return nil, ErrInvalidHandle
	}
	return &s.tcpSockets[handle], nil
}

func (s *Stack) handleOf(sock *tcpSocket) SocketHandle {
	for i := range s.tcpSockets {
		if &s.tcpSockets[i] == sock {
			return SocketHandle(i)
		}
	}
	return -1
}

func (s *Stack) nextEphemeralPortLocked() uint16 {
	port := s.tcpNextPort
	s.tcpNextPort++
	if s.tcpNextPort == 0 {
		s.tcpNextPort = firstEphemeralPort
	}
	return port
}

///////////////////////////////////////////////////////////////////////////////
// Public API
///////////////////////////////////////////////////////////////////////////////

// Connect opens a connection to ip:port, blocking through the three-way
// handshake. It resolves the next hop first, then polls for the SYN+ACK
// until the configured connect timeout.
func (s *Stack) Connect(ip IPv4, port uint16) (SocketHandle, error) {
	if _, err := s.resolveNextHop(s.route(ip)); err != nil {
		return -1, fmt.Errorf("connect %s:%d: %w", ip.String(), port, err)
	}

	s.tcpMu.Lock()
	sock := s.allocSocketLocked()
	if sock == nil {
		s.tcpMu.Unlock()
		return -1, fmt.Errorf("connect %s:%d: %w", ip.String(), port, ErrNoFreeSockets)
	}

	sock.localPort = s.nextEphemeralPortLocked()
	sock.remoteIP = ip
	sock.remotePort = port
	sock.sendSeq = s.rng.Uint32()
	sock.state = tcpSynSent

	handle := s.handleOf(sock)
	out := s.buildSegment(sock, tcpFlagSYN, nil)
	s.tcpMu.Unlock()

	s.logger.Debug("tcp connect", "remote", ip.String(), "port", port)

	s.transmit(out)

	established := s.pollUntil(s.cfg.ConnectTimeout, func() bool {
		s.tcpMu.Lock()
		defer s.tcpMu.Unlock()
		return sock.state != tcpSynSent
	})

	s.tcpMu.Lock()
	defer s.tcpMu.Unlock()

	if !established || sock.state != tcpEstablished {
		sock.state = tcpClosed
		return -1, fmt.Errorf("connect %s:%d: %w", ip.String(), port, ErrTimeout)
	}

	s.activeConns.Add(1)
	return handle, nil
}

// Listen reserves a listening socket on port. Completed handshakes are
// picked up with Accept.
func (s *Stack) Listen(port uint16) (SocketHandle, error) {
	s.tcpMu.Lock()
	defer s.tcpMu.Unlock()

	if s.findListener(port) != nil {
		return -1, fmt.Errorf("listen %d: %w", port, ErrPortInUse)
	}

	sock := s.allocSocketLocked()
	if sock == nil {
		return -1, fmt.Errorf("listen %d: %w", port, ErrNoFreeSockets)
	}

	sock.localPort = port
	sock.listening = true
	sock.state = tcpListen

	s.logger.Debug("tcp listen", "port", port)

	return s.handleOf(sock), nil
}

// Accept returns a connection that completed (or is completing) its
// handshake on the listener's port. A socket still in SYN_RCVD is given a
// short polling window to finish; if nothing is ready Accept returns
// ErrTimeout. Call it in a loop to serve multiple connections.
func (s *Stack) Accept(listener SocketHandle) (SocketHandle, error) {
	s.tcpMu.Lock()
	ls, err := s.socketAt(listener)
	if err != nil || ls.state != tcpListen {
		s.tcpMu.Unlock()
		return -1, ErrInvalidHandle
	}
	port := ls.localPort
	s.tcpMu.Unlock()

	s.Poll()

	s.tcpMu.Lock()
	sock := s.findPendingLocked(listener, port)
	s.tcpMu.Unlock()

	if sock == nil {
		return -1, fmt.Errorf("accept on port %d: %w", port, ErrTimeout)
	}

	// Let a handshake in progress finish.
	s.pollUntil(s.cfg.AcceptWait, func() bool {
		s.tcpMu.Lock()
		defer s.tcpMu.Unlock()
		return sock.state != tcpSynRcvd
	})

	s.tcpMu.Lock()
	defer s.tcpMu.Unlock()

	if sock.state != tcpEstablished {
		return -1, fmt.Errorf("accept on port %d: %w", port, ErrTimeout)
	}

	sock.accepted = true
	s.activeConns.Add(1)

	return s.handleOf(sock), nil
}

func (s *Stack) findPendingLocked(listener SocketHandle, port uint16) *tcpSocket {
	for i := range s.tcpSockets {
		sock := &s.tcpSockets[i]
		if SocketHandle(i) != listener &&
			(sock.state == tcpEstablished || sock.state == tcpSynRcvd) &&
			sock.localPort == port && !sock.accepted {
			return sock
		}
	}
	return nil
}

// Send writes data to an established connection in segments of at most
// tcpMaxSegment bytes, pacing between segments. It returns the number of
// bytes handed to the link; a connection that drops mid-transfer yields
// the bytes sent so far together with an error.
func (s *Stack) Send(handle SocketHandle, data []byte) (int, error) {
	sent := 0

	for sent < len(data) {
		chunk := len(data) - sent
		if chunk > tcpMaxSegment {
			chunk = tcpMaxSegment
		}

		s.tcpMu.Lock()
		sock, err := s.socketAt(handle)
		if err != nil {
			s.tcpMu.Unlock()
			return sent, err
		}
		if sock.state != tcpEstablished {
			state := sock.state
			s.tcpMu.Unlock()
			if state == tcpClosed || state == tcpCloseWait {
				return sent, ErrClosed
			}
			return sent, ErrNotEstablished
		}

		out := s.buildSegment(sock, tcpFlagACK|tcpFlagPSH, data[sent:sent+chunk])
		sock.sendSeq += uint32(chunk)
		s.tcpMu.Unlock()

		s.transmit(out)
		sent += chunk

		if sent < len(data) {
			time.Sleep(tcpSegmentGap)
		}
	}

	return sent, nil
}

// Recv polls once, then drains buffered data into buf. It returns 0 with a
// nil error when the connection is open but idle, and ErrClosed once the
// peer has closed and the buffer is empty.
func (s *Stack) Recv(handle SocketHandle, buf []byte) (int, error) {
	s.Poll()

	s.tcpMu.Lock()
	defer s.tcpMu.Unlock()

	sock, err := s.socketAt(handle)
	if err != nil {
		return 0, err
	}
	if sock.state == tcpListen {
		return 0, ErrInvalidHandle
	}

	n := sock.rxDrain(buf)
	if n > 0 {
		return n, nil
	}

	if sock.state == tcpCloseWait || sock.state == tcpClosed {
		return 0, ErrClosed
	}

	return 0, nil
}

// CloseSocket closes a connection. An established connection goes through
// the FIN handshake, bounded by the close timeout; in every case the
// socket ends up CLOSED and its slot free.
func (s *Stack) CloseSocket(handle SocketHandle) error {
	s.tcpMu.Lock()
	sock, err := s.socketAt(handle)
	if err != nil {
		s.tcpMu.Unlock()
		return err
	}

	var out tcpOut
	var wait bool

	switch sock.state {
	case tcpEstablished:
		out = s.buildSegment(sock, tcpFlagFIN|tcpFlagACK, nil)
		sock.sendSeq++
		sock.finSent = true
		sock.state = tcpFinWait1
		wait = true

	case tcpCloseWait:
		out = s.buildSegment(sock, tcpFlagFIN|tcpFlagACK, nil)
		sock.sendSeq++
		sock.finSent = true
		sock.state = tcpLastAck
		wait = true

	default:
		sock.state = tcpClosed
		s.tcpMu.Unlock()
		return nil
	}
	s.tcpMu.Unlock()

	s.transmit(out)

	if wait {
		s.pollUntil(s.cfg.CloseTimeout, func() bool {
			s.tcpMu.Lock()
			defer s.tcpMu.Unlock()
			return sock.state == tcpClosed
		})
	}

	s.tcpMu.Lock()
	sock.state = tcpClosed
	s.tcpMu.Unlock()

	s.activeConns.Add(-1)

	return nil
}

// IsConnected reports whether handle refers to an established connection.
func (s *Stack) IsConnected(handle SocketHandle) bool {
	s.tcpMu.Lock()
	defer s.tcpMu.Unlock()

	sock, err := s.socketAt(handle)
	if err != nil {
		return false
	}
	return sock.state == tcpEstablished
}

// PeerInfo returns the remote address of a connection.
func (s *Stack) PeerInfo(handle SocketHandle) (IPv4, uint16, error) {
	s.tcpMu.Lock()
	defer s.tcpMu.Unlock()

	sock, err := s.socketAt(handle)
	if err != nil {
		return IPv4{}, 0, err
	}
	if sock.state == tcpClosed || sock.state == tcpListen {
		return IPv4{}, 0, ErrInvalidHandle
	}

	return sock.remoteIP, sock.remotePort, nil
}

func (s *Stack) socketState(handle SocketHandle) tcpState {
	s.tcpMu.Lock()
	defer s.tcpMu.Unlock()

	sock, err := s.socketAt(handle)
	if err != nil {
		return tcpClosed
	}
	return sock.state
}
