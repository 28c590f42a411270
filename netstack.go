// Package netstack implements a small userspace IPv4 network stack on top
// of a pluggable ethernet link device.
//
// The stack is poll driven: Poll drains the link device and dispatches each
// frame through ARP, IPv4, ICMP, UDP and TCP handling. Blocking operations
// such as Ping, Resolve, Connect and Accept drive Poll internally until
// their response arrives or a deadline passes; no background goroutine is
// required to make progress.
package netstack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/netstack/internal/pcap"
)

///////////////////////////////////////////////////////////////////////////////
// Wire constants
///////////////////////////////////////////////////////////////////////////////

const (
	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806

	ethHeaderLen = 14

	protoICMP = 1
	protoTCP  = 6
	protoUDP  = 17
)

var broadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

///////////////////////////////////////////////////////////////////////////////
// Errors
///////////////////////////////////////////////////////////////////////////////

var (
	// ErrTimeout is returned when a blocking operation's deadline passes.
	ErrTimeout = errors.New("netstack: timeout")
	// ErrNoARPEntry is returned by sends whose next hop is not yet in the
	// ARP cache. A request has been broadcast; retry after polling.
	ErrNoARPEntry = errors.New("netstack: no ARP entry for next hop")
	// ErrNoFreeSockets is returned when the TCP socket table is full.
	ErrNoFreeSockets = errors.New("netstack: no free TCP sockets")
	// ErrNoFreeListeners is returned when the UDP listener table is full.
	ErrNoFreeListeners = errors.New("netstack: no free UDP listeners")
	// ErrClosed is returned by socket operations after the connection has
	// been closed and all buffered data drained.
	ErrClosed = errors.New("netstack: connection closed")
	// ErrInvalidHandle is returned for handles outside the socket table or
	// referring to a closed slot.
	ErrInvalidHandle = errors.New("netstack: invalid socket handle")
	// ErrNotEstablished is returned by Send on a socket that is not in the
	// established state.
	ErrNotEstablished = errors.New("netstack: connection not established")
	// ErrPayloadTooLarge is returned when a datagram payload exceeds what
	// fits in one IPv4 packet under the configured MTU.
	ErrPayloadTooLarge = errors.New("netstack: payload too large")
	// ErrPortInUse is returned by Listen when the port already has a
	// listening socket.
	ErrPortInUse = errors.New("netstack: port already in use")
	// ErrNoFrame is returned by RecvFrame when no frame is pending.
	ErrNoFrame = errors.New("netstack: no frame pending")
	// ErrNameNotFound is returned by Resolve when the response carries no
	// usable A record.
	ErrNameNotFound = errors.New("netstack: name not found")
	// ErrStackClosed is returned once Close has been called.
	ErrStackClosed = errors.New("netstack: stack closed")
)

///////////////////////////////////////////////////////////////////////////////
// Stack
///////////////////////////////////////////////////////////////////////////////

// Stack is a single-homed IPv4 host. All state lives in fixed-capacity
// tables; nothing is allocated per connection beyond the tables themselves.
type Stack struct {
	logger *slog.Logger
	cfg    Config
	link   LinkDevice
	mac    [6]byte

	// mu guards the ARP cache and in-flight ping state.
	mu  sync.Mutex
	arp [arpCacheSize]arpEntry

	pingWaiting bool
	pingSeq     uint16
	pingReplied bool

	// udpMu guards the UDP listener table.
	udpMu        sync.Mutex
	udpListeners [maxUDPListeners]udpListener

	// tcpMu guards the TCP socket table and ephemeral port counter.
	tcpMu       sync.Mutex
	tcpSockets  [maxTCPSockets]tcpSocket
	tcpNextPort uint16

	// dnsID numbers outgoing queries.
	dnsID atomic.Uint32

	rng *rand.Rand

	// captureMu guards the optional packet capture writer.
	captureMu sync.Mutex
	capture   frameCapture

	dnsServer *dnsServer
	debugLn   closerFunc

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	dropped   atomic.Uint64

	icmpRxPackets atomic.Uint64
	icmpTxPackets atomic.Uint64
	udpRxPackets  atomic.Uint64
	udpTxPackets  atomic.Uint64
	tcpRxSegments atomic.Uint64
	tcpTxSegments atomic.Uint64

	pollBuf     []byte
	pollMu      sync.Mutex
	closed      atomic.Bool
	closeOnce   sync.Once
	createdAt   time.Time
	lastPollAt  atomic.Int64
	activeConns atomic.Int64
}

type closerFunc func() error

// frameCapture receives every frame the stack sends or receives.
type frameCapture interface {
	WriteFrame(ts time.Time, frame []byte) error
	Close() error
}

// New creates a stack bound to link. A nil logger discards output.
func New(logger *slog.Logger, cfg Config, link LinkDevice) (*Stack, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	mac := link.MAC()
	if len(mac) != 6 {
		return nil, fmt.Errorf("link MAC has length %d, want 6", len(mac))
	}

	s := &Stack{
		logger:      logger,
		cfg:         cfg,
		link:        link,
		tcpNextPort: firstEphemeralPort,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		pollBuf:     make([]byte, cfg.MTU+ethHeaderLen),
		createdAt:   time.Now(),
	}
	copy(s.mac[:], mac)

	s.logger.Debug("netstack created",
		"mac", mac.String(),
		"local", cfg.LocalIP.String(),
		"gateway", cfg.Gateway.String())

	return s, nil
}

// Config returns the configuration the stack was created with.
func (s *Stack) Config() Config { return s.cfg }

// LocalIP returns the stack's own address.
func (s *Stack) LocalIP() IPv4 { return s.cfg.LocalIP }

// Close releases background resources: the embedded DNS server, the debug
// listener and any open packet capture. Sockets are not gracefully closed.
func (s *Stack) Close() error {
	var errs []error

	s.closeOnce.Do(func() {
		s.closed.Store(true)

		if err := s.StopDNSServer(); err != nil {
			errs = append(errs, err)
		}
		if s.debugLn != nil {
			if err := s.debugLn(); err != nil {
				errs = append(errs, err)
			}
		}

		s.captureMu.Lock()
		if s.capture != nil {
			if err := s.capture.Close(); err != nil {
				errs = append(errs, err)
			}
			s.capture = nil
		}
		s.captureMu.Unlock()
	})

	return errors.Join(errs...)
}

///////////////////////////////////////////////////////////////////////////////
// Polling
///////////////////////////////////////////////////////////////////////////////

// Poll drains all pending frames from the link device and dispatches them.
// It returns the number of frames processed.
func (s *Stack) Poll() int {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	s.lastPollAt.Store(time.Now().UnixNano())

	handled := 0
	for s.link.HasFrame() {
		n, err := s.link.RecvFrame(s.pollBuf)
		if err != nil {
			s.logger.Warn("recv frame", "error", err)
			break
		}

		s.framesIn.Add(1)
		s.writeCapture(s.pollBuf[:n])
		s.handleEthernetFrame(s.pollBuf[:n])
		handled++
	}

	return handled
}

// pollUntil drives Poll until done reports true or timeout passes. It
// returns whether done was observed. The deadline uses the monotonic clock.
func (s *Stack) pollUntil(timeout time.Duration, done func() bool) bool {
	deadline := time.Now().Add(timeout)

	for {
		s.Poll()
		if done() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(s.cfg.PollInterval)
	}
}

///////////////////////////////////////////////////////////////////////////////
// Ethernet
///////////////////////////////////////////////////////////////////////////////

// sendEthernet wraps payload in an ethernet header and transmits it.
func (s *Stack) sendEthernet(dst [6]byte, etherType uint16, payload []byte) error {
	if s.closed.Load() {
		return ErrStackClosed
	}

	frame := make([]byte, ethHeaderLen+len(payload))
	copy(frame[0:6], dst[:])
	copy(frame[6:12], s.mac[:])
	binary.BigEndian.PutUint16(frame[12:14], etherType)
	copy(frame[ethHeaderLen:], payload)

	s.writeCapture(frame)
	s.framesOut.Add(1)

	if err := s.link.SendFrame(frame); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}

	return nil
}

func (s *Stack) handleEthernetFrame(frame []byte) {
	if len(frame) < ethHeaderLen {
		s.dropped.Add(1)
		return
	}

	var dst [6]byte
	copy(dst[:], frame[0:6])
	if dst != s.mac && dst != broadcastMAC {
		s.dropped.Add(1)
		return
	}

	etherType := binary.BigEndian.Uint16(frame[12:14])
	payload := frame[ethHeaderLen:]

	switch etherType {
	case etherTypeARP:
		s.handleARP(payload)
	case etherTypeIPv4:
		s.handleIPv4(payload)
	default:
		s.dropped.Add(1)
	}
}

///////////////////////////////////////////////////////////////////////////////
// Packet capture
///////////////////////////////////////////////////////////////////////////////

// OpenPacketCapture streams every frame the stack sends or receives to out
// in classic pcap format. Any previous capture sink is closed.
func (s *Stack) OpenPacketCapture(out io.Writer) error {
	return s.SetPacketCapture(pcap.NewWriter(out, 0))
}

// SetPacketCapture installs (or, with nil, removes) a capture sink that
// observes every frame sent or received. The previous sink, if any, is
// closed.
func (s *Stack) SetPacketCapture(c frameCapture) error {
	s.captureMu.Lock()
	defer s.captureMu.Unlock()

	var err error
	if s.capture != nil {
		err = s.capture.Close()
	}
	s.capture = c
	return err
}

func (s *Stack) writeCapture(frame []byte) {
	s.captureMu.Lock()
	defer s.captureMu.Unlock()

	if s.capture == nil {
		return
	}
	if err := s.capture.WriteFrame(time.Now(), frame); err != nil {
		s.logger.Warn("packet capture write", "error", err)
	}
}
