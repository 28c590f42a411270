// Package interop validates the stack against gVisor's netstack. The two
// stacks are wired back to back: ours drives a LinkDevice whose far end is
// a gVisor channel endpoint, so every ARP exchange, checksum and TCP
// handshake is judged by an independent implementation.
package interop

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/netstack"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const peerNICID tcpip.NICID = 1

var (
	localIPv4 = netstack.IPv4{10, 0, 2, 15}
	peerIPv4  = netstack.IPv4{10, 0, 2, 2}

	localMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	peerMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// peerLink is a netstack.LinkDevice whose far end is a gVisor channel
// endpoint. Frames we send are injected into gVisor; frames gVisor emits
// are queued for Poll to collect.
type peerLink struct {
	ch  *channel.Endpoint
	mac net.HardwareAddr

	mu sync.Mutex
	rx [][]byte
}

func (l *peerLink) SendFrame(frame []byte) error {
	buf := append([]byte(nil), frame...)
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(buf),
	})
	// The ethernet link endpoint parses the frame header itself; the
	// protocol argument is ignored.
	l.ch.InjectInbound(0, pkt)
	return nil
}

func (l *peerLink) HasFrame() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rx) > 0
}

func (l *peerLink) RecvFrame(buf []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.rx) == 0 {
		return 0, netstack.ErrNoFrame
	}

	frame := l.rx[0]
	l.rx = l.rx[1:]
	return copy(buf, frame), nil
}

func (l *peerLink) MAC() net.HardwareAddr { return l.mac }

func (l *peerLink) enqueue(frame []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rx = append(l.rx, frame)
}

// harness holds the two stacks under test.
type harness struct {
	ns   *netstack.Stack
	peer *stack.Stack

	ch     *channel.Endpoint
	cancel context.CancelFunc
}

func newHarness(tb testing.TB) *harness {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	// channel.Endpoint's MTU is the L2 MTU; ethernet.New subtracts the
	// header to get the L3 MTU, so add it back for a 1500-byte L3 MTU.
	ch := channel.New(4096, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(peerMAC)))
	ep := ethernet.New(ch)

	peer := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4},
	})
	if err := peer.CreateNIC(peerNICID, ep); err != nil {
		cancel()
		tb.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := peer.AddProtocolAddress(
		peerNICID,
		tcpip.ProtocolAddress{
			Protocol: ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   tcpip.AddrFrom4(peerIPv4),
				PrefixLen: 24,
			},
		},
		stack.AddressProperties{},
	); err != nil {
		cancel()
		tb.Fatalf("gvisor AddProtocolAddress: %v", err)
	}
	peer.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: peerNICID},
	})

	link := &peerLink{ch: ch, mac: localMAC}

	go func() {
		for {
			pkt := ch.ReadContext(ctx)
			if pkt == nil {
				return
			}
			frame := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()
			link.enqueue(frame)
		}
	}()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := netstack.DefaultConfig()
	cfg.LocalIP = localIPv4
	cfg.Gateway = peerIPv4

	ns, err := netstack.New(logger, cfg, link)
	if err != nil {
		cancel()
		tb.Fatalf("new stack: %v", err)
	}

	tb.Cleanup(func() {
		cancel()
		ch.Close()
		_ = ns.Close()
	})

	return &harness{ns: ns, peer: peer, ch: ch, cancel: cancel}
}

// peerListenTCP opens a gVisor-side TCP listener.
func (h *harness) peerListenTCP(tb testing.TB, port uint16) net.Listener {
	tb.Helper()

	ln, err := gonet.ListenTCP(h.peer, tcpip.FullAddress{
		NIC:  peerNICID,
		Addr: tcpip.AddrFrom4(peerIPv4),
		Port: port,
	}, ipv4.ProtocolNumber)
	if err != nil {
		tb.Fatalf("gvisor listen tcp: %v", err)
	}
	tb.Cleanup(func() { _ = ln.Close() })
	return ln
}

// peerDialTCP dials from the gVisor side into our stack.
func (h *harness) peerDialTCP(tb testing.TB, port uint16) net.Conn {
	tb.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := gonet.DialContextTCP(ctx, h.peer, tcpip.FullAddress{
		NIC:  peerNICID,
		Addr: tcpip.AddrFrom4(localIPv4),
		Port: port,
	}, ipv4.ProtocolNumber)
	if err != nil {
		tb.Fatalf("gvisor dial tcp: %v", err)
	}
	tb.Cleanup(func() { _ = c.Close() })
	return c
}

// peerBindUDP opens a gVisor-side UDP endpoint bound to port.
func (h *harness) peerBindUDP(tb testing.TB, port uint16) (tcpip.Endpoint, *waiter.Queue) {
	tb.Helper()

	var wq waiter.Queue
	ep, terr := h.peer.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if terr != nil {
		tb.Fatalf("gvisor new udp endpoint: %v", terr)
	}
	if terr := ep.Bind(tcpip.FullAddress{
		NIC:  peerNICID,
		Addr: tcpip.AddrFrom4(peerIPv4),
		Port: port,
	}); terr != nil {
		ep.Close()
		tb.Fatalf("gvisor udp bind: %v", terr)
	}
	tb.Cleanup(func() { ep.Close() })
	return ep, &wq
}

// poll drives our stack from the background while the gVisor side is doing
// blocking work. Returns a stop function.
func (h *harness) poll(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				h.ns.Poll()
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}
