package netstack

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

var (
	testStackMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	testPeerMAC  = [6]byte{0x0a, 0x42, 0x00, 0x00, 0x00, 0x01}

	testPeerIP   = IPv4{10, 0, 2, 99}
	testRemoteIP = IPv4{93, 184, 216, 34} // off-subnet, routed via gateway
)

// testLink is a scripted LinkDevice: tests inject inbound frames and
// inspect what the stack transmitted.
type testLink struct {
	mu sync.Mutex
	rx [][]byte
	tx [][]byte
}

func (l *testLink) SendFrame(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := append([]byte(nil), frame...)
	l.tx = append(l.tx, out)
	return nil
}

func (l *testLink) HasFrame() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rx) > 0
}

func (l *testLink) RecvFrame(buf []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.rx) == 0 {
		return 0, ErrNoFrame
	}
	frame := l.rx[0]
	l.rx = l.rx[1:]
	return copy(buf, frame), nil
}

func (l *testLink) MAC() net.HardwareAddr { return testStackMAC }

func (l *testLink) inject(frame []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rx = append(l.rx, append([]byte(nil), frame...))
}

// putBack returns drained but unconsumed frames to the front of the
// transmit queue so a later takeSent sees them again.
func (l *testLink) putBack(frames [][]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tx = append(append([][]byte(nil), frames...), l.tx...)
}

// takeSent pops every transmitted frame so far.
func (l *testLink) takeSent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	sent := l.tx
	l.tx = nil
	return sent
}

// awaitSent polls the stack until at least one frame has been transmitted.
func (l *testLink) awaitSent(tb testing.TB, s *Stack) []byte {
	tb.Helper()

	deadline := time.Now().Add(time.Second)
	for {
		s.Poll()
		if sent := l.takeSent(); len(sent) > 0 {
			return sent[0]
		}
		if time.Now().After(deadline) {
			tb.Fatalf("timeout waiting for transmitted frame")
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestStack(tb testing.TB) (*Stack, *testLink) {
	tb.Helper()

	link := &testLink{}

	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.ARPTimeout = 250 * time.Millisecond
	cfg.DNSTimeout = 250 * time.Millisecond
	cfg.ConnectTimeout = 250 * time.Millisecond
	cfg.CloseTimeout = 100 * time.Millisecond
	cfg.AcceptWait = 100 * time.Millisecond

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := New(logger, cfg, link)
	if err != nil {
		tb.Fatalf("new stack: %v", err)
	}

	tb.Cleanup(func() { _ = s.Close() })

	return s, link
}

// seedARP primes the stack's ARP cache with the test peer.
func seedARP(s *Stack, ip IPv4, mac [6]byte) {
	s.arpLearn(ip, mac)
}

///////////////////////////////////////////////////////////////////////////////
// Frame builders
///////////////////////////////////////////////////////////////////////////////

func buildEthernet(dst, src [6]byte, etherType uint16, payload []byte) []byte {
	frame := make([]byte, ethHeaderLen+len(payload))
	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
	binary.BigEndian.PutUint16(frame[12:14], etherType)
	copy(frame[ethHeaderLen:], payload)
	return frame
}

func buildIPv4Frame(stackMAC [6]byte, src, dst IPv4, proto uint8, payload []byte) []byte {
	pkt := make([]byte, ipv4HeaderLen+len(payload))
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))
	pkt[8] = 64
	pkt[9] = proto
	copy(pkt[12:16], src[:])
	copy(pkt[16:20], dst[:])
	binary.BigEndian.PutUint16(pkt[10:12], checksum(pkt[:ipv4HeaderLen]))
	copy(pkt[ipv4HeaderLen:], payload)

	return buildEthernet(stackMAC, testPeerMAC, etherTypeIPv4, pkt)
}

func buildTCPSegment(src, dst IPv4, srcPort, dstPort uint16, seq, ack uint32, flags uint8, payload []byte) []byte {
	segment := make([]byte, tcpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(segment[0:2], srcPort)
	binary.BigEndian.PutUint16(segment[2:4], dstPort)
	binary.BigEndian.PutUint32(segment[4:8], seq)
	binary.BigEndian.PutUint32(segment[8:12], ack)
	segment[12] = 5 << 4
	segment[13] = flags
	binary.BigEndian.PutUint16(segment[14:16], 65535)
	copy(segment[tcpHeaderLen:], payload)
	binary.BigEndian.PutUint16(segment[16:18], tcpChecksum(src, dst, segment))
	return segment
}

///////////////////////////////////////////////////////////////////////////////
// End-to-end over a memory pipe
///////////////////////////////////////////////////////////////////////////////

func newPipeStacks(tb testing.TB) (*Stack, *Stack) {
	tb.Helper()

	linkA, linkB := NewMemoryPipe()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfgA := DefaultConfig()
	cfgA.LocalIP = IPv4{10, 0, 2, 15}
	cfgA.PollInterval = time.Millisecond
	cfgA.CloseTimeout = 250 * time.Millisecond
	cfgA.AcceptWait = 250 * time.Millisecond

	cfgB := cfgA
	cfgB.LocalIP = IPv4{10, 0, 2, 16}

	a, err := New(logger, cfgA, linkA)
	if err != nil {
		tb.Fatalf("new stack a: %v", err)
	}
	b, err := New(logger, cfgB, linkB)
	if err != nil {
		tb.Fatalf("new stack b: %v", err)
	}

	tb.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	return a, b
}

// pump drives a stack's Poll from the background until stopped.
func pump(s *Stack) (stop func()) {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				s.Poll()
				time.Sleep(time.Millisecond)
			}
		}
	}()
	return func() { close(done) }
}

func TestPipePing(t *testing.T) {
	a, b := newPipeStacks(t)

	stop := pump(b)
	defer stop()

	rtt, err := a.Ping(b.LocalIP(), time.Second)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if rtt <= 0 {
		t.Fatalf("rtt %v, want > 0", rtt)
	}
}

func TestPipeTCPExchange(t *testing.T) {
	a, b := newPipeStacks(t)

	listener, err := a.Listen(8080)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	type acceptResult struct {
		sock SocketHandle
		err  error
	}
	accepted := make(chan acceptResult, 1)

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for {
			sock, err := a.Accept(listener)
			if err == nil {
				accepted <- acceptResult{sock: sock}
				return
			}
			if !errors.Is(err, ErrTimeout) || time.Now().After(deadline) {
				accepted <- acceptResult{err: err}
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	client, err := b.Connect(a.LocalIP(), 8080)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	res := <-accepted
	if res.err != nil {
		t.Fatalf("accept: %v", res.err)
	}
	server := res.sock

	if !a.IsConnected(server) || !b.IsConnected(client) {
		t.Fatalf("both sides should be established")
	}

	peerIP, _, err := a.PeerInfo(server)
	if err != nil {
		t.Fatalf("peer info: %v", err)
	}
	if peerIP != b.LocalIP() {
		t.Fatalf("peer ip %s, want %s", peerIP.String(), b.LocalIP().String())
	}

	// B sends "ping", A answers "pong".
	if _, err := b.Send(client, []byte("ping")); err != nil {
		t.Fatalf("send ping: %v", err)
	}

	buf := make([]byte, 16)
	got := recvWithDeadline(t, a, server, buf, 4)
	if string(got) != "ping" {
		t.Fatalf("server received %q, want %q", got, "ping")
	}

	if _, err := a.Send(server, []byte("pong")); err != nil {
		t.Fatalf("send pong: %v", err)
	}

	got = recvWithDeadline(t, b, client, buf, 4)
	if string(got) != "pong" {
		t.Fatalf("client received %q, want %q", got, "pong")
	}

	// Close from B; A's subsequent receive reports the closed connection.
	stopA := pump(a)
	err = b.CloseSocket(client)
	stopA()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		_, err := a.Recv(server, buf)
		if errors.Is(err, ErrClosed) {
			break
		}
		if err != nil {
			t.Fatalf("recv after close: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("recv never reported the closed connection")
		}
		time.Sleep(time.Millisecond)
	}
}

func recvWithDeadline(tb testing.TB, s *Stack, sock SocketHandle, buf []byte, want int) []byte {
	tb.Helper()

	var out []byte
	deadline := time.Now().Add(2 * time.Second)

	for len(out) < want {
		n, err := s.Recv(sock, buf)
		if err != nil {
			tb.Fatalf("recv: %v", err)
		}
		out = append(out, buf[:n]...)

		if time.Now().After(deadline) {
			tb.Fatalf("timeout: received %d of %d bytes", len(out), want)
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}

	return out
}

func TestPipeDNSResolve(t *testing.T) {
	// B acts as the DNS server A is configured to use.
	linkA, linkB := NewMemoryPipe()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfgA := DefaultConfig()
	cfgA.LocalIP = IPv4{10, 0, 2, 15}
	cfgA.DNSServer = IPv4{10, 0, 2, 16}
	cfgA.PollInterval = time.Millisecond
	cfgA.DNSTimeout = 300 * time.Millisecond

	cfgB := DefaultConfig()
	cfgB.LocalIP = IPv4{10, 0, 2, 16}
	cfgB.PollInterval = time.Millisecond

	a, err := New(logger, cfgA, linkA)
	if err != nil {
		t.Fatalf("new stack a: %v", err)
	}
	defer a.Close()

	b, err := New(logger, cfgB, linkB)
	if err != nil {
		t.Fatalf("new stack b: %v", err)
	}
	defer b.Close()

	want := IPv4{192, 0, 2, 7}
	if err := b.StartDNSServer(func(name string) (IPv4, bool) {
		if name == "files.internal." {
			return want, true
		}
		return IPv4{}, false
	}); err != nil {
		t.Fatalf("start dns server: %v", err)
	}

	stop := pump(b)
	defer stop()

	got, err := a.Resolve("files.internal")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != want {
		t.Fatalf("resolved %s, want %s", got.String(), want.String())
	}

	if _, err := a.Resolve("missing.internal"); !errors.Is(err, ErrNameNotFound) {
		t.Fatalf("expected ErrNameNotFound for NXDOMAIN name, got %v", err)
	}
}

///////////////////////////////////////////////////////////////////////////////
// Capture and status
///////////////////////////////////////////////////////////////////////////////

func TestPacketCapture(t *testing.T) {
	s, link := newTestStack(t)

	var buf bytes.Buffer
	if err := s.OpenPacketCapture(&buf); err != nil {
		t.Fatalf("open capture: %v", err)
	}

	if err := s.ARPRequest(testPeerIP); err != nil {
		t.Fatalf("arp request: %v", err)
	}

	if got := len(link.takeSent()); got != 1 {
		t.Fatalf("sent %d frames, want 1", got)
	}

	data := buf.Bytes()
	if len(data) < 24+16 {
		t.Fatalf("capture too short: %d bytes", len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != 0xa1b2c3d4 {
		t.Fatalf("capture magic %#x", magic)
	}
	capLen := binary.LittleEndian.Uint32(data[24+8 : 24+12])
	if int(capLen) != ethHeaderLen+arpPacketLen {
		t.Fatalf("captured length %d, want %d", capLen, ethHeaderLen+arpPacketLen)
	}
}

func TestStatusSnapshot(t *testing.T) {
	s, _ := newTestStack(t)

	seedARP(s, testPeerIP, testPeerMAC)

	if _, err := s.Listen(8080); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := s.BindUDP(5000, func(IPv4, uint16, uint16, []byte) {}); err != nil {
		t.Fatalf("bind udp: %v", err)
	}

	status := s.Status()

	if status.LocalIPv4 != "10.0.2.15" {
		t.Fatalf("local ip %q", status.LocalIPv4)
	}
	if len(status.ARPEntries) != 1 {
		t.Fatalf("arp entries %v", status.ARPEntries)
	}
	if len(status.TCPListeners) != 1 || status.TCPListeners[0] != 8080 {
		t.Fatalf("tcp listeners %v", status.TCPListeners)
	}
	if len(status.UDPPorts) != 1 || status.UDPPorts[0] != 5000 {
		t.Fatalf("udp ports %v", status.UDPPorts)
	}
}

func TestDebugHTTP(t *testing.T) {
	s, _ := newTestStack(t)

	addr, err := s.EnableDebugHTTP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("enable debug http: %v", err)
	}

	resp, err := http.Get("http://" + addr + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.LocalIPv4 != "10.0.2.15" {
		t.Fatalf("status local ip %q", status.LocalIPv4)
	}
}
