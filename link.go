package netstack

import (
	"crypto/rand"
	"net"
	"sync"
)

///////////////////////////////////////////////////////////////////////////////
// Link devices
///////////////////////////////////////////////////////////////////////////////

// LinkDevice is the frame transport underneath a Stack. Implementations
// carry whole ethernet frames and never block: SendFrame queues or drops,
// RecvFrame returns only when HasFrame reported true.
//
// A LinkDevice must be safe for concurrent use. The stack calls it from
// Poll and from blocking operations, and test harnesses typically drive the
// other side from their own goroutine.
type LinkDevice interface {
	// SendFrame transmits one ethernet frame.
	SendFrame(frame []byte) error

	// HasFrame reports whether a received frame is waiting.
	HasFrame() bool

	// RecvFrame copies the next received frame into buf and returns its
	// length. Calling it with no frame pending is an error.
	RecvFrame(buf []byte) (int, error)

	// MAC returns the hardware address of this device.
	MAC() net.HardwareAddr
}

// memoryLinkQueueSize bounds each direction of an in-memory pipe. Frames
// past the bound are dropped, matching lossy link behavior.
const memoryLinkQueueSize = 512

// MemoryLink is one end of an in-memory ethernet pipe.
type MemoryLink struct {
	mu   sync.Mutex
	rx   [][]byte
	peer *MemoryLink
	mac  net.HardwareAddr
}

// NewMemoryPipe returns two connected link devices. Frames sent on one end
// become receivable on the other. Each end gets a random locally
// administered unicast MAC.
func NewMemoryPipe() (*MemoryLink, *MemoryLink) {
	a := &MemoryLink{mac: randomMAC()}
	b := &MemoryLink{mac: randomMAC()}
	a.peer = b
	b.peer = a
	return a, b
}

func randomMAC() net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	if _, err := rand.Read(mac); err != nil {
		panic(err)
	}
	mac[0] = (mac[0] | 0x02) &^ 0x01 // locally administered, unicast
	return mac
}

func (l *MemoryLink) SendFrame(frame []byte) error {
	p := l.peer

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.rx) >= memoryLinkQueueSize {
		return nil // drop
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	p.rx = append(p.rx, buf)

	return nil
}

func (l *MemoryLink) HasFrame() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.rx) > 0
}

func (l *MemoryLink) RecvFrame(buf []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.rx) == 0 {
		return 0, ErrNoFrame
	}

	frame := l.rx[0]
	l.rx = l.rx[1:]

	n := copy(buf, frame)
	return n, nil
}

func (l *MemoryLink) MAC() net.HardwareAddr {
	return l.mac
}
