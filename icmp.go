package netstack

import (
	"encoding/binary"
	"fmt"
	"time"
)

///////////////////////////////////////////////////////////////////////////////
// ICMP
///////////////////////////////////////////////////////////////////////////////

const (
	icmpHeaderLen = 8

	icmpEchoReply   = 0
	icmpEchoRequest = 8

	// pingID identifies echo requests originated by this stack.
	pingID = 0x1234

	pingPayloadLen  = 56
	pingPayloadByte = 0xab
)

func (s *Stack) handleICMP(ip ipv4Header, payload []byte) {
	if len(payload) < icmpHeaderLen {
		s.dropped.Add(1)
		return
	}

	s.icmpRxPackets.Add(1)

	icmpType := payload[0]
	id := binary.BigEndian.Uint16(payload[4:6])
	seq := binary.BigEndian.Uint16(payload[6:8])

	switch icmpType {
	case icmpEchoRequest:
		s.logger.Debug("icmp echo request", "from", ip.src.String(), "id", id, "seq", seq)

		reply := make([]byte, len(payload))
		copy(reply, payload)
		reply[0] = icmpEchoReply
		reply[2] = 0
		reply[3] = 0
		binary.BigEndian.PutUint16(reply[2:4], checksum(reply))

		s.icmpTxPackets.Add(1)
		if err := s.sendIPv4(ip.src, protoICMP, reply); err != nil {
			s.logger.Warn("icmp echo reply failed", "error", err)
		}

	case icmpEchoReply:
		s.mu.Lock()
		if s.pingWaiting && id == pingID && seq == s.pingSeq {
			s.pingReplied = true
		}
		s.mu.Unlock()
	}
}

func (s *Stack) sendEchoRequest(dst IPv4, id, seq uint16, data []byte) error {
	pkt := make([]byte, icmpHeaderLen+len(data))
	pkt[0] = icmpEchoRequest
	binary.BigEndian.PutUint16(pkt[4:6], id)
	binary.BigEndian.PutUint16(pkt[6:8], seq)
	copy(pkt[icmpHeaderLen:], data)
	binary.BigEndian.PutUint16(pkt[2:4], checksum(pkt))

	s.icmpTxPackets.Add(1)
	return s.sendIPv4(dst, protoICMP, pkt)
}

// Ping sends an ICMP echo request to dst and waits up to timeout for the
// matching reply, returning the observed round-trip time. Each call uses
// the next sequence number; replies for other sequences are ignored.
func (s *Stack) Ping(dst IPv4, timeout time.Duration) (time.Duration, error) {
	s.mu.Lock()
	s.pingSeq++
	seq := s.pingSeq
	s.pingWaiting = true
	s.pingReplied = false
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.pingWaiting = false
		s.mu.Unlock()
	}()

	payload := make([]byte, pingPayloadLen)
	for i := range payload {
		payload[i] = pingPayloadByte
	}

	if !dst.IsBroadcast() {
		if _, err := s.resolveNextHop(s.route(dst)); err != nil {
			return 0, fmt.Errorf("ping %s: %w", dst.String(), err)
		}
	}

	start := time.Now()
	if err := s.sendEchoRequest(dst, pingID, seq, payload); err != nil {
		return 0, fmt.Errorf("ping %s: %w", dst.String(), err)
	}

	replied := s.pollUntil(timeout, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.pingReplied
	})
	if !replied {
		return 0, fmt.Errorf("ping %s: %w", dst.String(), ErrTimeout)
	}

	return time.Since(start), nil
}
