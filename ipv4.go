package netstack

import (
	"encoding/binary"
	"fmt"
)

///////////////////////////////////////////////////////////////////////////////
// IPv4
///////////////////////////////////////////////////////////////////////////////

const ipv4HeaderLen = 20

type ipv4Header struct {
	totalLen uint16
	ttl      uint8
	protocol uint8
	src      IPv4
	dst      IPv4

	headerLen int
}

// parseIPv4Header validates and decodes the fixed part of an IPv4 header.
// Options are skipped; the returned headerLen covers them.
func parseIPv4Header(packet []byte) (ipv4Header, error) {
	if len(packet) < ipv4HeaderLen {
		return ipv4Header{}, fmt.Errorf("ipv4 packet too short: %d bytes", len(packet))
	}

	version := packet[0] >> 4
	if version != 4 {
		return ipv4Header{}, fmt.Errorf("ipv4 version %d", version)
	}

	ihl := int(packet[0]&0x0f) * 4
	if ihl < ipv4HeaderLen || ihl > len(packet) {
		return ipv4Header{}, fmt.Errorf("ipv4 header length %d out of bounds", ihl)
	}

	totalLen := binary.BigEndian.Uint16(packet[2:4])
	if int(totalLen) < ihl || int(totalLen) > len(packet) {
		return ipv4Header{}, fmt.Errorf("ipv4 total length %d out of bounds", totalLen)
	}

	var hdr ipv4Header
	hdr.totalLen = totalLen
	hdr.ttl = packet[8]
	hdr.protocol = packet[9]
	copy(hdr.src[:], packet[12:16])
	copy(hdr.dst[:], packet[16:20])
	hdr.headerLen = ihl

	return hdr, nil
}

// buildIPv4HeaderInto writes a 20-byte header for a payload of payloadLen
// bytes into buf, which must be at least ipv4HeaderLen long.
func (s *Stack) buildIPv4HeaderInto(buf []byte, dst IPv4, protocol uint8, payloadLen int) {
	buf[0] = 0x45 // version 4, ihl 5
	buf[1] = 0    // tos
	binary.BigEndian.PutUint16(buf[2:4], uint16(ipv4HeaderLen+payloadLen))
	binary.BigEndian.PutUint16(buf[4:6], 0) // id
	binary.BigEndian.PutUint16(buf[6:8], 0) // no fragmentation
	buf[8] = 64                             // ttl
	buf[9] = protocol
	buf[10] = 0
	buf[11] = 0
	copy(buf[12:16], s.cfg.LocalIP[:])
	copy(buf[16:20], dst[:])

	cksum := checksum(buf[:ipv4HeaderLen])
	binary.BigEndian.PutUint16(buf[10:12], cksum)
}

// route returns the next hop for dst: dst itself inside the local subnet,
// the gateway otherwise. Broadcast maps to the broadcast MAC directly in
// sendIPv4.
func (s *Stack) route(dst IPv4) IPv4 {
	if sameSubnet(dst, s.cfg.LocalIP, s.cfg.Netmask) {
		return dst
	}
	return s.cfg.Gateway
}

// sendIPv4 wraps payload in an IPv4 header and transmits it. If the next
// hop's MAC is unknown an ARP request is broadcast and ErrNoARPEntry is
// returned; the caller may poll and retry.
func (s *Stack) sendIPv4(dst IPv4, protocol uint8, payload []byte) error {
	if ipv4HeaderLen+len(payload) > s.cfg.MTU {
		return fmt.Errorf("ipv4 payload of %d bytes: %w", len(payload), ErrPayloadTooLarge)
	}

	var dstMAC [6]byte
	if dst.IsBroadcast() {
		dstMAC = broadcastMAC
	} else {
		nextHop := s.route(dst)

		mac, ok := s.ARPLookup(nextHop)
		if !ok {
			if err := s.ARPRequest(nextHop); err != nil {
				return err
			}
			return fmt.Errorf("next hop %s: %w", nextHop.String(), ErrNoARPEntry)
		}
		dstMAC = mac
	}

	packet := make([]byte, ipv4HeaderLen+len(payload))
	s.buildIPv4HeaderInto(packet, dst, protocol, len(payload))
	copy(packet[ipv4HeaderLen:], payload)

	return s.sendEthernet(dstMAC, etherTypeIPv4, packet)
}

// sendIPv4Blocking is sendIPv4 with the ARP miss resolved synchronously.
func (s *Stack) sendIPv4Blocking(dst IPv4, protocol uint8, payload []byte) error {
	if !dst.IsBroadcast() {
		if _, err := s.resolveNextHop(s.route(dst)); err != nil {
			return err
		}
	}
	return s.sendIPv4(dst, protocol, payload)
}

func (s *Stack) handleIPv4(payload []byte) {
	hdr, err := parseIPv4Header(payload)
	if err != nil {
		s.logger.Debug("drop ipv4", "error", err)
		s.dropped.Add(1)
		return
	}

	if hdr.dst != s.cfg.LocalIP && !hdr.dst.IsBroadcast() {
		s.dropped.Add(1)
		return
	}

	body := payload[hdr.headerLen:hdr.totalLen]

	switch hdr.protocol {
	case protoICMP:
		s.handleICMP(hdr, body)
	case protoUDP:
		s.handleUDP(hdr, body)
	case protoTCP:
		s.handleTCP(hdr, body)
	default:
		s.dropped.Add(1)
	}
}
